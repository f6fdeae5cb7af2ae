package ingest

import (
	"fmt"
	"net/url"
	"strings"
)

// NormalizeURL standardizes a URL for the visited set and dedup keys.
// It lowercases scheme and host, strips default ports and fragments, and
// sorts query parameters so equivalent URLs compare equal.
func NormalizeURL(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)

	if u.Scheme == "http" {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""

	// url.Values.Encode emits keys in sorted order.
	u.RawQuery = u.Query().Encode()

	return u.String(), nil
}
