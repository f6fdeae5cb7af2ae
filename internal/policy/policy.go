// Package policy evaluates governance rules: domain allow/deny patterns
// gating which URLs a crawl may touch.
package policy

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/radlabs/rad-crawler/internal/ingest"
)

// Allowed reports whether rawURL passes the policy's allow/deny patterns.
// The allowlist is evaluated first: when non-empty, the URL's host must match
// at least one pattern. The denylist then rejects on host, or on host+path
// when the pattern carries a wildcard. Any parse failure rejects (fail closed).
func Allowed(rawURL string, p ingest.Policy) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return false
	}
	host := strings.ToLower(u.Hostname())
	path := u.Path

	if len(p.Allowlist) > 0 {
		allowed := false
		for _, pattern := range p.Allowlist {
			if matchHost(host, pattern) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	for _, pattern := range p.Denylist {
		if strings.Contains(pattern, "*") {
			if matchGlob(host+path, pattern) {
				return false
			}
			continue
		}
		if matchHost(host, pattern) {
			return false
		}
	}

	return true
}

// matchHost matches a hostname against a pattern. A bare domain pattern
// covers the domain itself and every subdomain; a pattern with "*" is
// matched as a glob.
func matchHost(host, pattern string) bool {
	pattern = strings.ToLower(pattern)
	if strings.Contains(pattern, "*") {
		return matchGlob(host, pattern)
	}
	return host == pattern || strings.HasSuffix(host, "."+pattern)
}

// matchGlob matches value against a pattern where "*" expands to any run of
// characters and literal dots stay literal.
func matchGlob(value, pattern string) bool {
	expr := "^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	re, err := regexp.Compile(expr)
	if err != nil {
		return false
	}
	return re.MatchString(value)
}
