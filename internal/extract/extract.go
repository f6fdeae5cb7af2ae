// Package extract turns raw fetched bytes into normalized text plus the
// structural metadata the chunker and the index need. Everything here is
// pure: no I/O beyond what the caller already fetched.
package extract

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const maxAnchors = 50

// Content is the normalized form of one ingested page or file.
type Content struct {
	Text         string
	Title        string
	Language     string
	HeadingPath  []string
	Anchors      []string
	CanonicalURL string
	ContentHash  string
}

var (
	blankRuns      = regexp.MustCompile(`\n{3,}`)
	horizontalRuns = regexp.MustCompile(`[ \t]+`)
)

// FromHTML extracts readable content from an HTML page. Non-content elements
// are stripped, headings survive as "#"-style markers so chunking can track
// the heading path, and the content hash is computed over the normalized
// text so whitespace-only re-fetches dedup as unchanged.
func FromHTML(body []byte, pageURL string) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}

	doc.Find("script, style, nav, footer, header, aside").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	canonical := pageURL
	if href, ok := doc.Find(`link[rel="canonical"]`).Attr("href"); ok && href != "" {
		canonical = href
	}

	var headingPath []string
	doc.Find("h2").Each(func(_ int, s *goquery.Selection) {
		if h := strings.TrimSpace(s.Text()); h != "" {
			headingPath = append(headingPath, h)
		}
	})

	anchors := collectAnchors(doc)

	text := renderText(doc)

	lang := doc.Find("html").AttrOr("lang", "")
	if lang == "" {
		lang = DetectLanguage(text)
	}

	return &Content{
		Text:         text,
		Title:        title,
		Language:     lang,
		HeadingPath:  headingPath,
		Anchors:      anchors,
		CanonicalURL: canonical,
		ContentHash:  HashText(text),
	}, nil
}

// renderText walks the block-level elements in document order and emits one
// line per element, keeping headings as markdown-style markers.
func renderText(doc *goquery.Document) string {
	var lines []string
	doc.Find("h1, h2, h3, h4, h5, h6, p, li, pre, blockquote").Each(func(_ int, s *goquery.Selection) {
		text := strings.TrimSpace(s.Text())
		if text == "" {
			return
		}
		switch goquery.NodeName(s) {
		case "h1":
			lines = append(lines, "# "+text, "")
		case "h2":
			lines = append(lines, "## "+text, "")
		case "h3":
			lines = append(lines, "### "+text, "")
		case "h4", "h5", "h6":
			lines = append(lines, "#### "+text, "")
		case "li":
			lines = append(lines, "- "+text)
		default:
			lines = append(lines, text, "")
		}
	})

	if len(lines) == 0 {
		// Pages without block markup still carry text.
		return NormalizeText(doc.Find("body").Text())
	}
	return NormalizeText(strings.Join(lines, "\n"))
}

func collectAnchors(doc *goquery.Document) []string {
	seen := make(map[string]struct{})
	var anchors []string
	doc.Find("a[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") ||
			strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") {
			return true
		}
		if _, dup := seen[href]; dup {
			return true
		}
		seen[href] = struct{}{}
		anchors = append(anchors, href)
		return len(anchors) < maxAnchors
	})
	return anchors
}

// NormalizeText collapses runs of blank lines and horizontal whitespace.
// The dedup hash is computed over this form.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = horizontalRuns.ReplaceAllString(text, " ")
	var trimmed []string
	for _, line := range strings.Split(text, "\n") {
		trimmed = append(trimmed, strings.TrimRight(line, " "))
	}
	text = strings.Join(trimmed, "\n")
	text = blankRuns.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

// DetectLanguage guesses a document language from its script ranges.
func DetectLanguage(text string) string {
	sample := []rune(text)
	if len(sample) > 1000 {
		sample = sample[:1000]
	}
	for _, r := range sample {
		switch {
		case r >= 0x0400 && r <= 0x04FF:
			return "ru"
		case r >= 0x4E00 && r <= 0x9FFF:
			return "zh"
		case r >= 0x3040 && r <= 0x30FF:
			return "ja"
		}
	}
	return "en"
}

// HashText returns the hex SHA-256 digest of text. Callers hash normalized
// text, never raw bytes; this is the dedup key.
func HashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// EstimateTokens approximates a token count at four characters per token.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}

var docTypeByExt = map[string]string{
	".go":   "code",
	".ts":   "code",
	".tsx":  "code",
	".js":   "code",
	".jsx":  "code",
	".py":   "code",
	".rs":   "code",
	".java": "code",
	".c":    "code",
	".cpp":  "code",
	".h":    "code",
	".hpp":  "code",
	".cs":   "code",
	".rb":   "code",
	".php":  "code",
	".kt":   "code",
	".sql":  "code",
	".sh":   "code",
	".bash": "code",
	".md":   "markdown",
	".mdx":  "markdown",
	".json": "config",
	".yaml": "config",
	".yml":  "config",
	".toml": "config",
	".xml":  "config",
}

var languageByExt = map[string]string{
	".go":   "go",
	".ts":   "typescript",
	".tsx":  "typescript",
	".js":   "javascript",
	".jsx":  "javascript",
	".py":   "python",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".cpp":  "cpp",
	".h":    "c",
	".hpp":  "cpp",
	".cs":   "csharp",
	".rb":   "ruby",
	".php":  "php",
	".kt":   "kotlin",
	".sql":  "sql",
	".sh":   "bash",
	".bash": "bash",
	".md":   "markdown",
	".mdx":  "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".xml":  "xml",
}

// ClassifyFile maps a relative path to a document type and language label.
// Test naming patterns win over the extension mapping.
func ClassifyFile(relPath string) (docType, language string) {
	ext := strings.ToLower(path.Ext(relPath))
	docType = docTypeByExt[ext]
	if docType == "" {
		docType = "other"
	}
	language = languageByExt[ext]

	base := strings.ToLower(path.Base(relPath))
	if strings.Contains(base, ".test.") || strings.Contains(base, ".spec.") ||
		strings.HasSuffix(base, "_test.go") {
		docType = "test"
	}
	return docType, language
}
