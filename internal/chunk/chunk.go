// Package chunk splits normalized text into overlapping, size-bounded
// windows of lines. Splitting is deterministic: identical input always
// yields identical chunks, which is what makes chunk-level dedup meaningful.
package chunk

import (
	"strings"

	"github.com/radlabs/rad-crawler/internal/extract"
	"github.com/radlabs/rad-crawler/internal/ingest"
)

// Default window geometry, in lines.
const (
	DefaultWindow  = 100
	DefaultOverlap = 10
)

// Split cuts text into chunks of at most window lines, each starting
// overlap lines before the previous chunk's end. When overlap >= window the
// start is clamped so every chunk still advances by at least one line.
// Line numbers are 1-based and inclusive. Headings ("#"-style markers)
// update a running path that is carried across chunk boundaries; each chunk
// records the path as of its last line.
func Split(text string, window, overlap int) []ingest.Chunk {
	if text == "" {
		return nil
	}
	if window < 1 {
		window = DefaultWindow
	}
	if overlap < 0 {
		overlap = 0
	}

	lines := strings.Split(text, "\n")

	var (
		chunks   []ingest.Chunk
		path     headingPath
		observed int
		start    int
	)

	for start < len(lines) {
		end := start + window
		if end > len(lines) {
			end = len(lines)
		}

		for ; observed < end; observed++ {
			path.observe(lines[observed])
		}

		body := strings.Join(lines[start:end], "\n")
		chunks = append(chunks, ingest.Chunk{
			Index:      len(chunks),
			Text:       body,
			StartLine:  start + 1,
			EndLine:    end,
			TokenCount: extract.EstimateTokens(body),
			Meta:       ingest.ChunkMeta{HeadingPath: path.snapshot()},
		})

		if end == len(lines) {
			break
		}

		next := end - overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// headingPath tracks the current heading stack, one slot per heading level.
type headingPath struct {
	levels []string
}

func (h *headingPath) observe(line string) {
	trimmed := strings.TrimSpace(line)
	level := 0
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level >= len(trimmed) || trimmed[level] != ' ' {
		return
	}
	title := strings.TrimSpace(trimmed[level+1:])
	if title == "" {
		return
	}
	if level > len(h.levels) {
		level = len(h.levels) + 1
	}
	h.levels = append(h.levels[:level-1], title)
}

func (h *headingPath) snapshot() []string {
	if len(h.levels) == 0 {
		return nil
	}
	out := make([]string, len(h.levels))
	copy(out, h.levels)
	return out
}
