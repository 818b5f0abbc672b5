// Package outline turns a Markdown-like heading outline into addressable
// leaf items. Each item carries the full heading breadcrumb (H1..H6) that
// leads to its block of text.
package outline

import (
	"regexp"
	"strings"
)

// Item is a leaf content block with its heading breadcrumb.
type Item struct {
	// Path is the ordered heading titles from outermost to innermost,
	// e.g. ["General principles", "Self-improvement", "5-step process"].
	Path []string

	// Text is the content accumulated directly under the deepest heading,
	// trimmed of surrounding whitespace. Multiline allowed.
	Text string
}

// headingPattern matches "#" to "######" followed by a non-empty title.
var headingPattern = regexp.MustCompile(`^(#{1,6})\s+(.*\S)\s*$`)

// Parse splits an outline into leaf items. A block of text belongs to the
// deepest heading in effect when the block started; blocks with no governing
// heading, and headings with no body, are discarded. Pure function, no side
// effects.
func Parse(text string) []Item {
	normalized := strings.ReplaceAll(text, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")
	lines := strings.Split(normalized, "\n")

	var (
		currentPath []string // sparse, indexed by heading level-1
		bufferPath  []string // path in effect when the buffer started
		buffer      []string
		items       []Item
	)

	flush := func() {
		if !hasContent(buffer) {
			buffer = buffer[:0]
			return
		}
		path := bufferPath
		if path == nil {
			path = currentPath
		}
		var trimmed []string
		for _, p := range path {
			if p != "" {
				trimmed = append(trimmed, p)
			}
		}
		items = append(items, Item{
			Path: trimmed,
			Text: strings.TrimSpace(strings.Join(buffer, "\n")),
		})
		buffer = buffer[:0]
	}

	for _, line := range lines {
		m := headingPattern.FindStringSubmatch(line)
		if m == nil {
			// Keep blank lines so paragraph breaks survive in the item text.
			buffer = append(buffer, line)
			continue
		}

		// New heading: the buffered block belongs to the prior path.
		flush()

		level := len(m[1])
		title := strings.TrimSpace(m[2])

		for len(currentPath) < level {
			currentPath = append(currentPath, "")
		}
		currentPath = currentPath[:level]
		currentPath[level-1] = title

		bufferPath = append([]string(nil), currentPath...)
	}

	flush()

	// Discard items with no heading path or blank text.
	kept := items[:0]
	for _, it := range items {
		if len(it.Path) > 0 && strings.TrimSpace(it.Text) != "" {
			kept = append(kept, it)
		}
	}
	return kept
}

// Breadcrumb renders an item's path as a readable header.
func (i Item) Breadcrumb() string {
	return strings.Join(i.Path, " -> ")
}

func hasContent(lines []string) bool {
	for _, l := range lines {
		if strings.TrimSpace(l) != "" {
			return true
		}
	}
	return false
}
