package memory

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// maxSnippetLen bounds how much of one memory is injected into a
// prompt. Long tool transcripts would otherwise crowd out the
// conversation itself.
const maxSnippetLen = 500

// FormatContext renders retrieval hits as a system-prompt block for
// injection ahead of the user's message. Returns "" when there is
// nothing to inject, so callers can skip the extra message entirely.
func FormatContext(hits []MemoryHit) string {
	if len(hits) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Relevant information from previous conversations:\n")
	for i, hit := range hits {
		snippet := strings.TrimSpace(hit.Snippet)
		if snippet == "" {
			continue
		}
		if len(snippet) > maxSnippetLen {
			snippet = truncate(snippet, maxSnippetLen) + "..."
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, snippet)
	}
	b.WriteString("Use this context when it is relevant to the user's request.")
	return b.String()
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
