package memory

import (
	"strings"
	"testing"
	"unicode/utf8"
)

func TestFormatContextEmpty(t *testing.T) {
	if got := FormatContext(nil); got != "" {
		t.Errorf("expected empty block for no hits, got %q", got)
	}
}

func TestFormatContextNumbersHits(t *testing.T) {
	hits := []MemoryHit{
		{ID: "a", Snippet: "User prefers window seats", Score: 0.9},
		{ID: "b", Snippet: "Budget for the trip is $2,000", Score: 0.4},
	}
	got := FormatContext(hits)

	if !strings.HasPrefix(got, "Relevant information from previous conversations:") {
		t.Errorf("missing header: %q", got)
	}
	if !strings.Contains(got, "1. User prefers window seats") {
		t.Errorf("missing first hit: %q", got)
	}
	if !strings.Contains(got, "2. Budget for the trip is $2,000") {
		t.Errorf("missing second hit: %q", got)
	}
}

func TestFormatContextTruncatesLongSnippets(t *testing.T) {
	long := strings.Repeat("x", maxSnippetLen+100)
	got := FormatContext([]MemoryHit{{ID: "a", Snippet: long}})

	if strings.Contains(got, long) {
		t.Error("long snippet was not truncated")
	}
	if !strings.Contains(got, strings.Repeat("x", maxSnippetLen)+"...") {
		t.Error("truncation marker missing")
	}
}

func TestFormatContextTruncatesOnRuneBoundary(t *testing.T) {
	// The leading ASCII byte shifts the two-byte runes so the byte
	// limit lands mid-rune.
	long := "a" + strings.Repeat("é", maxSnippetLen)
	got := FormatContext([]MemoryHit{{ID: "a", Snippet: long}})

	if !utf8.ValidString(got) {
		t.Errorf("truncation split a rune: %q", got[:50])
	}
	if strings.Contains(got, long) {
		t.Error("long snippet was not truncated")
	}
	if !strings.Contains(got, "é...") {
		t.Error("truncation marker should follow a whole rune")
	}
}
