// Package ingest implements the cold write path: events are redacted,
// triaged, embedded, and upserted into the memory index, with failures
// routed to a dead-letter sink.
package ingest

import (
	"regexp"

	"github.com/memquest/memquest/pkg/config"
)

// =============================================================================
// PII Redactor
// =============================================================================

// piiRule pairs a PII type label with its detection pattern. Rules run in
// order against the already-rewritten text, so earlier rules consume their
// matches before later ones see them.
type piiRule struct {
	Type    string
	Pattern *regexp.Regexp
}

var piiRules = []piiRule{
	{"EMAIL", regexp.MustCompile(`\b[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}\b`)},
	{"PHONE", regexp.MustCompile(`\b(?:\+?1[-.\s]?)?(?:\(\d{3}\)|\d{3})[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
	{"SSN", regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
	{"CREDIT_CARD", regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`)},
	{"IP_ADDRESS", regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
}

// RedactionResult is the outcome of one redaction pass.
type RedactionResult struct {
	// Text is the rewritten text. In tag mode it equals the input.
	Text string
	// PIIDetected reports whether any rule matched.
	PIIDetected bool
	// PIITypes lists the matched rule types in rule order.
	PIITypes []string
}

// Redactor rewrites PII out of event text before anything downstream sees it.
// Modes:
//
//	mask - replace matches with a [REDACTED:<TYPE>] placeholder
//	drop - delete matches outright
//	tag  - leave text intact, only flag that PII was seen
type Redactor struct {
	enabled bool
	mode    string
}

// NewRedactor creates a Redactor. An empty mode defaults to mask.
func NewRedactor(enabled bool, mode string) *Redactor {
	if mode == "" {
		mode = config.RedactionModeMask
	}
	return &Redactor{enabled: enabled, mode: mode}
}

// Redact applies the rules to text. A disabled redactor returns the input
// unchanged and reports no PII. Redact never fails; there is no input that
// cannot be processed.
func (r *Redactor) Redact(text string) RedactionResult {
	if !r.enabled {
		return RedactionResult{Text: text}
	}

	current := text
	var types []string
	for _, rule := range piiRules {
		if !rule.Pattern.MatchString(current) {
			continue
		}
		types = append(types, rule.Type)
		switch r.mode {
		case config.RedactionModeMask:
			current = rule.Pattern.ReplaceAllString(current, "[REDACTED:"+rule.Type+"]")
		case config.RedactionModeDrop:
			current = rule.Pattern.ReplaceAllString(current, "")
		}
		// tag mode records the type without touching the text
	}

	return RedactionResult{
		Text:        current,
		PIIDetected: len(types) > 0,
		PIITypes:    types,
	}
}
