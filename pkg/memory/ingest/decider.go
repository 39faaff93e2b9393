package ingest

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
)

// =============================================================================
// Memory Decider
// =============================================================================

const (
	// MinTextLength is the minimum normalized length worth remembering.
	MinTextLength = 15
	// DefaultTTLDays is the retention for items without durable tags.
	DefaultTTLDays = 30

	// maxSeenHashes bounds the dedup set. When full it is cleared wholesale;
	// occasional re-admission of old content beats unbounded growth.
	maxSeenHashes = 50000
)

// durableTags mark events that never expire.
var durableTags = map[string]struct{}{
	"preference":   {},
	"constraint":   {},
	"decision":     {},
	"tool_outcome": {},
	"task_state":   {},
	"fact":         {},
	"final_answer": {},
}

// chitChatPhrases are exact normalized matches that carry no reuse value.
var chitChatPhrases = map[string]struct{}{
	"hi":        {},
	"hello":     {},
	"hey":       {},
	"ok":        {},
	"okay":      {},
	"thanks":    {},
	"thank you": {},
	"bye":       {},
	"yes":       {},
	"no":        {},
	"sure":      {},
	"cool":      {},
}

// DecisionResult is the decider's verdict on one event.
type DecisionResult struct {
	ShouldStore bool
	// Reason is one of the memory.Reason* constants.
	Reason string
	// ExpiresAt is the retention deadline in epoch seconds. Zero means the
	// item never expires.
	ExpiresAt int64
	// ContentHash is the sha256 of the text as given, carried on every
	// verdict so callers can correlate decisions with documents.
	ContentHash string
}

// LLMClassifier can overrule the heuristic verdict for events that already
// passed the cheap checks. Any error falls back to the heuristic outcome.
type LLMClassifier interface {
	Classify(ctx context.Context, text string, tags []string) (bool, error)
}

// Decider classifies whether an event is worth persisting. Checks run
// cheapest first: dedup by content hash, then length, then chit-chat, then
// tag-driven retention, with an optional LLM pass at the end.
type Decider struct {
	mu   sync.Mutex
	seen map[string]struct{}

	llm LLMClassifier
	now func() time.Time
}

// DeciderOptions configures a Decider.
type DeciderOptions struct {
	// LLM optionally reviews events the heuristics would store.
	LLM LLMClassifier
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// NewDecider creates a Decider.
func NewDecider(opts DeciderOptions) *Decider {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Decider{
		seen: make(map[string]struct{}),
		llm:  opts.LLM,
		now:  now,
	}
}

// Decide classifies text. The hash is tracked before the quality checks run,
// so a repeated low-signal event reads as duplicate rather than being
// re-classified each time.
func (d *Decider) Decide(ctx context.Context, text string, tags []string) DecisionResult {
	contentHash := memory.ContentHash(text)

	d.mu.Lock()
	if _, dup := d.seen[contentHash]; dup {
		d.mu.Unlock()
		return DecisionResult{Reason: memory.ReasonDuplicate, ContentHash: contentHash}
	}
	if len(d.seen) >= maxSeenHashes {
		d.seen = make(map[string]struct{})
	}
	d.seen[contentHash] = struct{}{}
	d.mu.Unlock()

	// Normalization feeds the checks only; the stored text is untouched.
	normalized := strings.ToLower(strings.TrimSpace(text))

	if utf8.RuneCountInString(normalized) < MinTextLength {
		return DecisionResult{Reason: memory.ReasonTooShort, ContentHash: contentHash}
	}

	if _, chitChat := chitChatPhrases[normalized]; chitChat {
		return DecisionResult{Reason: memory.ReasonChitChat, ContentHash: contentHash}
	}

	var expiresAt int64
	if !hasDurableTag(tags) {
		expiresAt = d.now().Add(DefaultTTLDays * 24 * time.Hour).Unix()
	}

	if d.llm != nil {
		store, err := d.llm.Classify(ctx, text, tags)
		if err != nil {
			logging.Warnf("Decider: LLM classification failed, keeping heuristic verdict: %v", err)
		} else if !store {
			return DecisionResult{Reason: memory.ReasonLLMReject, ContentHash: contentHash}
		} else {
			return DecisionResult{
				ShouldStore: true,
				Reason:      memory.ReasonLLMPass,
				ExpiresAt:   expiresAt,
				ContentHash: contentHash,
			}
		}
	}

	return DecisionResult{
		ShouldStore: true,
		Reason:      memory.ReasonHeuristicPass,
		ExpiresAt:   expiresAt,
		ContentHash: contentHash,
	}
}

// ResetSeen clears the dedup set.
func (d *Decider) ResetSeen() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = make(map[string]struct{})
}

// SeenCount returns the dedup set size.
func (d *Decider) SeenCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func hasDurableTag(tags []string) bool {
	for _, tag := range tags {
		if _, ok := durableTags[tag]; ok {
			return true
		}
	}
	return false
}
