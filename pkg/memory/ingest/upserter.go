package ingest

import (
	"context"
	"strconv"
	"time"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/memory/index"
	"github.com/memquest/memquest/pkg/observability/logging"
)

// =============================================================================
// Upserter
// =============================================================================

const (
	// DefaultUpsertRetries is the number of whole-batch attempts.
	DefaultUpsertRetries = 3
	// DefaultUpsertRetryBaseDelay is doubled after each failed attempt.
	DefaultUpsertRetryBaseDelay = 1 * time.Second
)

// UpsertResult counts one batch's outcome.
type UpsertResult struct {
	SuccessCount int
	FailedCount  int
}

// Upserter writes document batches to the store with retry, and routes what
// cannot be written to the dead-letter sink. Deterministic IDs make the write
// merge-or-insert, so retries and stream redeliveries never duplicate rows.
type Upserter struct {
	store      index.Store
	dlq        DeadLetter
	maxRetries int
	baseDelay  time.Duration
}

// UpserterOptions configures an Upserter.
type UpserterOptions struct {
	Store      index.Store
	DeadLetter DeadLetter
	// MaxRetries overrides DefaultUpsertRetries when positive.
	MaxRetries int
	// RetryBaseDelay overrides DefaultUpsertRetryBaseDelay when positive.
	RetryBaseDelay time.Duration
}

// NewUpserter creates an Upserter. A nil dead-letter sink falls back to the
// logging sink.
func NewUpserter(opts UpserterOptions) *Upserter {
	u := &Upserter{
		store:      opts.Store,
		dlq:        opts.DeadLetter,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
	}
	if u.dlq == nil {
		u.dlq = NewLogDeadLetter()
	}
	if u.maxRetries <= 0 {
		u.maxRetries = DefaultUpsertRetries
	}
	if u.baseDelay <= 0 {
		u.baseDelay = DefaultUpsertRetryBaseDelay
	}
	return u
}

// UpsertDocuments writes docs. It never returns an error: every document
// either counts as a success or lands in the dead-letter sink and counts as
// a failure.
func (u *Upserter) UpsertDocuments(ctx context.Context, docs []memory.Document) UpsertResult {
	if len(docs) == 0 {
		return UpsertResult{}
	}

	if u.store == nil || !u.store.IsEnabled() {
		logging.Warnf("Upserter: store not configured, routing %d documents to dead letter", len(docs))
		u.deadLetterAll(ctx, docs, "store_unconfigured")
		return UpsertResult{FailedCount: len(docs)}
	}

	normalizeTimestamps(docs)

	var lastErr error
	for attempt := 0; attempt < u.maxRetries; attempt++ {
		if attempt > 0 {
			delay := u.baseDelay * time.Duration(1<<uint(attempt-1))
			logging.Warnf("Upserter: attempt %d/%d failed, retrying in %v: %v",
				attempt, u.maxRetries, delay, lastErr)
			select {
			case <-ctx.Done():
				u.deadLetterAll(ctx, docs, "context_cancelled")
				return UpsertResult{FailedCount: len(docs)}
			case <-time.After(delay):
			}
		}
		if err := u.store.Upsert(ctx, docs); err != nil {
			lastErr = err
			continue
		}
		logging.Infof("Upserter: batch=%d success=%d failed=0", len(docs), len(docs))
		return UpsertResult{SuccessCount: len(docs)}
	}

	logging.Errorf("Upserter: all %d attempts failed, %d documents to dead letter: %v",
		u.maxRetries, len(docs), lastErr)
	u.deadLetterAll(ctx, docs, "upsert_exhausted")
	return UpsertResult{FailedCount: len(docs)}
}

func (u *Upserter) deadLetterAll(ctx context.Context, docs []memory.Document, reason string) {
	for _, doc := range docs {
		u.dlq.Record(ctx, doc, reason)
	}
}

// normalizeTimestamps rewrites numeric epoch strings into RFC 3339 UTC so
// alternate producers (backfill files, older emitters) store uniformly.
func normalizeTimestamps(docs []memory.Document) {
	for i := range docs {
		docs[i].TS = normalizeTimeString(docs[i].TS)
		docs[i].ExpiresAt = normalizeTimeString(docs[i].ExpiresAt)
	}
}

func normalizeTimeString(value string) string {
	if value == "" {
		return ""
	}
	if epoch, err := strconv.ParseInt(value, 10, 64); err == nil {
		return memory.FormatTimestamp(epoch)
	}
	if epoch, err := strconv.ParseFloat(value, 64); err == nil {
		return memory.FormatTimestamp(int64(epoch))
	}
	return value
}
