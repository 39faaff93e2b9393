package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/memory/index"
)

// recordingDLQ captures dead-lettered documents for assertions.
type recordingDLQ struct {
	mu      sync.Mutex
	docs    []memory.Document
	reasons []string
}

func (r *recordingDLQ) Record(_ context.Context, doc memory.Document, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.docs = append(r.docs, doc)
	r.reasons = append(r.reasons, reason)
}

func (r *recordingDLQ) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.docs)
}

// flakyStore fails the first failuresLeft upserts, then delegates.
type flakyStore struct {
	*index.InMemoryStore
	failuresLeft int
	calls        int
}

func (f *flakyStore) Upsert(ctx context.Context, docs []memory.Document) error {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return errors.New("connection reset by peer")
	}
	return f.InMemoryStore.Upsert(ctx, docs)
}

// disabledStore reports itself unconfigured.
type disabledStore struct {
	*index.InMemoryStore
}

func (d *disabledStore) IsEnabled() bool { return false }

func testDoc(id string) memory.Document {
	return memory.Document{
		ID:       id,
		TenantID: "t1",
		UserID:   "u1",
		AgentID:  "a1",
		TS:       "2026-03-01T12:00:00Z",
		Text:     "the quarterly budget is capped at $50,000",
	}
}

func TestUpsertDocuments_EmptyBatch(t *testing.T) {
	u := NewUpserter(UpserterOptions{Store: index.NewInMemoryStore()})
	result := u.UpsertDocuments(context.Background(), nil)
	assert.Equal(t, UpsertResult{}, result)
}

func TestUpsertDocuments_Success(t *testing.T) {
	store := index.NewInMemoryStore()
	dlq := &recordingDLQ{}
	u := NewUpserter(UpserterOptions{Store: store, DeadLetter: dlq})

	result := u.UpsertDocuments(context.Background(), []memory.Document{testDoc("d1"), testDoc("d2")})

	assert.Equal(t, UpsertResult{SuccessCount: 2}, result)
	assert.Zero(t, dlq.count())
	_, err := store.Get("d1")
	assert.NoError(t, err)
	_, err = store.Get("d2")
	assert.NoError(t, err)
}

func TestUpsertDocuments_NilStoreDeadLettersAll(t *testing.T) {
	dlq := &recordingDLQ{}
	u := NewUpserter(UpserterOptions{DeadLetter: dlq})

	result := u.UpsertDocuments(context.Background(), []memory.Document{testDoc("d1"), testDoc("d2")})

	assert.Equal(t, UpsertResult{FailedCount: 2}, result)
	require.Equal(t, 2, dlq.count())
	assert.Equal(t, "store_unconfigured", dlq.reasons[0])
}

func TestUpsertDocuments_DisabledStoreDeadLettersAll(t *testing.T) {
	dlq := &recordingDLQ{}
	u := NewUpserter(UpserterOptions{
		Store:      &disabledStore{index.NewInMemoryStore()},
		DeadLetter: dlq,
	})

	result := u.UpsertDocuments(context.Background(), []memory.Document{testDoc("d1")})

	assert.Equal(t, UpsertResult{FailedCount: 1}, result)
	assert.Equal(t, 1, dlq.count())
}

func TestUpsertDocuments_RetriesThenSucceeds(t *testing.T) {
	store := &flakyStore{InMemoryStore: index.NewInMemoryStore(), failuresLeft: 2}
	dlq := &recordingDLQ{}
	u := NewUpserter(UpserterOptions{
		Store:          store,
		DeadLetter:     dlq,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	result := u.UpsertDocuments(context.Background(), []memory.Document{testDoc("d1")})

	assert.Equal(t, UpsertResult{SuccessCount: 1}, result)
	assert.Equal(t, 3, store.calls)
	assert.Zero(t, dlq.count())
}

func TestUpsertDocuments_ExhaustedRetriesDeadLettersAll(t *testing.T) {
	store := &flakyStore{InMemoryStore: index.NewInMemoryStore(), failuresLeft: 10}
	dlq := &recordingDLQ{}
	u := NewUpserter(UpserterOptions{
		Store:          store,
		DeadLetter:     dlq,
		MaxRetries:     3,
		RetryBaseDelay: time.Millisecond,
	})

	result := u.UpsertDocuments(context.Background(), []memory.Document{testDoc("d1"), testDoc("d2")})

	assert.Equal(t, UpsertResult{FailedCount: 2}, result)
	assert.Equal(t, 3, store.calls, "whole-batch attempts, not per-document")
	require.Equal(t, 2, dlq.count())
	assert.Equal(t, "upsert_exhausted", dlq.reasons[0])
}

func TestUpsertDocuments_NormalizesEpochTimestamps(t *testing.T) {
	store := index.NewInMemoryStore()
	u := NewUpserter(UpserterOptions{Store: store})

	doc := testDoc("d1")
	doc.TS = "1700000000"
	doc.ExpiresAt = "1702592000"
	result := u.UpsertDocuments(context.Background(), []memory.Document{doc})
	require.Equal(t, 1, result.SuccessCount)

	stored, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, "2023-11-14T22:13:20Z", stored.TS)
	assert.Equal(t, "2023-12-14T22:13:20Z", stored.ExpiresAt)
}

func TestUpsertDocuments_LeavesRFC3339Untouched(t *testing.T) {
	store := index.NewInMemoryStore()
	u := NewUpserter(UpserterOptions{Store: store})

	doc := testDoc("d1")
	result := u.UpsertDocuments(context.Background(), []memory.Document{doc})
	require.Equal(t, 1, result.SuccessCount)

	stored, err := store.Get("d1")
	require.NoError(t, err)
	assert.Equal(t, "2026-03-01T12:00:00Z", stored.TS)
	assert.Equal(t, "", stored.ExpiresAt)
}

func TestNormalizeTimeString(t *testing.T) {
	assert.Equal(t, "", normalizeTimeString(""))
	assert.Equal(t, "2023-11-14T22:13:20Z", normalizeTimeString("1700000000"))
	assert.Equal(t, "2023-11-14T22:13:20Z", normalizeTimeString("1700000000.75"))
	assert.Equal(t, "2026-03-01T12:00:00Z", normalizeTimeString("2026-03-01T12:00:00Z"))
}
