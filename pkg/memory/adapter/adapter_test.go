package adapter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/memory/index"
)

// fakeStore is a programmable index.Store.
type fakeStore struct {
	enabled bool

	sparseResults []index.Candidate
	denseResults  []index.Candidate
	rerankResults []index.Candidate

	sparseErr error
	denseErr  error
	rerankErr error
	panicAll  bool

	mu          sync.Mutex
	sparseCalls int
	denseCalls  int
	rerankCalls int
	lastFilter  index.Filter
	lastIDs     []string
}

func (f *fakeStore) Upsert(context.Context, []memory.Document) error { return nil }

func (f *fakeStore) SparseSearch(_ context.Context, _ string, filter index.Filter, _ int) ([]index.Candidate, error) {
	f.mu.Lock()
	f.sparseCalls++
	f.lastFilter = filter
	f.mu.Unlock()
	if f.panicAll {
		panic("sparse exploded")
	}
	return f.sparseResults, f.sparseErr
}

func (f *fakeStore) DenseSearch(_ context.Context, _ []float32, filter index.Filter, _ int) ([]index.Candidate, error) {
	f.mu.Lock()
	f.denseCalls++
	f.lastFilter = filter
	f.mu.Unlock()
	if f.panicAll {
		panic("dense exploded")
	}
	return f.denseResults, f.denseErr
}

func (f *fakeStore) Rerank(_ context.Context, _ []float32, ids []string, _ index.Filter) ([]index.Candidate, error) {
	f.mu.Lock()
	f.rerankCalls++
	f.lastIDs = ids
	f.mu.Unlock()
	if f.panicAll {
		panic("rerank exploded")
	}
	return f.rerankResults, f.rerankErr
}

func (f *fakeStore) IsEnabled() bool { return f.enabled }
func (f *fakeStore) Close() error    { return nil }

// fixedEmbedder returns the same vector for every query.
type fixedEmbedder struct {
	vector []float32
}

func (e fixedEmbedder) GenerateQueryEmbedding(context.Context, string) []float32 {
	return e.vector
}

// gatedProducer blocks each Send until released, signalling when a
// delivery has started.
type gatedProducer struct {
	started chan struct{}
	release chan struct{}

	mu   sync.Mutex
	sent [][]byte
}

func newGatedProducer() *gatedProducer {
	return &gatedProducer{
		started: make(chan struct{}, 16),
		release: make(chan struct{}),
	}
}

func (p *gatedProducer) Send(_ context.Context, payload []byte) error {
	p.started <- struct{}{}
	<-p.release
	p.mu.Lock()
	p.sent = append(p.sent, payload)
	p.mu.Unlock()
	return nil
}

func (p *gatedProducer) Close() error { return nil }

// sinkProducer accepts every payload without blocking.
type sinkProducer struct{}

func (sinkProducer) Send(context.Context, []byte) error { return nil }
func (sinkProducer) Close() error                       { return nil }

func cand(id, text string, score float64) index.Candidate {
	return index.Candidate{ID: id, Text: text, Score: score}
}

func newHotAdapter(store index.Store, emb QueryEmbedder, rerank bool) *Hybrid {
	return New(Options{
		Store:         store,
		Embedder:      emb,
		Enabled:       true,
		HotEnabled:    true,
		K:             3,
		RerankEnabled: rerank,
	})
}

func TestRetrieveDisabled(t *testing.T) {
	store := &fakeStore{enabled: true, sparseResults: []index.Candidate{cand("a", "a", 1)}}

	off := New(Options{Store: store, Enabled: false, HotEnabled: true})
	assert.Empty(t, off.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3))

	hotOff := New(Options{Store: store, Enabled: true, HotEnabled: false})
	assert.Empty(t, hotOff.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3))

	assert.Zero(t, store.sparseCalls, "disabled adapter must not touch the store")
}

func TestRetrieveFusesSparseAndDense(t *testing.T) {
	store := &fakeStore{
		enabled:       true,
		sparseResults: []index.Candidate{cand("a", "alpha", 9.1), cand("b", "bravo", 4.2)},
		denseResults:  []index.Candidate{cand("b", "bravo", 0.93), cand("c", "charlie", 0.87)},
	}
	h := newHotAdapter(store, fixedEmbedder{vector: []float32{0.1, 0.2}}, false)

	hits := h.Retrieve(context.Background(), memory.QueryContext{Text: "q", TenantID: "t1", UserID: "u1"}, 3)

	// b ranks in both lists (1/62 + 1/61) and beats a (rank 1 in one
	// list) and c (rank 2 in one list).
	require.Len(t, hits, 3)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
	assert.Equal(t, "c", hits[2].ID)

	assert.Equal(t, SourceHybrid, hits[0].Source)
	assert.Equal(t, SourceSparse, hits[1].Source)
	assert.Equal(t, SourceDense, hits[2].Source)
	assert.Equal(t, "bravo", hits[0].Snippet)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestRetrieveEnforcesIsolationFilter(t *testing.T) {
	store := &fakeStore{enabled: true}
	h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, false)

	h.Retrieve(context.Background(), memory.QueryContext{
		Text:     "what did I decide",
		TenantID: "t1",
		UserID:   "u1",
		Filters:  map[string]string{"agent_id": "concierge", "tenant_id": "spoofed"},
	}, 3)

	require.NotNil(t, store.lastFilter)
	assert.Equal(t, "t1", store.lastFilter["tenant_id"], "query identity must override caller filters")
	assert.Equal(t, "u1", store.lastFilter["user_id"])
	assert.Equal(t, "concierge", store.lastFilter["agent_id"])
}

func TestRetrieveSparseOnlyWhenEmbeddingUnavailable(t *testing.T) {
	store := &fakeStore{
		enabled:       true,
		sparseResults: []index.Candidate{cand("a", "alpha", 1)},
	}
	// Zero vector means the embedder exhausted its retries.
	h := newHotAdapter(store, fixedEmbedder{vector: make([]float32, 4)}, false)

	hits := h.Retrieve(context.Background(), memory.QueryContext{Text: "q", UserID: "u1"}, 3)

	require.Len(t, hits, 1)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, 1, store.sparseCalls)
	assert.Zero(t, store.denseCalls, "zero query vector must disable the dense leg")
}

func TestRetrieveSwallowsEveryFailure(t *testing.T) {
	t.Run("both legs error", func(t *testing.T) {
		store := &fakeStore{
			enabled:   true,
			sparseErr: errors.New("index offline"),
			denseErr:  errors.New("index offline"),
		}
		h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, false)
		assert.Empty(t, h.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3))
	})

	t.Run("store panics", func(t *testing.T) {
		store := &fakeStore{enabled: true, panicAll: true}
		h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, true)
		assert.NotPanics(t, func() {
			assert.Empty(t, h.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3))
		})
	})

	t.Run("store disabled", func(t *testing.T) {
		store := &fakeStore{enabled: false}
		h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, false)
		assert.Empty(t, h.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3))
		assert.Zero(t, store.sparseCalls)
	})
}

func TestRerankReordersAndKeepsUnechoed(t *testing.T) {
	store := &fakeStore{
		enabled:       true,
		sparseResults: []index.Candidate{cand("a", "alpha", 2), cand("b", "bravo", 1)},
		denseResults:  []index.Candidate{cand("b", "bravo", 0.9), cand("c", "charlie", 0.8)},
		// The reranker echoes only c, with a semantic score; b and a
		// must keep their fused order at the tail.
		rerankResults: []index.Candidate{cand("c", "charlie", 0.99), cand("zzz", "stranger", 0.5)},
	}
	h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, true)

	hits := h.Retrieve(context.Background(), memory.QueryContext{Text: "q", UserID: "u1"}, 3)

	require.Len(t, hits, 3)
	assert.Equal(t, "c", hits[0].ID)
	assert.InDelta(t, 0.99, hits[0].Score, 1e-9, "echoed candidates carry the semantic score")
	assert.Equal(t, "b", hits[1].ID)
	assert.Equal(t, "a", hits[2].ID)

	assert.Equal(t, 1, store.rerankCalls)
	assert.ElementsMatch(t, []string{"a", "b", "c"}, store.lastIDs,
		"rerank must be constrained to the fused candidate set")
}

func TestRerankFailureKeepsFusedOrder(t *testing.T) {
	store := &fakeStore{
		enabled:       true,
		sparseResults: []index.Candidate{cand("a", "alpha", 2), cand("b", "bravo", 1)},
		denseResults:  []index.Candidate{cand("b", "bravo", 0.9)},
		rerankErr:     errors.New("rerank unavailable"),
	}
	h := newHotAdapter(store, fixedEmbedder{vector: []float32{1}}, true)

	hits := h.Retrieve(context.Background(), memory.QueryContext{Text: "q"}, 3)

	require.Len(t, hits, 2)
	assert.Equal(t, "b", hits[0].ID)
	assert.Equal(t, "a", hits[1].ID)
}

func TestRetrieveAgainstInMemoryStore(t *testing.T) {
	store := index.NewInMemoryStore()
	require.NoError(t, store.Upsert(context.Background(), []memory.Document{
		{ID: "1", TenantID: "t1", UserID: "u1", Text: "User loves deep tissue massage every Sunday", Vector: []float32{1, 0}},
		{ID: "2", TenantID: "t1", UserID: "u1", Text: "Budget for the quarter is $50,000", Vector: []float32{0, 1}},
		{ID: "3", TenantID: "t1", UserID: "u2", Text: "Other user's massage preferences", Vector: []float32{1, 0}},
	}))

	h := newHotAdapter(store, fixedEmbedder{vector: []float32{1, 0}}, false)
	hits := h.Retrieve(context.Background(), memory.QueryContext{
		Text:     "massage preferences",
		TenantID: "t1",
		UserID:   "u1",
	}, 3)

	require.NotEmpty(t, hits)
	assert.Equal(t, "1", hits[0].ID)
	for _, hit := range hits {
		assert.NotEqual(t, "3", hit.ID, "hits must never cross the user boundary")
	}
}

func TestEnqueueWriteDisabled(t *testing.T) {
	h := New(Options{Producer: newGatedProducer(), Enabled: true, ColdEnabled: false})
	assert.False(t, h.EnqueueWrite(&memory.MemoryEvent{Text: "x"}))

	noProducer := New(Options{Enabled: true, ColdEnabled: true})
	assert.False(t, noProducer.EnqueueWrite(&memory.MemoryEvent{Text: "x"}))
}

func TestEnqueueWriteDropsNewestWhenFull(t *testing.T) {
	producer := newGatedProducer()
	h := New(Options{
		Producer:    producer,
		Enabled:     true,
		ColdEnabled: true,
		QueueSize:   1,
	})

	first := &memory.MemoryEvent{TenantID: "t1", UserID: "u1", Timestamp: 1, Text: "first"}
	second := &memory.MemoryEvent{TenantID: "t1", UserID: "u1", Timestamp: 2, Text: "second"}
	third := &memory.MemoryEvent{TenantID: "t1", UserID: "u1", Timestamp: 3, Text: "third"}

	assert.True(t, h.EnqueueWrite(first))

	// Wait until the sender has dequeued the first event and is parked
	// in Send, so the single queue slot is deterministically free.
	select {
	case <-producer.started:
	case <-time.After(5 * time.Second):
		t.Fatal("sender never started delivering")
	}

	assert.True(t, h.EnqueueWrite(second), "one slot free, second event buffered")
	assert.False(t, h.EnqueueWrite(third), "queue full, newest event dropped")

	close(producer.release)
	h.Close()

	producer.mu.Lock()
	defer producer.mu.Unlock()
	require.Len(t, producer.sent, 2)
	for i, want := range []string{"first", "second"} {
		var event memory.MemoryEvent
		require.NoError(t, json.Unmarshal(producer.sent[i], &event))
		assert.Equal(t, want, event.Text)
	}
}

func TestEnqueueWriteDuringClose(t *testing.T) {
	h := New(Options{Producer: sinkProducer{}, Enabled: true, ColdEnabled: true, QueueSize: 4})

	// Hammer the queue from several writers while Close runs; a send
	// slipping past the shutdown flag must never hit a closed channel.
	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			for j := 0; j < 200; j++ {
				h.EnqueueWrite(&memory.MemoryEvent{TenantID: "t1", UserID: "u1", Text: "racing write"})
			}
		}()
	}
	close(start)
	h.Close()
	wg.Wait()

	assert.False(t, h.EnqueueWrite(&memory.MemoryEvent{TenantID: "t1", UserID: "u1", Text: "after close"}))
}

func TestEnqueueWriteStampsTimestamp(t *testing.T) {
	producer := newGatedProducer()
	close(producer.release)
	h := New(Options{Producer: producer, Enabled: true, ColdEnabled: true})

	event := &memory.MemoryEvent{TenantID: "t1", UserID: "u1", Text: "no timestamp yet"}
	require.True(t, h.EnqueueWrite(event))
	h.Close()

	assert.NotZero(t, event.Timestamp)
}
