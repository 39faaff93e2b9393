// Package adapter implements the hybrid memory adapter: the hot
// retrieval path (query embedding, concurrent sparse and dense search,
// reciprocal rank fusion, optional semantic rerank) and the cold write
// path (a bounded fire-and-forget queue drained to the event stream).
//
// The hot path never returns an error and never panics past its
// boundary; every internal failure degrades to fewer or zero hits.
// The cold path never blocks the caller; under sustained overload the
// newest event is dropped, logged, and counted.
package adapter

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/memory/index"
	"github.com/memquest/memquest/pkg/memory/rrf"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
	"github.com/memquest/memquest/pkg/observability/tracing"
	"github.com/memquest/memquest/pkg/stream"
)

const (
	// DefaultTimeout caps one hot-path retrieval end to end.
	DefaultTimeout = 10 * time.Second
	// DefaultQueueSize bounds the cold-path write queue.
	DefaultQueueSize = 1024
	// sendTimeout caps one background delivery to the event stream.
	sendTimeout = 30 * time.Second
)

// Hit sources, by which search leg surfaced the document.
const (
	SourceSparse = "sparse"
	SourceDense  = "dense"
	SourceHybrid = "hybrid"
)

// QueryEmbedder is the slice of the embedder the hot path needs. A
// zero-vector result means "embedding unavailable" and disables the
// dense leg for that query.
type QueryEmbedder interface {
	GenerateQueryEmbedding(ctx context.Context, text string) []float32
}

// Options configures a Hybrid adapter. A nil Store disables the hot
// path; a nil Producer disables the cold path. Neither is an error:
// an unconfigured collaborator is a disabled feature.
type Options struct {
	Store    index.Store
	Embedder QueryEmbedder
	Producer stream.Producer

	// Enabled is the global kill-switch for both paths.
	Enabled bool
	// HotEnabled toggles retrieval independently.
	HotEnabled bool
	// ColdEnabled toggles ingestion enqueue independently.
	ColdEnabled bool

	// K is the default hit count when the caller passes k <= 0.
	K int
	// RRFK is the rank fusion constant; non-positive uses rrf.DefaultK.
	RRFK int
	// RerankEnabled turns on the semantic rerank of fused results.
	RerankEnabled bool

	// Timeout overrides DefaultTimeout when positive.
	Timeout time.Duration
	// QueueSize overrides DefaultQueueSize when positive.
	QueueSize int
}

// Hybrid is the production memory.Adapter: hybrid retrieval against the
// document store on reads, a buffered hand-off to the event stream on
// writes.
type Hybrid struct {
	store    index.Store
	embedder QueryEmbedder
	producer stream.Producer

	hotEnabled    bool
	k             int
	rrfK          int
	rerankEnabled bool
	timeout       time.Duration

	// mu orders queue sends against Close: a send that raced past the
	// coldEnabled check must finish before the channel closes.
	mu          sync.RWMutex
	coldEnabled bool

	queue     chan []byte
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ memory.Adapter = (*Hybrid)(nil)

// New creates a Hybrid adapter and, when the cold path is live, starts
// its background sender. Callers must Close it to flush the queue.
func New(opts Options) *Hybrid {
	h := &Hybrid{
		store:         opts.Store,
		embedder:      opts.Embedder,
		producer:      opts.Producer,
		hotEnabled:    opts.Enabled && opts.HotEnabled && opts.Store != nil,
		coldEnabled:   opts.Enabled && opts.ColdEnabled && opts.Producer != nil,
		k:             opts.K,
		rrfK:          opts.RRFK,
		rerankEnabled: opts.RerankEnabled,
		timeout:       opts.Timeout,
	}
	if h.k <= 0 {
		h.k = 5
	}
	if h.timeout <= 0 {
		h.timeout = DefaultTimeout
	}
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	h.queue = make(chan []byte, queueSize)

	if h.coldEnabled {
		h.wg.Add(1)
		go h.sendLoop()
	}
	return h
}

// Retrieve runs the hot path. It returns an empty slice when the
// feature is disabled, on timeout, and on any internal failure.
func (h *Hybrid) Retrieve(ctx context.Context, query memory.QueryContext, k int) (hits []memory.MemoryHit) {
	if !h.hotEnabled {
		metrics.RecordHotRetrieval("disabled")
		return nil
	}

	start := time.Now()
	defer func() {
		// Nothing propagates past the adapter boundary. A panicking
		// collaborator costs this request its memory context, not the
		// chat request itself.
		if r := recover(); r != nil {
			logging.Errorf("Adapter: retrieval panic recovered: %v", r)
			metrics.RecordHotRetrievalError("panic")
			hits = nil
		}
		if len(hits) > 0 {
			metrics.RecordHotRetrieval("hit")
		} else {
			metrics.RecordHotRetrieval("empty")
		}
		metrics.ObserveHotRetrievalDuration(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	ctx, span := tracing.StartSpan(ctx, "memory.retrieve",
		attribute.String("tenant_id", query.TenantID),
		attribute.String("agent_id", query.AgentID),
	)
	defer span.End()

	return h.retrieve(ctx, query, k)
}

func (h *Hybrid) retrieve(ctx context.Context, query memory.QueryContext, k int) []memory.MemoryHit {
	if k <= 0 {
		k = h.k
	}
	if !h.store.IsEnabled() {
		return nil
	}

	filter := isolationFilter(query)

	var vector []float32
	if h.embedder != nil {
		vector = h.embedder.GenerateQueryEmbedding(ctx, query.Text)
	}
	dense := !isZeroVector(vector)

	// Each leg fetches 2k candidates so fusion has material to reorder.
	fetch := 2 * k
	var (
		wg        sync.WaitGroup
		sparseRes []index.Candidate
		denseRes  []index.Candidate
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer recoverLeg("sparse")
		res, err := h.store.SparseSearch(ctx, query.Text, filter, fetch)
		if err != nil {
			logging.Warnf("Adapter: sparse search failed: %v", err)
			metrics.RecordHotRetrievalError("sparse")
			return
		}
		sparseRes = res
	}()
	if dense {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer recoverLeg("dense")
			res, err := h.store.DenseSearch(ctx, vector, filter, fetch)
			if err != nil {
				logging.Warnf("Adapter: dense search failed: %v", err)
				metrics.RecordHotRetrievalError("dense")
				return
			}
			denseRes = res
		}()
	}
	wg.Wait()

	byID := make(map[string]index.Candidate, len(sparseRes)+len(denseRes))
	source := make(map[string]string, len(sparseRes)+len(denseRes))
	sparseIDs := collect(sparseRes, SourceSparse, byID, source)
	denseIDs := collect(denseRes, SourceDense, byID, source)

	fused := rrf.Fuse([][]string{sparseIDs, denseIDs}, h.rrfK, k)
	if len(fused) == 0 {
		return nil
	}

	scored := h.rerank(ctx, vector, fused, filter)

	hits := make([]memory.MemoryHit, 0, len(scored))
	for _, entry := range scored {
		cand := byID[entry.ID]
		hits = append(hits, memory.MemoryHit{
			ID:       entry.ID,
			Snippet:  cand.Text,
			Score:    entry.Score,
			Source:   source[entry.ID],
			Metadata: cand.Metadata,
		})
	}
	return hits
}

// rerank reorders fused results through the store's semantic rerank.
// Pass-through when disabled, when the query vector is unusable, and on
// any failure. Candidates the reranker does not echo back keep their
// fused order at the tail; nothing is silently dropped.
func (h *Hybrid) rerank(ctx context.Context, vector []float32, fused []rrf.Result, filter index.Filter) []rrf.Result {
	if !h.rerankEnabled || isZeroVector(vector) {
		return fused
	}

	ids := make([]string, len(fused))
	for i, entry := range fused {
		ids[i] = entry.ID
	}
	reranked, err := h.store.Rerank(ctx, vector, ids, filter)
	if err != nil {
		logging.Warnf("Adapter: rerank failed, keeping fused order: %v", err)
		metrics.RecordHotRetrievalError("rerank")
		return fused
	}

	known := make(map[string]bool, len(fused))
	for _, entry := range fused {
		known[entry.ID] = true
	}

	out := make([]rrf.Result, 0, len(fused))
	echoed := make(map[string]bool, len(reranked))
	for _, cand := range reranked {
		if !known[cand.ID] || echoed[cand.ID] {
			continue
		}
		echoed[cand.ID] = true
		out = append(out, rrf.Result{ID: cand.ID, Score: cand.Score})
	}
	for _, entry := range fused {
		if !echoed[entry.ID] {
			out = append(out, entry)
		}
	}
	return out
}

// EnqueueWrite hands event to the background sender. It never blocks:
// a full queue drops the event (drop-newest), logs, and counts.
func (h *Hybrid) EnqueueWrite(event *memory.MemoryEvent) bool {
	if event == nil {
		return false
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.coldEnabled {
		return false
	}
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().Unix()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Errorf("Adapter: failed to encode memory event: %v", err)
		return false
	}

	select {
	case h.queue <- payload:
		return true
	default:
		metrics.RecordEnqueueDropped()
		logging.Warnf("Adapter: write queue full, dropping event (tenant=%s user=%s)",
			event.TenantID, event.UserID)
		return false
	}
}

// Close stops accepting writes, flushes the queue, and waits for the
// sender to finish. Safe to call more than once.
func (h *Hybrid) Close() {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		h.coldEnabled = false
		close(h.queue)
		h.mu.Unlock()
	})
	h.wg.Wait()
}

func (h *Hybrid) sendLoop() {
	defer h.wg.Done()
	for payload := range h.queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		if err := h.producer.Send(ctx, payload); err != nil {
			// The caller already moved on; delivery failures are an
			// operational signal only.
			logging.Errorf("Adapter: failed to deliver memory event: %v", err)
		}
		cancel()
	}
}

// isolationFilter builds the equality filter every search leg must
// carry: tenant and user scoping plus caller-supplied constraints. The
// tenant/user fields win over a colliding caller filter.
func isolationFilter(query memory.QueryContext) index.Filter {
	filter := make(index.Filter, len(query.Filters)+2)
	for k, v := range query.Filters {
		filter[k] = v
	}
	if query.TenantID != "" {
		filter["tenant_id"] = query.TenantID
	}
	if query.UserID != "" {
		filter["user_id"] = query.UserID
	}
	return filter
}

func collect(candidates []index.Candidate, leg string, byID map[string]index.Candidate, source map[string]string) []string {
	ids := make([]string, 0, len(candidates))
	for _, cand := range candidates {
		if cand.ID == "" {
			continue
		}
		ids = append(ids, cand.ID)
		if _, seen := byID[cand.ID]; !seen {
			byID[cand.ID] = cand
			source[cand.ID] = leg
		} else if source[cand.ID] != leg {
			source[cand.ID] = SourceHybrid
		}
	}
	return ids
}

func isZeroVector(vec []float32) bool {
	for _, v := range vec {
		if v != 0 {
			return false
		}
	}
	return true
}

func recoverLeg(stage string) {
	if r := recover(); r != nil {
		logging.Errorf("Adapter: %s search panic recovered: %v", stage, r)
		metrics.RecordHotRetrievalError(stage)
	}
}
