package embed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
	"github.com/memquest/memquest/pkg/observability/metrics"
)

const (
	// DefaultMaxRetries is the default number of attempts per provider call.
	DefaultMaxRetries = 3
	// DefaultRetryBaseDelay is the base backoff, doubled after each failed attempt.
	DefaultRetryBaseDelay = 1 * time.Second

	// cacheCapacity bounds the content-hash cache. The cache fills and then
	// stops admitting; it is never evicted for the lifetime of the process.
	cacheCapacity = 10000

	// batchTokenBudget caps the token mass of a single provider request.
	batchTokenBudget = 8000
	// batchMaxSize caps the number of inputs in a single provider request.
	batchMaxSize = 64
)

// Embedder turns text into dense vectors through an OpenAI-compatible
// embeddings endpoint. It degrades instead of failing: when the provider is
// unconfigured or exhausts its retries, callers receive zero-vectors of the
// configured dimension and the pipeline carries on.
type Embedder struct {
	client     openai.Client
	model      string
	dimension  int
	maxRetries int
	baseDelay  time.Duration
	enabled    bool

	mu    sync.RWMutex
	cache map[string][]float32
}

// Options configures an Embedder.
type Options struct {
	// Endpoint is the base URL of an OpenAI-compatible API. Empty means the
	// platform default (api.openai.com) when an API key is present.
	Endpoint string
	// APIKey authenticates requests. Both Endpoint and APIKey empty means
	// embeddings are unconfigured and every call returns zero-vectors.
	APIKey string
	// Model names the embedding model to request.
	Model string
	// Dimension is the vector width callers receive, zeros included.
	Dimension int
	// MaxRetries overrides DefaultMaxRetries when positive.
	MaxRetries int
	// RetryBaseDelay overrides DefaultRetryBaseDelay when positive.
	RetryBaseDelay time.Duration
}

// NewEmbedder creates an Embedder. An unconfigured provider is not an error;
// the instance simply serves zero-vectors.
func NewEmbedder(opts Options) *Embedder {
	e := &Embedder{
		model:      opts.Model,
		dimension:  opts.Dimension,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.RetryBaseDelay,
		enabled:    opts.Endpoint != "" || opts.APIKey != "",
		cache:      make(map[string][]float32),
	}
	if e.maxRetries <= 0 {
		e.maxRetries = DefaultMaxRetries
	}
	if e.baseDelay <= 0 {
		e.baseDelay = DefaultRetryBaseDelay
	}
	if !e.enabled {
		logging.Warnf("Embedder: no endpoint or API key configured, serving zero-vectors")
		return e
	}

	clientOpts := []option.RequestOption{
		option.WithAPIKey(opts.APIKey),
		// The Embedder owns retry behavior; the SDK must not add its own.
		option.WithMaxRetries(0),
	}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithBaseURL(opts.Endpoint))
	}
	e.client = openai.NewClient(clientOpts...)
	return e
}

// IsEnabled reports whether a provider is configured.
func (e *Embedder) IsEnabled() bool {
	return e.enabled
}

// Dimension returns the configured vector width.
func (e *Embedder) Dimension() int {
	return e.dimension
}

// CacheSize returns the number of cached vectors.
func (e *Embedder) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

// pending tracks a cache miss through batching back to its slot in the
// caller's input order.
type pending struct {
	index int
	text  string
	hash  string
}

// GenerateEmbeddings embeds texts in input order. Cache hits are served
// locally; misses go to the provider in token-budgeted batches. Any slot the
// provider cannot fill comes back as a zero-vector, never an error.
func (e *Embedder) GenerateEmbeddings(ctx context.Context, texts []string) [][]float32 {
	results := make([][]float32, len(texts))
	var misses []pending
	for i, text := range texts {
		hash := memory.ContentHash(text)
		if vec, ok := e.cachedVector(hash); ok {
			metrics.RecordEmbeddingCacheHit()
			results[i] = vec
			continue
		}
		metrics.RecordEmbeddingCacheMiss()
		misses = append(misses, pending{index: i, text: text, hash: hash})
	}
	if len(misses) == 0 {
		return results
	}

	if !e.enabled {
		for _, p := range misses {
			results[p.index] = e.zeroVector()
		}
		return results
	}

	for _, batch := range splitBatches(misses, batchTokenBudget, batchMaxSize) {
		vectors, err := e.embedBatch(ctx, batch)
		if err != nil {
			logging.Errorf("Embedder: batch of %d failed, filling zero-vectors: %v", len(batch), err)
			for _, p := range batch {
				results[p.index] = e.zeroVector()
			}
			continue
		}
		for i, p := range batch {
			results[p.index] = vectors[i]
			e.storeVector(p.hash, vectors[i])
		}
	}
	return results
}

// GenerateQueryEmbedding embeds a single query text. A zero-vector signals
// that only sparse retrieval is available.
func (e *Embedder) GenerateQueryEmbedding(ctx context.Context, text string) []float32 {
	vectors := e.GenerateEmbeddings(ctx, []string{text})
	return vectors[0]
}

// embedBatch performs one provider call with retry. The returned slice is
// parallel to batch.
func (e *Embedder) embedBatch(ctx context.Context, batch []pending) ([][]float32, error) {
	inputs := make([]string, len(batch))
	for i, p := range batch {
		inputs[i] = p.text
	}

	var vectors [][]float32
	err := e.retryWithBackoff(ctx, func() error {
		params := openai.EmbeddingNewParams{
			Input: openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: inputs},
			Model: openai.EmbeddingModel(e.model),
		}
		if e.dimension > 0 {
			params.Dimensions = openai.Int(int64(e.dimension))
		}
		resp, err := e.client.Embeddings.New(ctx, params)
		if err != nil {
			return err
		}
		if len(resp.Data) != len(inputs) {
			return fmt.Errorf("provider returned %d embeddings for %d inputs", len(resp.Data), len(inputs))
		}
		vectors = make([][]float32, len(inputs))
		for _, datum := range resp.Data {
			idx := int(datum.Index)
			if idx < 0 || idx >= len(inputs) {
				return fmt.Errorf("provider returned out-of-range index %d", idx)
			}
			vec := make([]float32, len(datum.Embedding))
			for j, v := range datum.Embedding {
				vec[j] = float32(v)
			}
			vectors[idx] = vec
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return vectors, nil
}

// retryWithBackoff retries fn up to maxRetries times, doubling the delay
// after each failed attempt.
func (e *Embedder) retryWithBackoff(ctx context.Context, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < e.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordEmbeddingRetry()
			delay := e.baseDelay * time.Duration(1<<uint(attempt-1))
			logging.Warnf("Embedder: retrying after %v (attempt %d/%d): %v",
				delay, attempt+1, e.maxRetries, lastErr)
			select {
			case <-ctx.Done():
				return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
			case <-time.After(delay):
			}
		}
		if err := fn(); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("all %d attempts failed, last error: %w", e.maxRetries, lastErr)
}

func (e *Embedder) zeroVector() []float32 {
	return make([]float32, e.dimension)
}

func (e *Embedder) cachedVector(hash string) ([]float32, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	vec, ok := e.cache[hash]
	return vec, ok
}

// storeVector admits a vector unless the cache is full. Fill-then-stop keeps
// the hot early-conversation vocabulary resident without eviction bookkeeping.
func (e *Embedder) storeVector(hash string, vec []float32) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.cache) >= cacheCapacity {
		return
	}
	e.cache[hash] = vec
}

// splitBatches groups misses so that no batch exceeds the token budget or the
// size cap. A single text over budget still travels alone rather than being
// dropped.
func splitBatches(items []pending, tokenBudget, maxSize int) [][]pending {
	var batches [][]pending
	var current []pending
	currentTokens := 0
	for _, item := range items {
		itemTokens := tokenCount(item.text)
		if len(current) > 0 && (currentTokens+itemTokens > tokenBudget || len(current) >= maxSize) {
			batches = append(batches, current)
			current = nil
			currentTokens = 0
		}
		current = append(current, item)
		currentTokens += itemTokens
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}
