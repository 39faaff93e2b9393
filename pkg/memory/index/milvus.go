package index

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/milvus-io/milvus-sdk-go/v2/client"
	"github.com/milvus-io/milvus-sdk-go/v2/entity"

	"github.com/memquest/memquest/pkg/memory"
	"github.com/memquest/memquest/pkg/observability/logging"
)

// DefaultMaxRetries is the default number of retry attempts for transient errors
// DefaultRetryBaseDelay is the base delay for exponential backoff (in milliseconds)
const (
	DefaultMaxRetries     = 3
	DefaultRetryBaseDelay = 100
)

const (
	denseVectorField  = "vector"
	sparseVectorField = "sparse"

	// hnswSearchEf is the ef parameter for HNSW search.
	hnswSearchEf = 64
	// sparseDropRatio drops the lowest-weight query dimensions.
	sparseDropRatio = 0.2
)

// searchOutputFields are the scalar fields fetched with every search
// leg so hits can carry text and metadata without a second query.
var searchOutputFields = []string{"id", "text", "ts", "metadata_json", "expires_at"}

// MilvusStore implements Store on a Milvus collection with a dense
// vector field and a sparse term-frequency field per document.
type MilvusStore struct {
	mu             sync.Mutex
	client         client.Client
	ownsClient     bool
	address        string
	collectionName string
	vectorDim      int
	enabled        bool
	maxRetries     int
	retryBaseDelay time.Duration
}

// MilvusStoreOptions contains configuration for creating a MilvusStore
//
//	Client is an optional pre-built Milvus client (tests); when nil the
//	store dials Address lazily on first use
//	Address is the Milvus endpoint (host:port)
//	CollectionName is the name of the Milvus collection
//	VectorDim is the dense embedding dimensionality
//	Enabled controls whether the store is active
type MilvusStoreOptions struct {
	Client         client.Client
	Address        string
	CollectionName string
	VectorDim      int
	Enabled        bool
}

// NewMilvusStore creates a new MilvusStore instance. A disabled store,
// or an enabled one with neither client nor address, returns a stub
// whose searches are empty and whose writes fail with ErrDisabled.
func NewMilvusStore(options MilvusStoreOptions) (*MilvusStore, error) {
	if !options.Enabled {
		logging.Debugf("MilvusStore: disabled, returning stub")
		return &MilvusStore{enabled: false}, nil
	}

	if options.Client == nil && options.Address == "" {
		logging.Warnf("MilvusStore: no client or address configured, treating store as disabled")
		return &MilvusStore{enabled: false}, nil
	}

	if options.CollectionName == "" {
		return nil, fmt.Errorf("collection name is required")
	}
	if options.VectorDim <= 0 {
		return nil, fmt.Errorf("vector dimension must be positive, got %d", options.VectorDim)
	}

	store := &MilvusStore{
		client:         options.Client,
		address:        options.Address,
		collectionName: options.CollectionName,
		vectorDim:      options.VectorDim,
		enabled:        true,
		maxRetries:     DefaultMaxRetries,
		retryBaseDelay: DefaultRetryBaseDelay * time.Millisecond,
	}

	logging.Debugf("MilvusStore: initialized with collection='%s', dimension=%d, address='%s'",
		store.collectionName, store.vectorDim, store.address)

	return store, nil
}

// getClient returns the shared client, dialing once on first use. The
// lock only guards construction; a failed dial is retried on the next
// call rather than cached.
func (m *MilvusStore) getClient(ctx context.Context) (client.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		return m.client, nil
	}
	c, err := client.NewGrpcClient(ctx, m.address)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to milvus at %s: %w", m.address, err)
	}
	logging.Infof("MilvusStore: connected to %s", m.address)
	m.client = c
	m.ownsClient = true
	return c, nil
}

// Upsert writes docs with merge-or-insert semantics keyed by id. It
// performs a single attempt; retry and dead-lettering belong to the
// ingestion upserter.
func (m *MilvusStore) Upsert(ctx context.Context, docs []memory.Document) error {
	if !m.enabled {
		return ErrDisabled
	}
	if len(docs) == 0 {
		return nil
	}

	c, err := m.getClient(ctx)
	if err != nil {
		return err
	}

	ids := make([]string, len(docs))
	agents := make([]string, len(docs))
	tenants := make([]string, len(docs))
	users := make([]string, len(docs))
	timestamps := make([]string, len(docs))
	texts := make([]string, len(docs))
	tags := make([][][]byte, len(docs))
	vectors := make([][]float32, len(docs))
	sparse := make([]entity.SparseEmbedding, len(docs))
	metadata := make([]string, len(docs))
	expiries := make([]string, len(docs))

	for i, doc := range docs {
		ids[i] = doc.ID
		agents[i] = doc.AgentID
		tenants[i] = doc.TenantID
		users[i] = doc.UserID
		timestamps[i] = doc.TS
		texts[i] = doc.Text
		// The array column wants each element as raw bytes.
		tags[i] = make([][]byte, len(doc.Tags))
		for j, tag := range doc.Tags {
			tags[i][j] = []byte(tag)
		}
		vectors[i] = m.normalizeVector(doc.Vector)
		sv, err := sparseEmbeddingFor(doc.Text)
		if err != nil {
			return fmt.Errorf("failed to encode sparse vector for %s: %w", doc.ID, err)
		}
		sparse[i] = sv
		metadata[i] = marshalMetadata(doc.Metadata)
		expiries[i] = doc.ExpiresAt
	}

	cols := []entity.Column{
		entity.NewColumnVarChar("id", ids),
		entity.NewColumnVarChar("agent_id", agents),
		entity.NewColumnVarChar("tenant_id", tenants),
		entity.NewColumnVarChar("user_id", users),
		entity.NewColumnVarChar("ts", timestamps),
		entity.NewColumnVarChar("text", texts),
		entity.NewColumnVarCharArray("tags", tags),
		entity.NewColumnFloatVector(denseVectorField, m.vectorDim, vectors),
		entity.NewColumnSparseVectors(sparseVectorField, sparse),
		entity.NewColumnVarChar("metadata_json", metadata),
		entity.NewColumnVarChar("expires_at", expiries),
	}

	if _, err := c.Upsert(ctx, m.collectionName, "", cols...); err != nil {
		return fmt.Errorf("milvus upsert failed: %w", err)
	}

	logging.Debugf("MilvusStore.Upsert: wrote %d documents to '%s'", len(docs), m.collectionName)
	return nil
}

// SparseSearch runs keyword search against the sparse field using a
// client-side term-frequency encoding of the query.
func (m *MilvusStore) SparseSearch(ctx context.Context, query string, filter Filter, limit int) ([]Candidate, error) {
	if !m.enabled {
		return nil, nil
	}
	positions, values := EncodeSparse(query)
	if len(positions) == 0 {
		logging.Debugf("MilvusStore.SparseSearch: query has no indexable terms")
		return nil, nil
	}
	queryVector, err := entity.NewSliceSparseEmbedding(positions, values)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sparse query: %w", err)
	}

	searchParam, err := entity.NewIndexSparseInvertedSearchParam(sparseDropRatio)
	if err != nil {
		return nil, fmt.Errorf("failed to create sparse search parameters: %w", err)
	}

	return m.search(ctx, filter.Expr(), []entity.Vector{queryVector},
		sparseVectorField, entity.IP, limit, searchParam)
}

// DenseSearch runs vector similarity search against the dense field.
func (m *MilvusStore) DenseSearch(ctx context.Context, vector []float32, filter Filter, limit int) ([]Candidate, error) {
	if !m.enabled {
		return nil, nil
	}
	if len(vector) == 0 {
		return nil, nil
	}

	searchParam, err := entity.NewIndexHNSWSearchParam(hnswSearchEf)
	if err != nil {
		return nil, fmt.Errorf("failed to create search parameters: %w", err)
	}

	return m.search(ctx, filter.Expr(), []entity.Vector{entity.FloatVector(vector)},
		denseVectorField, entity.COSINE, limit, searchParam)
}

// Rerank re-scores exactly the candidate id set against the query
// vector and returns the new ordering.
func (m *MilvusStore) Rerank(ctx context.Context, vector []float32, candidateIDs []string, filter Filter) ([]Candidate, error) {
	if !m.enabled || len(candidateIDs) == 0 || len(vector) == 0 {
		return nil, nil
	}

	quoted := make([]string, len(candidateIDs))
	for i, id := range candidateIDs {
		quoted[i] = fmt.Sprintf("\"%s\"", escapeQuotes(id))
	}
	idExpr := fmt.Sprintf("id in [%s]", strings.Join(quoted, ", "))
	expr := idExpr
	if base := filter.Expr(); base != "" {
		expr = fmt.Sprintf("%s && %s", base, idExpr)
	}

	searchParam, err := entity.NewIndexHNSWSearchParam(hnswSearchEf)
	if err != nil {
		return nil, fmt.Errorf("failed to create search parameters: %w", err)
	}

	return m.search(ctx, expr, []entity.Vector{entity.FloatVector(vector)},
		denseVectorField, entity.COSINE, len(candidateIDs), searchParam)
}

// search is the shared retrieval leg with retry on transient failures.
func (m *MilvusStore) search(ctx context.Context, expr string, vectors []entity.Vector,
	field string, metric entity.MetricType, limit int, searchParam entity.SearchParam) ([]Candidate, error) {

	if limit <= 0 {
		return nil, nil
	}

	c, err := m.getClient(ctx)
	if err != nil {
		return nil, err
	}

	logging.Debugf("MilvusStore.search: field='%s', metric='%s', limit=%d, filter='%s'",
		field, metric, limit, expr)

	var searchResult []client.SearchResult
	err = m.retryWithBackoff(ctx, func() error {
		var retryErr error
		searchResult, retryErr = c.Search(
			ctx,
			m.collectionName,
			[]string{}, // Empty partitions means search all
			expr,
			searchOutputFields,
			vectors,
			field,
			metric,
			limit,
			searchParam,
		)
		return retryErr
	})
	if err != nil {
		return nil, fmt.Errorf("milvus search failed after retries: %w", err)
	}

	return extractCandidates(searchResult, limit), nil
}

// extractCandidates flattens Milvus search results into Candidates,
// inflating the metadata JSON column into the open metadata map.
func extractCandidates(results []client.SearchResult, limit int) []Candidate {
	candidates := make([]Candidate, 0, limit)

	for _, result := range results {
		if result.ResultCount == 0 {
			continue
		}

		// Find field indices
		idIdx, textIdx, tsIdx, metadataIdx, expiresIdx := -1, -1, -1, -1, -1
		for i, field := range result.Fields {
			switch field.Name() {
			case "id":
				idIdx = i
			case "text":
				textIdx = i
			case "ts":
				tsIdx = i
			case "metadata_json":
				metadataIdx = i
			case "expires_at":
				expiresIdx = i
			}
		}

		for i := 0; i < result.ResultCount && len(candidates) < limit; i++ {
			candidate := Candidate{
				Metadata: make(map[string]interface{}),
			}
			if i < len(result.Scores) {
				candidate.Score = float64(result.Scores[i])
			}

			candidate.ID = varcharValue(result.Fields, idIdx, i)
			candidate.Text = varcharValue(result.Fields, textIdx, i)

			if ts := varcharValue(result.Fields, tsIdx, i); ts != "" {
				candidate.Metadata["ts"] = ts
			}
			if expires := varcharValue(result.Fields, expiresIdx, i); expires != "" {
				candidate.Metadata["expires_at"] = expires
			}
			if metadataVal := varcharValue(result.Fields, metadataIdx, i); metadataVal != "" {
				// Inflate JSON string into the map for downstream code accessibility
				if err := json.Unmarshal([]byte(metadataVal), &candidate.Metadata); err != nil {
					// Fallback if JSON is malformed
					candidate.Metadata["raw"] = metadataVal
				} else {
					// Reference for debugging/audit
					candidate.Metadata["_raw_source"] = metadataVal
				}
			}

			// Only keep rows that carry both an id and text
			if candidate.ID != "" && candidate.Text != "" {
				candidates = append(candidates, candidate)
			}
		}
	}

	return candidates
}

// varcharValue reads row i of the VarChar column at fieldIdx, or ""
// when the column is missing or short.
func varcharValue(fields []entity.Column, fieldIdx, i int) string {
	if fieldIdx < 0 || fieldIdx >= len(fields) {
		return ""
	}
	col, ok := fields[fieldIdx].(*entity.ColumnVarChar)
	if !ok || col.Len() <= i {
		return ""
	}
	val, err := col.ValueByIdx(i)
	if err != nil {
		return ""
	}
	return val
}

// IsEnabled returns whether the store is enabled
func (m *MilvusStore) IsEnabled() bool {
	return m.enabled
}

// CheckConnection verifies the Milvus connection is healthy
func (m *MilvusStore) CheckConnection(ctx context.Context) error {
	if !m.enabled {
		return nil
	}

	c, err := m.getClient(ctx)
	if err != nil {
		return err
	}

	hasCollection, err := c.HasCollection(ctx, m.collectionName)
	if err != nil {
		return fmt.Errorf("failed to check collection existence: %w", err)
	}
	if !hasCollection {
		return fmt.Errorf("collection '%s' does not exist", m.collectionName)
	}
	return nil
}

// Close releases the client if the store dialed it itself. Injected
// clients are the caller's to manage.
func (m *MilvusStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ownsClient && m.client != nil {
		m.client.Close()
		m.client = nil
		m.ownsClient = false
	}
	return nil
}

// normalizeVector pads or truncates vec to the configured dimension so
// a malformed write cannot be rejected by the store. Nil becomes the
// all-zero vector used when embedding was unavailable.
func (m *MilvusStore) normalizeVector(vec []float32) []float32 {
	if len(vec) == m.vectorDim {
		return vec
	}
	if len(vec) != 0 {
		logging.Warnf("MilvusStore: vector dimension mismatch - got %d, expected %d", len(vec), m.vectorDim)
	}
	normalized := make([]float32, m.vectorDim)
	copy(normalized, vec)
	return normalized
}

// sparseEmbeddingFor encodes text for the sparse field. Milvus rejects
// empty sparse rows, so blank text gets a single near-zero entry.
func sparseEmbeddingFor(text string) (entity.SparseEmbedding, error) {
	positions, values := EncodeSparse(text)
	if len(positions) == 0 {
		positions, values = []uint32{0}, []float32{1e-6}
	}
	return entity.NewSliceSparseEmbedding(positions, values)
}

// marshalMetadata serializes the open metadata map to the JSON column.
func marshalMetadata(metadata map[string]interface{}) string {
	if len(metadata) == 0 {
		return "{}"
	}
	data, err := json.Marshal(metadata)
	if err != nil {
		logging.Warnf("MilvusStore: failed to marshal metadata: %v", err)
		return "{}"
	}
	return string(data)
}

// isTransientError checks if an error is transient and should be retried
func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	errStr := strings.ToLower(err.Error())

	// Check for common transient error patterns
	transientPatterns := []string{
		"connection",
		"timeout",
		"deadline exceeded",
		"context deadline exceeded",
		"unavailable",
		"temporary",
		"retry",
		"rate limit",
		"too many requests",
		"server error",
		"internal error",
		"service unavailable",
		"network",
		"broken pipe",
		"connection reset",
		"no connection",
		"connection refused",
	}

	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}

	return false
}

// retryWithBackoff retries an operation with exponential backoff for transient errors
func (m *MilvusStore) retryWithBackoff(ctx context.Context, operation func() error) error {
	var lastErr error

	for attempt := 0; attempt < m.maxRetries; attempt++ {
		lastErr = operation()

		// If no error or non-transient error, return immediately
		if lastErr == nil || !isTransientError(lastErr) {
			return lastErr
		}

		// If this is the last attempt, return the error
		if attempt == m.maxRetries-1 {
			logging.Warnf("MilvusStore: operation failed after %d retries: %v", m.maxRetries, lastErr)
			return lastErr
		}

		// Calculate exponential backoff delay
		delay := m.retryBaseDelay * time.Duration(1<<uint(attempt)) // 2^attempt * baseDelay

		logging.Debugf("MilvusStore: transient error on attempt %d/%d, retrying in %v: %v",
			attempt+1, m.maxRetries, delay, lastErr)

		// Wait with context cancellation support
		select {
		case <-ctx.Done():
			return fmt.Errorf("context cancelled during retry: %w", ctx.Err())
		case <-time.After(delay):
			// Continue to next retry
		}
	}

	return lastErr
}
