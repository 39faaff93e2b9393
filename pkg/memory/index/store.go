// Package index provides the durable document store behind the memory
// plane: a Milvus-backed hybrid (sparse + dense) implementation and a
// deterministic in-memory one for development and tests.
package index

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/memquest/memquest/pkg/memory"
)

var (
	// ErrDisabled is returned by write operations when the store has no
	// configured backend. Retrieval legs return empty instead.
	ErrDisabled = errors.New("memory store is disabled")
	// ErrNotFound is returned by lookups for an unknown document id.
	ErrNotFound = errors.New("document not found")
)

// Candidate is one scored search result. Scores are comparable only
// within a single search call.
type Candidate struct {
	ID       string
	Text     string
	Score    float64
	Metadata map[string]interface{}
}

// Filter is a set of field -> value equality constraints applied to
// every search leg. Tenant and user scoping rides on it.
type Filter map[string]string

// Expr renders the filter as a boolean expression in the store's
// filter syntax, with keys in sorted order so output is deterministic.
func (f Filter) Expr() string {
	if len(f) == 0 {
		return ""
	}
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s == \"%s\"", k, escapeQuotes(f[k])))
	}
	return strings.Join(parts, " && ")
}

func escapeQuotes(s string) string {
	return strings.ReplaceAll(s, `"`, `\"`)
}

// Store is the document store boundary: merge-or-insert writes keyed by
// a caller-supplied id, two scored search legs, and an optional rerank
// constrained to a candidate id set.
type Store interface {
	// Upsert merges or inserts each document by its id.
	Upsert(ctx context.Context, docs []memory.Document) error

	// SparseSearch runs keyword search for query under filter.
	SparseSearch(ctx context.Context, query string, filter Filter, limit int) ([]Candidate, error)

	// DenseSearch runs vector similarity search under filter.
	DenseSearch(ctx context.Context, vector []float32, filter Filter, limit int) ([]Candidate, error)

	// Rerank re-scores exactly the given candidate ids against the
	// query vector and returns them in the new order.
	Rerank(ctx context.Context, vector []float32, candidateIDs []string, filter Filter) ([]Candidate, error)

	// IsEnabled reports whether a backend is configured.
	IsEnabled() bool

	// Close releases the backend connection.
	Close() error
}

// BackendType selects a Store implementation.
type BackendType string

const (
	// BackendMemory is the in-process map-backed store.
	BackendMemory BackendType = "memory"
	// BackendMilvus is the Milvus-backed store.
	BackendMilvus BackendType = "milvus"
)

// NewStore builds a Store for the given backend. An unknown backend is
// an error; a Milvus backend without an address yields a disabled store
// rather than an error.
func NewStore(backend BackendType, opts MilvusStoreOptions) (Store, error) {
	switch backend {
	case BackendMemory:
		return NewInMemoryStore(), nil
	case BackendMilvus:
		return NewMilvusStore(opts)
	default:
		return nil, fmt.Errorf("unknown store backend: %s", backend)
	}
}
