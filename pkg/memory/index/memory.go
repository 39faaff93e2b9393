package index

import (
	"context"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/memquest/memquest/pkg/memory"
)

// InMemoryStore is a map-backed implementation of the Store interface
// for development and tests. Keyword scoring stands in for the sparse
// leg and exact cosine similarity for the dense leg, so retrieval
// ordering is fully deterministic.
type InMemoryStore struct {
	mu   sync.RWMutex
	docs map[string]memory.Document // key: document ID
}

// NewInMemoryStore creates a new in-memory store
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		docs: make(map[string]memory.Document),
	}
}

// Upsert inserts or overwrites each document by id. The pipeline
// always writes complete documents, so overwrite equals the store's
// merge-or-insert: every provided field replaces the stored one.
func (s *InMemoryStore) Upsert(ctx context.Context, docs []memory.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, doc := range docs {
		if doc.ID == "" {
			continue
		}
		s.docs[doc.ID] = doc
	}
	return nil
}

// SparseSearch scores documents by the share of query terms present in
// their text.
func (s *InMemoryStore) SparseSearch(ctx context.Context, query string, filter Filter, limit int) ([]Candidate, error) {
	terms := Tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Candidate
	for _, doc := range s.docs {
		if !matchesFilter(doc, filter) {
			continue
		}
		textLower := strings.ToLower(doc.Text)
		matchCount := 0
		for _, term := range terms {
			if strings.Contains(textLower, term) {
				matchCount++
			}
		}
		if matchCount == 0 {
			continue
		}
		score := float64(matchCount) / float64(len(terms))
		candidates = append(candidates, candidateFromDoc(doc, score))
	}

	return sortAndTrim(candidates, limit), nil
}

// DenseSearch scores documents by cosine similarity to the query
// vector.
func (s *InMemoryStore) DenseSearch(ctx context.Context, vector []float32, filter Filter, limit int) ([]Candidate, error) {
	if len(vector) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Candidate
	for _, doc := range s.docs {
		if !matchesFilter(doc, filter) {
			continue
		}
		score, ok := cosine(vector, doc.Vector)
		if !ok {
			continue
		}
		candidates = append(candidates, candidateFromDoc(doc, score))
	}

	return sortAndTrim(candidates, limit), nil
}

// Rerank re-scores exactly the given ids by cosine similarity.
func (s *InMemoryStore) Rerank(ctx context.Context, vector []float32, candidateIDs []string, filter Filter) ([]Candidate, error) {
	if len(vector) == 0 || len(candidateIDs) == 0 {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var candidates []Candidate
	for _, id := range candidateIDs {
		doc, ok := s.docs[id]
		if !ok || !matchesFilter(doc, filter) {
			continue
		}
		score, ok := cosine(vector, doc.Vector)
		if !ok {
			continue
		}
		candidates = append(candidates, candidateFromDoc(doc, score))
	}

	return sortAndTrim(candidates, 0), nil
}

// Get returns a stored document by id. Test helper alongside Count.
func (s *InMemoryStore) Get(id string) (memory.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	doc, ok := s.docs[id]
	if !ok {
		return memory.Document{}, ErrNotFound
	}
	return doc, nil
}

// Count returns the number of stored documents (for testing)
func (s *InMemoryStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

// IsEnabled returns true (in-memory store is always enabled)
func (s *InMemoryStore) IsEnabled() bool {
	return true
}

// Close releases any resources (no-op for in-memory)
func (s *InMemoryStore) Close() error {
	return nil
}

// matchesFilter applies equality constraints: known identity fields
// map to document fields, anything else is looked up in metadata.
func matchesFilter(doc memory.Document, filter Filter) bool {
	for key, want := range filter {
		var got string
		switch key {
		case "tenant_id":
			got = doc.TenantID
		case "user_id":
			got = doc.UserID
		case "agent_id":
			got = doc.AgentID
		default:
			if v, ok := doc.Metadata[key]; ok {
				if str, isStr := v.(string); isStr {
					got = str
				}
			}
		}
		if got != want {
			return false
		}
	}
	return true
}

func candidateFromDoc(doc memory.Document, score float64) Candidate {
	metadata := make(map[string]interface{}, len(doc.Metadata)+2)
	for k, v := range doc.Metadata {
		metadata[k] = v
	}
	if doc.TS != "" {
		metadata["ts"] = doc.TS
	}
	if doc.ExpiresAt != "" {
		metadata["expires_at"] = doc.ExpiresAt
	}
	return Candidate{
		ID:       doc.ID,
		Text:     doc.Text,
		Score:    score,
		Metadata: metadata,
	}
}

// sortAndTrim orders candidates by score descending with id as the
// tie-breaker, so map iteration order never leaks into results.
func sortAndTrim(candidates []Candidate, limit int) []Candidate {
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates
}

// cosine reports the cosine similarity of a and b, or false when
// either vector has zero norm or the lengths differ.
func cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB)), true
}
