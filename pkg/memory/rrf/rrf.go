// Package rrf implements reciprocal rank fusion: merging N ranked id
// lists into one ranking using only ordinal positions. Original scores
// are discarded; each list contributes 1/(k+rank) per id with 1-based
// ranks. Pure and deterministic.
package rrf

import "sort"

// DefaultK flattens the gap between adjacent ranks. Larger values
// weaken the advantage of rank 1 over rank 2.
const DefaultK = 60

// Result is one fused entry.
type Result struct {
	ID    string
	Score float64
}

// Fuse merges the given ranked lists (each sorted best to worst).
// k falls back to DefaultK when non-positive. topK truncates the
// output; non-positive returns the full fused set. Ties keep
// first-seen order across the input lists.
func Fuse(rankings [][]string, k, topK int) []Result {
	if k <= 0 {
		k = DefaultK
	}

	scores := make(map[string]float64)
	order := make([]string, 0)

	for _, ranking := range rankings {
		for i, id := range ranking {
			if id == "" {
				continue
			}
			if _, seen := scores[id]; !seen {
				order = append(order, id)
			}
			scores[id] += 1.0 / float64(k+i+1)
		}
	}

	fused := make([]Result, 0, len(order))
	for _, id := range order {
		fused = append(fused, Result{ID: id, Score: scores[id]})
	}
	sort.SliceStable(fused, func(i, j int) bool {
		return fused[i].Score > fused[j].Score
	})

	if topK > 0 && topK < len(fused) {
		fused = fused[:topK]
	}
	return fused
}
