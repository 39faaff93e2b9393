package index

import (
	"hash/fnv"
	"sort"
	"strings"
	"unicode"
)

// Tokenize lowercases text and splits it on non-alphanumeric runes,
// dropping single-character fragments. Both the sparse encoder and the
// in-memory keyword scorer share this view of "terms".
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	terms := fields[:0]
	for _, f := range fields {
		if len(f) > 1 {
			terms = append(terms, f)
		}
	}
	return terms
}

// EncodeSparse hashes each term into a 32-bit dimension and uses term
// frequency as the weight, yielding the (positions, values) pair the
// sparse vector field expects. Positions come back sorted ascending
// with collision weights accumulated.
func EncodeSparse(text string) ([]uint32, []float32) {
	counts := make(map[uint32]float32)
	for _, term := range Tokenize(text) {
		h := fnv.New32a()
		_, _ = h.Write([]byte(term))
		counts[h.Sum32()]++
	}
	if len(counts) == 0 {
		return nil, nil
	}

	positions := make([]uint32, 0, len(counts))
	for pos := range counts {
		positions = append(positions, pos)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	values := make([]float32, len(positions))
	for i, pos := range positions {
		values[i] = counts[pos]
	}
	return positions, values
}
