package index

import (
	"reflect"
	"sort"
	"testing"
)

func TestTokenize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"basic", "User prefers deep-tissue massage!", []string{"user", "prefers", "deep", "tissue", "massage"}},
		{"numbers kept", "budget is 50000 USD", []string{"budget", "is", "50000", "usd"}},
		{"single chars dropped", "a b cd", []string{"cd"}},
		{"empty", "", nil},
		{"punctuation only", "?!... ---", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Tokenize(tt.in)
			if len(got) == 0 && len(tt.want) == 0 {
				return
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("Tokenize(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEncodeSparseDeterministic(t *testing.T) {
	p1, v1 := EncodeSparse("user prefers aisle seats on long flights")
	p2, v2 := EncodeSparse("user prefers aisle seats on long flights")

	if !reflect.DeepEqual(p1, p2) || !reflect.DeepEqual(v1, v2) {
		t.Error("encoding must be deterministic")
	}
	if len(p1) != len(v1) {
		t.Fatalf("positions and values lengths differ: %d vs %d", len(p1), len(v1))
	}
	if !sort.SliceIsSorted(p1, func(i, j int) bool { return p1[i] < p1[j] }) {
		t.Error("positions must be sorted ascending")
	}
}

func TestEncodeSparseTermFrequency(t *testing.T) {
	positions, values := EncodeSparse("massage massage massage oil")

	if len(positions) != 2 {
		t.Fatalf("expected 2 distinct terms, got %d", len(positions))
	}
	var max float32
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	if max != 3 {
		t.Errorf("repeated term should carry weight 3, got %v", max)
	}
}

func TestEncodeSparseEmpty(t *testing.T) {
	positions, values := EncodeSparse("")
	if positions != nil || values != nil {
		t.Errorf("empty text should encode to nil, got %v %v", positions, values)
	}
}
