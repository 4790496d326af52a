package engine

import (
	"math"
	"testing"

	"github.com/hollisfrank/mnemo/internal/store"
)

func TestHybridRankFusesChannels(t *testing.T) {
	vec := []store.VectorHit{
		{ID: "a", Distance: 0.1},
		{ID: "b", Distance: 0.5},
	}
	kw := []store.KeywordHit{
		{ID: "b", Score: -5},
		{ID: "a", Score: -1},
	}

	hits := HybridRank(vec, kw, 0.7, 0.3)
	if len(hits) != 2 {
		t.Fatalf("got %d hits, want 2", len(hits))
	}

	// a: vector 1-0.1/0.5 = 0.8 (0.56) + keyword worst (0.0) = 0.56
	// b: vector 1-0.5/0.5 = 0.0 + keyword best (0.3) = 0.3
	if hits[0].ID != "a" {
		t.Errorf("top hit = %q, want a", hits[0].ID)
	}
	if math.Abs(hits[0].Score-0.56) > 1e-9 {
		t.Errorf("a score = %v, want 0.56", hits[0].Score)
	}
	if math.Abs(hits[1].Score-0.3) > 1e-9 {
		t.Errorf("b score = %v, want 0.3", hits[1].Score)
	}
}

func TestHybridRankDistantVectorHitsNotInflated(t *testing.T) {
	// The nearest vector hit is still fairly far; a strong keyword hit with a
	// weak vector score must be able to outrank it.
	vec := []store.VectorHit{
		{ID: "a", Distance: 0.5},
		{ID: "b", Distance: 0.9},
		{ID: "c", Distance: 1.0},
	}
	kw := []store.KeywordHit{
		{ID: "b", Score: -5},
		{ID: "d", Score: -1},
	}

	hits := HybridRank(vec, kw, 0.7, 0.3)
	byID := map[string]RankedHit{}
	for _, h := range hits {
		byID[h.ID] = h
	}

	// a: 0.7*(1-0.5/1.0) = 0.35
	// b: 0.7*(1-0.9/1.0) + 0.3*1 = 0.37
	if math.Abs(byID["a"].Score-0.35) > 1e-9 {
		t.Errorf("a score = %v, want 0.35", byID["a"].Score)
	}
	if math.Abs(byID["b"].Score-0.37) > 1e-9 {
		t.Errorf("b score = %v, want 0.37", byID["b"].Score)
	}
	if hits[0].ID != "b" {
		t.Errorf("top hit = %q, want b", hits[0].ID)
	}
	if byID["c"].Score != 0 {
		t.Errorf("c score = %v, want 0 at max distance", byID["c"].Score)
	}
}

func TestHybridRankExactMatchScoresOne(t *testing.T) {
	vec := []store.VectorHit{{ID: "a", Distance: 0}}

	hits := HybridRank(vec, nil, 0.7, 0.3)
	if len(hits) != 1 {
		t.Fatalf("got %d hits, want 1", len(hits))
	}
	if hits[0].VectorScore != 1 {
		t.Errorf("exact match vector score = %v, want 1", hits[0].VectorScore)
	}
	if math.Abs(hits[0].Score-0.7) > 1e-9 {
		t.Errorf("score = %v, want 0.7", hits[0].Score)
	}
}

func TestHybridRankAbsentChannelScoresZero(t *testing.T) {
	vec := []store.VectorHit{
		{ID: "a", Distance: 0.1},
		{ID: "b", Distance: 0.9},
	}
	kw := []store.KeywordHit{
		{ID: "c", Score: -3},
		{ID: "d", Score: -1},
	}

	hits := HybridRank(vec, kw, 0.7, 0.3)
	if len(hits) != 4 {
		t.Fatalf("got %d hits, want 4", len(hits))
	}

	byID := map[string]RankedHit{}
	for _, h := range hits {
		byID[h.ID] = h
	}
	if byID["a"].KeywordScore != 0 {
		t.Error("vector-only hit should have zero keyword score")
	}
	if byID["c"].VectorScore != 0 {
		t.Error("keyword-only hit should have zero vector score")
	}
	// Nearest vector hit (0.622) outweighs best keyword hit (0.3)
	if hits[0].ID != "a" {
		t.Errorf("top hit = %q, want a", hits[0].ID)
	}
}

func TestHybridRankTieBreaksByRank(t *testing.T) {
	// Identical distances produce identical scores for every member
	vec := []store.VectorHit{
		{ID: "z", Distance: 0.2},
		{ID: "m", Distance: 0.2},
		{ID: "a", Distance: 0.2},
	}

	hits := HybridRank(vec, nil, 1, 0)
	// Equal scores, equal channel presence: vector rank decides, which is
	// input order here.
	if hits[0].ID != "z" || hits[1].ID != "m" || hits[2].ID != "a" {
		t.Errorf("order = %v %v %v", hits[0].ID, hits[1].ID, hits[2].ID)
	}
}

func TestHybridRankDeterministic(t *testing.T) {
	vec := []store.VectorHit{
		{ID: "a", Distance: 0.1},
		{ID: "b", Distance: 0.2},
		{ID: "c", Distance: 0.3},
	}
	kw := []store.KeywordHit{
		{ID: "c", Score: -9},
		{ID: "a", Score: -4},
		{ID: "d", Score: -2},
	}

	first := HybridRank(vec, kw, 0.7, 0.3)
	for i := 0; i < 10; i++ {
		again := HybridRank(vec, kw, 0.7, 0.3)
		for j := range first {
			if again[j].ID != first[j].ID {
				t.Fatalf("run %d: position %d = %q, want %q", i, j, again[j].ID, first[j].ID)
			}
		}
	}
}

func TestNormalizeDistance(t *testing.T) {
	tests := []struct {
		name   string
		d, max float64
		want   float64
	}{
		{"exact match", 0, 1, 1},
		{"halfway", 0.5, 1, 0.5},
		{"at max", 1, 1, 0},
		{"all exact matches", 0, 0, 1},
		{"sole distant hit", 0.42, 0.42, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeDistance(tt.d, tt.max)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("normalizeDistance(%v, %v) = %v, want %v", tt.d, tt.max, got, tt.want)
			}
		})
	}
}

func TestNormalizeLowerBetter(t *testing.T) {
	tests := []struct {
		name           string
		v, best, worst float64
		want           float64
	}{
		{"best value", 1, 1, 5, 1},
		{"worst value", 5, 1, 5, 0},
		{"midpoint", 3, 1, 5, 0.5},
		{"degenerate list", 2, 2, 2, 1},
		{"negative bm25", -3, -5, -1, 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizeLowerBetter(tt.v, tt.best, tt.worst)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("normalizeLowerBetter(%v, %v, %v) = %v, want %v",
					tt.v, tt.best, tt.worst, got, tt.want)
			}
		})
	}
}
