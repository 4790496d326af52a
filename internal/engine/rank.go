package engine

import (
	"sort"

	"github.com/hollisfrank/mnemo/internal/store"
)

// RankedHit is one fused search result. Score is in [0, 1]; ranks record the
// position in each source list (absent = length of that list) and drive the
// deterministic tie-break.
type RankedHit struct {
	ID           string
	Score        float64
	VectorScore  float64
	KeywordScore float64
	vectorRank   int
	keywordRank  int
}

// HybridRank fuses a vector candidate list (cosine distance, lower is
// better) and a keyword candidate list (bm25, lower is better) into one
// ranking. A vector hit scores 1 - distance/max over the candidate set, so
// the score reflects absolute closeness and a set of uniformly distant hits
// is not inflated to a perfect best. Keyword scores are min-max normalized
// to [0, 1] with 1 as the best hit. A record missing from a list contributes
// 0 for that channel. Ties on the fused score break by vector rank, then
// keyword rank, then id, so a given pair of inputs always produces the same
// ordering.
func HybridRank(vec []store.VectorHit, kw []store.KeywordHit, vectorWeight, keywordWeight float64) []RankedHit {
	byID := make(map[string]*RankedHit, len(vec)+len(kw))
	get := func(id string) *RankedHit {
		if h, ok := byID[id]; ok {
			return h
		}
		h := &RankedHit{ID: id, vectorRank: len(vec), keywordRank: len(kw)}
		byID[id] = h
		return h
	}

	var maxDist float64
	for _, v := range vec {
		if v.Distance > maxDist {
			maxDist = v.Distance
		}
	}
	for i, v := range vec {
		h := get(v.ID)
		h.vectorRank = i
		h.VectorScore = normalizeDistance(v.Distance, maxDist)
	}
	for i, k := range kw {
		h := get(k.ID)
		h.keywordRank = i
		h.KeywordScore = normalizeLowerBetter(k.Score, kw[0].Score, kw[len(kw)-1].Score)
	}

	hits := make([]RankedHit, 0, len(byID))
	for _, h := range byID {
		h.Score = vectorWeight*h.VectorScore + keywordWeight*h.KeywordScore
		hits = append(hits, *h)
	}

	sort.Slice(hits, func(i, j int) bool {
		a, b := hits[i], hits[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.vectorRank != b.vectorRank {
			return a.vectorRank < b.vectorRank
		}
		if a.keywordRank != b.keywordRank {
			return a.keywordRank < b.keywordRank
		}
		return a.ID < b.ID
	})
	return hits
}

// normalizeDistance maps a cosine distance onto [0, 1] against the largest
// distance in the candidate set. A set where every distance is ~0 is a set
// of exact matches and scores 1.
func normalizeDistance(d, max float64) float64 {
	if max < 1e-9 {
		return 1
	}
	return 1 - d/max
}

// normalizeLowerBetter maps a raw score onto [0, 1] against the best and
// worst values in its list, where the best (lowest) raw score becomes 1.
// A degenerate list where best == worst normalizes to 1 for every member.
func normalizeLowerBetter(v, best, worst float64) float64 {
	if worst == best {
		return 1
	}
	return (worst - v) / (worst - best)
}
