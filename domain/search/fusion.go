package search

import "sort"

// Fusion combines ranked result lists with Reciprocal Rank Fusion.
// Documents found by several lists accumulate score and rank highest.
type Fusion struct {
	k float64
}

// NewFusion creates a Fusion with the conventional RRF constant k=60.
func NewFusion() Fusion {
	return Fusion{k: 60.0}
}

// NewFusionWithK creates a Fusion with a custom constant.
func NewFusionWithK(k float64) Fusion {
	if k <= 0 {
		k = 60.0
	}
	return Fusion{k: k}
}

// K returns the RRF constant.
func (f Fusion) K() float64 { return f.k }

// Fuse merges the given ranked hit lists. Each list must be sorted by its
// own score descending; ranks are 0-based. The fused score of a hit is
// sum over lists of 1/(k + rank).
func (f Fusion) Fuse(lists ...[]Hit) []Hit {
	if len(lists) == 0 {
		return nil
	}

	scores := make(map[string]float64)
	hits := make(map[string]Hit)

	for _, list := range lists {
		for rank, hit := range list {
			key := hit.DedupKey()
			scores[key] += 1.0 / (f.k + float64(rank))
			if _, seen := hits[key]; !seen {
				hits[key] = hit
			}
		}
	}

	fused := make([]Hit, 0, len(scores))
	for key, score := range scores {
		h := hits[key]
		h.Score = score
		fused = append(fused, h)
	}

	sort.Slice(fused, func(i, j int) bool {
		if fused[i].Score != fused[j].Score {
			return fused[i].Score > fused[j].Score
		}
		return fused[i].FilePath < fused[j].FilePath
	})

	return fused
}

// FuseTopK merges the lists and returns the top K hits.
func (f Fusion) FuseTopK(topK int, lists ...[]Hit) []Hit {
	fused := f.Fuse(lists...)
	if topK <= 0 || topK >= len(fused) {
		return fused
	}
	return fused[:topK]
}
