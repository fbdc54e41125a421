// Package fusion combines a dense ranked list and a sparse ranked list into
// one ranked list via Reciprocal Rank Fusion.
package fusion

import "sort"

// DefaultK is the RRF rank-damping constant used when none is supplied.
const DefaultK = 60

// Scored is one chunk_id with its fused RRF score.
type Scored struct {
	ChunkID uint64
	Score   float64
}

// Fuse combines dense and sparse, each already ranked best-first, into a
// single list ordered by descending fused score. A chunk_id's contribution
// from a list it does not appear in is zero; a chunk_id present in both
// lists sums both contributions. Ties break by ascending chunk_id. The
// result is truncated to topK.
func Fuse(dense, sparse []uint64, k int, topK int) []Scored {
	if k <= 0 {
		k = DefaultK
	}

	contrib := make(map[uint64]float64)
	order := make([]uint64, 0, len(dense)+len(sparse))
	seen := make(map[uint64]struct{}, len(dense)+len(sparse))

	add := func(list []uint64) {
		for rank, id := range list {
			contrib[id] += 1.0 / float64(k+rank+1)
			if _, ok := seen[id]; !ok {
				seen[id] = struct{}{}
				order = append(order, id)
			}
		}
	}
	add(dense)
	add(sparse)

	results := make([]Scored, 0, len(order))
	for _, id := range order {
		results = append(results, Scored{ChunkID: id, Score: contrib[id]})
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ChunkID < results[j].ChunkID
	})

	if topK >= 0 && len(results) > topK {
		results = results[:topK]
	}
	return results
}
