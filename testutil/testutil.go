// Package testutil provides fixtures for the test suite: seeded random
// unit vectors, exact nearest-neighbor ground truth, and recall
// computation.
package testutil

import (
	"math/rand"
	"sort"

	"github.com/JTan2231/dewey/distance"
)

// RNG wraps a seeded random source so fixtures are reproducible.
type RNG struct {
	rand *rand.Rand
}

// NewRNG creates an RNG with the given seed.
func NewRNG(seed int64) *RNG {
	return &RNG{rand: rand.New(rand.NewSource(seed))}
}

// UnitVector returns a random point on the unit sphere in dim
// dimensions (gaussian components, L2-normalized).
func (r *RNG) UnitVector(dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = float32(r.rand.NormFloat64())
	}
	if !distance.NormalizeL2InPlace(v) {
		v[0] = 1
	}
	return v
}

// UnitVectors returns n random unit vectors.
func (r *RNG) UnitVectors(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		out[i] = r.UnitVector(dim)
	}
	return out
}

// Result pairs a vector index with its cosine distance to a query.
type Result struct {
	ID       uint64
	Distance float32
}

// ExactTopK brute-forces the k nearest vectors to q by cosine distance,
// ties broken by smaller id.
func ExactTopK(q []float32, vectors [][]float32, k int) []Result {
	all := make([]Result, len(vectors))
	for i, v := range vectors {
		all[i] = Result{ID: uint64(i), Distance: distance.Cosine(q, v)}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Distance != all[j].Distance {
			return all[i].Distance < all[j].Distance
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}

// Recall returns |approx ∩ exact| / |exact|.
func Recall(approx, exact []uint64) float64 {
	if len(exact) == 0 {
		return 1
	}
	want := make(map[uint64]struct{}, len(exact))
	for _, id := range exact {
		want[id] = struct{}{}
	}
	hit := 0
	for _, id := range approx {
		if _, ok := want[id]; ok {
			hit++
		}
	}
	return float64(hit) / float64(len(exact))
}
