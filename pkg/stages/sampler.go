// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"k8s.io/klog/v2"
)

// Sampler samples candidate stages of various widths.
//
// With Prob >= 1 it enumerates every candidate, n*(n+1)/2 for n layers.
type Sampler struct {
	// Prob is the target density: the target number of candidates is int(Prob * n*(n+1)/2).
	Prob float64

	// Reduce the maximum width by this amount: widths considered are [minWidth, n-Reduce).
	Reduce int

	// ExcludeStarts are start positions never sampled.
	ExcludeStarts sets.Set[int]

	// Rand is the source of randomness. It must be set.
	Rand *rand.Rand
}

// NewSampler creates a Sampler with a random number generator seeded with seed.
func NewSampler(prob float64, reduce int, seed uint64) *Sampler {
	return &Sampler{
		Prob:          prob,
		Reduce:        reduce,
		ExcludeStarts: sets.Make[int](),
		Rand:          rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

// TargetCount returns the number of candidates the sampler aims for with numLayers layers.
func (s *Sampler) TargetCount(numLayers int) int {
	return int(s.Prob * float64(numLayers*(numLayers+1)) / 2)
}

// Sample returns candidates (start, start+w) for widths w in [minWidth, numLayers-Reduce), where minWidth is 0
// if Prob >= 1, or 2 otherwise (narrow stages are not worth sampling coarsely).
//
// For each width max(1, round((numLayers-w)*Prob)) distinct start positions are sampled. If the total exceeds
// the target count, the result is down-sampled uniformly without replacement to exactly the target count.
func (s *Sampler) Sample(numLayers int) []Candidate {
	target := s.TargetCount(numLayers)
	if target <= 0 {
		return nil
	}
	minWidth := 0
	if s.Prob < 1 {
		minWidth = 2
	}
	maxWidth := numLayers - s.Reduce
	step := max(numLayers/target, 1)

	var candidates []Candidate
	for width := minWidth; width < maxWidth; width += step {
		eligible := make([]int, 0, numLayers-width)
		for start := 0; start < numLayers-width; start++ {
			if !s.ExcludeStarts.Has(start) {
				eligible = append(eligible, start)
			}
		}
		count := max(1, int(math.Round(float64(numLayers-width)*s.Prob)))
		count = min(count, len(eligible))
		for _, start := range sampleWithoutReplacement(s.Rand, eligible, count) {
			candidates = append(candidates, Candidate{Start: start, End: start + width})
		}
	}
	if len(candidates) > target {
		klog.V(2).Infof("down-sampling %d candidates to %d", len(candidates), target)
		candidates = sampleWithoutReplacement(s.Rand, candidates, target)
	}
	return candidates
}

// sampleWithoutReplacement returns k elements of pool chosen uniformly at random, in random order.
// If k covers the whole pool, the pool is returned in its original order.
func sampleWithoutReplacement[T any](rng *rand.Rand, pool []T, k int) []T {
	if k >= len(pool) {
		return pool
	}
	work := make([]T, len(pool))
	copy(work, pool)
	for i := range k {
		j := i + rng.IntN(len(work)-i)
		work[i], work[j] = work[j], work[i]
	}
	return work[:k]
}

// CandidatesFor returns the candidates to consider for a mesh with meshDevices devices, in a cluster of
// clusterDevices devices:
//
//   - If the mesh holds the whole cluster, the only useful candidate is the one spanning all layers.
//   - Otherwise, if explicit is not nil, it is used as is.
//   - Otherwise, the sampler draws the candidates.
func CandidatesFor(numLayers, meshDevices, clusterDevices int, explicit []Candidate, sampler *Sampler) []Candidate {
	if meshDevices == clusterDevices {
		return []Candidate{{Start: 0, End: numLayers - 1}}
	}
	if explicit != nil {
		return explicit
	}
	return sampler.Sample(numLayers)
}
