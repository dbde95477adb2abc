// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

// Default width budgets for chunks.
const (
	// DefaultCompileChunkWidth bounds the total width of the candidates compiled in one batch.
	DefaultCompileChunkWidth = 1500

	// DefaultProfileChunkWidth bounds the total width of the stages profiled in one batch.
	DefaultProfileChunkWidth = 150
)

// PlanChunks splits the candidates, in order, into chunks whose total Width is at most limit.
//
// The running total is checked before accepting a candidate: if accepting it would exceed the limit, the
// current chunk is closed and the candidate starts a new one. So a candidate wider than the limit ends up
// alone in its chunk. Concatenating the chunks gives back the input.
func PlanChunks(candidates []Candidate, limit int) [][]Candidate {
	return ChunkBy(candidates, limit, Candidate.Width)
}

// ChunkBy splits items in order into chunks whose total width (as given by widthFn) is at most limit,
// except for chunks holding a single item wider than the limit.
func ChunkBy[T any](items []T, limit int, widthFn func(T) int) [][]T {
	var chunks [][]T
	var current []T
	total := 0
	for _, item := range items {
		width := widthFn(item)
		if len(current) > 0 && total+width > limit {
			chunks = append(chunks, current)
			current = nil
			total = 0
		}
		current = append(current, item)
		total += width
	}
	if len(current) > 0 {
		chunks = append(chunks, current)
	}
	return chunks
}
