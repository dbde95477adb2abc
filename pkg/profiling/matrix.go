// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"fmt"
	"math"

	"github.com/gomlx/exceptions"
)

// StageKey identifies the cost of a stage: its inclusive forward layer range, the mesh and the sharding
// configuration of the mesh.
type StageKey struct {
	Start, End       int
	MeshID, ConfigID int
}

// String implements fmt.Stringer.
func (k StageKey) String() string {
	return fmt.Sprintf("(%d, %d, mesh=%d, config=%d)", k.Start, k.End, k.MeshID, k.ConfigID)
}

// Source of a cost matrix entry.
type Source uint8

const (
	SourceMissing Source = iota
	SourcePredicted
	SourceMeasured
)

// String implements fmt.Stringer.
func (s Source) String() string {
	switch s {
	case SourceMissing:
		return "missing"
	case SourcePredicted:
		return "predicted"
	case SourceMeasured:
		return "measured"
	default:
		return fmt.Sprintf("Source(%d)", int(s))
	}
}

// CostMatrix is the dense table of stage costs indexed by (start, end, mesh, config).
// Missing entries are +Inf, which the stage partition search treats as infeasible.
type CostMatrix struct {
	NumLayers, NumMeshes, NumConfigs int

	costs   []float64
	sources []Source
}

// Entry of a cost matrix that was set.
type Entry struct {
	Key    StageKey
	Cost   float64
	Source Source
}

// NewCostMatrix returns a matrix with all entries missing.
func NewCostMatrix(numLayers, numMeshes, numConfigs int) *CostMatrix {
	if numLayers < 0 || numMeshes < 0 || numConfigs < 0 {
		exceptions.Panicf("profiling.NewCostMatrix: invalid dimensions (%d, %d, %d)", numLayers, numMeshes, numConfigs)
	}
	size := numLayers * numLayers * numMeshes * numConfigs
	m := &CostMatrix{
		NumLayers:  numLayers,
		NumMeshes:  numMeshes,
		NumConfigs: numConfigs,
		costs:      make([]float64, size),
		sources:    make([]Source, size),
	}
	for i := range m.costs {
		m.costs[i] = math.Inf(1)
	}
	return m
}

// Shape returns the dimensions of the matrix: (layer_start, layer_end, mesh, config).
func (m *CostMatrix) Shape() [4]int {
	return [4]int{m.NumLayers, m.NumLayers, m.NumMeshes, m.NumConfigs}
}

// Contains returns whether the key is within the dimensions of the matrix.
func (m *CostMatrix) Contains(k StageKey) bool {
	return k.Start >= 0 && k.Start < m.NumLayers && k.End >= 0 && k.End < m.NumLayers &&
		k.MeshID >= 0 && k.MeshID < m.NumMeshes && k.ConfigID >= 0 && k.ConfigID < m.NumConfigs
}

func (m *CostMatrix) index(k StageKey) int {
	if !m.Contains(k) {
		exceptions.Panicf("profiling.CostMatrix: key %s out of bounds for shape %v", k, m.Shape())
	}
	return ((k.Start*m.NumLayers+k.End)*m.NumMeshes+k.MeshID)*m.NumConfigs + k.ConfigID
}

// At returns the cost of the key, +Inf if it was never set.
func (m *CostMatrix) At(k StageKey) float64 { return m.costs[m.index(k)] }

// SourceOf returns how the entry of the key was set.
func (m *CostMatrix) SourceOf(k StageKey) Source { return m.sources[m.index(k)] }

// SetMeasured sets the entry to a measured cost.
func (m *CostMatrix) SetMeasured(k StageKey, cost float64) {
	idx := m.index(k)
	m.costs[idx] = cost
	m.sources[idx] = SourceMeasured
}

// SetPredicted sets the entry to a predicted cost, unless it holds a measured cost.
// It returns whether the entry was set.
func (m *CostMatrix) SetPredicted(k StageKey, cost float64) bool {
	idx := m.index(k)
	if m.sources[idx] == SourceMeasured {
		return false
	}
	m.costs[idx] = cost
	m.sources[idx] = SourcePredicted
	return true
}

// Count returns the number of entries with the given source.
func (m *CostMatrix) Count(source Source) int {
	count := 0
	for _, s := range m.sources {
		if s == source {
			count++
		}
	}
	return count
}

// Entries returns the entries that were set, in index order.
func (m *CostMatrix) Entries() []Entry {
	var entries []Entry
	for start := range m.NumLayers {
		for end := range m.NumLayers {
			for mesh := range m.NumMeshes {
				for config := range m.NumConfigs {
					k := StageKey{Start: start, End: end, MeshID: mesh, ConfigID: config}
					idx := m.index(k)
					if m.sources[idx] != SourceMissing {
						entries = append(entries, Entry{Key: k, Cost: m.costs[idx], Source: m.sources[idx]})
					}
				}
			}
		}
	}
	return entries
}
