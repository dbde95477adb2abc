// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
)

// PipelineLatency estimates the latency of a pipelined training step with the given stage costs:
// the slowest stage sets the throughput of the steady state, and the sum accounts for filling and
// draining the pipeline.
//
//	latency = max(costs) * (numMicroBatches - 1) + sum(costs)
func PipelineLatency(stageCosts []float64, numMicroBatches int) float64 {
	if len(stageCosts) == 0 {
		exceptions.Panicf("profiling.PipelineLatency: no stages")
	}
	if numMicroBatches < 1 {
		exceptions.Panicf("profiling.PipelineLatency: numMicroBatches must be >= 1, got %d", numMicroBatches)
	}
	var sum float64
	for _, c := range stageCosts {
		sum += c
	}
	return slices.Max(stageCosts)*float64(numMicroBatches-1) + sum
}

// AssignedStage is one stage of a chosen partition: its layers, its physical mesh and the logical
// shape and sharding options chosen for it.
type AssignedStage struct {
	Layers       stages.Candidate
	Mesh         stages.MeshChoice
	LogicalShape []int
	Options      stages.ShardingOptions
}

// Assignment is a chosen partition of the layers into stages.
type Assignment []AssignedStage

// ConfigIndex returns the position of the first configuration with the given options and logical mesh
// shape, or -1 if there is none.
func ConfigIndex(configs []*stages.ShardingConfig, options stages.ShardingOptions, logicalShape []int) int {
	for i, c := range configs {
		if c == nil {
			continue
		}
		if c.Options.Equal(options) && slices.Equal(c.LogicalShape(), logicalShape) {
			return i
		}
	}
	return -1
}

// ResolveAssignment returns the cost matrix keys of the stages of the assignment.
func ResolveAssignment(meshes []stages.MeshChoice, configs [][]*stages.ShardingConfig, a Assignment) ([]StageKey, error) {
	keys := make([]StageKey, len(a))
	for i, s := range a {
		meshID := slices.Index(meshes, s.Mesh)
		if meshID < 0 {
			return nil, errors.Errorf("stage #%d: mesh %s is not one of the mesh choices %v", i, s.Mesh, meshes)
		}
		configID := ConfigIndex(configs[meshID], s.Options, s.LogicalShape)
		if configID < 0 {
			return nil, errors.Errorf("stage #%d: no configuration of mesh %s with logical shape %v and options %s",
				i, s.Mesh, s.LogicalShape, s.Options)
		}
		keys[i] = StageKey{Start: s.Layers.Start, End: s.Layers.End, MeshID: meshID, ConfigID: configID}
	}
	return keys, nil
}
