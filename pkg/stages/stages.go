// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stages enumerates candidate pipeline stages over a list of layers, groups them in
// memory-bounded chunks and assembles each candidate into a merged stage ready for compilation
// and profiling.
//
// A model with n layers is given as 2n Layer objects: the forward layers occupy indices [0, n) and
// the backward layer of forward layer i is at index 2n-1-i.
package stages

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/distributed"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/pkg/errors"
)

// Layer is one forward or backward computation unit. Immutable once created.
//
// A "marked" layer has its computation enclosed in a pipeline_marker start equation (first) and end
// equation (last).
type Layer struct {
	Name  string
	Jaxpr *ir.Jaxpr
}

// InVars of the layer computation.
func (l *Layer) InVars() []*ir.Var { return l.Jaxpr.InVars }

// OutVars of the layer computation.
func (l *Layer) OutVars() []*ir.Var { return l.Jaxpr.OutVars }

// IsMarked returns whether the layer computation is enclosed by pipeline markers.
func (l *Layer) IsMarked() bool {
	eqns := l.Jaxpr.Eqns
	return len(eqns) >= 2 && eqns[0].IsMarker(ir.MarkerStart) && eqns[len(eqns)-1].IsMarker(ir.MarkerEnd)
}

// AccumulatorMapping maps a variable (by its VarID) to the variable that overwrites it in place:
// e.g. the gradient accumulator input buffer to the updated accumulator output.
// Mapped inputs are donated when their output is produced by the same module.
type AccumulatorMapping map[ir.VarID]*ir.Var

// ApplyGradInfo is the donation mapping and the outputs of the gradient-apply layers.
type ApplyGradInfo struct {
	Donation AccumulatorMapping
	OutVars  []*ir.Var
}

// Input is the collection of layers of a model to be partitioned into pipeline stages.
type Input struct {
	// Layers: forward layers followed by the backward layers in reverse order, so the length is even.
	Layers []*Layer

	AccumulatorMapping AccumulatorMapping
	AccGradInVars      []*ir.Var
	AccGradOutVars     []*ir.Var

	// ApplyGradLayers is indexed by forward layer index, nil entries for layers without gradient-apply.
	ApplyGradLayers []*Layer
	ApplyGrad       ApplyGradInfo

	NumMicroBatches int
	DefaultOptions  ShardingOptions
}

// NumLayers returns n, the number of forward layers.
//
// It panics if the number of layers is odd.
func (in *Input) NumLayers() int {
	if len(in.Layers)%2 != 0 {
		exceptions.Panicf("stages.Input: number of layers must be even (forward+backward), got %d", len(in.Layers))
	}
	return len(in.Layers) / 2
}

// Candidate is a candidate stage: the inclusive range [Start, End] of forward layer indices.
type Candidate struct {
	Start, End int
}

// Width used as a proxy for the memory pressure of compiling the candidate.
func (c Candidate) Width() int { return c.End - c.Start }

// NumLayers in the forward range.
func (c Candidate) NumLayers() int { return c.End - c.Start + 1 }

// String implements fmt.Stringer.
func (c Candidate) String() string { return fmt.Sprintf("(%d, %d)", c.Start, c.End) }

// Name of the stage built from the candidate.
func (c Candidate) Name() string { return fmt.Sprintf("stage_%d_%d", c.Start, c.End) }

// ForwardIndices returns the indices of the forward layers of the candidate.
func (c Candidate) ForwardIndices() []int {
	indices := make([]int, 0, c.NumLayers())
	for i := c.Start; i <= c.End; i++ {
		indices = append(indices, i)
	}
	return indices
}

// BackwardIndices returns the indices (in the combined 2n list) of the backward layers matching the
// forward range, in increasing order: [2n-End-1, 2n-Start-1].
func (c Candidate) BackwardIndices(numLayers int) []int {
	indices := make([]int, 0, c.NumLayers())
	for i := 2*numLayers - c.End - 1; i <= 2*numLayers-c.Start-1; i++ {
		indices = append(indices, i)
	}
	return indices
}

// Validate checks 0 <= Start <= End < numLayers.
func (c Candidate) Validate(numLayers int) error {
	if c.Start < 0 || c.Start > c.End || c.End >= numLayers {
		return errors.Errorf("candidate %s out of bounds for %d layers", c, numLayers)
	}
	return nil
}

// MeshChoice describes a candidate device submesh.
type MeshChoice struct {
	NumHosts          int `yaml:"num_hosts"`
	NumDevicesPerHost int `yaml:"num_devices_per_host"`
}

// NumDevices returns the total number of devices of the submesh.
func (m MeshChoice) NumDevices() int { return m.NumHosts * m.NumDevicesPerHost }

// String implements fmt.Stringer.
func (m MeshChoice) String() string { return fmt.Sprintf("%dx%d", m.NumHosts, m.NumDevicesPerHost) }

// ShardingOptions are the operator-sharding strategy knobs passed to the auto-sharding compiler.
// Compared by value.
type ShardingOptions map[string]string

// Equal compares two sets of options.
func (o ShardingOptions) Equal(other ShardingOptions) bool { return maps.Equal(o, other) }

// String implements fmt.Stringer, with sorted keys.
func (o ShardingOptions) String() string {
	keys := slices.Sorted(maps.Keys(o))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + o[k]
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

// ShardingConfig is one auto-sharding configuration for a mesh: a logical arrangement of the devices
// and the sharding options. Identified by its position among the configurations of its mesh.
type ShardingConfig struct {
	LogicalMesh *distributed.DeviceMesh
	Options     ShardingOptions
}

// LogicalShape returns the sizes of the axes of the logical mesh.
func (c *ShardingConfig) LogicalShape() []int {
	return c.LogicalMesh.AxesSizes()
}

// String implements fmt.Stringer.
func (c *ShardingConfig) String() string {
	return fmt.Sprintf("logical%v %s", c.LogicalShape(), c.Options)
}

// NewShardingConfig creates a ShardingConfig whose logical mesh has the given shape, with axes named
// "x0", "x1", ...
func NewShardingConfig(logicalShape []int, options ShardingOptions) (*ShardingConfig, error) {
	names := make([]string, len(logicalShape))
	for i := range names {
		names[i] = fmt.Sprintf("x%d", i)
	}
	mesh, err := distributed.NewDeviceMesh(logicalShape, names)
	if err != nil {
		return nil, err
	}
	return &ShardingConfig{LogicalMesh: mesh, Options: options}, nil
}
