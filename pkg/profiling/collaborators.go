// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"context"
	"encoding/gob"
	"os"
	"path/filepath"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
)

// ErrRemoteExecution is returned (wrapped) by collaborators when the remote workers fail to compile
// or execute. It only discards the chunk being processed.
var ErrRemoteExecution = errors.New("remote execution failed")

// StageOption holds the tuning knobs of the stage construction passed to the profiler.
type StageOption struct {
	// ImbalanceTolerance is the maximum ratio between the costs of the slowest and fastest stages.
	ImbalanceTolerance float64

	// CachedProfileResult is the path of a profile cache: cached results are not profiled again, and the
	// cache is updated at the end of the run. Optional.
	CachedProfileResult string

	// ProfileWithWholeCluster slices the profiling submeshes from the whole cluster instead of the
	// virtual mesh being partitioned.
	ProfileWithWholeCluster bool
}

// StageSpec is one stage to compile and profile: a merged stage with one of the sharding configurations
// of the mesh.
type StageSpec struct {
	Key    StageKey
	Stage  *stages.MergedStage
	Config *stages.ShardingConfig
}

// Compiled is the compiled form of a StageSpec.
type Compiled struct {
	Key        StageKey
	Executable []byte
}

// ModuleProfileResult is the measured cost of one module of a stage.
type ModuleProfileResult struct {
	ComputeCost float64
	PeakMemory  int64
}

// ProfileResult is the measured cost of all the modules of a stage.
type ProfileResult struct {
	Modules []ModuleProfileResult
}

// ComputeCost of the stage: the sum of the compute cost of its modules.
func (r ProfileResult) ComputeCost() float64 {
	var cost float64
	for _, m := range r.Modules {
		cost += m.ComputeCost
	}
	return cost
}

// ProfileCache maps stages to their measured results.
type ProfileCache map[StageKey]ProfileResult

// Merge adds the results of other to the cache, replacing existing ones.
func (c ProfileCache) Merge(other ProfileCache) {
	for k, r := range other {
		c[k] = r
	}
}

// Save the cache to path, in gob format.
func (c ProfileCache) Save(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for profile cache %q", path)
	}
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating profile cache %q", path)
	}
	if err := gob.NewEncoder(f).Encode(c); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "encoding profile cache to %q", path)
	}
	return errors.Wrapf(f.Close(), "closing profile cache %q", path)
}

// LoadProfileCache reads a cache saved with ProfileCache.Save.
func LoadProfileCache(path string) (ProfileCache, error) {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening profile cache %q", path)
	}
	defer func() { _ = f.Close() }()
	cache := make(ProfileCache)
	if err := gob.NewDecoder(f).Decode(&cache); err != nil {
		return nil, errors.Wrapf(err, "decoding profile cache %q", path)
	}
	return cache, nil
}

// VirtualMesh is a set of hosts and devices of the cluster where a stage is profiled.
type VirtualMesh struct {
	HostIDs           []int
	NumDevicesPerHost int
}

// NumDevices of the mesh.
func (v VirtualMesh) NumDevices() int { return len(v.HostIDs) * v.NumDevicesPerHost }

// Slicer carves a cluster (or a virtual mesh of it) into submeshes.
type Slicer interface {
	// NumDevices of the whole cluster or virtual mesh being sliced.
	NumDevices() int

	// SliceProfilingSubmeshes returns the submeshes of the given shape where stages are profiled in
	// parallel.
	SliceProfilingSubmeshes(numHosts, numDevicesPerHost int) ([]VirtualMesh, error)
}

// Executor compiles and profiles stages on the (remote) devices.
//
// Both methods block until all the stages given are done. Failures of the remote workers are reported
// with an error wrapping ErrRemoteExecution.
type Executor interface {
	// CompileAll compiles the stages with their sharding configuration. Stages in cache may be skipped.
	CompileAll(ctx context.Context, specs []StageSpec, numMicroBatches int, defaults stages.ShardingOptions,
		cache ProfileCache) ([]Compiled, error)

	// ProfileAll runs the compiled stages on the submeshes and returns the cache updated with their
	// results.
	ProfileAll(ctx context.Context, specs []StageSpec, compiled []Compiled, submeshes []VirtualMesh,
		numMicroBatches int, option StageOption, cache ProfileCache) (ProfileCache, error)
}
