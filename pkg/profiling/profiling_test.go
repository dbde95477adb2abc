// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package profiling

import (
	"context"
	"math"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/predtop/internal/metrics"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/gomlx/predtop/pkg/synthetic"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeCost is the cost "measured" by fakeExecutor: it grows with the stage and the mesh.
func fakeCost(k StageKey) float64 {
	return 1e-3*float64(k.End-k.Start+1)*float64(k.MeshID+1) + 1e-4*float64(k.Start) + 1e-5*float64(k.ConfigID)
}

type fakeExecutor struct {
	compileCalls, profileCalls int

	// profiledMeshes has the mesh of each call to ProfileAll.
	profiledMeshes []int

	// failProfileCall is the 1-based index of the call to ProfileAll that fails, 0 for none.
	failProfileCall int
	failedKeys      []StageKey
}

func (e *fakeExecutor) CompileAll(_ context.Context, specs []StageSpec, numMicroBatches int, _ stages.ShardingOptions,
	_ ProfileCache) ([]Compiled, error) {
	e.compileCalls++
	if numMicroBatches < 1 {
		return nil, errors.Errorf("invalid numMicroBatches %d", numMicroBatches)
	}
	compiled := make([]Compiled, len(specs))
	for i, spec := range specs {
		compiled[i] = Compiled{Key: spec.Key, Executable: []byte(spec.Stage.Name)}
	}
	return compiled, nil
}

func (e *fakeExecutor) ProfileAll(_ context.Context, specs []StageSpec, compiled []Compiled, submeshes []VirtualMesh,
	_ int, _ StageOption, cache ProfileCache) (ProfileCache, error) {
	e.profileCalls++
	e.profiledMeshes = append(e.profiledMeshes, specs[0].Key.MeshID)
	if len(compiled) != len(specs) || len(submeshes) == 0 {
		return nil, errors.New("invalid arguments")
	}
	if e.profileCalls == e.failProfileCall {
		for _, spec := range specs {
			e.failedKeys = append(e.failedKeys, spec.Key)
		}
		return nil, errors.Wrap(ErrRemoteExecution, "worker lost")
	}
	updated := make(ProfileCache, len(cache)+len(specs))
	updated.Merge(cache)
	for _, spec := range specs {
		cost := fakeCost(spec.Key)
		updated[spec.Key] = ProfileResult{Modules: []ModuleProfileResult{
			{ComputeCost: cost / 2, PeakMemory: 1 << 20},
			{ComputeCost: cost / 2, PeakMemory: 1 << 20},
		}}
	}
	return updated, nil
}

// fakeSlicer slices a cluster of single host meshes.
type fakeSlicer struct {
	devices int
	calls   int
}

func (s *fakeSlicer) NumDevices() int { return s.devices }

func (s *fakeSlicer) SliceProfilingSubmeshes(numHosts, numDevicesPerHost int) ([]VirtualMesh, error) {
	s.calls++
	n := s.devices / (numHosts * numDevicesPerHost)
	if n == 0 {
		return nil, errors.Errorf("mesh %dx%d does not fit in %d devices", numHosts, numDevicesPerHost, s.devices)
	}
	submeshes := make([]VirtualMesh, n)
	for i := range submeshes {
		hosts := make([]int, numHosts)
		for h := range hosts {
			hosts[h] = i*numHosts + h
		}
		submeshes[i] = VirtualMesh{HostIDs: hosts, NumDevicesPerHost: numDevicesPerHost}
	}
	return submeshes, nil
}

func mustConfig(t *testing.T, shape ...int) *stages.ShardingConfig {
	c, err := stages.NewShardingConfig(shape, stages.ShardingOptions{})
	require.NoError(t, err)
	return c
}

const testNumLayers = 4

// testOptions: meshes 1x1 (one config and an unused slot), 1x2 (two configs) and 1x4 (the whole cluster).
func testOptions(t *testing.T, executor Executor, models *costmodel.Cache) Options {
	return Options{
		Input:  synthetic.New(synthetic.DefaultConfig(testNumLayers)),
		Meshes: []stages.MeshChoice{{NumHosts: 1, NumDevicesPerHost: 1}, {NumHosts: 1, NumDevicesPerHost: 2}, {NumHosts: 1, NumDevicesPerHost: 4}},
		Configs: [][]*stages.ShardingConfig{
			{mustConfig(t, 1, 1), nil},
			{mustConfig(t, 1, 2), mustConfig(t, 2, 1)},
			{mustConfig(t, 1, 4)},
		},
		Executor: executor,
		Slicer:   &fakeSlicer{devices: 4},
		Models:   models,
		Metrics:  metrics.New(),
	}
}

func noModels() *costmodel.Cache {
	return costmodel.NewCache(nil, costmodel.DefaultHyperparameters(), "", "")
}

// profiledKeys lists the keys of all the entries the test setup profiles.
func profiledKeys() []StageKey {
	var keys []StageKey
	for _, c := range stages.NewSampler(1, 0, 0).Sample(testNumLayers) {
		keys = append(keys, StageKey{c.Start, c.End, 0, 0}, StageKey{c.Start, c.End, 1, 0}, StageKey{c.Start, c.End, 1, 1})
	}
	return append(keys, StageKey{0, testNumLayers - 1, 2, 0})
}

func TestPipelineLatency(t *testing.T) {
	assert.Equal(t, 25.0, PipelineLatency([]float64{2, 5, 3}, 4))
	assert.Equal(t, 10.0, PipelineLatency([]float64{2, 5, 3}, 1))
	assert.True(t, math.IsInf(PipelineLatency([]float64{2, math.Inf(1)}, 2), 1))
	assert.Panics(t, func() { PipelineLatency(nil, 1) })
	assert.Panics(t, func() { PipelineLatency([]float64{1}, 0) })
}

func TestCostMatrix(t *testing.T) {
	m := NewCostMatrix(3, 2, 2)
	assert.Equal(t, [4]int{3, 3, 2, 2}, m.Shape())
	k := StageKey{Start: 0, End: 2, MeshID: 1, ConfigID: 1}
	assert.True(t, math.IsInf(m.At(k), 1))
	assert.Equal(t, SourceMissing, m.SourceOf(k))

	assert.True(t, m.SetPredicted(k, 3))
	assert.Equal(t, 3.0, m.At(k))
	m.SetMeasured(k, 2)
	assert.False(t, m.SetPredicted(k, 5), "measured costs are never replaced by predictions")
	assert.Equal(t, 2.0, m.At(k))
	assert.Equal(t, SourceMeasured, m.SourceOf(k))
	assert.Equal(t, []Entry{{Key: k, Cost: 2, Source: SourceMeasured}}, m.Entries())
	assert.Equal(t, 1, m.Count(SourceMeasured))
	assert.Equal(t, 3*3*2*2-1, m.Count(SourceMissing))

	assert.False(t, m.Contains(StageKey{Start: 0, End: 3}))
	assert.Panics(t, func() { m.At(StageKey{MeshID: 2}) })
}

func TestRun(t *testing.T) {
	executor := &fakeExecutor{}
	opts := testOptions(t, executor, noModels())
	opts.ResultDir = t.TempDir()
	o, err := New(opts)
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, [4]int{testNumLayers, testNumLayers, 3, 2}, res.Costs.Shape())
	keys := profiledKeys()
	for _, k := range keys {
		assert.Equal(t, fakeCost(k), res.Costs.At(k), "key %s", k)
		assert.Equal(t, SourceMeasured, res.Costs.SourceOf(k), "key %s", k)
	}
	assert.Len(t, res.Costs.Entries(), len(keys))
	assert.Equal(t, len(keys), len(res.Profiles))

	// The mesh with the whole cluster only has the candidate spanning all layers.
	assert.True(t, math.IsInf(res.Costs.At(StageKey{Start: 0, End: 1, MeshID: 2}), 1))

	// Meshes are processed from the largest to the smallest.
	assert.Equal(t, 2, executor.profiledMeshes[0])
	assert.Equal(t, 0, executor.profiledMeshes[len(executor.profiledMeshes)-1])
	assert.IsNonDecreasing(t, reversed(executor.profiledMeshes))

	size := testNumLayers * testNumLayers * 3 * 2
	assert.Equal(t, size, res.MaxSuccessiveStages.Count(SourceMissing))
	assert.Equal(t, float64(len(keys)), testutil.ToFloat64(opts.Metrics.Entries.WithLabelValues("measured")))

	require.NotEmpty(t, res.ProfileResultFile)
	assert.True(t, strings.HasPrefix(filepath.Base(res.ProfileResultFile), ResultFilePrefix))
	loaded, err := LoadResult(res.ProfileResultFile)
	require.NoError(t, err)
	assert.Equal(t, res.RunID, loaded.RunID)
	assert.Equal(t, res.Costs.Entries(), loaded.Costs.Entries())
	assert.Equal(t, res.Profiles, loaded.Profiles)
}

func reversed(s []int) []int {
	r := make([]int, len(s))
	for i, v := range s {
		r[len(s)-1-i] = v
	}
	return r
}

func TestRunRemoteFailure(t *testing.T) {
	executor := &fakeExecutor{failProfileCall: 2}
	opts := testOptions(t, executor, noModels())
	opts.ProfileChunkWidth = 2
	o, err := New(opts)
	require.NoError(t, err)
	res, err := o.Run(context.Background())
	require.NoError(t, err, "remote failures only discard their chunk")

	require.NotEmpty(t, executor.failedKeys)
	assert.Greater(t, executor.profileCalls, 2, "profiling continues after the failed chunk")
	for _, k := range executor.failedKeys {
		assert.True(t, math.IsInf(res.Costs.At(k), 1), "key %s", k)
		assert.Equal(t, SourceMissing, res.Costs.SourceOf(k))
	}
	assert.Len(t, res.Costs.Entries(), len(profiledKeys())-len(executor.failedKeys))
	assert.Equal(t, 1.0, testutil.ToFloat64(opts.Metrics.FailedChunks))
}

func TestRunProfileCache(t *testing.T) {
	cachePath := filepath.Join(t.TempDir(), "cache", "profiles.gob")
	opts := testOptions(t, &fakeExecutor{}, noModels())
	opts.StageOption.CachedProfileResult = cachePath
	o, err := New(opts)
	require.NoError(t, err)
	first, err := o.Run(context.Background())
	require.NoError(t, err)

	cache, err := LoadProfileCache(cachePath)
	require.NoError(t, err)
	assert.Len(t, cache, len(profiledKeys()))

	executor := &fakeExecutor{}
	opts = testOptions(t, executor, noModels())
	opts.StageOption.CachedProfileResult = cachePath
	o, err = New(opts)
	require.NoError(t, err)
	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, executor.profileCalls, "everything is in the profile cache")
	assert.Equal(t, first.Costs.Entries(), second.Costs.Entries())
	assert.Equal(t, float64(len(profiledKeys())), testutil.ToFloat64(opts.Metrics.Entries.WithLabelValues("cached")))
}

func TestRunWholeCluster(t *testing.T) {
	opts := testOptions(t, &fakeExecutor{}, noModels())
	cluster := &fakeSlicer{devices: 4}
	opts.Cluster = cluster
	opts.StageOption.ProfileWithWholeCluster = true
	o, err := New(opts)
	require.NoError(t, err)
	_, err = o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, cluster.calls)
	assert.Zero(t, opts.Slicer.(*fakeSlicer).calls)
}

func TestRunCanceled(t *testing.T) {
	o, err := New(testOptions(t, &fakeExecutor{}, noModels()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = o.Run(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewErrors(t *testing.T) {
	opts := testOptions(t, &fakeExecutor{}, nil)
	_, err := New(opts)
	assert.Error(t, err)

	opts = testOptions(t, &fakeExecutor{}, noModels())
	opts.Configs = opts.Configs[:2]
	_, err = New(opts)
	assert.Error(t, err)

	opts = testOptions(t, &fakeExecutor{}, noModels())
	opts.Input.Layers = opts.Input.Layers[:3]
	_, err = New(opts)
	assert.Error(t, err)
}

func TestResolveAssignment(t *testing.T) {
	opts := testOptions(t, &fakeExecutor{}, noModels())
	assert.Equal(t, 1, ConfigIndex(opts.Configs[1], stages.ShardingOptions{}, []int{2, 1}))
	assert.Equal(t, -1, ConfigIndex(opts.Configs[1], stages.ShardingOptions{"force_dp": "true"}, []int{2, 1}))
	assert.Equal(t, -1, ConfigIndex(opts.Configs[0], nil, []int{2, 2}))

	a := Assignment{
		{Layers: stages.Candidate{Start: 0, End: 1}, Mesh: opts.Meshes[1], LogicalShape: []int{2, 1}},
		{Layers: stages.Candidate{Start: 2, End: 3}, Mesh: opts.Meshes[0], LogicalShape: []int{1, 1}},
	}
	keys, err := ResolveAssignment(opts.Meshes, opts.Configs, a)
	require.NoError(t, err)
	assert.Equal(t, []StageKey{{0, 1, 1, 1}, {2, 3, 0, 0}}, keys)

	res := &Result{Costs: NewCostMatrix(testNumLayers, 3, 2)}
	res.Costs.SetMeasured(keys[0], 2)
	assert.True(t, math.IsInf(res.Latency(keys, 2), 1))
	res.Costs.SetMeasured(keys[1], 3)
	assert.Equal(t, 8.0, res.Latency(keys, 2))

	a[1].Mesh = stages.MeshChoice{NumHosts: 3, NumDevicesPerHost: 1}
	_, err = ResolveAssignment(opts.Meshes, opts.Configs, a)
	assert.Error(t, err)
	a[1].Mesh, a[1].LogicalShape = opts.Meshes[0], []int{4}
	_, err = ResolveAssignment(opts.Meshes, opts.Configs, a)
	assert.Error(t, err)
}

func testModelCache(t *testing.T, dir string) *costmodel.Cache {
	backend, err := simplego.New("")
	require.NoError(t, err)
	hp := costmodel.DefaultHyperparameters()
	hp.NumHiddenNodes = 8
	hp.NumSteps = 50
	hp.BatchSize = 16
	return costmodel.NewCache(backend, hp, dir, dir)
}

func TestTrainThenPredict(t *testing.T) {
	modelDir := t.TempDir()
	opts := testOptions(t, &fakeExecutor{}, testModelCache(t, modelDir))
	opts.TrainOnProfiled = true
	o, err := New(opts)
	require.NoError(t, err)
	first, err := o.Run(context.Background())
	require.NoError(t, err)
	for _, key := range []ModelKey{{0, 0}, {1, 0}, {1, 1}} {
		require.IsType(t, costmodel.Present{}, first.Models[key], "model %v", key)
	}
	assert.NotContains(t, first.Models, ModelKey{2, 0}, "no model is trained for the whole cluster")

	// A second run predicts the costs of the meshes with a model, and profiles the rest.
	executor := &fakeExecutor{}
	opts = testOptions(t, executor, testModelCache(t, modelDir))
	o, err = New(opts)
	require.NoError(t, err)
	second, err := o.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int{2}, executor.profiledMeshes)
	for _, k := range profiledKeys() {
		cost := second.Costs.At(k)
		if k.MeshID == 2 {
			assert.Equal(t, SourceMeasured, second.Costs.SourceOf(k))
			continue
		}
		assert.Equal(t, SourcePredicted, second.Costs.SourceOf(k), "key %s", k)
		assert.Positive(t, cost)
		assert.False(t, math.IsInf(cost, 0) || math.IsNaN(cost), "key %s: cost %g", k, cost)
	}

	a := Assignment{
		{Layers: stages.Candidate{Start: 0, End: 1}, Mesh: opts.Meshes[0], LogicalShape: []int{1, 1}},
		{Layers: stages.Candidate{Start: 2, End: 3}, Mesh: opts.Meshes[1], LogicalShape: []int{1, 2}},
	}
	latency, err := o.EstimateLatency(context.Background(), a)
	require.NoError(t, err)
	keys, err := ResolveAssignment(opts.Meshes, opts.Configs, a)
	require.NoError(t, err)
	assert.InEpsilon(t, second.Latency(keys, 1), latency, 1e-3)

	a[1].Mesh, a[1].LogicalShape = opts.Meshes[2], []int{1, 4}
	_, err = o.EstimateLatency(context.Background(), a)
	assert.Error(t, err, "no model for the whole cluster")
}

func TestTrainModels(t *testing.T) {
	opts := testOptions(t, &fakeExecutor{}, testModelCache(t, t.TempDir()))
	opts.TrainSampler = stages.NewSampler(0.5, 0, 1)
	o, err := New(opts)
	require.NoError(t, err)
	res, err := o.TrainModels(context.Background())
	require.NoError(t, err)
	require.IsType(t, costmodel.Absent{}, res.Models[ModelKey{2, 0}])
	require.IsType(t, costmodel.Present{}, res.Models[ModelKey{1, 1}])
	assert.Equal(t, 3.0, testutil.ToFloat64(opts.Metrics.Models.WithLabelValues("trained")))
}
