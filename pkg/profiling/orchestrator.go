// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package profiling fills the cost matrix of candidate stages over the mesh choices and their sharding
// configurations, used by the stage partition search.
//
// For each (mesh, config) with a trained cost model the costs are predicted from the stage graphs,
// otherwise the stages are compiled and profiled on the devices by the Executor.
package profiling

import (
	"context"
	"maps"
	"os"
	"slices"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/predtop/internal/metrics"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/stagegraph"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Options to create an Orchestrator.
type Options struct {
	Input *stages.Input

	// Meshes are the mesh choices, identified by their position.
	Meshes []stages.MeshChoice

	// Configs holds for each mesh its sharding configurations, identified by their position.
	// Nil configurations are skipped.
	Configs [][]*stages.ShardingConfig

	Executor Executor

	// Slicer of the virtual mesh being partitioned.
	Slicer Slicer

	// Cluster slices the whole cluster, used when StageOption.ProfileWithWholeCluster is set. Defaults to Slicer.
	Cluster Slicer

	// Lowerer is used to lower stages before profiling. Optional.
	Lowerer stages.Lowerer

	Models *costmodel.Cache

	// Sampler generates the candidates of the cost matrix. Defaults to all candidates.
	Sampler *stages.Sampler

	// TrainSampler generates the candidates profiled to train models in TrainModels. Defaults to Sampler.
	TrainSampler *stages.Sampler

	// Candidates, if set, are used instead of sampling.
	Candidates []stages.Candidate

	StageOption StageOption

	// CompileChunkWidth and ProfileChunkWidth are the width budgets of the compile and profile chunks.
	// Default to stages.DefaultCompileChunkWidth and stages.DefaultProfileChunkWidth.
	CompileChunkWidth, ProfileChunkWidth int

	// TrainOnProfiled trains (and saves) a model for each (mesh, config) profiled during Run.
	TrainOnProfiled bool

	// ResultDir is where the dump of the results is written. If empty, no dump is written.
	ResultDir string

	Metrics      *metrics.Metrics
	ShowProgress bool
}

// ModelKey identifies the model of a (mesh, config).
type ModelKey struct {
	MeshID, ConfigID int
}

// Orchestrator drives the profiling and prediction of the costs of the candidate stages.
// It is not safe for concurrent use.
type Orchestrator struct {
	opts            Options
	assembler       *stages.Assembler
	numLayers       int
	numConfigs      int
	numMicroBatches int
}

// New creates an Orchestrator, filling in default options.
func New(opts Options) (*Orchestrator, error) {
	switch {
	case opts.Input == nil:
		return nil, errors.New("profiling.New: Input not set")
	case opts.Executor == nil:
		return nil, errors.New("profiling.New: Executor not set")
	case opts.Slicer == nil:
		return nil, errors.New("profiling.New: Slicer not set")
	case opts.Models == nil:
		return nil, errors.New("profiling.New: Models not set")
	case len(opts.Configs) != len(opts.Meshes):
		return nil, errors.Errorf("profiling.New: %d mesh choices but configurations for %d meshes",
			len(opts.Meshes), len(opts.Configs))
	}
	if len(opts.Input.Layers)%2 != 0 {
		return nil, errors.Errorf("profiling.New: number of layers must be even, got %d", len(opts.Input.Layers))
	}
	if opts.Cluster == nil {
		opts.Cluster = opts.Slicer
	}
	if opts.Sampler == nil {
		opts.Sampler = stages.NewSampler(1, 0, 0)
	}
	if opts.TrainSampler == nil {
		opts.TrainSampler = opts.Sampler
	}
	if opts.CompileChunkWidth <= 0 {
		opts.CompileChunkWidth = stages.DefaultCompileChunkWidth
	}
	if opts.ProfileChunkWidth <= 0 {
		opts.ProfileChunkWidth = stages.DefaultProfileChunkWidth
	}
	numConfigs := 0
	for _, configs := range opts.Configs {
		numConfigs = max(numConfigs, len(configs))
	}
	assembler := stages.NewAssembler(opts.Input)
	assembler.Lowerer = opts.Lowerer
	assembler.ShowProgress = opts.ShowProgress
	return &Orchestrator{
		opts:            opts,
		assembler:       assembler,
		numLayers:       opts.Input.NumLayers(),
		numConfigs:      numConfigs,
		numMicroBatches: max(opts.Input.NumMicroBatches, 1),
	}, nil
}

// NumLayers returns the number of forward layers.
func (o *Orchestrator) NumLayers() int { return o.numLayers }

// meshOrder returns the mesh ids from the largest number of devices to the smallest.
func (o *Orchestrator) meshOrder() []int {
	order := make([]int, len(o.opts.Meshes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return o.opts.Meshes[b].NumDevices() - o.opts.Meshes[a].NumDevices()
	})
	return order
}

// meshRun is the state of the processing of one mesh.
type meshRun struct {
	meshID     int
	submeshes  []VirtualMesh
	fullMesh   bool
	candidates []stages.Candidate

	// graphs of the candidates, built once and shared by all the configurations of the mesh.
	graphs []*stagegraph.Graph
}

func (o *Orchestrator) newMeshRun(meshID int, sampler *stages.Sampler) (*meshRun, error) {
	mesh := o.opts.Meshes[meshID]
	slicer := o.opts.Slicer
	if o.opts.StageOption.ProfileWithWholeCluster {
		slicer = o.opts.Cluster
	}
	submeshes, err := slicer.SliceProfilingSubmeshes(mesh.NumHosts, mesh.NumDevicesPerHost)
	if err != nil {
		return nil, errors.WithMessagef(err, "slicing submeshes %s", mesh)
	}
	if len(submeshes) == 0 {
		return nil, errors.Errorf("no profiling submesh of shape %s", mesh)
	}
	meshDevices, clusterDevices := submeshes[0].NumDevices(), o.opts.Slicer.NumDevices()
	return &meshRun{
		meshID:     meshID,
		submeshes:  submeshes,
		fullMesh:   meshDevices == clusterDevices,
		candidates: stages.CandidatesFor(o.numLayers, meshDevices, clusterDevices, o.opts.Candidates, sampler),
	}, nil
}

// configIDs returns the ids of the non-nil configurations of the mesh.
func (o *Orchestrator) configIDs(meshID int) []int {
	var ids []int
	for id, c := range o.opts.Configs[meshID] {
		if c != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (o *Orchestrator) key(c stages.Candidate, meshID, configID int) StageKey {
	return StageKey{Start: c.Start, End: c.End, MeshID: meshID, ConfigID: configID}
}

// Run fills the cost matrix, processing the meshes from the largest to the smallest.
//
// Remote execution failures only discard the chunk being profiled: its entries remain +Inf.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	cache, err := o.loadProfileCache()
	if err != nil {
		return nil, err
	}
	res := o.newResult()
	for _, meshID := range o.meshOrder() {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithMessage(err, "profiling interrupted")
		}
		mr, err := o.newMeshRun(meshID, o.opts.Sampler)
		if err != nil {
			return nil, err
		}
		var toPredict map[int]*costmodel.Model
		var toProfile []int
		for _, configID := range o.configIDs(meshID) {
			slot, err := o.opts.Models.Load(meshID, configID)
			if err != nil {
				return nil, errors.WithMessagef(err, "loading model for mesh %d config %d", meshID, configID)
			}
			switch s := slot.(type) {
			case costmodel.Present:
				if toPredict == nil {
					toPredict = make(map[int]*costmodel.Model)
				}
				toPredict[configID] = s.Model
			case costmodel.Absent:
				klog.V(1).Infof("mesh %d config %d: %s, profiling", meshID, configID, s.Reason)
				toProfile = append(toProfile, configID)
			default:
				exceptions.Panicf("profiling: unknown model slot type %T", slot)
			}
		}
		klog.Infof("mesh %d %s: %d candidates, predicting %d configs, profiling %d configs",
			meshID, o.opts.Meshes[meshID], len(mr.candidates), len(toPredict), len(toProfile))

		if len(toPredict) > 0 {
			if err := o.predictMesh(mr, toPredict, res); err != nil {
				return nil, err
			}
		}
		if len(toProfile) > 0 {
			if err := o.profileMesh(ctx, mr, toProfile, cache, res); err != nil {
				return nil, err
			}
			if o.opts.TrainOnProfiled && !mr.fullMesh {
				if err := o.trainMesh(mr, toProfile, res); err != nil {
					return nil, err
				}
			}
		}
	}
	if err := o.finish(cache, res); err != nil {
		return nil, err
	}
	return res, nil
}

// TrainModels profiles a sample of the candidates of every mesh and trains a model for each of its
// configurations, saving them to the model cache. Meshes that take the whole cluster are skipped:
// they only have one candidate.
//
// Models are only trained for a configuration if its costs vary, otherwise its slot is Absent.
func (o *Orchestrator) TrainModels(ctx context.Context) (*Result, error) {
	cache, err := o.loadProfileCache()
	if err != nil {
		return nil, err
	}
	res := o.newResult()
	for _, meshID := range o.meshOrder() {
		if err := ctx.Err(); err != nil {
			return nil, errors.WithMessage(err, "training interrupted")
		}
		mr, err := o.newMeshRun(meshID, o.opts.TrainSampler)
		if err != nil {
			return nil, err
		}
		configIDs := o.configIDs(meshID)
		if mr.fullMesh {
			for _, configID := range configIDs {
				res.Models[ModelKey{meshID, configID}] = costmodel.Absent{Reason: "mesh takes the whole cluster"}
			}
			continue
		}
		klog.Infof("mesh %d %s: profiling %d candidates to train %d models",
			meshID, o.opts.Meshes[meshID], len(mr.candidates), len(configIDs))
		if err := o.profileMesh(ctx, mr, configIDs, cache, res); err != nil {
			return nil, err
		}
		if err := o.trainMesh(mr, configIDs, res); err != nil {
			return nil, err
		}
	}
	if err := o.finish(cache, res); err != nil {
		return nil, err
	}
	return res, nil
}

// EstimateLatency predicts the latency of the pipeline for the assignment, using the model of the
// (mesh, config) of each stage.
func (o *Orchestrator) EstimateLatency(ctx context.Context, a Assignment) (float64, error) {
	keys, err := ResolveAssignment(o.opts.Meshes, o.opts.Configs, a)
	if err != nil {
		return 0, err
	}
	costs := make([]float64, len(keys))
	for i, k := range keys {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		slot, err := o.opts.Models.Load(k.MeshID, k.ConfigID)
		if err != nil {
			return 0, err
		}
		var model *costmodel.Model
		switch s := slot.(type) {
		case costmodel.Present:
			model = s.Model
		case costmodel.Absent:
			return 0, errors.Errorf("stage #%d %s: no model: %s", i, k, s.Reason)
		default:
			exceptions.Panicf("profiling: unknown model slot type %T", slot)
		}
		graphs, err := o.buildGraphs([]stages.Candidate{a[i].Layers})
		if err != nil {
			return 0, err
		}
		predicted, err := o.opts.Models.Predict(model, graphs)
		if err != nil {
			return 0, errors.WithMessagef(err, "predicting stage #%d %s", i, k)
		}
		costs[i] = predicted[0]
	}
	return PipelineLatency(costs, o.numMicroBatches), nil
}

// buildGraphs assembles the candidates without compiling them and builds the graph of their forward
// computation.
func (o *Orchestrator) buildGraphs(candidates []stages.Candidate) ([]*stagegraph.Graph, error) {
	merged, err := o.assembler.AssembleAll(candidates, false)
	if err != nil {
		return nil, err
	}
	graphs := make([]*stagegraph.Graph, len(merged))
	for i, stage := range merged {
		graphs[i], err = stagegraph.BuildE(stage.Forward())
		if err != nil {
			return nil, errors.WithMessagef(err, "building graph of %s", stage.Name)
		}
		klog.V(2).Infof("%s: %s", stage.Name, graphs[i])
	}
	return graphs, nil
}

func (o *Orchestrator) meshGraphs(mr *meshRun) ([]*stagegraph.Graph, error) {
	if mr.graphs != nil {
		return mr.graphs, nil
	}
	defer o.opts.Metrics.Time(metrics.PhaseGraphs)()
	graphs, err := o.buildGraphs(mr.candidates)
	if err != nil {
		return nil, err
	}
	mr.graphs = graphs
	return graphs, nil
}

func (o *Orchestrator) predictMesh(mr *meshRun, models map[int]*costmodel.Model, res *Result) error {
	graphs, err := o.meshGraphs(mr)
	if err != nil {
		return err
	}
	defer o.opts.Metrics.Time(metrics.PhasePredict)()
	for _, configID := range slices.Sorted(maps.Keys(models)) {
		costs, err := o.opts.Models.Predict(models[configID], graphs)
		if err != nil {
			return errors.WithMessagef(err, "predicting mesh %d config %d", mr.meshID, configID)
		}
		numSet := 0
		for i, c := range mr.candidates {
			if res.Costs.SetPredicted(o.key(c, mr.meshID, configID), costs[i]) {
				numSet++
			}
		}
		o.opts.Metrics.AddEntries("predicted", numSet)
	}
	return nil
}

// profileMesh compiles and profiles the candidates of the mesh for the given configurations, and
// records the measured costs. Results already in cache are not profiled again.
func (o *Orchestrator) profileMesh(ctx context.Context, mr *meshRun, configIDs []int, cache ProfileCache, res *Result) error {
	var specs []StageSpec
	stopAssemble := o.opts.Metrics.Time(metrics.PhaseAssemble)
	for i, chunk := range stages.PlanChunks(mr.candidates, o.opts.CompileChunkWidth) {
		klog.V(1).Infof("mesh %d: assembling compile chunk #%d with %d candidates", mr.meshID, i, len(chunk))
		merged, err := o.assembler.AssembleAll(chunk, true)
		if err != nil {
			if errors.Is(err, ErrRemoteExecution) {
				klog.Warningf("mesh %d: compile chunk #%d failed, skipping it: %v", mr.meshID, i, err)
				o.opts.Metrics.ChunkFailed()
				continue
			}
			stopAssemble()
			return err
		}
		for _, stage := range merged {
			for _, configID := range configIDs {
				key := o.key(stage.Candidate, mr.meshID, configID)
				if _, found := cache[key]; found {
					continue
				}
				specs = append(specs, StageSpec{Key: key, Stage: stage, Config: o.opts.Configs[mr.meshID][configID]})
			}
		}
	}
	stopAssemble()

	stopProfile := o.opts.Metrics.Time(metrics.PhaseProfile)
	defer stopProfile()
	profiled := sets.Make[StageKey]()
	chunks := stages.ChunkBy(specs, o.opts.ProfileChunkWidth, func(s StageSpec) int { return s.Stage.Candidate.Width() })
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return errors.WithMessage(err, "profiling interrupted")
		}
		klog.V(1).Infof("mesh %d: profiling chunk #%d/%d with %d stages", mr.meshID, i+1, len(chunks), len(chunk))
		updated, err := o.profileChunk(ctx, mr, chunk, cache)
		if err != nil {
			if errors.Is(err, ErrRemoteExecution) {
				klog.Warningf("mesh %d: profiling chunk #%d failed, its stages are left unprofiled: %v", mr.meshID, i, err)
				o.opts.Metrics.ChunkFailed()
				continue
			}
			return err
		}
		cache.Merge(updated)
		for _, spec := range chunk {
			if _, found := updated[spec.Key]; found {
				profiled.Insert(spec.Key)
			}
		}
	}

	numMeasured, numCached := 0, 0
	for _, c := range mr.candidates {
		for _, configID := range configIDs {
			key := o.key(c, mr.meshID, configID)
			r, found := cache[key]
			if !found {
				continue
			}
			res.Costs.SetMeasured(key, r.ComputeCost())
			if profiled.Has(key) {
				numMeasured++
			} else {
				numCached++
			}
		}
	}
	if numCached > 0 {
		klog.V(1).Infof("mesh %d: %d costs taken from the profile cache", mr.meshID, numCached)
	}
	o.opts.Metrics.AddEntries("measured", numMeasured)
	o.opts.Metrics.AddEntries("cached", numCached)
	return nil
}

func (o *Orchestrator) profileChunk(ctx context.Context, mr *meshRun, chunk []StageSpec, cache ProfileCache) (ProfileCache, error) {
	compiled, err := o.opts.Executor.CompileAll(ctx, chunk, o.numMicroBatches, o.opts.Input.DefaultOptions, cache)
	if err != nil {
		return nil, errors.WithMessage(err, "compiling stages")
	}
	updated, err := o.opts.Executor.ProfileAll(ctx, chunk, compiled, mr.submeshes, o.numMicroBatches, o.opts.StageOption, cache)
	if err != nil {
		return nil, errors.WithMessage(err, "profiling stages")
	}
	return updated, nil
}

// trainMesh trains a model for each configuration on the costs of the candidates measured for it.
func (o *Orchestrator) trainMesh(mr *meshRun, configIDs []int, res *Result) error {
	graphs, err := o.meshGraphs(mr)
	if err != nil {
		return err
	}
	defer o.opts.Metrics.Time(metrics.PhaseTrain)()
	for _, configID := range configIDs {
		targets := make([]float64, len(mr.candidates))
		for i, c := range mr.candidates {
			targets[i] = res.Costs.At(o.key(c, mr.meshID, configID))
		}
		slot, err := o.opts.Models.Train(graphs, targets)
		if err != nil {
			return errors.WithMessagef(err, "training model for mesh %d config %d", mr.meshID, configID)
		}
		key := ModelKey{MeshID: mr.meshID, ConfigID: configID}
		res.Models[key] = slot
		switch s := slot.(type) {
		case costmodel.Present:
			o.opts.Metrics.ModelTrained(true)
			if err := o.opts.Models.Save(mr.meshID, configID, s.Model); err != nil {
				return err
			}
			klog.Infof("mesh %d config %d: trained model on %d candidates", mr.meshID, configID, len(graphs))
		case costmodel.Absent:
			o.opts.Metrics.ModelTrained(false)
			klog.Infof("mesh %d config %d: no model trained: %s", mr.meshID, configID, s.Reason)
		default:
			exceptions.Panicf("profiling: unknown model slot type %T", slot)
		}
	}
	return nil
}

func (o *Orchestrator) loadProfileCache() (ProfileCache, error) {
	path := o.opts.StageOption.CachedProfileResult
	if path == "" {
		return make(ProfileCache), nil
	}
	cache, err := LoadProfileCache(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			klog.V(1).Infof("profile cache %q not found, starting empty", path)
			return make(ProfileCache), nil
		}
		return nil, err
	}
	klog.Infof("loaded %d profile results from %q", len(cache), path)
	return cache, nil
}

func (o *Orchestrator) newResult() *Result {
	return &Result{
		RunID:               uuid.New(),
		Costs:               NewCostMatrix(o.numLayers, len(o.opts.Meshes), o.numConfigs),
		MaxSuccessiveStages: NewCostMatrix(o.numLayers, len(o.opts.Meshes), o.numConfigs),
		Profiles:            make(ProfileCache),
		Models:              make(map[ModelKey]costmodel.Slot),
	}
}

// finish saves the profile cache and writes the dump of the results.
func (o *Orchestrator) finish(cache ProfileCache, res *Result) error {
	res.Profiles = cache
	if path := o.opts.StageOption.CachedProfileResult; path != "" {
		if err := cache.Save(path); err != nil {
			return err
		}
	}
	if o.opts.ResultDir == "" {
		return nil
	}
	path, err := res.Dump(o.opts.ResultDir)
	if err != nil {
		return err
	}
	klog.Infof("profile results of run %s saved to %q", res.RunID, path)
	return nil
}
