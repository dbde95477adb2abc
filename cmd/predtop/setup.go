// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/backends/simplego"
	"github.com/gomlx/predtop/internal/config"
	"github.com/gomlx/predtop/internal/metrics"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/profiling/simulated"
	"github.com/gomlx/predtop/pkg/synthetic"
	"github.com/janpfeifer/must"
)

// newBackend used to train and run the cost models.
func newBackend() backends.Backend {
	return must.M1(simplego.New(""))
}

// newModelCache for the model directories of the configuration.
func newModelCache(cfg config.Config) *costmodel.Cache {
	return costmodel.NewCache(newBackend(), cfg.Hyperparameters, cfg.ModelLoadDir, cfg.ModelSaveDir)
}

// newOrchestrator for the synthetic model of the configuration, profiled on the simulated cluster.
func newOrchestrator(cfg config.Config, m *metrics.Metrics) (*profiling.Orchestrator, error) {
	configs, err := cfg.ShardingConfigs()
	if err != nil {
		return nil, err
	}
	input := synthetic.New(cfg.Model)
	input.NumMicroBatches = cfg.NumMicroBatches
	executor := simulated.NewExecutor(cfg.Device, cfg.Sampling.Seed)
	executor.FailureRate = cfg.FailureRate
	predictSampler, trainSampler := cfg.Samplers()
	return profiling.New(profiling.Options{
		Input:             input,
		Meshes:            cfg.MeshChoices(),
		Configs:           configs,
		Executor:          executor,
		Slicer:            cfg.Cluster,
		Lowerer:           simulated.Lowerer{},
		Models:            newModelCache(cfg),
		Sampler:           predictSampler,
		TrainSampler:      trainSampler,
		StageOption:       cfg.StageOption(),
		CompileChunkWidth: cfg.Chunking.CompileWidth,
		ProfileChunkWidth: cfg.Chunking.ProfileWidth,
		TrainOnProfiled:   cfg.TrainOnProfiled,
		ResultDir:         cfg.ResultDir,
		Metrics:           m,
		ShowProgress:      flagProgress,
	})
}
