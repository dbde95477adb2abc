// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/gomlx/predtop/internal/config"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	flagStages     []string
	flagResultFile string
)

var latencyCmd = &cobra.Command{
	Use:   "latency --stage start:end:mesh:config [--stage ...]",
	Short: "Estimates the pipeline latency of a partition of the layers into stages",
	Long: "Estimates the pipeline latency of a partition of the layers into stages, each given by its inclusive " +
		"layer range and the ids of its mesh and sharding configuration. With --result the costs are taken " +
		"from a result dump, otherwise they are predicted with the cost models.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		keys, err := parseStageKeys(flagStages)
		if err != nil {
			return err
		}
		var latency float64
		if flagResultFile != "" {
			res, err := profiling.LoadResult(flagResultFile)
			if err != nil {
				return err
			}
			for _, k := range keys {
				if !res.Costs.Contains(k) {
					return errors.Errorf("stage %s is out of the bounds %v of the results", k, res.Costs.Shape())
				}
			}
			latency = res.Latency(keys, cfg.NumMicroBatches)
		} else {
			a, err := assignmentOf(cfg, keys)
			if err != nil {
				return err
			}
			o, err := newOrchestrator(cfg, nil)
			if err != nil {
				return err
			}
			latency, err = o.EstimateLatency(context.Background(), a)
			if err != nil {
				return err
			}
		}
		fmt.Printf("Latency of %d stages with %d micro-batches: %s\n", len(keys), cfg.NumMicroBatches, formatCost(latency))
		return nil
	},
}

func init() {
	latencyCmd.Flags().StringArrayVar(&flagStages, "stage", nil, "Stage as start:end:mesh:config, repeated for each stage.")
	latencyCmd.Flags().StringVar(&flagResultFile, "result", "", "Result dump with the costs of the stages.")
	_ = latencyCmd.MarkFlagRequired("stage")
}

// parseStageKeys parses stages given as "start:end:mesh:config".
func parseStageKeys(specs []string) ([]profiling.StageKey, error) {
	keys := make([]profiling.StageKey, len(specs))
	for i, spec := range specs {
		parts := strings.Split(spec, ":")
		if len(parts) != 4 {
			return nil, errors.Errorf("invalid stage %q, expected start:end:mesh:config", spec)
		}
		var values [4]int
		for j, p := range parts {
			v, err := strconv.Atoi(strings.TrimSpace(p))
			if err != nil {
				return nil, errors.Wrapf(err, "invalid stage %q", spec)
			}
			values[j] = v
		}
		keys[i] = profiling.StageKey{Start: values[0], End: values[1], MeshID: values[2], ConfigID: values[3]}
	}
	return keys, nil
}

// assignmentOf returns the assignment with the meshes and configurations of the keys.
func assignmentOf(cfg config.Config, keys []profiling.StageKey) (profiling.Assignment, error) {
	meshes := cfg.MeshChoices()
	a := make(profiling.Assignment, len(keys))
	for i, k := range keys {
		if k.MeshID < 0 || k.MeshID >= len(meshes) {
			return nil, errors.Errorf("stage %s: no mesh #%d", k, k.MeshID)
		}
		configs := cfg.Meshes[k.MeshID].Configs
		if k.ConfigID < 0 || k.ConfigID >= len(configs) {
			return nil, errors.Errorf("stage %s: mesh #%d has no config #%d", k, k.MeshID, k.ConfigID)
		}
		layers := stages.Candidate{Start: k.Start, End: k.End}
		if err := layers.Validate(cfg.Model.NumLayers()); err != nil {
			return nil, err
		}
		a[i] = profiling.AssignedStage{
			Layers:       layers,
			Mesh:         meshes[k.MeshID],
			LogicalShape: configs[k.ConfigID].LogicalShape,
			Options:      stages.ShardingOptions(configs[k.ConfigID].Options),
		}
	}
	return a, nil
}
