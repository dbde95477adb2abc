// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "Lists the cost models of each (mesh, config) in the model load directory",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.ModelLoadDir == "" {
			return errors.New("model_load_dir is not set in the configuration")
		}
		cache := newModelCache(cfg)
		fmt.Println(titleStyle.Render(fmt.Sprintf("Models in %s", cfg.ModelLoadDir)))
		table := newPlainTable(true)
		table.Headers("Mesh", "Config", "Model", "Hidden", "Steps", "Size")
		for meshID, mesh := range cfg.MeshChoices() {
			for configID := range cfg.Meshes[meshID].Configs {
				slot, err := cache.Load(meshID, configID)
				if err != nil {
					return err
				}
				meshCell, configCell := fmt.Sprintf("#%d %s", meshID, mesh), fmt.Sprintf("#%d", configID)
				switch s := slot.(type) {
				case costmodel.Present:
					hp := s.Model.Hyperparameters()
					size, err := dirSize(filepath.Join(cfg.ModelLoadDir, costmodel.ArtifactName(meshID, configID)))
					if err != nil {
						return err
					}
					table.Row(meshCell, configCell, costmodel.ArtifactName(meshID, configID),
						fmt.Sprintf("%d x %d %s", hp.NumHiddenLayers, hp.NumHiddenNodes, hp.Activation),
						humanize.Comma(int64(hp.NumSteps)), humanize.Bytes(uint64(size)))
				case costmodel.Absent:
					table.Row(meshCell, configCell, "-", s.Reason, "", "")
				}
			}
		}
		fmt.Println(table.Render())
		return nil
	},
}

// printModelSlots prints the outcome of the training of each (mesh, config).
func printModelSlots(slots map[profiling.ModelKey]costmodel.Slot, meshes []stages.MeshChoice) {
	keys := make([]profiling.ModelKey, 0, len(slots))
	for k := range slots {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b profiling.ModelKey) int {
		if a.MeshID != b.MeshID {
			return a.MeshID - b.MeshID
		}
		return a.ConfigID - b.ConfigID
	})
	fmt.Println(titleStyle.Render("Trained models"))
	table := newPlainTable(true)
	table.Headers("Mesh", "Config", "Outcome")
	for _, k := range keys {
		outcome := "trained"
		if absent, ok := slots[k].(costmodel.Absent); ok {
			outcome = "skipped: " + absent.Reason
		}
		table.Row(fmt.Sprintf("#%d %s", k.MeshID, meshes[k.MeshID]), fmt.Sprintf("#%d", k.ConfigID), outcome)
	}
	fmt.Println(table.Render())
}

// dirSize returns the total size of the files under dir.
func dirSize(dir string) (int64, error) {
	var size int64
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, errors.Wrapf(err, "reading model directory %q", dir)
}
