// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package costmodel

import (
	"fmt"
	"math"
	"path/filepath"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/pkg/stagegraph"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Slot is the state of the model of one (mesh, config) key: either Absent or Present.
type Slot interface {
	isSlot()
}

// Absent means there is no usable model for the key, and its costs must be profiled.
type Absent struct {
	Reason string
}

// Present holds a trained model.
type Present struct {
	Model *Model
}

func (Absent) isSlot()  {}
func (Present) isSlot() {}

// ArtifactName of the model of a (mesh, config) key within the model directories.
func ArtifactName(meshID, configID int) string {
	return fmt.Sprintf("%d_%d", meshID, configID)
}

// Cache loads, trains and saves the models of each (mesh, config) key.
type Cache struct {
	backend backends.Backend
	hp      Hyperparameters

	// LoadDir is where models are loaded from. If empty, no model is ever loaded.
	LoadDir string

	// SaveDir is where trained models are saved. If empty, models are not saved.
	SaveDir string

	loaded map[string]*Model
}

// NewCache creates a model cache. Either directory can be empty.
func NewCache(backend backends.Backend, hp Hyperparameters, loadDir, saveDir string) *Cache {
	return &Cache{backend: backend, hp: hp, LoadDir: loadDir, SaveDir: saveDir, loaded: make(map[string]*Model)}
}

// Load returns the model stored for the key. A missing model is not an error, it returns Absent.
func (c *Cache) Load(meshID, configID int) (Slot, error) {
	if c.LoadDir == "" {
		return Absent{Reason: "no model directory configured"}, nil
	}
	name := ArtifactName(meshID, configID)
	if m, found := c.loaded[name]; found {
		return Present{Model: m}, nil
	}
	dir, err := fsutil.ReplaceTildeInDir(filepath.Join(c.LoadDir, name))
	if err != nil {
		return nil, err
	}
	exists, err := fsutil.FileExists(filepath.Join(dir, NormalizationFile))
	if err != nil {
		return nil, errors.WithMessagef(err, "checking model %s", name)
	}
	if !exists {
		return Absent{Reason: fmt.Sprintf("no model in %q", dir)}, nil
	}
	m, err := Load(c.backend, dir)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("costmodel: loaded model %s from %q", name, dir)
	c.loaded[name] = m
	return Present{Model: m}, nil
}

// Train a new model on the costs of the graphs. Examples with a non-finite or non-positive cost are
// ignored. If fewer than two examples remain, or they all have the same cost, there is nothing to learn
// and it returns Absent.
func (c *Cache) Train(graphs []*stagegraph.Graph, targets []float64) (Slot, error) {
	if len(graphs) != len(targets) {
		return nil, errors.Errorf("costmodel.Cache.Train: %d graphs but %d targets", len(graphs), len(targets))
	}
	var (
		useGraphs  []*stagegraph.Graph
		useTargets []float64
	)
	for i, t := range targets {
		if t > 0 && !math.IsInf(t, 0) && !math.IsNaN(t) {
			useGraphs = append(useGraphs, graphs[i])
			useTargets = append(useTargets, t)
		}
	}
	if len(useTargets) < 2 {
		return Absent{Reason: fmt.Sprintf("only %d usable training examples", len(useTargets))}, nil
	}
	constant := true
	for _, t := range useTargets[1:] {
		if t != useTargets[0] {
			constant = false
			break
		}
	}
	if constant {
		return Absent{Reason: "all training targets are identical"}, nil
	}
	m := New(c.backend, c.hp)
	if err := m.Train(useGraphs, useTargets); err != nil {
		return nil, err
	}
	return Present{Model: m}, nil
}

// Save the model of the key to SaveDir, if one is configured.
func (c *Cache) Save(meshID, configID int, m *Model) error {
	if c.SaveDir == "" {
		return nil
	}
	name := ArtifactName(meshID, configID)
	if err := m.Save(filepath.Join(c.SaveDir, name)); err != nil {
		return errors.WithMessagef(err, "saving model %s", name)
	}
	if c.SaveDir == c.LoadDir {
		c.loaded[name] = m
	}
	return nil
}

// Predict the costs of the graphs with the model, in order.
func (c *Cache) Predict(m *Model, graphs []*stagegraph.Graph) ([]float64, error) {
	return m.Predict(graphs)
}
