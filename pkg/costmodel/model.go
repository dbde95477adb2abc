// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package costmodel learns to predict the cost of a stage from its stage graph, and caches the trained
// models per (mesh, sharding configuration).
//
// The model is a feed-forward network over the graph Features, trained on the logarithm of the
// measured costs.
package costmodel

import (
	"encoding/json"
	"math"
	"os"
	"path/filepath"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph" //nolint
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/ml/datasets"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/fnn"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/gomlx/gomlx/pkg/ml/train/losses"
	"github.com/gomlx/gomlx/pkg/ml/train/optimizers"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/pkg/stagegraph"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat"
	"k8s.io/klog/v2"
)

// NormalizationFile is the name of the file saved along the checkpoint with the feature and target
// normalization.
const NormalizationFile = "normalization.json"

// modelScope is the context scope of the model variables.
const modelScope = "model"

// Hyperparameters of the cost model.
type Hyperparameters struct {
	NumHiddenLayers int     `yaml:"num_hidden_layers" json:"num_hidden_layers" validate:"gte=0"`
	NumHiddenNodes  int     `yaml:"num_hidden_nodes" json:"num_hidden_nodes" validate:"gt=0"`
	Activation      string  `yaml:"activation" json:"activation" validate:"oneof=relu swish sigmoid tanh gelu"`
	LearningRate    float64 `yaml:"learning_rate" json:"learning_rate" validate:"gt=0"`
	NumSteps        int     `yaml:"num_steps" json:"num_steps" validate:"gt=0"`
	BatchSize       int     `yaml:"batch_size" json:"batch_size" validate:"gt=0"`
}

// DefaultHyperparameters returns the hyperparameters used when none are configured.
func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		NumHiddenLayers: 2,
		NumHiddenNodes:  32,
		Activation:      "relu",
		LearningRate:    0.01,
		NumSteps:        500,
		BatchSize:       64,
	}
}

// params converts the hyperparameters to context parameters.
func (hp Hyperparameters) params() map[string]any {
	return map[string]any{
		fnn.ParamNumHiddenLayers:     hp.NumHiddenLayers,
		fnn.ParamNumHiddenNodes:      hp.NumHiddenNodes,
		activations.ParamActivation:  hp.Activation,
		optimizers.ParamLearningRate: hp.LearningRate,
	}
}

// normalization of the features and targets, fitted on the training data.
type normalization struct {
	FeatureVersion  int             `json:"feature_version"`
	FeatureMean     []float64       `json:"feature_mean"`
	FeatureStd      []float64       `json:"feature_std"`
	TargetMean      float64         `json:"target_mean"`
	TargetStd       float64         `json:"target_std"`
	Hyperparameters Hyperparameters `json:"hyperparameters"`
}

// minStd replaces the standard deviation of constant features.
const minStd = 1e-6

func fitNormalization(features [][]float32, logTargets []float64) *normalization {
	norm := &normalization{
		FeatureVersion: FeatureVersion,
		FeatureMean:    make([]float64, NumFeatures),
		FeatureStd:     make([]float64, NumFeatures),
	}
	column := make([]float64, len(features))
	for j := range NumFeatures {
		for i, f := range features {
			column[i] = float64(f[j])
		}
		norm.FeatureMean[j], norm.FeatureStd[j] = stat.PopMeanStdDev(column, nil)
		if norm.FeatureStd[j] < minStd {
			norm.FeatureStd[j] = 1
		}
	}
	norm.TargetMean, norm.TargetStd = stat.PopMeanStdDev(logTargets, nil)
	if norm.TargetStd < minStd {
		norm.TargetStd = 1
	}
	return norm
}

func (n *normalization) features(graphs []*stagegraph.Graph) [][]float32 {
	x := make([][]float32, len(graphs))
	for i, g := range graphs {
		f := Features(g)
		for j := range f {
			f[j] = float32((float64(f[j]) - n.FeatureMean[j]) / n.FeatureStd[j])
		}
		x[i] = f
	}
	return x
}

// Model predicts the cost of stages from their graphs.
//
// A Model is created untrained with New, or loaded from a saved one with Load. It is not safe for
// concurrent use.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	hp      Hyperparameters
	norm    *normalization
	predict *context.Exec
}

// New creates an untrained model.
func New(backend backends.Backend, hp Hyperparameters) *Model {
	ctx := context.New()
	ctx.SetParams(hp.params())
	return &Model{backend: backend, ctx: ctx, hp: hp}
}

// Trained returns whether the model was trained or loaded, and can be used for prediction.
func (m *Model) Trained() bool { return m.norm != nil }

// Hyperparameters of the model.
func (m *Model) Hyperparameters() Hyperparameters { return m.hp }

// modelGraph predicts the normalized log-cost for each row of the normalized features.
func modelGraph(ctx *context.Context, _ any, inputs []*Node) []*Node {
	return []*Node{fnn.New(ctx, inputs[0], 1).Done()}
}

// Train fits the model to the costs of the given graphs, one target per graph.
// Targets must be positive and finite.
func (m *Model) Train(graphs []*stagegraph.Graph, targets []float64) error {
	if len(graphs) != len(targets) {
		return errors.Errorf("costmodel.Train: %d graphs but %d targets", len(graphs), len(targets))
	}
	if len(graphs) == 0 {
		return errors.New("costmodel.Train: no training examples")
	}
	logTargets := make([]float64, len(targets))
	for i, t := range targets {
		if t <= 0 || math.IsInf(t, 0) || math.IsNaN(t) {
			return errors.Errorf("costmodel.Train: target #%d is %g, it must be positive and finite", i, t)
		}
		logTargets[i] = math.Log(t)
	}
	raw := make([][]float32, len(graphs))
	for i, g := range graphs {
		raw[i] = Features(g)
	}
	norm := fitNormalization(raw, logTargets)
	norm.Hyperparameters = m.hp
	x := norm.features(graphs)
	y := make([][]float32, len(logTargets))
	for i, t := range logTargets {
		y[i] = []float32{float32((t - norm.TargetMean) / norm.TargetStd)}
	}

	klog.V(1).Infof("costmodel: training on %d examples for %d steps", len(x), m.hp.NumSteps)
	err := exceptions.TryCatch[error](func() {
		ds, err := datasets.InMemoryFromData(m.backend, "costmodel", []any{x}, []any{y})
		if err != nil {
			panic(err)
		}
		ds.Infinite(true).Shuffle().BatchSize(min(m.hp.BatchSize, len(x)), false)
		trainer := train.NewTrainer(m.backend, m.ctx.In(modelScope), modelGraph,
			losses.MeanSquaredError,
			optimizers.Adam().Done(),
			nil, nil) // trainMetrics, evalMetrics
		loop := train.NewLoop(trainer)
		metrics, err := loop.RunSteps(ds, m.hp.NumSteps)
		if err != nil {
			panic(err)
		}
		if len(metrics) > 0 {
			klog.V(2).Infof("costmodel: final training metrics %v", metrics)
		}
	})
	if err != nil {
		return errors.WithMessage(err, "costmodel: training failed")
	}
	m.norm = norm
	m.predict = nil
	return nil
}

// Predict returns the predicted cost of each graph, in order.
func (m *Model) Predict(graphs []*stagegraph.Graph) ([]float64, error) {
	if !m.Trained() {
		return nil, errors.New("costmodel.Predict: model not trained")
	}
	if len(graphs) == 0 {
		return nil, nil
	}
	var flat []float32
	err := exceptions.TryCatch[error](func() {
		if m.predict == nil {
			exec, err := context.NewExec(m.backend, m.ctx.Reuse().In(modelScope),
				func(ctx *context.Context, x *Node) *Node {
					return modelGraph(ctx, nil, []*Node{x})[0]
				})
			if err != nil {
				panic(err)
			}
			m.predict = exec
		}
		output, err := m.predict.Exec1(tensors.FromValue(m.norm.features(graphs)))
		if err != nil {
			panic(err)
		}
		flat = tensors.MustCopyFlatData[float32](output)
	})
	if err != nil {
		return nil, errors.WithMessage(err, "costmodel: prediction failed")
	}
	costs := make([]float64, len(flat))
	for i, v := range flat {
		costs[i] = math.Exp(float64(v)*m.norm.TargetStd + m.norm.TargetMean)
	}
	return costs, nil
}

// Save writes the model to dir, replacing any model already there.
func (m *Model) Save(dir string) error {
	if !m.Trained() {
		return errors.New("costmodel.Save: model not trained")
	}
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return err
	}
	// A checkpoint found in the directory would be loaded onto the model.
	if err := os.RemoveAll(dir); err != nil {
		return errors.Wrapf(err, "failed to remove previous model in %q", dir)
	}
	handler, err := checkpoints.Build(m.ctx).Dir(dir).Keep(1).Done()
	if err != nil {
		return errors.WithMessagef(err, "costmodel: creating checkpoint in %q", dir)
	}
	if err := handler.Save(); err != nil {
		return errors.WithMessagef(err, "costmodel: saving checkpoint in %q", dir)
	}
	contents, err := json.MarshalIndent(m.norm, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize normalization")
	}
	normPath := filepath.Join(dir, NormalizationFile)
	if err := os.WriteFile(normPath, contents, 0o644); err != nil {
		return errors.Wrapf(err, "failed to write %q", normPath)
	}
	klog.V(1).Infof("costmodel: saved model to %q", dir)
	return nil
}

// Load a model saved with Model.Save.
func Load(backend backends.Backend, dir string) (*Model, error) {
	dir, err := fsutil.ReplaceTildeInDir(dir)
	if err != nil {
		return nil, err
	}
	normPath := filepath.Join(dir, NormalizationFile)
	contents, err := os.ReadFile(normPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read %q", normPath)
	}
	norm := &normalization{}
	if err := json.Unmarshal(contents, norm); err != nil {
		return nil, errors.Wrapf(err, "failed to parse %q", normPath)
	}
	if norm.FeatureVersion != FeatureVersion {
		return nil, errors.Errorf("model in %q uses features version %d, current version is %d",
			dir, norm.FeatureVersion, FeatureVersion)
	}
	if len(norm.FeatureMean) != NumFeatures || len(norm.FeatureStd) != NumFeatures {
		return nil, errors.Errorf("model in %q has %d features, want %d", dir, len(norm.FeatureMean), NumFeatures)
	}
	m := New(backend, norm.Hyperparameters)
	if _, err := checkpoints.Load(m.ctx).Dir(dir).Immediate().Done(); err != nil {
		return nil, errors.WithMessagef(err, "costmodel: loading checkpoint from %q", dir)
	}
	m.ctx.SetParams(m.hp.params())
	m.norm = norm
	return m, nil
}
