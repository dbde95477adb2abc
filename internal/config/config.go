// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package config defines the configuration of the predtop command, read from a YAML file.
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"slices"

	"github.com/go-playground/validator/v10"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/profiling/simulated"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/gomlx/predtop/pkg/synthetic"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Sampling of the candidate stages.
type Sampling struct {
	// PredictProb is the density of the candidates whose cost is filled, by prediction or profiling.
	PredictProb float64 `yaml:"predict_prob" validate:"gt=0,lte=1"`

	// TrainProb is the density of the candidates profiled to train the cost models.
	TrainProb float64 `yaml:"train_prob" validate:"gt=0,lte=1"`

	// Reduce the maximum width of the sampled candidates.
	Reduce int    `yaml:"reduce" validate:"gte=0"`
	Seed   uint64 `yaml:"seed"`
}

// Chunking holds the width budgets of the compile and profile chunks.
type Chunking struct {
	CompileWidth int `yaml:"compile_width" validate:"gt=0"`
	ProfileWidth int `yaml:"profile_width" validate:"gt=0"`
}

// ShardingConfig is one sharding configuration of a mesh.
type ShardingConfig struct {
	LogicalShape []int             `yaml:"logical_shape" validate:"min=1,dive,gt=0"`
	Options      map[string]string `yaml:"options,omitempty"`
}

// Mesh is a mesh choice and its sharding configurations.
type Mesh struct {
	NumHosts          int              `yaml:"num_hosts" validate:"gt=0"`
	NumDevicesPerHost int              `yaml:"num_devices_per_host" validate:"gt=0"`
	Configs           []ShardingConfig `yaml:"configs" validate:"min=1,dive"`
}

// Config of a predtop run.
type Config struct {
	// ModelLoadDir is where cost models are loaded from. Empty to always profile.
	ModelLoadDir string `yaml:"model_load_dir"`

	// ModelSaveDir is where trained cost models are saved. Empty to not save them.
	ModelSaveDir string `yaml:"model_save_dir"`

	// ResultDir is where the dump of the results of each run is written. Empty to not write it.
	ResultDir string `yaml:"result_dir"`

	// CachedProfileResult is the path of the profile cache. Empty to not use one.
	CachedProfileResult string `yaml:"cached_profile_result"`

	// MetricsFile is where the metrics of the run are written, in Prometheus text format. Optional.
	MetricsFile string `yaml:"metrics_file"`

	Sampling Sampling `yaml:"sampling"`
	Chunking Chunking `yaml:"chunking"`

	NumMicroBatches int `yaml:"num_micro_batches" validate:"gte=1"`

	// ImbalanceTolerance between the slowest and fastest stages, 0 for no limit.
	ImbalanceTolerance float64 `yaml:"imbalance_tolerance" validate:"gte=0"`

	// WholeCluster profiles on submeshes of the whole cluster.
	WholeCluster bool `yaml:"whole_cluster"`

	// TrainOnProfiled trains a cost model for each (mesh, config) profiled during a run.
	TrainOnProfiled bool `yaml:"train_on_profiled"`

	Hyperparameters costmodel.Hyperparameters `yaml:"hyperparameters"`

	// Cluster and Device simulated by the "simulate" command.
	Cluster simulated.Cluster `yaml:"cluster"`
	Device  simulated.Device  `yaml:"device"`

	// FailureRate of the simulated remote workers.
	FailureRate float64 `yaml:"failure_rate" validate:"gte=0,lt=1"`

	Meshes []Mesh `yaml:"meshes" validate:"min=1,dive"`

	// Model is the synthetic model partitioned by the "simulate" command.
	Model synthetic.Config `yaml:"model"`
}

// Default returns a configuration for a single host with 8 devices, with meshes of 1, 2, 4 and 8 devices.
func Default() Config {
	c := Config{
		Sampling:        Sampling{PredictProb: 1, TrainProb: 0.3},
		Chunking:        Chunking{CompileWidth: stages.DefaultCompileChunkWidth, ProfileWidth: stages.DefaultProfileChunkWidth},
		NumMicroBatches: 4,
		Hyperparameters: costmodel.DefaultHyperparameters(),
		Cluster:         simulated.Cluster{NumHosts: 1, NumDevicesPerHost: 8},
		Device:          simulated.DefaultDevice(),
		Model:           synthetic.DefaultConfig(8),
	}
	for _, d := range []int{1, 2, 4, 8} {
		m := Mesh{NumHosts: 1, NumDevicesPerHost: d, Configs: []ShardingConfig{{LogicalShape: []int{1, d}}}}
		if d > 1 {
			m.Configs = append(m.Configs, ShardingConfig{LogicalShape: []int{d, 1}})
		}
		c.Meshes = append(c.Meshes, m)
	}
	return c
}

// Load reads the configuration from a YAML file: fields not in the file keep their Default value.
// Paths have "~" expanded and the result is validated.
func Load(path string) (Config, error) {
	c := Default()
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return c, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return c, errors.Wrapf(err, "reading configuration %q", path)
	}
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	// Explicit lists replace the default ones.
	c.Meshes = nil
	c.Model.HiddenSizes = nil
	if err := decoder.Decode(&c); err != nil {
		return c, errors.Wrapf(err, "parsing configuration %q", path)
	}
	if c.Meshes == nil {
		c.Meshes = Default().Meshes
	}
	if c.Model.HiddenSizes == nil {
		c.Model.HiddenSizes = Default().Model.HiddenSizes
	}
	if err := c.expandPaths(); err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, errors.WithMessagef(err, "invalid configuration %q", path)
	}
	return c, nil
}

// Save writes the configuration to a YAML file.
func (c Config) Save(path string) error {
	path, err := fsutil.ReplaceTildeInDir(path)
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "encoding configuration")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrapf(err, "creating directory for %q", path)
	}
	return errors.Wrapf(os.WriteFile(path, data, 0o644), "writing configuration %q", path)
}

func (c *Config) expandPaths() error {
	for _, p := range []*string{&c.ModelLoadDir, &c.ModelSaveDir, &c.ResultDir, &c.CachedProfileResult, &c.MetricsFile} {
		if *p == "" {
			continue
		}
		expanded, err := fsutil.ReplaceTildeInDir(*p)
		if err != nil {
			return err
		}
		*p = expanded
	}
	return nil
}

var validate = validator.New()

// Validate checks the field constraints, and that every mesh fits in the cluster with configurations
// that use all of its devices.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "validating configuration")
	}
	for _, h := range c.Model.HiddenSizes {
		if h%2 != 0 {
			return errors.Errorf("model hidden sizes must be even, got %v", c.Model.HiddenSizes)
		}
	}
	for i, m := range c.Meshes {
		if m.NumHosts > c.Cluster.NumHosts || m.NumDevicesPerHost > c.Cluster.NumDevicesPerHost {
			return errors.Errorf("mesh #%d %dx%d does not fit in the cluster %dx%d",
				i, m.NumHosts, m.NumDevicesPerHost, c.Cluster.NumHosts, c.Cluster.NumDevicesPerHost)
		}
		for j, sc := range m.Configs {
			size := 1
			for _, d := range sc.LogicalShape {
				size *= d
			}
			if size != m.NumHosts*m.NumDevicesPerHost {
				return errors.Errorf("mesh #%d config #%d: logical shape %v does not have %d devices",
					i, j, sc.LogicalShape, m.NumHosts*m.NumDevicesPerHost)
			}
		}
	}
	return nil
}

// MeshChoices of the configuration, in order.
func (c Config) MeshChoices() []stages.MeshChoice {
	meshes := make([]stages.MeshChoice, len(c.Meshes))
	for i, m := range c.Meshes {
		meshes[i] = stages.MeshChoice{NumHosts: m.NumHosts, NumDevicesPerHost: m.NumDevicesPerHost}
	}
	return meshes
}

// ShardingConfigs returns the sharding configurations of each mesh.
func (c Config) ShardingConfigs() ([][]*stages.ShardingConfig, error) {
	configs := make([][]*stages.ShardingConfig, len(c.Meshes))
	for i, m := range c.Meshes {
		for j, sc := range m.Configs {
			config, err := stages.NewShardingConfig(slices.Clone(sc.LogicalShape), stages.ShardingOptions(sc.Options))
			if err != nil {
				return nil, errors.WithMessagef(err, "mesh #%d config #%d", i, j)
			}
			configs[i] = append(configs[i], config)
		}
	}
	return configs, nil
}

// Samplers returns the samplers of the candidates of the cost matrix and of the training candidates.
func (c Config) Samplers() (predict, train *stages.Sampler) {
	predict = stages.NewSampler(c.Sampling.PredictProb, c.Sampling.Reduce, c.Sampling.Seed)
	train = stages.NewSampler(c.Sampling.TrainProb, c.Sampling.Reduce, c.Sampling.Seed+1)
	return predict, train
}

// StageOption of the configuration.
func (c Config) StageOption() profiling.StageOption {
	return profiling.StageOption{
		ImbalanceTolerance:      c.ImbalanceTolerance,
		CachedProfileResult:     c.CachedProfileResult,
		ProfileWithWholeCluster: c.WholeCluster,
	}
}
