// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/predtop/pkg/stages"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, []stages.MeshChoice{
		{NumHosts: 1, NumDevicesPerHost: 1}, {NumHosts: 1, NumDevicesPerHost: 2},
		{NumHosts: 1, NumDevicesPerHost: 4}, {NumHosts: 1, NumDevicesPerHost: 8}}, c.MeshChoices())
	configs, err := c.ShardingConfigs()
	require.NoError(t, err)
	require.Len(t, configs, 4)
	assert.Len(t, configs[0], 1)
	assert.Equal(t, []int{4, 1}, configs[2][1].LogicalShape())

	predict, train := c.Samplers()
	assert.Equal(t, 1.0, predict.Prob)
	assert.Equal(t, 0.3, train.Prob)
}

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "predtop.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
model_load_dir: ~/models
result_dir: /tmp/results
sampling:
  predict_prob: 0.5
  seed: 7
hyperparameters:
  num_steps: 10
cluster:
  num_hosts: 2
  num_devices_per_host: 4
meshes:
  - num_hosts: 1
    num_devices_per_host: 4
    configs:
      - logical_shape: [2, 2]
        options: {force_dp: "true"}
  - num_hosts: 2
    num_devices_per_host: 4
    configs:
      - logical_shape: [8]
`)
	c, err := Load(path)
	require.NoError(t, err)
	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "models"), c.ModelLoadDir)
	assert.Equal(t, "/tmp/results", c.ResultDir)
	assert.Equal(t, 0.5, c.Sampling.PredictProb)
	assert.Equal(t, 0.3, c.Sampling.TrainProb, "defaults are kept")
	assert.Equal(t, uint64(7), c.Sampling.Seed)
	assert.Equal(t, 10, c.Hyperparameters.NumSteps)
	assert.Equal(t, 32, c.Hyperparameters.NumHiddenNodes)
	assert.Equal(t, Default().Model.HiddenSizes, c.Model.HiddenSizes)
	require.Len(t, c.Meshes, 2)

	configs, err := c.ShardingConfigs()
	require.NoError(t, err)
	assert.True(t, configs[0][0].Options.Equal(stages.ShardingOptions{"force_dp": "true"}))
	assert.Empty(t, c.StageOption().CachedProfileResult)
}

func TestLoadErrors(t *testing.T) {
	for name, contents := range map[string]string{
		"unknown field":     "no_such_field: 1\n",
		"bad probability":   "sampling: {predict_prob: 2}\n",
		"bad activation":    "hyperparameters: {activation: softmax}\n",
		"mesh too large":    "meshes: [{num_hosts: 2, num_devices_per_host: 1, configs: [{logical_shape: [2]}]}]\n",
		"wrong mesh size":   "meshes: [{num_hosts: 1, num_devices_per_host: 4, configs: [{logical_shape: [2]}]}]\n",
		"no configs":        "meshes: [{num_hosts: 1, num_devices_per_host: 4, configs: []}]\n",
		"odd hidden sizes":  "model: {batch_size: 8, hidden_sizes: [4, 5, 4]}\n",
		"not yaml":          "meshes: [\n",
		"micro-batches < 1": "num_micro_batches: 0\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, contents))
			assert.Error(t, err)
		})
	}
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestSaveLoad(t *testing.T) {
	c := Default()
	c.ResultDir = "/tmp/results"
	path := filepath.Join(t.TempDir(), "sub", "predtop.yaml")
	require.NoError(t, c.Save(path))
	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, c, loaded)
}
