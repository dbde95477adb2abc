// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package synthetic

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	cfg := DefaultConfig(5)
	input := New(cfg)
	require.Equal(t, 5, input.NumLayers())
	require.Len(t, input.Layers, 10)
	require.Len(t, input.ApplyGradLayers, 5)
	assert.Len(t, input.AccGradInVars, 5)
	assert.Len(t, input.AccGradOutVars, 5)
	assert.Len(t, input.AccumulatorMapping, 5)
	assert.Len(t, input.ApplyGrad.Donation, 5)

	for i, layer := range input.Layers {
		require.NoError(t, layer.Jaxpr.Validate(), "layer #%d %s", i, layer.Name)
		assert.True(t, layer.IsMarked(), "layer #%d %s", i, layer.Name)
	}
	assert.Equal(t, "layer_0", input.Layers[0].Name)
	assert.Equal(t, "layer_0_backward", input.Layers[9].Name)
	assert.Equal(t, "layer_4_backward", input.Layers[5].Name)
	for _, layer := range input.ApplyGradLayers {
		require.NoError(t, layer.Jaxpr.Validate())
		assert.False(t, layer.IsMarked())
	}

	// Each forward layer feeds the next one.
	for i := 0; i+1 < 5; i++ {
		assert.Equal(t, input.Layers[i].OutVars()[0].ID, input.Layers[i+1].InVars()[0].ID)
	}
	// The last forward output seeds the backward pass.
	assert.Equal(t, input.Layers[4].OutVars()[0].ID, input.Layers[5].InVars()[0].ID)
}

func TestNewInvalid(t *testing.T) {
	assert.Panics(t, func() { New(Config{BatchSize: 2, HiddenSizes: []int{4}}) })
	assert.Panics(t, func() { New(Config{BatchSize: 2, HiddenSizes: []int{4, 3}}) })
}
