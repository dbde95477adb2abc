// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages_test

import (
	"math/rand/v2"
	"testing"

	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/gomlx/predtop/pkg/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSamplerBounds(t *testing.T) {
	for numLayers := 1; numLayers <= 16; numLayers++ {
		for _, prob := range []float64{0.1, 0.3, 0.5, 1} {
			for _, reduce := range []int{0, 1, 3} {
				s := stages.NewSampler(prob, reduce, uint64(numLayers))
				candidates := s.Sample(numLayers)
				assert.LessOrEqual(t, len(candidates), max(s.TargetCount(numLayers), 0))
				for _, c := range candidates {
					require.NoError(t, c.Validate(numLayers), "numLayers=%d, prob=%g, reduce=%d", numLayers, prob, reduce)
				}
			}
		}
	}
}

func TestSamplerDeterminism(t *testing.T) {
	first := stages.NewSampler(0.3, 0, 42).Sample(24)
	second := stages.NewSampler(0.3, 0, 42).Sample(24)
	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestSamplerExhaustive(t *testing.T) {
	numLayers := 6
	candidates := stages.NewSampler(1, 0, 0).Sample(numLayers)
	require.Len(t, candidates, numLayers*(numLayers+1)/2)
	unique := sets.MakeWith(candidates...)
	assert.Len(t, unique, len(candidates))
	assert.True(t, unique.Has(stages.Candidate{Start: 0, End: numLayers - 1}))
	assert.True(t, unique.Has(stages.Candidate{Start: 3, End: 3}))
}

func TestSamplerCoarse(t *testing.T) {
	numLayers := 20
	s := stages.NewSampler(0.3, 0, 7)
	candidates := s.Sample(numLayers)
	assert.NotEmpty(t, candidates)
	assert.LessOrEqual(t, len(candidates), s.TargetCount(numLayers))
	for _, c := range candidates {
		assert.GreaterOrEqual(t, c.Width(), 2, "narrow candidates are not sampled coarsely")
	}

	s = stages.NewSampler(0.3, 0, 7)
	s.ExcludeStarts = sets.MakeWith(0, 1)
	for _, c := range s.Sample(numLayers) {
		assert.Greater(t, c.Start, 1)
	}
}

func TestCandidatesFor(t *testing.T) {
	sampler := stages.NewSampler(1, 0, 0)
	assert.Equal(t, []stages.Candidate{{Start: 0, End: 3}}, stages.CandidatesFor(4, 8, 8, nil, sampler))

	explicit := []stages.Candidate{{Start: 1, End: 2}}
	assert.Equal(t, explicit, stages.CandidatesFor(4, 4, 8, explicit, sampler))
	assert.Len(t, stages.CandidatesFor(4, 4, 8, nil, sampler), 10)
}

func TestPlanChunks(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 100 {
		n := rng.IntN(50)
		candidates := make([]stages.Candidate, n)
		for i := range candidates {
			start := rng.IntN(40)
			candidates[i] = stages.Candidate{Start: start, End: start + rng.IntN(30)}
		}
		limit := 1 + rng.IntN(40)
		chunks := stages.PlanChunks(candidates, limit)

		var joined []stages.Candidate
		for _, chunk := range chunks {
			require.NotEmpty(t, chunk)
			total := 0
			for _, c := range chunk {
				total += c.Width()
			}
			if total > limit {
				require.Len(t, chunk, 1, "only single oversized candidates may exceed the limit")
			}
			joined = append(joined, chunk...)
		}
		require.Equal(t, len(candidates), len(joined))
		if n > 0 {
			require.Equal(t, candidates, joined)
		}
	}
}

func TestPlanChunksOversized(t *testing.T) {
	candidates := []stages.Candidate{{0, 2}, {0, 10}, {3, 4}, {1, 2}}
	chunks := stages.PlanChunks(candidates, 5)
	assert.Equal(t, [][]stages.Candidate{{{0, 2}}, {{0, 10}}, {{3, 4}, {1, 2}}}, chunks)
}

type recordingLowerer struct {
	names []string
}

func (l *recordingLowerer) Lower(name string, merged *ir.Jaxpr, donated []bool) ([]byte, error) {
	l.names = append(l.names, name)
	return []byte(name), nil
}

func TestAssemble(t *testing.T) {
	input := synthetic.New(synthetic.DefaultConfig(4))
	lowerer := &recordingLowerer{}
	a := stages.NewAssembler(input)
	a.Lowerer = lowerer

	stage, err := a.Assemble(stages.Candidate{Start: 1, End: 2}, false)
	require.NoError(t, err)
	assert.Empty(t, lowerer.names)
	assert.Equal(t, "stage_1_2", stage.Name)
	require.Len(t, stage.Modules, 3)
	for _, m := range stage.Modules {
		require.NoError(t, m.Validate())
	}
	require.NoError(t, stage.Config.Compile.Merged.Validate())
	assert.Equal(t, 2, stage.Config.NumModules)
	assert.Equal(t, []string{"stage_1_2_acc_grad_0", "stage_1_2_acc_grad_1", "stage_1_2_apply_grad"},
		stage.Config.Compile.ModuleNames)

	// Forward module: inputs are the activation entering layer 1 and the weights of layers 1 and 2.
	forward := stage.Config.ModuleProfiles[0]
	assert.Len(t, forward.InVarNames, 3)
	assert.Contains(t, forward.InVarNames, "w1")
	assert.Contains(t, forward.InVarNames, "w2")
	assert.Len(t, forward.OutVarNames, 5)
	assert.Empty(t, forward.AccGradInVarsIndices)
	assert.NotContains(t, forward.Donated, true)

	// Backward module: the accumulators of layers 1 and 2 are donated.
	backward := stage.Config.ModuleProfiles[1]
	assert.Len(t, backward.AccGradInVarsIndices, 2)
	assert.Len(t, backward.AccGradOutVarsIndices, 2)
	numDonated := 0
	for i, donated := range backward.Donated {
		if donated {
			numDonated++
			assert.Contains(t, backward.AccGradInVarsIndices, i)
		}
	}
	assert.Equal(t, 2, numDonated)

	// Gradient-apply: its inputs (weights and accumulators) are all at module boundaries.
	require.NotNil(t, stage.Config.ApplyGrad)
	assert.Len(t, stage.Config.ApplyGrad.InVars, 4)
	assert.Empty(t, stage.Config.ApplyGrad.ApplyOnlyInVars)

	// Whole stage: weights and accumulators are donated.
	numDonated = 0
	for _, donated := range stage.Config.Compile.Donated {
		if donated {
			numDonated++
		}
	}
	assert.Equal(t, 4, numDonated)

	stage, err = a.Assemble(stages.Candidate{Start: 0, End: 3}, true)
	require.NoError(t, err)
	assert.Equal(t, []string{"stage_0_3"}, lowerer.names)
	assert.Equal(t, []byte("stage_0_3"), stage.Config.Compile.Lowered)
}

func TestAssembleAll(t *testing.T) {
	input := synthetic.New(synthetic.DefaultConfig(3))
	candidates := stages.NewSampler(1, 0, 0).Sample(3)
	merged, err := stages.NewAssembler(input).AssembleAll(candidates, false)
	require.NoError(t, err)
	require.Len(t, merged, len(candidates))
	for i, stage := range merged {
		assert.Equal(t, candidates[i], stage.Candidate)
		require.NoError(t, stage.Forward().Validate())
	}
}

func TestAssemblePreconditions(t *testing.T) {
	input := synthetic.New(synthetic.DefaultConfig(3))
	a := stages.NewAssembler(input)
	assert.Panics(t, func() { _, _ = a.Assemble(stages.Candidate{Start: 2, End: 3}, false) })
	assert.Panics(t, func() { _, _ = a.Assemble(stages.Candidate{Start: 2, End: 1}, false) })

	input.Layers = input.Layers[:5]
	assert.Panics(t, func() { stages.NewAssembler(input) })
}

func TestCandidateIndices(t *testing.T) {
	c := stages.Candidate{Start: 1, End: 2}
	assert.Equal(t, []int{1, 2}, c.ForwardIndices())
	assert.Equal(t, []int{5, 6}, c.BackwardIndices(4))
	assert.Equal(t, 1, c.Width())
	assert.Equal(t, "(1, 2)", c.String())
}

func TestShardingConfig(t *testing.T) {
	cfg, err := stages.NewShardingConfig([]int{2, 4}, stages.ShardingOptions{"force_dp": "true"})
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, cfg.LogicalShape())
	assert.True(t, cfg.Options.Equal(stages.ShardingOptions{"force_dp": "true"}))
	assert.False(t, cfg.Options.Equal(stages.ShardingOptions{}))
	assert.Equal(t, 8, stages.MeshChoice{NumHosts: 2, NumDevicesPerHost: 4}.NumDevices())
}
