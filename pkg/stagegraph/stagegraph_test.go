// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stagegraph

import (
	"bytes"
	"testing"

	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/gomlx/predtop/pkg/synthetic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// handBuilt exercises every rule of the builder:
//
//	a = start_marker x          -> alias of input x
//	y = add a c                 -> operation
//	y2 = reshape y              -> alias of y
//	z = remat2 { q = tanh p ; r = mul q 2.0 } y2
//	z1, z2 = split z            -> operation + 2 intermediates
//	m = start_marker z1         -> intermediate
//	e = end_marker m            -> alias of m
//	outputs: e, e, x, c
func handBuilt() *ir.Jaxpr {
	b := ir.NewBuilder()
	s := shapes.Make(dtypes.Float32, 4)
	c := b.NewVar(s, "c")
	x := b.NewVar(s, "x")
	start, as := b.Marker(ir.MarkerStart, "layer", []*ir.Var{x})
	add, y := b.Op(ir.Add, s, as[0], c)
	reshape, y2 := b.Op(ir.Reshape, s, y)

	p := b.NewVar(s, "p")
	tanh, q := b.Op(ir.Tanh, s, p)
	mul, r := b.Op(ir.Mul, s, q, ir.ScalarLiteral(dtypes.Float32, 2))
	sub := &ir.Jaxpr{InVars: []*ir.Var{p}, OutVars: []*ir.Var{r}, Eqns: []*ir.Eqn{tanh, mul}}
	z := b.NewVar(s, "z")
	remat := ir.Call(ir.Remat, "checkpoint", sub, []ir.Atom{y2}, []*ir.Var{z})

	split, zs := b.OpN(ir.Split, []shapes.Shape{shapes.Make(dtypes.Float32, 2), shapes.Make(dtypes.Float32, 2)}, z)
	start2, ms := b.Marker(ir.MarkerStart, "layer2", zs[:1])
	end, es := b.Marker(ir.MarkerEnd, "layer2", ms)
	return &ir.Jaxpr{
		ConstVars: []*ir.Var{c},
		InVars:    []*ir.Var{x},
		OutVars:   []*ir.Var{es[0], es[0], x, c},
		Eqns:      []*ir.Eqn{start, add, reshape, remat, split, start2, end},
	}
}

func TestBuildRules(t *testing.T) {
	j := handBuilt()
	require.NoError(t, j.Validate())
	g, err := BuildE(j)
	require.NoError(t, err)
	t.Log(g)

	require.Equal(t, 12, g.NumNodes())
	counts := g.KindCounts()
	assert.Equal(t, 1, counts[KindInput])
	assert.Equal(t, 1, counts[KindConstant])
	assert.Equal(t, 1, counts[KindLiteral])
	assert.Equal(t, 4, counts[KindOperation])
	assert.Equal(t, 2, counts[KindIntermediate])
	assert.Equal(t, 3, counts[KindOutput])
	assert.Equal(t, 3, g.NumRemat())
	assert.Equal(t, 11, g.NumEdges())

	assert.Equal(t, KindConstant, g.Nodes[0].Kind)
	assert.Equal(t, KindInput, g.Nodes[1].Kind)
	assert.Equal(t, ir.Add, g.Nodes[2].Primitive)
	assert.Contains(t, g.Edges, Edge{From: 1, To: 2}, "start marker on a stage input collapses to the input")
	assert.Contains(t, g.Edges, Edge{From: 2, To: 3}, "reshape collapses to its input")
	assert.True(t, g.Nodes[4].Remat)
	assert.Equal(t, KindLiteral, g.Nodes[4].Kind)
	assert.Equal(t, ir.Split, g.Nodes[6].Primitive)
	assert.Equal(t, KindIntermediate, g.Nodes[7].Kind)
	assert.Equal(t, KindOutput, g.Nodes[9].Kind, "end marker collapses to the start marker node, tagged output")

	assert.Equal(t, []NodeID{9, 9, 10, 11}, g.Outputs)
	assert.Equal(t, []int{1}, g.OutputAliases)
	assert.Contains(t, g.Edges, Edge{From: 1, To: 10})
	assert.Contains(t, g.Edges, Edge{From: 0, To: 11})

	depths := g.Depths()
	assert.Equal(t, 0, depths[1])
	assert.Equal(t, 6, depths[9])
}

func forwardModule(t *testing.T, numLayers int, c stages.Candidate) *ir.Jaxpr {
	input := synthetic.New(synthetic.DefaultConfig(numLayers))
	stage, err := stages.NewAssembler(input).Assemble(c, false)
	require.NoError(t, err)
	return stage.Forward()
}

func TestBuildDeterministic(t *testing.T) {
	j := forwardModule(t, 6, stages.Candidate{Start: 1, End: 4})
	g1 := Build(j)
	g2 := Build(j)
	assert.Equal(t, g1.NumNodes(), g2.NumNodes())
	assert.Equal(t, g1.NumEdges(), g2.NumEdges())
	assert.Equal(t, g1.KindCounts(), g2.KindCounts())
	assert.Equal(t, g1, g2)

	// A separately generated but identical model gives the same graph.
	g3 := Build(forwardModule(t, 6, stages.Candidate{Start: 1, End: 4}))
	assert.Equal(t, g1, g3)
}

func TestBuildStage(t *testing.T) {
	j := forwardModule(t, 5, stages.Candidate{Start: 0, End: 4})
	g, err := BuildE(j)
	require.NoError(t, err)

	require.Len(t, g.Outputs, len(j.OutVars))
	for _, out := range g.Outputs {
		assert.Equal(t, KindOutput, g.Nodes[out].Kind)
	}
	for _, e := range g.Edges {
		require.Less(t, e.From, e.To, "nodes must be in topological order")
	}
	counts := g.KindCounts()
	assert.Equal(t, len(j.InVars), counts[KindInput])
	assert.Positive(t, g.NumRemat(), "layers 0 and 3 are rematerialized")

	// Wider stages have larger graphs.
	narrow := Build(forwardModule(t, 5, stages.Candidate{Start: 0, End: 1}))
	assert.Less(t, narrow.NumNodes(), g.NumNodes())
	assert.Less(t, narrow.NumEdges(), g.NumEdges())
}

func TestBuildErrors(t *testing.T) {
	j := handBuilt()
	j.Eqns[0], j.Eqns[1] = j.Eqns[1], j.Eqns[0]
	_, err := BuildE(j)
	require.Error(t, err)

	j = handBuilt()
	j.Eqns[0].Params.Marker = ir.MarkerNone
	_, err = BuildE(j)
	require.Error(t, err)
}

func TestResolver(t *testing.T) {
	r := newResolver()
	r.bind(key{0, 0}, 7)
	const chain = 1000
	for i := 1; i <= chain; i++ {
		r.alias(key{0, ir.VarID(i)}, key{0, ir.VarID(i - 1)})
	}
	assert.Equal(t, NodeID(7), r.find(key{0, chain}))
	assert.Equal(t, key{0, 0}, r.entries[key{0, chain}].parent, "path compressed to the root")
	assert.Equal(t, key{0, 0}, r.entries[key{0, chain / 2}].parent)
	assert.Equal(t, NodeID(7), r.find(key{0, 1}))

	// Same variable in another scope is a different key.
	assert.False(t, r.has(key{1, 0}))
	assert.Panics(t, func() { r.find(key{1, 0}) })
	assert.Panics(t, func() { r.bind(key{0, 3}, 1) })
	assert.Panics(t, func() { r.alias(key{0, chain + 1}, key{2, 0}) })
}

func TestWriteDOT(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Build(handBuilt()).WriteDOT(&buf, "test"))
	dot := buf.String()
	assert.Contains(t, dot, `digraph "test"`)
	assert.Contains(t, dot, "n1 -> n2;")
	assert.Contains(t, dot, "style=dashed")
}
