// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package costmodel

import (
	"math"

	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/stagegraph"
)

// FeatureVersion is stored with saved models: models saved with another version of the features
// can't be loaded.
const FeatureVersion = 1

// Category groups primitives with similar cost behavior.
type Category int

const (
	CategoryMatMul Category = iota
	CategoryElementwise
	CategoryReduction
	CategoryLayout
	CategoryActivation
	CategoryOther

	// NumCategories is the number of primitive categories.
	NumCategories int = iota
)

// CategoryOf returns the category of the primitive.
func CategoryOf(p ir.Primitive) Category {
	switch p {
	case ir.DotGeneral:
		return CategoryMatMul
	case ir.Add, ir.Sub, ir.Mul, ir.Div, ir.Neg, ir.Max, ir.Select:
		return CategoryElementwise
	case ir.ReduceSum, ir.ReduceMax:
		return CategoryReduction
	case ir.Transpose, ir.Split, ir.Concat, ir.Gather, ir.Scatter, ir.BroadcastInDim, ir.Reshape:
		return CategoryLayout
	case ir.Exp, ir.Log, ir.Tanh, ir.Logistic, ir.Rsqrt:
		return CategoryActivation
	default:
		return CategoryOther
	}
}

// Layout of the feature vector.
const (
	featKindCounts   = 0
	featKindSizes    = featKindCounts + stagegraph.NumKinds
	featOpBytes      = featKindSizes + stagegraph.NumKinds
	featRematFrac    = featOpBytes + 1
	featEdges        = featRematFrac + 1
	featDepth        = featEdges + 1
	featCatCounts    = featDepth + 1
	featCatSizes     = featCatCounts + NumCategories
	featDotFlops     = featCatSizes + NumCategories
	featNeighborSize = featDotFlops + 1
	featAliases      = featNeighborSize + 1

	// NumFeatures is the length of the vector returned by Features.
	NumFeatures = featAliases + 1
)

// Features returns a fixed-width description of the graph. Counts and sizes are log1p scaled.
//
// Features are a function of the graph only, so the same graph always gives the same features.
func Features(g *stagegraph.Graph) []float32 {
	f := make([]float64, NumFeatures)
	preds := g.Predecessors()
	var opBytes, dotFlops, neighborSum float64
	numRemat, numWithPreds := 0, 0
	for _, n := range g.Nodes {
		size := float64(n.Shape.Size())
		f[featKindCounts+int(n.Kind)]++
		f[featKindSizes+int(n.Kind)] += size
		if n.Remat {
			numRemat++
		}
		if len(preds[n.ID]) > 0 {
			// One hop of mean aggregation of the neighbors' sizes.
			var sum float64
			for _, p := range preds[n.ID] {
				sum += math.Log1p(float64(g.Nodes[p].Shape.Size()))
			}
			neighborSum += sum / float64(len(preds[n.ID]))
			numWithPreds++
		}
		if n.Kind != stagegraph.KindOperation {
			continue
		}
		opBytes += float64(n.Shape.Memory())
		cat := CategoryOf(n.Primitive)
		f[featCatCounts+int(cat)]++
		f[featCatSizes+int(cat)] += size
		if cat == CategoryMatMul {
			dotFlops += MatMulFlops(g, n, preds[n.ID])
		}
	}
	for i := featKindCounts; i < featOpBytes; i++ {
		f[i] = math.Log1p(f[i])
	}
	for i := featCatCounts; i < featDotFlops; i++ {
		f[i] = math.Log1p(f[i])
	}
	f[featOpBytes] = math.Log1p(opBytes)
	if len(g.Nodes) > 0 {
		f[featRematFrac] = float64(numRemat) / float64(len(g.Nodes))
	}
	f[featEdges] = math.Log1p(float64(g.NumEdges()))
	maxDepth := 0
	for _, d := range g.Depths() {
		maxDepth = max(maxDepth, d)
	}
	f[featDepth] = math.Log1p(float64(maxDepth))
	f[featDotFlops] = math.Log1p(dotFlops)
	if numWithPreds > 0 {
		f[featNeighborSize] = neighborSum / float64(numWithPreds)
	}
	f[featAliases] = math.Log1p(float64(len(g.OutputAliases)))

	features := make([]float32, NumFeatures)
	for i, v := range f {
		features[i] = float32(v)
	}
	return features
}

// MatMulFlops estimates the flops (2 per multiply-add) of a dot product from the sizes of its operands and result:
// for [a, k] x [k, b] -> [a, b] the contracted dimension is sqrt(a·k · k·b / a·b).
func MatMulFlops(g *stagegraph.Graph, n stagegraph.Node, preds []stagegraph.NodeID) float64 {
	out := float64(n.Shape.Size())
	if len(preds) < 2 || out == 0 {
		return 0
	}
	lhs := float64(g.Nodes[preds[0]].Shape.Size())
	rhs := float64(g.Nodes[preds[1]].Shape.Size())
	contracted := math.Sqrt(lhs * rhs / out)
	return 2 * out * contracted
}
