// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package stagegraph converts the forward computation of a stage to an attributed dependency graph,
// the representation consumed by the cost model.
//
// Nested computations (rematerialized regions, named calls and custom derivative calls) are inlined,
// pass-through operations (pipeline end markers, reshapes, type conversions and plain broadcasts) are
// collapsed, and each literal occurrence gets its own node.
package stagegraph

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/predtop/pkg/ir"
)

// NodeID identifies a node in a Graph: its position in Graph.Nodes.
type NodeID int

// Kind of node.
type Kind int

const (
	KindInput Kind = iota
	KindConstant
	KindLiteral
	KindIntermediate
	KindOutput
	KindOperation

	// NumKinds is the number of kinds of nodes.
	NumKinds int = iota
)

var kindNames = [NumKinds]string{"input", "constant", "literal", "intermediate", "output", "operation"}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k < 0 || int(k) >= NumKinds {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Node of a stage graph.
type Node struct {
	ID   NodeID
	Kind Kind

	// Var is the variable the node was created for, or ir.InvalidVarID for literals and for operations
	// with multiple results.
	Var ir.VarID

	// Primitive of operation nodes. For other kinds of nodes it is empty, except for intermediate nodes
	// created for start markers and multiple results, which carry the primitive that created them.
	Primitive ir.Primitive

	Label string
	Shape shapes.Shape

	// Remat is set for nodes computed in a rematerialized region: they are recomputed in the backward pass.
	Remat bool
}

// Edge is a data dependency: To uses the value computed by From.
type Edge struct {
	From, To NodeID
}

// Graph is the dependency graph of a stage computation.
//
// Nodes are created in topological order: for every edge From < To.
type Graph struct {
	Nodes []Node
	Edges []Edge

	// Outputs hold for each output of the computation the node that holds its value.
	Outputs []NodeID

	// OutputAliases lists the positions of the outputs that alias an earlier output (same node).
	OutputAliases []int
}

// NumNodes in the graph.
func (g *Graph) NumNodes() int { return len(g.Nodes) }

// NumEdges in the graph.
func (g *Graph) NumEdges() int { return len(g.Edges) }

// KindCounts returns the number of nodes of each kind.
func (g *Graph) KindCounts() [NumKinds]int {
	var counts [NumKinds]int
	for _, n := range g.Nodes {
		counts[n.Kind]++
	}
	return counts
}

// NumRemat returns the number of rematerialized nodes.
func (g *Graph) NumRemat() int {
	count := 0
	for _, n := range g.Nodes {
		if n.Remat {
			count++
		}
	}
	return count
}

// Predecessors returns for each node the list of nodes it depends on, in edge order.
func (g *Graph) Predecessors() [][]NodeID {
	preds := make([][]NodeID, len(g.Nodes))
	for _, e := range g.Edges {
		preds[e.To] = append(preds[e.To], e.From)
	}
	return preds
}

// Depths returns for each node the length of the longest path from any source node to it.
func (g *Graph) Depths() []int {
	depths := make([]int, len(g.Nodes))
	for _, e := range g.Edges {
		// Edges are sorted by To, and From < To, so depths[e.From] is final.
		depths[e.To] = max(depths[e.To], depths[e.From]+1)
	}
	return depths
}

// String returns a one-line summary of the graph.
func (g *Graph) String() string {
	counts := g.KindCounts()
	parts := make([]string, 0, NumKinds)
	for k, c := range counts {
		if c > 0 {
			parts = append(parts, fmt.Sprintf("%s=%s", Kind(k), humanize.Comma(int64(c))))
		}
	}
	return fmt.Sprintf("StageGraph{nodes=%s, edges=%s, %s, remat=%d}",
		humanize.Comma(int64(len(g.Nodes))), humanize.Comma(int64(len(g.Edges))), strings.Join(parts, ", "), g.NumRemat())
}
