// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stagegraph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/pkg/errors"
)

// state is the graph under construction. It is threaded explicitly through the build functions: each one
// takes the current state and returns the updated one, which the caller must use from then on.
type state struct {
	graph     Graph
	edgeSet   sets.Set[Edge]
	resolver  *resolver
	numScopes int
}

// scope is the lexical context of the computation being built. Immutable.
type scope struct {
	id     int
	parent *scope
	remat  bool
}

func (sc *scope) key(v *ir.Var) key { return key{scope: sc.id, id: v.ID} }

// Build converts the computation to a Graph. The same computation always yields the same graph.
//
// It panics if the computation is malformed, see BuildE for a version that returns an error.
func Build(j *ir.Jaxpr) *Graph {
	st := state{edgeSet: sets.Make[Edge](), resolver: newResolver(), numScopes: 1}
	root := &scope{id: 0}
	for _, v := range j.ConstVars {
		st = st.bindNewNode(root, v, Node{Kind: KindConstant})
	}
	for _, v := range j.InVars {
		st = st.bindNewNode(root, v, Node{Kind: KindInput})
	}
	st = buildEqns(st, root, j.Eqns)
	st = tagOutputs(st, root, j.OutVars)
	g := st.graph
	return &g
}

// BuildE is like Build, but validates the computation first and returns an error instead of panicking.
func BuildE(j *ir.Jaxpr) (*Graph, error) {
	if err := j.Validate(); err != nil {
		return nil, errors.WithMessage(err, "invalid stage computation")
	}
	var g *Graph
	err := exceptions.TryCatch[error](func() { g = Build(j) })
	if err != nil {
		return nil, err
	}
	return g, nil
}

func buildEqns(st state, sc *scope, eqns []*ir.Eqn) state {
	for _, eqn := range eqns {
		st = buildEqn(st, sc, eqn)
	}
	return st
}

func buildEqn(st state, sc *scope, eqn *ir.Eqn) state {
	switch {
	case eqn.Primitive == ir.PipelineMarker:
		return buildMarker(st, sc, eqn)
	case isPassThrough(eqn):
		return st.aliasAtom(sc, eqn.Outputs[0], eqn.Inputs[0])
	case eqn.Primitive.HasSubJaxpr():
		return inline(st, sc, eqn)
	default:
		return buildOp(st, sc, eqn)
	}
}

// isPassThrough returns whether the equation only changes the shape or type of its single input.
func isPassThrough(eqn *ir.Eqn) bool {
	switch eqn.Primitive {
	case ir.Reshape, ir.ConvertElementType, ir.BroadcastInDim:
		return len(eqn.Inputs) == 1 && len(eqn.Outputs) == 1
	}
	return false
}

// buildMarker collapses end markers, and start markers on a stage input. Other start markers become
// intermediate nodes.
func buildMarker(st state, sc *scope, eqn *ir.Eqn) state {
	if len(eqn.Inputs) != len(eqn.Outputs) {
		exceptions.Panicf("stagegraph: %s marker %q with %d inputs and %d outputs",
			eqn.Params.Marker, eqn.Params.Name, len(eqn.Inputs), len(eqn.Outputs))
	}
	switch eqn.Params.Marker {
	case ir.MarkerEnd:
		for i, out := range eqn.Outputs {
			st = st.aliasAtom(sc, out, eqn.Inputs[i])
		}
	case ir.MarkerStart:
		for i, out := range eqn.Outputs {
			var src NodeID
			st, src = st.resolveAtom(sc, eqn.Inputs[i])
			if st.graph.Nodes[src].Kind == KindInput {
				st.resolver.bind(sc.key(out), src)
				continue
			}
			st = st.bindNewNode(sc, out, Node{Kind: KindIntermediate, Primitive: ir.PipelineMarker})
			st = st.addEdge(src, st.lastNode())
		}
	default:
		exceptions.Panicf("stagegraph: pipeline marker %q without a marker type", eqn.Params.Name)
	}
	return st
}

// inline builds the sub-computation of the equation in a new scope, binding its inputs to the actual
// values and the equation outputs to its results. Closed-over constants resolve to the enclosing ones.
func inline(st state, sc *scope, eqn *ir.Eqn) state {
	sub := eqn.Params.Sub
	if sub == nil || len(sub.InVars) != len(eqn.Inputs) || len(sub.OutVars) != len(eqn.Outputs) {
		exceptions.Panicf("stagegraph: %s %q does not match its sub-computation", eqn.Primitive, eqn.Params.Name)
	}
	child := &scope{id: st.numScopes, parent: sc, remat: sc.remat || eqn.Primitive == ir.Remat}
	st.numScopes++
	for _, c := range sub.ConstVars {
		if outer := sc.key(c); st.resolver.has(outer) {
			st.resolver.alias(child.key(c), outer)
			continue
		}
		st = st.bindNewNode(child, c, Node{Kind: KindConstant})
	}
	for i, formal := range sub.InVars {
		st = st.bindFormal(child, formal, sc, eqn.Inputs[i])
	}
	st = buildEqns(st, child, sub.Eqns)
	for i, out := range eqn.Outputs {
		st.resolver.alias(sc.key(out), child.key(sub.OutVars[i]))
	}
	return st
}

// buildOp creates the operation node, with edges from its inputs. Operations with multiple results get an
// intermediate node per result.
func buildOp(st state, sc *scope, eqn *ir.Eqn) state {
	sources := make([]NodeID, len(eqn.Inputs))
	for i, in := range eqn.Inputs {
		st, sources[i] = st.resolveAtom(sc, in)
	}
	single := len(eqn.Outputs) == 1 && !eqn.MultipleResults
	op := Node{Kind: KindOperation, Var: ir.InvalidVarID, Primitive: eqn.Primitive, Label: string(eqn.Primitive), Remat: sc.remat}
	if len(eqn.Outputs) > 0 {
		op.Shape = eqn.Outputs[0].Shape
	}
	if single {
		op.Var = eqn.Outputs[0].ID
	}
	var opID NodeID
	st, opID = st.addNode(op)
	for _, src := range sources {
		st = st.addEdge(src, opID)
	}
	if single {
		st.resolver.bind(sc.key(eqn.Outputs[0]), opID)
		return st
	}
	for _, out := range eqn.Outputs {
		st = st.bindNewNode(sc, out, Node{Kind: KindIntermediate, Primitive: eqn.Primitive})
		st = st.addEdge(opID, st.lastNode())
	}
	return st
}

// tagOutputs makes sure every output resolves to exactly one node of kind output.
func tagOutputs(st state, sc *scope, outVars []*ir.Var) state {
	outputOf := make(map[NodeID]NodeID, len(outVars))
	for i, v := range outVars {
		src := st.resolver.find(sc.key(v))
		if out, found := outputOf[src]; found {
			st.graph.Outputs = append(st.graph.Outputs, out)
			st.graph.OutputAliases = append(st.graph.OutputAliases, i)
			continue
		}
		var out NodeID
		switch st.graph.Nodes[src].Kind {
		case KindInput, KindConstant, KindLiteral:
			st, out = st.addNode(Node{Kind: KindOutput, Var: v.ID, Label: v.String(), Shape: v.Shape})
			st = st.addEdge(src, out)
		default:
			st.graph.Nodes[src].Kind = KindOutput
			out = src
		}
		outputOf[src] = out
		st.graph.Outputs = append(st.graph.Outputs, out)
	}
	return st
}

func (st state) addNode(n Node) (state, NodeID) {
	n.ID = NodeID(len(st.graph.Nodes))
	st.graph.Nodes = append(st.graph.Nodes, n)
	return st, n.ID
}

func (st state) lastNode() NodeID {
	return NodeID(len(st.graph.Nodes) - 1)
}

func (st state) addEdge(from, to NodeID) state {
	e := Edge{From: from, To: to}
	if st.edgeSet.Has(e) {
		return st
	}
	st.edgeSet.Insert(e)
	st.graph.Edges = append(st.graph.Edges, e)
	return st
}

// bindNewNode creates a node for the variable v and binds v to it. The node gets its variable, label,
// shape and remat fields from v and the scope.
func (st state) bindNewNode(sc *scope, v *ir.Var, n Node) state {
	n.Var = v.ID
	n.Label = v.String()
	n.Shape = v.Shape
	n.Remat = sc.remat
	var id NodeID
	st, id = st.addNode(n)
	st.resolver.bind(sc.key(v), id)
	return st
}

// addLiteral creates a new node for one occurrence of a literal.
func (st state) addLiteral(sc *scope, l *ir.Literal) (state, NodeID) {
	return st.addNode(Node{Kind: KindLiteral, Var: ir.InvalidVarID, Label: l.String(), Shape: l.Shape, Remat: sc.remat})
}

// resolveAtom returns the node holding the value of the atom. Literals get a new node.
func (st state) resolveAtom(sc *scope, a ir.Atom) (state, NodeID) {
	switch atom := a.(type) {
	case *ir.Var:
		return st, st.resolver.find(sc.key(atom))
	case *ir.Literal:
		return st.addLiteral(sc, atom)
	default:
		exceptions.Panicf("stagegraph: unknown atom type %T", a)
		return st, -1
	}
}

// aliasAtom makes out resolve to the same node as the atom in, in the same scope.
func (st state) aliasAtom(sc *scope, out *ir.Var, in ir.Atom) state {
	return st.bindFormal(sc, out, sc, in)
}

// bindFormal makes the variable formal of scope sc resolve to the same node as the atom actual of scope
// outer.
func (st state) bindFormal(sc *scope, formal *ir.Var, outer *scope, actual ir.Atom) state {
	if v := ir.AsVar(actual); v != nil {
		st.resolver.alias(sc.key(formal), outer.key(v))
		return st
	}
	var lit NodeID
	st, lit = st.resolveAtom(sc, actual)
	st.resolver.bind(sc.key(formal), lit)
	return st
}
