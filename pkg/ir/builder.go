// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// Builder creates variables with unique VarIDs and equations over them.
//
// It is not safe for concurrent use.
type Builder struct {
	nextID VarID
}

// NewBuilder returns a Builder whose first variable gets VarID 0.
func NewBuilder() *Builder {
	return &Builder{}
}

// NumVars returns the number of variables created so far.
func (b *Builder) NumVars() int {
	return int(b.nextID)
}

// NewVar creates a new variable. Label is optional and only used for display.
func (b *Builder) NewVar(shape shapes.Shape, label string) *Var {
	if !shape.Ok() {
		exceptions.Panicf("ir.Builder.NewVar(%q): invalid shape", label)
	}
	v := &Var{ID: b.nextID, Shape: shape, Label: label}
	b.nextID++
	return v
}

// NewVars creates n variables of the same shape, labeled "<prefix><i>".
func (b *Builder) NewVars(n int, shape shapes.Shape, prefix string) []*Var {
	vars := make([]*Var, n)
	for i := range vars {
		vars[i] = b.NewVar(shape, fmt.Sprintf("%s%d", prefix, i))
	}
	return vars
}

// Like creates fresh variables with the same shapes as the given ones, labels get the suffix added.
func (b *Builder) Like(vars []*Var, suffix string) []*Var {
	fresh := make([]*Var, len(vars))
	for i, v := range vars {
		fresh[i] = b.NewVar(v.Shape, v.String()+suffix)
	}
	return fresh
}

// Op creates an equation with a single output of the given shape.
func (b *Builder) Op(prim Primitive, output shapes.Shape, inputs ...Atom) (*Eqn, *Var) {
	out := b.NewVar(output, "")
	return &Eqn{Primitive: prim, Inputs: inputs, Outputs: []*Var{out}}, out
}

// OpN creates an equation with one output per given shape, flagged with MultipleResults.
func (b *Builder) OpN(prim Primitive, outputs []shapes.Shape, inputs ...Atom) (*Eqn, []*Var) {
	outs := make([]*Var, len(outputs))
	for i, s := range outputs {
		outs[i] = b.NewVar(s, "")
	}
	return &Eqn{Primitive: prim, Inputs: inputs, Outputs: outs, MultipleResults: true}, outs
}

// Marker creates a pipeline_marker equation for the layer name, with fresh outputs shaped as the inputs.
func (b *Builder) Marker(mt MarkerType, name string, inputs []*Var) (*Eqn, []*Var) {
	outs := b.Like(inputs, "")
	return &Eqn{
		Primitive: PipelineMarker,
		Inputs:    VarsAsAtoms(inputs),
		Outputs:   outs,
		Params:    Params{Marker: mt, Name: name},
	}, outs
}

// Call creates an equation that calls sub, a nested computation, binding its inputs and outputs.
// prim must be one of Remat, NamedCall or CustomJVPCall.
func Call(prim Primitive, name string, sub *Jaxpr, inputs []Atom, outputs []*Var) *Eqn {
	if !prim.HasSubJaxpr() {
		exceptions.Panicf("ir.Call: primitive %q does not take a sub-computation", prim)
	}
	if len(inputs) != len(sub.InVars) || len(outputs) != len(sub.OutVars) {
		exceptions.Panicf("ir.Call(%s %q): got %d inputs and %d outputs, sub-computation takes %d inputs and %d outputs",
			prim, name, len(inputs), len(outputs), len(sub.InVars), len(sub.OutVars))
	}
	return &Eqn{
		Primitive:       prim,
		Inputs:          inputs,
		Outputs:         outputs,
		Params:          Params{Name: name, Sub: sub},
		MultipleResults: len(outputs) > 1,
	}
}

// ScalarLiteral returns a scalar literal of the given dtype.
func ScalarLiteral(dtype dtypes.DType, value float64) *Literal {
	return &Literal{Value: value, Shape: shapes.Make(dtype)}
}

// VarsAsAtoms converts a slice of variables to a slice of atoms.
func VarsAsAtoms(vars []*Var) []Atom {
	atoms := make([]Atom, len(vars))
	for i, v := range vars {
		atoms[i] = v
	}
	return atoms
}
