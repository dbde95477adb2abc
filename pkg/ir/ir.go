// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir defines the intermediate representation of the computation of pipeline layers and
// stages: a list of equations (operations) over SSA variables, with nested sub-computations for
// rematerialized regions and named calls.
//
// Variables have a stable integer identity (VarID) assigned once by a Builder. Their Label is only used
// for display, never for identity. All the variables of one computation (and of every layer merged into
// a stage) must be created by the same Builder.
package ir

import (
	"fmt"

	"github.com/gomlx/gomlx/pkg/core/shapes"
)

// VarID uniquely identifies a variable within a Builder.
type VarID int

// InvalidVarID is returned for atoms that are not variables.
const InvalidVarID VarID = -1

// Atom is an input of an equation: either a *Var or a *Literal.
type Atom interface {
	// AtomShape returns the shape of the value.
	AtomShape() shapes.Shape

	// String returns a human-readable representation.
	String() string

	isAtom()
}

// Var is an SSA variable: defined once (as an input of a Jaxpr or as an output of an equation) and
// used any number of times.
type Var struct {
	ID    VarID
	Shape shapes.Shape
	Label string
}

var _ Atom = (*Var)(nil)

// AtomShape implements Atom.
func (v *Var) AtomShape() shapes.Shape { return v.Shape }

// String implements Atom and fmt.Stringer.
func (v *Var) String() string {
	if v.Label != "" {
		return v.Label
	}
	return fmt.Sprintf("v%d", v.ID)
}

func (v *Var) isAtom() {}

// Literal is a constant value used inline as an input to an equation.
type Literal struct {
	Value float64
	Shape shapes.Shape
}

var _ Atom = (*Literal)(nil)

// AtomShape implements Atom.
func (l *Literal) AtomShape() shapes.Shape { return l.Shape }

// String implements Atom and fmt.Stringer.
func (l *Literal) String() string {
	return fmt.Sprintf("%g:%s", l.Value, l.Shape.DType)
}

func (l *Literal) isAtom() {}

// AsVar returns the atom as a *Var, or nil if it is a literal.
func AsVar(a Atom) *Var {
	v, _ := a.(*Var)
	return v
}

// Primitive is the name of the operation of an equation.
type Primitive string

// Primitives with special meaning for stage assembly and graph building.
const (
	PipelineMarker     Primitive = "pipeline_marker"
	Remat              Primitive = "remat2"
	NamedCall          Primitive = "named_call"
	CustomJVPCall      Primitive = "custom_jvp_call"
	Reshape            Primitive = "reshape"
	ConvertElementType Primitive = "convert_element_type"
	BroadcastInDim     Primitive = "broadcast_in_dim"
)

// Common compute primitives.
const (
	Add        Primitive = "add"
	Sub        Primitive = "sub"
	Mul        Primitive = "mul"
	Div        Primitive = "div"
	Neg        Primitive = "neg"
	Exp        Primitive = "exp"
	Log        Primitive = "log"
	Tanh       Primitive = "tanh"
	Logistic   Primitive = "logistic"
	Max        Primitive = "max"
	Rsqrt      Primitive = "rsqrt"
	DotGeneral Primitive = "dot_general"
	ReduceSum  Primitive = "reduce_sum"
	ReduceMax  Primitive = "reduce_max"
	Transpose  Primitive = "transpose"
	Select     Primitive = "select_n"
	Split      Primitive = "split"
	Concat     Primitive = "concatenate"
	Gather     Primitive = "gather"
	Scatter    Primitive = "scatter_add"
)

// HasSubJaxpr returns whether equations of this primitive carry a nested computation to be inlined.
func (p Primitive) HasSubJaxpr() bool {
	switch p {
	case Remat, NamedCall, CustomJVPCall:
		return true
	}
	return false
}

// MarkerType of a pipeline_marker equation.
type MarkerType int

const (
	MarkerNone MarkerType = iota
	MarkerStart
	MarkerEnd
)

// String implements fmt.Stringer.
func (m MarkerType) String() string {
	switch m {
	case MarkerStart:
		return "start"
	case MarkerEnd:
		return "end"
	default:
		return "none"
	}
}

// Params of an equation. Only the fields relevant to the primitive are set.
type Params struct {
	// Marker is set for PipelineMarker equations.
	Marker MarkerType

	// Name of the pipeline layer (markers) or of the called function (NamedCall).
	Name string

	// Sub is the nested computation of Remat, NamedCall and CustomJVPCall equations. Its InVars are bound
	// to the equation inputs and its OutVars to the equation outputs.
	Sub *Jaxpr
}

// Eqn is one equation: Outputs = Primitive(Inputs...).
type Eqn struct {
	Primitive       Primitive
	Inputs          []Atom
	Outputs         []*Var
	Params          Params
	MultipleResults bool
}

// IsMarker returns whether the equation is a pipeline marker of the given type.
func (e *Eqn) IsMarker(mt MarkerType) bool {
	return e.Primitive == PipelineMarker && e.Params.Marker == mt
}

// Jaxpr is a computation: a list of equations over its constant and input variables, producing OutVars.
type Jaxpr struct {
	ConstVars []*Var
	InVars    []*Var
	OutVars   []*Var
	Eqns      []*Eqn
}

// NumEqns returns the number of equations, including the ones in nested sub-computations.
func (j *Jaxpr) NumEqns() int {
	if j == nil {
		return 0
	}
	count := 0
	for _, eqn := range j.Eqns {
		count++
		if eqn.Params.Sub != nil {
			count += eqn.Params.Sub.NumEqns()
		}
	}
	return count
}

// DefinedVars returns the variables defined at the top level of the jaxpr (constants, inputs
// and outputs of the equations), in order of definition.
func (j *Jaxpr) DefinedVars() []*Var {
	defined := make([]*Var, 0, len(j.ConstVars)+len(j.InVars)+len(j.Eqns))
	defined = append(defined, j.ConstVars...)
	defined = append(defined, j.InVars...)
	for _, eqn := range j.Eqns {
		defined = append(defined, eqn.Outputs...)
	}
	return defined
}

// UsedVars returns the variables used as inputs of the top level equations or as outputs of the jaxpr,
// deduplicated, in order of first use.
func (j *Jaxpr) UsedVars() []*Var {
	seen := make(map[VarID]bool)
	var used []*Var
	add := func(v *Var) {
		if v == nil || seen[v.ID] {
			return
		}
		seen[v.ID] = true
		used = append(used, v)
	}
	for _, eqn := range j.Eqns {
		for _, in := range eqn.Inputs {
			add(AsVar(in))
		}
	}
	for _, v := range j.OutVars {
		add(v)
	}
	return used
}
