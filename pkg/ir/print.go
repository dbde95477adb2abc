// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// String pretty-prints the jaxpr, one equation per line, with nested computations indented.
func (j *Jaxpr) String() string {
	var sb strings.Builder
	j.write(&sb, "")
	return sb.String()
}

func (j *Jaxpr) write(sb *strings.Builder, indent string) {
	fmt.Fprintf(sb, "%s{ lambda %s ; %s . let\n", indent, varList(j.ConstVars), varList(j.InVars))
	for _, eqn := range j.Eqns {
		fmt.Fprintf(sb, "%s    %s\n", indent, eqn)
		if eqn.Params.Sub != nil {
			eqn.Params.Sub.write(sb, indent+"      ")
		}
	}
	fmt.Fprintf(sb, "%s  in (%s) }\n", indent, varList(j.OutVars))
}

// String implements fmt.Stringer.
func (e *Eqn) String() string {
	inputs := make([]string, len(e.Inputs))
	for i, in := range e.Inputs {
		inputs[i] = in.String()
	}
	var params string
	switch {
	case e.Primitive == PipelineMarker:
		params = fmt.Sprintf("[%s %s]", e.Params.Name, e.Params.Marker)
	case e.Params.Name != "":
		params = fmt.Sprintf("[%s]", e.Params.Name)
	}
	return fmt.Sprintf("%s = %s%s %s", varList(e.Outputs), e.Primitive, params, strings.Join(inputs, " "))
}

func varList(vars []*Var) string {
	parts := make([]string, len(vars))
	for i, v := range vars {
		parts[i] = fmt.Sprintf("%s:%s", v, v.Shape)
	}
	return strings.Join(parts, " ")
}

// Validate checks that the jaxpr is well-formed: in each (nested) computation every variable is
// defined once before being used, and calls bind as many inputs and outputs as their sub-computation
// declares.
//
// Nested computations have their own scope: their variables may coincide with the enclosing ones.
func (j *Jaxpr) Validate() error {
	defined := make(map[VarID]bool)
	define := func(v *Var, where string) error {
		if v == nil {
			return errors.Errorf("nil variable defined in %s", where)
		}
		if defined[v.ID] {
			return errors.Errorf("variable %s (id=%d) defined twice, second time in %s", v, v.ID, where)
		}
		defined[v.ID] = true
		return nil
	}
	for _, v := range j.ConstVars {
		if err := define(v, "constvars"); err != nil {
			return err
		}
	}
	for _, v := range j.InVars {
		if err := define(v, "invars"); err != nil {
			return err
		}
	}
	for eqnIdx, eqn := range j.Eqns {
		for _, in := range eqn.Inputs {
			if v := AsVar(in); v != nil && !defined[v.ID] {
				return errors.Errorf("equation #%d (%s): input %s (id=%d) used before definition", eqnIdx, eqn.Primitive, v, v.ID)
			}
		}
		if sub := eqn.Params.Sub; sub != nil {
			if len(sub.InVars) != len(eqn.Inputs) || len(sub.OutVars) != len(eqn.Outputs) {
				return errors.Errorf("equation #%d (%s %q): binds %d inputs / %d outputs to a sub-computation with %d / %d",
					eqnIdx, eqn.Primitive, eqn.Params.Name, len(eqn.Inputs), len(eqn.Outputs), len(sub.InVars), len(sub.OutVars))
			}
			if err := sub.Validate(); err != nil {
				return errors.WithMessagef(err, "in sub-computation of equation #%d (%s %q)", eqnIdx, eqn.Primitive, eqn.Params.Name)
			}
		} else if eqn.Primitive.HasSubJaxpr() {
			return errors.Errorf("equation #%d (%s) is missing its sub-computation", eqnIdx, eqn.Primitive)
		}
		for _, out := range eqn.Outputs {
			if err := define(out, fmt.Sprintf("equation #%d (%s)", eqnIdx, eqn.Primitive)); err != nil {
				return err
			}
		}
	}
	for _, v := range j.OutVars {
		if !defined[v.ID] {
			return errors.Errorf("output %s (id=%d) is never defined", v, v.ID)
		}
	}
	return nil
}
