// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/predtop/pkg/ir"
)

// module is a selection of layers to be merged into one computation.
type module struct {
	layers             []*Layer
	accumulatorMapping AccumulatorMapping
	requiredOutVars    []*ir.Var
}

// selectModule selects the layers at indices from all layers. The required outputs are the ones used by
// layers not selected or listed in globalOutVars. The accumulator mapping is restricted to the entries
// whose overwriting variable is produced by the selected layers.
func selectModule(all []*Layer, indices []int, accumulatorMapping AccumulatorMapping, globalOutVars []*ir.Var) module {
	selected := sets.MakeWith(indices...)
	usedOutside := sets.Make[ir.VarID]()
	for _, v := range globalOutVars {
		usedOutside.Insert(v.ID)
	}
	for idx, layer := range all {
		if selected.Has(idx) {
			continue
		}
		for _, v := range layer.InVars() {
			usedOutside.Insert(v.ID)
		}
	}

	var m module
	produced := sets.Make[ir.VarID]()
	seen := sets.Make[ir.VarID]()
	for _, idx := range indices {
		layer := all[idx]
		m.layers = append(m.layers, layer)
		for _, v := range layer.OutVars() {
			produced.Insert(v.ID)
			if usedOutside.Has(v.ID) && !seen.Has(v.ID) {
				seen.Insert(v.ID)
				m.requiredOutVars = append(m.requiredOutVars, v)
			}
		}
	}
	m.accumulatorMapping = make(AccumulatorMapping)
	for from, to := range accumulatorMapping {
		if produced.Has(to.ID) {
			m.accumulatorMapping[from] = to
		}
	}
	return m
}

// scope tracks the variables defined at the top level of a computation being merged, collecting the
// free variables used as its inputs.
type scope struct {
	defined sets.Set[ir.VarID]
	consts  []*ir.Var
	invars  []*ir.Var
	eqns    []*ir.Eqn
}

func newScope() *scope {
	return &scope{defined: sets.Make[ir.VarID]()}
}

func (s *scope) addConsts(vars []*ir.Var) {
	for _, v := range vars {
		if !s.defined.Has(v.ID) {
			s.defined.Insert(v.ID)
			s.consts = append(s.consts, v)
		}
	}
}

// use marks the variables used, creating inputs for the ones not defined yet.
func (s *scope) use(atoms []ir.Atom) {
	for _, atom := range atoms {
		if v := ir.AsVar(atom); v != nil && !s.defined.Has(v.ID) {
			s.defined.Insert(v.ID)
			s.invars = append(s.invars, v)
		}
	}
}

func (s *scope) emit(eqn *ir.Eqn) {
	s.use(eqn.Inputs)
	for _, v := range eqn.Outputs {
		s.defined.Insert(v.ID)
	}
	s.eqns = append(s.eqns, eqn)
}

// outputs filters candidates to the variables computed by the equations of the scope, without repetition,
// followed by the donation targets of its inputs.
func (s *scope) outputs(candidates []*ir.Var, donation AccumulatorMapping) []*ir.Var {
	computed := sets.Make[ir.VarID]()
	for _, eqn := range s.eqns {
		for _, v := range eqn.Outputs {
			computed.Insert(v.ID)
		}
	}
	seen := sets.Make[ir.VarID]()
	var outs []*ir.Var
	add := func(v *ir.Var) {
		if computed.Has(v.ID) && !seen.Has(v.ID) {
			seen.Insert(v.ID)
			outs = append(outs, v)
		}
	}
	for _, v := range candidates {
		add(v)
	}
	for _, v := range s.invars {
		if to, found := donation[v.ID]; found {
			add(to)
		}
	}
	return outs
}

// subComputation builds the body of a call: the equations given, taking as inputs the start marker outputs
// (or the layer inputs) plus any other free variable used, and returning the results that are computed
// by the body.
func subComputation(consts, inputs []*ir.Var, eqns []*ir.Eqn, results []ir.Atom) *ir.Jaxpr {
	body := newScope()
	body.addConsts(consts)
	for _, v := range inputs {
		if !body.defined.Has(v.ID) {
			body.defined.Insert(v.ID)
			body.invars = append(body.invars, v)
		}
	}
	for _, eqn := range eqns {
		body.emit(eqn)
	}
	var outs []*ir.Var
	inputSet := sets.Make[ir.VarID]()
	for _, v := range body.invars {
		inputSet.Insert(v.ID)
	}
	for _, c := range body.consts {
		inputSet.Insert(c.ID)
	}
	seen := sets.Make[ir.VarID]()
	for _, atom := range results {
		v := ir.AsVar(atom)
		if v == nil || inputSet.Has(v.ID) || seen.Has(v.ID) || !body.defined.Has(v.ID) {
			continue
		}
		seen.Insert(v.ID)
		outs = append(outs, v)
	}
	return &ir.Jaxpr{ConstVars: body.consts, InVars: body.invars, OutVars: outs, Eqns: body.eqns}
}

// mergeLayers merges the layers into one computation. Each layer body becomes a named_call; the pipeline
// markers of marked layers are kept at the top level around it.
//
// The outputs are the mayOutVars computed by the layers plus the donation targets of the merged inputs.
func mergeLayers(layers []*Layer, mayOutVars []*ir.Var, donation AccumulatorMapping) *ir.Jaxpr {
	merged := newScope()
	for _, layer := range layers {
		merged.addConsts(layer.Jaxpr.ConstVars)
		if layer.IsMarked() {
			eqns := layer.Jaxpr.Eqns
			start, end := eqns[0], eqns[len(eqns)-1]
			merged.emit(start)
			body := subComputation(layer.Jaxpr.ConstVars, start.Outputs, eqns[1:len(eqns)-1], end.Inputs)
			if len(body.Eqns) > 0 {
				merged.emit(ir.Call(ir.NamedCall, layer.Name, body, ir.VarsAsAtoms(body.InVars), body.OutVars))
			}
			merged.emit(end)
			continue
		}
		body := subComputation(layer.Jaxpr.ConstVars, layer.InVars(), layer.Jaxpr.Eqns, ir.VarsAsAtoms(layer.OutVars()))
		merged.emit(ir.Call(ir.NamedCall, layer.Name, body, ir.VarsAsAtoms(body.InVars), body.OutVars))
	}
	return &ir.Jaxpr{
		ConstVars: merged.consts,
		InVars:    merged.invars,
		OutVars:   merged.outputs(mayOutVars, donation),
		Eqns:      merged.eqns,
	}
}

// mergeModules merges already merged modules into one computation, one named_call per module.
// It returns the merged computation and which of its inputs are donated.
func mergeModules(modules []*ir.Jaxpr, names []string, outVars []*ir.Var, donation AccumulatorMapping) (*ir.Jaxpr, []bool) {
	merged := newScope()
	for i, m := range modules {
		merged.addConsts(m.ConstVars)
		merged.emit(ir.Call(ir.NamedCall, names[i], m, ir.VarsAsAtoms(m.InVars), m.OutVars))
	}
	j := &ir.Jaxpr{
		ConstVars: merged.consts,
		InVars:    merged.invars,
		OutVars:   merged.outputs(outVars, nil),
		Eqns:      merged.eqns,
	}
	return j, donatedInVars(j, donation)
}

// donatedInVars returns for each input of j whether it is donated: it is mapped in donation to one of
// the outputs of j.
func donatedInVars(j *ir.Jaxpr, donation AccumulatorMapping) []bool {
	outs := sets.Make[ir.VarID]()
	for _, v := range j.OutVars {
		outs.Insert(v.ID)
	}
	donated := make([]bool, len(j.InVars))
	for i, v := range j.InVars {
		if to, found := donation[v.ID]; found && outs.Has(to.ID) {
			donated[i] = true
		}
	}
	return donated
}
