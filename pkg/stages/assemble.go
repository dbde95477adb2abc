// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stages

import (
	"fmt"
	"os"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/support/sets"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

// ApplyGradSuffix is appended to the stage name to name its gradient-apply module.
const ApplyGradSuffix = "apply_grad"

// ModuleProfileConfig describes the inputs and outputs of one module of a stage, as needed to profile it.
type ModuleProfileConfig struct {
	InVarNames, OutVarNames   []string
	InVarShapes, OutVarShapes []shapes.Shape

	// Donated indicates for each input whether it is overwritten in place by one of the outputs.
	Donated []bool

	// AccGradInVarsIndices and AccGradOutVarsIndices are the positions of the gradient accumulator
	// inputs and outputs.
	AccGradInVarsIndices, AccGradOutVarsIndices []int
}

// ApplyGradConfig describes the gradient-apply module of a stage.
type ApplyGradConfig struct {
	InVars []*ir.Var

	// ApplyOnlyInVars are the inputs of the gradient-apply module that are not at the boundary of any
	// of the other modules.
	ApplyOnlyInVars []*ir.Var
}

// CompileConfig is the merged computation of all the modules of a stage, to be compiled as one program.
type CompileConfig struct {
	Merged      *ir.Jaxpr
	ModuleNames []string

	// ModuleDonated holds for each module the donated flags of its inputs.
	ModuleDonated [][]bool

	// ModuleAccGradOutVarsIndices holds for each compute module the positions of its accumulator outputs.
	ModuleAccGradOutVarsIndices [][]int

	// Donated flags of the inputs of Merged.
	Donated []bool

	// Lowered is the executable form produced by the Lowerer, nil if the stage was assembled without
	// compiling.
	Lowered []byte
}

// StageConfig groups everything the compiler and profiler need to know about a stage.
type StageConfig struct {
	// NumModules is the number of compute modules (forward and backward), not counting gradient-apply.
	NumModules     int
	Compile        CompileConfig
	ModuleProfiles []ModuleProfileConfig

	// ApplyGrad is nil if the stage has no gradient-apply layers.
	ApplyGrad *ApplyGradConfig
}

// MergedStage is a candidate assembled into a stage config plus the merged computation of each of its
// modules: forward first, then backward, then (optionally) gradient-apply.
type MergedStage struct {
	Candidate Candidate
	Name      string
	Config    *StageConfig
	Modules   []*ir.Jaxpr
}

// Forward returns the merged computation of the forward module, used to build the stage graph.
func (s *MergedStage) Forward() *ir.Jaxpr { return s.Modules[0] }

// Lowerer converts a merged stage computation to an executable form. It is implemented by the external
// compiler.
type Lowerer interface {
	Lower(name string, merged *ir.Jaxpr, donated []bool) ([]byte, error)
}

// Assembler assembles candidates into MergedStage objects.
type Assembler struct {
	Input *Input

	// Lowerer is optional. If nil, stages are never lowered, even when compile is requested.
	Lowerer Lowerer

	// ShowProgress displays a progress bar in AssembleAll.
	ShowProgress bool
}

// NewAssembler creates an Assembler for the given layers. It panics if the number of layers is odd.
func NewAssembler(input *Input) *Assembler {
	_ = input.NumLayers()
	return &Assembler{Input: input}
}

// Assemble merges the forward, backward and gradient-apply layers of the candidate into a stage.
//
// If compile is true and a Lowerer is configured, the merged computation is lowered to its executable
// form. Candidates only used for prediction are assembled with compile=false.
func (a *Assembler) Assemble(c Candidate, compile bool) (*MergedStage, error) {
	in := a.Input
	numLayers := in.NumLayers()
	if err := c.Validate(numLayers); err != nil {
		exceptions.Panicf("stages.Assemble: %v", err)
	}
	forward := c.ForwardIndices()
	var applyGradLayers []*Layer
	for _, idx := range forward {
		if idx < len(in.ApplyGradLayers) && in.ApplyGradLayers[idx] != nil {
			applyGradLayers = append(applyGradLayers, in.ApplyGradLayers[idx])
		}
	}
	name := c.Name()
	config, modules := a.stageInfo([][]int{forward, c.BackwardIndices(numLayers)}, name, applyGradLayers)
	if compile && a.Lowerer != nil {
		lowered, err := a.Lowerer.Lower(name, config.Compile.Merged, config.Compile.Donated)
		if err != nil {
			return nil, errors.WithMessagef(err, "lowering %s", name)
		}
		config.Compile.Lowered = lowered
	}
	return &MergedStage{Candidate: c, Name: name, Config: config, Modules: modules}, nil
}

// AssembleAll assembles each of the candidates, in order.
func (a *Assembler) AssembleAll(candidates []Candidate, compile bool) ([]*MergedStage, error) {
	klog.V(1).Infof("assembling %d stages (compile=%v)", len(candidates), compile)
	var bar *progressbar.ProgressBar
	if a.ShowProgress {
		bar = progressbar.NewOptions(len(candidates),
			progressbar.OptionSetDescription("stages"),
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionShowCount(),
			progressbar.OptionSetTheme(progressbar.ThemeASCII),
			progressbar.OptionClearOnFinish())
	}
	merged := make([]*MergedStage, 0, len(candidates))
	for _, c := range candidates {
		stage, err := a.Assemble(c, compile)
		if err != nil {
			return nil, err
		}
		merged = append(merged, stage)
		if bar != nil {
			_ = bar.Add(1)
		}
	}
	if bar != nil {
		_ = bar.Finish()
	}
	return merged, nil
}

// stageInfo builds the stage config for the modules given by the layer indices in selected.
func (a *Assembler) stageInfo(selected [][]int, name string, applyGradLayers []*Layer) (*StageConfig, []*ir.Jaxpr) {
	in := a.Input
	accGradInVars := varIDSet(in.AccGradInVars)
	accGradOutVars := varIDSet(in.AccGradOutVars)

	numModules := len(selected)
	config := &StageConfig{NumModules: numModules}
	moduleJaxprs := make([]*ir.Jaxpr, 0, numModules+1)
	allDonation := make(AccumulatorMapping)
	var allOutVars []*ir.Var
	for i, indices := range selected {
		m := selectModule(in.Layers, indices, in.AccumulatorMapping, in.AccGradOutVars)
		merged := mergeLayers(m.layers, m.requiredOutVars, m.accumulatorMapping)
		donated := donatedInVars(merged, m.accumulatorMapping)
		config.ModuleProfiles = append(config.ModuleProfiles, ModuleProfileConfig{
			InVarNames:            varNames(merged.InVars),
			OutVarNames:           varNames(merged.OutVars),
			InVarShapes:           varShapes(merged.InVars),
			OutVarShapes:          varShapes(merged.OutVars),
			Donated:               donated,
			AccGradInVarsIndices:  indicesIn(merged.InVars, accGradInVars),
			AccGradOutVarsIndices: indicesIn(merged.OutVars, accGradOutVars),
		})
		config.Compile.ModuleNames = append(config.Compile.ModuleNames, moduleName(name, i))
		config.Compile.ModuleDonated = append(config.Compile.ModuleDonated, donated)
		config.Compile.ModuleAccGradOutVarsIndices = append(config.Compile.ModuleAccGradOutVarsIndices,
			config.ModuleProfiles[i].AccGradOutVarsIndices)
		for from, to := range m.accumulatorMapping {
			allDonation[from] = to
		}
		allOutVars = append(allOutVars, merged.OutVars...)
		moduleJaxprs = append(moduleJaxprs, merged)
	}

	if len(applyGradLayers) > 0 {
		donation := in.ApplyGrad.Donation
		mergedApply := mergeLayers(applyGradLayers, in.ApplyGrad.OutVars, donation)
		boundary := sets.Make[ir.VarID]()
		for _, m := range moduleJaxprs {
			for _, v := range m.InVars {
				boundary.Insert(v.ID)
			}
			for _, v := range m.OutVars {
				boundary.Insert(v.ID)
			}
		}
		applyConfig := &ApplyGradConfig{InVars: mergedApply.InVars}
		for _, v := range mergedApply.InVars {
			if !boundary.Has(v.ID) {
				applyConfig.ApplyOnlyInVars = append(applyConfig.ApplyOnlyInVars, v)
			}
		}
		config.ApplyGrad = applyConfig
		config.Compile.ModuleNames = append(config.Compile.ModuleNames, name+"_"+ApplyGradSuffix)
		config.Compile.ModuleDonated = append(config.Compile.ModuleDonated, donatedInVars(mergedApply, donation))
		for from, to := range donation {
			allDonation[from] = to
		}
		allOutVars = append(allOutVars, mergedApply.OutVars...)
		moduleJaxprs = append(moduleJaxprs, mergedApply)
	}

	config.Compile.Merged, config.Compile.Donated = mergeModules(moduleJaxprs, config.Compile.ModuleNames, allOutVars, allDonation)
	return config, moduleJaxprs
}

func moduleName(stageName string, idx int) string {
	return fmt.Sprintf("%s_acc_grad_%d", stageName, idx)
}

func varIDSet(vars []*ir.Var) sets.Set[ir.VarID] {
	s := sets.Make[ir.VarID](len(vars))
	for _, v := range vars {
		s.Insert(v.ID)
	}
	return s
}

func varNames(vars []*ir.Var) []string {
	names := make([]string, len(vars))
	for i, v := range vars {
		names[i] = v.String()
	}
	return names
}

func varShapes(vars []*ir.Var) []shapes.Shape {
	s := make([]shapes.Shape, len(vars))
	for i, v := range vars {
		s[i] = v.Shape
	}
	return s
}

func indicesIn(vars []*ir.Var, set sets.Set[ir.VarID]) []int {
	var indices []int
	for i, v := range vars {
		if set.Has(v.ID) {
			indices = append(indices, i)
		}
	}
	return indices
}
