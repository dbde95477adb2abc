// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/gomlx/predtop/internal/workerspool"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/gomlx/predtop/pkg/stages"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Executor compiles and "profiles" stages with the roofline model of its Device.
// Stages are profiled in parallel, one worker per profiling submesh.
type Executor struct {
	Device Device

	// FailureRate is the probability of a call to CompileAll or ProfileAll failing, as remote workers would.
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

var _ profiling.Executor = (*Executor)(nil)

// NewExecutor creates an Executor for the device. The seed drives the simulated failures.
func NewExecutor(device Device, seed uint64) *Executor {
	return &Executor{Device: device, rng: rand.New(rand.NewPCG(seed, seed+1))}
}

// fail returns whether the call is a simulated remote failure.
func (e *Executor) fail() bool {
	if e.FailureRate <= 0 {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.rng.Float64() < e.FailureRate
}

// CompileAll implements profiling.Executor. The executable is the lowered form of the stage if it was
// lowered, or its name otherwise.
func (e *Executor) CompileAll(ctx context.Context, specs []profiling.StageSpec, numMicroBatches int,
	_ stages.ShardingOptions, cache profiling.ProfileCache) ([]profiling.Compiled, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if numMicroBatches < 1 {
		return nil, errors.Errorf("simulated.CompileAll: invalid numMicroBatches %d", numMicroBatches)
	}
	if e.fail() {
		return nil, errors.Wrapf(profiling.ErrRemoteExecution, "simulated compile of %d stages", len(specs))
	}
	compiled := make([]profiling.Compiled, 0, len(specs))
	for _, spec := range specs {
		if _, found := cache[spec.Key]; found {
			continue
		}
		executable := spec.Stage.Config.Compile.Lowered
		if executable == nil {
			executable = []byte(spec.Stage.Name)
		}
		compiled = append(compiled, profiling.Compiled{Key: spec.Key, Executable: executable})
	}
	return compiled, nil
}

// ProfileAll implements profiling.Executor.
//
// The cost of the forward and backward modules is multiplied by the number of micro-batches, the
// gradient-apply module runs once.
func (e *Executor) ProfileAll(ctx context.Context, specs []profiling.StageSpec, compiled []profiling.Compiled,
	submeshes []profiling.VirtualMesh, numMicroBatches int, _ profiling.StageOption,
	cache profiling.ProfileCache) (profiling.ProfileCache, error) {
	if len(submeshes) == 0 {
		return nil, errors.New("simulated.ProfileAll: no profiling submesh")
	}
	if e.fail() {
		return nil, errors.Wrapf(profiling.ErrRemoteExecution, "simulated profiling of %d stages", len(specs))
	}
	isCompiled := make(map[profiling.StageKey]bool, len(compiled))
	for _, c := range compiled {
		isCompiled[c.Key] = true
	}
	var todo []profiling.StageSpec
	for _, spec := range specs {
		if _, found := cache[spec.Key]; found {
			continue
		}
		if !isCompiled[spec.Key] {
			return nil, errors.Errorf("simulated.ProfileAll: stage %s was not compiled", spec.Key)
		}
		todo = append(todo, spec)
	}

	results := make([]profiling.ProfileResult, len(todo))
	pool := workerspool.New().SetMaxParallelism(len(submeshes))
	err := pool.Map(ctx, len(todo), func(i int) error {
		mesh := submeshes[i%len(submeshes)]
		r, err := e.profileStage(todo[i], mesh.NumDevices(), numMicroBatches)
		if err != nil {
			return errors.WithMessagef(err, "profiling %s on hosts %v", todo[i].Key, mesh.HostIDs)
		}
		results[i] = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	updated := make(profiling.ProfileCache, len(cache)+len(todo))
	updated.Merge(cache)
	for i, spec := range todo {
		updated[spec.Key] = results[i]
	}
	klog.V(2).Infof("simulated: profiled %d stages on %d submeshes", len(todo), len(submeshes))
	return updated, nil
}

func (e *Executor) profileStage(spec profiling.StageSpec, numDevices, numMicroBatches int) (profiling.ProfileResult, error) {
	var r profiling.ProfileResult
	for i, module := range spec.Stage.Modules {
		cost, err := e.Device.EstimateModule(module, numDevices)
		if err != nil {
			return r, err
		}
		if i < spec.Stage.Config.NumModules {
			cost.Seconds *= float64(numMicroBatches)
		}
		r.Modules = append(r.Modules, profiling.ModuleProfileResult{ComputeCost: cost.Seconds, PeakMemory: cost.PeakMemory})
	}
	return r, nil
}

// Lowerer "lowers" merged stages to their textual form. It implements stages.Lowerer.
type Lowerer struct{}

var _ stages.Lowerer = Lowerer{}

// Lower validates the merged computation and returns its text, preceded by the donated inputs.
func (Lowerer) Lower(name string, merged *ir.Jaxpr, donated []bool) ([]byte, error) {
	if err := merged.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "lowering %s", name)
	}
	if len(donated) != len(merged.InVars) {
		return nil, errors.Errorf("lowering %s: %d donation flags for %d inputs", name, len(donated), len(merged.InVars))
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "// %s\n// donated:", name)
	for i, d := range donated {
		if d {
			_, _ = fmt.Fprintf(&sb, " %s", merged.InVars[i])
		}
	}
	sb.WriteString("\n")
	sb.WriteString(merged.String())
	return []byte(sb.String()), nil
}
