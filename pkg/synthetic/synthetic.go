// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package synthetic generates the layers of a synthetic multi-layer perceptron, forward and backward
// passes plus gradient-apply, in the IR used by the stage assembler.
//
// It is used by the tests and by the "simulate" command, in lieu of a model traced by a real framework.
package synthetic

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/stages"
)

// Config of the synthetic model.
type Config struct {
	// BatchSize of the activations.
	BatchSize int `yaml:"batch_size" validate:"gt=0"`

	// HiddenSizes has one entry per layer boundary: layer i maps HiddenSizes[i] to HiddenSizes[i+1].
	// So the number of layers is len(HiddenSizes)-1. Sizes must be even.
	HiddenSizes []int `yaml:"hidden_sizes" validate:"min=2,dive,gt=0"`

	// RematEvery wraps the activation of every RematEvery-th layer in a rematerialized region.
	// 0 disables rematerialization.
	RematEvery int `yaml:"remat_every" validate:"gte=0"`

	// DType of all values.
	DType dtypes.DType `yaml:"-"`
}

// DefaultConfig returns a model with numLayers layers whose hidden sizes grow and shrink.
func DefaultConfig(numLayers int) Config {
	sizes := make([]int, numLayers+1)
	for i := range sizes {
		sizes[i] = 64 * (1 + (i*7)%4)
	}
	return Config{BatchSize: 32, HiddenSizes: sizes, RematEvery: 3, DType: dtypes.Float32}
}

// NumLayers of the model.
func (c Config) NumLayers() int { return len(c.HiddenSizes) - 1 }

// generator holds the state while generating the model.
type generator struct {
	cfg Config
	b   *ir.Builder
}

func (g *generator) shape(dims ...int) shapes.Shape {
	return shapes.Make(g.cfg.DType, dims...)
}

// forwardOutputs are the values a forward layer passes on: the next activation, plus
// the pre-activation and the input saved for the backward pass.
type forwardOutputs struct {
	next, pre, input *ir.Var
}

// New generates the layers of the model: forward layers, backward layers in reverse order and one
// gradient-apply layer per forward layer. All variables are created by the same builder.
func New(cfg Config) *stages.Input {
	n := cfg.NumLayers()
	if n < 1 {
		exceptions.Panicf("synthetic.New: at least one layer required, got HiddenSizes=%v", cfg.HiddenSizes)
	}
	if cfg.DType == dtypes.InvalidDType {
		cfg.DType = dtypes.Float32
	}
	for _, h := range cfg.HiddenSizes {
		if h <= 0 || h%2 != 0 {
			exceptions.Panicf("synthetic.New: hidden sizes must be positive and even, got %v", cfg.HiddenSizes)
		}
	}
	g := &generator{cfg: cfg, b: ir.NewBuilder()}

	input := &stages.Input{
		Layers:             make([]*stages.Layer, 2*n),
		AccumulatorMapping: make(stages.AccumulatorMapping),
		ApplyGradLayers:    make([]*stages.Layer, n),
		ApplyGrad:          stages.ApplyGradInfo{Donation: make(stages.AccumulatorMapping)},
		NumMicroBatches:    1,
		DefaultOptions:     stages.ShardingOptions{},
	}
	weights := make([]*ir.Var, n)
	for i := range weights {
		weights[i] = g.b.NewVar(g.shape(cfg.HiddenSizes[i], cfg.HiddenSizes[i+1]), fmt.Sprintf("w%d", i))
	}
	h := g.b.NewVar(g.shape(cfg.BatchSize, cfg.HiddenSizes[0]), "x")
	saved := make([]forwardOutputs, n)
	for i := 0; i < n; i++ {
		layer, outs := g.forwardLayer(i, h, weights[i])
		input.Layers[i] = layer
		h, saved[i] = outs.next, outs
	}

	grad := h
	for i := n - 1; i >= 0; i-- {
		acc := g.b.NewVar(weights[i].Shape, fmt.Sprintf("acc%d", i))
		layer, gradIn, accOut := g.backwardLayer(i, grad, saved[i], weights[i], acc)
		input.Layers[2*n-1-i] = layer
		input.AccumulatorMapping[acc.ID] = accOut
		input.AccGradInVars = append(input.AccGradInVars, acc)
		input.AccGradOutVars = append(input.AccGradOutVars, accOut)
		grad = gradIn

		applyLayer, newWeight := g.applyGradLayer(i, weights[i], accOut)
		input.ApplyGradLayers[i] = applyLayer
		input.ApplyGrad.Donation[weights[i].ID] = newWeight
		input.ApplyGrad.OutVars = append(input.ApplyGrad.OutVars, newWeight)
	}
	return input
}

// forwardLayer: next = activation(h @ w + bias), marked, saving the pre-activation for the backward pass.
func (g *generator) forwardLayer(idx int, h, w *ir.Var) (*stages.Layer, forwardOutputs) {
	name := fmt.Sprintf("layer_%d", idx)
	dtype := g.cfg.DType
	batch, hidden := g.cfg.BatchSize, w.Shape.Dimensions[1]
	out := g.shape(batch, hidden)
	half := g.shape(batch, hidden/2)

	start, marked := g.b.Marker(ir.MarkerStart, name, []*ir.Var{h, w})
	a, wm := marked[0], marked[1]
	body := []*ir.Eqn{start}
	emit := func(eqn *ir.Eqn) { body = append(body, eqn) }

	dot, y := g.b.Op(ir.DotGeneral, out, a, wm)
	emit(dot)
	bcast, bias := g.b.Op(ir.BroadcastInDim, out, ir.ScalarLiteral(dtype, 0.1))
	emit(bcast)
	addBias, pre := g.b.Op(ir.Add, out, y, bias)
	emit(addBias)
	split, halves := g.b.OpN(ir.Split, []shapes.Shape{half, half}, pre)
	emit(split)
	scaleEqn, scaled := g.b.Op(ir.Mul, half, halves[1], ir.ScalarLiteral(dtype, 0.5))
	emit(scaleEqn)
	concat, joined := g.b.Op(ir.Concat, out, halves[0], scaled)
	emit(concat)

	actOut := g.b.NewVar(out, "")
	if g.cfg.RematEvery > 0 && idx%g.cfg.RematEvery == 0 {
		remat := g.activation(joined, true)
		emit(ir.Call(ir.Remat, name+"_checkpoint", remat, []ir.Atom{joined}, []*ir.Var{actOut}))
	} else {
		emit(ir.Call(ir.CustomJVPCall, "silu", g.activation(joined, false), []ir.Atom{joined}, []*ir.Var{actOut}))
	}
	reshape, next := g.b.Op(ir.Reshape, out, actOut)
	emit(reshape)

	end, ends := g.b.Marker(ir.MarkerEnd, name, []*ir.Var{next, pre, a})
	emit(end)
	return &stages.Layer{
		Name: name,
		Jaxpr: &ir.Jaxpr{
			InVars:  []*ir.Var{h, w},
			OutVars: ends,
			Eqns:    body,
		},
	}, forwardOutputs{next: ends[0], pre: ends[1], input: ends[2]}
}

// activation returns the jaxpr of x*logistic(x), with its own fresh variables. The rematerialized
// version nests the custom derivative call of the plain one.
func (g *generator) activation(like *ir.Var, remat bool) *ir.Jaxpr {
	x := g.b.NewVar(like.Shape, "")
	if remat {
		y := g.b.NewVar(like.Shape, "")
		call := ir.Call(ir.CustomJVPCall, "silu", g.activation(like, false), []ir.Atom{x}, []*ir.Var{y})
		return &ir.Jaxpr{InVars: []*ir.Var{x}, OutVars: []*ir.Var{y}, Eqns: []*ir.Eqn{call}}
	}
	sig, s := g.b.Op(ir.Logistic, like.Shape, x)
	mul, y := g.b.Op(ir.Mul, like.Shape, x, s)
	return &ir.Jaxpr{InVars: []*ir.Var{x}, OutVars: []*ir.Var{y}, Eqns: []*ir.Eqn{sig, mul}}
}

// backwardLayer computes the gradient of the input and accumulates the gradient of the weights.
func (g *generator) backwardLayer(idx int, grad *ir.Var, saved forwardOutputs, w, acc *ir.Var) (layer *stages.Layer, gradIn, accOut *ir.Var) {
	name := fmt.Sprintf("layer_%d_backward", idx)
	batch := g.cfg.BatchSize
	in, out := w.Shape.Dimensions[0], w.Shape.Dimensions[1]

	start, marked := g.b.Marker(ir.MarkerStart, name, []*ir.Var{grad, saved.pre, saved.input, w, acc})
	gm, pm, xm, wm, am := marked[0], marked[1], marked[2], marked[3], marked[4]
	body := []*ir.Eqn{start}
	emit := func(eqn *ir.Eqn) { body = append(body, eqn) }

	sig, s := g.b.Op(ir.Logistic, pm.Shape, pm)
	emit(sig)
	gz, dz := g.b.Op(ir.Mul, g.shape(batch, out), gm, s)
	emit(gz)
	trX, xT := g.b.Op(ir.Transpose, g.shape(in, batch), xm)
	emit(trX)
	gw, dw := g.b.Op(ir.DotGeneral, w.Shape, xT, dz)
	emit(gw)
	accum, newAcc := g.b.Op(ir.Add, w.Shape, am, dw)
	emit(accum)
	trW, wT := g.b.Op(ir.Transpose, g.shape(out, in), wm)
	emit(trW)
	gx, dx := g.b.Op(ir.DotGeneral, g.shape(batch, in), dz, wT)
	emit(gx)
	conv, dxc := g.b.Op(ir.ConvertElementType, dx.Shape, dx)
	emit(conv)

	end, ends := g.b.Marker(ir.MarkerEnd, name, []*ir.Var{dxc, newAcc})
	emit(end)
	return &stages.Layer{
		Name: name,
		Jaxpr: &ir.Jaxpr{
			InVars:  []*ir.Var{grad, saved.pre, saved.input, w, acc},
			OutVars: ends,
			Eqns:    body,
		},
	}, ends[0], ends[1]
}

// applyGradLayer: w' = w - lr*acc, not marked.
func (g *generator) applyGradLayer(idx int, w, acc *ir.Var) (*stages.Layer, *ir.Var) {
	scale, update := g.b.Op(ir.Mul, w.Shape, acc, ir.ScalarLiteral(g.cfg.DType, 1e-3))
	sub, newW := g.b.Op(ir.Sub, w.Shape, w, update)
	newW.Label = fmt.Sprintf("w%d_new", idx)
	return &stages.Layer{
		Name: fmt.Sprintf("layer_%d_apply_grad", idx),
		Jaxpr: &ir.Jaxpr{
			InVars:  []*ir.Var{w, acc},
			OutVars: []*ir.Var{newW},
			Eqns:    []*ir.Eqn{scale, sub},
		},
	}, newW
}
