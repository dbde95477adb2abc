// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simulated implements the profiling collaborators with a roofline model of the devices, in lieu
// of a real cluster: a Cluster slicer, an Executor and a Lowerer.
//
// It is used by the "simulate" command and in tests.
package simulated

import (
	"github.com/gomlx/predtop/pkg/costmodel"
	"github.com/gomlx/predtop/pkg/ir"
	"github.com/gomlx/predtop/pkg/stagegraph"
	"github.com/pkg/errors"
)

// Device is the roofline description of an accelerator and its interconnect.
type Device struct {
	// PeakFlops is the peak compute throughput, in floating point operations per second.
	PeakFlops float64 `yaml:"peak_flops" validate:"gt=0"`

	// MemoryBandwidth in bytes per second.
	MemoryBandwidth float64 `yaml:"memory_bandwidth" validate:"gt=0"`

	// LinkBandwidth is the bandwidth between devices, in bytes per second.
	LinkBandwidth float64 `yaml:"link_bandwidth" validate:"gt=0"`

	// LaunchOverhead is the fixed cost of running a module, in seconds.
	LaunchOverhead float64 `yaml:"launch_overhead" validate:"gte=0"`
}

// DefaultDevice is loosely based on a current datacenter GPU.
func DefaultDevice() Device {
	return Device{
		PeakFlops:       300e12,
		MemoryBandwidth: 2e12,
		LinkBandwidth:   100e9,
		LaunchOverhead:  10e-6,
	}
}

// activationFlops is the cost of a transcendental function per element.
const activationFlops = 4

// nodeFlops estimates the floating point operations of an operation node.
func nodeFlops(g *stagegraph.Graph, n stagegraph.Node, preds []stagegraph.NodeID) float64 {
	switch costmodel.CategoryOf(n.Primitive) {
	case costmodel.CategoryMatMul:
		return costmodel.MatMulFlops(g, n, preds)
	case costmodel.CategoryElementwise:
		return float64(n.Shape.Size())
	case costmodel.CategoryActivation:
		return activationFlops * float64(n.Shape.Size())
	case costmodel.CategoryReduction:
		var size float64
		for _, p := range preds {
			size += float64(g.Nodes[p].Shape.Size())
		}
		return size
	default:
		return 0
	}
}

// ModuleCost is the roofline estimate of one module on a mesh.
type ModuleCost struct {
	Seconds    float64
	PeakMemory int64
}

// EstimateModule returns the time and memory to run the module once on numDevices devices.
//
// Each operation takes the longest of its compute time and its memory traffic time. The work is split
// evenly across the devices, and with more than one device the inputs of the module are all-reduced.
func (d Device) EstimateModule(j *ir.Jaxpr, numDevices int) (ModuleCost, error) {
	if numDevices < 1 {
		return ModuleCost{}, errors.Errorf("invalid number of devices %d", numDevices)
	}
	g, err := stagegraph.BuildE(j)
	if err != nil {
		return ModuleCost{}, err
	}
	preds := g.Predecessors()
	var seconds, inputBytes float64
	var memory int64
	for _, n := range g.Nodes {
		bytes := float64(n.Shape.Memory())
		memory += int64(n.Shape.Memory())
		switch n.Kind {
		case stagegraph.KindInput, stagegraph.KindConstant:
			inputBytes += bytes
		case stagegraph.KindOperation:
			traffic := bytes
			for _, p := range preds[n.ID] {
				traffic += float64(g.Nodes[p].Shape.Memory())
			}
			seconds += max(nodeFlops(g, n, preds[n.ID])/d.PeakFlops, traffic/d.MemoryBandwidth)
		}
	}
	seconds /= float64(numDevices)
	if numDevices > 1 {
		seconds += 2 * float64(numDevices-1) / float64(numDevices) * inputBytes / d.LinkBandwidth
	}
	return ModuleCost{
		Seconds:    seconds + d.LaunchOverhead,
		PeakMemory: memory / int64(numDevices),
	}, nil
}
