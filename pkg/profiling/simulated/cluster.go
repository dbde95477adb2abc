// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simulated

import (
	"github.com/gomlx/predtop/pkg/profiling"
	"github.com/pkg/errors"
)

// Cluster of identical hosts. It implements profiling.Slicer.
type Cluster struct {
	NumHosts          int `yaml:"num_hosts" validate:"gt=0"`
	NumDevicesPerHost int `yaml:"num_devices_per_host" validate:"gt=0"`
}

var _ profiling.Slicer = Cluster{}

// NumDevices of the cluster.
func (c Cluster) NumDevices() int { return c.NumHosts * c.NumDevicesPerHost }

// SliceProfilingSubmeshes carves the cluster into as many disjoint submeshes of the given shape as fit.
//
// A single host submesh can take a part of a host, in which case NumDevicesPerHost must divide the devices
// of the host. Multi-host submeshes take whole hosts.
func (c Cluster) SliceProfilingSubmeshes(numHosts, numDevicesPerHost int) ([]profiling.VirtualMesh, error) {
	switch {
	case numHosts < 1 || numDevicesPerHost < 1:
		return nil, errors.Errorf("invalid submesh shape %dx%d", numHosts, numDevicesPerHost)
	case numHosts > c.NumHosts || numDevicesPerHost > c.NumDevicesPerHost:
		return nil, errors.Errorf("submesh %dx%d does not fit in cluster %dx%d",
			numHosts, numDevicesPerHost, c.NumHosts, c.NumDevicesPerHost)
	case numHosts > 1 && numDevicesPerHost != c.NumDevicesPerHost:
		return nil, errors.Errorf("multi-host submesh %dx%d must use all the %d devices of its hosts",
			numHosts, numDevicesPerHost, c.NumDevicesPerHost)
	case c.NumDevicesPerHost%numDevicesPerHost != 0:
		return nil, errors.Errorf("submesh %dx%d does not divide the %d devices of a host",
			numHosts, numDevicesPerHost, c.NumDevicesPerHost)
	}
	var submeshes []profiling.VirtualMesh
	slotsPerHost := c.NumDevicesPerHost / numDevicesPerHost
	for first := 0; first+numHosts <= c.NumHosts; first += numHosts {
		for range slotsPerHost {
			hosts := make([]int, numHosts)
			for i := range hosts {
				hosts[i] = first + i
			}
			submeshes = append(submeshes, profiling.VirtualMesh{HostIDs: hosts, NumDevicesPerHost: numDevicesPerHost})
		}
	}
	return submeshes, nil
}
