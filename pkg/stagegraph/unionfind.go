// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package stagegraph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/predtop/pkg/ir"
)

// key identifies a variable in one lexical scope: each inlined computation gets its own scope, since the
// same variables may appear in the enclosing computation.
type key struct {
	scope int
	id    ir.VarID
}

// entry of the resolver: either bound to a node (root) or an alias of an older key.
type entry struct {
	rank   int
	parent key
	isRoot bool
	node   NodeID
}

// resolver resolves variables to the node holding their value, following alias chains.
//
// Termination: every key gets a rank when it is defined, strictly increasing with the order of definition.
// A key can only be defined once, and it can only be made an alias of a key already defined, hence of
// lower rank. Path compression only replaces a parent by one of its ancestors, of even lower rank. So
// ranks strictly decrease along any chain, there are no cycles and find stops after at most rank steps.
type resolver struct {
	entries  map[key]*entry
	nextRank int
}

func newResolver() *resolver {
	return &resolver{entries: make(map[key]*entry)}
}

func (r *resolver) define(k key) *entry {
	if _, found := r.entries[k]; found {
		exceptions.Panicf("stagegraph: variable %d defined twice in scope %d", k.id, k.scope)
	}
	e := &entry{rank: r.nextRank}
	r.nextRank++
	r.entries[k] = e
	return e
}

// bind defines k as holding the value of node.
func (r *resolver) bind(k key, node NodeID) {
	e := r.define(k)
	e.isRoot = true
	e.node = node
}

// alias defines k as holding the same value as target, which must already be defined.
func (r *resolver) alias(k, target key) {
	if _, found := r.entries[target]; !found {
		exceptions.Panicf("stagegraph: variable %d (scope %d) aliased to undefined variable %d (scope %d)",
			k.id, k.scope, target.id, target.scope)
	}
	e := r.define(k)
	e.parent = target
}

// has returns whether k is defined.
func (r *resolver) has(k key) bool {
	_, found := r.entries[k]
	return found
}

// find returns the node holding the value of k, compressing the path followed.
func (r *resolver) find(k key) NodeID {
	e, found := r.entries[k]
	if !found {
		exceptions.Panicf("stagegraph: variable %d used in scope %d before being defined", k.id, k.scope)
	}
	rootKey := k
	var path []*entry
	for !e.isRoot {
		parent := r.entries[e.parent]
		if parent.rank >= e.rank {
			exceptions.Panicf("stagegraph: alias chain of variable %d does not decrease in rank", k.id)
		}
		path = append(path, e)
		rootKey = e.parent
		e = parent
	}
	for _, p := range path {
		p.parent = rootKey
	}
	return e.node
}
