// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package session implements the session-state initializer: it
// takes a resolved, rewritten graph and produces the immutable execution
// Plan every executor consumes -- provider assignment, plan-time kernel
// instantiation, topological order and in-degrees, per-slot fences and
// allocator identities, prepacked weights, and recursively-initialized
// subgraph plans.
//
// Graph building and freezing are split: all per-model derived state
// hangs off the frozen artifact (Plan), and the freezing is Init.
package session

import (
	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/fence"
	"github.com/gomlx/modelrt/graph"
)

// SubgraphKey indexes a subgraph plan in its parent: the control-flow
// node's index plus the attribute name the subgraph hangs off.
type SubgraphKey struct {
	Node graph.NodeIndex
	Attr string
}

// Plan is the immutable per-model execution plan, produced once per
// loaded model by Init and shared, read-only, by every concurrent run.
type Plan struct {
	Graph *graph.Graph

	// Order is the frozen topological order over live nodes.
	Order []graph.NodeIndex

	// InDegree is each node's distinct-predecessor count; the parallel
	// executor resets its per-run pending counters from it.
	InDegree map[graph.NodeIndex]int

	// Successors maps each node to its distinct successor nodes, in a fixed
	// order (the successor-release step walks this list).
	Successors map[graph.NodeIndex][]graph.NodeIndex

	// Providers is the registration-order provider list.
	Providers []backends.Provider

	// NodeProvider is the per-node provider assignment.
	NodeProvider map[graph.NodeIndex]backends.Provider

	// Kernels holds the per-node kernel instances, constructed (and their
	// attributes validated) at plan time.
	Kernels map[graph.NodeIndex]backends.Kernel

	// KernelDefs holds each assigned kernel's definition; the executor reads
	// the execution-queue id off it for fence calls.
	KernelDefs map[graph.NodeIndex]*backends.KernelDef

	// SlotFences holds the fence for every slot that crosses a provider
	// boundary; slots with same-provider edges only are absent (the
	// executors substitute the no-op fence.Synchronous).
	SlotFences map[graph.SlotID]fence.Fence

	// SlotAllocator records which arena owns each slot's buffer.
	SlotAllocator map[graph.SlotID]string

	// ConsumerCount is the number of live consumers per slot, known at plan
	// time; the executor's implicit reference counting for activation
	// lifetimes derives from it.
	ConsumerCount map[graph.SlotID]int

	// Prepacked holds the per-node opaque payloads produced by kernels'
	// plan-time Prepack.
	Prepacked map[graph.NodeIndex]any

	// Subgraphs holds the recursively-initialized plans of attached
	// subgraphs.
	Subgraphs map[SubgraphKey]*Plan
}

// NodeQueue returns the execution-queue id of the node's assigned kernel.
func (p *Plan) NodeQueue(idx graph.NodeIndex) fence.QueueID {
	if def, ok := p.KernelDefs[idx]; ok {
		return def.Queue
	}
	return 0
}

// FenceFor returns the fence guarding a slot, falling back to the no-op
// synchronous fence for same-provider slots.
func (p *Plan) FenceFor(slot graph.SlotID) fence.Fence {
	if f, ok := p.SlotFences[slot]; ok {
		return f
	}
	return fence.Synchronous{}
}

// SubgraphPlans returns the opaque handles a control-flow kernel receives
// to look up its subgraph plans at run time, keyed by attribute name; nil
// when the node has none.
func (p *Plan) SubgraphPlans(idx graph.NodeIndex) map[string]any {
	var out map[string]any
	for key, sub := range p.Subgraphs {
		if key.Node != idx {
			continue
		}
		if out == nil {
			out = make(map[string]any)
		}
		out[key.Attr] = sub
	}
	return out
}
