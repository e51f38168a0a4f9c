// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/fence"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
)

// ErrNoKernel is wrapped into the error returned when a node has no
// matching kernel in any registered provider; it fails initialization.
var ErrNoKernel = errors.New("no registered provider has a matching kernel")

// Init produces the execution plan for a resolved graph. providers is the
// session's priority-ordered provider list; it must be non-empty.
func Init(g *graph.Graph, providers []backends.Provider) (*Plan, error) {
	if len(providers) == 0 {
		return nil, errors.New("session.Init: no execution providers registered")
	}
	if err := g.Resolve(); err != nil {
		return nil, err
	}

	// Cast insertion runs before provider assignment: it changes the node
	// set, and assignment below must see the final graph.
	if changed := insertCasts(g, providers); changed {
		if err := g.Resolve(); err != nil {
			return nil, errors.WithMessage(err, "session.Init: insert-cast left graph unresolved")
		}
	}

	order, err := g.TopoOrder()
	if err != nil {
		return nil, err
	}

	plan := &Plan{
		Graph:         g,
		Order:         order,
		InDegree:      g.InDegree(order),
		Successors:    make(map[graph.NodeIndex][]graph.NodeIndex),
		Providers:     providers,
		NodeProvider:  make(map[graph.NodeIndex]backends.Provider),
		Kernels:       make(map[graph.NodeIndex]backends.Kernel),
		KernelDefs:    make(map[graph.NodeIndex]*backends.KernelDef),
		SlotFences:    make(map[graph.SlotID]fence.Fence),
		SlotAllocator: make(map[graph.SlotID]string),
		ConsumerCount: make(map[graph.SlotID]int),
		Prepacked:     make(map[graph.NodeIndex]any),
		Subgraphs:     make(map[SubgraphKey]*Plan),
	}

	// Provider assignment and kernel instantiation: first provider whose
	// registry matches wins.
	for _, idx := range order {
		n := g.Node(idx)
		def, factory, provider, found := findKernel(g, n, providers)
		if !found {
			return nil, errors.Wrapf(ErrNoKernel, "node %q (op %s, domain %q, version %d)",
				n.Name, n.OpType, n.Domain, n.Version)
		}
		kernel, errNew := factory(n)
		if errNew != nil {
			return nil, errors.WithMessagef(errNew, "node %q: kernel construction failed", n.Name)
		}
		n.Provider = provider.Type()
		plan.NodeProvider[idx] = provider
		plan.Kernels[idx] = kernel
		plan.KernelDefs[idx] = def

		// Prepack weights: offered every initializer input; the
		// first non-nil payload is kept.
		if prepacker, ok := kernel.(backends.Prepacker); ok {
			for pos, slot := range n.Inputs {
				if slot == graph.InvalidSlotID || !g.IsInitializer(slot) {
					continue
				}
				payload, errPack := prepacker.Prepack(pos, g.Initializers[slot])
				if errPack != nil {
					return nil, errors.WithMessagef(errPack, "node %q: prepack failed for input %d", n.Name, pos)
				}
				if payload != nil {
					plan.Prepacked[idx] = payload
					break
				}
			}
		}
	}

	// Successor lists, consumer counts, allocator identities, and fences
	// for cross-provider edges.
	for _, idx := range order {
		n := g.Node(idx)
		provider := plan.NodeProvider[idx]
		allocName := provider.GetAllocator(0, backends.MemDefault).Name()
		for _, slot := range n.Outputs {
			plan.SlotAllocator[slot] = allocName
			seen := make(map[graph.NodeIndex]bool)
			for _, consumerIdx := range g.ConsumersOf(slot) {
				plan.ConsumerCount[slot]++
				if !seen[consumerIdx] {
					seen[consumerIdx] = true
					plan.Successors[idx] = append(plan.Successors[idx], consumerIdx)
				}
				if plan.NodeProvider[consumerIdx] != provider {
					ensureFence(plan, slot, provider)
				}
			}
		}
	}
	// Graph inputs and initializers live in the first provider's arena
	// until a cross-device copy stages them elsewhere.
	defaultAlloc := providers[0].GetAllocator(0, backends.MemDefault).Name()
	for slot := range g.Initializers {
		plan.SlotAllocator[slot] = defaultAlloc
	}
	_, inputSlots := g.GraphInputs()
	for _, slot := range inputSlots {
		if _, ok := plan.SlotAllocator[slot]; !ok {
			plan.SlotAllocator[slot] = defaultAlloc
		}
	}

	// Recursively initialize attached subgraphs.
	for _, idx := range order {
		n := g.Node(idx)
		for attr, sub := range n.Subgraphs {
			subPlan, errSub := Init(sub, providers)
			if errSub != nil {
				return nil, errors.WithMessagef(errSub, "subgraph %q of node %q", attr, n.Name)
			}
			plan.Subgraphs[SubgraphKey{Node: idx, Attr: attr}] = subPlan
		}
	}

	klog.V(1).Infof("session: planned graph %q: %d nodes, %d slots, %d fenced slot(s)",
		g.Name, len(order), g.NumSlots(), len(plan.SlotFences))
	return plan, nil
}

// findKernel walks providers in priority order and returns the first
// matching registration.
func findKernel(g *graph.Graph, n *graph.Node, providers []backends.Provider) (
	*backends.KernelDef, backends.KernelFactory, backends.Provider, bool) {
	primary := primaryDType(g, n)
	for _, p := range providers {
		if def, factory, ok := p.KernelRegistry().Find(n, primary); ok {
			return def, factory, p, true
		}
	}
	return nil, nil, nil, false
}

// primaryDType is the element type used for kernel type-constraint
// matching: the first present input's dtype, else the first declared
// output's (source ops like Constant have no inputs).
func primaryDType(g *graph.Graph, n *graph.Node) shapes.DType {
	for _, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		if sh, ok := g.SlotShape(slot); ok {
			return sh.DType
		}
		return shapes.InvalidDType
	}
	if len(n.OutputShapes) > 0 && n.OutputShapes[0].Ok() {
		return n.OutputShapes[0].DType
	}
	return shapes.InvalidDType
}

// ensureFence creates the slot's fence on first demand, asking the
// producing provider for a device fence when it offers one.
func ensureFence(plan *Plan, slot graph.SlotID, producer backends.Provider) {
	if _, ok := plan.SlotFences[slot]; ok {
		return
	}
	if factory, ok := producer.(backends.FenceFactory); ok {
		plan.SlotFences[slot] = factory.NewFence()
		return
	}
	plan.SlotFences[slot] = fence.Synchronous{}
}
