// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
)

// insertCasts splices a Cast node onto each float16 input of a node that
// no provider can serve at float16 but some provider can serve at float32.
// It is session-initializer-internal, not part of the user-facing
// transformer manager.
//
// One cast is inserted per float16 slot, shared by all its consumers.
func insertCasts(g *graph.Graph, providers []backends.Provider) bool {
	casted := make(map[graph.SlotID]graph.SlotID)
	changed := false

	order, err := g.TopoOrder()
	if err != nil {
		return false // Resolve in Init will surface the cycle.
	}

	for _, idx := range order {
		n := g.Node(idx)
		if n == nil || n.OpType == "Cast" {
			continue
		}
		if !needsFloat32Cast(g, n, providers) {
			continue
		}
		for pos, slot := range n.Inputs {
			if slot == graph.InvalidSlotID {
				continue
			}
			sh, ok := g.SlotShape(slot)
			if !ok || sh.DType != shapes.Float16 {
				continue
			}
			castSlot, done := casted[slot]
			if !done {
				castSlot = spliceCast(g, slot, sh)
				casted[slot] = castSlot
			}
			rewireInput(g, n, pos, slot, castSlot)
			changed = true
			klog.V(2).Infof("session: inserted float32 cast on input %d of node %q", pos, n.Name)
		}
	}
	return changed
}

// needsFloat32Cast reports whether the node has a float16 input, no
// provider matches it at float16, and at least one matches at float32.
func needsFloat32Cast(g *graph.Graph, n *graph.Node, providers []backends.Provider) bool {
	hasF16 := false
	for _, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		if sh, ok := g.SlotShape(slot); ok && sh.DType == shapes.Float16 {
			hasF16 = true
			break
		}
	}
	if !hasF16 {
		return false
	}
	for _, p := range providers {
		if _, _, ok := p.KernelRegistry().Find(n, shapes.Float16); ok {
			return false // Served natively; no cast needed.
		}
	}
	for _, p := range providers {
		if _, _, ok := p.KernelRegistry().Find(n, shapes.Float32); ok {
			return true
		}
	}
	return false // Assignment will fail with ErrNoKernel either way.
}

// spliceCast adds a Cast(to=Float32) node reading slot, returning the cast
// output's slot.
func spliceCast(g *graph.Graph, slot graph.SlotID, sh shapes.Shape) graph.SlotID {
	srcName := g.SlotName(slot)
	outName := srcName + "#cast_fp32"
	idx := g.AddNode(graph.NodeSpec{
		Name:         srcName + "#insert_cast",
		OpType:       "Cast",
		Version:      1,
		Inputs:       []string{srcName},
		Outputs:      []string{outName},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, sh.Dimensions...)},
		Attrs: map[string]graph.Attr{
			"to": graph.Int64Attr(int64(shapes.Float32)),
		},
	})
	return g.Node(idx).Outputs[0]
}

// rewireInput points input position pos of n from oldSlot to newSlot,
// keeping the consumer index coherent. Unlike Graph.RetargetConsumers this
// moves a single edge, not every consumer of the slot -- the Cast node
// itself keeps consuming oldSlot.
func rewireInput(g *graph.Graph, n *graph.Node, pos int, oldSlot, newSlot graph.SlotID) {
	n.Inputs[pos] = newSlot
	// Rebuild the two consumer lists through the public mutation surface:
	// drop n from oldSlot's consumers unless it still reads it elsewhere.
	stillReads := false
	for _, s := range n.Inputs {
		if s == oldSlot {
			stillReads = true
		}
	}
	for _, s := range n.ImplicitInputs {
		if s == oldSlot {
			stillReads = true
		}
	}
	g.RewireConsumerEdge(n.Index(), oldSlot, newSlot, stillReads)
}
