// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import "github.com/pkg/errors"

// ErrCycle is returned by Resolve when the graph contains a cycle, e.g.
// one introduced by a buggy rewrite.
var ErrCycle = errors.New("graph contains a cycle")

// Resolve re-validates the graph's invariants and recomputes its
// topological order. It must be called after every rewrite pass.
//
// Per-op numerical shape inference is a kernel concern, so Resolve checks
// the invariants that are Graph's own responsibility -- acyclicity,
// declared input slots, single-writer-per-slot -- rather than re-deriving
// every node's output shape from scratch.
func (g *Graph) Resolve() error {
	order, err := g.computeTopoOrder()
	if err != nil {
		return err
	}
	g.topoOrder = order
	g.topoDirty = false

	position := make(map[NodeIndex]int, len(order))
	for pos, idx := range order {
		position[idx] = pos
	}

	for _, idx := range order {
		n := g.nodes[idx]
		for _, slot := range n.Inputs {
			if slot == InvalidSlotID {
				continue
			}
			if err := g.checkInputResolved(n, slot, position, pos(position, idx)); err != nil {
				return err
			}
		}
		for _, slot := range n.ImplicitInputs {
			if err := g.checkInputResolved(n, slot, position, pos(position, idx)); err != nil {
				return err
			}
		}
	}

	for _, slot := range g.outputSlots {
		if !g.IsInitializer(slot) {
			if _, ok := g.producedBy[slot]; !ok {
				return errors.Errorf("graph.Resolve: output slot %d (%s) has no producer", slot, g.SlotName(slot))
			}
		}
	}
	return nil
}

func pos(position map[NodeIndex]int, idx NodeIndex) int { return position[idx] }

// checkInputResolved enforces the core structural invariant: every input
// slot of n is either in the initializer map or the output slot of some
// node preceding n in topological order.
func (g *Graph) checkInputResolved(n *Node, slot SlotID, position map[NodeIndex]int, nPos int) error {
	if g.IsInitializer(slot) {
		return nil
	}
	producerIdx, ok := g.producedBy[slot]
	if ok {
		if producerPos, known := position[producerIdx]; known && producerPos < nPos {
			return nil
		}
		return errors.Errorf("graph.Resolve: node %q reads slot %d (%s) before its producer in topological order",
			n.Name, slot, g.SlotName(slot))
	}
	// Not an initializer, no producer: must be a declared graph input.
	for _, inSlot := range g.inputSlots {
		if inSlot == slot {
			return nil
		}
	}
	return errors.Errorf("graph.Resolve: node %q reads slot %d (%s), which is neither an initializer, "+
		"a declared graph input, nor produced by any node", n.Name, slot, g.SlotName(slot))
}

// TopoOrder returns the cached topological order, recomputing it (without
// full invariant validation -- use Resolve for that) if the graph has been
// mutated since the last computation.
func (g *Graph) TopoOrder() ([]NodeIndex, error) {
	if !g.topoDirty && g.topoOrder != nil {
		return g.topoOrder, nil
	}
	order, err := g.computeTopoOrder()
	if err != nil {
		return nil, err
	}
	g.topoOrder = order
	g.topoDirty = false
	return order, nil
}

// computeTopoOrder runs a depth-first-search based topological sort over
// live nodes, using the producer/consumer indices built up by AddNode.
func (g *Graph) computeTopoOrder() ([]NodeIndex, error) {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make([]uint8, len(g.nodes))
	order := make([]NodeIndex, 0, len(g.nodes))

	var visit func(idx NodeIndex) error
	visit = func(idx NodeIndex) error {
		switch color[idx] {
		case black:
			return nil
		case gray:
			return errors.Wrapf(ErrCycle, "cycle detected at node %q", g.nodes[idx].Name)
		}
		color[idx] = gray
		n := g.nodes[idx]
		for _, slot := range n.Inputs {
			if slot == InvalidSlotID {
				continue
			}
			if producerIdx, ok := g.producedBy[slot]; ok {
				if err := visit(producerIdx); err != nil {
					return err
				}
			}
		}
		for _, slot := range n.ImplicitInputs {
			if producerIdx, ok := g.producedBy[slot]; ok {
				if err := visit(producerIdx); err != nil {
					return err
				}
			}
		}
		color[idx] = black
		order = append(order, idx)
		return nil
	}

	for idx, n := range g.nodes {
		if n.removed || color[idx] != white {
			continue
		}
		if err := visit(NodeIndex(idx)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// InDegree returns, for every live node in the given topological order, the
// number of distinct predecessor nodes it has (counting a predecessor once
// even if it feeds more than one input) -- this is what the parallel
// executor resets pending[node] to at the start of each run.
func (g *Graph) InDegree(order []NodeIndex) map[NodeIndex]int {
	inDegree := make(map[NodeIndex]int, len(order))
	for _, idx := range order {
		n := g.nodes[idx]
		seen := make(map[NodeIndex]bool)
		count := func(slot SlotID) {
			if slot == InvalidSlotID || g.IsInitializer(slot) {
				return
			}
			if producerIdx, ok := g.producedBy[slot]; ok {
				if !seen[producerIdx] {
					seen[producerIdx] = true
					inDegree[idx]++
				}
			}
		}
		for _, slot := range n.Inputs {
			count(slot)
		}
		for _, slot := range n.ImplicitInputs {
			count(slot)
		}
	}
	return inDegree
}
