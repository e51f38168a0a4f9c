// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// NodeSpec describes a node to add to the graph via AddNode. Input/Output
// are names, not slot ids: AddNode interns them through SlotByName so
// callers (the model loader, or a rewrite synthesising a replacement node)
// never have to manage slot ids directly.
type NodeSpec struct {
	Name           string
	OpType         OpType
	Domain         string
	Version        int64
	Inputs         []string // "" denotes an omitted optional input.
	Outputs        []string
	ImplicitInputs []string
	OutputShapes   []shapes.Shape
	Attrs          map[string]Attr
	Subgraphs      map[string]*Graph
}

// AddNode appends a new node to the arena and wires its input/output names
// to slots, updating the producer/consumer indices. It returns the new
// node's index.
//
// Invariant enforced here: Outputs naming an already-produced slot is a hard error.
func (g *Graph) AddNode(spec NodeSpec) NodeIndex {
	idx := NodeIndex(len(g.nodes))
	n := &Node{
		index:          idx,
		graph:          g,
		Name:           spec.Name,
		OpType:         spec.OpType,
		Domain:         spec.Domain,
		Version:        spec.Version,
		OutputShapes:   spec.OutputShapes,
		Attrs:          spec.Attrs,
		Subgraphs:      spec.Subgraphs,
	}
	if n.Attrs == nil {
		n.Attrs = map[string]Attr{}
	}

	n.Inputs = make([]SlotID, len(spec.Inputs))
	for ii, name := range spec.Inputs {
		if name == "" {
			n.Inputs[ii] = InvalidSlotID
			continue
		}
		slot := g.SlotByName(name)
		n.Inputs[ii] = slot
		g.consumers[slot] = append(g.consumers[slot], idx)
	}

	n.ImplicitInputs = make([]SlotID, len(spec.ImplicitInputs))
	for ii, name := range spec.ImplicitInputs {
		slot := g.SlotByName(name)
		n.ImplicitInputs[ii] = slot
		g.consumers[slot] = append(g.consumers[slot], idx)
	}

	n.Outputs = make([]SlotID, len(spec.Outputs))
	for ii, name := range spec.Outputs {
		slot := g.SlotByName(name)
		if _, exists := g.producedBy[slot]; exists {
			exceptions.Panicf("graph.AddNode(%q): output %q (slot %d) already has a producer", spec.Name, name, slot)
		}
		if g.IsInitializer(slot) {
			exceptions.Panicf("graph.AddNode(%q): output %q (slot %d) is an initializer", spec.Name, name, slot)
		}
		n.Outputs[ii] = slot
		g.producedBy[slot] = idx
	}

	g.nodes = append(g.nodes, n)
	g.markDirty()
	return idx
}

// RemoveNode tombstones a node: its arena slot is kept (so NodeIndex values
// held elsewhere don't dangle) but it is dropped from iteration, its output
// slots are freed from the producer index (a following RetargetConsumers or
// a fresh AddNode may reuse the slot as an output again), and it is removed
// from every input slot's consumer list.
//
// Node elimination is a two-step contract: RemoveNode performs the removal
// half; RetargetConsumers performs the consumer-rewiring half.
func (g *Graph) RemoveNode(idx NodeIndex) {
	n := g.Node(idx)
	if n == nil {
		return
	}
	n.removed = true
	for _, slot := range n.Outputs {
		delete(g.producedBy, slot)
	}
	for _, slot := range n.Inputs {
		if slot == InvalidSlotID {
			continue
		}
		g.removeConsumer(slot, idx)
	}
	for _, slot := range n.ImplicitInputs {
		g.removeConsumer(slot, idx)
	}
	g.markDirty()
}

func (g *Graph) removeConsumer(slot SlotID, idx NodeIndex) {
	list := g.consumers[slot]
	for ii, consumerIdx := range list {
		if consumerIdx == idx {
			g.consumers[slot] = append(list[:ii], list[ii+1:]...)
			return
		}
	}
}

// RetargetConsumers rewires every live consumer of oldSlot to read from
// newSlot instead, and updates graph-output declarations that named
// oldSlot.
//
// oldSlot must have no remaining producer (the caller removes the old
// producing node first); newSlot becomes the sole owner of the name.
func (g *Graph) RetargetConsumers(oldSlot, newSlot SlotID) {
	if oldSlot == newSlot {
		return
	}
	// The consumer list carries one entry per reading edge (a node that
	// reads a slot at two input positions appears twice); rewiring must
	// preserve that, since the plan's consumer counts -- and through them
	// the executor's activation reference counts -- are per edge.
	consumers := append([]NodeIndex(nil), g.consumers[oldSlot]...)
	processed := make(map[NodeIndex]bool, len(consumers))
	for _, consumerIdx := range consumers {
		if processed[consumerIdx] {
			continue
		}
		processed[consumerIdx] = true
		n := g.Node(consumerIdx)
		if n == nil {
			continue
		}
		for ii, slot := range n.Inputs {
			if slot == oldSlot {
				n.Inputs[ii] = newSlot
				g.consumers[newSlot] = append(g.consumers[newSlot], consumerIdx)
			}
		}
		for ii, slot := range n.ImplicitInputs {
			if slot == oldSlot {
				n.ImplicitInputs[ii] = newSlot
				g.consumers[newSlot] = append(g.consumers[newSlot], consumerIdx)
			}
		}
	}
	delete(g.consumers, oldSlot)

	for ii, slot := range g.outputSlots {
		if slot == oldSlot {
			g.outputSlots[ii] = newSlot
		}
	}
	g.markDirty()
}

// RewireConsumerEdge updates the consumer indices after a caller moved a
// single input edge of node idx from oldSlot to newSlot (the caller already
// rewrote Node.Inputs). stillReadsOld keeps idx in oldSlot's consumer list
// when another of its inputs still reads oldSlot.
func (g *Graph) RewireConsumerEdge(idx NodeIndex, oldSlot, newSlot SlotID, stillReadsOld bool) {
	if !stillReadsOld {
		g.removeConsumer(oldSlot, idx)
	}
	// One entry per edge, matching AddNode's accounting.
	g.consumers[newSlot] = append(g.consumers[newSlot], idx)
	g.markDirty()
}

// SetInitializer overwrites the constant backing a slot in place (used by
// constant folding and the Conv fusions to update W/b without changing slot
// identity, and to turn a computed node's output into a fresh initializer).
func (g *Graph) SetInitializer(slot SlotID, value *tensors.Tensor) {
	g.Initializers[slot] = value
}
