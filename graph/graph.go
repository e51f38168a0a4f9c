// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph implements Graph and Node: the mutable computation-graph
// data model that the graph-rewrite engine (package rewrite) transforms and
// the session-state initializer (package session) plans.
//
// Nodes live in an arena (Graph.nodes, a slice) and are referred to
// everywhere else by a dense NodeIndex, never by pointer held outside the
// arena, which breaks the Graph<->Node reference cycle. Graph carries no
// attached backend: it is a pure, backend-agnostic IR, sitting below the
// provider layer.
package graph

import (
	"fmt"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// NodeIndex is a dense index into Graph's node arena. It is never reused
// within a Graph's lifetime, even after the node it names is removed by a
// rewrite.
type NodeIndex int32

// InvalidNodeIndex marks an absent node.
const InvalidNodeIndex NodeIndex = -1

// SlotID is the dense integer identifier assigned to each distinct
// tensor-valued name in a graph. It is assigned once,
// the first time a name is produced or declared, and is stable across
// rewrites (a rewrite that removes a node's producer retargets consumers to
// a different SlotID; it never renumbers existing slots).
type SlotID int32

// InvalidSlotID marks the absence of a slot (e.g. an optional input left
// unset).
const InvalidSlotID SlotID = -1

// OpType names an operator, e.g. "Conv", "Identity", "BatchNormalization".
// It is a plain string, not a closed Go enum: the operator set is whatever
// the model file defines, not something this package can enumerate.
type OpType string

// Node is a named operator invocation.
type Node struct {
	index NodeIndex
	graph *Graph

	Name    string
	OpType  OpType
	Domain  string
	Version int64

	// Inputs are ordered input slot ids; InvalidSlotID marks an omitted
	// optional input.
	Inputs []SlotID
	// Outputs are ordered output slot ids.
	Outputs []SlotID
	// ImplicitInputs are slots referenced only by an attached subgraph
	//.
	ImplicitInputs []SlotID

	// OutputShapes is declared (not inferred) at construction time by
	// whoever builds the node -- the model loader for an original node, or
	// a rewrite rule for a replacement node it synthesises. Per-op shape
	// inference is a kernel concern, not Graph's.
	OutputShapes []shapes.Shape

	Attrs map[string]Attr

	// Subgraphs holds the attached subgraphs of a control-flow node (e.g.
	// If/Loop/Scan), keyed by attribute name.
	Subgraphs map[string]*Graph

	// Provider is the execution-provider identifier assigned by the
	// session-state initializer; empty until then.
	Provider string

	removed bool
}

// Index is this node's dense index within its Graph's arena.
func (n *Node) Index() NodeIndex { return n.index }

// Graph returns the owning Graph.
func (n *Node) Graph() *Graph { return n.graph }

// IsRemoved reports whether this node has been removed by a rewrite; its
// arena slot is kept as a tombstone so NodeIndex values referenced
// elsewhere stay valid (they simply must not be dereferenced).
func (n *Node) IsRemoved() bool { return n.removed }

func (n *Node) String() string {
	return fmt.Sprintf("%s(%s) #%d in=%v out=%v", n.Name, n.OpType, n.index, n.Inputs, n.Outputs)
}

// Graph is an ordered collection of nodes plus the initializer map, the
// graph-input/output slot lists, and a lazily-recomputed topological
// ordering.
type Graph struct {
	Name string

	nodes []*Node // arena; nodes[i].index == NodeIndex(i); tombstoned nodes have removed==true.

	// Initializers maps a constant slot id to its tensor value.
	Initializers map[SlotID]*tensors.Tensor

	// inputs/outputs are the graph-level input and output slot lists, with
	// parallel name slices for the Session API's name→slot lookups.
	inputNames  []string
	inputSlots  []SlotID
	outputNames []string
	outputSlots []SlotID

	nameToSlot map[string]SlotID
	slotNames  []string // slotNames[slot] is the canonical name for that slot.
	nextSlot   SlotID

	// inputShapes holds the declared shapes of graph inputs (optional; used
	// to validate feeds and to type float16 cast insertion). Keyed by slot.
	inputShapes map[SlotID]shapes.Shape

	producedBy map[SlotID]NodeIndex   // slot -> the node that writes it (excludes initializers/graph inputs).
	consumers  map[SlotID][]NodeIndex // slot -> nodes that read it as an (implicit) input.

	topoOrder []NodeIndex
	topoDirty bool
}

// New returns an empty Graph.
func New(name string) *Graph {
	return &Graph{
		Name:         name,
		Initializers: make(map[SlotID]*tensors.Tensor),
		nameToSlot:   make(map[string]SlotID),
		inputShapes:  make(map[SlotID]shapes.Shape),
		producedBy:   make(map[SlotID]NodeIndex),
		consumers:    make(map[SlotID][]NodeIndex),
		topoDirty:    true,
	}
}

// NumNodes returns the number of arena slots, including tombstoned nodes.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Node returns the node at the given index, or nil if it has been removed.
func (g *Graph) Node(idx NodeIndex) *Node {
	if idx < 0 || int(idx) >= len(g.nodes) {
		return nil
	}
	n := g.nodes[idx]
	if n.removed {
		return nil
	}
	return n
}

// Nodes iterates over all live (non-removed) nodes in arena order. Use
// TopoOrder for a dependency-respecting order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodes))
	for _, n := range g.nodes {
		if !n.removed {
			out = append(out, n)
		}
	}
	return out
}

// SlotName returns the canonical name for a slot id.
func (g *Graph) SlotName(slot SlotID) string {
	if slot < 0 || int(slot) >= len(g.slotNames) {
		return ""
	}
	return g.slotNames[slot]
}

// SlotByName returns the slot id for a tensor name, allocating a fresh one
// if this is the first time the name is seen.
func (g *Graph) SlotByName(name string) SlotID {
	if slot, ok := g.nameToSlot[name]; ok {
		return slot
	}
	slot := g.nextSlot
	g.nextSlot++
	g.nameToSlot[name] = slot
	g.slotNames = append(g.slotNames, name)
	return slot
}

// LookupSlot returns the slot id for a name without allocating one, and
// whether it exists.
func (g *Graph) LookupSlot(name string) (SlotID, bool) {
	slot, ok := g.nameToSlot[name]
	return slot, ok
}

// NumSlots returns the number of distinct tensor names seen so far (live or
// not); this is the upper bound a value store needs to size its cell array.
func (g *Graph) NumSlots() int { return int(g.nextSlot) }

// ProducerOf returns the node that writes the given slot and whether one
// exists; it won't for initializers and graph inputs, which are written
// outside the graph.
func (g *Graph) ProducerOf(slot SlotID) (NodeIndex, bool) {
	idx, ok := g.producedBy[slot]
	return idx, ok
}

// ConsumersOf returns the (live) nodes that read the given slot, as an
// explicit or implicit input.
func (g *Graph) ConsumersOf(slot SlotID) []NodeIndex {
	all := g.consumers[slot]
	out := make([]NodeIndex, 0, len(all))
	for _, idx := range all {
		if n := g.Node(idx); n != nil {
			out = append(out, idx)
		}
	}
	return out
}

// IsInitializer reports whether a slot is a constant.
func (g *Graph) IsInitializer(slot SlotID) bool {
	_, ok := g.Initializers[slot]
	return ok
}

// AddInitializer registers a constant tensor under the given name, and
// returns its slot id.
func (g *Graph) AddInitializer(name string, value *tensors.Tensor) SlotID {
	slot := g.SlotByName(name)
	if _, isProduced := g.producedBy[slot]; isProduced {
		exceptions.Panicf("graph.AddInitializer(%q): slot already has a producing node", name)
	}
	g.Initializers[slot] = value
	return slot
}

// DeclareGraphInput declares a graph-level input by name; it must not
// already be an initializer.
func (g *Graph) DeclareGraphInput(name string) SlotID {
	slot := g.SlotByName(name)
	if g.IsInitializer(slot) {
		exceptions.Panicf("graph.DeclareGraphInput(%q): name is already an initializer", name)
	}
	g.inputNames = append(g.inputNames, name)
	g.inputSlots = append(g.inputSlots, slot)
	return slot
}

// DeclareGraphOutput declares a graph-level output by name; the name must
// already resolve to a slot (an initializer or a node output).
func (g *Graph) DeclareGraphOutput(name string) SlotID {
	slot, ok := g.LookupSlot(name)
	if !ok {
		exceptions.Panicf("graph.DeclareGraphOutput(%q): unknown slot", name)
	}
	g.outputNames = append(g.outputNames, name)
	g.outputSlots = append(g.outputSlots, slot)
	return slot
}

// DeclareGraphInputShaped declares a graph-level input with its expected
// shape; feeds are validated against it at run time.
func (g *Graph) DeclareGraphInputShaped(name string, shape shapes.Shape) SlotID {
	slot := g.DeclareGraphInput(name)
	g.inputShapes[slot] = shape
	return slot
}

// SlotShape returns the statically-known shape of a slot, and whether one
// is known: an initializer's tensor shape, a node output's declared shape,
// or a graph input's declared shape.
func (g *Graph) SlotShape(slot SlotID) (shapes.Shape, bool) {
	if t, ok := g.Initializers[slot]; ok {
		return t.Shape(), true
	}
	if producerIdx, ok := g.producedBy[slot]; ok {
		n := g.Node(producerIdx)
		if n != nil {
			for pos, outSlot := range n.Outputs {
				if outSlot == slot && pos < len(n.OutputShapes) {
					return n.OutputShapes[pos], true
				}
			}
		}
	}
	if sh, ok := g.inputShapes[slot]; ok {
		return sh, true
	}
	return shapes.Invalid(), false
}

// GraphInputs returns the declared graph input names and slots, in
// declaration order.
func (g *Graph) GraphInputs() (names []string, slots []SlotID) {
	return g.inputNames, g.inputSlots
}

// GraphOutputs returns the declared graph output names and slots, in
// declaration order.
func (g *Graph) GraphOutputs() (names []string, slots []SlotID) {
	return g.outputNames, g.outputSlots
}

// markDirty invalidates the cached topological order; called by every
// mutation.
func (g *Graph) markDirty() { g.topoDirty = true }
