// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

func addUnary(t *testing.T, g *Graph, name string, op OpType, in, out string) NodeIndex {
	t.Helper()
	return g.AddNode(NodeSpec{
		Name:         name,
		OpType:       op,
		Inputs:       []string{in},
		Outputs:      []string{out},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
}

func TestAddNodeWiresSlots(t *testing.T) {
	g := New("test")
	g.DeclareGraphInput("x")
	absIdx := addUnary(t, g, "abs0", "Abs", "x", "abs_out")
	maxIdx := addUnary(t, g, "max0", "Max", "abs_out", "y")
	g.DeclareGraphOutput("y")

	absOut, ok := g.LookupSlot("abs_out")
	require.True(t, ok)
	producer, ok := g.ProducerOf(absOut)
	require.True(t, ok)
	assert.Equal(t, absIdx, producer)
	assert.Equal(t, []NodeIndex{maxIdx}, g.ConsumersOf(absOut))

	require.NoError(t, g.Resolve())
	order, err := g.TopoOrder()
	require.NoError(t, err)
	require.Len(t, order, 2)
	assert.Equal(t, absIdx, order[0])
	assert.Equal(t, maxIdx, order[1])
}

func TestAddNodeRejectsDoubleWrite(t *testing.T) {
	g := New("test")
	g.DeclareGraphInput("x")
	addUnary(t, g, "a", "Abs", "x", "out")
	assert.Panics(t, func() {
		addUnary(t, g, "b", "Abs", "x", "out")
	})
}

func TestRemoveAndRetarget(t *testing.T) {
	g := New("test")
	g.DeclareGraphInput("x")
	addUnary(t, g, "abs0", "Abs", "x", "abs_out")
	idIdx := addUnary(t, g, "id0", "Identity", "abs_out", "id_out")
	maxIdx := addUnary(t, g, "max0", "Max", "id_out", "y")
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	idOut, _ := g.LookupSlot("id_out")
	absOut, _ := g.LookupSlot("abs_out")
	g.RemoveNode(idIdx)
	g.RetargetConsumers(idOut, absOut)

	require.Nil(t, g.Node(idIdx), "removed node must read as nil")
	maxNode := g.Node(maxIdx)
	assert.Equal(t, absOut, maxNode.Inputs[0])
	assert.Equal(t, []NodeIndex{maxIdx}, g.ConsumersOf(absOut))
	require.NoError(t, g.Resolve())
}

func TestRetargetUpdatesGraphOutputs(t *testing.T) {
	g := New("test")
	g.DeclareGraphInput("x")
	idIdx := addUnary(t, g, "id0", "Identity", "x", "y")
	g.DeclareGraphOutput("y")

	ysSlot, _ := g.LookupSlot("y")
	xSlot, _ := g.LookupSlot("x")
	g.RemoveNode(idIdx)
	g.RetargetConsumers(ysSlot, xSlot)

	_, outSlots := g.GraphOutputs()
	assert.Equal(t, []SlotID{xSlot}, outSlots)
}

func TestResolveDetectsCycle(t *testing.T) {
	g := New("test")
	// a reads "b_out" before it exists; b closes the loop.
	g.AddNode(NodeSpec{
		Name: "a", OpType: "Abs",
		Inputs: []string{"b_out"}, Outputs: []string{"a_out"},
	})
	g.AddNode(NodeSpec{
		Name: "b", OpType: "Abs",
		Inputs: []string{"a_out"}, Outputs: []string{"b_out"},
	})
	err := g.Resolve()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCycle)
}

func TestResolveRejectsUndeclaredInput(t *testing.T) {
	g := New("test")
	addUnary(t, g, "a", "Abs", "nowhere", "out")
	err := g.Resolve()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither an initializer")
}

func TestResolveAcceptsInitializerFedNode(t *testing.T) {
	g := New("test")
	g.AddInitializer("w", tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{1, 2}, "test"))
	addUnary(t, g, "a", "Abs", "w", "out")
	g.DeclareGraphOutput("out")
	require.NoError(t, g.Resolve())
}

func TestInDegreeCountsDistinctPredecessors(t *testing.T) {
	g := New("test")
	g.DeclareGraphInput("x")
	absIdx := addUnary(t, g, "abs0", "Abs", "x", "abs_out")
	// max reads abs_out twice: one predecessor, not two.
	maxIdx := g.AddNode(NodeSpec{
		Name:         "max0",
		OpType:       "Max",
		Inputs:       []string{"abs_out", "abs_out"},
		Outputs:      []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	require.NoError(t, g.Resolve())
	order, err := g.TopoOrder()
	require.NoError(t, err)
	inDeg := g.InDegree(order)
	assert.Equal(t, 0, inDeg[absIdx])
	assert.Equal(t, 1, inDeg[maxIdx])
}

func TestSlotShape(t *testing.T) {
	g := New("test")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 2))
	absIdx := addUnary(t, g, "abs0", "Abs", "x", "abs_out")
	_ = absIdx

	xSlot, _ := g.LookupSlot("x")
	sh, ok := g.SlotShape(xSlot)
	require.True(t, ok)
	assert.True(t, sh.Equal(shapes.Make(shapes.Float32, 2)))

	absOut, _ := g.LookupSlot("abs_out")
	sh, ok = g.SlotShape(absOut)
	require.True(t, ok)
	assert.Equal(t, shapes.Float32, sh.DType)
}
