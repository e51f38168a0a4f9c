// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/backends/cpu"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/rewrite"
	"github.com/gomlx/modelrt/session"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

func simpleAddGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("add")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 2))
	g.AddInitializer("w", tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{1, 2}, "cpu"))
	g.AddNode(graph.NodeSpec{
		Name: "add0", OpType: "Add",
		Inputs: []string{"x", "w"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())
	return g
}

func TestInitAssignsProviderAndKernel(t *testing.T) {
	g := simpleAddGraph(t)
	provider := cpu.New()
	plan, err := session.Init(g, []backends.Provider{provider})
	require.NoError(t, err)

	require.Len(t, plan.Order, 1)
	idx := plan.Order[0]
	assert.Same(t, provider, plan.NodeProvider[idx].(*cpu.Provider))
	assert.NotNil(t, plan.Kernels[idx])
	assert.Equal(t, "cpu", g.Node(idx).Provider)

	ySlot, _ := g.LookupSlot("y")
	assert.Equal(t, cpu.AllocatorName, plan.SlotAllocator[ySlot])
}

func TestInitFailsWithoutMatchingKernel(t *testing.T) {
	g := graph.New("unknown-op")
	g.DeclareGraphInput("x")
	g.AddNode(graph.NodeSpec{
		Name: "weird0", OpType: "NoSuchOp",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	_, err := session.Init(g, []backends.Provider{cpu.New()})
	require.Error(t, err)
	assert.ErrorIs(t, err, session.ErrNoKernel)
}

func TestInitPrepacksConvWeights(t *testing.T) {
	g := graph.New("conv")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 1, 1, 2, 2))
	g.AddInitializer("w", tensors.FromFlat(shapes.Make(shapes.Float32, 1, 1, 1, 1), []float32{2}, "cpu"))
	g.AddNode(graph.NodeSpec{
		Name: "conv0", OpType: "Conv",
		Inputs: []string{"x", "w"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 1, 1, 2, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	plan, err := session.Init(g, []backends.Provider{cpu.New()})
	require.NoError(t, err)
	assert.NotNil(t, plan.Prepacked[plan.Order[0]], "Conv weights must be prepacked at plan time")
}

func TestInitInsertsFloat32Cast(t *testing.T) {
	g := graph.New("fp16")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float16, 2))
	// Abs is registered for float32/float64 only: the fp16 path must get a
	// cast spliced in.
	g.AddNode(graph.NodeSpec{
		Name: "abs0", OpType: "Abs",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	plan, err := session.Init(g, []backends.Provider{cpu.New()})
	require.NoError(t, err)
	require.Len(t, plan.Order, 2, "a Cast node must have been inserted")

	var castSeen bool
	for _, idx := range plan.Order {
		n := g.Node(idx)
		if n.OpType == "Cast" {
			castSeen = true
			to, ok := n.AttrInt64("to")
			require.True(t, ok)
			assert.Equal(t, int64(shapes.Float32), to)
		}
		if n.OpType == "Abs" {
			sh, ok := g.SlotShape(n.Inputs[0])
			require.True(t, ok)
			assert.Equal(t, shapes.Float32, sh.DType, "Abs must now read the cast output")
		}
	}
	assert.True(t, castSeen)
}

func TestInitRecursesIntoSubgraphs(t *testing.T) {
	sub := graph.New("body")
	sub.DeclareGraphInputShaped("s_in", shapes.Make(shapes.Float32, 1))
	sub.AddNode(graph.NodeSpec{
		Name: "s_abs", OpType: "Abs",
		Inputs: []string{"s_in"}, Outputs: []string{"s_out"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 1)},
	})
	sub.DeclareGraphOutput("s_out")
	require.NoError(t, sub.Resolve())

	g := graph.New("outer")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 1))
	// Identity stands in for a control-flow op: any kernel works, the plan
	// only needs the attachment.
	idx := g.AddNode(graph.NodeSpec{
		Name: "loopish0", OpType: "Identity",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 1)},
		Subgraphs:    map[string]*graph.Graph{"body": sub},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	plan, err := session.Init(g, []backends.Provider{cpu.New()})
	require.NoError(t, err)
	subPlan, ok := plan.Subgraphs[session.SubgraphKey{Node: idx, Attr: "body"}]
	require.True(t, ok)
	assert.Len(t, subPlan.Order, 1)

	handles := plan.SubgraphPlans(idx)
	require.Contains(t, handles, "body")
	assert.Same(t, subPlan, handles["body"].(*session.Plan))
}

// TestConstantFoldingViaEvaluator: a node fed only by initializers is
// executed at rewrite time and replaced by an initializer.
func TestConstantFoldingViaEvaluator(t *testing.T) {
	g := graph.New("fold")
	g.AddInitializer("a", tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{1, 2}, "cpu"))
	g.AddInitializer("b", tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{10, 20}, "cpu"))
	g.AddNode(graph.NodeSpec{
		Name: "add0", OpType: "Add",
		Inputs: []string{"a", "b"}, Outputs: []string{"sum"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.AddNode(graph.NodeSpec{
		Name: "abs0", OpType: "Abs",
		Inputs: []string{"sum"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	providers := []backends.Provider{cpu.New()}
	manager := rewrite.NewManager(rewrite.NewConstantFolding(session.NewEvaluator(providers)))
	require.NoError(t, manager.ApplyAll(context.Background(), g))

	// Both nodes fold (abs0 becomes constant-fed once add0 folds), leaving
	// an empty runtime graph whose output is an initializer.
	assert.Empty(t, g.Nodes())
	ySlot, _ := g.LookupSlot("y")
	folded := g.Initializers[ySlot]
	require.NotNil(t, folded)
	assert.Equal(t, []float32{11, 22}, folded.Flat().([]float32))
}
