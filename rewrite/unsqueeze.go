// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// UnsqueezeOpType is the op type folded by NewUnsqueezeConstantRule.
const UnsqueezeOpType graph.OpType = "Unsqueeze"

// NewUnsqueezeConstantRule returns the rule folding an Unsqueeze whose input
// is an initializer into a new initializer with the expanded shape. Unlike
// general constant folding, which defers to a node's registered kernel,
// this is done directly: inserting size-1
// dimensions changes only the shape, never the flat backing data, so no
// kernel invocation is needed.
func NewUnsqueezeConstantRule() Rule {
	return Rule{
		Name:    "fold-unsqueeze-of-constant",
		OpTypes: []graph.OpType{UnsqueezeOpType},
		Apply:   applyUnsqueezeConstantRule,
	}
}

func applyUnsqueezeConstantRule(_ context.Context, g *graph.Graph, n *graph.Node) (bool, error) {
	if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
		return false, nil
	}
	in := n.Inputs[0]
	out := n.Outputs[0]
	if !g.IsInitializer(in) {
		return false, nil
	}
	axes, ok := n.AttrInts("axes")
	if !ok || len(axes) == 0 {
		return false, nil
	}

	t := constantTensor(g, in)
	newShape, err := unsqueezeShape(t.Shape(), axes)
	if err != nil {
		return false, nil
	}

	folded := tensors.FromFlat(newShape, t.Flat(), t.Allocator())
	newSlot := g.AddInitializer(n.Name+"#folded", folded)

	g.RemoveNode(n.Index())
	g.RetargetConsumers(out, newSlot)
	return true, nil
}

// unsqueezeShape inserts a size-1 dimension at each position in axes
// (interpreted against the OUTPUT rank, per ONNX Unsqueeze semantics:
// negative axes count from the end of the output).
func unsqueezeShape(in shapes.Shape, axes []int64) (shapes.Shape, error) {
	outRank := in.Rank() + len(axes)
	norm := make([]int, len(axes))
	for i, a := range axes {
		if a < 0 {
			a += int64(outRank)
		}
		if a < 0 || int(a) >= outRank {
			return shapes.Shape{}, errors.Errorf("axis %d out of range for unsqueeze output rank %d", a, outRank)
		}
		norm[i] = int(a)
	}
	sort.Ints(norm)

	isInserted := make([]bool, outRank)
	for _, a := range norm {
		isInserted[a] = true
	}

	dims := make([]int64, outRank)
	srcIdx := 0
	for i := 0; i < outRank; i++ {
		if isInserted[i] {
			dims[i] = 1
		} else {
			dims[i] = in.Dim(srcIdx)
			srcIdx++
		}
	}
	return shapes.Make(in.DType, dims...), nil
}
