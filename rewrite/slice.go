// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/modelrt/graph"
)

// SliceOpType is the op type eliminated by NewSliceRule.
const SliceOpType graph.OpType = "Slice"

// NewSliceRule returns the rule eliminating no-op Slice nodes: a Slice
// with a single input/output whose starts[i] == 0 and
// ends[i] is INT64_MAX or -1 for every axis in its (possibly implicit)
// axes list is a full-range no-op and is dropped the same way as Identity.
func NewSliceRule() Rule {
	return Rule{
		Name:    "eliminate-noop-slice",
		OpTypes: []graph.OpType{SliceOpType},
		Apply:   applySliceRule,
	}
}

const int64Max = 1<<63 - 1

func applySliceRule(_ context.Context, g *graph.Graph, n *graph.Node) (bool, error) {
	if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
		return false, nil
	}
	starts, hasStarts := n.AttrInts("starts")
	ends, hasEnds := n.AttrInts("ends")
	if !hasStarts || !hasEnds || len(starts) != len(ends) {
		return false, nil
	}
	axes, hasAxes := n.AttrInts("axes")
	if !hasAxes {
		axes = make([]int64, len(starts))
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	if len(axes) != len(starts) {
		return false, nil
	}

	for i := range starts {
		if starts[i] != 0 {
			return false, nil
		}
		if ends[i] != int64Max && ends[i] != -1 {
			return false, nil
		}
	}

	in := n.Inputs[0]
	out := n.Outputs[0]
	if in == graph.InvalidSlotID {
		return false, nil
	}
	if _, produced := g.ProducerOf(in); !produced && !g.IsInitializer(in) {
		return false, nil
	}
	g.RemoveNode(n.Index())
	g.RetargetConsumers(out, in)
	return true, nil
}
