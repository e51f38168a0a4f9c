// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/modelrt/graph"
)

// AddOpType is the op type folded by NewConvAddRule.
const AddOpType graph.OpType = "Add"

// NewConvAddRule returns the rule folding a following Add-of-constant into
// a Conv's bias: b ← b + c,
// synthesising b from zero if absent.
func NewConvAddRule() Rule {
	return Rule{
		Name:    "fuse-conv-add",
		OpTypes: []graph.OpType{ConvOpType},
		Apply:   applyConvAddRule,
	}
}

func applyConvAddRule(_ context.Context, g *graph.Graph, conv *graph.Node) (bool, error) {
	add, shift, ok := convElementwiseCandidate(g, conv, AddOpType)
	if !ok {
		return false, nil
	}
	if !convBiasFoldable(g, conv, int64(len(shift))) {
		return false, nil
	}

	// b ← b·1 + shift.
	scale := make([]float64, len(shift))
	for i := range scale {
		scale[i] = 1
	}
	if !scaleAndShiftConvBias(g, conv, scale, shift) {
		return false, nil
	}

	addOut := add.Outputs[0]
	g.RemoveNode(add.Index())
	g.RetargetConsumers(addOut, conv.Outputs[0])
	return true, nil
}
