// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/tensors"
)

// MulOpType is the op type folded by NewConvMulRule.
const MulOpType graph.OpType = "Mul"

// NewConvMulRule returns the rule folding a following Mul-by-constant into
// a Conv: the Mul's constant operand must be an
// initializer of rank 0, or of rank(W)−1 whose single non-unit leading
// dimension equals the output-channel count. The scale folds into W per
// output channel (and into b if present).
func NewConvMulRule() Rule {
	return Rule{
		Name:    "fuse-conv-mul",
		OpTypes: []graph.OpType{ConvOpType},
		Apply:   applyConvMulRule,
	}
}

func applyConvMulRule(_ context.Context, g *graph.Graph, conv *graph.Node) (bool, error) {
	mul, scale, ok := convElementwiseCandidate(g, conv, MulOpType)
	if !ok {
		return false, nil
	}
	if !convBiasFoldable(g, conv, int64(len(scale))) {
		return false, nil
	}

	if !scaleConvWeightsByChannel(g, conv, scale) {
		return false, nil
	}
	// b ← b·scale: shift of zero. Only touches an existing bias; a Conv
	// without bias needs none synthesised for a pure scale.
	if len(conv.Inputs) >= 3 && conv.Inputs[2] != graph.InvalidSlotID {
		if !scaleAndShiftConvBias(g, conv, scale, make([]float64, len(scale))) {
			return false, nil
		}
	}

	mulOut := mul.Outputs[0]
	g.RemoveNode(mul.Index())
	g.RetargetConsumers(mulOut, conv.Outputs[0])
	return true, nil
}

// convElementwiseCandidate checks the shared Conv+Mul / Conv+Add
// preconditions: conv has a single non-graph-output output whose only
// consumer is a node of the given op type with exactly one constant
// operand of a foldable shape. It returns the consumer and the constant
// expanded to one value per output channel.
func convElementwiseCandidate(g *graph.Graph, conv *graph.Node, op graph.OpType) (*graph.Node, []float64, bool) {
	if len(conv.Inputs) < 2 || len(conv.Outputs) != 1 {
		return nil, nil, false
	}
	convOut := conv.Outputs[0]
	if isGraphOutput(g, convOut) {
		return nil, nil, false
	}
	wSlot := conv.Inputs[1]
	if !g.IsInitializer(wSlot) {
		return nil, nil, false
	}
	w := constantTensor(g, wSlot)
	outChannels := w.Shape().Dim(0)

	consumer, ok := singleConsumer(g, convOut)
	if !ok || consumer.OpType != op {
		return nil, nil, false
	}
	if len(consumer.Inputs) != 2 || len(consumer.Outputs) != 1 {
		return nil, nil, false
	}

	// The Conv output must be the first operand and the constant the
	// second; a constant-first Mul/Add is left alone.
	if consumer.Inputs[0] != convOut || !g.IsInitializer(consumer.Inputs[1]) {
		return nil, nil, false
	}
	constSlot := consumer.Inputs[1]

	c := constantTensor(g, constSlot)
	if c.DType() != w.DType() {
		return nil, nil, false
	}
	values, ok := asFloat64Slice(c)
	if !ok {
		return nil, nil, false
	}
	perChannel, ok := expandPerChannel(c, values, w.Shape().Rank(), outChannels)
	if !ok {
		return nil, nil, false
	}
	return consumer, perChannel, true
}

// expandPerChannel normalises the foldable constant shapes to one value per
// output channel: a rank-0 scalar broadcasts; a rank(W)−1 tensor must have
// leading dimension C_out and all trailing dimensions 1.
func expandPerChannel(c *tensors.Tensor, values []float64, wRank int, outChannels int64) ([]float64, bool) {
	switch c.Shape().Rank() {
	case 0:
		out := make([]float64, outChannels)
		for i := range out {
			out[i] = values[0]
		}
		return out, true
	case wRank - 1:
		if c.Shape().Dim(0) != outChannels {
			return nil, false
		}
		for axis := 1; axis < c.Shape().Rank(); axis++ {
			if c.Shape().Dim(axis) != 1 {
				return nil, false
			}
		}
		return values, true
	default:
		return nil, false
	}
}
