// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/modelrt/graph"
)

// fusableActivations is the activation set a Conv absorbs. The fused Conv
// carries the activation kind in its "activation"
// attribute; the CPU Conv kernel applies it as an epilogue.
var fusableActivations = map[graph.OpType]bool{
	"Relu":      true,
	"Sigmoid":   true,
	"Softsign":  true,
	"Tanh":      true,
	"LeakyRelu": true,
}

// NewConvActivationRule returns the rule fusing a Conv with a directly
// following activation that has no other consumer.
func NewConvActivationRule() Rule {
	return Rule{
		Name:    "fuse-conv-activation",
		OpTypes: []graph.OpType{ConvOpType},
		Apply:   applyConvActivationRule,
	}
}

func applyConvActivationRule(_ context.Context, g *graph.Graph, conv *graph.Node) (bool, error) {
	if len(conv.Outputs) != 1 {
		return false, nil
	}
	if _, alreadyFused := conv.AttrString("activation"); alreadyFused {
		return false, nil
	}
	convOut := conv.Outputs[0]
	if isGraphOutput(g, convOut) {
		return false, nil
	}
	act, ok := singleConsumer(g, convOut)
	if !ok || !fusableActivations[act.OpType] {
		return false, nil
	}
	if len(act.Inputs) != 1 || len(act.Outputs) != 1 {
		return false, nil
	}

	conv.Attrs["activation"] = graph.StringAttr(string(act.OpType))
	if act.OpType == "LeakyRelu" {
		if alpha, hasAlpha := act.AttrFloat64("alpha"); hasAlpha {
			conv.Attrs["activation_alpha"] = graph.FloatAttr(alpha)
		}
	}

	actOut := act.Outputs[0]
	g.RemoveNode(act.Index())
	g.RetargetConsumers(actOut, convOut)
	return true, nil
}
