// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/modelrt/graph"
)

// IdentityOpType is the op type eliminated by NewIdentityRule.
const IdentityOpType graph.OpType = "Identity"

// NewIdentityRule returns the rule eliminating Identity nodes: the node
// is removed and every consumer of its output is
// retargeted to read its input directly.
func NewIdentityRule() Rule {
	return Rule{
		Name:    "eliminate-identity",
		OpTypes: []graph.OpType{IdentityOpType},
		Apply:   applyIdentityRule,
	}
}

func applyIdentityRule(_ context.Context, g *graph.Graph, n *graph.Node) (bool, error) {
	if len(n.Inputs) != 1 || len(n.Outputs) != 1 {
		// Malformed Identity (wrong arity); leave it for a higher-level
		// validation error rather than silently mis-rewriting it.
		return false, nil
	}
	in := n.Inputs[0]
	out := n.Outputs[0]
	if in == graph.InvalidSlotID {
		return false, nil
	}
	// "Exactly one producer": the input must come from a node or an
	// initializer. An Identity pass-through of a bare graph input stays, or
	// its consumers would be left reading a slot nothing writes.
	if _, produced := g.ProducerOf(in); !produced && !g.IsInitializer(in) {
		return false, nil
	}
	g.RemoveNode(n.Index())
	g.RetargetConsumers(out, in)
	return true, nil
}
