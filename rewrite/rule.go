// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/gomlx/exceptions"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/graph"
)

// RuleFunc attempts to rewrite a single node, reporting whether it fired.
// Implementations may call exceptions.Panicf for invariant violations (a
// malformed attribute on a node whose op type the rule already matched);
// RuleBasedTransformer recovers these as ordinary errors at the node
// boundary.
type RuleFunc func(ctx context.Context, g *graph.Graph, n *graph.Node) (changed bool, err error)

// Rule is a single per-op-type rewrite rule, e.g. "Identity elimination" or
// "Conv+BatchNorm fusion".
type Rule struct {
	Name    string
	OpTypes []graph.OpType
	Apply   RuleFunc
}

// RuleBasedTransformer dispatches a set of Rules by the op type of each live
// node, in a single sweep over the graph's current topological order. It
// implements Transformer, so GraphTransformerManager can iterate it to a
// fixed point alongside whole-graph Transformers like constant folding.
type RuleBasedTransformer struct {
	name  string
	rules map[graph.OpType][]Rule
}

// NewRuleBasedTransformer groups rules by the op types they declare
// interest in.
func NewRuleBasedTransformer(name string, rules ...Rule) *RuleBasedTransformer {
	t := &RuleBasedTransformer{name: name, rules: make(map[graph.OpType][]Rule)}
	for _, r := range rules {
		for _, op := range r.OpTypes {
			t.rules[op] = append(t.rules[op], r)
		}
	}
	return t
}

func (t *RuleBasedTransformer) Name() string { return t.name }

// Apply sweeps the graph once, trying every rule registered for each live
// node's op type in registration order and stopping at the first one that
// fires for that node (a node is rewritten by at most one rule per sweep;
// the fixed-point driver gives later rules another chance on the next
// outer pass).
func (t *RuleBasedTransformer) Apply(ctx context.Context, g *graph.Graph) (bool, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return false, err
	}

	changed := false
	var diagnostics error
	for _, idx := range order {
		n := g.Node(idx)
		if n == nil {
			continue // removed earlier in this same sweep, by an earlier rule's fusion.
		}
		for _, rule := range t.rules[n.OpType] {
			fired, err := t.applyOne(ctx, g, n, rule)
			if err != nil {
				diagnostics = multierr.Append(diagnostics, err)
				continue
			}
			if fired {
				changed = true
				break
			}
		}
	}
	if diagnostics != nil {
		klog.V(2).Infof("rewrite: %s: %d non-fatal skip(s): %v", t.name, len(multierr.Errors(diagnostics)), diagnostics)
	}
	return changed, nil
}

// applyOne invokes a single rule, converting any exceptions.Panicf raised
// inside it into an ordinary error.
func (t *RuleBasedTransformer) applyOne(ctx context.Context, g *graph.Graph, n *graph.Node, rule Rule) (fired bool, err error) {
	caught := exceptions.TryCatch[error](func() {
		fired, err = rule.Apply(ctx, g, n)
	})
	if caught != nil {
		return false, caught
	}
	return fired, err
}
