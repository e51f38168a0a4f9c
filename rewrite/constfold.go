// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/tensors"
)

// Evaluator executes a single node's kernel directly over the given input
// tensors, outside any execution plan. The session layer supplies one
// backed by the registered providers' kernel registries; keeping it a
// function value here keeps the rewrite engine below the provider layer.
//
// Constant folding evaluates the candidate node by invoking its kernel
// directly over its initializer inputs; no sub-graph object is ever
// materialised.
type Evaluator func(ctx context.Context, n *graph.Node, inputs []*tensors.Tensor) ([]*tensors.Tensor, error)

// ConstantFolding is the whole-graph Transformer folding constant
// subexpressions: any node whose inputs are all initializers is executed at plan
// time, its outputs become new initializers, and the node is removed.
type ConstantFolding struct {
	eval Evaluator
}

// NewConstantFolding returns the constant-folding transformer driven by the
// given evaluator.
func NewConstantFolding(eval Evaluator) *ConstantFolding {
	return &ConstantFolding{eval: eval}
}

// Name implements Transformer.
func (t *ConstantFolding) Name() string { return "constant-folding" }

// Apply sweeps the graph in topological order, folding every candidate. An
// evaluation failure skips the node and continues.
func (t *ConstantFolding) Apply(ctx context.Context, g *graph.Graph) (bool, error) {
	order, err := g.TopoOrder()
	if err != nil {
		return false, err
	}

	changed := false
	var diagnostics error
	for _, idx := range order {
		n := g.Node(idx)
		if n == nil || !t.isCandidate(g, n) {
			continue
		}
		inputs := make([]*tensors.Tensor, len(n.Inputs))
		for ii, slot := range n.Inputs {
			if slot == graph.InvalidSlotID {
				continue
			}
			inputs[ii] = g.Initializers[slot]
		}
		outputs, evalErr := t.eval(ctx, n, inputs)
		if evalErr != nil {
			diagnostics = multierr.Append(diagnostics,
				errors.WithMessagef(evalErr, "constant folding skipped node %q", n.Name))
			continue
		}
		if len(outputs) != len(n.Outputs) {
			diagnostics = multierr.Append(diagnostics,
				errors.Errorf("constant folding skipped node %q: evaluator returned %d outputs, node has %d",
					n.Name, len(outputs), len(n.Outputs)))
			continue
		}

		// Remove first: that frees the output slots' producer entries, so
		// they can be re-bound as initializers under the same SlotID --
		// consumers need no retargeting at all.
		outputSlots := append([]graph.SlotID(nil), n.Outputs...)
		g.RemoveNode(n.Index())
		for ii, slot := range outputSlots {
			g.SetInitializer(slot, outputs[ii])
		}
		changed = true
	}
	if diagnostics != nil {
		klog.V(2).Infof("rewrite: constant-folding: %d non-fatal skip(s): %v",
			len(multierr.Errors(diagnostics)), diagnostics)
	}
	return changed, nil
}

// isCandidate reports whether every input is an initializer (vacuously true
// for zero-input source ops like Constant) and the node carries no
// subgraph: control-flow nodes are never folded, their semantics live in
// the attached subgraphs the evaluator can't see.
func (t *ConstantFolding) isCandidate(g *graph.Graph, n *graph.Node) bool {
	if len(n.Subgraphs) > 0 || len(n.Outputs) == 0 {
		return false
	}
	for _, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		if !g.IsInitializer(slot) {
			return false
		}
	}
	return true
}

// DefaultRuleTransformer bundles the built-in per-op rules into one
// RuleBasedTransformer.
func DefaultRuleTransformer() *RuleBasedTransformer {
	return NewRuleBasedTransformer("default-rules",
		NewIdentityRule(),
		NewSliceRule(),
		NewConvBatchNormRule(),
		NewConvMulRule(),
		NewConvAddRule(),
		NewConvActivationRule(),
		NewUnsqueezeConstantRule(),
	)
}
