// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/rewrite"
	"github.com/gomlx/modelrt/types/tensors"
)

// NewEvaluator builds the rewrite.Evaluator that constant folding uses to
// execute a candidate node's kernel directly over its initializer inputs
//.
// Kernel lookup follows the same priority order as plan assignment, so a
// node folds with exactly the kernel that would have executed it at run
// time.
func NewEvaluator(providers []backends.Provider) rewrite.Evaluator {
	return func(ctx context.Context, n *graph.Node, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
		g := n.Graph()
		_, factory, provider, found := findKernel(g, n, providers)
		if !found {
			return nil, errors.Wrapf(ErrNoKernel, "node %q (op %s)", n.Name, n.OpType)
		}
		kernel, err := factory(n)
		if err != nil {
			return nil, err
		}

		values := make([]tensors.Value, len(inputs))
		for i, t := range inputs {
			if t == nil {
				continue // Omitted optional input.
			}
			values[i] = tensors.TensorValue(t)
		}
		cancelled := func() bool { return ctx.Err() != nil }
		cctx := backends.NewComputeContext(n, values,
			provider.GetAllocator(0, backends.MemDefault), cancelled, nil, nil)
		if err := kernel.Compute(cctx); err != nil {
			return nil, err
		}

		outputs := make([]*tensors.Tensor, len(n.Outputs))
		for i := range n.Outputs {
			v := cctx.Output(i)
			if v.Kind() != tensors.KindTensor {
				return nil, errors.Errorf("node %q: constant folding needs tensor outputs, got kind %d", n.Name, v.Kind())
			}
			outputs[i] = v.Tensor()
		}
		return outputs, nil
	}
}

// DefaultManager assembles the rewrite manager a session starts from: the
// per-op rule set plus constant folding, in that order, before
// any user-registered transformers.
func DefaultManager(providers []backends.Provider) *rewrite.GraphTransformerManager {
	return rewrite.NewManager(
		rewrite.DefaultRuleTransformer(),
		rewrite.NewConstantFolding(NewEvaluator(providers)),
	)
}
