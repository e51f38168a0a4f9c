// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"

	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/session"
)

// RunSequential is the reference executor: it walks the
// reachable nodes in the plan's topological order on the calling
// goroutine. Errors surface immediately; cancellation is polled before
// each node.
func RunSequential(ctx context.Context, plan *session.Plan, store *ValueStore,
	outputSlots []graph.SlotID, opts *RunOptions) error {
	if opts == nil {
		opts = &RunOptions{}
	}
	for _, p := range plan.Providers {
		if err := p.OnRunStart(); err != nil {
			return err
		}
	}
	defer func() {
		for _, p := range plan.Providers {
			if err := p.OnRunEnd(); err != nil {
				klog.Errorf("executor: provider %q OnRunEnd: %v", p.Type(), err)
			}
		}
	}()

	reach := reachableNodes(plan, outputSlots)
	total := 0
	for _, r := range reach {
		if r {
			total++
		}
	}

	completed := 0
	for _, idx := range plan.Order {
		if !reach[idx] {
			continue
		}
		if opts.cancelled() {
			return ErrCancelled
		}
		if err := executeNode(ctx, plan, store, idx, opts); err != nil {
			return err
		}
		completed++
		if opts.LogVerbosity > 0 {
			klog.V(klog.Level(opts.LogVerbosity)).Infof("executor: [%s] node %q done (%d/%d)",
				opts.RunTag, plan.Graph.Node(idx).Name, completed, total)
		}
		if opts.OnNodeDone != nil {
			opts.OnNodeDone(completed, total)
		}
	}
	return nil
}
