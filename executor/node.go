// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/session"
	"github.com/gomlx/modelrt/types/tensors"
)

// executeNode is the node dispatch shared by both executors: fence
// `before` calls, kernel compute, output hand-off into the store, fence
// `after` calls, and the read-count decrements that drive activation
// lifetime.
func executeNode(ctx context.Context, plan *session.Plan, store *ValueStore,
	idx graph.NodeIndex, opts *RunOptions) error {
	n := plan.Graph.Node(idx)
	provider := plan.NodeProvider[idx]
	queue := plan.NodeQueue(idx)
	providerType := provider.Type()

	// Before-use fences; the terminate flag is polled before each fence
	// call.
	for _, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		if opts.cancelled() {
			return ErrCancelled
		}
		if err := plan.FenceFor(slot).BeforeUseAsInput(ctx, providerType, queue); err != nil {
			return errors.WithMessagef(err, "node %q: input fence", n.Name)
		}
	}
	for _, slot := range n.ImplicitInputs {
		if opts.cancelled() {
			return ErrCancelled
		}
		if err := plan.FenceFor(slot).BeforeUseAsInput(ctx, providerType, queue); err != nil {
			return errors.WithMessagef(err, "node %q: implicit input fence", n.Name)
		}
	}
	for _, slot := range n.Outputs {
		if opts.cancelled() {
			return ErrCancelled
		}
		if err := plan.FenceFor(slot).BeforeUseAsOutput(ctx, providerType, queue); err != nil {
			return errors.WithMessagef(err, "node %q: output fence", n.Name)
		}
	}

	inputs := make([]tensors.Value, len(n.Inputs))
	for ii, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		inputs[ii] = store.Get(slot)
	}
	cctx := backends.NewComputeContext(n, inputs,
		provider.GetAllocator(0, backends.MemDefault),
		opts.cancelled, plan.Prepacked[idx], plan.SubgraphPlans(idx))

	start := time.Now()
	var computeErr error
	if caught := exceptions.TryCatch[error](func() {
		computeErr = plan.Kernels[idx].Compute(cctx)
	}); caught != nil {
		// A panicking kernel on a pool goroutine must not take the process
		// down; it fails its node like any other compute error.
		computeErr = caught
	}
	dur := time.Since(start)
	if opts != nil && opts.Profiler != nil {
		opts.Profiler.RecordNode(n.Name, string(n.OpType), providerType, opts.RunTag, start, dur)
	}
	if computeErr != nil {
		return &KernelError{Node: n.Name, Err: computeErr}
	}

	for pos, slot := range n.Outputs {
		v := cctx.Output(pos)
		if !v.IsValid() {
			return errors.Errorf("node %q: kernel did not produce output %d", n.Name, pos)
		}
		store.Set(slot, v)
	}

	// After-use fences.
	for _, slot := range n.Inputs {
		if slot == graph.InvalidSlotID {
			continue
		}
		if err := plan.FenceFor(slot).AfterUsedAsInput(ctx, queue); err != nil {
			return errors.WithMessagef(err, "node %q: input fence", n.Name)
		}
	}
	for _, slot := range n.ImplicitInputs {
		if err := plan.FenceFor(slot).AfterUsedAsInput(ctx, queue); err != nil {
			return errors.WithMessagef(err, "node %q: implicit input fence", n.Name)
		}
	}
	for _, slot := range n.Outputs {
		if err := plan.FenceFor(slot).AfterUsedAsOutput(ctx, queue); err != nil {
			return errors.WithMessagef(err, "node %q: output fence", n.Name)
		}
	}

	// Release the inputs this node was holding alive, one decrement per
	// consuming edge.
	for _, slot := range n.Inputs {
		if slot != graph.InvalidSlotID {
			store.DoneReading(slot)
		}
	}
	for _, slot := range n.ImplicitInputs {
		store.DoneReading(slot)
	}
	return nil
}

// reachableNodes marks the backward closure of the requested output slots:
// only these nodes execute in a run.
func reachableNodes(plan *session.Plan, outputSlots []graph.SlotID) []bool {
	g := plan.Graph
	reach := make([]bool, g.NumNodes())
	var visit func(slot graph.SlotID)
	visit = func(slot graph.SlotID) {
		producerIdx, ok := g.ProducerOf(slot)
		if !ok || reach[producerIdx] {
			return
		}
		reach[producerIdx] = true
		n := g.Node(producerIdx)
		for _, in := range n.Inputs {
			if in != graph.InvalidSlotID {
				visit(in)
			}
		}
		for _, in := range n.ImplicitInputs {
			visit(in)
		}
	}
	for _, slot := range outputSlots {
		visit(slot)
	}
	return reach
}
