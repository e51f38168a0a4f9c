// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"context"
	"sync"

	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/internal/workerspool"
	"github.com/gomlx/modelrt/session"
)

// parallelRun holds the per-run scheduler state: pending counters, the
// outstanding count with its completion condvar, and the first recorded
// error, all protected by one mutex. Contention is bounded by fan-out,
// not run size.
type parallelRun struct {
	ctx   context.Context
	plan  *session.Plan
	store *ValueStore
	opts  *RunOptions
	pool  *workerspool.Pool
	reach []bool

	mu         sync.Mutex
	completion sync.Cond // bound to outstanding == 0.
	pending    []int32   // indexed by NodeIndex; counts unfinished predecessors.
	outstanding int
	firstErr   error
	completed  int
	total      int
}

// RunParallel executes the plan with as much concurrency as the dependency
// DAG permits, on the given bounded worker pool.
func RunParallel(ctx context.Context, plan *session.Plan, store *ValueStore,
	outputSlots []graph.SlotID, opts *RunOptions, pool *workerspool.Pool) error {
	if opts == nil {
		opts = &RunOptions{}
	}
	if pool == nil {
		pool = workerspool.NewPool(0)
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

	r := &parallelRun{
		ctx:     ctx,
		plan:    plan,
		store:   store,
		opts:    opts,
		pool:    pool,
		reach:   reachableNodes(plan, outputSlots),
		pending: make([]int32, plan.Graph.NumNodes()),
	}
	r.completion.L = &r.mu

	// Reset pending counters from the plan's in-degrees and collect the
	// roots.
	var roots []graph.NodeIndex
	for _, idx := range plan.Order {
		if !r.reach[idx] {
			continue
		}
		r.total++
		r.pending[idx] = int32(plan.InDegree[idx])
		if r.pending[idx] == 0 {
			roots = append(roots, idx)
		}
	}
	if r.total == 0 {
		return nil // Empty reachable sub-DAG: nothing to run.
	}

	r.mu.Lock()
	r.outstanding = len(roots)
	r.mu.Unlock()
	for _, idx := range roots {
		idx := idx
		pool.Go(func() { r.runNode(idx) })
	}

	// Barrier: wait for outstanding to drain to zero --
	// on success, failure, and cancellation alike.
	r.mu.Lock()
	for r.outstanding > 0 {
		r.completion.Wait()
	}
	err := r.firstErr
	r.mu.Unlock()

	if err == nil && opts.cancelled() {
		// Terminate raced with the last node: the run drained but the
		// cancellation must still surface.
		err = ErrCancelled
	}
	return err
}

// runNode is the worker body, tail-chained: after the
// node completes, the first newly-ready successor executes inline on this
// goroutine and only the rest go back through the pool -- maximising cache
// locality without starving the pool.
func (r *parallelRun) runNode(idx graph.NodeIndex) {
	for idx != graph.InvalidNodeIndex {
		var nodeErr error
		switch {
		case r.opts.cancelled():
			nodeErr = ErrCancelled
		case r.failed():
			// A sibling already failed the run; this node only drains.
		default:
			nodeErr = executeNode(r.ctx, r.plan, r.store, idx, r.opts)
		}

		// Successor release, under the shared mutex.
		r.mu.Lock()
		if nodeErr != nil && r.firstErr == nil {
			r.firstErr = nodeErr
		}
		r.completed++
		completed, total := r.completed, r.total

		next := graph.InvalidNodeIndex
		var enqueue []graph.NodeIndex
		for _, s := range r.plan.Successors[idx] {
			if !r.reach[s] {
				continue
			}
			r.pending[s]--
			if r.pending[s] != 0 {
				continue
			}
			if next == graph.InvalidNodeIndex {
				next = s // Tail-chain the first ready successor.
			} else {
				enqueue = append(enqueue, s)
			}
		}
		// The tail-chained successor inherits this worker's outstanding
		// count; enqueued ones are added; a worker with no successor
		// retires its count, signalling completion at zero.
		r.outstanding += len(enqueue)
		if next == graph.InvalidNodeIndex {
			r.outstanding--
			if r.outstanding == 0 {
				r.completion.Broadcast()
			}
		}
		r.mu.Unlock()

		if r.opts.OnNodeDone != nil {
			r.opts.OnNodeDone(completed, total)
		}
		if r.opts.LogVerbosity > 0 {
			klog.V(klog.Level(r.opts.LogVerbosity)).Infof("executor: [%s] node %q done (%d/%d)",
				r.opts.RunTag, r.plan.Graph.Node(idx).Name, completed, total)
		}

		for _, s := range enqueue {
			s := s
			r.pool.HandOff(func() { r.runNode(s) })
		}
		idx = next
	}
}

func (r *parallelRun) failed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.firstErr != nil
}
