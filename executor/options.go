// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/profiler"
)

// ErrCancelled is returned by a run whose terminate flag was observed
// before completion. The run drains outstanding work
// to zero before returning it.
var ErrCancelled = errors.New("run cancelled")

// KernelError wraps a kernel compute failure with the failing node's name
//.
type KernelError struct {
	Node string
	Err  error
}

func (e *KernelError) Error() string {
	return "kernel failed at node \"" + e.Node + "\": " + e.Err.Error()
}

func (e *KernelError) Unwrap() error { return e.Err }

// RunOptions carries the per-run knobs.
type RunOptions struct {
	// RunTag is attached to profiler events.
	RunTag string

	// LogVerbosity: 0 disables per-run logging; >0 logs at that klog level.
	LogVerbosity int

	// Terminate is the external cancellation flag, read by the scheduler
	// before each node dispatch and before each fence call. Nil
	// means not cancellable.
	Terminate *atomic.Bool

	// Profiler receives per-node timing events when non-nil.
	Profiler *profiler.Profiler

	// OnNodeDone, when non-nil, is called after each node completes with
	// the number completed so far and the run's total -- the CLI's progress
	// indicator hangs off it.
	OnNodeDone func(completed, total int)
}

// cancelled reports whether the terminate flag is set.
func (o *RunOptions) cancelled() bool {
	return o != nil && o.Terminate != nil && o.Terminate.Load()
}
