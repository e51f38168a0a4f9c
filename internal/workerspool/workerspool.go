// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool implements the bounded worker pool the parallel
// executor schedules node dispatches on.
//
// The pool is shaped around the scheduler's two admission paths. Go admits
// work from outside the pool (seeding the zero-dependency roots of a run).
// HandOff admits work from inside a pool worker: when a finishing node
// releases more than one successor, the worker tail-chains the first and
// hands the rest back to the pool. A hand-off lends the calling worker's
// slot out while it blocks, so a pool saturated with workers that are all
// mid-hand-off still admits -- the lent slots make the pool's effective
// load drop below its target, and admission proceeds. Without the lending,
// every worker could block in HandOff waiting for a slot that only another
// blocked worker will ever free.
//
// The parallelism target is soft: effective load is admitted-minus-lent,
// and a burst of hand-offs can briefly push the goroutine count past the
// target. The executor's own completion bookkeeping, not the pool, decides
// when a run is done; Drain is only used at session teardown.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool admits tasks up to a soft parallelism target.
type Pool struct {
	target int

	mu   sync.Mutex
	idle sync.Cond // Broadcast whenever effective load can have dropped.
	// admitted counts goroutines admitted and not yet finished; lent counts
	// workers blocked in HandOff whose slot is on loan. Effective load is
	// admitted - lent.
	admitted int
	lent     int
}

// NewPool returns a pool with the given soft parallelism target.
// parallelism <= 0 selects the default of half the hardware concurrency,
// minimum 1.
func NewPool(parallelism int) *Pool {
	if parallelism <= 0 {
		parallelism = max(1, runtime.NumCPU()/2)
	}
	p := &Pool{target: parallelism}
	p.idle.L = &p.mu
	return p
}

// Target returns the pool's soft parallelism target.
func (p *Pool) Target() int { return p.target }

// Go admits task from outside the pool, blocking while the pool is at its
// target, then runs it on a fresh goroutine. Use HandOff instead when the
// caller is itself a pool worker.
func (p *Pool) Go(task func()) {
	p.mu.Lock()
	for p.admitted-p.lent >= p.target {
		p.idle.Wait()
	}
	p.admit(task)
	p.mu.Unlock()
}

// HandOff admits task from inside a pool worker. The caller's slot is lent
// out for the duration of the wait: the caller is blocked, not working, so
// its capacity goes to whoever can use it -- usually the very task being
// handed off.
func (p *Pool) HandOff(task func()) {
	p.mu.Lock()
	p.lent++
	p.idle.Broadcast()
	for p.admitted-p.lent >= p.target {
		p.idle.Wait()
	}
	p.lent--
	p.admit(task)
	p.mu.Unlock()
}

// admit starts task and keeps the load accounting. Must be called with
// p.mu held.
func (p *Pool) admit(task func()) {
	p.admitted++
	go func() {
		task()
		p.mu.Lock()
		p.admitted--
		p.idle.Broadcast()
		p.mu.Unlock()
	}()
}

// Drain blocks until every admitted task has finished. Per-run completion
// is the executor's job; Drain is for session teardown.
func (p *Pool) Drain() {
	p.mu.Lock()
	for p.admitted > 0 {
		p.idle.Wait()
	}
	p.mu.Unlock()
}
