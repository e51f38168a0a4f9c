// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package executor implements the two executors -- the sequential
// reference walk and the parallel fire-on-ready scheduler -- plus the
// run-scoped ValueStore they share.
//
// The parallel protocol: per-node pending counters seeded from the plan's
// in-degrees, an outstanding count with a completion condvar, first-error
// wins, and a tail-chain heuristic that runs the first newly-ready
// successor inline on the finishing worker.
package executor

import (
	"sync/atomic"

	"github.com/gomlx/exceptions"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/session"
	"github.com/gomlx/modelrt/types/tensors"
)

// ValueStore is the run-scoped dense array of value cells, one per slot
//. Initializer cells are populated at construction and read
// without locking; activation cells are written exactly once per run (the
// plan guarantees output slots are disjoint across nodes) and read without
// locking because readiness implies happens-before through the scheduler.
type ValueStore struct {
	plan  *session.Plan
	cells []tensors.Value

	// nodeWritten marks cells written by a node this run (as opposed to
	// pre-populated initializers and caller-lent feeds): only these are
	// released to their allocator at end-of-run.
	nodeWritten []bool

	// remainingReads implements the plan-derived implicit reference count
	// for activation lifetimes: when a slot's count drains to zero and the
	// slot is not pinned, its buffer is dropped before end-of-run.
	remainingReads []atomic.Int32

	// pinned slots survive until the caller fetched them: requested
	// outputs, plus every feed and initializer.
	pinned []bool
}

// NewValueStore builds the store for one run: initializer cells
// pre-populated, activation cells empty, read counts reset from the plan.
// outputSlots are the run's requested fetches, pinned against early drop.
func NewValueStore(plan *session.Plan, outputSlots []graph.SlotID) *ValueStore {
	n := plan.Graph.NumSlots()
	s := &ValueStore{
		plan:           plan,
		cells:          make([]tensors.Value, n),
		nodeWritten:    make([]bool, n),
		remainingReads: make([]atomic.Int32, n),
		pinned:         make([]bool, n),
	}
	for slot, t := range plan.Graph.Initializers {
		s.cells[slot] = tensors.TensorValue(t)
		s.pinned[slot] = true
	}
	for slot, count := range plan.ConsumerCount {
		s.remainingReads[slot].Store(int32(count))
	}
	for _, slot := range outputSlots {
		s.pinned[slot] = true
	}
	return s
}

// SetFeed installs a caller-lent input value. Feeds are pinned: the caller owns the
// buffer.
func (s *ValueStore) SetFeed(slot graph.SlotID, v tensors.Value) {
	s.cells[slot] = v
	s.pinned[slot] = true
}

// Get returns the cell for a slot; an invalid Value means not yet written.
func (s *ValueStore) Get(slot graph.SlotID) tensors.Value {
	if slot < 0 || int(slot) >= len(s.cells) {
		return tensors.Value{}
	}
	return s.cells[slot]
}

// Set writes a node-produced value into its output cell. Double writes are
// an internal invariant violation: the plan guarantees one writer per slot
//.
func (s *ValueStore) Set(slot graph.SlotID, v tensors.Value) {
	if s.nodeWritten[slot] || (s.cells[slot].IsValid() && s.pinned[slot]) {
		exceptions.Panicf("executor: slot %d (%s) written twice in one run",
			slot, s.plan.Graph.SlotName(slot))
	}
	s.cells[slot] = v
	s.nodeWritten[slot] = true
}

// DoneReading decrements a slot's remaining-read count after a consumer
// finished with it, dropping the activation buffer once every consumer has
// read.
func (s *ValueStore) DoneReading(slot graph.SlotID) {
	if slot < 0 || int(slot) >= len(s.cells) || s.pinned[slot] {
		return
	}
	if s.remainingReads[slot].Add(-1) == 0 && s.nodeWritten[slot] {
		s.release(slot)
	}
}

// TakeOutput moves a requested output's value out of the store to the
// caller.
func (s *ValueStore) TakeOutput(slot graph.SlotID) tensors.Value {
	v := s.cells[slot]
	s.cells[slot] = tensors.Value{}
	s.nodeWritten[slot] = false
	return v
}

// Clear drops every remaining activation cell in a single pass,
// returning node-produced buffers to their allocators. Initializer cells
// are left intact for the next run. The executors do not call it: the
// caller defers it (Session.Run and Session.RunWithBinding do).
func (s *ValueStore) Clear() {
	for slot := range s.cells {
		if s.nodeWritten[slot] {
			s.release(graph.SlotID(slot))
		} else if !s.plan.Graph.IsInitializer(graph.SlotID(slot)) {
			s.cells[slot] = tensors.Value{} // Feed: dropped, not released.
		}
	}
}

// release returns a node-written cell's tensor buffers to the owning
// allocator and empties the cell. A slot's fence lives in the plan
// (session.Plan.SlotFences) and is left untouched.
func (s *ValueStore) release(slot graph.SlotID) {
	v := s.cells[slot]
	s.cells[slot] = tensors.Value{}
	s.nodeWritten[slot] = false
	alloc := s.allocatorFor(slot)
	if alloc == nil {
		return
	}
	switch v.Kind() {
	case tensors.KindTensor:
		alloc.Release(v.Tensor())
	case tensors.KindTensorList:
		for _, t := range v.TensorList() {
			alloc.Release(t)
		}
	}
}

// allocatorFor resolves the allocator that owns a slot's buffer via the
// plan's per-slot allocator identity.
func (s *ValueStore) allocatorFor(slot graph.SlotID) backends.Allocator {
	name, ok := s.plan.SlotAllocator[slot]
	if !ok {
		return nil
	}
	for _, p := range s.plan.Providers {
		a := p.GetAllocator(0, backends.MemDefault)
		if a.Name() == name {
			return a
		}
	}
	return nil
}

// ActivationBytes sums the memory of currently-held node-written cells,
// for profiler reporting.
func (s *ValueStore) ActivationBytes() uint64 {
	var total uint64
	for slot, v := range s.cells {
		if !s.nodeWritten[slot] || v.Kind() != tensors.KindTensor {
			continue
		}
		total += uint64(v.Tensor().Shape().Memory())
	}
	return total
}
