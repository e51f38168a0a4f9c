// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fence implements Fence, the per-tensor cross-device
// synchronisation primitive.
//
// A Fence is created whenever a tensor crosses an asynchronous device
// boundary: the producer's provider calls BeforeUseAsOutput/AfterUsedAsOutput
// around writing it, and every consuming provider calls
// BeforeUseAsInput/AfterUsedAsInput around reading it. Providers that are
// purely synchronous (like the CPU reference provider, see backends/cpu)
// can implement these as no-ops; the hooks exist so a provider backed by an
// async device queue has a place to insert a wait/signal.
//
// Fence is a small interface plus a synchronous no-op implementation,
// which is all a single-provider CPU run needs; an asynchronous device
// back-end supplies its own implementation through its provider.
package fence

import "context"

// QueueID identifies an execution queue (e.g. a CUDA stream, a CPU thread
// pool lane) within a provider, used to serialise fence waits against the
// right in-flight work.
type QueueID int

// Fence is owned by a value-store slot (see executor.ValueStore) and
// dropped when the slot is cleared at end-of-run.
type Fence interface {
	// BeforeUseAsInput must be called before a node reads the tensor as an
	// input, once per consuming provider/queue pair.
	BeforeUseAsInput(ctx context.Context, provider string, queue QueueID) error
	// BeforeUseAsOutput must be called before a node writes the tensor as
	// an output.
	BeforeUseAsOutput(ctx context.Context, provider string, queue QueueID) error
	// AfterUsedAsInput must be called after a node has finished reading the
	// tensor as an input.
	AfterUsedAsInput(ctx context.Context, queue QueueID) error
	// AfterUsedAsOutput must be called after a node has finished writing
	// the tensor as an output.
	AfterUsedAsOutput(ctx context.Context, queue QueueID) error
}

// Synchronous is a Fence implementation for providers whose queues are
// already synchronous from the executor's perspective: every
// hook is a no-op. It is the Fence used for same-provider edges and by the
// CPU reference provider.
type Synchronous struct{}

// New returns the zero-cost Synchronous fence, suitable whenever producer
// and consumer share a provider and queue.
func New() Fence { return Synchronous{} }

func (Synchronous) BeforeUseAsInput(context.Context, string, QueueID) error  { return nil }
func (Synchronous) BeforeUseAsOutput(context.Context, string, QueueID) error { return nil }
func (Synchronous) AfterUsedAsInput(context.Context, QueueID) error          { return nil }
func (Synchronous) AfterUsedAsOutput(context.Context, QueueID) error         { return nil }
