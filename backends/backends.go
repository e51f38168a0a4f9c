// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the execution-provider interface: the abstract
// device family behind which kernels, allocators, and cross-device copies
// live. The session-state initializer assigns each graph node to the first
// registered provider whose kernel registry matches it; the executors then
// dispatch through the provider-owned kernels.
//
// Provider registration is per-session (ordered, priority-wins) rather
// than process-global, so two sessions in one process can order providers
// differently.
package backends

import (
	"github.com/gomlx/modelrt/fence"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// MemKind selects which of a provider's memory arenas an allocator draws
// from.
type MemKind int

const (
	// MemDefault is the provider's general-purpose device memory.
	MemDefault MemKind = iota
	// MemCPUPinned is host memory pinned for fast device transfers.
	MemCPUPinned
)

// Allocator hands out tensor buffers owned by a named arena. Allocators must be
// safe for concurrent use.
type Allocator interface {
	// Name identifies the arena; it is recorded as Tensor.Allocator() on
	// every tensor it creates, and drives cross-device copy decisions.
	Name() string

	// Allocate returns a zero-initialized tensor of the given shape, or an
	// error if the arena is exhausted (surfaced as resource-exhausted at
	// the session boundary).
	Allocate(shape shapes.Shape) (*tensors.Tensor, error)

	// Release returns a tensor's buffer to the arena. Called once per
	// activation tensor, after its last consumer has read it or at
	// end-of-run; initializer buffers are never released before session
	// teardown.
	Release(t *tensors.Tensor)
}

// Provider is one device family: a kernel registry plus allocators and
// cross-device copy routines.
type Provider interface {
	// Type returns the provider's unique identifier, e.g. "cpu".
	Type() string

	// GetAllocator returns the allocator for a device and memory kind.
	GetAllocator(deviceID int, kind MemKind) Allocator

	// CopyTensor copies src's contents into dst, staging across the device
	// boundary if the two tensors live in different arenas. Shapes must
	// match.
	CopyTensor(src, dst *tensors.Tensor) error

	// OnRunStart is called once per run per provider, before any of the
	// provider's kernels fire.
	OnRunStart() error

	// OnRunEnd is called once per run per provider, after the run drained
	// (on every exit path: normal, error, cancel).
	OnRunEnd() error

	// KernelRegistry returns the provider's kernel registry, consulted by
	// the session-state initializer when assigning nodes.
	KernelRegistry() *KernelRegistry
}

// FenceFactory is optionally implemented by providers whose device queues
// are asynchronous: the session-state initializer asks the producing
// provider for a fence whenever a tensor crosses a provider boundary.
// Providers that don't implement it get fence.Synchronous.
type FenceFactory interface {
	NewFence() fence.Fence
}
