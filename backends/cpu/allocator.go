// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"
	"sync"

	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// AllocatorName is the arena name recorded on every tensor the CPU
// provider allocates.
const AllocatorName = "cpu"

type poolKey struct {
	dtype shapes.DType
	size  int64
}

// Allocator hands out flat slices pooled by (dtype, element-count) class,
// so the per-run churn of activation tensors (allocated on a node's first
// fire, dropped at end-of-run) mostly recycles buffers instead of growing
// the heap.
type Allocator struct {
	mu    sync.Mutex
	pools map[poolKey]*sync.Pool
}

// NewAllocator returns an empty pooled allocator.
func NewAllocator() *Allocator {
	return &Allocator{pools: make(map[poolKey]*sync.Pool)}
}

// Name implements backends.Allocator.
func (a *Allocator) Name() string { return AllocatorName }

func (a *Allocator) pool(key poolKey) *sync.Pool {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.pools[key]
	if !ok {
		p = &sync.Pool{}
		a.pools[key] = p
	}
	return p
}

// Allocate implements backends.Allocator: it returns a zeroed tensor of
// the given shape, reusing a pooled flat slice when one is available.
func (a *Allocator) Allocate(shape shapes.Shape) (*tensors.Tensor, error) {
	key := poolKey{dtype: shape.DType, size: shape.Size()}
	p := a.pool(key)
	if recycled := p.Get(); recycled != nil {
		flat := reflect.ValueOf(recycled)
		// Zero the recycled buffer: callers are promised zero-initialized
		// memory, same as a fresh allocation.
		zero := reflect.Zero(flat.Type().Elem())
		for i := 0; i < flat.Len(); i++ {
			flat.Index(i).Set(zero)
		}
		return tensors.FromFlat(shape, recycled, AllocatorName), nil
	}
	return tensors.New(shape, AllocatorName), nil
}

// Release implements backends.Allocator: the tensor's flat slice goes back
// to its size-class pool for reuse by a later Allocate.
func (a *Allocator) Release(t *tensors.Tensor) {
	if t == nil || t.Allocator() != AllocatorName {
		return
	}
	key := poolKey{dtype: t.DType(), size: t.Shape().Size()}
	a.pool(key).Put(t.Flat())
}
