// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements Tensor, the immutable multi-dimensional array
// that flows along the edges of a computation graph.
//
// Device back-ends live behind the abstract execution-provider interface,
// so Tensor has a single backing: a flat Go slice owned by a named
// allocator. Cross-device copies, when an execution provider needs one,
// are the provider's own responsibility (backends.Provider.CopyTensor),
// not Tensor's.
package tensors

import (
	"fmt"
	"reflect"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/modelrt/types/shapes"
)

// Tensor is an immutable-shape, named-allocator-owned multidimensional
// array.
//
// A Tensor produced by a node is exclusively owned by the value slot that
// holds it (see executor.ValueStore); ownership only moves to the caller
// when it is fetched as a run output.
type Tensor struct {
	shape     shapes.Shape
	allocator string
	// flat is a slice of the Go type corresponding to shape.DType, always
	// present: Tensor has no separate "local"/"on-device" split.
	flat any
}

// New returns a Tensor of the given shape, zero-initialized, allocated by
// the named allocator.
func New(shape shapes.Shape, allocator string) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.New: invalid shape")
	}
	goType := goTypeForDType(shape.DType)
	flat := reflect.MakeSlice(reflect.SliceOf(goType), int(shape.Size()), int(shape.Size()))
	return &Tensor{shape: shape, allocator: allocator, flat: flat.Interface()}
}

// FromFlat wraps an existing flat slice (its element type must match
// shape.DType) as a Tensor without copying.
func FromFlat(shape shapes.Shape, flat any, allocator string) *Tensor {
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromFlat: invalid shape")
	}
	v := reflect.ValueOf(flat)
	if v.Kind() != reflect.Slice {
		exceptions.Panicf("tensors.FromFlat: flat must be a slice, got %T", flat)
	}
	if v.Len() != int(shape.Size()) {
		exceptions.Panicf("tensors.FromFlat: flat has %d elements, shape %s wants %d", v.Len(), shape, shape.Size())
	}
	return &Tensor{shape: shape, allocator: allocator, flat: flat}
}

// Shape implements shapes.HasShape.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor's elements.
func (t *Tensor) DType() shapes.DType { return t.shape.DType }

// Allocator is the name of the allocator that owns this tensor's buffer.
func (t *Tensor) Allocator() string { return t.allocator }

// Flat returns the backing flat slice as `any`. Callers should type-assert
// to []T for the corresponding Go type of the DType.
func (t *Tensor) Flat() any { return t.flat }

// Clone returns a deep copy of the tensor, with the same allocator name
// (but not sharing the underlying array).
func (t *Tensor) Clone() *Tensor {
	v := reflect.ValueOf(t.flat)
	cloneV := reflect.MakeSlice(v.Type(), v.Len(), v.Len())
	reflect.Copy(cloneV, v)
	return &Tensor{shape: t.shape.Clone(), allocator: t.allocator, flat: cloneV.Interface()}
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "Tensor(nil)"
	}
	return fmt.Sprintf("Tensor(shape=%s, allocator=%q)", t.shape, t.allocator)
}

// goTypeForDType returns the Go reflect.Type used to back a flat slice for
// the given DType. Float16 is backed by float16.Float16 from
// github.com/x448/float16 (see dtype_go_types.go); BFloat16 by the small
// bfloat16 type defined alongside it.
func goTypeForDType(d shapes.DType) reflect.Type {
	t, ok := dTypeToGoType[d]
	if !ok {
		exceptions.Panicf("tensors: DType %s has no corresponding Go type", d)
	}
	return t
}
