// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// Shape represents the immutable shape of a Tensor: its element type and
// the ordered, non-negative 64-bit extents of each axis.
type Shape struct {
	DType      DType
	Dimensions []int64
}

// Make returns a Shape with the given dtype and dimensions. Every dimension
// must be >= 0.
func Make(dtype DType, dimensions ...int64) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 {
			exceptions.Panicf("shapes.Make(%s): cannot create a shape with a negative dimension", s)
		}
	}
	return s
}

// Scalar returns a rank-0 shape of the given dtype.
func Scalar(dtype DType) Shape {
	return Shape{DType: dtype}
}

// Invalid returns an invalid shape -- Invalid().Ok() == false.
func Invalid() Shape {
	return Shape{DType: InvalidDType}
}

// Ok reports whether this is a valid shape.
func (s Shape) Ok() bool { return s.DType != InvalidDType }

// Rank is the number of axes (dimensions) of the shape.
func (s Shape) Rank() int { return len(s.Dimensions) }

// IsScalar reports whether the shape has no axes.
func (s Shape) IsScalar() bool { return s.Ok() && s.Rank() == 0 }

// Dim returns the dimension of the given axis. Negative axis counts from
// the end, as in Python slicing (-1 is the last axis).
func (s Shape) Dim(axis int) int64 {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		exceptions.Panicf("shapes.Shape.Dim(%d) out-of-bounds for rank %d (shape=%s)", axis, s.Rank(), s)
	}
	return s.Dimensions[adjusted]
}

// Size returns the total number of elements described by the shape: the
// product of all dimensions (1 for a scalar).
func (s Shape) Size() int64 {
	size := int64(1)
	for _, d := range s.Dimensions {
		size *= d
	}
	return size
}

// Memory returns the number of bytes needed to store a dense tensor of this
// shape.
func (s Shape) Memory() uintptr {
	return s.DType.Memory() * uintptr(s.Size())
}

// Equal compares dtype and dimensions for exact equality.
func (s Shape) Equal(o Shape) bool {
	if s.DType != o.DType {
		return false
	}
	return slices.Equal(s.Dimensions, o.Dimensions)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	if !s.Ok() {
		return "InvalidShape"
	}
	if s.Rank() == 0 {
		return fmt.Sprintf("(%s)", s.DType)
	}
	dims := make([]string, s.Rank())
	for ii, d := range s.Dimensions {
		dims[ii] = fmt.Sprintf("%d", d)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(dims, ","))
}
