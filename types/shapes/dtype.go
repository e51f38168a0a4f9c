// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines DType and Shape, the element-type tag and the
// ordered sequence of non-negative extents that together describe a Tensor
// (see types/tensors) or the expected output of a graph node (see graph).
//
// The tag is cgo-free: execution back-ends live behind the abstract
// provider interface, so there is no dependency on an accelerator
// runtime's dtype enum. Float16 storage uses github.com/x448/float16, a
// pure-Go implementation.
package shapes

import (
	"fmt"

	"github.com/gomlx/exceptions"
)

// DType identifies the element type of a Tensor or the expected output of a
// graph Node.
type DType int

const (
	InvalidDType DType = iota
	Bool
	Int8
	Int16
	Int32
	Int64
	Uint8
	Uint16
	Uint32
	Uint64
	Float16
	BFloat16
	Float32
	Float64
	dTypeLast
)

//go:generate stringer -type=DType

var dTypeNames = [dTypeLast]string{
	InvalidDType: "InvalidDType",
	Bool:         "Bool",
	Int8:         "Int8",
	Int16:        "Int16",
	Int32:        "Int32",
	Int64:        "Int64",
	Uint8:        "Uint8",
	Uint16:       "Uint16",
	Uint32:       "Uint32",
	Uint64:       "Uint64",
	Float16:      "Float16",
	BFloat16:     "BFloat16",
	Float32:      "Float32",
	Float64:      "Float64",
}

// String implements fmt.Stringer.
func (d DType) String() string {
	if d < 0 || d >= dTypeLast {
		return fmt.Sprintf("DType(%d)?", int(d))
	}
	return dTypeNames[d]
}

var dTypeMemory = [dTypeLast]uintptr{
	Bool:     1,
	Int8:     1,
	Int16:    2,
	Int32:    4,
	Int64:    8,
	Uint8:    1,
	Uint16:   2,
	Uint32:   4,
	Uint64:   8,
	Float16:  2,
	BFloat16: 2,
	Float32:  4,
	Float64:  8,
}

// Memory returns the number of bytes a single element of this DType occupies.
func (d DType) Memory() uintptr {
	if d <= InvalidDType || d >= dTypeLast {
		exceptions.Panicf("shapes.DType(%d).Memory(): not a valid DType", int(d))
	}
	return dTypeMemory[d]
}

// IsFloat returns whether d is one of the floating point types.
func (d DType) IsFloat() bool {
	switch d {
	case Float16, BFloat16, Float32, Float64:
		return true
	default:
		return false
	}
}

// IsInt returns whether d is one of the (signed or unsigned) integer types.
func (d DType) IsInt() bool {
	switch d {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	default:
		return false
	}
}
