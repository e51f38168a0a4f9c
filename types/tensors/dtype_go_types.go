// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"reflect"

	"github.com/gomlx/modelrt/types/shapes"
	"github.com/x448/float16"
)

// BFloat16 is a minimal brain-float16 storage type: 16 bits, same exponent
// range as float32, truncated mantissa. Too small a type to warrant a
// dedicated dependency.
type BFloat16 uint16

var dTypeToGoType = map[shapes.DType]reflect.Type{
	shapes.Bool:     reflect.TypeOf(false),
	shapes.Int8:     reflect.TypeOf(int8(0)),
	shapes.Int16:    reflect.TypeOf(int16(0)),
	shapes.Int32:    reflect.TypeOf(int32(0)),
	shapes.Int64:    reflect.TypeOf(int64(0)),
	shapes.Uint8:    reflect.TypeOf(uint8(0)),
	shapes.Uint16:   reflect.TypeOf(uint16(0)),
	shapes.Uint32:   reflect.TypeOf(uint32(0)),
	shapes.Uint64:   reflect.TypeOf(uint64(0)),
	shapes.Float16:  reflect.TypeOf(float16.Float16(0)),
	shapes.BFloat16: reflect.TypeOf(BFloat16(0)),
	shapes.Float32:  reflect.TypeOf(float32(0)),
	shapes.Float64:  reflect.TypeOf(float64(0)),
}
