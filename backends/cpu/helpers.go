// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// applyUnaryFloat applies f element-wise over a float32 or float64 tensor,
// computing in float64 and narrowing back to the storage type.
func applyUnaryFloat(in, out *tensors.Tensor, f func(float64) float64) error {
	switch src := in.Flat().(type) {
	case []float32:
		dst, ok := out.Flat().([]float32)
		if !ok {
			return errors.Errorf("cpu: output dtype %s does not match input dtype %s", out.DType(), in.DType())
		}
		for i, v := range src {
			dst[i] = float32(f(float64(v)))
		}
	case []float64:
		dst, ok := out.Flat().([]float64)
		if !ok {
			return errors.Errorf("cpu: output dtype %s does not match input dtype %s", out.DType(), in.DType())
		}
		for i, v := range src {
			dst[i] = f(v)
		}
	default:
		return errors.Errorf("cpu: unsupported dtype %s for float unary op", in.DType())
	}
	return nil
}

// broadcastShape applies the multidirectional (numpy-style) broadcast rules
// to two shapes of the same dtype, aligning trailing axes.
func broadcastShape(a, b shapes.Shape) (shapes.Shape, error) {
	if a.DType != b.DType {
		return shapes.Invalid(), errors.Errorf("cpu: dtype mismatch %s vs %s in binary op", a.DType, b.DType)
	}
	rank := max(a.Rank(), b.Rank())
	dims := make([]int64, rank)
	for i := 0; i < rank; i++ {
		da, db := int64(1), int64(1)
		if i >= rank-a.Rank() {
			da = a.Dimensions[i-(rank-a.Rank())]
		}
		if i >= rank-b.Rank() {
			db = b.Dimensions[i-(rank-b.Rank())]
		}
		switch {
		case da == db:
			dims[i] = da
		case da == 1:
			dims[i] = db
		case db == 1:
			dims[i] = da
		default:
			return shapes.Invalid(), errors.Errorf("cpu: shapes %s and %s are not broadcastable", a, b)
		}
	}
	return shapes.Make(a.DType, dims...), nil
}

// broadcastStrides returns per-output-axis element strides into a tensor of
// the given shape, with stride 0 on broadcast (size-1 or missing) axes.
func broadcastStrides(in shapes.Shape, outDims []int64) []int64 {
	rank := len(outDims)
	strides := make([]int64, rank)
	// Contiguous row-major strides of the input, aligned to trailing axes.
	stride := int64(1)
	for i := in.Rank() - 1; i >= 0; i-- {
		outAxis := i + rank - in.Rank()
		if in.Dimensions[i] == 1 && outDims[outAxis] != 1 {
			strides[outAxis] = 0
		} else {
			strides[outAxis] = stride
		}
		stride *= in.Dimensions[i]
	}
	return strides
}

// forEachBroadcast walks every coordinate of outDims, calling visit with
// the linear output offset and the (possibly broadcast) linear offsets into
// the two inputs.
func forEachBroadcast(outDims []int64, aStrides, bStrides []int64, visit func(out, a, b int64)) {
	rank := len(outDims)
	size := int64(1)
	for _, d := range outDims {
		size *= d
	}
	coord := make([]int64, rank)
	var aOff, bOff int64
	for linear := int64(0); linear < size; linear++ {
		visit(linear, aOff, bOff)
		// Odometer increment, adjusting the input offsets incrementally.
		for axis := rank - 1; axis >= 0; axis-- {
			coord[axis]++
			aOff += aStrides[axis]
			bOff += bStrides[axis]
			if coord[axis] < outDims[axis] {
				break
			}
			coord[axis] = 0
			aOff -= aStrides[axis] * outDims[axis]
			bOff -= bStrides[axis] * outDims[axis]
		}
	}
}

// applyBinaryFloat applies f over two broadcast-compatible float tensors,
// writing into out (whose shape is the broadcast of the inputs').
func applyBinaryFloat(a, b, out *tensors.Tensor, f func(x, y float64) float64) error {
	outDims := out.Shape().Dimensions
	aStrides := broadcastStrides(a.Shape(), outDims)
	bStrides := broadcastStrides(b.Shape(), outDims)
	switch aFlat := a.Flat().(type) {
	case []float32:
		bFlat := b.Flat().([]float32)
		dst := out.Flat().([]float32)
		forEachBroadcast(outDims, aStrides, bStrides, func(o, ia, ib int64) {
			dst[o] = float32(f(float64(aFlat[ia]), float64(bFlat[ib])))
		})
	case []float64:
		bFlat := b.Flat().([]float64)
		dst := out.Flat().([]float64)
		forEachBroadcast(outDims, aStrides, bStrides, func(o, ia, ib int64) {
			dst[o] = f(aFlat[ia], bFlat[ib])
		})
	default:
		return errors.Errorf("cpu: unsupported dtype %s for float binary op", a.DType())
	}
	return nil
}

// applyBinaryInt is the integer twin of applyBinaryFloat, covering the
// int32/int64 variants registered for Add/Mul (graphs with integer index
// arithmetic, e.g. inside control-flow subgraphs).
func applyBinaryInt(a, b, out *tensors.Tensor, f func(x, y int64) int64) error {
	outDims := out.Shape().Dimensions
	aStrides := broadcastStrides(a.Shape(), outDims)
	bStrides := broadcastStrides(b.Shape(), outDims)
	switch aFlat := a.Flat().(type) {
	case []int32:
		bFlat := b.Flat().([]int32)
		dst := out.Flat().([]int32)
		forEachBroadcast(outDims, aStrides, bStrides, func(o, ia, ib int64) {
			dst[o] = int32(f(int64(aFlat[ia]), int64(bFlat[ib])))
		})
	case []int64:
		bFlat := b.Flat().([]int64)
		dst := out.Flat().([]int64)
		forEachBroadcast(outDims, aStrides, bStrides, func(o, ia, ib int64) {
			dst[o] = f(aFlat[ia], bFlat[ib])
		})
	default:
		return errors.Errorf("cpu: unsupported dtype %s for integer binary op", a.DType())
	}
	return nil
}
