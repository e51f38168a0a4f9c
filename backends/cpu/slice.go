// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
)

// sliceKernel extracts a sub-tensor described by the attribute-form Slice
// contract: per-axis starts and ends, with an optional explicit axes list.
// Negative starts/ends count from the end of the axis; an end of INT64_MAX
// clamps to the axis extent.
type sliceKernel struct {
	starts, ends, axes []int64
}

func newSliceKernel(n *graph.Node) (backends.Kernel, error) {
	starts, okS := n.AttrInts("starts")
	ends, okE := n.AttrInts("ends")
	if !okS || !okE || len(starts) != len(ends) {
		return nil, errors.Errorf("Slice node %q: starts/ends attributes missing or mismatched", n.Name)
	}
	axes, okA := n.AttrInts("axes")
	if !okA {
		axes = make([]int64, len(starts))
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	if len(axes) != len(starts) {
		return nil, errors.Errorf("Slice node %q: %d axes for %d starts", n.Name, len(axes), len(starts))
	}
	return sliceKernel{starts: starts, ends: ends, axes: axes}, nil
}

func (k sliceKernel) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	rank := in.Shape().Rank()
	begin := make([]int64, rank)
	extent := make([]int64, rank)
	for axis := 0; axis < rank; axis++ {
		extent[axis] = in.Shape().Dim(axis)
	}
	for i, axis := range k.axes {
		if axis < 0 {
			axis += int64(rank)
		}
		if axis < 0 || int(axis) >= rank {
			return errors.Errorf("Slice node %q: axis %d out of range for rank %d", ctx.Node().Name, k.axes[i], rank)
		}
		dim := in.Shape().Dim(int(axis))
		start, end := k.starts[i], k.ends[i]
		if start < 0 {
			start += dim
		}
		if end == math.MaxInt64 {
			end = dim
		} else if end < 0 {
			end += dim
		}
		start = clampInt64(start, 0, dim)
		end = clampInt64(end, start, dim)
		begin[axis] = start
		extent[axis] = end - start
	}

	out, err := ctx.AllocateOutput(0, shapes.Make(in.DType(), extent...))
	if err != nil {
		return err
	}

	srcV := reflect.ValueOf(in.Flat())
	dstV := reflect.ValueOf(out.Flat())
	srcStrides := rowMajorStrides(in.Shape().Dimensions)

	coord := make([]int64, rank)
	size := out.Shape().Size()
	for linear := int64(0); linear < size; linear++ {
		var srcIdx int64
		for axis := 0; axis < rank; axis++ {
			srcIdx += (begin[axis] + coord[axis]) * srcStrides[axis]
		}
		dstV.Index(int(linear)).Set(srcV.Index(int(srcIdx)))
		for axis := rank - 1; axis >= 0; axis-- {
			coord[axis]++
			if coord[axis] < extent[axis] {
				break
			}
			coord[axis] = 0
		}
	}
	return nil
}

func clampInt64(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func rowMajorStrides(dims []int64) []int64 {
	strides := make([]int64, len(dims))
	stride := int64(1)
	for i := len(dims) - 1; i >= 0; i-- {
		strides[i] = stride
		stride *= dims[i]
	}
	return strides
}
