// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/tensors"
)

// binaryFloatKernel applies a scalar float function over two
// broadcast-compatible inputs.
type binaryFloatKernel struct {
	f func(x, y float64) float64
}

func (k binaryFloatKernel) Compute(ctx *backends.ComputeContext) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	b, err := ctx.Input(1)
	if err != nil {
		return err
	}
	outShape, err := broadcastShape(a.Shape(), b.Shape())
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	return applyBinaryFloat(a, b, out, k.f)
}

// binaryIntKernel is the integer twin.
type binaryIntKernel struct {
	f func(x, y int64) int64
}

func (k binaryIntKernel) Compute(ctx *backends.ComputeContext) error {
	a, err := ctx.Input(0)
	if err != nil {
		return err
	}
	b, err := ctx.Input(1)
	if err != nil {
		return err
	}
	outShape, err := broadcastShape(a.Shape(), b.Shape())
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	return applyBinaryInt(a, b, out, k.f)
}

func newBinaryFloatFactory(f func(x, y float64) float64) backends.KernelFactory {
	return func(n *graph.Node) (backends.Kernel, error) {
		return binaryFloatKernel{f: f}, nil
	}
}

func newBinaryIntFactory(f func(x, y int64) int64) backends.KernelFactory {
	return func(n *graph.Node) (backends.Kernel, error) {
		return binaryIntKernel{f: f}, nil
	}
}

// maxKernel implements variadic element-wise Max: with a single input it
// degenerates to Identity-with-copy (Max of a tensor with itself), with two
// or more it folds them pairwise under broadcasting.
type maxKernel struct{}

func (maxKernel) Compute(ctx *backends.ComputeContext) error {
	acc, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if ctx.NumInputs() == 1 {
		out, err := ctx.AllocateOutput(0, acc.Shape())
		if err != nil {
			return err
		}
		return applyUnaryFloat(acc, out, func(x float64) float64 { return x })
	}
	for i := 1; i < ctx.NumInputs(); i++ {
		next, err := ctx.Input(i)
		if err != nil {
			return err
		}
		outShape, err := broadcastShape(acc.Shape(), next.Shape())
		if err != nil {
			return err
		}
		var folded *tensors.Tensor
		if i == ctx.NumInputs()-1 {
			folded, err = ctx.AllocateOutput(0, outShape)
		} else {
			// Intermediate fold: a scratch tensor, not a slot-owned output.
			folded = tensors.New(outShape, AllocatorName)
		}
		if err != nil {
			return err
		}
		if err := applyBinaryFloat(acc, next, folded, math.Max); err != nil {
			return err
		}
		acc = folded
	}
	return nil
}
