// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"
	"reflect"

	"github.com/pkg/errors"
	"github.com/x448/float16"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// identityKernel copies its input to a fresh output buffer. The copy keeps
// slot ownership simple (no two slots ever alias one buffer, so end-of-run
// release stays single-owner); in practice Identity nodes are eliminated by
// the rewrite engine before execution anyway.
type identityKernel struct{}

func (identityKernel) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, in.Shape())
	if err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(out.Flat()), reflect.ValueOf(in.Flat()))
	return nil
}

// unaryFloatKernel applies a scalar float function element-wise.
type unaryFloatKernel struct {
	f func(float64) float64
}

func (k unaryFloatKernel) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, in.Shape())
	if err != nil {
		return err
	}
	return applyUnaryFloat(in, out, k.f)
}

// Activation functions shared by the standalone kernels and the fused-Conv
// path.
func relu(x float64) float64     { return math.Max(x, 0) }
func sigmoid(x float64) float64  { return 1 / (1 + math.Exp(-x)) }
func softsign(x float64) float64 { return x / (1 + math.Abs(x)) }

func leakyRelu(alpha float64) func(float64) float64 {
	return func(x float64) float64 {
		if x < 0 {
			return alpha * x
		}
		return x
	}
}

// activationByName maps the activation-kind attribute value (the consumed
// node's op type) to its scalar function; alpha feeds LeakyRelu.
func activationByName(name string, alpha float64) (func(float64) float64, bool) {
	switch name {
	case "Relu":
		return relu, true
	case "Sigmoid":
		return sigmoid, true
	case "Softsign":
		return softsign, true
	case "Tanh":
		return math.Tanh, true
	case "LeakyRelu":
		return leakyRelu(alpha), true
	}
	return nil, false
}

// newUnaryFactory builds a factory for a fixed scalar function.
func newUnaryFactory(f func(float64) float64) backends.KernelFactory {
	return func(n *graph.Node) (backends.Kernel, error) {
		return unaryFloatKernel{f: f}, nil
	}
}

// newLeakyReluKernel reads alpha (default 0.01, the ONNX default) at
// construction time.
func newLeakyReluKernel(n *graph.Node) (backends.Kernel, error) {
	alpha := 0.01
	if v, ok := n.AttrFloat64("alpha"); ok {
		alpha = v
	}
	return unaryFloatKernel{f: leakyRelu(alpha)}, nil
}

// castKernel converts between element types. The target dtype comes from
// the "to" attribute, holding a shapes.DType as an integer.
type castKernel struct {
	to shapes.DType
}

func newCastKernel(n *graph.Node) (backends.Kernel, error) {
	to, ok := n.AttrInt64("to")
	if !ok {
		return nil, errors.Errorf("Cast node %q is missing its 'to' attribute", n.Name)
	}
	return castKernel{to: shapes.DType(to)}, nil
}

func (k castKernel) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	outShape := shapes.Make(k.to, in.Shape().Dimensions...)
	out, err := ctx.AllocateOutput(0, outShape)
	if err != nil {
		return err
	}
	src, err := toFloat64s(in)
	if err != nil {
		return err
	}
	return fromFloat64s(out, src)
}

// toFloat64s widens a tensor's flat data to float64, the interchange type
// of the Cast kernel.
func toFloat64s(t *tensors.Tensor) ([]float64, error) {
	switch flat := t.Flat().(type) {
	case []float64:
		out := make([]float64, len(flat))
		copy(out, flat)
		return out, nil
	case []float32:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	case []float16.Float16:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v.Float32())
		}
		return out, nil
	case []int32:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	case []int64:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("cpu: Cast does not support source dtype %s", t.DType())
	}
}

// fromFloat64s narrows float64 values into out's storage type.
func fromFloat64s(out *tensors.Tensor, src []float64) error {
	switch dst := out.Flat().(type) {
	case []float64:
		copy(dst, src)
	case []float32:
		for i, v := range src {
			dst[i] = float32(v)
		}
	case []float16.Float16:
		for i, v := range src {
			dst[i] = float16.Fromfloat32(float32(v))
		}
	case []int32:
		for i, v := range src {
			dst[i] = int32(v)
		}
	case []int64:
		for i, v := range src {
			dst[i] = int64(v)
		}
	default:
		return errors.Errorf("cpu: Cast does not support target dtype %s", out.DType())
	}
	return nil
}

// unsqueezeKernel inserts size-1 axes: same flat data, expanded shape.
type unsqueezeKernel struct {
	axes []int64
}

func newUnsqueezeKernel(n *graph.Node) (backends.Kernel, error) {
	axes, ok := n.AttrInts("axes")
	if !ok || len(axes) == 0 {
		return nil, errors.Errorf("Unsqueeze node %q is missing its 'axes' attribute", n.Name)
	}
	return unsqueezeKernel{axes: axes}, nil
}

func (k unsqueezeKernel) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	outRank := in.Shape().Rank() + len(k.axes)
	inserted := make([]bool, outRank)
	for _, a := range k.axes {
		if a < 0 {
			a += int64(outRank)
		}
		if a < 0 || int(a) >= outRank || inserted[a] {
			return errors.Errorf("Unsqueeze node %q: bad axis %d for output rank %d", ctx.Node().Name, a, outRank)
		}
		inserted[a] = true
	}
	dims := make([]int64, outRank)
	srcAxis := 0
	for i := range dims {
		if inserted[i] {
			dims[i] = 1
		} else {
			dims[i] = in.Shape().Dim(srcAxis)
			srcAxis++
		}
	}
	out, err := ctx.AllocateOutput(0, shapes.Make(in.DType(), dims...))
	if err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(out.Flat()), reflect.ValueOf(in.Flat()))
	return nil
}

// constantKernel materialises a tensor from its "value" attribute (floats);
// the shape and element type come from the node's declared output shape. A graph whose every node is constant-fed folds away before
// execution, so this kernel mostly serves
// the constant-folding evaluator itself.
type constantKernel struct {
	value *tensors.Tensor
}

func newConstantKernel(n *graph.Node) (backends.Kernel, error) {
	values, ok := n.Attrs["value"]
	if !ok || values.Kind != graph.AttrFloats {
		return nil, errors.Errorf("Constant node %q is missing its 'value' float-list attribute", n.Name)
	}
	if len(n.OutputShapes) != 1 || !n.OutputShapes[0].Ok() {
		return nil, errors.Errorf("Constant node %q has no declared output shape", n.Name)
	}
	shape := n.OutputShapes[0]
	if shape.Size() != int64(len(values.Floats)) {
		return nil, errors.Errorf("Constant node %q: %d values for shape %s", n.Name, len(values.Floats), shape)
	}
	t := tensors.New(shape, AllocatorName)
	if err := fromFloat64s(t, values.Floats); err != nil {
		return nil, err
	}
	return constantKernel{value: t}, nil
}

func (k constantKernel) Compute(ctx *backends.ComputeContext) error {
	out, err := ctx.AllocateOutput(0, k.value.Shape())
	if err != nil {
		return err
	}
	reflect.Copy(reflect.ValueOf(out.Flat()), reflect.ValueOf(k.value.Flat()))
	return nil
}
