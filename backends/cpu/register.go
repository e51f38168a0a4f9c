// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
)

// intTypes covers the integer variants registered for the ops that integer
// graphs (index arithmetic, control-flow subgraphs) exercise.
var intTypes = []shapes.DType{shapes.Int32, shapes.Int64}

func def(op graph.OpType, types []shapes.DType) backends.KernelDef {
	return backends.KernelDef{Op: op, SinceVersion: 1, TypeConstraints: types}
}

// registerKernels populates the CPU provider's registry with the reference
// kernel set. Registration order matters only within an op: the first def
// matching a node's version/type wins.
func registerKernels(r *backends.KernelRegistry) {
	// Pass-through and structural ops, unconstrained on element type.
	r.Register(def("Identity", anyType), func(n *graph.Node) (backends.Kernel, error) {
		return identityKernel{}, nil
	})
	r.Register(def("Slice", anyType), newSliceKernel)
	r.Register(def("Cast", anyType), newCastKernel)
	r.Register(def("Unsqueeze", anyType), newUnsqueezeKernel)
	r.Register(def("Constant", anyType), newConstantKernel)
	r.Register(def("ReverseSequence", floatTypes), func(n *graph.Node) (backends.Kernel, error) {
		return newReverseSequenceKernel(n)
	})

	// Element-wise float math.
	r.Register(def("Abs", floatTypes), newUnaryFactory(math.Abs))
	r.Register(def("Relu", floatTypes), newUnaryFactory(relu))
	r.Register(def("Sigmoid", floatTypes), newUnaryFactory(sigmoid))
	r.Register(def("Softsign", floatTypes), newUnaryFactory(softsign))
	r.Register(def("Tanh", floatTypes), newUnaryFactory(math.Tanh))
	r.Register(def("LeakyRelu", floatTypes), newLeakyReluKernel)

	// Binary arithmetic: float first (priority on ambiguous lookups), then
	// the integer variants.
	r.Register(def("Add", floatTypes), newBinaryFloatFactory(func(x, y float64) float64 { return x + y }))
	r.Register(def("Add", intTypes), newBinaryIntFactory(func(x, y int64) int64 { return x + y }))
	r.Register(def("Mul", floatTypes), newBinaryFloatFactory(func(x, y float64) float64 { return x * y }))
	r.Register(def("Mul", intTypes), newBinaryIntFactory(func(x, y int64) int64 { return x * y }))
	r.Register(def("Sub", floatTypes), newBinaryFloatFactory(func(x, y float64) float64 { return x - y }))
	r.Register(def("Max", floatTypes), func(n *graph.Node) (backends.Kernel, error) {
		return maxKernel{}, nil
	})

	// Structured ops.
	r.Register(def("Conv", floatTypes), newConvKernel)
	r.Register(backends.KernelDef{
		Op: "BatchNormalization", SinceVersion: 7, TypeConstraints: floatTypes,
	}, newBatchNormKernel)
}
