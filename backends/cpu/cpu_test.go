// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/backends/cpu"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// runKernel finds and runs the CPU kernel for a standalone node spec over
// the given inputs, returning the first output.
func runKernel(t *testing.T, spec graph.NodeSpec, inputs ...*tensors.Tensor) *tensors.Tensor {
	t.Helper()
	g := graph.New("kernel-test")
	for i := range spec.Inputs {
		if spec.Inputs[i] != "" {
			g.DeclareGraphInput(spec.Inputs[i])
		}
	}
	n := g.Node(g.AddNode(spec))

	provider := cpu.New()
	primary := shapes.InvalidDType
	if len(inputs) > 0 {
		primary = inputs[0].DType()
	} else if len(spec.OutputShapes) > 0 {
		primary = spec.OutputShapes[0].DType
	}
	_, factory, ok := provider.KernelRegistry().Find(n, primary)
	require.True(t, ok, "no kernel for %s", spec.OpType)
	kernel, err := factory(n)
	require.NoError(t, err)

	values := make([]tensors.Value, len(inputs))
	for i, in := range inputs {
		values[i] = tensors.TensorValue(in)
	}
	cctx := backends.NewComputeContext(n, values,
		provider.GetAllocator(0, backends.MemDefault), nil, nil, nil)
	require.NoError(t, kernel.Compute(cctx))
	out := cctx.Output(0)
	require.Equal(t, tensors.KindTensor, out.Kind())
	return out.Tensor()
}

func f32(dims []int64, values []float32) *tensors.Tensor {
	return tensors.FromFlat(shapes.Make(shapes.Float32, dims...), values, "test")
}

func TestAbsKernel(t *testing.T) {
	out := runKernel(t, graph.NodeSpec{
		Name: "abs0", OpType: "Abs",
		Inputs: []string{"x"}, Outputs: []string{"y"},
	}, f32([]int64{2}, []float32{-1, 2}))
	assert.Equal(t, []float32{1, 2}, out.Flat().([]float32))
}

func TestAddBroadcasts(t *testing.T) {
	out := runKernel(t, graph.NodeSpec{
		Name: "add0", OpType: "Add",
		Inputs: []string{"a", "b"}, Outputs: []string{"y"},
	},
		f32([]int64{2, 2}, []float32{1, 2, 3, 4}),
		f32([]int64{2}, []float32{10, 20}))
	assert.True(t, out.Shape().Equal(shapes.Make(shapes.Float32, 2, 2)))
	assert.Equal(t, []float32{11, 22, 13, 24}, out.Flat().([]float32))
}

func TestMaxOfTensorWithItself(t *testing.T) {
	x := f32([]int64{2}, []float32{1, 2})
	out := runKernel(t, graph.NodeSpec{
		Name: "max0", OpType: "Max",
		Inputs: []string{"a", "b"}, Outputs: []string{"y"},
	}, x, x)
	assert.Equal(t, []float32{1, 2}, out.Flat().([]float32))
}

func TestSliceKernel(t *testing.T) {
	out := runKernel(t, graph.NodeSpec{
		Name: "slice0", OpType: "Slice",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		Attrs: map[string]graph.Attr{
			"starts": graph.IntsAttr([]int64{1, 0}),
			"ends":   graph.IntsAttr([]int64{3, 2}),
		},
	}, f32([]int64{3, 3}, []float32{0, 1, 2, 3, 4, 5, 6, 7, 8}))
	assert.True(t, out.Shape().Equal(shapes.Make(shapes.Float32, 2, 2)))
	assert.Equal(t, []float32{3, 4, 6, 7}, out.Flat().([]float32))
}

func TestCastKernel(t *testing.T) {
	out := runKernel(t, graph.NodeSpec{
		Name: "cast0", OpType: "Cast",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		Attrs: map[string]graph.Attr{"to": graph.Int64Attr(int64(shapes.Int32))},
	}, f32([]int64{3}, []float32{1.5, -2, 3}))
	assert.Equal(t, shapes.Int32, out.DType())
	assert.Equal(t, []int32{1, -2, 3}, out.Flat().([]int32))
}

func TestConvKernelWithBiasAndActivation(t *testing.T) {
	// 1x1 conv over a 2x2 image: out = relu(x*w + b) per channel.
	out := runKernel(t, graph.NodeSpec{
		Name: "conv0", OpType: "Conv",
		Inputs: []string{"x", "w", "b"}, Outputs: []string{"y"},
		Attrs: map[string]graph.Attr{"activation": graph.StringAttr("Relu")},
	},
		f32([]int64{1, 1, 2, 2}, []float32{1, -2, 3, -4}),
		f32([]int64{1, 1, 1, 1}, []float32{2}),
		f32([]int64{1}, []float32{1}))
	assert.True(t, out.Shape().Equal(shapes.Make(shapes.Float32, 1, 1, 2, 2)))
	assert.Equal(t, []float32{3, 0, 7, 0}, out.Flat().([]float32))
}

func TestConvKernel3x3SamePadding(t *testing.T) {
	// 3x3 all-ones filter with pad 1: each output is the sum of the 3x3
	// neighbourhood.
	out := runKernel(t, graph.NodeSpec{
		Name: "conv0", OpType: "Conv",
		Inputs: []string{"x", "w"}, Outputs: []string{"y"},
		Attrs: map[string]graph.Attr{"pads": graph.IntsAttr([]int64{1, 1, 1, 1})},
	},
		f32([]int64{1, 1, 3, 3}, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}),
		f32([]int64{1, 1, 3, 3}, []float32{1, 1, 1, 1, 1, 1, 1, 1, 1}))
	assert.Equal(t, []float32{4, 6, 4, 6, 9, 6, 4, 6, 4}, out.Flat().([]float32))
}

func TestBatchNormKernel(t *testing.T) {
	// γ=2, β=1, μ=0, σ²=3, ε=1: y = 2x/sqrt(4)+1 = x+1.
	out := runKernel(t, graph.NodeSpec{
		Name: "bn0", OpType: "BatchNormalization", Version: 7,
		Inputs:  []string{"x", "gamma", "beta", "mean", "var"},
		Outputs: []string{"y"},
		Attrs:   map[string]graph.Attr{"epsilon": graph.FloatAttr(1.0)},
	},
		f32([]int64{1, 1, 2, 2}, []float32{1, 2, 3, 4}),
		f32([]int64{1}, []float32{2}),
		f32([]int64{1}, []float32{1}),
		f32([]int64{1}, []float32{0}),
		f32([]int64{1}, []float32{3}))
	assert.InDeltaSlice(t, []float32{2, 3, 4, 5}, out.Flat().([]float32), 1e-5)
}

// TestReverseSequenceBatchMajor: batch_axis=0,
// time_axis=1, input shape [4,5,2], seq_lengths=[1,3,5,4]: the first
// seq_lengths[b] positions along axis 1 reverse per batch, the rest copy
// verbatim.
func TestReverseSequenceBatchMajor(t *testing.T) {
	input := make([]float32, 4*5*2)
	for i := range input {
		input[i] = float32(i)
	}
	seqLens := tensors.FromFlat(shapes.Make(shapes.Int64, 4), []int64{1, 3, 5, 4}, "test")

	out := runKernel(t, graph.NodeSpec{
		Name: "rev0", OpType: "ReverseSequence",
		Inputs: []string{"x", "seq_lens"}, Outputs: []string{"y"},
		Attrs: map[string]graph.Attr{
			"batch_axis": graph.Int64Attr(0),
			"time_axis":  graph.Int64Attr(1),
		},
	}, f32([]int64{4, 5, 2}, input), seqLens)

	// Independent reference: out[b][t] = in[b][len-1-t] for t < len, else
	// in[b][t], with 2-wide inner blocks.
	lens := []int64{1, 3, 5, 4}
	expected := make([]float32, len(input))
	for b := int64(0); b < 4; b++ {
		for tt := int64(0); tt < 5; tt++ {
			src := tt
			if tt < lens[b] {
				src = lens[b] - 1 - tt
			}
			for i := int64(0); i < 2; i++ {
				expected[(b*5+tt)*2+i] = input[(b*5+src)*2+i]
			}
		}
	}
	assert.Equal(t, expected, out.Flat().([]float32))
}

func TestCopyTensor(t *testing.T) {
	p := cpu.New()
	src := f32([]int64{2}, []float32{1, 2})
	dst := tensors.New(shapes.Make(shapes.Float32, 2), "elsewhere")
	require.NoError(t, p.CopyTensor(src, dst))
	assert.Equal(t, []float32{1, 2}, dst.Flat().([]float32))

	bad := tensors.New(shapes.Make(shapes.Float32, 3), "elsewhere")
	assert.Error(t, p.CopyTensor(src, bad))
}

func TestAllocatorRecyclesBuffers(t *testing.T) {
	a := cpu.NewAllocator()
	sh := shapes.Make(shapes.Float32, 4)
	t1, err := a.Allocate(sh)
	require.NoError(t, err)
	t1.Flat().([]float32)[0] = 42
	a.Release(t1)

	t2, err := a.Allocate(sh)
	require.NoError(t, err)
	assert.Equal(t, []float32{0, 0, 0, 0}, t2.Flat().([]float32), "recycled buffers must come back zeroed")
}
