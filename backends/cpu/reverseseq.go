// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/tensors"
)

// reverseSequenceKernel reverses, per batch entry b, the first
// seq_lengths[b] positions along the time axis; positions past the length
// are copied verbatim.
type reverseSequenceKernel struct {
	batchAxis, timeAxis int64
}

func newReverseSequenceKernel(n *graph.Node) (backends.Kernel, error) {
	k := reverseSequenceKernel{
		batchAxis: n.AttrInt64OrDefault("batch_axis", 1),
		timeAxis:  n.AttrInt64OrDefault("time_axis", 0),
	}
	if k.batchAxis == k.timeAxis {
		return nil, errors.Errorf("ReverseSequence node %q: batch_axis and time_axis are both %d", n.Name, k.batchAxis)
	}
	if k.batchAxis > 1 || k.timeAxis > 1 || k.batchAxis < 0 || k.timeAxis < 0 {
		return nil, errors.Errorf("ReverseSequence node %q: batch_axis/time_axis must be 0 or 1", n.Name)
	}
	return k, nil
}

func (k reverseSequenceKernel) Compute(ctx *backends.ComputeContext) error {
	x, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if x.Shape().Rank() < 2 {
		return errors.Errorf("ReverseSequence node %q: input must have rank >= 2, got %s", ctx.Node().Name, x.Shape())
	}
	lengthsTensor, err := ctx.Input(1)
	if err != nil {
		return err
	}
	lengths, err := intSlice(lengthsTensor)
	if err != nil {
		return err
	}

	batch := x.Shape().Dim(int(k.batchAxis))
	seq := x.Shape().Dim(int(k.timeAxis))
	if int64(len(lengths)) != batch {
		return errors.Errorf("ReverseSequence node %q: %d sequence lengths for batch size %d",
			ctx.Node().Name, len(lengths), batch)
	}
	for b, l := range lengths {
		if l < 1 || l > seq {
			return errors.Errorf("ReverseSequence node %q: seq_lengths[%d]=%d outside [1,%d]",
				ctx.Node().Name, b, l, seq)
		}
	}

	out, err := ctx.AllocateOutput(0, x.Shape())
	if err != nil {
		return err
	}

	// Inner block: everything after the first two axes is moved as a unit.
	inner := int64(1)
	for axis := 2; axis < x.Shape().Rank(); axis++ {
		inner *= x.Shape().Dim(axis)
	}
	strides := rowMajorStrides(x.Shape().Dimensions)
	batchStride, timeStride := strides[k.batchAxis], strides[k.timeAxis]

	srcV := reflect.ValueOf(x.Flat())
	dstV := reflect.ValueOf(out.Flat())
	copyBlock := func(dstOff, srcOff int64) {
		for i := int64(0); i < inner; i++ {
			dstV.Index(int(dstOff + i)).Set(srcV.Index(int(srcOff + i)))
		}
	}

	for b := int64(0); b < batch; b++ {
		l := lengths[b]
		for t := int64(0); t < seq; t++ {
			srcT := t
			if t < l {
				srcT = l - 1 - t
			}
			copyBlock(b*batchStride+t*timeStride, b*batchStride+srcT*timeStride)
		}
	}
	return nil
}

// intSlice reads an int32/int64 tensor's flat data as []int64.
func intSlice(t *tensors.Tensor) ([]int64, error) {
	switch flat := t.Flat().(type) {
	case []int64:
		out := make([]int64, len(flat))
		copy(out, flat)
		return out, nil
	case []int32:
		out := make([]int64, len(flat))
		for i, v := range flat {
			out[i] = int64(v)
		}
		return out, nil
	default:
		return nil, errors.Errorf("cpu: expected an integer tensor, got dtype %s", t.DType())
	}
}
