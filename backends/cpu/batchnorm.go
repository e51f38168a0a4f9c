// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"math"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
)

// batchNormKernel is inference-mode batch normalization over the channel
// axis (axis 1): y = γ·(x−μ)/sqrt(σ²+ε) + β. Inputs: X, γ (scale), β
// (bias), μ (mean), σ² (variance).
type batchNormKernel struct {
	epsilon float64
}

func newBatchNormKernel(n *graph.Node) (backends.Kernel, error) {
	eps := 1e-5
	if v, ok := n.AttrFloat64("epsilon"); ok {
		eps = v
	}
	return batchNormKernel{epsilon: eps}, nil
}

func (k batchNormKernel) Compute(ctx *backends.ComputeContext) error {
	x, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if x.Shape().Rank() < 2 {
		return errors.Errorf("BatchNormalization node %q: input must have a channel axis, got %s",
			ctx.Node().Name, x.Shape())
	}
	params := make([][]float64, 4)
	for i := 1; i <= 4; i++ {
		t, errIn := ctx.Input(i)
		if errIn != nil {
			return errIn
		}
		params[i-1], err = toFloat64s(t)
		if err != nil {
			return err
		}
	}
	gamma, beta, mean, variance := params[0], params[1], params[2], params[3]

	channels := x.Shape().Dim(1)
	if int64(len(gamma)) != channels || int64(len(beta)) != channels ||
		int64(len(mean)) != channels || int64(len(variance)) != channels {
		return errors.Errorf("BatchNormalization node %q: parameter length does not match %d channels",
			ctx.Node().Name, channels)
	}

	// Per-channel affine form: y = x·s + t with s = γ/sqrt(σ²+ε),
	// t = β − μ·s.
	scale := make([]float64, channels)
	shift := make([]float64, channels)
	for c := int64(0); c < channels; c++ {
		s := gamma[c] / math.Sqrt(variance[c]+k.epsilon)
		scale[c] = s
		shift[c] = beta[c] - mean[c]*s
	}

	x64, err := toFloat64s(x)
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, x.Shape())
	if err != nil {
		return err
	}

	inner := int64(1)
	for axis := 2; axis < x.Shape().Rank(); axis++ {
		inner *= x.Shape().Dim(axis)
	}
	batch := x.Shape().Dim(0)
	result := make([]float64, len(x64))
	for n := int64(0); n < batch; n++ {
		for c := int64(0); c < channels; c++ {
			base := (n*channels + c) * inner
			s, t := scale[c], shift[c]
			for i := int64(0); i < inner; i++ {
				result[base+i] = x64[base+i]*s + t
			}
		}
	}
	return fromFloat64s(out, result)
}
