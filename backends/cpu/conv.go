// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package cpu

import (
	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// convKernel is a direct NCHW 2-D convolution with optional bias, grouped
// channels, and an optional fused activation: the rewrite engine folds a
// following Relu/Sigmoid/Softsign/Tanh/LeakyRelu into the Conv node as an
// "activation" attribute, applied here as an epilogue.
type convKernel struct {
	strides    []int64
	pads       []int64 // [beginH, beginW, endH, endW]
	dilations  []int64
	group      int64
	activation func(float64) float64 // nil when no fused activation.
}

func newConvKernel(n *graph.Node) (backends.Kernel, error) {
	k := convKernel{
		strides:   []int64{1, 1},
		pads:      []int64{0, 0, 0, 0},
		dilations: []int64{1, 1},
		group:     n.AttrInt64OrDefault("group", 1),
	}
	if v, ok := n.AttrInts("strides"); ok {
		if len(v) != 2 {
			return nil, errors.Errorf("Conv node %q: want 2 strides, got %d", n.Name, len(v))
		}
		k.strides = v
	}
	if v, ok := n.AttrInts("pads"); ok {
		if len(v) != 4 {
			return nil, errors.Errorf("Conv node %q: want 4 pads, got %d", n.Name, len(v))
		}
		k.pads = v
	}
	if v, ok := n.AttrInts("dilations"); ok {
		if len(v) != 2 {
			return nil, errors.Errorf("Conv node %q: want 2 dilations, got %d", n.Name, len(v))
		}
		k.dilations = v
	}
	if k.group < 1 {
		return nil, errors.Errorf("Conv node %q: group must be >= 1, got %d", n.Name, k.group)
	}
	if name, ok := n.AttrString("activation"); ok {
		alpha := 0.01
		if v, okAlpha := n.AttrFloat64("activation_alpha"); okAlpha {
			alpha = v
		}
		f, okAct := activationByName(name, alpha)
		if !okAct {
			return nil, errors.Errorf("Conv node %q: unknown fused activation %q", n.Name, name)
		}
		k.activation = f
	}
	return k, nil
}

// convPrepacked is the plan-time weight relayout:
// the filter widened to float64 once, so the inner loop does no per-element
// conversion on float32 models.
type convPrepacked struct {
	weights []float64
	shape   shapes.Shape
}

// Prepack implements backends.Prepacker for the weight input (position 1).
func (k convKernel) Prepack(inputPos int, initializer *tensors.Tensor) (any, error) {
	if inputPos != 1 || initializer == nil {
		return nil, nil
	}
	w, err := toFloat64s(initializer)
	if err != nil {
		return nil, nil // Unsupported dtype: fall back to the unpacked path.
	}
	return &convPrepacked{weights: w, shape: initializer.Shape()}, nil
}

func (k convKernel) Compute(ctx *backends.ComputeContext) error {
	x, err := ctx.Input(0)
	if err != nil {
		return err
	}
	if x.Shape().Rank() != 4 {
		return errors.Errorf("Conv node %q: only rank-4 NCHW inputs are supported, got %s", ctx.Node().Name, x.Shape())
	}

	var w64 []float64
	var wShape shapes.Shape
	if pp, ok := ctx.Prepacked().(*convPrepacked); ok && pp != nil {
		w64, wShape = pp.weights, pp.shape
	} else {
		w, errW := ctx.Input(1)
		if errW != nil {
			return errW
		}
		wShape = w.Shape()
		w64, err = toFloat64s(w)
		if err != nil {
			return err
		}
	}
	if wShape.Rank() != 4 {
		return errors.Errorf("Conv node %q: weights must be rank-4, got %s", ctx.Node().Name, wShape)
	}

	var bias []float64
	if ctx.HasInput(2) {
		b, errB := ctx.Input(2)
		if errB != nil {
			return errB
		}
		bias, err = toFloat64s(b)
		if err != nil {
			return err
		}
	}

	batch, inChannels := x.Shape().Dim(0), x.Shape().Dim(1)
	inH, inW := x.Shape().Dim(2), x.Shape().Dim(3)
	outChannels, kernelChannels := wShape.Dim(0), wShape.Dim(1)
	kH, kW := wShape.Dim(2), wShape.Dim(3)

	if inChannels != kernelChannels*k.group {
		return errors.Errorf("Conv node %q: input has %d channels, weights expect %d groups of %d",
			ctx.Node().Name, inChannels, k.group, kernelChannels)
	}
	if bias != nil && int64(len(bias)) != outChannels {
		return errors.Errorf("Conv node %q: bias has %d entries for %d output channels",
			ctx.Node().Name, len(bias), outChannels)
	}

	outH := (inH+k.pads[0]+k.pads[2]-k.dilations[0]*(kH-1)-1)/k.strides[0] + 1
	outW := (inW+k.pads[1]+k.pads[3]-k.dilations[1]*(kW-1)-1)/k.strides[1] + 1
	if outH < 1 || outW < 1 {
		return errors.Errorf("Conv node %q: output spatial dims collapse to [%d,%d]", ctx.Node().Name, outH, outW)
	}

	x64, err := toFloat64s(x)
	if err != nil {
		return err
	}

	out, err := ctx.AllocateOutput(0, shapes.Make(x.DType(), batch, outChannels, outH, outW))
	if err != nil {
		return err
	}

	channelsPerGroup := outChannels / k.group
	result := make([]float64, batch*outChannels*outH*outW)
	for n := int64(0); n < batch; n++ {
		for oc := int64(0); oc < outChannels; oc++ {
			g := oc / channelsPerGroup
			for oy := int64(0); oy < outH; oy++ {
				for ox := int64(0); ox < outW; ox++ {
					var acc float64
					for ic := int64(0); ic < kernelChannels; ic++ {
						srcC := g*kernelChannels + ic
						for ky := int64(0); ky < kH; ky++ {
							iy := oy*k.strides[0] + ky*k.dilations[0] - k.pads[0]
							if iy < 0 || iy >= inH {
								continue
							}
							for kx := int64(0); kx < kW; kx++ {
								ix := ox*k.strides[1] + kx*k.dilations[1] - k.pads[1]
								if ix < 0 || ix >= inW {
									continue
								}
								xIdx := ((n*inChannels+srcC)*inH+iy)*inW + ix
								wIdx := ((oc*kernelChannels+ic)*kH+ky)*kW + kx
								acc += x64[xIdx] * w64[wIdx]
							}
						}
					}
					if bias != nil {
						acc += bias[oc]
					}
					if k.activation != nil {
						acc = k.activation(acc)
					}
					result[((n*outChannels+oc)*outH+oy)*outW+ox] = acc
				}
			}
		}
	}
	return fromFloat64s(out, result)
}

var _ backends.Prepacker = convKernel{}
