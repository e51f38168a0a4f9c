// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"context"
	"math"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// ConvOpType and BatchNormalizationOpType name the two op types fused by
// NewConvBatchNormRule.
const (
	ConvOpType               graph.OpType = "Conv"
	BatchNormalizationOpType graph.OpType = "BatchNormalization"
)

// NewConvBatchNormRule returns the rule fusing a Conv into a following
// BatchNormalization: given BN parameters γ, β, μ, σ², ε
// and Conv weights/bias W, b, define s = γ / sqrt(σ² + ε); replace
// W ← W·s (per output channel) and b ← (b−μ)·s + β (synthesising b from
// zero if absent); remove the BN node and splice its consumers onto the
// Conv's output.
func NewConvBatchNormRule() Rule {
	return Rule{
		Name:    "fuse-conv-batchnorm",
		OpTypes: []graph.OpType{ConvOpType},
		Apply:   applyConvBatchNormRule,
	}
}

func applyConvBatchNormRule(_ context.Context, g *graph.Graph, conv *graph.Node) (bool, error) {
	if len(conv.Inputs) < 2 || len(conv.Outputs) != 1 {
		return false, nil
	}
	convOut := conv.Outputs[0]
	if isGraphOutput(g, convOut) {
		return false, nil
	}
	if group := conv.AttrInt64OrDefault("group", 1); group != 1 {
		return false, nil
	}

	bn, ok := singleConsumer(g, convOut)
	if !ok || bn.OpType != BatchNormalizationOpType || bn.Version != 7 {
		return false, nil
	}
	if len(bn.Inputs) != 5 || len(bn.Outputs) != 1 {
		return false, nil
	}

	gammaSlot, betaSlot, meanSlot, varSlot := bn.Inputs[1], bn.Inputs[2], bn.Inputs[3], bn.Inputs[4]
	for _, s := range []graph.SlotID{gammaSlot, betaSlot, meanSlot, varSlot} {
		if !g.IsInitializer(s) {
			return false, nil
		}
	}

	wSlot := conv.Inputs[1]
	if !g.IsInitializer(wSlot) {
		return false, nil
	}
	w := constantTensor(g, wSlot)
	outChannels := w.Shape().Dim(0)

	gamma, ok1 := asFloat64Slice(constantTensor(g, gammaSlot))
	beta, ok2 := asFloat64Slice(constantTensor(g, betaSlot))
	mean, ok3 := asFloat64Slice(constantTensor(g, meanSlot))
	variance, ok4 := asFloat64Slice(constantTensor(g, varSlot))
	if !ok1 || !ok2 || !ok3 || !ok4 {
		return false, nil
	}
	if int64(len(gamma)) != outChannels || int64(len(beta)) != outChannels ||
		int64(len(mean)) != outChannels || int64(len(variance)) != outChannels {
		return false, nil
	}
	eps := 1e-5
	if v, hasEps := bn.AttrFloat64("epsilon"); hasEps {
		eps = v
	}

	if !convBiasFoldable(g, conv, outChannels) {
		return false, nil
	}

	scale := make([]float64, outChannels)
	shift := make([]float64, outChannels)
	for c := int64(0); c < outChannels; c++ {
		s := gamma[c] / math.Sqrt(variance[c]+eps)
		scale[c] = s
		shift[c] = beta[c] - mean[c]*s
	}

	if !scaleConvWeightsByChannel(g, conv, scale) {
		return false, nil
	}
	if !scaleAndShiftConvBias(g, conv, scale, shift) {
		return false, nil
	}

	bnOut := bn.Outputs[0]
	g.RemoveNode(bn.Index())
	g.RetargetConsumers(bnOut, convOut)
	return true, nil
}

// scaleConvWeightsByChannel multiplies each output channel's filter
// (axis 0 of W, the standard [C_out, C_in/group, kH, kW] layout) by the
// corresponding entry of scale, writing a fresh initializer in place of W.
func scaleConvWeightsByChannel(g *graph.Graph, conv *graph.Node, scale []float64) bool {
	wSlot := conv.Inputs[1]
	w := constantTensor(g, wSlot)
	flat, ok := asFloat64Slice(w)
	if !ok {
		return false
	}
	outChannels := w.Shape().Dim(0)
	if int64(len(scale)) != outChannels || outChannels == 0 {
		return false
	}
	strideElems := int64(len(flat)) / outChannels
	for c := int64(0); c < outChannels; c++ {
		s := scale[c]
		base := c * strideElems
		for i := int64(0); i < strideElems; i++ {
			flat[base+i] *= s
		}
	}
	g.SetInitializer(wSlot, tensorFromFloat64Slice(w, flat))
	return true
}

// scaleAndShiftConvBias applies b ← b·scale + shift per output channel,
// synthesising a zero bias first if Conv has no bias input. When Conv had
// no third input slot, one is appended, reusing a fresh initializer slot.
func scaleAndShiftConvBias(g *graph.Graph, conv *graph.Node, scale, shift []float64) bool {
	outChannels := int64(len(scale))
	var bias []float64
	var bSlot graph.SlotID
	haveBias := len(conv.Inputs) >= 3 && conv.Inputs[2] != graph.InvalidSlotID

	if haveBias {
		bSlot = conv.Inputs[2]
		b := constantTensor(g, bSlot)
		if !g.IsInitializer(bSlot) {
			return false
		}
		var ok bool
		bias, ok = asFloat64Slice(b)
		if !ok || int64(len(bias)) != outChannels {
			return false
		}
		for c := int64(0); c < outChannels; c++ {
			bias[c] = bias[c]*scale[c] + shift[c]
		}
		g.SetInitializer(bSlot, tensorFromFloat64Slice(b, bias))
		return true
	}

	bias = make([]float64, outChannels)
	copy(bias, shift)
	w := constantTensor(g, conv.Inputs[1])
	biasShape := shapes.Make(w.DType(), outChannels)
	biasTemplate := tensors.New(biasShape, w.Allocator())
	biasTensor := tensorFromFloat64Slice(biasTemplate, bias)
	slot := g.AddInitializer(conv.Name+"#bias", biasTensor)
	if len(conv.Inputs) < 3 {
		conv.Inputs = append(conv.Inputs, slot)
	} else {
		conv.Inputs[2] = slot
	}
	return true
}
