// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package rewrite

import (
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/tensors"
)

// constantTensor returns the initializer tensor backing a slot; callers
// must have already checked graph.Graph.IsInitializer(slot).
func constantTensor(g *graph.Graph, slot graph.SlotID) *tensors.Tensor {
	return g.Initializers[slot]
}

// singleConsumer returns the sole live consumer of slot, and whether
// exactly one exists -- the common precondition shared by every Conv
// fusion rule.
func singleConsumer(g *graph.Graph, slot graph.SlotID) (*graph.Node, bool) {
	consumers := g.ConsumersOf(slot)
	if len(consumers) != 1 {
		return nil, false
	}
	n := g.Node(consumers[0])
	if n == nil {
		return nil, false
	}
	return n, true
}

// isGraphOutput reports whether slot is named as one of the graph's
// declared outputs -- fusions must not fire across a slot a caller can
// fetch directly.
func isGraphOutput(g *graph.Graph, slot graph.SlotID) bool {
	_, slots := g.GraphOutputs()
	for _, s := range slots {
		if s == slot {
			return true
		}
	}
	return false
}

// convBiasFoldable verifies that a Conv's bias input, if present, is an
// initializer the fusion rules can fold into: the right dtype family and
// one entry per output channel. Checked BEFORE any weight mutation, so a
// skipped fusion never leaves the graph half-rewritten.
func convBiasFoldable(g *graph.Graph, conv *graph.Node, outChannels int64) bool {
	if len(conv.Inputs) < 3 || conv.Inputs[2] == graph.InvalidSlotID {
		return true // No bias: one will be synthesised from zero if needed.
	}
	bSlot := conv.Inputs[2]
	if !g.IsInitializer(bSlot) {
		return false
	}
	bias, ok := asFloat64Slice(constantTensor(g, bSlot))
	return ok && int64(len(bias)) == outChannels
}

// asFloat64Slice reads a tensor's flat data as a []float64, converting from
// float32 if necessary. Conv fusions operate at float64 precision
// internally regardless of the tensor's storage dtype and convert back
// before writing the result.
func asFloat64Slice(t *tensors.Tensor) ([]float64, bool) {
	switch flat := t.Flat().(type) {
	case []float64:
		out := make([]float64, len(flat))
		copy(out, flat)
		return out, true
	case []float32:
		out := make([]float64, len(flat))
		for i, v := range flat {
			out[i] = float64(v)
		}
		return out, true
	default:
		return nil, false
	}
}

// tensorFromFloat64Slice rebuilds a tensor with the same shape and dtype as
// template, backed by the given float64 values converted to the template's
// storage dtype.
func tensorFromFloat64Slice(template *tensors.Tensor, values []float64) *tensors.Tensor {
	switch template.Flat().(type) {
	case []float64:
		return tensors.FromFlat(template.Shape(), values, template.Allocator())
	case []float32:
		out := make([]float32, len(values))
		for i, v := range values {
			out[i] = float32(v)
		}
		return tensors.FromFlat(template.Shape(), out, template.Allocator())
	default:
		return template
	}
}
