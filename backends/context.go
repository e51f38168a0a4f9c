// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// ComputeContext is what a kernel's Compute receives: it lends input
// tensors, accepts output tensor allocations, exposes node attributes, and
// surfaces the cancellation flag. Contexts are built by the
// executor per node dispatch and never shared between nodes.
type ComputeContext struct {
	node      *graph.Node
	inputs    []tensors.Value
	outputs   []tensors.Value
	allocator Allocator
	cancelled func() bool
	prepacked any
	// subgraphPlans holds the per-attribute plans of a control-flow node,
	// stored by the session-state initializer. Opaque here to keep backends
	// below the session layer; a
	// control-flow kernel type-asserts the handle it is given.
	subgraphPlans map[string]any
}

// NewComputeContext assembles a context for one node dispatch. inputs must
// be aligned with node.Inputs (an invalid Value marks an omitted optional
// input); outputs is a pre-sized slice the kernel fills.
func NewComputeContext(node *graph.Node, inputs []tensors.Value, allocator Allocator,
	cancelled func() bool, prepacked any, subgraphPlans map[string]any) *ComputeContext {
	return &ComputeContext{
		node:          node,
		inputs:        inputs,
		outputs:       make([]tensors.Value, len(node.Outputs)),
		allocator:     allocator,
		cancelled:     cancelled,
		prepacked:     prepacked,
		subgraphPlans: subgraphPlans,
	}
}

// Node returns the node being executed; kernels read attributes through it
// (Node.AttrInt64 and friends).
func (c *ComputeContext) Node() *graph.Node { return c.node }

// NumInputs returns the number of declared inputs, including omitted
// optional ones.
func (c *ComputeContext) NumInputs() int { return len(c.inputs) }

// HasInput reports whether the input at position i is present.
func (c *ComputeContext) HasInput(i int) bool {
	return i >= 0 && i < len(c.inputs) && c.inputs[i].IsValid()
}

// Input lends the tensor at input position i. The tensor is owned by its
// value slot; kernels must not mutate or retain it past Compute.
func (c *ComputeContext) Input(i int) (*tensors.Tensor, error) {
	if !c.HasInput(i) {
		return nil, errors.Errorf("node %q: input %d is absent", c.node.Name, i)
	}
	v := c.inputs[i]
	if v.Kind() != tensors.KindTensor {
		return nil, errors.Errorf("node %q: input %d is not a tensor", c.node.Name, i)
	}
	return v.Tensor(), nil
}

// InputValue lends the raw Value at input position i, for kernels that
// consume tensor lists or opaque payloads.
func (c *ComputeContext) InputValue(i int) tensors.Value {
	if i < 0 || i >= len(c.inputs) {
		return tensors.Value{}
	}
	return c.inputs[i]
}

// AllocateOutput allocates the tensor for output position i through the
// node's provider allocator, records it as the output value, and returns it
// for the kernel to fill. An allocator failure surfaces as
// resource-exhausted at the session boundary.
func (c *ComputeContext) AllocateOutput(i int, shape shapes.Shape) (*tensors.Tensor, error) {
	if i < 0 || i >= len(c.outputs) {
		return nil, errors.Errorf("node %q: output position %d out of range", c.node.Name, i)
	}
	t, err := c.allocator.Allocate(shape)
	if err != nil {
		return nil, err
	}
	c.outputs[i] = tensors.TensorValue(t)
	return t, nil
}

// SetOutput records a pre-built value (e.g. a zero-copy alias of an input,
// or a tensor list) as output position i.
func (c *ComputeContext) SetOutput(i int, v tensors.Value) error {
	if i < 0 || i >= len(c.outputs) {
		return errors.Errorf("node %q: output position %d out of range", c.node.Name, i)
	}
	c.outputs[i] = v
	return nil
}

// Output returns the value recorded for output position i; the executor
// moves these into the value store after Compute returns.
func (c *ComputeContext) Output(i int) tensors.Value { return c.outputs[i] }

// Outputs returns all recorded output values, aligned with node.Outputs.
func (c *ComputeContext) Outputs() []tensors.Value { return c.outputs }

// Cancelled reports whether the run's terminate flag has been set; a
// long-running kernel may poll it to bail out early, though the executor
// never interrupts an in-flight kernel itself.
func (c *ComputeContext) Cancelled() bool {
	if c.cancelled == nil {
		return false
	}
	return c.cancelled()
}

// Prepacked returns the payload produced by the kernel's Prepack at plan
// time, or nil.
func (c *ComputeContext) Prepacked() any { return c.prepacked }

// SubgraphPlan returns the opaque plan handle for the subgraph attached
// under the given attribute name, or nil. Control-flow kernels type-assert
// it to the session plan type they were built against.
func (c *ComputeContext) SubgraphPlan(attr string) any {
	return c.subgraphPlans[attr]
}
