// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"github.com/gomlx/modelrt/fence"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// Kernel is the concrete implementation of one operator for one provider
// and element-type family. Kernels must be synchronous from the
// executor's perspective.
type Kernel interface {
	Compute(ctx *ComputeContext) error
}

// Prepacker is optionally implemented by kernels that can transform a
// weight initializer into a faster layout once at plan time. The returned
// payload lives in the session state and is handed back through
// ComputeContext.Prepacked.
type Prepacker interface {
	// Prepack receives the initializer feeding the given input position; it
	// is called only for inputs fed by an initializer. A nil return means
	// "no prepacking for this weight".
	Prepack(inputPos int, initializer *tensors.Tensor) (any, error)
}

// KernelDef describes what a registered kernel supports: op identity, the
// domain/version window, accepted element types, and the provider execution
// queue the kernel runs on.
type KernelDef struct {
	Op      graph.OpType
	Domain  string
	// SinceVersion..UntilVersion is the inclusive opset window; an
	// UntilVersion of 0 means open-ended.
	SinceVersion int64
	UntilVersion int64
	// TypeConstraints lists the element types the kernel accepts for its
	// primary input (input 0, or the node's first output for source ops
	// like Constant). Empty means unconstrained.
	TypeConstraints []shapes.DType
	// Queue is the provider execution queue the kernel is ordered on, used
	// by fences to serialise cross-device memory.
	Queue fence.QueueID
}

// Matches reports whether the def covers the given node and primary element
// type.
func (d *KernelDef) Matches(n *graph.Node, primary shapes.DType) bool {
	if d.Op != n.OpType || d.Domain != n.Domain {
		return false
	}
	if n.Version != 0 {
		if n.Version < d.SinceVersion {
			return false
		}
		if d.UntilVersion != 0 && n.Version > d.UntilVersion {
			return false
		}
	}
	if len(d.TypeConstraints) == 0 || primary == shapes.InvalidDType {
		return true
	}
	for _, dt := range d.TypeConstraints {
		if dt == primary {
			return true
		}
	}
	return false
}

// KernelFactory instantiates a kernel for a specific node, validating its
// attributes. Attribute validation failures are returned as errors rather
// than deferred to Compute.
type KernelFactory func(n *graph.Node) (Kernel, error)

type kernelRegistration struct {
	def     KernelDef
	factory KernelFactory
}

// KernelRegistry maps (op, domain, version, type-constraints) to a kernel
// factory.
//
// Registries are built once at provider construction and read-only
// afterwards, so lookups need no lock.
type KernelRegistry struct {
	byOp map[graph.OpType][]kernelRegistration
}

// NewKernelRegistry returns an empty registry.
func NewKernelRegistry() *KernelRegistry {
	return &KernelRegistry{byOp: make(map[graph.OpType][]kernelRegistration)}
}

// Register adds a kernel definition and its factory. Registration order is
// preserved per op: the first matching def wins at lookup.
func (r *KernelRegistry) Register(def KernelDef, factory KernelFactory) {
	r.byOp[def.Op] = append(r.byOp[def.Op], kernelRegistration{def: def, factory: factory})
}

// Find returns the first registered (def, factory) matching the node and
// its primary element type, and whether one was found.
func (r *KernelRegistry) Find(n *graph.Node, primary shapes.DType) (*KernelDef, KernelFactory, bool) {
	for ii := range r.byOp[n.OpType] {
		reg := &r.byOp[n.OpType][ii]
		if reg.def.Matches(n, primary) {
			return &reg.def, reg.factory, true
		}
	}
	return nil, nil, false
}
