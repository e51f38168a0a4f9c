// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu is the reference CPU execution provider: a kernel registry
// covering the operator set the rewrite engine exercises, a pooled
// allocator, and a plain memcpy CopyTensor.
package cpu

import (
	"reflect"

	"github.com/pkg/errors"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// ProviderType is the unique identifier returned by Provider.Type.
const ProviderType = "cpu"

// Provider implements backends.Provider for the host CPU.
type Provider struct {
	registry  *backends.KernelRegistry
	allocator *Allocator
}

var _ backends.Provider = (*Provider)(nil)

// New returns a CPU provider with the full reference kernel set registered.
func New() *Provider {
	p := &Provider{
		registry:  backends.NewKernelRegistry(),
		allocator: NewAllocator(),
	}
	registerKernels(p.registry)
	return p
}

// Type implements backends.Provider.
func (p *Provider) Type() string { return ProviderType }

// GetAllocator implements backends.Provider. The CPU provider has a single
// arena regardless of deviceID and memory kind: host memory is host memory.
func (p *Provider) GetAllocator(deviceID int, kind backends.MemKind) backends.Allocator {
	return p.allocator
}

// CopyTensor implements backends.Provider: an element-wise copy between two
// same-shaped tensors. For the CPU provider both sides are host memory, so
// this is the "staging" degenerate case of a cross-device copy.
func (p *Provider) CopyTensor(src, dst *tensors.Tensor) error {
	if !src.Shape().Equal(dst.Shape()) {
		return errors.Errorf("cpu.CopyTensor: shape mismatch: src=%s dst=%s", src.Shape(), dst.Shape())
	}
	reflect.Copy(reflect.ValueOf(dst.Flat()), reflect.ValueOf(src.Flat()))
	return nil
}

// OnRunStart implements backends.Provider.
func (p *Provider) OnRunStart() error { return nil }

// OnRunEnd implements backends.Provider.
func (p *Provider) OnRunEnd() error { return nil }

// KernelRegistry implements backends.Provider.
func (p *Provider) KernelRegistry() *backends.KernelRegistry { return p.registry }

// floatTypes is the type-constraint set shared by the arithmetic kernels:
// the Conv fusions are float32/float64-only and the reference
// kernels match that.
var floatTypes = []shapes.DType{shapes.Float32, shapes.Float64}

// anyType leaves a kernel unconstrained on element type.
var anyType []shapes.DType
