// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

// ValueKind discriminates the tagged union stored in a value-store cell:
// a single Tensor, a list of tensors, or a non-tensor payload opaque to
// the executor.
type ValueKind int

const (
	// KindInvalid marks an empty cell: the slot has not been written yet.
	KindInvalid ValueKind = iota
	KindTensor
	KindTensorList
	KindOpaque
)

// Value is the tagged-union payload carried by a value-store slot. The
// executor never inspects Opaque payloads except to pass them through to
// the kernel that produced or consumes them; allocator identity comes from
// the plan's per-slot allocator, not from the Tensor.
type Value struct {
	kind   ValueKind
	tensor *Tensor
	list   []*Tensor
	opaque any
}

// TensorValue wraps a single Tensor as a Value.
func TensorValue(t *Tensor) Value { return Value{kind: KindTensor, tensor: t} }

// TensorListValue wraps a TensorList as a Value.
func TensorListValue(ts []*Tensor) Value { return Value{kind: KindTensorList, list: ts} }

// OpaqueValue wraps a non-tensor payload, opaque to the executor, as a
// Value (e.g. a control-flow loop-carried state the kernel alone
// understands).
func OpaqueValue(v any) Value { return Value{kind: KindOpaque, opaque: v} }

// Kind reports which variant of the union is populated.
func (v Value) Kind() ValueKind { return v.kind }

// IsValid reports whether the cell has been written.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Tensor returns the wrapped Tensor; panics if Kind() != KindTensor.
func (v Value) Tensor() *Tensor {
	if v.kind != KindTensor {
		panic("tensors.Value.Tensor: not a Tensor-kind value")
	}
	return v.tensor
}

// TensorList returns the wrapped tensor list; panics if Kind() != KindTensorList.
func (v Value) TensorList() []*Tensor {
	if v.kind != KindTensorList {
		panic("tensors.Value.TensorList: not a TensorList-kind value")
	}
	return v.list
}

// Opaque returns the wrapped payload; panics if Kind() != KindOpaque.
func (v Value) Opaque() any {
	if v.kind != KindOpaque {
		panic("tensors.Value.Opaque: not an Opaque-kind value")
	}
	return v.opaque
}

// Allocator returns the allocator name backing this value's tensor data.
// It returns "" for TensorList and Opaque values. (The executor resolves a
// slot's allocator from the plan's per-slot allocator identity, not from
// this method.)
func (v Value) Allocator() string {
	if v.kind == KindTensor && v.tensor != nil {
		return v.tensor.Allocator()
	}
	return ""
}
