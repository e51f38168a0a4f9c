// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelrt

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// ErrorKind classifies every error the Session API returns.
type ErrorKind int

const (
	// KindInternal is an invariant violation: a programmer bug, not a
	// model or caller defect.
	KindInternal ErrorKind = iota
	// KindInvalidModel: resolution/type inference failed, or a node has no
	// matching kernel.
	KindInvalidModel
	// KindInvalidArgument: unknown feed name, shape/type mismatch against
	// a graph input, or unknown output name.
	KindInvalidArgument
	// KindModelNotLoaded: an API call before Load.
	KindModelNotLoaded
	// KindNotInitialized: Run before Initialize.
	KindNotInitialized
	// KindCancelled: terminate observed before the run completed.
	KindCancelled
	// KindKernelFailed: a kernel's compute returned an error; the message
	// includes the failing node name.
	KindKernelFailed
	// KindResourceExhausted: an allocator returned no memory.
	KindResourceExhausted
)

var errorKindNames = map[ErrorKind]string{
	KindInternal:          "internal",
	KindInvalidModel:      "invalid-model",
	KindInvalidArgument:   "invalid-argument",
	KindModelNotLoaded:    "model-not-loaded",
	KindNotInitialized:    "not-initialized",
	KindCancelled:         "cancelled",
	KindKernelFailed:      "kernel-failed",
	KindResourceExhausted: "resource-exhausted",
}

func (k ErrorKind) String() string {
	if name, ok := errorKindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("ErrorKind(%d)", int(k))
}

// Error is the concrete error type every Session method returns: a kind,
// the API operation that failed, and the cause.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("modelrt.%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("modelrt.%s: %s: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes the cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.Err }

// KindOf extracts the ErrorKind from an error returned by this package;
// unrecognized errors report KindInternal.
func KindOf(err error) ErrorKind {
	var e *Error
	if pkgerrors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

func newError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func errorf(kind ErrorKind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: pkgerrors.Errorf(format, args...)}
}
