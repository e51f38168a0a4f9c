// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"github.com/pkg/errors"
)

// UncheckedAxis is used in CheckDims/AssertDims for an axis whose dimension
// is not being checked.
const UncheckedAxis = int64(-1)

// HasShape is implemented by anything with an associated Shape: graph.Node
// and tensors.Tensor both do.
type HasShape interface {
	Shape() Shape
}

// CheckDims checks the shape has the given rank and dimensions.
// UncheckedAxis in dimensions skips checking that axis.
func (s Shape) CheckDims(dimensions ...int64) error {
	if s.Rank() != len(dimensions) {
		return errors.Errorf("shape (%s) has incompatible rank %d (wanted %d)", s, s.Rank(), len(dimensions))
	}
	for ii, want := range dimensions {
		if want != UncheckedAxis && s.Dimensions[ii] != want {
			return errors.Errorf("shape (%s) axis %d has dimension %d, wanted %d", s, ii, s.Dimensions[ii], want)
		}
	}
	return nil
}

// AssertDims panics if CheckDims fails.
func (s Shape) AssertDims(dimensions ...int64) {
	if err := s.CheckDims(dimensions...); err != nil {
		panic(err)
	}
}

// CheckRank checks that the shape has the given rank.
func (s Shape) CheckRank(rank int) error {
	if s.Rank() != rank {
		return errors.Errorf("shape (%s) has incompatible rank %d, wanted %d", s, s.Rank(), rank)
	}
	return nil
}

// AssertRank panics if CheckRank fails.
func (s Shape) AssertRank(rank int) {
	if err := s.CheckRank(rank); err != nil {
		panic(err)
	}
}

// CheckScalar checks that the shape is a scalar.
func (s Shape) CheckScalar() error {
	if !s.IsScalar() {
		return errors.Errorf("shape (%s) is not a scalar", s)
	}
	return nil
}
