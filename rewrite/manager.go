// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package rewrite implements the graph-rewrite engine: a fixed-point driver
// (GraphTransformerManager) over a set of Transformers, most of which are
// expressed as per-op Rules dispatched by op type.
//
// A Transformer reports a changed/unchanged signal so the manager can
// iterate the whole list to a fixed point rather than running each
// transformer exactly once.
package rewrite

import (
	"context"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/graph"
)

// Transformer rewrites a graph in place and reports whether it changed
// anything. A Transformer must leave the graph resolved -- the manager
// calls graph.Graph.Resolve after every pass that reports a change, so
// individual transformers don't need to call it themselves.
type Transformer interface {
	Name() string
	Apply(ctx context.Context, g *graph.Graph) (changed bool, err error)
}

// GraphTransformerManager runs a fixed ordered list of Transformers
// repeatedly, in order, until a full pass over the list makes no further
// change.
type GraphTransformerManager struct {
	transformers []Transformer
	// MaxIterations bounds the number of full passes over the transformer
	// list; 0 means use DefaultMaxIterations. Reaching the limit without
	// converging is reported as an error (a non-terminating rewrite set is
	// a programming error in the transformer set, not a model defect).
	MaxIterations int
}

// DefaultMaxIterations is used when GraphTransformerManager.MaxIterations is
// unset.
const DefaultMaxIterations = 100

// NewManager returns a manager that runs the given transformers, in order,
// once per pass.
func NewManager(transformers ...Transformer) *GraphTransformerManager {
	return &GraphTransformerManager{transformers: transformers}
}

// Register appends a transformer to the end of the pass order.
func (m *GraphTransformerManager) Register(t Transformer) {
	m.transformers = append(m.transformers, t)
}

// ApplyAll runs every registered transformer, in order, repeating full
// passes until none of them report a change. Each transformer that reports
// a change is followed by graph.Graph.Resolve; a resolve failure is
// returned immediately as a hard error.
func (m *GraphTransformerManager) ApplyAll(ctx context.Context, g *graph.Graph) error {
	limit := m.MaxIterations
	if limit <= 0 {
		limit = DefaultMaxIterations
	}

	for pass := 0; pass < limit; pass++ {
		anyChanged := false
		for _, t := range m.transformers {
			changed, err := t.Apply(ctx, g)
			if err != nil {
				return errors.Wrapf(err, "rewrite pass %q failed", t.Name())
			}
			if changed {
				anyChanged = true
				if err := g.Resolve(); err != nil {
					return errors.Wrapf(err, "rewrite pass %q left graph unresolved", t.Name())
				}
				klog.V(2).Infof("rewrite: pass %q changed the graph (outer iteration %d)", t.Name(), pass)
			}
		}
		if !anyChanged {
			return nil
		}
	}
	return errors.Errorf("rewrite: did not converge after %d full passes", limit)
}
