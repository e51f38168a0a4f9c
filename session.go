// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package modelrt executes directed acyclic computation graphs of tensor
// operators: load a model, let the rewrite engine simplify it to a fixed
// point, plan it once, then run it -- sequentially or on the parallel
// fire-on-ready scheduler -- as many times and as concurrently as needed.
//
// Session is the embedder-facing API; everything below it (graph,
// rewrite, session, executor, backends) is importable on its own for
// embedders that need finer control.
package modelrt

import (
	"context"
	"sync"
	"time"

	"github.com/gomlx/exceptions"
	pkgerrors "github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/backends/cpu"
	"github.com/gomlx/modelrt/executor"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/internal/workerspool"
	"github.com/gomlx/modelrt/model"
	"github.com/gomlx/modelrt/profiler"
	"github.com/gomlx/modelrt/rewrite"
	"github.com/gomlx/modelrt/session"
	"github.com/gomlx/modelrt/types/tensors"
)

// SessionOptions configures a Session at construction.
type SessionOptions struct {
	// NumThreads is the parallel executor's soft worker target; 0 means the
	// default of half the hardware concurrency.
	NumThreads int

	// Sequential forces the reference single-thread executor
	// for every run.
	Sequential bool

	// ProfilePrefix, when non-empty, enables profiling; Close writes
	// <prefix>_<timestamp>.json.
	ProfilePrefix string
}

// Session owns one loaded model: its graph, rewrite pipeline, plan, and
// worker pool. The plan is immutable after Initialize, so any number of
// Runs may proceed concurrently on one Session.
type Session struct {
	mu           sync.Mutex
	opts         SessionOptions
	g            *graph.Graph
	providers    []backends.Provider
	transformers []rewrite.Transformer
	plan         *session.Plan
	pool         *workerspool.Pool
	prof         *profiler.Profiler
	initialized  bool
}

// NewSession returns an empty session; Load it, register providers and
// transformers, then Initialize.
func NewSession(opts SessionOptions) *Session {
	s := &Session{opts: opts}
	if opts.ProfilePrefix != "" {
		s.prof = profiler.New(opts.ProfilePrefix)
	}
	return s
}

// Load accepts a file path, an io.Reader, or an in-memory *graph.Graph
//. Exactly once per session.
func (s *Session) Load(src any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g != nil {
		return errorf(KindInvalidArgument, "Load", "model already loaded")
	}
	var g *graph.Graph
	var loadErr error
	caught := exceptions.TryCatch[error](func() {
		g, loadErr = model.Load(src)
	})
	if caught != nil {
		return newError(KindInvalidModel, "Load", caught)
	}
	if loadErr != nil {
		return newError(KindInvalidModel, "Load", loadErr)
	}
	s.g = g
	return nil
}

// RegisterProvider appends an execution provider; registration order is
// priority order. Must precede Initialize.
func (s *Session) RegisterProvider(p backends.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return errorf(KindInvalidArgument, "RegisterProvider", "session already initialized")
	}
	s.providers = append(s.providers, p)
	return nil
}

// RegisterTransformer appends a graph transformer to the rewrite manager,
// after the built-in rewrite set. Must precede Initialize.
func (s *Session) RegisterTransformer(t rewrite.Transformer) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return errorf(KindInvalidArgument, "RegisterTransformer", "session already initialized")
	}
	s.transformers = append(s.transformers, t)
	return nil
}

// Initialize rewrites the graph to a fixed point, plans it, and
// recursively plans every attached subgraph. Exactly once.
func (s *Session) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return errorf(KindModelNotLoaded, "Initialize", "no model loaded")
	}
	if s.initialized {
		return errorf(KindInvalidArgument, "Initialize", "session already initialized")
	}
	if len(s.providers) == 0 {
		s.providers = []backends.Provider{cpu.New()}
	}

	// Unexpected panics anywhere below convert to internal.
	var initErr error
	caught := exceptions.TryCatch[error](func() {
		manager := session.DefaultManager(s.providers)
		for _, t := range s.transformers {
			manager.Register(t)
		}
		if err := manager.ApplyAll(context.Background(), s.g); err != nil {
			initErr = newError(KindInvalidModel, "Initialize", err)
			return
		}
		plan, err := session.Init(s.g, s.providers)
		if err != nil {
			initErr = newError(KindInvalidModel, "Initialize", err)
			return
		}
		s.plan = plan
	})
	if caught != nil {
		return newError(KindInternal, "Initialize", caught)
	}
	if initErr != nil {
		return initErr
	}

	s.pool = workerspool.NewPool(s.opts.NumThreads)
	s.initialized = true
	return nil
}

// Plan exposes the frozen execution plan (immutable after Initialize);
// nil before.
func (s *Session) Plan() *session.Plan {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.plan
}

// Run executes the plan over the given feeds and returns the values of
// output_names, aligned. It either succeeds with every requested
// output populated or returns a single classified error -- partial outputs
// are never surfaced.
func (s *Session) Run(opts *executor.RunOptions, feeds map[string]tensors.Value, outputNames []string) ([]tensors.Value, error) {
	plan, err := s.runnablePlan("Run")
	if err != nil {
		return nil, err
	}
	outputSlots, err := s.resolveOutputs(plan, "Run", outputNames)
	if err != nil {
		return nil, err
	}
	store := executor.NewValueStore(plan, outputSlots)
	defer store.Clear()
	if err := s.installFeeds(plan, "Run", store, feeds); err != nil {
		return nil, err
	}
	if err := s.execute(plan, store, outputSlots, opts); err != nil {
		return nil, err
	}

	fetches := make([]tensors.Value, len(outputSlots))
	for ii, slot := range outputSlots {
		fetches[ii] = s.fetch(plan, store, slot)
		if !fetches[ii].IsValid() {
			return nil, errorf(KindInternal, "Run", "output %q was not produced", outputNames[ii])
		}
	}
	return fetches, nil
}

// OutputBinding names a requested output and the caller-allocated tensor
// to fill in place.
type OutputBinding struct {
	Name string
	Dst  *tensors.Tensor
}

// IOBinding pairs feeds with pre-allocated output buffers for the
// zero-allocation Run variant.
type IOBinding struct {
	Feeds   map[string]tensors.Value
	Outputs []OutputBinding
}

// RunWithBinding is the io_binding Run variant: outputs land in the
// caller's buffers, with a cross-device copy when the producing provider's
// arena differs from the buffer's.
func (s *Session) RunWithBinding(opts *executor.RunOptions, binding *IOBinding) error {
	plan, err := s.runnablePlan("RunWithBinding")
	if err != nil {
		return err
	}
	names := make([]string, len(binding.Outputs))
	for ii, ob := range binding.Outputs {
		names[ii] = ob.Name
	}
	outputSlots, err := s.resolveOutputs(plan, "RunWithBinding", names)
	if err != nil {
		return err
	}
	store := executor.NewValueStore(plan, outputSlots)
	defer store.Clear()
	if err := s.installFeeds(plan, "RunWithBinding", store, binding.Feeds); err != nil {
		return err
	}
	if err := s.execute(plan, store, outputSlots, opts); err != nil {
		return err
	}

	for ii, slot := range outputSlots {
		v := store.Get(slot)
		if v.Kind() != tensors.KindTensor {
			return errorf(KindInternal, "RunWithBinding", "output %q was not produced as a tensor", names[ii])
		}
		src := v.Tensor()
		dst := binding.Outputs[ii].Dst
		if !src.Shape().Equal(dst.Shape()) {
			return errorf(KindInvalidArgument, "RunWithBinding",
				"output %q: bound buffer shape %s does not match produced shape %s",
				names[ii], dst.Shape(), src.Shape())
		}
		provider := s.producingProvider(plan, slot)
		if err := provider.CopyTensor(src, dst); err != nil {
			return newError(KindInternal, "RunWithBinding", err)
		}
	}
	return nil
}

// Close tears the session down: drains the pool and flushes the profiler
// file, if profiling was enabled.
func (s *Session) Close() error {
	s.mu.Lock()
	pool, prof := s.pool, s.prof
	s.mu.Unlock()
	if pool != nil {
		pool.Drain()
	}
	if prof != nil {
		if _, err := prof.WriteJSON(""); err != nil {
			return newError(KindInternal, "Close", err)
		}
	}
	return nil
}

func (s *Session) runnablePlan(op string) (*session.Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.g == nil {
		return nil, errorf(KindModelNotLoaded, op, "no model loaded")
	}
	if !s.initialized {
		return nil, errorf(KindNotInitialized, op, "session not initialized")
	}
	return s.plan, nil
}

func (s *Session) resolveOutputs(plan *session.Plan, op string, names []string) ([]graph.SlotID, error) {
	slots := make([]graph.SlotID, len(names))
	for ii, name := range names {
		slot, ok := plan.Graph.LookupSlot(name)
		if !ok {
			return nil, errorf(KindInvalidArgument, op, "unknown output name %q", name)
		}
		slots[ii] = slot
	}
	return slots, nil
}

// installFeeds validates each feed against the graph's declared inputs and
// lends it to the store.
func (s *Session) installFeeds(plan *session.Plan, op string, store *executor.ValueStore, feeds map[string]tensors.Value) error {
	_, inputSlots := plan.Graph.GraphInputs()
	declared := make(map[graph.SlotID]bool, len(inputSlots))
	for _, slot := range inputSlots {
		declared[slot] = true
	}
	for name, v := range feeds {
		slot, ok := plan.Graph.LookupSlot(name)
		if !ok || !declared[slot] {
			return errorf(KindInvalidArgument, op, "unknown feed name %q", name)
		}
		if want, known := plan.Graph.SlotShape(slot); known && v.Kind() == tensors.KindTensor {
			got := v.Tensor().Shape()
			if !got.Equal(want) {
				return errorf(KindInvalidArgument, op,
					"feed %q: shape %s does not match graph input %s", name, got, want)
			}
		}
		store.SetFeed(slot, v)
	}
	return nil
}

// execute dispatches to the configured executor, converting every failure
// to a classified error and recording the run with the profiler.
func (s *Session) execute(plan *session.Plan, store *executor.ValueStore,
	outputSlots []graph.SlotID, opts *executor.RunOptions) error {
	if opts == nil {
		opts = &executor.RunOptions{}
	}
	if opts.Profiler == nil {
		opts.Profiler = s.prof
	}
	if opts.LogVerbosity > 0 {
		klog.V(klog.Level(opts.LogVerbosity)).Infof("modelrt: run [%s] starting on graph %q",
			opts.RunTag, plan.Graph.Name)
	}

	start := time.Now()
	var runErr error
	caught := exceptions.TryCatch[error](func() {
		if s.opts.Sequential {
			runErr = executor.RunSequential(context.Background(), plan, store, outputSlots, opts)
		} else {
			runErr = executor.RunParallel(context.Background(), plan, store, outputSlots, opts, s.pool)
		}
	})
	dur := time.Since(start)

	status := "ok"
	var classified error
	switch {
	case caught != nil:
		status, classified = "error", newError(KindInternal, "Run", caught)
	case runErr == nil:
	case pkgerrors.Is(runErr, executor.ErrCancelled):
		status, classified = "cancelled", newError(KindCancelled, "Run", runErr)
	default:
		var kerr *executor.KernelError
		if pkgerrors.As(runErr, &kerr) {
			status, classified = "error", newError(KindKernelFailed, "Run", runErr)
		} else {
			status, classified = "error", newError(KindInternal, "Run", runErr)
		}
	}
	if s.prof != nil {
		s.prof.RecordRun(opts.RunTag, start, dur, store.ActivationBytes(), status)
	}
	profiler.CountRun(status)
	return classified
}

// fetch moves a requested output to the caller; a folded-to-initializer
// output is cloned so the session keeps its own copy.
func (s *Session) fetch(plan *session.Plan, store *executor.ValueStore, slot graph.SlotID) tensors.Value {
	if t, ok := plan.Graph.Initializers[slot]; ok {
		return tensors.TensorValue(t.Clone())
	}
	return store.TakeOutput(slot)
}

// producingProvider resolves which provider's CopyTensor stages an output
// fetch: the producing node's provider, or the first registered provider
// for initializer-backed outputs.
func (s *Session) producingProvider(plan *session.Plan, slot graph.SlotID) backends.Provider {
	if idx, ok := plan.Graph.ProducerOf(slot); ok {
		if p, assigned := plan.NodeProvider[idx]; assigned {
			return p
		}
	}
	return plan.Providers[0]
}
