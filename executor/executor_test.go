// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package executor_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/backends/cpu"
	"github.com/gomlx/modelrt/executor"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/internal/workerspool"
	"github.com/gomlx/modelrt/session"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

// testProvider is a minimal provider whose kernels are supplied by the
// test, used to instrument scheduling behaviour.
type testProvider struct {
	name     string
	registry *backends.KernelRegistry
}

func newTestProvider(name string) *testProvider {
	return &testProvider{name: name, registry: backends.NewKernelRegistry()}
}

func (p *testProvider) Type() string { return p.name }
func (p *testProvider) GetAllocator(int, backends.MemKind) backends.Allocator {
	return testAllocator{name: p.name}
}
func (p *testProvider) CopyTensor(src, dst *tensors.Tensor) error {
	copy(dst.Flat().([]float32), src.Flat().([]float32))
	return nil
}
func (p *testProvider) OnRunStart() error                      { return nil }
func (p *testProvider) OnRunEnd() error                        { return nil }
func (p *testProvider) KernelRegistry() *backends.KernelRegistry { return p.registry }

func (p *testProvider) register(op graph.OpType, compute func(ctx *backends.ComputeContext) error) {
	p.registry.Register(backends.KernelDef{Op: op, SinceVersion: 1},
		func(n *graph.Node) (backends.Kernel, error) {
			return funcKernel(compute), nil
		})
}

type funcKernel func(ctx *backends.ComputeContext) error

func (k funcKernel) Compute(ctx *backends.ComputeContext) error { return k(ctx) }

type testAllocator struct{ name string }

func (a testAllocator) Name() string { return a.name }
func (a testAllocator) Allocate(sh shapes.Shape) (*tensors.Tensor, error) {
	return tensors.New(sh, a.name), nil
}
func (a testAllocator) Release(*tensors.Tensor) {}

// emitScalar fills the kernel's single output with the given value.
func emitScalar(v float32) func(ctx *backends.ComputeContext) error {
	return func(ctx *backends.ComputeContext) error {
		out, err := ctx.AllocateOutput(0, shapes.Make(shapes.Float32, 1))
		if err != nil {
			return err
		}
		out.Flat().([]float32)[0] = v
		return nil
	}
}

// passThrough copies input 0 to output 0.
func passThrough(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, in.Shape())
	if err != nil {
		return err
	}
	copy(out.Flat().([]float32), in.Flat().([]float32))
	return nil
}

func scalarShapes() []shapes.Shape { return []shapes.Shape{shapes.Make(shapes.Float32, 1)} }

func planFor(t *testing.T, g *graph.Graph, providers ...backends.Provider) *session.Plan {
	t.Helper()
	require.NoError(t, g.Resolve())
	plan, err := session.Init(g, providers)
	require.NoError(t, err)
	return plan
}

func TestSequentialRunsSimpleGraph(t *testing.T) {
	g := graph.New("add")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 2))
	g.AddInitializer("w", tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{10, 20}, "cpu"))
	g.AddNode(graph.NodeSpec{
		Name: "add0", OpType: "Add",
		Inputs: []string{"x", "w"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	plan := planFor(t, g, cpu.New())

	_, outSlots := g.GraphOutputs()
	store := executor.NewValueStore(plan, outSlots)
	defer store.Clear()
	xSlot, _ := g.LookupSlot("x")
	store.SetFeed(xSlot, tensors.TensorValue(
		tensors.FromFlat(shapes.Make(shapes.Float32, 2), []float32{1, 2}, "caller")))

	require.NoError(t, executor.RunSequential(context.Background(), plan, store, outSlots, nil))
	v := store.Get(outSlots[0])
	require.Equal(t, tensors.KindTensor, v.Kind())
	assert.Equal(t, []float32{11, 22}, v.Tensor().Flat().([]float32))
}

// TestParallelIndependentBranches: two independent branches A→B and C→D
// must overlap in time given >= 2 workers. The two
// tail kernels rendezvous: each blocks until the other has arrived, so the
// test deadlocks (and times out) if the scheduler serialises them.
func TestParallelIndependentBranches(t *testing.T) {
	p := newTestProvider("test")
	p.register("Emit", emitScalar(1))

	arrivals := make(chan string, 2)
	proceed := make(chan struct{})
	var closed atomic.Int32
	p.register("Rendezvous", func(ctx *backends.ComputeContext) error {
		arrivals <- ctx.Node().Name
		if closed.Add(1) == 2 {
			close(proceed)
		}
		select {
		case <-proceed:
		case <-time.After(10 * time.Second):
			t.Error("rendezvous timed out: branches did not run concurrently")
		}
		return passThrough(ctx)
	})

	g := graph.New("branches")
	g.AddNode(graph.NodeSpec{Name: "a", OpType: "Emit", Outputs: []string{"a_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "b", OpType: "Rendezvous", Inputs: []string{"a_out"}, Outputs: []string{"b_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "c", OpType: "Emit", Outputs: []string{"c_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "d", OpType: "Rendezvous", Inputs: []string{"c_out"}, Outputs: []string{"d_out"}, OutputShapes: scalarShapes()})
	g.DeclareGraphOutput("b_out")
	g.DeclareGraphOutput("d_out")
	plan := planFor(t, g, p)

	_, outSlots := g.GraphOutputs()
	store := executor.NewValueStore(plan, outSlots)
	defer store.Clear()

	pool := workerspool.NewPool(2)
	require.NoError(t, executor.RunParallel(context.Background(), plan, store, outSlots, nil, pool))

	assert.Len(t, arrivals, 2)
	for _, slot := range outSlots {
		assert.True(t, store.Get(slot).IsValid())
	}
}

// TestParallelCancellation: the first node sleeps, terminate is set
// mid-flight, and the run drains and returns cancelled.
func TestParallelCancellation(t *testing.T) {
	var terminate atomic.Bool
	p := newTestProvider("test")
	p.register("Sleep", func(ctx *backends.ComputeContext) error {
		terminate.Store(true) // "mid-flight": while the first node runs.
		time.Sleep(20 * time.Millisecond)
		return emitScalar(1)(ctx)
	})
	p.register("Emit", emitScalar(2))
	p.register("Pass", passThrough)

	g := graph.New("cancel")
	g.AddNode(graph.NodeSpec{Name: "sleep0", OpType: "Sleep", Outputs: []string{"s_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "pass0", OpType: "Pass", Inputs: []string{"s_out"}, Outputs: []string{"y"}, OutputShapes: scalarShapes()})
	g.DeclareGraphOutput("y")
	plan := planFor(t, g, p)

	_, outSlots := g.GraphOutputs()
	store := executor.NewValueStore(plan, outSlots)
	defer store.Clear()

	opts := &executor.RunOptions{Terminate: &terminate}
	err := executor.RunParallel(context.Background(), plan, store, outSlots, opts, workerspool.NewPool(2))
	require.Error(t, err)
	assert.ErrorIs(t, err, executor.ErrCancelled)
}

// TestParallelFirstErrorWins: a failing kernel fails the whole run with
// the first recorded error, and the run still drains.
func TestParallelFirstErrorWins(t *testing.T) {
	p := newTestProvider("test")
	p.register("Emit", emitScalar(1))
	p.register("Fail", func(ctx *backends.ComputeContext) error {
		return assert.AnError
	})
	p.register("Pass", passThrough)

	g := graph.New("failing")
	g.AddNode(graph.NodeSpec{Name: "ok0", OpType: "Emit", Outputs: []string{"ok_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "bad0", OpType: "Fail", Outputs: []string{"bad_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "join0", OpType: "Pass", Inputs: []string{"bad_out"}, Outputs: []string{"y"}, OutputShapes: scalarShapes()})
	g.DeclareGraphOutput("y")
	g.DeclareGraphOutput("ok_out")
	plan := planFor(t, g, p)

	_, outSlots := g.GraphOutputs()
	store := executor.NewValueStore(plan, outSlots)
	defer store.Clear()

	err := executor.RunParallel(context.Background(), plan, store, outSlots, nil, workerspool.NewPool(2))
	require.Error(t, err)
	var kerr *executor.KernelError
	require.ErrorAs(t, err, &kerr)
	assert.Equal(t, "bad0", kerr.Node)
}

// TestReachabilityPrunesUnrequestedBranch: only the sub-DAG reachable from
// the requested outputs executes.
func TestReachabilityPrunesUnrequestedBranch(t *testing.T) {
	var fired atomic.Int32
	p := newTestProvider("test")
	p.register("Emit", emitScalar(1))
	p.register("Count", func(ctx *backends.ComputeContext) error {
		fired.Add(1)
		return emitScalar(9)(ctx)
	})

	g := graph.New("pruned")
	g.AddNode(graph.NodeSpec{Name: "want", OpType: "Emit", Outputs: []string{"w_out"}, OutputShapes: scalarShapes()})
	g.AddNode(graph.NodeSpec{Name: "skip", OpType: "Count", Outputs: []string{"s_out"}, OutputShapes: scalarShapes()})
	g.DeclareGraphOutput("w_out")
	g.DeclareGraphOutput("s_out")
	plan := planFor(t, g, p)

	wSlot, _ := g.LookupSlot("w_out")
	store := executor.NewValueStore(plan, []graph.SlotID{wSlot})
	defer store.Clear()
	require.NoError(t, executor.RunSequential(context.Background(), plan, store, []graph.SlotID{wSlot}, nil))

	assert.Equal(t, int32(0), fired.Load(), "unrequested branch must not execute")
	assert.True(t, store.Get(wSlot).IsValid())
}

func TestValueStoreDoubleWritePanics(t *testing.T) {
	p := newTestProvider("test")
	p.register("Emit", emitScalar(1))
	g := graph.New("store")
	g.AddNode(graph.NodeSpec{Name: "a", OpType: "Emit", Outputs: []string{"out"}, OutputShapes: scalarShapes()})
	g.DeclareGraphOutput("out")
	plan := planFor(t, g, p)

	_, outSlots := g.GraphOutputs()
	store := executor.NewValueStore(plan, outSlots)
	defer store.Clear()
	v := tensors.TensorValue(tensors.New(shapes.Make(shapes.Float32, 1), "test"))
	store.Set(outSlots[0], v)
	assert.Panics(t, func() { store.Set(outSlots[0], v) })
}
