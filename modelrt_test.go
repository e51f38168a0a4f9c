// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package modelrt_test

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gomlx/modelrt"
	"github.com/gomlx/modelrt/backends"
	"github.com/gomlx/modelrt/executor"
	"github.com/gomlx/modelrt/graph"
	"github.com/gomlx/modelrt/types/shapes"
	"github.com/gomlx/modelrt/types/tensors"
)

func feed(values ...float32) tensors.Value {
	return tensors.TensorValue(tensors.FromFlat(
		shapes.Make(shapes.Float32, int64(len(values))), values, "caller"))
}

// absIdentityMaxModel builds Abs → Identity → Max (element-wise Max of
// the identity output with itself).
func absIdentityMaxModel(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New("abs-max")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 2))
	sh := []shapes.Shape{shapes.Make(shapes.Float32, 2)}
	g.AddNode(graph.NodeSpec{
		Name: "abs0", OpType: "Abs",
		Inputs: []string{"x"}, Outputs: []string{"abs_out"}, OutputShapes: sh,
	})
	g.AddNode(graph.NodeSpec{
		Name: "id0", OpType: "Identity",
		Inputs: []string{"abs_out"}, Outputs: []string{"id_out"}, OutputShapes: sh,
	})
	g.AddNode(graph.NodeSpec{
		Name: "max0", OpType: "Max",
		Inputs: []string{"id_out", "id_out"}, Outputs: []string{"y"}, OutputShapes: sh,
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())
	return g
}

// TestEndToEndIdentityElimination drives the whole pipeline: the Identity
// disappears at Initialize, and running with [-1, 2] yields [1, 2].
func TestEndToEndIdentityElimination(t *testing.T) {
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(absIdentityMaxModel(t)))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	for _, n := range sess.Plan().Graph.Nodes() {
		assert.NotEqual(t, graph.OpType("Identity"), n.OpType, "identity must be rewritten away")
	}
	require.Len(t, sess.Plan().Graph.Nodes(), 2)

	fetches, err := sess.Run(nil, map[string]tensors.Value{"x": feed(-1, 2)}, []string{"y"})
	require.NoError(t, err)
	require.Len(t, fetches, 1)
	assert.Equal(t, []float32{1, 2}, fetches[0].Tensor().Flat().([]float32))
}

func TestConcurrentRunsShareOnePlan(t *testing.T) {
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(absIdentityMaxModel(t)))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(v float32) {
			defer wg.Done()
			fetches, err := sess.Run(nil, map[string]tensors.Value{"x": feed(-v, v)}, []string{"y"})
			assert.NoError(t, err)
			if err == nil {
				assert.Equal(t, []float32{v, v}, fetches[0].Tensor().Flat().([]float32))
			}
		}(float32(i + 1))
	}
	wg.Wait()
}

func TestAPIOrderingErrors(t *testing.T) {
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	_, err := sess.Run(nil, nil, nil)
	assert.Equal(t, modelrt.KindModelNotLoaded, modelrt.KindOf(err))

	err = sess.Initialize()
	assert.Equal(t, modelrt.KindModelNotLoaded, modelrt.KindOf(err))

	require.NoError(t, sess.Load(absIdentityMaxModel(t)))
	_, err = sess.Run(nil, nil, nil)
	assert.Equal(t, modelrt.KindNotInitialized, modelrt.KindOf(err))

	err = sess.Load(absIdentityMaxModel(t))
	assert.Equal(t, modelrt.KindInvalidArgument, modelrt.KindOf(err), "load is exactly-once")
}

func TestInvalidArgumentErrors(t *testing.T) {
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(absIdentityMaxModel(t)))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	_, err := sess.Run(nil, map[string]tensors.Value{"x": feed(1, 2)}, []string{"no_such_output"})
	assert.Equal(t, modelrt.KindInvalidArgument, modelrt.KindOf(err))

	_, err = sess.Run(nil, map[string]tensors.Value{"no_such_feed": feed(1, 2)}, []string{"y"})
	assert.Equal(t, modelrt.KindInvalidArgument, modelrt.KindOf(err))

	_, err = sess.Run(nil, map[string]tensors.Value{"x": feed(1, 2, 3)}, []string{"y"})
	assert.Equal(t, modelrt.KindInvalidArgument, modelrt.KindOf(err), "feed shape must match the declared input")
}

func TestEmptyRunSucceeds(t *testing.T) {
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(graph.New("empty")))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	fetches, err := sess.Run(nil, nil, nil)
	require.NoError(t, err)
	assert.Empty(t, fetches)
}

// fakeGPU is a provider whose kernels allocate in a non-CPU arena, used
// for the cross-provider copy scenario.
type fakeGPU struct {
	registry *backends.KernelRegistry
	copies   atomic.Int32
}

func newFakeGPU() *fakeGPU {
	p := &fakeGPU{registry: backends.NewKernelRegistry()}
	p.registry.Register(backends.KernelDef{Op: "Abs", SinceVersion: 1},
		func(n *graph.Node) (backends.Kernel, error) {
			return fakeAbs{}, nil
		})
	return p
}

func (p *fakeGPU) Type() string { return "fake-gpu" }
func (p *fakeGPU) GetAllocator(int, backends.MemKind) backends.Allocator {
	return gpuAllocator{}
}
func (p *fakeGPU) CopyTensor(src, dst *tensors.Tensor) error {
	p.copies.Add(1)
	copy(dst.Flat().([]float32), src.Flat().([]float32))
	return nil
}
func (p *fakeGPU) OnRunStart() error                        { return nil }
func (p *fakeGPU) OnRunEnd() error                          { return nil }
func (p *fakeGPU) KernelRegistry() *backends.KernelRegistry { return p.registry }

type gpuAllocator struct{}

func (gpuAllocator) Name() string { return "fake-gpu" }
func (gpuAllocator) Allocate(sh shapes.Shape) (*tensors.Tensor, error) {
	return tensors.New(sh, "fake-gpu"), nil
}
func (gpuAllocator) Release(*tensors.Tensor) {}

type fakeAbs struct{}

func (fakeAbs) Compute(ctx *backends.ComputeContext) error {
	in, err := ctx.Input(0)
	if err != nil {
		return err
	}
	out, err := ctx.AllocateOutput(0, in.Shape())
	if err != nil {
		return err
	}
	for i, v := range in.Flat().([]float32) {
		if v < 0 {
			v = -v
		}
		out.Flat().([]float32)[i] = v
	}
	return nil
}

// TestCrossProviderOutputBinding: the producing node lives on a non-CPU
// provider, the caller binds a CPU-side buffer, and the fetch goes through
// the provider's CopyTensor.
func TestCrossProviderOutputBinding(t *testing.T) {
	g := graph.New("cross")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 2))
	g.AddNode(graph.NodeSpec{
		Name: "abs0", OpType: "Abs",
		Inputs: []string{"x"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 2)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	gpu := newFakeGPU()
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(g))
	require.NoError(t, sess.RegisterProvider(gpu))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	dst := tensors.New(shapes.Make(shapes.Float32, 2), "caller-cpu")
	err := sess.RunWithBinding(nil, &modelrt.IOBinding{
		Feeds:   map[string]tensors.Value{"x": feed(-3, 4)},
		Outputs: []modelrt.OutputBinding{{Name: "y", Dst: dst}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, dst.Flat().([]float32))
	assert.Equal(t, "caller-cpu", dst.Allocator(), "the returned value keeps the caller's allocator")
	assert.Equal(t, int32(1), gpu.copies.Load(), "fetch must stage through CopyTensor")
}

func TestKernelFailureKind(t *testing.T) {
	g := graph.New("fail")
	g.DeclareGraphInputShaped("x", shapes.Make(shapes.Float32, 1, 1))
	// Conv requires rank-4 input: the kernel fails at compute time.
	g.AddInitializer("w", tensors.FromFlat(shapes.Make(shapes.Float32, 1, 1, 1, 1), []float32{1}, "cpu"))
	g.AddNode(graph.NodeSpec{
		Name: "conv0", OpType: "Conv",
		Inputs: []string{"x", "w"}, Outputs: []string{"y"},
		OutputShapes: []shapes.Shape{shapes.Make(shapes.Float32, 1, 1)},
	})
	g.DeclareGraphOutput("y")
	require.NoError(t, g.Resolve())

	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(g))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	_, err := sess.Run(nil, map[string]tensors.Value{
		"x": tensors.TensorValue(tensors.FromFlat(shapes.Make(shapes.Float32, 1, 1), []float32{1}, "caller")),
	}, []string{"y"})
	require.Error(t, err)
	assert.Equal(t, modelrt.KindKernelFailed, modelrt.KindOf(err))
	assert.Contains(t, err.Error(), "conv0", "the failing node's name must be in the message")
}

func TestCancelledRunKind(t *testing.T) {
	g := absIdentityMaxModel(t)
	sess := modelrt.NewSession(modelrt.SessionOptions{})
	require.NoError(t, sess.Load(g))
	require.NoError(t, sess.Initialize())
	defer sess.Close()

	var terminate atomic.Bool
	terminate.Store(true) // Set before dispatch: every node short-circuits.
	opts := &executor.RunOptions{Terminate: &terminate, RunTag: "cancelled-run"}
	_, err := sess.Run(opts, map[string]tensors.Value{"x": feed(1, 2)}, []string{"y"})
	require.Error(t, err)
	assert.Equal(t, modelrt.KindCancelled, modelrt.KindOf(err))
}

func TestSequentialOptionMatchesParallel(t *testing.T) {
	run := func(sequential bool) []float32 {
		sess := modelrt.NewSession(modelrt.SessionOptions{Sequential: sequential})
		require.NoError(t, sess.Load(absIdentityMaxModel(t)))
		require.NoError(t, sess.Initialize())
		defer sess.Close()
		fetches, err := sess.Run(nil, map[string]tensors.Value{"x": feed(-5, 6)}, []string{"y"})
		require.NoError(t, err)
		return fetches[0].Tensor().Flat().([]float32)
	}
	assert.Equal(t, run(true), run(false))
}
