// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGoRunsEveryTask(t *testing.T) {
	pool := NewPool(2)
	var counter atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		pool.Go(func() {
			counter.Add(1)
			wg.Done()
		})
	}
	wg.Wait()
	assert.Equal(t, int32(50), counter.Load())
}

func TestGoBlocksAtTarget(t *testing.T) {
	pool := NewPool(1)
	block := make(chan struct{})
	pool.Go(func() { <-block })

	admitted := make(chan struct{})
	go func() {
		pool.Go(func() {})
		close(admitted)
	}()
	select {
	case <-admitted:
		t.Fatal("second Go admitted while the pool was at its target")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	select {
	case <-admitted:
	case <-time.After(5 * time.Second):
		t.Fatal("second Go never admitted after the slot freed")
	}
	pool.Drain()
}

// TestHandOffFromSaturatedWorkers: every worker of a full pool hands off
// at once; the lent slots must let the hand-offs through instead of
// deadlocking the pool on itself.
func TestHandOffFromSaturatedWorkers(t *testing.T) {
	pool := NewPool(1)
	done := make(chan struct{})
	pool.Go(func() {
		// The only worker hands off while the pool is nominally full.
		pool.HandOff(func() { close(done) })
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("hand-off deadlocked on a saturated pool")
	}
	pool.Drain()
}

func TestDrainWaitsForHandOffs(t *testing.T) {
	pool := NewPool(2)
	var counter atomic.Int32
	for i := 0; i < 10; i++ {
		pool.Go(func() {
			pool.HandOff(func() { counter.Add(1) })
			counter.Add(1)
		})
	}
	pool.Drain()
	assert.Equal(t, int32(20), counter.Load())
}

func TestDefaultTarget(t *testing.T) {
	pool := NewPool(0)
	assert.GreaterOrEqual(t, pool.Target(), 1)
}
