// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package workerspool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/gomlx/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_WaitToStart(t *testing.T) {
	pool := New().SetMaxParallelism(2)
	var running, maxRunning atomic.Int32
	release := xsync.NewLatch()
	done := make(chan struct{}, 4)
	for range 4 {
		go pool.WaitToStart(func() {
			n := running.Add(1)
			for {
				m := maxRunning.Load()
				if n <= m || maxRunning.CompareAndSwap(m, n) {
					break
				}
			}
			release.Wait()
			running.Add(-1)
			done <- struct{}{}
		})
	}
	require.Eventually(t, func() bool { return running.Load() == 2 }, time.Second, time.Millisecond)
	assert.False(t, pool.StartIfAvailable(func() {}), "pool is full")
	release.Trigger()
	for range 4 {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("Timeout before all tasks were executed.")
		}
	}
	assert.Equal(t, int32(2), maxRunning.Load())

	// No parallelism: tasks run inline.
	pool.SetMaxParallelism(0)
	ran := false
	pool.WaitToStart(func() { ran = true })
	assert.True(t, ran)
	assert.False(t, pool.IsEnabled())
}

func TestPool_Map(t *testing.T) {
	pool := New().SetMaxParallelism(3)
	results := make([]int, 10)
	require.NoError(t, pool.Map(context.Background(), len(results), func(i int) error {
		results[i] = i * i
		return nil
	}))
	for i, r := range results {
		assert.Equal(t, i*i, r)
	}

	errFailed := errors.New("failed")
	var count atomic.Int32
	err := New().SetMaxParallelism(1).Map(context.Background(), 10, func(i int) error {
		count.Add(1)
		if i == 2 {
			return errFailed
		}
		return nil
	})
	assert.ErrorIs(t, err, errFailed)
	assert.Equal(t, int32(3), count.Load(), "no task is started after a failure")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = pool.Map(ctx, 5, func(int) error {
		t.Error("task started with a canceled context")
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPool_Unlimited(t *testing.T) {
	pool := New().SetMaxParallelism(-1)
	assert.True(t, pool.IsUnlimited())
	var count atomic.Int32
	require.NoError(t, pool.Map(context.Background(), 20, func(int) error {
		count.Add(1)
		return nil
	}))
	assert.Equal(t, int32(20), count.Load())
}
