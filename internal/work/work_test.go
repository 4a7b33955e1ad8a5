package work

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleRunsTask(t *testing.T) {
	ran := make(chan struct{}, 1)
	w := New(func() { ran <- struct{}{} })
	defer w.CancelSync()

	w.Schedule()
	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("task never ran")
	}
}

func TestScheduleCoalesces(t *testing.T) {
	var runs atomic.Int64
	gate := make(chan struct{})
	w := New(func() {
		runs.Add(1)
		<-gate
	})

	w.Schedule()
	// Wait for the first run to start.
	require.Eventually(t, func() bool { return runs.Load() == 1 },
		2*time.Second, time.Millisecond)

	// Many schedules while the task is blocked collapse to one more run.
	for i := 0; i < 100; i++ {
		w.Schedule()
	}
	gate <- struct{}{} // release first run
	require.Eventually(t, func() bool { return runs.Load() == 2 },
		2*time.Second, time.Millisecond)
	gate <- struct{}{} // release second run

	// No further runs should occur.
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(2), runs.Load())
	w.CancelSync()
}

func TestCancelSyncWaitsForInFlightRun(t *testing.T) {
	started := make(chan struct{})
	var finished atomic.Bool
	w := New(func() {
		close(started)
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
	})

	w.Schedule()
	<-started
	w.CancelSync()
	assert.True(t, finished.Load(), "CancelSync returned while the task was still running")
}

func TestCancelSyncIdempotentAndConcurrent(t *testing.T) {
	w := New(func() {})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.CancelSync()
		}()
	}
	wg.Wait()

	// Scheduling after cancel must not panic or run the task.
	w.Schedule()
}
