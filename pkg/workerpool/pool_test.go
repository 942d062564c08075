package workerpool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesTasks(t *testing.T) {
	var processed int64
	fn := func(_ context.Context, task *Task) *Result {
		atomic.AddInt64(&processed, 1)
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 2, QueueSize: 16}, fn, nil)
	require.NoError(t, err)
	pool.Start()

	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Submit(&Task{ID: "task"}))
	}

	results := 0
	for results < 5 {
		select {
		case res := <-pool.Results():
			assert.True(t, res.Success)
			results++
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for results")
		}
	}

	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(5), atomic.LoadInt64(&processed))

	stats := pool.Stats()
	assert.Equal(t, int64(5), stats.TasksSubmitted)
	assert.Equal(t, int64(5), stats.TasksCompleted)
	assert.Zero(t, stats.TasksFailed)
}

func TestPool_RetriesFailedTasks(t *testing.T) {
	var attempts int64
	fn := func(_ context.Context, task *Task) *Result {
		if atomic.AddInt64(&attempts, 1) < 3 {
			return &Result{TaskID: task.ID, Success: false, Error: errors.New("transient")}
		}
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 3, RetryDelay: time.Millisecond}, fn, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "flaky"}))

	select {
	case res := <-pool.Results():
		assert.True(t, res.Success)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(3), atomic.LoadInt64(&attempts))
	assert.Equal(t, int64(2), pool.Stats().TasksRetried)
}

func TestPool_ExhaustedRetriesReported(t *testing.T) {
	fn := func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: false, Error: errors.New("permanent")}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 4, MaxRetries: 1, RetryDelay: time.Millisecond}, fn, nil)
	require.NoError(t, err)
	pool.Start()

	require.NoError(t, pool.Submit(&Task{ID: "doomed"}))

	select {
	case res := <-pool.Results():
		assert.False(t, res.Success)
		assert.ErrorContains(t, res.Error, "permanent")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
	}

	require.NoError(t, pool.Stop())
	assert.Equal(t, int64(1), pool.Stats().TasksFailed)
}

func TestPool_SubmitAfterStopFails(t *testing.T) {
	fn := func(_ context.Context, task *Task) *Result {
		return &Result{TaskID: task.ID, Success: true}
	}

	pool, err := New(Config{Workers: 1, QueueSize: 1}, fn, nil)
	require.NoError(t, err)
	pool.Start()
	require.NoError(t, pool.Stop())

	assert.Error(t, pool.Submit(&Task{ID: "late"}))
}

func TestNew_RequiresWorkerFunc(t *testing.T) {
	_, err := New(DefaultConfig(), nil, nil)
	assert.Error(t, err)
}
