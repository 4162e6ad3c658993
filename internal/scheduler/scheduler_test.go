package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddTaskValidation(t *testing.T) {
	s := New(nil)

	err := s.AddTask(&Task{})
	assert.Error(t, err)

	task := &Task{
		ID:       "t1",
		Name:     "test",
		Schedule: Every(time.Hour),
		Func:     func(context.Context) error { return nil },
	}
	require.NoError(t, s.AddTask(task))
	assert.Error(t, s.AddTask(task)) // duplicate ID
}

func TestRunOnStart(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:         "boot",
		Name:       "boot",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestRunTaskImmediately(t *testing.T) {
	s := New(nil)
	var runs atomic.Int64

	require.NoError(t, s.AddTask(&Task{
		ID:       "manual",
		Name:     "manual",
		Schedule: Every(time.Hour),
		Func: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	assert.Error(t, s.RunTask("manual")) // not started yet

	s.Start()
	defer s.Stop()

	require.NoError(t, s.RunTask("manual"))
	require.Eventually(t, func() bool {
		return runs.Load() == 1
	}, time.Second, 10*time.Millisecond)

	assert.Error(t, s.RunTask("missing"))
}

func TestStatusRecordsFailures(t *testing.T) {
	s := New(nil)

	require.NoError(t, s.AddTask(&Task{
		ID:         "flaky",
		Name:       "flaky",
		Schedule:   Every(time.Hour),
		RunOnStart: true,
		Func: func(context.Context) error {
			return fmt.Errorf("backend unavailable")
		},
	}))

	s.Start()
	defer s.Stop()

	require.Eventually(t, func() bool {
		statuses := s.GetStatus()
		return len(statuses) == 1 && statuses[0].ErrorCount == 1
	}, time.Second, 10*time.Millisecond)

	status := s.GetStatus()[0]
	assert.Equal(t, "backend unavailable", status.LastError)
	assert.Equal(t, int64(1), status.RunCount)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(nil)
	s.Start()
	assert.True(t, s.IsRunning())
	s.Stop()
	s.Stop()
	assert.False(t, s.IsRunning())
}

func TestStopWaitsForJustLaunchedTask(t *testing.T) {
	s := New(nil)
	var done atomic.Bool

	require.NoError(t, s.AddTask(&Task{
		ID:       "slow",
		Name:     "slow",
		Schedule: Every(time.Hour),
		Func: func(context.Context) error {
			time.Sleep(50 * time.Millisecond)
			done.Store(true)
			return nil
		},
	}))

	s.Start()
	require.NoError(t, s.RunTask("slow"))
	s.Stop()

	assert.True(t, done.Load(), "a task launched just before Stop must finish before Stop returns")
}
