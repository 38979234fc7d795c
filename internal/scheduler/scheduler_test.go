package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"steward/internal/scheduler"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	var fast, slow atomic.Int32
	s := &scheduler.Scheduler{Jobs: []scheduler.Job{
		{Name: "fast", Interval: 5 * time.Millisecond, Run: func(context.Context) { fast.Add(1) }},
		{Name: "startup", Interval: time.Hour, RunAtStart: true, Run: func(context.Context) { slow.Add(1) }},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return fast.Load() >= 3 && slow.Load() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), slow.Load())
}

func TestPanickingJobKeepsRunning(t *testing.T) {
	var calls atomic.Int32
	s := &scheduler.Scheduler{Jobs: []scheduler.Job{{
		Name: "flaky", Interval: 5 * time.Millisecond,
		Run: func(context.Context) {
			calls.Add(1)
			panic("boom")
		},
	}}}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestRejectsInvalidJobs(t *testing.T) {
	s := &scheduler.Scheduler{Jobs: []scheduler.Job{{Name: "x", Interval: 0, Run: func(context.Context) {}}}}
	require.Error(t, s.Run(context.Background()))
	s = &scheduler.Scheduler{Jobs: []scheduler.Job{{Name: "x", Interval: time.Second}}}
	require.Error(t, s.Run(context.Background()))
}
