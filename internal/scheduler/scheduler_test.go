package scheduler_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/openclimatefix/Satip-sub000/internal/domain"
	"github.com/openclimatefix/Satip-sub000/internal/scheduler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestScheduler_RunsRepeatedly(t *testing.T) {
	var runs atomic.Int32
	s := scheduler.New(quiet(), scheduler.Job{
		Name:     "count",
		Interval: 100 * time.Millisecond,
		Run: func(context.Context) error {
			runs.Add(1)
			return errors.New("transient trouble")
		},
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestScheduler_FatalErrorStops(t *testing.T) {
	s := scheduler.New(quiet(), scheduler.Job{
		Name:     "auth",
		Interval: time.Hour,
		Run: func(context.Context) error {
			return domain.ErrUnauthorized
		},
	})

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrUnauthorized)
		assert.Contains(t, err.Error(), "auth")
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop on fatal error")
	}
}

func TestScheduler_RejectsZeroInterval(t *testing.T) {
	s := scheduler.New(quiet(), scheduler.Job{Name: "bad", Run: func(context.Context) error { return nil }})
	assert.Error(t, s.Serve(context.Background()))
}

func TestRunFunc_UsesCurrentTime(t *testing.T) {
	now := time.Date(2023, 6, 1, 12, 0, 0, 0, time.UTC)
	domain.SetClock(clockwork.NewFakeClockAt(now))
	t.Cleanup(func() { domain.SetClock(nil) })

	var got time.Time
	run := scheduler.RunFunc(func(_ context.Context, at time.Time) (int, error) {
		got = at
		return 0, nil
	})
	require.NoError(t, run(context.Background()))
	assert.Equal(t, now, got)
}

func TestSupervisor_ServesScheduler(t *testing.T) {
	var runs atomic.Int32
	sup := scheduler.NewSupervisor(quiet(), time.Second)
	sup.Add(scheduler.New(quiet(), scheduler.Job{
		Name:     "run",
		Interval: time.Hour,
		Run: func(context.Context) error {
			runs.Add(1)
			return nil
		},
	}))

	ctx, cancel := context.WithCancel(context.Background())
	errCh := sup.ServeBackground(ctx)

	require.Eventually(t, func() bool { return runs.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
	cancel()
	select {
	case <-errCh:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}
