// ABOUTME: Tests for the job trigger engine
// ABOUTME: Covers delay computation, timer lifecycle, and rearm behavior

package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomlabs/loom/internal/store"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestParseEvery(t *testing.T) {
	tests := []struct {
		spec    string
		want    time.Duration
		wantErr bool
	}{
		{spec: "30s", want: 30 * time.Second},
		{spec: "5m", want: 5 * time.Minute},
		{spec: "2h", want: 2 * time.Hour},
		{spec: "1d", want: 24 * time.Hour},
		{spec: "90s", want: 90 * time.Second},
		{spec: "s", wantErr: true},
		{spec: "", wantErr: true},
		{spec: "10", wantErr: true},
		{spec: "0s", wantErr: true},
		{spec: "-5m", wantErr: true},
		{spec: "3w", wantErr: true},
		{spec: "1.5h", wantErr: true},
	}
	for _, tt := range tests {
		got, err := ParseEvery(tt.spec)
		if tt.wantErr {
			assert.Error(t, err, "spec %q", tt.spec)
			continue
		}
		require.NoError(t, err, "spec %q", tt.spec)
		assert.Equal(t, tt.want, got, "spec %q", tt.spec)
	}
}

func TestNextDelay(t *testing.T) {
	s := New(Config{Logger: discardLogger()})
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)

	t.Run("at in the future", func(t *testing.T) {
		job := store.Job{ScheduleType: store.ScheduleAt, ScheduleSpec: now.Add(10 * time.Minute).Format(time.RFC3339)}
		delay, ok, err := s.nextDelay(job, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 10*time.Minute, delay)
	})

	t.Run("at in the past fires immediately", func(t *testing.T) {
		job := store.Job{ScheduleType: store.ScheduleAt, ScheduleSpec: past.Format(time.RFC3339)}
		delay, ok, err := s.nextDelay(job, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("spent one-shot never fires again", func(t *testing.T) {
		lastRun := now.Add(-30 * time.Minute)
		job := store.Job{
			ScheduleType: store.ScheduleAt,
			ScheduleSpec: past.Format(time.RFC3339),
			LastRun:      &lastRun,
		}
		_, ok, err := s.nextDelay(job, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("at with malformed timestamp", func(t *testing.T) {
		job := store.Job{ScheduleType: store.ScheduleAt, ScheduleSpec: "tomorrow"}
		_, _, err := s.nextDelay(job, now)
		assert.Error(t, err)
	})

	t.Run("every", func(t *testing.T) {
		job := store.Job{ScheduleType: store.ScheduleEvery, ScheduleSpec: "15m"}
		delay, ok, err := s.nextDelay(job, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 15*time.Minute, delay)
	})

	t.Run("cron", func(t *testing.T) {
		// 12:00 on a five-field expression firing at minute 30.
		job := store.Job{ScheduleType: store.ScheduleCron, ScheduleSpec: "30 * * * *"}
		delay, ok, err := s.nextDelay(job, now)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, 30*time.Minute, delay)
	})

	t.Run("cron with malformed expression", func(t *testing.T) {
		job := store.Job{ScheduleType: store.ScheduleCron, ScheduleSpec: "not cron"}
		_, _, err := s.nextDelay(job, now)
		assert.Error(t, err)
	})

	t.Run("unknown schedule type", func(t *testing.T) {
		job := store.Job{ScheduleType: "sometimes", ScheduleSpec: "x"}
		_, _, err := s.nextDelay(job, now)
		assert.Error(t, err)
	})
}

func TestPastOneShotFiresOnce(t *testing.T) {
	fired := make(chan store.Job, 4)
	var outcomes sync.WaitGroup
	outcomes.Add(1)

	s := New(Config{
		OnFire: func(_ context.Context, job store.Job) error {
			fired <- job
			return nil
		},
		OnOutcome: func(store.Job, error) {
			outcomes.Done()
		},
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-1",
		Name:         "catchup",
		Enabled:      true,
		ScheduleType: store.ScheduleAt,
		ScheduleSpec: time.Now().Add(-time.Minute).Format(time.RFC3339),
	}
	s.UpdateJobs([]*store.Job{job})

	select {
	case got := <-fired:
		assert.Equal(t, "job-1", got.ID)
	case <-time.After(5 * time.Second):
		t.Fatal("past one-shot never fired")
	}
	outcomes.Wait()

	// Spent: no second firing.
	select {
	case <-fired:
		t.Fatal("one-shot fired twice")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestIntervalJobRearms(t *testing.T) {
	fired := make(chan struct{}, 8)
	s := New(Config{
		OnFire: func(context.Context, store.Job) error {
			fired <- struct{}{}
			return nil
		},
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-2",
		Name:         "tick",
		Enabled:      true,
		ScheduleType: store.ScheduleEvery,
		ScheduleSpec: "1s",
	}
	s.UpdateJobs([]*store.Job{job})

	for i := 0; i < 2; i++ {
		select {
		case <-fired:
		case <-time.After(5 * time.Second):
			t.Fatalf("interval job did not fire (firing %d)", i+1)
		}
	}
}

func TestSlowFiringRearmsFromNow(t *testing.T) {
	// A callback that outlasts part of the interval must push the next
	// firing out, not trigger a catch-up burst: the gap between firings
	// is the callback duration plus the full interval.
	const callback = 500 * time.Millisecond

	firedAt := make(chan time.Time, 8)
	s := New(Config{
		OnFire: func(context.Context, store.Job) error {
			firedAt <- time.Now()
			time.Sleep(callback)
			return nil
		},
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-6",
		Name:         "slowpoke",
		Enabled:      true,
		ScheduleType: store.ScheduleEvery,
		ScheduleSpec: "1s",
	}
	s.UpdateJobs([]*store.Job{job})

	var stamps []time.Time
	for i := 0; i < 2; i++ {
		select {
		case ts := <-firedAt:
			stamps = append(stamps, ts)
		case <-time.After(10 * time.Second):
			t.Fatalf("firing %d never arrived", i+1)
		}
	}

	gap := stamps[1].Sub(stamps[0])
	assert.GreaterOrEqual(t, gap, time.Second+callback-50*time.Millisecond,
		"rearm must count from after the callback returns")

	// No queued-up extra firing right behind the second one.
	select {
	case <-firedAt:
		t.Fatal("catch-up burst after a slow firing")
	case <-time.After(800 * time.Millisecond):
	}
}

func TestUpdateJobsCancelsRemoved(t *testing.T) {
	s := New(Config{
		OnFire:       func(context.Context, store.Job) error { return nil },
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-3",
		Name:         "later",
		Enabled:      true,
		ScheduleType: store.ScheduleAt,
		ScheduleSpec: time.Now().Add(time.Hour).Format(time.RFC3339),
	}
	s.UpdateJobs([]*store.Job{job})

	s.mu.Lock()
	_, armed := s.timers["job-3"]
	s.mu.Unlock()
	require.True(t, armed)

	s.UpdateJobs(nil)

	s.mu.Lock()
	_, armed = s.timers["job-3"]
	s.mu.Unlock()
	assert.False(t, armed)
}

func TestDisabledJobNotArmed(t *testing.T) {
	s := New(Config{
		OnFire:       func(context.Context, store.Job) error { return nil },
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-4",
		Enabled:      false,
		ScheduleType: store.ScheduleEvery,
		ScheduleSpec: "1h",
	}
	s.UpdateJobs([]*store.Job{job})

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}

func TestMalformedSpecSurfacedThroughOutcome(t *testing.T) {
	outcomes := make(chan error, 1)
	s := New(Config{
		OnFire:       func(context.Context, store.Job) error { return nil },
		OnOutcome:    func(_ store.Job, err error) { outcomes <- err },
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	defer s.Stop()

	job := &store.Job{
		ID:           "job-5",
		Enabled:      true,
		ScheduleType: store.ScheduleCron,
		ScheduleSpec: "every other tuesday",
	}
	s.UpdateJobs([]*store.Job{job})

	select {
	case err := <-outcomes:
		assert.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bad spec never reported")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Empty(t, s.timers)
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{
		OnFire:       func(context.Context, store.Job) error { return nil },
		PollInterval: time.Hour,
		Logger:       discardLogger(),
	})
	s.Start()
	s.Start()
	s.Stop()
	s.Stop()
}
