// ABOUTME: Time-based job trigger engine with drift-tolerant rescheduling
// ABOUTME: Supports one-shot instants, compact intervals, and cron expressions

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/loomlabs/loom/internal/store"
)

// defaultPollInterval is how often the full job set is re-evaluated to
// pick up jobs added, removed, or re-enabled out of band.
const defaultPollInterval = 60 * time.Second

// FireFunc is invoked once per trigger. Errors are reported through
// OutcomeFunc; they never stop the scheduler.
type FireFunc func(ctx context.Context, job store.Job) error

// OutcomeFunc reports the result of a firing (or of a scheduling attempt
// that failed on a malformed spec). The scheduler owns no persistence;
// the caller records LastRun/ErrorCount and applies the disable threshold.
type OutcomeFunc func(job store.Job, fireErr error)

// RefreshFunc supplies the current enabled job set for the periodic poll.
type RefreshFunc func(ctx context.Context) ([]*store.Job, error)

// Scheduler arms one timer per enabled job and rearms recurring jobs
// after each firing, computing the delay from the current time so a slow
// firing never causes a catch-up burst.
type Scheduler struct {
	onFire    FireFunc
	onOutcome OutcomeFunc
	refresh   RefreshFunc
	poll      time.Duration
	logger    *slog.Logger

	cronParser cron.Parser

	mu      sync.Mutex
	timers  map[string]*time.Timer
	jobs    map[string]store.Job
	running bool
	stopCh  chan struct{}
}

// Config configures a Scheduler.
type Config struct {
	OnFire       FireFunc
	OnOutcome    OutcomeFunc
	Refresh      RefreshFunc
	PollInterval time.Duration // zero means the 60s default
	Logger       *slog.Logger
}

// New creates a scheduler. Start must be called before any job fires.
func New(cfg Config) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	return &Scheduler{
		onFire:     cfg.OnFire,
		onOutcome:  cfg.OnOutcome,
		refresh:    cfg.Refresh,
		poll:       poll,
		logger:     logger.With("component", "scheduler"),
		cronParser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		timers:     make(map[string]*time.Timer),
		jobs:       make(map[string]store.Job),
	}
}

// Start begins the periodic reconcile poll. Idempotent.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.logger.Info("scheduler started", "poll_interval", s.poll)

	go s.pollLoop(stopCh)
}

// Stop cancels all timers and halts the poll loop. Idempotent. In-flight
// firings run to completion.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)

	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.jobs = make(map[string]store.Job)

	s.logger.Info("scheduler stopped")
}

// pollLoop reconciles the job set on a coarse interval.
func (s *Scheduler) pollLoop(stopCh chan struct{}) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if s.refresh == nil {
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			jobs, err := s.refresh(ctx)
			cancel()
			if err != nil {
				s.logger.Error("job refresh failed", "error", err)
				continue
			}
			s.UpdateJobs(jobs)
		case <-stopCh:
			return
		}
	}
}

// UpdateJobs replaces the scheduled job set. Timers for jobs that are no
// longer present or no longer enabled are cancelled; new or changed jobs
// are (re)armed. Malformed schedule specs are skipped and surfaced
// through the outcome callback.
func (s *Scheduler) UpdateJobs(jobs []*store.Job) {
	s.mu.Lock()

	wanted := make(map[string]store.Job, len(jobs))
	for _, job := range jobs {
		if job.Enabled {
			wanted[job.ID] = *job
		}
	}

	// Cancel timers for jobs that disappeared or were disabled.
	for id, timer := range s.timers {
		if _, ok := wanted[id]; !ok {
			timer.Stop()
			delete(s.timers, id)
			delete(s.jobs, id)
			s.logger.Debug("job timer cancelled", "job_id", id)
		}
	}

	type failed struct {
		job store.Job
		err error
	}
	var failures []failed

	for id, job := range wanted {
		prev, known := s.jobs[id]
		if known && prev.ScheduleType == job.ScheduleType && prev.ScheduleSpec == job.ScheduleSpec {
			// Already armed with the same schedule; keep the timer and
			// just refresh the snapshot used at fire time.
			s.jobs[id] = job
			continue
		}
		if t, ok := s.timers[id]; ok {
			t.Stop()
			delete(s.timers, id)
		}
		if err := s.armLocked(job); err != nil {
			delete(s.jobs, id)
			failures = append(failures, failed{job: job, err: err})
			continue
		}
		s.jobs[id] = job
	}
	s.mu.Unlock()

	for _, f := range failures {
		s.logger.Warn("job skipped: bad schedule spec",
			"job_id", f.job.ID,
			"name", f.job.Name,
			"spec", f.job.ScheduleSpec,
			"error", f.err)
		if s.onOutcome != nil {
			s.onOutcome(f.job, f.err)
		}
	}
}

// armLocked computes the next fire delay and sets the timer. Must be
// called with mu held.
func (s *Scheduler) armLocked(job store.Job) error {
	delay, ok, err := s.nextDelay(job, time.Now())
	if err != nil {
		return err
	}
	if !ok {
		// One-shot that already fired; nothing to arm.
		return nil
	}

	id := job.ID
	s.timers[id] = time.AfterFunc(delay, func() {
		s.fire(id)
	})

	s.logger.Debug("job armed", "job_id", id, "name", job.Name, "delay", delay)
	return nil
}

// nextDelay returns the delay until the job's next firing. ok=false means
// the job will never fire again (spent one-shot).
func (s *Scheduler) nextDelay(job store.Job, now time.Time) (time.Duration, bool, error) {
	switch job.ScheduleType {
	case store.ScheduleAt:
		at, err := time.Parse(time.RFC3339, job.ScheduleSpec)
		if err != nil {
			return 0, false, fmt.Errorf("parsing 'at' timestamp %q: %w", job.ScheduleSpec, err)
		}
		// A one-shot that has already run is spent, even if its instant
		// is somehow still ahead of a skewed clock.
		if job.LastRun != nil && !job.LastRun.Before(at) {
			return 0, false, nil
		}
		delay := at.Sub(now)
		if delay < 0 {
			// Past instant: fire immediately, once.
			delay = 0
		}
		return delay, true, nil

	case store.ScheduleEvery:
		interval, err := ParseEvery(job.ScheduleSpec)
		if err != nil {
			return 0, false, err
		}
		return interval, true, nil

	case store.ScheduleCron:
		sched, err := s.cronParser.Parse(job.ScheduleSpec)
		if err != nil {
			return 0, false, fmt.Errorf("parsing cron expression %q: %w", job.ScheduleSpec, err)
		}
		return sched.Next(now).Sub(now), true, nil

	default:
		return 0, false, fmt.Errorf("unknown schedule type %q", job.ScheduleType)
	}
}

// fire runs one trigger and rearms recurring jobs. Rearm delay is always
// computed from the current time after the callback returns, so firing
// duration never accumulates into a burst.
func (s *Scheduler) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || !s.running {
		s.mu.Unlock()
		return
	}
	delete(s.timers, id)
	s.mu.Unlock()

	s.logger.Info("job firing", "job_id", job.ID, "name", job.Name)

	err := s.onFire(context.Background(), job)
	if err != nil {
		s.logger.Error("job firing failed", "job_id", job.ID, "name", job.Name, "error", err)
	}
	if s.onOutcome != nil {
		s.onOutcome(job, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	current, ok := s.jobs[id]
	if !ok {
		// Removed while firing.
		return
	}

	if current.ScheduleType == store.ScheduleAt {
		// One-shot: spent. The poll will observe LastRun and stay quiet.
		now := time.Now()
		current.LastRun = &now
		s.jobs[id] = current
		return
	}

	now := time.Now()
	current.LastRun = &now
	s.jobs[id] = current
	if _, armed := s.timers[id]; armed {
		// A concurrent UpdateJobs already rearmed this job (spec change
		// during the firing); don't stack a second timer.
		return
	}
	if err := s.armLocked(current); err != nil {
		// Spec was valid when first armed; only a concurrent update could
		// break it, and UpdateJobs already surfaced that.
		s.logger.Error("rearm failed", "job_id", id, "error", err)
	}
}

// ParseEvery parses the compact interval syntax <integer><s|m|h|d>.
func ParseEvery(spec string) (time.Duration, error) {
	if len(spec) < 2 {
		return 0, fmt.Errorf("invalid interval %q: want <integer><s|m|h|d>", spec)
	}

	unit := spec[len(spec)-1]
	n, err := strconv.Atoi(spec[:len(spec)-1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid interval %q: want <integer><s|m|h|d>", spec)
	}

	switch unit {
	case 's':
		return time.Duration(n) * time.Second, nil
	case 'm':
		return time.Duration(n) * time.Minute, nil
	case 'h':
		return time.Duration(n) * time.Hour, nil
	case 'd':
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("invalid interval unit %q in %q", string(unit), spec)
	}
}
