// ABOUTME: Store-backed job manager owning run state and the disable threshold
// ABOUTME: The scheduler reports outcomes; this layer persists them and disables flapping jobs

package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/store"
)

// defaultErrorThreshold disables a job after this many consecutive
// failures without an intervening success.
const defaultErrorThreshold = 3

// JobStore is what the manager needs from persistence.
type JobStore interface {
	CreateJob(ctx context.Context, job *store.Job) error
	GetJob(ctx context.Context, id string) (*store.Job, error)
	ListJobs(ctx context.Context, enabledOnly bool) ([]*store.Job, error)
	UpdateJobRunState(ctx context.Context, id string, lastRun time.Time, errorCount int, lastError string) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
	DeleteJob(ctx context.Context, id string) error
}

// Manager is the management surface over scheduled jobs. It persists
// firing outcomes reported by the scheduler and applies the consecutive-
// failure disable threshold (one success resets the counter to zero).
type Manager struct {
	store     JobStore
	sched     *Scheduler
	threshold int
	logger    *slog.Logger
}

// NewManager creates a job manager. threshold <= 0 selects the default of 3.
func NewManager(jobStore JobStore, threshold int, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if threshold <= 0 {
		threshold = defaultErrorThreshold
	}
	return &Manager{
		store:     jobStore,
		threshold: threshold,
		logger:    logger.With("component", "job-manager"),
	}
}

// Bind attaches the scheduler that will be resynced after mutations.
func (m *Manager) Bind(sched *Scheduler) {
	m.sched = sched
}

// CreateParams describes a new job.
type CreateParams struct {
	Name         string
	ScheduleType string
	ScheduleSpec string
	Prompt       string
	Isolated     bool

	DeliveryChannel string
	DeliveryChatID  string
}

// Create validates and persists a new enabled job, then resyncs the
// scheduler. Duplicate names are rejected with store.ErrDuplicateJob.
func (m *Manager) Create(ctx context.Context, p CreateParams) (*store.Job, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("job name is required")
	}
	if p.Prompt == "" {
		return nil, fmt.Errorf("job prompt is required")
	}
	if err := validateSpec(p.ScheduleType, p.ScheduleSpec); err != nil {
		return nil, err
	}

	now := time.Now()
	job := &store.Job{
		ID:              uuid.New().String(),
		Name:            p.Name,
		ScheduleType:    p.ScheduleType,
		ScheduleSpec:    p.ScheduleSpec,
		Enabled:         true,
		Prompt:          p.Prompt,
		Isolated:        p.Isolated,
		DeliveryChannel: p.DeliveryChannel,
		DeliveryChatID:  p.DeliveryChatID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	job.ConversationKey = "job:" + job.ID

	if err := m.store.CreateJob(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Info("job created",
		"job_id", job.ID,
		"name", job.Name,
		"schedule", job.ScheduleType+" "+job.ScheduleSpec)

	m.Resync(ctx)
	return job, nil
}

// validateSpec rejects malformed schedule specs at creation time so they
// never reach the scheduler.
func validateSpec(scheduleType, spec string) error {
	job := store.Job{ScheduleType: scheduleType, ScheduleSpec: spec}
	probe := New(Config{Logger: slog.New(slog.DiscardHandler)})
	_, _, err := probe.nextDelay(job, time.Now())
	return err
}

// SetEnabled flips a job's enabled flag and resyncs the scheduler.
func (m *Manager) SetEnabled(ctx context.Context, id string, enabled bool) error {
	if err := m.store.SetJobEnabled(ctx, id, enabled); err != nil {
		return err
	}
	m.logger.Info("job enabled flag changed", "job_id", id, "enabled", enabled)
	m.Resync(ctx)
	return nil
}

// Delete removes a job and resyncs the scheduler.
func (m *Manager) Delete(ctx context.Context, id string) error {
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return err
	}
	m.logger.Info("job deleted", "job_id", id)
	m.Resync(ctx)
	return nil
}

// List returns all jobs.
func (m *Manager) List(ctx context.Context) ([]*store.Job, error) {
	return m.store.ListJobs(ctx, false)
}

// EnabledJobs is the scheduler's RefreshFunc.
func (m *Manager) EnabledJobs(ctx context.Context) ([]*store.Job, error) {
	return m.store.ListJobs(ctx, true)
}

// Resync pushes the current enabled job set into the scheduler.
func (m *Manager) Resync(ctx context.Context) {
	if m.sched == nil {
		return
	}
	jobs, err := m.store.ListJobs(ctx, true)
	if err != nil {
		m.logger.Error("job resync failed", "error", err)
		return
	}
	m.sched.UpdateJobs(jobs)
}

// HandleOutcome is the scheduler's OutcomeFunc. It records the run and
// disables the job once consecutive failures reach the threshold; a
// success resets the counter to zero.
func (m *Manager) HandleOutcome(job store.Job, fireErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now()

	if fireErr == nil {
		if err := m.store.UpdateJobRunState(ctx, job.ID, now, 0, ""); err != nil {
			m.logger.Error("recording job success failed", "job_id", job.ID, "error", err)
		}
		return
	}

	// Re-read so two overlapping firings of distinct jobs (or a stale
	// scheduler snapshot) cannot clobber the counter.
	current, err := m.store.GetJob(ctx, job.ID)
	if err != nil {
		m.logger.Error("loading job for failure record failed", "job_id", job.ID, "error", err)
		return
	}

	count := current.ErrorCount + 1
	if err := m.store.UpdateJobRunState(ctx, job.ID, now, count, fireErr.Error()); err != nil {
		m.logger.Error("recording job failure failed", "job_id", job.ID, "error", err)
		return
	}

	m.logger.Warn("job failed",
		"job_id", job.ID,
		"name", job.Name,
		"error_count", count,
		"error", fireErr)

	if count >= m.threshold {
		if err := m.store.SetJobEnabled(ctx, job.ID, false); err != nil {
			m.logger.Error("disabling job failed", "job_id", job.ID, "error", err)
			return
		}
		m.logger.Warn("job auto-disabled after repeated failures",
			"job_id", job.ID,
			"name", job.Name,
			"error_count", count)
		m.Resync(ctx)
	}
}
