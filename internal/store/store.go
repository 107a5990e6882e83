// ABOUTME: Store interface and data types for loom persistence
// ABOUTME: Defines LedgerEvent, Job, Draft structs and the Store interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateJob is returned when creating a job whose name is taken.
var ErrDuplicateJob = errors.New("job name already exists")

// ErrAmbiguousPrefix is returned when a draft id prefix matches more than one row.
var ErrAmbiguousPrefix = errors.New("id prefix is ambiguous")

// Event direction constants.
const (
	EventDirectionInbound  = "inbound"
	EventDirectionOutbound = "outbound"
)

// Event type constants.
const (
	EventTypeMessage = "message"
	EventTypeSystem  = "system"
	EventTypeError   = "error"
)

// LedgerEvent is one row of conversation history. All traffic through the
// queue is recorded here, keyed by conversation key.
type LedgerEvent struct {
	ID              string
	ConversationKey string
	Direction       string
	Author          string
	Timestamp       time.Time
	Type            string
	Text            string
}

// Schedule type constants for jobs.
const (
	ScheduleAt    = "at"
	ScheduleEvery = "every"
	ScheduleCron  = "cron"
)

// Job is a scheduled prompt. The scheduler fires it; the job manager owns
// the persisted run state (LastRun, ErrorCount, LastError, Enabled).
type Job struct {
	ID           string
	Name         string
	ScheduleType string
	ScheduleSpec string
	Enabled      bool
	ErrorCount   int
	LastRun      *time.Time
	LastError    string
	Prompt       string

	// Isolated jobs run each firing under a fresh conversation key instead
	// of the job's fixed shared key.
	Isolated        bool
	ConversationKey string

	// Optional delivery target for announcing results.
	DeliveryChannel string
	DeliveryChatID  string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Draft status constants.
const (
	DraftPending  = "pending"
	DraftApproved = "approved"
	DraftRejected = "rejected"
	DraftSent     = "sent"
)

// Draft is a reply held for human approval before delivery.
type Draft struct {
	ID              string
	Channel         string
	ConversationKey string
	ThreadID        string
	AuthorUserID    string
	Content         string
	Context         map[string]string
	Status          string
	CreatedAt       time.Time
	ExpiresAt       time.Time
	ApprovedAt      *time.Time
	SentAt          *time.Time
}

// Store defines the persistence interface for the orchestration core.
type Store interface {
	// Resume tokens, keyed by conversation key.
	SaveResumeToken(ctx context.Context, conversationKey, token string) error
	GetResumeToken(ctx context.Context, conversationKey string) (string, error)

	// Ledger events (conversation history).
	SaveEvent(ctx context.Context, event *LedgerEvent) error
	ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error)

	// Scheduled jobs.
	CreateJob(ctx context.Context, job *Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	ListJobs(ctx context.Context, enabledOnly bool) ([]*Job, error)
	UpdateJobRunState(ctx context.Context, id string, lastRun time.Time, errorCount int, lastError string) error
	SetJobEnabled(ctx context.Context, id string, enabled bool) error
	DeleteJob(ctx context.Context, id string) error

	// Drafts. The Mark* methods perform conditional updates and report
	// whether a row transitioned; they are the sole arbiter for races.
	CreateDraft(ctx context.Context, draft *Draft) error
	GetDraft(ctx context.Context, id string) (*Draft, error)
	ResolveDraftID(ctx context.Context, idOrPrefix string) (string, error)
	ListDrafts(ctx context.Context, status string, limit int) ([]*Draft, error)
	MarkDraftApproved(ctx context.Context, id string, now time.Time) (bool, error)
	MarkDraftRejected(ctx context.Context, id string, now time.Time) (bool, error)
	MarkDraftSent(ctx context.Context, id string, now time.Time) (bool, error)
	DeleteExpiredDrafts(ctx context.Context, now time.Time) (int64, error)

	// Close releases any resources held by the store.
	Close() error
}
