// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Provides job/draft/ledger persistence with automatic schema creation

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path. The schema
// is created automatically if it doesn't exist. Parent directories are
// created if needed. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS sessions (
			conversation_key TEXT PRIMARY KEY,
			resume_token     TEXT NOT NULL,
			updated_at       TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS ledger_events (
			event_id         TEXT PRIMARY KEY,
			conversation_key TEXT NOT NULL,
			direction        TEXT NOT NULL,
			author           TEXT NOT NULL,
			timestamp        TEXT NOT NULL,
			type             TEXT NOT NULL,
			text             TEXT,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (type IN ('message', 'system', 'error'))
		);

		CREATE INDEX IF NOT EXISTS idx_ledger_conversation
			ON ledger_events(conversation_key, timestamp);

		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			id               TEXT PRIMARY KEY,
			name             TEXT NOT NULL UNIQUE,
			schedule_type    TEXT NOT NULL,
			schedule_spec    TEXT NOT NULL,
			enabled          INTEGER NOT NULL DEFAULT 1,
			error_count      INTEGER NOT NULL DEFAULT 0,
			last_run         TEXT,
			last_error       TEXT NOT NULL DEFAULT '',
			prompt           TEXT NOT NULL,
			isolated         INTEGER NOT NULL DEFAULT 0,
			conversation_key TEXT NOT NULL,
			delivery_channel TEXT NOT NULL DEFAULT '',
			delivery_chat_id TEXT NOT NULL DEFAULT '',
			created_at       TEXT NOT NULL,
			updated_at       TEXT NOT NULL,

			CHECK (schedule_type IN ('at', 'every', 'cron'))
		);

		CREATE INDEX IF NOT EXISTS idx_jobs_enabled ON scheduled_jobs(enabled);

		CREATE TABLE IF NOT EXISTS drafts (
			id               TEXT PRIMARY KEY,
			channel          TEXT NOT NULL,
			conversation_key TEXT NOT NULL,
			thread_id        TEXT NOT NULL DEFAULT '',
			author_user_id   TEXT NOT NULL,
			content          TEXT NOT NULL,
			context          TEXT NOT NULL DEFAULT '{}',
			status           TEXT NOT NULL DEFAULT 'pending',
			created_at       TEXT NOT NULL,
			expires_at       TEXT NOT NULL,
			approved_at      TEXT,
			sent_at          TEXT,

			CHECK (status IN ('pending', 'approved', 'rejected', 'sent'))
		);

		CREATE INDEX IF NOT EXISTS idx_drafts_status ON drafts(status);
		CREATE INDEX IF NOT EXISTS idx_drafts_expires ON drafts(expires_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// fmtTime formats a timestamp the way every column in this store expects.
// RFC 3339 in UTC sorts lexicographically, so string comparison in SQL is
// equivalent to time comparison.
func fmtTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// isConstraintViolation checks for a SQLite UNIQUE constraint violation.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// --- Sessions ---

// SaveResumeToken upserts the resume token for a conversation key.
func (s *SQLiteStore) SaveResumeToken(ctx context.Context, conversationKey, token string) error {
	query := `
		INSERT INTO sessions (conversation_key, resume_token, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(conversation_key) DO UPDATE SET
			resume_token = excluded.resume_token,
			updated_at = excluded.updated_at
	`
	_, err := s.db.ExecContext(ctx, query, conversationKey, token, fmtTime(time.Now()))
	if err != nil {
		return fmt.Errorf("saving resume token: %w", err)
	}
	return nil
}

// GetResumeToken returns the stored resume token for a conversation key.
// Returns ErrNotFound if no turn has completed for the key yet.
func (s *SQLiteStore) GetResumeToken(ctx context.Context, conversationKey string) (string, error) {
	var token string
	err := s.db.QueryRowContext(ctx,
		`SELECT resume_token FROM sessions WHERE conversation_key = ?`,
		conversationKey,
	).Scan(&token)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying resume token: %w", err)
	}
	return token, nil
}

// --- Ledger events ---

// SaveEvent inserts a ledger event.
func (s *SQLiteStore) SaveEvent(ctx context.Context, event *LedgerEvent) error {
	query := `
		INSERT INTO ledger_events (event_id, conversation_key, direction, author, timestamp, type, text)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		event.ID,
		event.ConversationKey,
		event.Direction,
		event.Author,
		fmtTime(event.Timestamp),
		event.Type,
		event.Text,
	)
	if err != nil {
		return fmt.Errorf("inserting ledger event: %w", err)
	}
	return nil
}

// ListEventsByConversation returns events for a conversation key in
// chronological order. If limit is 0 or negative, a default of 100 is used.
func (s *SQLiteStore) ListEventsByConversation(ctx context.Context, conversationKey string, limit int) ([]*LedgerEvent, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `
		SELECT event_id, conversation_key, direction, author, timestamp, type, text
		FROM ledger_events
		WHERE conversation_key = ?
		ORDER BY timestamp ASC
		LIMIT ?
	`
	rows, err := s.db.QueryContext(ctx, query, conversationKey, limit)
	if err != nil {
		return nil, fmt.Errorf("querying ledger events: %w", err)
	}
	defer rows.Close()

	var events []*LedgerEvent
	for rows.Next() {
		var ev LedgerEvent
		var ts string
		if err := rows.Scan(&ev.ID, &ev.ConversationKey, &ev.Direction, &ev.Author, &ts, &ev.Type, &ev.Text); err != nil {
			return nil, fmt.Errorf("scanning ledger event: %w", err)
		}
		if ev.Timestamp, err = parseTime(ts); err != nil {
			return nil, fmt.Errorf("parsing timestamp: %w", err)
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

// --- Jobs ---

// CreateJob inserts a new job. Job names are unique; a second create with
// the same name returns ErrDuplicateJob.
func (s *SQLiteStore) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, name, schedule_type, schedule_spec, enabled, error_count,
			last_run, last_error, prompt, isolated, conversation_key,
			delivery_channel, delivery_chat_id, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	var lastRun any
	if job.LastRun != nil {
		lastRun = fmtTime(*job.LastRun)
	}
	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Name,
		job.ScheduleType,
		job.ScheduleSpec,
		job.Enabled,
		job.ErrorCount,
		lastRun,
		job.LastError,
		job.Prompt,
		job.Isolated,
		job.ConversationKey,
		job.DeliveryChannel,
		job.DeliveryChatID,
		fmtTime(job.CreatedAt),
		fmtTime(job.UpdatedAt),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateJob
		}
		return fmt.Errorf("inserting job: %w", err)
	}

	s.logger.Debug("created job", "id", job.ID, "name", job.Name)
	return nil
}

const jobColumns = `id, name, schedule_type, schedule_spec, enabled, error_count,
	last_run, last_error, prompt, isolated, conversation_key,
	delivery_channel, delivery_chat_id, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	var job Job
	var lastRun sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&job.ID,
		&job.Name,
		&job.ScheduleType,
		&job.ScheduleSpec,
		&job.Enabled,
		&job.ErrorCount,
		&lastRun,
		&job.LastError,
		&job.Prompt,
		&job.Isolated,
		&job.ConversationKey,
		&job.DeliveryChannel,
		&job.DeliveryChatID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if lastRun.Valid {
		t, err := parseTime(lastRun.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_run: %w", err)
		}
		job.LastRun = &t
	}
	if job.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if job.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &job, nil
}

// GetJob retrieves a job by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = ?`, id)

	job, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying job: %w", err)
	}
	return job, nil
}

// ListJobs returns jobs ordered by name. If enabledOnly is set, disabled
// jobs are omitted.
func (s *SQLiteStore) ListJobs(ctx context.Context, enabledOnly bool) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY name ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("querying jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// UpdateJobRunState records the outcome of a firing: last run time, new
// error count, and last error (empty on success).
func (s *SQLiteStore) UpdateJobRunState(ctx context.Context, id string, lastRun time.Time, errorCount int, lastError string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET last_run = ?, error_count = ?, last_error = ?, updated_at = ?
		WHERE id = ?
	`, fmtTime(lastRun), errorCount, lastError, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating job run state: %w", err)
	}
	return requireRow(result)
}

// SetJobEnabled enables or disables a job. Disabling resets nothing; a
// later enable keeps the recorded error history.
func (s *SQLiteStore) SetJobEnabled(ctx context.Context, id string, enabled bool) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET enabled = ?, updated_at = ? WHERE id = ?
	`, enabled, fmtTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("updating job enabled: %w", err)
	}
	return requireRow(result)
}

// DeleteJob removes a job. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("deleting job: %w", err)
	}
	return requireRow(result)
}

// requireRow converts a zero-rows-affected result into ErrNotFound.
func requireRow(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Drafts ---

// CreateDraft inserts a new pending draft.
func (s *SQLiteStore) CreateDraft(ctx context.Context, draft *Draft) error {
	contextJSON, err := json.Marshal(draft.Context)
	if err != nil {
		return fmt.Errorf("encoding draft context: %w", err)
	}

	query := `
		INSERT INTO drafts (
			id, channel, conversation_key, thread_id, author_user_id,
			content, context, status, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		draft.ID,
		draft.Channel,
		draft.ConversationKey,
		draft.ThreadID,
		draft.AuthorUserID,
		draft.Content,
		string(contextJSON),
		draft.Status,
		fmtTime(draft.CreatedAt),
		fmtTime(draft.ExpiresAt),
	)
	if err != nil {
		return fmt.Errorf("inserting draft: %w", err)
	}

	s.logger.Debug("created draft", "id", draft.ID, "channel", draft.Channel)
	return nil
}

const draftColumns = `id, channel, conversation_key, thread_id, author_user_id,
	content, context, status, created_at, expires_at, approved_at, sent_at`

func scanDraft(row interface{ Scan(...any) error }) (*Draft, error) {
	var d Draft
	var contextJSON, createdAt, expiresAt string
	var approvedAt, sentAt sql.NullString

	err := row.Scan(
		&d.ID,
		&d.Channel,
		&d.ConversationKey,
		&d.ThreadID,
		&d.AuthorUserID,
		&d.Content,
		&contextJSON,
		&d.Status,
		&createdAt,
		&expiresAt,
		&approvedAt,
		&sentAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(contextJSON), &d.Context); err != nil {
		return nil, fmt.Errorf("decoding draft context: %w", err)
	}
	if d.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if d.ExpiresAt, err = parseTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	if approvedAt.Valid {
		t, err := parseTime(approvedAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing approved_at: %w", err)
		}
		d.ApprovedAt = &t
	}
	if sentAt.Valid {
		t, err := parseTime(sentAt.String)
		if err != nil {
			return nil, fmt.Errorf("parsing sent_at: %w", err)
		}
		d.SentAt = &t
	}
	return &d, nil
}

// GetDraft retrieves a draft by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetDraft(ctx context.Context, id string) (*Draft, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+draftColumns+` FROM drafts WHERE id = ?`, id)

	draft, err := scanDraft(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying draft: %w", err)
	}
	return draft, nil
}

// ResolveDraftID expands an id prefix to a full draft id. Returns
// ErrNotFound when nothing matches and ErrAmbiguousPrefix when more than
// one draft matches.
func (s *SQLiteStore) ResolveDraftID(ctx context.Context, idOrPrefix string) (string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM drafts WHERE id LIKE ? || '%' LIMIT 2`, idOrPrefix)
	if err != nil {
		return "", fmt.Errorf("resolving draft id: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return "", fmt.Errorf("scanning draft id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return "", err
	}

	switch len(ids) {
	case 0:
		return "", ErrNotFound
	case 1:
		return ids[0], nil
	default:
		return "", ErrAmbiguousPrefix
	}
}

// ListDrafts returns drafts ordered by creation time, newest first.
// An empty status returns all drafts.
func (s *SQLiteStore) ListDrafts(ctx context.Context, status string, limit int) ([]*Draft, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT ` + draftColumns + ` FROM drafts`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying drafts: %w", err)
	}
	defer rows.Close()

	var drafts []*Draft
	for rows.Next() {
		draft, err := scanDraft(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning draft: %w", err)
		}
		drafts = append(drafts, draft)
	}
	return drafts, rows.Err()
}

// MarkDraftApproved transitions pending -> approved. The WHERE clause
// scopes to unexpired pending rows, so two racing approvals resolve at
// the storage layer: exactly one caller sees true.
func (s *SQLiteStore) MarkDraftApproved(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET status = 'approved', approved_at = ?
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, fmtTime(now), id, fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("approving draft: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkDraftRejected transitions pending -> rejected under the same
// conditional-update rules as MarkDraftApproved.
func (s *SQLiteStore) MarkDraftRejected(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET status = 'rejected'
		WHERE id = ? AND status = 'pending' AND expires_at > ?
	`, id, fmtTime(now))
	if err != nil {
		return false, fmt.Errorf("rejecting draft: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// MarkDraftSent transitions approved -> sent.
func (s *SQLiteStore) MarkDraftSent(ctx context.Context, id string, now time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE drafts
		SET status = 'sent', sent_at = ?
		WHERE id = ? AND status = 'approved'
	`, fmtTime(now), id)
	if err != nil {
		return false, fmt.Errorf("marking draft sent: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n > 0, nil
}

// DeleteExpiredDrafts physically removes still-pending drafts past their
// expiry. This is storage hygiene; expired rows are already invisible to
// approve/reject.
func (s *SQLiteStore) DeleteExpiredDrafts(ctx context.Context, now time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM drafts WHERE status = 'pending' AND expires_at <= ?
	`, fmtTime(now))
	if err != nil {
		return 0, fmt.Errorf("deleting expired drafts: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("swept expired drafts", "count", n)
	}
	return n, nil
}
