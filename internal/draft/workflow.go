// ABOUTME: Approve-before-send workflow for replies on privileged channels
// ABOUTME: Storage-level conditional updates are the only arbiter of concurrent decisions

package draft

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/broadcast"
	"github.com/loomlabs/loom/internal/envelope"
	"github.com/loomlabs/loom/internal/store"
)

// ErrNotPending is returned when an approve or reject loses the race: the
// draft does not exist, was already decided, or expired.
var ErrNotPending = errors.New("draft not found or already processed")

// ErrDeliveryFailed is returned by Approve when the draft was approved but
// could not be delivered. The draft stays approved; callers get it back
// alongside this error.
var ErrDeliveryFailed = errors.New("approved draft could not be delivered")

const (
	// defaultTTL is how long a pending draft stays approvable.
	defaultTTL = 24 * time.Hour

	// sweepInterval paces the expired-row cleanup.
	sweepInterval = 10 * time.Minute
)

// SendFunc delivers an approved draft under the author's own identity on
// its platform.
type SendFunc func(ctx context.Context, d *store.Draft) error

// NotifyFunc is called when a new draft needs a human decision.
type NotifyFunc func(d *store.Draft)

// Workflow owns the draft state machine: pending drafts await a human
// decision, approvals trigger identity delivery, and expired rows get
// swept. All state transitions go through conditional updates in the
// store, so two racing decisions resolve to exactly one winner without
// any in-process locking.
type Workflow struct {
	store  store.Store
	hub    *broadcast.Hub
	notify NotifyFunc
	ttl    time.Duration
	logger *slog.Logger

	mu      sync.RWMutex
	senders map[string]SendFunc

	sweepOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	done      chan struct{}
}

// Config assembles a Workflow.
type Config struct {
	Store  store.Store
	Hub    *broadcast.Hub
	Notify NotifyFunc    // optional
	TTL    time.Duration // zero means 24h
	Logger *slog.Logger
}

// NewWorkflow creates a draft workflow.
func NewWorkflow(cfg Config) *Workflow {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Workflow{
		store:   cfg.Store,
		hub:     cfg.Hub,
		notify:  cfg.Notify,
		ttl:     ttl,
		logger:  logger.With("component", "draft-workflow"),
		senders: make(map[string]SendFunc),
		stopCh:  make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// RegisterSender installs the identity-delivery function for a platform.
func (w *Workflow) RegisterSender(platform string, fn SendFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.senders[platform] = fn
}

// Create persists a new pending draft from a reply, announces it on the
// broadcast hub, and pings the notification hook if one is configured.
func (w *Workflow) Create(ctx context.Context, reply *envelope.ReplyEnvelope, authorUserID string, draftContext map[string]string) (*store.Draft, error) {
	now := time.Now()
	d := &store.Draft{
		ID:              uuid.New().String(),
		Channel:         reply.Channel,
		ConversationKey: reply.ConversationKey,
		ThreadID:        reply.ThreadID,
		AuthorUserID:    authorUserID,
		Content:         reply.Text,
		Context:         draftContext,
		Status:          store.DraftPending,
		CreatedAt:       now,
		ExpiresAt:       now.Add(w.ttl),
	}
	if err := w.store.CreateDraft(ctx, d); err != nil {
		return nil, fmt.Errorf("creating draft: %w", err)
	}

	w.logger.Info("draft created",
		"draft_id", d.ID,
		"platform", d.Channel,
		"conversation", d.ConversationKey)

	w.hub.Publish(broadcast.Event{
		Type:            broadcast.TypeSystem,
		ConversationKey: d.ConversationKey,
		Text:            "draft awaiting approval",
		Detail: map[string]string{
			"draft_id": d.ID,
			"platform": d.Channel,
		},
	})

	if w.notify != nil {
		w.notify(d)
	}
	return d, nil
}

// Approve flips a pending draft to approved and attempts identity
// delivery. A draft that was already decided or has expired returns
// ErrNotPending. When delivery is impossible (no identity sender for the
// platform) or fails, the draft stays approved and is returned together
// with an error wrapping ErrDeliveryFailed.
func (w *Workflow) Approve(ctx context.Context, idOrPrefix string) (*store.Draft, error) {
	id, err := w.store.ResolveDraftID(ctx, idOrPrefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotPending
		}
		return nil, err
	}

	ok, err := w.store.MarkDraftApproved(ctx, id, time.Now())
	if err != nil {
		return nil, fmt.Errorf("approving draft: %w", err)
	}
	if !ok {
		return nil, ErrNotPending
	}

	d, err := w.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}

	w.logger.Info("draft approved", "draft_id", d.ID, "platform", d.Channel)

	w.mu.RLock()
	send := w.senders[d.Channel]
	w.mu.RUnlock()

	if send == nil {
		w.logger.Warn("no identity sender for platform, draft stays approved",
			"draft_id", d.ID, "platform", d.Channel)
		w.announce(d, "draft approved, delivery unavailable")
		return d, fmt.Errorf("%w: no sender for platform %s", ErrDeliveryFailed, d.Channel)
	}

	if err := send(ctx, d); err != nil {
		w.logger.Error("identity delivery failed, draft stays approved",
			"draft_id", d.ID, "error", err)
		w.announce(d, "draft approved, delivery failed")
		return d, fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}

	if _, err := w.store.MarkDraftSent(ctx, id, time.Now()); err != nil {
		w.logger.Error("recording draft delivery failed", "draft_id", d.ID, "error", err)
	} else {
		d.Status = store.DraftSent
	}

	w.announce(d, "draft sent")
	return d, nil
}

// Reject flips a pending draft to rejected. Decided or expired drafts
// return ErrNotPending.
func (w *Workflow) Reject(ctx context.Context, idOrPrefix string) (*store.Draft, error) {
	id, err := w.store.ResolveDraftID(ctx, idOrPrefix)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrNotPending
		}
		return nil, err
	}

	ok, err := w.store.MarkDraftRejected(ctx, id, time.Now())
	if err != nil {
		return nil, fmt.Errorf("rejecting draft: %w", err)
	}
	if !ok {
		return nil, ErrNotPending
	}

	d, err := w.store.GetDraft(ctx, id)
	if err != nil {
		return nil, err
	}

	w.logger.Info("draft rejected", "draft_id", d.ID)
	w.announce(d, "draft rejected")
	return d, nil
}

// List returns drafts, optionally filtered by status.
func (w *Workflow) List(ctx context.Context, status string, limit int) ([]*store.Draft, error) {
	return w.store.ListDrafts(ctx, status, limit)
}

// StartSweeper launches the periodic cleanup of expired pending drafts.
func (w *Workflow) StartSweeper() {
	w.sweepOnce.Do(func() {
		go w.sweepLoop()
	})
}

// Stop ends the sweeper. Safe to call without StartSweeper and more than
// once.
func (w *Workflow) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

func (w *Workflow) sweepLoop() {
	defer close(w.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			n, err := w.store.DeleteExpiredDrafts(ctx, time.Now())
			cancel()
			if err != nil {
				w.logger.Error("draft sweep failed", "error", err)
				continue
			}
			if n > 0 {
				w.logger.Info("swept expired drafts", "count", n)
			}
		case <-w.stopCh:
			return
		}
	}
}

func (w *Workflow) announce(d *store.Draft, text string) {
	w.hub.Publish(broadcast.Event{
		Type:            broadcast.TypeSystem,
		ConversationKey: d.ConversationKey,
		Text:            text,
		Detail: map[string]string{
			"draft_id": d.ID,
			"status":   d.Status,
		},
	})
}
