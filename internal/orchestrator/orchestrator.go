// ABOUTME: Wires store, queue, registry, scheduler, drafts, and API into one daemon
// ABOUTME: Owns ordered startup, reverse-order shutdown, and the per-turn pipeline

package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomlabs/loom/internal/agent"
	"github.com/loomlabs/loom/internal/api"
	"github.com/loomlabs/loom/internal/broadcast"
	"github.com/loomlabs/loom/internal/channel"
	"github.com/loomlabs/loom/internal/config"
	"github.com/loomlabs/loom/internal/draft"
	"github.com/loomlabs/loom/internal/envelope"
	"github.com/loomlabs/loom/internal/memory"
	"github.com/loomlabs/loom/internal/queue"
	"github.com/loomlabs/loom/internal/scheduler"
	"github.com/loomlabs/loom/internal/store"
	"github.com/loomlabs/loom/internal/stream"
)

// Orchestrator owns every long-lived component of the daemon.
type Orchestrator struct {
	cfg     *config.Config
	runtime agent.Runtime
	indexer memory.Indexer
	logger  *slog.Logger

	store    store.Store
	hub      *broadcast.Hub
	queue    *queue.Dispatcher
	workflow *draft.Workflow
	registry *channel.Registry
	jobs     *scheduler.Manager
	sched    *scheduler.Scheduler
	apiSrv   *api.Server

	stopOnce sync.Once
}

// New builds the full component graph. Nothing is listening or polling
// until Start.
func New(cfg *config.Config, runtime agent.Runtime, indexer memory.Indexer, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if indexer == nil {
		indexer = memory.NoopIndexer{}
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("opening store: %w", err)
	}

	o := &Orchestrator{
		cfg:     cfg,
		runtime: runtime,
		indexer: indexer,
		logger:  logger.With("component", "orchestrator"),
		store:   st,
		hub:     broadcast.NewHub(logger),
	}

	o.queue = queue.NewDispatcher(o.handleTurn, logger)

	o.workflow = draft.NewWorkflow(draft.Config{
		Store: st,
		Hub:   o.hub,
		TTL:   cfg.Drafts.TTL,
		Notify: func(d *store.Draft) {
			o.logger.Info("draft awaiting approval",
				"draft_id", d.ID[:8],
				"platform", d.Channel,
				"conversation", d.ConversationKey)
		},
		Logger: logger,
	})

	o.registry = channel.NewRegistry(o.dispatchInbound, logger)
	if err := o.registerAdapters(); err != nil {
		st.Close()
		return nil, err
	}

	// Approved drafts go out through the platform adapter that carried
	// the conversation.
	for _, platform := range o.registry.Platforms() {
		platform := platform
		o.workflow.RegisterSender(platform, func(ctx context.Context, d *store.Draft) error {
			return o.registry.Send(ctx, &envelope.ReplyEnvelope{
				Channel:         d.Channel,
				ConversationKey: d.ConversationKey,
				ChatID:          d.Context["chat_id"],
				ThreadID:        d.ThreadID,
				Text:            d.Content,
			})
		})
	}

	o.jobs = scheduler.NewManager(st, cfg.Scheduler.ErrorThreshold, logger)
	o.sched = scheduler.New(scheduler.Config{
		OnFire:       o.fireJob,
		OnOutcome:    o.jobs.HandleOutcome,
		Refresh:      o.jobs.EnabledJobs,
		PollInterval: cfg.Scheduler.PollInterval,
		Logger:       logger,
	})
	o.jobs.Bind(o.sched)

	o.apiSrv = api.NewServer(api.Config{
		Addr:     cfg.Server.HTTPAddr,
		Jobs:     o.jobs,
		Drafts:   o.workflow,
		Registry: o.registry,
		Hub:      o.hub,
		Logger:   logger,
	})

	return o, nil
}

func (o *Orchestrator) registerAdapters() error {
	tg := o.cfg.Channels.Telegram
	if tg.Enabled {
		adapter := channel.NewTelegram(tg.BotToken, tg.AllowFrom, o.registry.Dispatch, o.logger)
		if err := o.registry.Register(adapter); err != nil {
			return err
		}
	}

	mx := o.cfg.Channels.Matrix
	if mx.Enabled {
		adapter, err := channel.NewMatrix(mx.Homeserver, mx.UserID, mx.AccessToken, mx.AllowedRooms, o.registry.Dispatch, o.logger)
		if err != nil {
			return fmt.Errorf("building matrix adapter: %w", err)
		}
		if err := o.registry.Register(adapter); err != nil {
			return err
		}
	}
	return nil
}

// Start brings the daemon up: management API first (a bind failure is
// fatal), then adapters and the scheduler, both of which degrade rather
// than abort. Start is idempotent only together with Stop; call it once.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.apiSrv.Start(); err != nil {
		return err
	}

	if err := o.registry.Start(ctx); err != nil {
		o.logger.Error("some adapters failed to start", "error", err)
	}

	o.workflow.StartSweeper()
	o.sched.Start()
	o.jobs.Resync(ctx)

	o.logger.Info("daemon started",
		"http_addr", o.cfg.Server.HTTPAddr,
		"platforms", o.registry.Platforms())
	return nil
}

// Stop tears components down in reverse start order. Safe to call from a
// signal handler and safe to call more than once.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.logger.Info("shutting down")

		o.sched.Stop()
		o.workflow.Stop()

		if err := o.registry.Stop(); err != nil {
			o.logger.Warn("adapter shutdown reported errors", "error", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.apiSrv.Stop(ctx); err != nil {
			o.logger.Warn("http shutdown failed", "error", err)
		}

		o.hub.Close()

		if err := o.store.Close(); err != nil {
			o.logger.Warn("store close failed", "error", err)
		}
		o.logger.Info("shutdown complete")
	})
}

// Hub exposes the broadcast hub for embedding callers.
func (o *Orchestrator) Hub() *broadcast.Hub { return o.hub }

// dispatchInbound hands a deduplicated envelope to the conversation
// queue. Nothing waits on the result channel here; errors surface on the
// broadcast hub and in the ledger.
func (o *Orchestrator) dispatchInbound(env *envelope.ConversationEnvelope) {
	o.queue.Enqueue(env, o.hub)
}

// fireJob turns a scheduled firing into a queued envelope and waits for
// the turn to finish so the outcome feeds the error threshold.
func (o *Orchestrator) fireJob(ctx context.Context, job store.Job) error {
	key := job.ConversationKey
	if job.Isolated {
		key = fmt.Sprintf("%s:%s", job.ConversationKey, uuid.New().String()[:8])
	}
	if job.DeliveryChannel != "" && job.DeliveryChatID != "" && !job.Isolated {
		key = envelope.Key(job.DeliveryChannel, job.DeliveryChatID)
	}

	// Isolated jobs keep a synthetic key, so the delivery chat must
	// travel explicitly.
	env := &envelope.ConversationEnvelope{
		ID:              uuid.New().String(),
		Channel:         job.DeliveryChannel,
		ConversationKey: key,
		ChatID:          job.DeliveryChatID,
		SenderID:        "scheduler",
		Text:            job.Prompt,
		ReceivedAt:      time.Now(),
		Metadata:        map[string]string{"job_id": job.ID, "job_name": job.Name},
	}

	select {
	case res := <-o.queue.Enqueue(env, o.hub):
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleTurn is the conversation queue's worker body: one inbound
// envelope in, one reply out.
func (o *Orchestrator) handleTurn(ctx context.Context, env *envelope.ConversationEnvelope, sink *broadcast.Hub) (*envelope.ReplyEnvelope, error) {
	o.recordLedger(ctx, env.ConversationKey, store.EventDirectionInbound, env.SenderID, env.Text)

	token, err := o.store.GetResumeToken(ctx, env.ConversationKey)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("loading resume token: %w", err)
	}

	events, err := o.runtime.Run(ctx, agent.TurnRequest{
		Prompt:      env.Text,
		ResumeToken: token,
	})
	if err != nil {
		return nil, fmt.Errorf("starting turn: %w", err)
	}

	updater := o.updaterFor(env)

	var result *agent.Result
	for ev := range events {
		switch ev.Type {
		case agent.EventTextDelta:
			if updater != nil {
				updater.OnDelta(ev.TextDelta)
			}
			sink.Publish(broadcast.Event{
				Type:            broadcast.TypeStreamEvent,
				ConversationKey: env.ConversationKey,
				Text:            ev.TextDelta,
			})
		case agent.EventToolUse:
			if updater != nil {
				updater.OnTool(ev.ToolName)
			}
			sink.Publish(broadcast.Event{
				Type:            broadcast.TypeToolUseSummary,
				ConversationKey: env.ConversationKey,
				Text:            ev.ToolName,
			})
		case agent.EventError:
			if updater != nil {
				updater.Finalize("")
			}
			o.recordLedger(ctx, env.ConversationKey, store.EventDirectionOutbound, "agent", ev.Err.Error())
			return nil, ev.Err
		case agent.EventResult:
			result = ev.Result
		}
	}
	if result == nil {
		if updater != nil {
			updater.Finalize("")
		}
		return nil, errors.New("turn ended without a result")
	}

	reply := &envelope.ReplyEnvelope{
		InReplyTo:       env.ID,
		Channel:         env.Channel,
		ConversationKey: env.ConversationKey,
		ChatID:          env.ChatID,
		ThreadID:        env.ThreadID,
		Text:            result.Text,
		ResumeToken:     result.ResumeToken,
	}

	if result.ResumeToken != "" {
		if err := o.store.SaveResumeToken(ctx, env.ConversationKey, result.ResumeToken); err != nil {
			o.logger.Warn("saving resume token failed", "conversation", env.ConversationKey, "error", err)
		}
	}
	o.recordLedger(ctx, env.ConversationKey, store.EventDirectionOutbound, "agent", result.Text)

	sink.Publish(broadcast.Event{
		Type:            broadcast.TypeResult,
		ConversationKey: env.ConversationKey,
		Text:            result.Text,
	})

	if err := o.deliver(ctx, env, reply, updater); err != nil {
		return nil, err
	}

	indexEnv, indexReply := env, reply
	memory.Detach(o.logger, func(ctx context.Context) error {
		return o.indexer.Index(ctx, indexEnv, indexReply)
	})

	return reply, nil
}

// updaterFor builds a streaming updater when the turn targets an
// edit-capable platform. Privileged-channel turns never stream: the
// reply is withheld for approval, so nothing may appear in the chat.
func (o *Orchestrator) updaterFor(env *envelope.ConversationEnvelope) *stream.Updater {
	if env.Channel == "" || env.Channel == o.cfg.Channels.Privileged {
		return nil
	}
	editor, ok := o.registry.Editor(env.Channel)
	if !ok {
		return nil
	}
	chatID := env.ChatID
	if chatID == "" {
		chatID = envelope.ChatID(env.ConversationKey)
	}
	return stream.NewUpdater(editor, chatID, env.ThreadID, o.cfg.Streaming.FlushInterval, o.logger)
}

// deliver routes the finished reply: privileged channels go through the
// draft workflow, everything else is sent directly (finishing the
// streamed placeholder when one is up).
func (o *Orchestrator) deliver(ctx context.Context, env *envelope.ConversationEnvelope, reply *envelope.ReplyEnvelope, updater *stream.Updater) error {
	if reply.Channel == "" {
		// No delivery target (ad-hoc scheduled job); the broadcast result
		// event is the only output.
		return nil
	}

	if reply.Channel == o.cfg.Channels.Privileged {
		_, err := o.workflow.Create(ctx, reply, env.SenderID, map[string]string{
			"in_reply_to": env.ID,
			"prompt":      env.Text,
			"chat_id":     reply.ChatID,
		})
		return err
	}

	if updater != nil {
		if fallback := updater.Finalize(reply.Text); !fallback {
			return nil
		}
	}
	return o.registry.Send(ctx, reply)
}

func (o *Orchestrator) recordLedger(ctx context.Context, key, direction, author, text string) {
	err := o.store.SaveEvent(ctx, &store.LedgerEvent{
		ID:              uuid.New().String(),
		ConversationKey: key,
		Direction:       direction,
		Author:          author,
		Timestamp:       time.Now(),
		Type:            store.EventTypeMessage,
		Text:            text,
	})
	if err != nil {
		o.logger.Warn("ledger write failed", "conversation", key, "error", err)
	}
}
