// ABOUTME: Platform adapter contract and the registry that fans lifecycle out
// ABOUTME: Inbound updates pass a dedupe gate before reaching the conversation queue

package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomlabs/loom/internal/dedupe"
	"github.com/loomlabs/loom/internal/envelope"
)

// ErrAlreadyRegistered is returned when two adapters claim the same
// platform name.
var ErrAlreadyRegistered = errors.New("adapter already registered")

// InboundFunc receives envelopes lifted off the wire by adapters.
type InboundFunc func(env *envelope.ConversationEnvelope)

// Adapter is one chat platform connection. Start returns once the
// connection is established; the receive loop runs in the adapter's own
// goroutine until Stop.
type Adapter interface {
	Name() string
	Start(ctx context.Context) error
	Stop() error
	Send(ctx context.Context, reply *envelope.ReplyEnvelope) error
}

// Editor is the optional in-place editing capability. It is checked once
// at registration; platforms that implement it can host live streamed
// placeholder updates.
type Editor interface {
	// PostMessage sends text and returns a platform handle usable for
	// later edits.
	PostMessage(ctx context.Context, chatID, text, threadID string) (string, error)
	UpdateMessage(ctx context.Context, chatID, handle, text string) error
	DeleteMessage(ctx context.Context, chatID, handle string) error
	// Ceiling is the largest message the platform accepts, in bytes.
	Ceiling() int
}

// dedupe window for redelivered platform updates.
const (
	seenTTL      = 10 * time.Minute
	seenCapacity = 4096
)

// Registry owns the set of registered adapters: lifecycle fan-out,
// outbound routing by platform name, and the inbound dedupe gate.
type Registry struct {
	logger  *slog.Logger
	handler InboundFunc
	seen    *dedupe.Cache

	mu       sync.RWMutex
	adapters map[string]Adapter
	editors  map[string]Editor
}

// NewRegistry creates a registry that forwards deduplicated inbound
// envelopes to handler.
func NewRegistry(handler InboundFunc, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:   logger.With("component", "channel-registry"),
		handler:  handler,
		seen:     dedupe.New(seenTTL, seenCapacity),
		adapters: make(map[string]Adapter),
		editors:  make(map[string]Editor),
	}
}

// Register adds an adapter and records whether it can edit messages.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := a.Name()
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, name)
	}
	r.adapters[name] = a
	if ed, ok := a.(Editor); ok {
		r.editors[name] = ed
	}
	r.logger.Info("adapter registered", "platform", name, "edit_capable", r.editors[name] != nil)
	return nil
}

// Get returns the adapter for a platform.
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// Editor returns the edit capability for a platform, if it has one.
func (r *Registry) Editor(name string) (Editor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ed, ok := r.editors[name]
	return ed, ok
}

// Platforms returns the registered platform names, sorted.
func (r *Registry) Platforms() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start starts every adapter concurrently. All adapters are attempted
// regardless of individual failures; the joined error reports every one
// that failed.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	var (
		errMu sync.Mutex
		errs  []error
	)
	var g errgroup.Group
	for _, a := range adapters {
		a := a
		g.Go(func() error {
			r.logger.Info("starting adapter", "platform", a.Name())
			if err := a.Start(ctx); err != nil {
				r.logger.Error("adapter start failed", "platform", a.Name(), "error", err)
				errMu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
				errMu.Unlock()
			}
			return nil
		})
	}
	g.Wait()
	return errors.Join(errs...)
}

// Stop stops every adapter and releases the dedupe cache.
func (r *Registry) Stop() error {
	r.mu.RLock()
	adapters := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		adapters = append(adapters, a)
	}
	r.mu.RUnlock()

	var errs []error
	for _, a := range adapters {
		if err := a.Stop(); err != nil {
			r.logger.Error("adapter stop failed", "platform", a.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", a.Name(), err))
		}
	}
	r.seen.Close()
	return errors.Join(errs...)
}

// Send routes a reply to its platform adapter. An unknown platform is
// logged and dropped rather than treated as an error, so one retired
// adapter cannot poison deliveries queued before its removal.
func (r *Registry) Send(ctx context.Context, reply *envelope.ReplyEnvelope) error {
	a, ok := r.Get(reply.Channel)
	if !ok {
		r.logger.Warn("dropping reply for unregistered platform", "platform", reply.Channel)
		return nil
	}
	return a.Send(ctx, reply)
}

// Dispatch is the adapters' inbound entry point. Updates carrying a
// platform message ID are deduplicated before reaching the handler.
func (r *Registry) Dispatch(env *envelope.ConversationEnvelope) {
	if msgID := env.Metadata["message_id"]; msgID != "" {
		key := dedupe.Key(env.Channel, env.ConversationKey, msgID)
		if r.seen.Observe(key) {
			r.logger.Debug("dropping duplicate update",
				"platform", env.Channel,
				"conversation", env.ConversationKey,
				"message_id", msgID)
			return
		}
	}
	r.handler(env)
}
