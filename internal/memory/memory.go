// ABOUTME: Conversation memory indexing interface and the detached-run helper
// ABOUTME: Indexing is fire-and-forget; failures never reach the reply path

package memory

import (
	"context"
	"log/slog"
	"time"

	"github.com/loomlabs/loom/internal/envelope"
)

// Snippet is one retrieved piece of prior conversation.
type Snippet struct {
	ConversationKey string
	Text            string
	Score           float64
}

// Indexer ingests finished turns and answers similarity queries. The
// default build wires NoopIndexer; real implementations live behind this
// interface.
type Indexer interface {
	Index(ctx context.Context, env *envelope.ConversationEnvelope, reply *envelope.ReplyEnvelope) error
	Search(ctx context.Context, query string) ([]Snippet, error)
}

// NoopIndexer ignores everything.
type NoopIndexer struct{}

func (NoopIndexer) Index(context.Context, *envelope.ConversationEnvelope, *envelope.ReplyEnvelope) error {
	return nil
}

func (NoopIndexer) Search(context.Context, string) ([]Snippet, error) {
	return nil, nil
}

// detachTimeout bounds a detached indexing run.
const detachTimeout = 30 * time.Second

// Detach runs fn in its own goroutine with a recover/log boundary, so a
// panicking or failing indexer cannot take the turn down with it.
func Detach(logger *slog.Logger, fn func(ctx context.Context) error) {
	if logger == nil {
		logger = slog.Default()
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("detached memory task panicked", "panic", r)
			}
		}()
		ctx, cancel := context.WithTimeout(context.Background(), detachTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			logger.Warn("detached memory task failed", "error", err)
		}
	}()
}
