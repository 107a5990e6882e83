// ABOUTME: Per-conversation FIFO dispatcher guaranteeing one in-flight turn per key
// ABOUTME: Workers start lazily on first enqueue and tear down when their backlog drains

package queue

import (
	"context"
	"log/slog"
	"sync"

	"github.com/loomlabs/loom/internal/broadcast"
	"github.com/loomlabs/loom/internal/envelope"
)

// Result is the outcome of one enqueued envelope. Exactly one Result is
// delivered per Enqueue call: Reply on success, Err on failure.
type Result struct {
	Reply *envelope.ReplyEnvelope
	Err   error
}

// TurnHandler processes one envelope into a reply. Invocations for the
// same conversation key never overlap; the handler may block for the full
// duration of an agent turn.
type TurnHandler func(ctx context.Context, env *envelope.ConversationEnvelope, sink *broadcast.Hub) (*envelope.ReplyEnvelope, error)

// entry is one queued unit of work.
type entry struct {
	env    *envelope.ConversationEnvelope
	sink   *broadcast.Hub
	result chan Result
}

// Dispatcher serializes envelope processing per conversation key. Distinct
// keys proceed fully in parallel; entries sharing a key are processed in
// arrival order by a single worker goroutine.
type Dispatcher struct {
	handler TurnHandler
	logger  *slog.Logger

	mu       sync.Mutex
	backlogs map[string][]*entry // key -> pending entries; presence implies a live worker
}

// NewDispatcher creates a dispatcher bound to a turn handler. Pass nil
// logger for default.
func NewDispatcher(handler TurnHandler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		handler:  handler,
		logger:   logger.With("component", "queue"),
		backlogs: make(map[string][]*entry),
	}
}

// Enqueue adds an envelope to its conversation's FIFO backlog and returns
// a channel that receives exactly one Result. A worker for the key is
// started lazily; when the backlog drains the worker exits and the key's
// map entry is removed, so idle conversations hold no memory.
//
// There is no mid-turn cancellation: once dequeued, an envelope runs to
// completion. Callers that stop waiting simply abandon the result channel
// (it is buffered, so the worker never blocks on delivery).
func (d *Dispatcher) Enqueue(env *envelope.ConversationEnvelope, sink *broadcast.Hub) <-chan Result {
	e := &entry{
		env:    env,
		sink:   sink,
		result: make(chan Result, 1),
	}

	d.mu.Lock()
	backlog, active := d.backlogs[env.ConversationKey]
	d.backlogs[env.ConversationKey] = append(backlog, e)
	d.mu.Unlock()

	if !active {
		go d.runWorker(env.ConversationKey)
	}

	d.logger.Debug("envelope enqueued",
		"conversation_key", env.ConversationKey,
		"envelope_id", env.ID,
		"backlog", len(backlog)+1)

	return e.result
}

// runWorker drains one conversation key's backlog in FIFO order, then
// removes the key and exits. The dequeue re-checks under the lock so a
// concurrent Enqueue either lands in this worker's backlog or starts a
// fresh worker after this one has unregistered, never both.
func (d *Dispatcher) runWorker(key string) {
	for {
		d.mu.Lock()
		backlog := d.backlogs[key]
		if len(backlog) == 0 {
			delete(d.backlogs, key)
			d.mu.Unlock()
			return
		}
		e := backlog[0]
		d.backlogs[key] = backlog[1:]
		d.mu.Unlock()

		d.process(context.Background(), e)
	}
}

// process runs one turn and delivers its Result. A handler failure is
// pushed to the event sink before the Result rejection; it never stops
// the worker loop.
func (d *Dispatcher) process(ctx context.Context, e *entry) {
	reply, err := d.handler(ctx, e.env, e.sink)
	if err != nil {
		d.logger.Error("turn failed",
			"conversation_key", e.env.ConversationKey,
			"envelope_id", e.env.ID,
			"error", err)
		if e.sink != nil {
			e.sink.Publish(broadcast.Event{
				Type:            broadcast.TypeError,
				ConversationKey: e.env.ConversationKey,
				Text:            err.Error(),
			})
		}
		e.result <- Result{Err: err}
		return
	}
	e.result <- Result{Reply: reply}
}

// PendingKeys reports how many conversation keys currently have a live
// worker. Used by tests and the health endpoint.
func (d *Dispatcher) PendingKeys() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.backlogs)
}
