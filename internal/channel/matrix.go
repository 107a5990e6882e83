// ABOUTME: Matrix adapter built on the mautrix client sync loop
// ABOUTME: Edit-capable via m.replace relations, deletes via redaction

package channel

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/loomlabs/loom/internal/envelope"
)

// matrixCeiling is a practical event-size limit; the federation caps the
// whole PDU at 65536 bytes.
const matrixCeiling = 65536

// MatrixAdapter connects to a Matrix homeserver with a long-lived sync
// loop.
type MatrixAdapter struct {
	client       *mautrix.Client
	userID       id.UserID
	allowedRooms map[string]struct{}
	inbound      InboundFunc
	logger       *slog.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
	startedAt int64 // ms since epoch, events before this are replay
}

// NewMatrix creates a Matrix adapter. An empty allowedRooms list admits
// every room the account is joined to.
func NewMatrix(homeserver, userID, accessToken string, allowedRooms []string, inbound InboundFunc, logger *slog.Logger) (*MatrixAdapter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	client, err := mautrix.NewClient(homeserver, id.UserID(userID), accessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	allowed := make(map[string]struct{}, len(allowedRooms))
	for _, room := range allowedRooms {
		allowed[room] = struct{}{}
	}

	return &MatrixAdapter{
		client:       client,
		userID:       id.UserID(userID),
		allowedRooms: allowed,
		inbound:      inbound,
		logger:       logger.With("component", "matrix"),
	}, nil
}

func (m *MatrixAdapter) Name() string { return "matrix" }

// Start registers the message handler and launches the sync loop.
func (m *MatrixAdapter) Start(ctx context.Context) error {
	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnEventType(event.EventMessage, m.handleMessage)

	syncCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	m.mu.Lock()
	m.cancel = cancel
	m.done = done
	m.startedAt = time.Now().UnixMilli()
	m.mu.Unlock()

	go func() {
		defer close(done)
		if err := m.client.SyncWithContext(syncCtx); err != nil && syncCtx.Err() == nil {
			m.logger.Error("matrix sync stopped", "error", err)
		}
	}()

	m.logger.Info("matrix sync started", "user_id", m.userID.String())
	return nil
}

// Stop cancels the sync loop and waits for it to exit.
func (m *MatrixAdapter) Stop() error {
	m.mu.Lock()
	cancel, done := m.cancel, m.done
	m.cancel, m.done = nil, nil
	m.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (m *MatrixAdapter) handleMessage(ctx context.Context, evt *event.Event) {
	if evt.Sender == m.userID {
		return
	}

	m.mu.Lock()
	startedAt := m.startedAt
	m.mu.Unlock()
	if evt.Timestamp < startedAt {
		// Initial sync replays history; only live messages count.
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok || content.MsgType != event.MsgText {
		return
	}
	if content.RelatesTo != nil && content.RelatesTo.Type == event.RelReplace {
		return
	}

	roomID := evt.RoomID.String()
	if !m.roomAllowed(roomID) {
		m.logger.Debug("ignoring message from unlisted room", "room", roomID)
		return
	}

	env := envelope.NewInbound("matrix", roomID, evt.Sender.String(), content.Body)
	env.Metadata = map[string]string{
		"message_id": evt.ID.String(),
	}
	m.inbound(env)
}

func (m *MatrixAdapter) roomAllowed(roomID string) bool {
	if len(m.allowedRooms) == 0 {
		return true
	}
	_, ok := m.allowedRooms[roomID]
	return ok
}

// Send delivers a reply as a plain text event.
func (m *MatrixAdapter) Send(ctx context.Context, reply *envelope.ReplyEnvelope) error {
	room := reply.ChatID
	if room == "" {
		room = envelope.ChatID(reply.ConversationKey)
	}
	roomID := id.RoomID(room)
	_, err := m.client.SendText(ctx, roomID, reply.Text)
	if err != nil {
		return fmt.Errorf("matrix send: %w", err)
	}
	return nil
}

// PostMessage implements Editor.
func (m *MatrixAdapter) PostMessage(ctx context.Context, chatID, text, _ string) (string, error) {
	resp, err := m.client.SendText(ctx, id.RoomID(chatID), text)
	if err != nil {
		return "", fmt.Errorf("matrix send: %w", err)
	}
	return resp.EventID.String(), nil
}

// UpdateMessage implements Editor using an m.replace relation.
func (m *MatrixAdapter) UpdateMessage(ctx context.Context, chatID, handle, text string) error {
	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    "* " + text,
		NewContent: &event.MessageEventContent{
			MsgType: event.MsgText,
			Body:    text,
		},
		RelatesTo: &event.RelatesTo{
			Type:    event.RelReplace,
			EventID: id.EventID(handle),
		},
	}
	_, err := m.client.SendMessageEvent(ctx, id.RoomID(chatID), event.EventMessage, &content)
	if err != nil {
		return fmt.Errorf("matrix edit: %w", err)
	}
	return nil
}

// DeleteMessage implements Editor via redaction.
func (m *MatrixAdapter) DeleteMessage(ctx context.Context, chatID, handle string) error {
	_, err := m.client.RedactEvent(ctx, id.RoomID(chatID), id.EventID(handle))
	if err != nil {
		return fmt.Errorf("matrix redact: %w", err)
	}
	return nil
}

// Ceiling implements Editor.
func (m *MatrixAdapter) Ceiling() int { return matrixCeiling }
