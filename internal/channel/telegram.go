// ABOUTME: Telegram adapter using Bot API long polling
// ABOUTME: Edit-capable via editMessageText, with the 4096-char send ceiling

package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/envelope"
)

// telegramCeiling is the Bot API per-message text limit.
const telegramCeiling = 4096

const telegramAPIBase = "https://api.telegram.org"

// TelegramAdapter connects to the Telegram Bot API over long polling.
type TelegramAdapter struct {
	token   string
	allowed map[string]struct{}
	inbound InboundFunc
	logger  *slog.Logger
	client  *http.Client
	apiBase string

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewTelegram creates a Telegram adapter. An empty allowFrom list admits
// every sender.
func NewTelegram(token string, allowFrom []string, inbound InboundFunc, logger *slog.Logger) *TelegramAdapter {
	if logger == nil {
		logger = slog.Default()
	}
	allowed := make(map[string]struct{}, len(allowFrom))
	for _, id := range allowFrom {
		allowed[id] = struct{}{}
	}
	return &TelegramAdapter{
		token:   token,
		allowed: allowed,
		inbound: inbound,
		logger:  logger.With("component", "telegram"),
		client:  &http.Client{Timeout: 60 * time.Second},
		apiBase: telegramAPIBase,
	}
}

func (t *TelegramAdapter) Name() string { return "telegram" }

// Start validates the token with getMe and launches the polling loop.
func (t *TelegramAdapter) Start(ctx context.Context) error {
	if t.token == "" {
		return fmt.Errorf("telegram bot token not configured")
	}

	var me tgUser
	if err := t.call(ctx, "getMe", nil, &me); err != nil {
		return fmt.Errorf("telegram getMe: %w", err)
	}
	t.logger.Info("telegram bot connected", "username", me.Username)

	pollCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	t.mu.Lock()
	t.cancel = cancel
	t.done = done
	t.mu.Unlock()

	go t.pollLoop(pollCtx, done)
	return nil
}

// Stop ends the polling loop and waits for it to exit.
func (t *TelegramAdapter) Stop() error {
	t.mu.Lock()
	cancel, done := t.cancel, t.done
	t.cancel, t.done = nil, nil
	t.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

func (t *TelegramAdapter) pollLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	var offset int64
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		var updates []tgUpdate
		err := t.call(ctx, "getUpdates", map[string]any{
			"offset":          offset,
			"timeout":         30,
			"allowed_updates": []string{"message"},
		}, &updates)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("getUpdates failed", "error", err)
			select {
			case <-time.After(5 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		for _, u := range updates {
			if u.UpdateID >= offset {
				offset = u.UpdateID + 1
			}
			t.handleUpdate(u)
		}
	}
}

func (t *TelegramAdapter) handleUpdate(u tgUpdate) {
	msg := u.Message
	if msg == nil || msg.From == nil {
		return
	}

	text := msg.Text
	if text == "" {
		text = msg.Caption
	}
	if text == "" {
		return
	}

	senderID := strconv.FormatInt(msg.From.ID, 10)
	if !t.senderAllowed(senderID, msg.From.Username) {
		t.logger.Debug("ignoring message from unlisted sender", "sender", senderID)
		return
	}

	chatID := strconv.FormatInt(msg.Chat.ID, 10)
	env := envelope.NewInbound("telegram", chatID, senderID, text)
	env.Metadata = map[string]string{
		"message_id": strconv.FormatInt(msg.MessageID, 10),
	}
	if msg.From.Username != "" {
		env.Metadata["username"] = msg.From.Username
	}
	if msg.ThreadID != 0 {
		env.ThreadID = strconv.FormatInt(msg.ThreadID, 10)
	}

	t.inbound(env)
}

func (t *TelegramAdapter) senderAllowed(id, username string) bool {
	if len(t.allowed) == 0 {
		return true
	}
	if _, ok := t.allowed[id]; ok {
		return true
	}
	_, ok := t.allowed[username]
	return ok
}

// Send delivers a reply, splitting text that exceeds the platform limit
// into sequential messages.
func (t *TelegramAdapter) Send(ctx context.Context, reply *envelope.ReplyEnvelope) error {
	chatID := reply.ChatID
	if chatID == "" {
		chatID = envelope.ChatID(reply.ConversationKey)
	}
	for _, chunk := range splitText(reply.Text, telegramCeiling) {
		params := map[string]any{
			"chat_id": chatID,
			"text":    chunk,
		}
		if reply.ThreadID != "" {
			params["message_thread_id"] = threadIDParam(reply.ThreadID)
		}
		if err := t.call(ctx, "sendMessage", params, nil); err != nil {
			return fmt.Errorf("telegram sendMessage: %w", err)
		}
	}
	return nil
}

// PostMessage implements Editor.
func (t *TelegramAdapter) PostMessage(ctx context.Context, chatID, text, threadID string) (string, error) {
	params := map[string]any{
		"chat_id": chatID,
		"text":    text,
	}
	if threadID != "" {
		params["message_thread_id"] = threadIDParam(threadID)
	}
	var msg tgMessage
	if err := t.call(ctx, "sendMessage", params, &msg); err != nil {
		return "", fmt.Errorf("telegram sendMessage: %w", err)
	}
	return strconv.FormatInt(msg.MessageID, 10), nil
}

// UpdateMessage implements Editor.
func (t *TelegramAdapter) UpdateMessage(ctx context.Context, chatID, handle, text string) error {
	msgID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram editMessageText: bad handle %q: %w", handle, err)
	}
	err = t.call(ctx, "editMessageText", map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
		"text":       text,
	}, nil)
	if err != nil {
		return fmt.Errorf("telegram editMessageText: %w", err)
	}
	return nil
}

// DeleteMessage implements Editor.
func (t *TelegramAdapter) DeleteMessage(ctx context.Context, chatID, handle string) error {
	msgID, err := strconv.ParseInt(handle, 10, 64)
	if err != nil {
		return fmt.Errorf("telegram deleteMessage: bad handle %q: %w", handle, err)
	}
	err = t.call(ctx, "deleteMessage", map[string]any{
		"chat_id":    chatID,
		"message_id": msgID,
	}, nil)
	if err != nil {
		return fmt.Errorf("telegram deleteMessage: %w", err)
	}
	return nil
}

// Ceiling implements Editor.
func (t *TelegramAdapter) Ceiling() int { return telegramCeiling }

// threadIDParam converts a thread ID to the integer the Bot API declares
// for message_thread_id. Non-numeric values pass through unchanged.
func threadIDParam(threadID string) any {
	if n, err := strconv.ParseInt(threadID, 10, 64); err == nil {
		return n
	}
	return threadID
}

// call performs one Bot API method call, decoding the result into out
// when out is non-nil.
func (t *TelegramAdapter) call(ctx context.Context, method string, params map[string]any, out any) error {
	url := fmt.Sprintf("%s/bot%s/%s", t.apiBase, t.token, method)

	body, err := json.Marshal(params)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var envl tgResponse
	if err := json.Unmarshal(raw, &envl); err != nil {
		return fmt.Errorf("decoding %s response: %w", method, err)
	}
	if !envl.OK {
		return fmt.Errorf("%s: %s", method, envl.Description)
	}
	if out != nil {
		if err := json.Unmarshal(envl.Result, out); err != nil {
			return fmt.Errorf("decoding %s result: %w", method, err)
		}
	}
	return nil
}

// splitText breaks text into chunks of at most limit runes, preferring
// newline boundaries.
func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var chunks []string
	for len(runes) > limit {
		cut := limit
		for i := limit - 1; i > limit/2; i-- {
			if runes[i] == '\n' {
				cut = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		chunks = append(chunks, string(runes))
	}
	return chunks
}

type tgResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type tgUpdate struct {
	UpdateID int64      `json:"update_id"`
	Message  *tgMessage `json:"message"`
}

type tgMessage struct {
	MessageID int64   `json:"message_id"`
	From      *tgUser `json:"from"`
	Chat      tgChat  `json:"chat"`
	Text      string  `json:"text"`
	Caption   string  `json:"caption"`
	ThreadID  int64   `json:"message_thread_id"`
}

type tgUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

type tgChat struct {
	ID int64 `json:"id"`
}
