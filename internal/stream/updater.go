// ABOUTME: Throttled live-edit renderer for in-progress agent turns
// ABOUTME: Posts a placeholder, flushes buffered deltas on a ticker, finalizes or falls back

package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loomlabs/loom/internal/channel"
)

const (
	// defaultFlushInterval throttles placeholder edits so platform rate
	// limits are never the bottleneck of a streaming turn.
	defaultFlushInterval = 1500 * time.Millisecond

	placeholderText = "_thinking..._"

	// editTimeout bounds each platform call made by the updater.
	editTimeout = 10 * time.Second

	// suffixHeadroom keeps room for the tool suffix inside the ceiling
	// while streaming.
	suffixHeadroom = 128
)

// Updater renders one in-progress turn into a single editable platform
// message. Deltas accumulate in a buffer; a ticker goroutine flushes the
// rendered text whenever it changed since the last edit.
type Updater struct {
	editor   channel.Editor
	chatID   string
	threadID string
	flush    time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	started  bool
	failed   bool
	handle   string
	buf      strings.Builder
	tool     string
	rendered string

	stopOnce sync.Once
	stopCh   chan struct{}
	flusher  chan struct{} // closed when the flush goroutine exits, nil if never started
}

// NewUpdater creates an updater bound to one edit-capable platform.
// flushInterval <= 0 selects the 1.5s default.
func NewUpdater(editor channel.Editor, chatID, threadID string, flushInterval time.Duration, logger *slog.Logger) *Updater {
	if logger == nil {
		logger = slog.Default()
	}
	if flushInterval <= 0 {
		flushInterval = defaultFlushInterval
	}
	return &Updater{
		editor:   editor,
		chatID:   chatID,
		threadID: threadID,
		flush:    flushInterval,
		logger:   logger.With("component", "stream-updater", "chat", chatID),
		stopCh:   make(chan struct{}),
	}
}

// OnDelta appends streamed text. The first call posts the placeholder;
// a failed placeholder latches the updater into no-op fallback mode.
func (u *Updater) OnDelta(text string) {
	if text == "" {
		return
	}
	u.ensureStarted()

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed {
		return
	}
	u.buf.WriteString(text)
	u.tool = ""
}

// OnTool marks a tool invocation in progress; it renders as a transient
// suffix until the next text delta.
func (u *Updater) OnTool(name string) {
	if name == "" {
		return
	}
	u.ensureStarted()

	u.mu.Lock()
	defer u.mu.Unlock()
	if u.failed {
		return
	}
	u.tool = name
}

// Finalize stops the flusher and performs the last edit with the full
// reply text. It reports true when the caller must deliver the reply
// itself: the placeholder never made it up, or the full text exceeds the
// platform ceiling (the placeholder is deleted in that case).
func (u *Updater) Finalize(full string) bool {
	u.stopOnce.Do(func() { close(u.stopCh) })
	u.mu.Lock()
	flusher := u.flusher
	u.mu.Unlock()
	if flusher != nil {
		<-flusher
	}

	u.mu.Lock()
	failed, handle := u.failed, u.handle
	u.mu.Unlock()

	if failed || handle == "" {
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()

	if len(full) > u.editor.Ceiling() {
		if err := u.editor.DeleteMessage(ctx, u.chatID, handle); err != nil {
			u.logger.Warn("deleting oversized placeholder failed", "error", err)
		}
		return true
	}

	if err := u.editor.UpdateMessage(ctx, u.chatID, handle, full); err != nil {
		u.logger.Warn("final edit failed, falling back to plain send", "error", err)
		if derr := u.editor.DeleteMessage(ctx, u.chatID, handle); derr != nil {
			u.logger.Warn("deleting placeholder after failed edit also failed", "error", derr)
		}
		return true
	}
	return false
}

func (u *Updater) ensureStarted() {
	u.mu.Lock()
	if u.started || u.failed {
		u.mu.Unlock()
		return
	}
	u.started = true
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()

	handle, err := u.editor.PostMessage(ctx, u.chatID, placeholderText, u.threadID)
	if err != nil {
		u.logger.Warn("placeholder post failed, streaming disabled for this turn", "error", err)
		u.mu.Lock()
		u.failed = true
		u.mu.Unlock()
		return
	}

	flusher := make(chan struct{})
	u.mu.Lock()
	u.handle = handle
	u.flusher = flusher
	u.mu.Unlock()

	go u.flushLoop(flusher)
}

func (u *Updater) flushLoop(done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(u.flush)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			u.flushOnce()
		case <-u.stopCh:
			return
		}
	}
}

// flushOnce edits the placeholder iff the rendered text changed. Edits
// are serialized by the single flush goroutine.
func (u *Updater) flushOnce() {
	u.mu.Lock()
	text := u.render()
	if text == "" || text == u.rendered {
		u.mu.Unlock()
		return
	}
	u.rendered = text
	handle := u.handle
	u.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), editTimeout)
	defer cancel()
	if err := u.editor.UpdateMessage(ctx, u.chatID, handle, text); err != nil {
		u.logger.Debug("streaming edit failed", "error", err)
	}
}

// render builds the display text: buffered output plus the transient
// tool suffix, clipped to the platform ceiling. Must hold mu.
func (u *Updater) render() string {
	text := u.buf.String()
	limit := u.editor.Ceiling() - suffixHeadroom
	if limit < 0 {
		// Ceilings smaller than the headroom leave no room for text at all.
		limit = 0
	}
	if len(text) > limit {
		text = text[:limit]
	}
	if u.tool != "" {
		if text != "" {
			text += "\n\n"
		}
		text += fmt.Sprintf("_Using `%s`..._", u.tool)
	}
	return text
}
