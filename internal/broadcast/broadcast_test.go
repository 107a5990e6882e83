// ABOUTME: Tests for the event broadcast hub
// ABOUTME: Covers fan-out, drop-on-full delivery, unsubscribe, and close semantics

package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	a, _ := hub.Subscribe(t.Context())
	b, _ := hub.Subscribe(t.Context())

	hub.Publish(Event{Type: TypeResult, ConversationKey: "telegram:1", Text: "done"})

	for _, ch := range []<-chan Event{a, b} {
		ev := recvEvent(t, ch)
		assert.Equal(t, TypeResult, ev.Type)
		assert.Equal(t, "telegram:1", ev.ConversationKey)
		assert.Equal(t, "done", ev.Text)
	}
}

func TestPublishStampsTimestamp(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	ch, _ := hub.Subscribe(t.Context())
	before := time.Now()
	hub.Publish(Event{Type: TypeSystem})

	ev := recvEvent(t, ch)
	assert.False(t, ev.Timestamp.Before(before))
}

func TestPublishKeepsExplicitTimestamp(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	ch, _ := hub.Subscribe(t.Context())
	stamp := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	hub.Publish(Event{Type: TypeSystem, Timestamp: stamp})

	assert.Equal(t, stamp, recvEvent(t, ch).Timestamp)
}

func TestSlowSubscriberDropsNotBlocks(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	ch, _ := hub.Subscribe(t.Context())

	// Fill the buffer without reading, then publish past it. Publish
	// must return promptly and the overflow is simply lost.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < subscriberBufferSize+10; i++ {
			hub.Publish(Event{Type: TypeStreamEvent})
		}
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("publish blocked on a slow subscriber")
	}

	received := 0
	for {
		select {
		case <-ch:
			received++
			continue
		default:
		}
		break
	}
	assert.Equal(t, subscriberBufferSize, received)
}

func TestPublishRacesUnsubscribeAndClose(t *testing.T) {
	// Publishers must never send on a channel that Unsubscribe or Close
	// has already closed. Hammer the interleaving; a lost race panics
	// and fails the whole test binary.
	hub := NewHub(discardLogger())

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					hub.Publish(Event{Type: TypeStreamEvent})
				}
			}
		}()
	}

	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					ctx, cancel := context.WithCancel(context.Background())
					_, subID := hub.Subscribe(ctx)
					hub.Unsubscribe(subID)
					cancel()
				}
			}
		}()
	}

	time.Sleep(200 * time.Millisecond)
	hub.Close()
	close(stop)
	wg.Wait()
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	ch, subID := hub.Subscribe(t.Context())
	hub.Unsubscribe(subID)

	_, open := <-ch
	assert.False(t, open)

	// Second unsubscribe is a no-op.
	hub.Unsubscribe(subID)
}

func TestContextCancelUnsubscribes(t *testing.T) {
	hub := NewHub(discardLogger())
	defer hub.Close()

	ctx, cancel := context.WithCancel(t.Context())
	ch, _ := hub.Subscribe(ctx)
	cancel()

	require.Eventually(t, func() bool {
		select {
		case _, open := <-ch:
			return !open
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	hub := NewHub(discardLogger())

	a, _ := hub.Subscribe(t.Context())
	b, _ := hub.Subscribe(t.Context())
	hub.Close()

	_, open := <-a
	assert.False(t, open)
	_, open = <-b
	assert.False(t, open)

	// Close is idempotent and post-close subscribe yields a closed channel.
	hub.Close()
	ch, _ := hub.Subscribe(t.Context())
	_, open = <-ch
	assert.False(t, open)
}
