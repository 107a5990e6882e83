// ABOUTME: Tests for the detached memory helper.
// ABOUTME: Verifies the panic boundary and error isolation.

package memory

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDetach_RunsFunction(t *testing.T) {
	done := make(chan struct{})
	Detach(slog.New(slog.DiscardHandler), func(ctx context.Context) error {
		close(done)
		return nil
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached function never ran")
	}
}

func TestDetach_SwallowsPanic(t *testing.T) {
	ran := make(chan struct{})
	Detach(slog.New(slog.DiscardHandler), func(ctx context.Context) error {
		defer close(ran)
		panic("indexer exploded")
	})

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("detached function never ran")
	}
	// Reaching here without the test process dying is the assertion.
}

func TestDetach_SwallowsError(t *testing.T) {
	done := make(chan struct{})
	Detach(slog.New(slog.DiscardHandler), func(ctx context.Context) error {
		defer close(done)
		return errors.New("embedding service down")
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("detached function never ran")
	}
}

func TestNoopIndexer(t *testing.T) {
	var idx Indexer = NoopIndexer{}
	assert.NoError(t, idx.Index(t.Context(), nil, nil))

	snippets, err := idx.Search(t.Context(), "anything")
	assert.NoError(t, err)
	assert.Empty(t, snippets)
}
