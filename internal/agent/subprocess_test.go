// ABOUTME: Tests for the subprocess agent runtime
// ABOUTME: Drives CommandRuntime with shell one-liners and checks the event stream

package agent

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectEvents(t *testing.T, events <-chan Event) []Event {
	t.Helper()
	var got []Event
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for agent events")
		}
	}
}

func newTestRuntime(t *testing.T, command ...string) *CommandRuntime {
	t.Helper()
	rt, err := NewCommandRuntime(command, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return rt
}

func TestCommandRuntimeRequiresCommand(t *testing.T) {
	_, err := NewCommandRuntime(nil, slog.New(slog.DiscardHandler))
	assert.Error(t, err)
}

func TestCommandRuntimeStreamsReply(t *testing.T) {
	rt := newTestRuntime(t, "sh", "-c", `printf 'hello\nworld\n' # prompt: "$0"`)

	events, err := rt.Run(t.Context(), TurnRequest{Prompt: "hi"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventTextDelta, got[0].Type)
	assert.Equal(t, "hello\n", got[0].TextDelta)
	assert.Equal(t, EventTextDelta, got[1].Type)
	require.Equal(t, EventResult, got[2].Type)
	assert.Equal(t, "hello\nworld", got[2].Result.Text)
	assert.Empty(t, got[2].Result.ResumeToken)
}

func TestCommandRuntimeToolAndResumeLines(t *testing.T) {
	rt := newTestRuntime(t, "sh", "-c", `printf '::tool search\nanswer\n::resume tok-42\n'`)

	events, err := rt.Run(t.Context(), TurnRequest{Prompt: "q"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.Len(t, got, 3)
	assert.Equal(t, EventToolUse, got[0].Type)
	assert.Equal(t, "search", got[0].ToolName)
	assert.Equal(t, EventTextDelta, got[1].Type)
	require.Equal(t, EventResult, got[2].Type)
	assert.Equal(t, "answer", got[2].Result.Text)
	assert.Equal(t, "tok-42", got[2].Result.ResumeToken)
}

func TestCommandRuntimeResumeTokenInEnv(t *testing.T) {
	rt := newTestRuntime(t, "sh", "-c", `printf '%s\n' "$LOOM_RESUME_TOKEN"`)

	events, err := rt.Run(t.Context(), TurnRequest{Prompt: "q", ResumeToken: "prev-7"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.NotEmpty(t, got)
	require.Equal(t, EventResult, got[len(got)-1].Type)
	assert.Equal(t, "prev-7", got[len(got)-1].Result.Text)
}

func TestCommandRuntimeNonZeroExit(t *testing.T) {
	rt := newTestRuntime(t, "sh", "-c", `echo boom >&2; exit 3`)

	events, err := rt.Run(t.Context(), TurnRequest{Prompt: "q"})
	require.NoError(t, err)

	got := collectEvents(t, events)
	require.NotEmpty(t, got)
	last := got[len(got)-1]
	require.Equal(t, EventError, last.Type)
	assert.Contains(t, last.Err.Error(), "boom")
}
