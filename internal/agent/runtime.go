// ABOUTME: Agent runtime contract consumed by the orchestration core
// ABOUTME: One Run call is one turn; events stream back until a terminal Result or Error

package agent

import "context"

// EventType tags a streamed runtime event.
type EventType int

const (
	// EventTextDelta carries an incremental chunk of the reply text.
	EventTextDelta EventType = iota
	// EventToolUse reports that the runtime started executing a tool.
	EventToolUse
	// EventResult is the terminal success event for a turn.
	EventResult
	// EventError is the terminal failure event for a turn.
	EventError
)

// Event is one element of a turn's event stream. Exactly one terminal
// event (Result or Error) is emitted per turn, after which the stream
// channel is closed.
type Event struct {
	Type EventType

	// TextDelta is set for EventTextDelta.
	TextDelta string

	// ToolName is set for EventToolUse.
	ToolName string

	// Result is set for EventResult.
	Result *Result

	// Err is set for EventError.
	Err error
}

// Result is the final outcome of a successful turn.
type Result struct {
	// Text is the complete reply text.
	Text string

	// ResumeToken is an opaque continuation handle; passing it to a later
	// Run continues the same underlying conversation context.
	ResumeToken string
}

// TurnRequest describes one agent turn.
type TurnRequest struct {
	Prompt      string
	ResumeToken string
}

// Runtime is the language-model agent collaborator. The orchestration
// core treats it as an opaque async call and imposes no timeout; the
// runtime owns its own deadlines.
type Runtime interface {
	Run(ctx context.Context, req TurnRequest) (<-chan Event, error)
}
