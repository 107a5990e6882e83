// ABOUTME: Agent runtime that shells out to a CLI per turn
// ABOUTME: Streams stdout lines as deltas; a small line protocol carries tool and resume info

package agent

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Stdout line protocol understood by CommandRuntime. Everything else is
// reply text.
const (
	toolLinePrefix   = "::tool "
	resumeLinePrefix = "::resume "
)

// resumeTokenEnv carries the previous turn's resume token into the
// subprocess.
const resumeTokenEnv = "LOOM_RESUME_TOKEN"

// CommandRuntime runs one subprocess per turn. The prompt is appended as
// the final argument; each plain stdout line streams as a text delta and
// the concatenated lines form the reply. Lines prefixed "::tool <name>"
// surface as tool-use events, "::resume <token>" sets the turn's resume
// token, which is handed back on the next turn via LOOM_RESUME_TOKEN.
type CommandRuntime struct {
	command []string
	logger  *slog.Logger
}

// NewCommandRuntime creates a subprocess runtime for the given
// invocation.
func NewCommandRuntime(command []string, logger *slog.Logger) (*CommandRuntime, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("agent command not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CommandRuntime{
		command: command,
		logger:  logger.With("component", "agent-runtime"),
	}, nil
}

// Run implements Runtime.
func (r *CommandRuntime) Run(ctx context.Context, req TurnRequest) (<-chan Event, error) {
	args := make([]string, 0, len(r.command))
	args = append(args, r.command[1:]...)
	args = append(args, req.Prompt)

	cmd := exec.CommandContext(ctx, r.command[0], args...)
	cmd.Env = os.Environ()
	if req.ResumeToken != "" {
		cmd.Env = append(cmd.Env, resumeTokenEnv+"="+req.ResumeToken)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening agent stdout: %w", err)
	}
	var stderr strings.Builder
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting agent: %w", err)
	}

	events := make(chan Event, 16)
	go func() {
		defer close(events)

		var (
			reply strings.Builder
			token string
		)

		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, toolLinePrefix):
				events <- Event{Type: EventToolUse, ToolName: strings.TrimPrefix(line, toolLinePrefix)}
			case strings.HasPrefix(line, resumeLinePrefix):
				token = strings.TrimPrefix(line, resumeLinePrefix)
			default:
				delta := line + "\n"
				reply.WriteString(delta)
				events <- Event{Type: EventTextDelta, TextDelta: delta}
			}
		}

		scanErr := scanner.Err()
		waitErr := cmd.Wait()
		switch {
		case scanErr != nil:
			events <- Event{Type: EventError, Err: fmt.Errorf("reading agent output: %w", scanErr)}
		case waitErr != nil:
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = waitErr.Error()
			}
			events <- Event{Type: EventError, Err: fmt.Errorf("agent exited: %s", msg)}
		default:
			events <- Event{Type: EventResult, Result: &Result{
				Text:        strings.TrimRight(reply.String(), "\n"),
				ResumeToken: token,
			}}
		}
	}()

	return events, nil
}
