// Package event publishes session lifecycle events to in-process subscribers
// and renders them as Server-Sent Events.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/stream"
)

// Type names a lifecycle event.
type Type string

const (
	TypeTurnStarted Type = "turn_started"
	TypeToolCall    Type = "tool_call"
	TypeToolResult  Type = "tool_result"
	TypeCompletion  Type = "completion"
	TypeError       Type = "error"
)

// Channel groups event types: progress for the turn's forward motion,
// monitor for failures.
type Channel string

const (
	ChannelProgress Channel = "progress"
	ChannelMonitor  Channel = "monitor"
)

var typeToChannel = map[Type]Channel{
	TypeTurnStarted: ChannelProgress,
	TypeToolCall:    ChannelProgress,
	TypeToolResult:  ChannelProgress,
	TypeCompletion:  ChannelProgress,
	TypeError:       ChannelMonitor,
}

// Event is one published lifecycle event.
type Event struct {
	ID        string    `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
	Data      any       `json:"data,omitempty"`
}

// New builds an event, filling ID and Timestamp.
func New(typ Type, sessionID string, data any) Event {
	return normalize(Event{Type: typ, SessionID: sessionID, Data: data})
}

// Validate checks the event type.
func (e Event) Validate() error {
	if e.Type == "" {
		return errors.New("event: type is empty")
	}
	if _, ok := typeToChannel[e.Type]; !ok {
		return fmt.Errorf("event: unknown type %q", e.Type)
	}
	return nil
}

// Channel returns the channel of t.
func (t Type) Channel() (Channel, bool) {
	ch, ok := typeToChannel[t]
	return ch, ok
}

func normalize(evt Event) Event {
	if evt.ID == "" {
		evt.ID = newID()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	return evt
}

func newID() string {
	return uuid.NewString()
}

// TurnData opens a turn.
type TurnData struct {
	Turn   int    `json:"turn"`
	Prompt string `json:"prompt,omitempty"`
}

// ToolCallData announces a validated tool call about to run.
type ToolCallData struct {
	Round     int           `json:"round"`
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments content.Value `json:"arguments"`
}

// ToolResultData reports a finished tool call.
type ToolResultData struct {
	Round    int           `json:"round"`
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Output   string        `json:"output,omitempty"`
	IsError  bool          `json:"is_error,omitempty"`
	Duration time.Duration `json:"duration,omitempty"`
}

// CompletionData summarises a completed turn.
type CompletionData struct {
	Turn         int                 `json:"turn"`
	Rounds       int                 `json:"rounds"`
	Output       string              `json:"output"`
	FinishReason stream.FinishReason `json:"finish_reason"`
	Usage        stream.Usage        `json:"usage"`
}

// ErrorData reports a failed turn.
type ErrorData struct {
	Turn    int    `json:"turn"`
	Message string `json:"message"`
	Kind    string `json:"kind,omitempty"`
	Subject string `json:"subject,omitempty"`
}
