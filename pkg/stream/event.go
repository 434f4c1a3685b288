// Package stream defines the canonical incremental event every backend is
// normalized into, and the transport adapters that produce it.
package stream

import (
	"fmt"

	"github.com/cexll/sessionkit/pkg/content"
)

// Kind tags an Event.
type Kind uint8

const (
	KindTextDelta Kind = iota + 1
	KindStructuredDelta
	KindToolCallDelta
	KindFinish
	KindFailure
)

func (k Kind) String() string {
	switch k {
	case KindTextDelta:
		return "text_delta"
	case KindStructuredDelta:
		return "structured_delta"
	case KindToolCallDelta:
		return "tool_call_delta"
	case KindFinish:
		return "finish"
	case KindFailure:
		return "failure"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// FinishReason explains why a generation stopped.
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishLength        FinishReason = "length"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishContentFilter FinishReason = "content_filter"
)

// Usage reports token accounting for one generation.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
	CacheTokens  int `json:"cache_tokens,omitempty"`
}

// Add sums two usages.
func (u Usage) Add(o Usage) Usage {
	return Usage{
		InputTokens:  u.InputTokens + o.InputTokens,
		OutputTokens: u.OutputTokens + o.OutputTokens,
		TotalTokens:  u.TotalTokens + o.TotalTokens,
		CacheTokens:  u.CacheTokens + o.CacheTokens,
	}
}

// IsZero reports whether no tokens were counted.
func (u Usage) IsZero() bool { return u == Usage{} }

// ToolCallFragment is one piece of a streamed tool invocation. An empty ID
// continues the most recently started call.
type ToolCallFragment struct {
	ID        string
	Name      string
	Arguments string
}

// Event is one unit of streamed output. Only the fields of its Kind are set.
type Event struct {
	Kind Kind

	// KindTextDelta
	Text string

	// KindStructuredDelta
	Content  content.Value
	Complete bool

	// KindToolCallDelta
	ToolCall ToolCallFragment

	// KindFinish
	Reason FinishReason
	Usage  Usage

	// KindFailure
	Err error
}

// TextDelta appends text to the response.
func TextDelta(text string) Event { return Event{Kind: KindTextDelta, Text: text} }

// StructuredDelta replaces the structured output with the latest decode.
func StructuredDelta(v content.Value, complete bool) Event {
	return Event{Kind: KindStructuredDelta, Content: v, Complete: complete}
}

// ToolCallDelta carries an argument fragment. A non-empty name establishes
// the call identity and appears at most once per id.
func ToolCallDelta(id, name, fragment string) Event {
	return Event{Kind: KindToolCallDelta, ToolCall: ToolCallFragment{ID: id, Name: name, Arguments: fragment}}
}

// Finish terminates a healthy stream.
func Finish(reason FinishReason, usage Usage) Event {
	return Event{Kind: KindFinish, Reason: reason, Usage: usage}
}

// Failure terminates a broken stream.
func Failure(err error) Event { return Event{Kind: KindFailure, Err: err} }

// Terminal reports whether e ends its stream.
func (e Event) Terminal() bool { return e.Kind == KindFinish || e.Kind == KindFailure }

func (e Event) String() string {
	switch e.Kind {
	case KindTextDelta:
		return fmt.Sprintf("text_delta(%q)", e.Text)
	case KindStructuredDelta:
		return fmt.Sprintf("structured_delta(%s, complete=%t)", e.Content, e.Complete)
	case KindToolCallDelta:
		return fmt.Sprintf("tool_call_delta(id=%q, name=%q, %q)", e.ToolCall.ID, e.ToolCall.Name, e.ToolCall.Arguments)
	case KindFinish:
		return fmt.Sprintf("finish(%s)", e.Reason)
	case KindFailure:
		return fmt.Sprintf("failure(%v)", e.Err)
	default:
		return e.Kind.String()
	}
}
