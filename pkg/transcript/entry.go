// Package transcript holds the append-only conversation log of a session.
package transcript

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/stream"
)

// Kind tags an Entry.
type Kind string

const (
	KindInstructions Kind = "instructions"
	KindPrompt       Kind = "prompt"
	KindToolCalls    Kind = "tool_calls"
	KindToolOutput   Kind = "tool_output"
	KindResponse     Kind = "response"
)

// SegmentKind tags a Segment.
type SegmentKind string

const (
	SegmentText       SegmentKind = "text"
	SegmentStructured SegmentKind = "structured"
	SegmentImage      SegmentKind = "image"
)

// Image is inline image bytes or a URL reference.
type Image struct {
	Data     []byte `json:"data,omitempty"`
	MIMEType string `json:"mime_type,omitempty"`
	URL      string `json:"url,omitempty"`
}

// Segment is one piece of entry content. Segment order is rendering order.
type Segment struct {
	Kind SegmentKind `json:"kind"`
	Text string      `json:"text,omitempty"`
	// Content and Source describe a structured segment; Source tags what
	// produced it (a schema title or tool name).
	Content content.Value `json:"content"`
	Source  string        `json:"source,omitempty"`
	Image   *Image        `json:"image,omitempty"`
}

// Text builds a text segment.
func Text(s string) Segment { return Segment{Kind: SegmentText, Text: s} }

// Structured builds a structured segment.
func Structured(v content.Value, source string) Segment {
	return Segment{Kind: SegmentStructured, Content: v, Source: source}
}

// ImageData builds an inline image segment.
func ImageData(data []byte, mimeType string) Segment {
	return Segment{Kind: SegmentImage, Image: &Image{Data: append([]byte(nil), data...), MIMEType: mimeType}}
}

// ImageURL builds an image segment referencing url.
func ImageURL(url string) Segment {
	return Segment{Kind: SegmentImage, Image: &Image{URL: url}}
}

func (s Segment) clone() Segment {
	if s.Image != nil {
		img := *s.Image
		img.Data = append([]byte(nil), s.Image.Data...)
		s.Image = &img
	}
	return s
}

// ToolDefinition declares a tool to the model.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  *content.Schema `json:"parameters,omitempty"`
}

// ToolCall is one model-requested invocation.
type ToolCall struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Arguments content.Value `json:"arguments"`
}

// Entry is one immutable record of the transcript.
type Entry struct {
	ID       string    `json:"id"`
	Kind     Kind      `json:"kind"`
	Segments []Segment `json:"segments,omitempty"`

	// Tools are declared by an Instructions entry.
	Tools []ToolDefinition `json:"tools,omitempty"`
	// ToolCalls are grouped by a ToolCalls entry.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID, ToolName and IsError describe a ToolOutput entry.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Usage and FinishReason describe the generation behind a Response or
	// ToolCalls entry.
	Usage        *stream.Usage       `json:"usage,omitempty"`
	FinishReason stream.FinishReason `json:"finish_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// NewID returns a fresh entry identifier.
func NewID() string { return uuid.NewString() }

// Instructions builds the instructions entry that opens a session.
func Instructions(text string, tools []ToolDefinition) Entry {
	e := Entry{Kind: KindInstructions, Tools: append([]ToolDefinition(nil), tools...)}
	if text != "" {
		e.Segments = []Segment{Text(text)}
	}
	return e
}

// Prompt builds a user prompt entry.
func Prompt(segments ...Segment) Entry {
	return Entry{Kind: KindPrompt, Segments: cloneSegments(segments)}
}

// Response builds a model response entry.
func Response(segments ...Segment) Entry {
	return Entry{Kind: KindResponse, Segments: cloneSegments(segments)}
}

// ToolCalls groups the calls of one round.
func ToolCalls(calls ...ToolCall) Entry {
	return Entry{Kind: KindToolCalls, ToolCalls: append([]ToolCall(nil), calls...)}
}

// ToolOutput records the result of call.
func ToolOutput(call ToolCall, segments []Segment, isError bool) Entry {
	return Entry{
		Kind:       KindToolOutput,
		Segments:   cloneSegments(segments),
		ToolCallID: call.ID,
		ToolName:   call.Name,
		IsError:    isError,
	}
}

// Text concatenates the entry's text segments.
func (e Entry) Text() string {
	var b strings.Builder
	for _, s := range e.Segments {
		if s.Kind == SegmentText {
			b.WriteString(s.Text)
		}
	}
	return b.String()
}

// Structured returns the last structured segment's content.
func (e Entry) Structured() (content.Value, bool) {
	for i := len(e.Segments) - 1; i >= 0; i-- {
		if e.Segments[i].Kind == SegmentStructured {
			return e.Segments[i].Content, true
		}
	}
	return content.Value{}, false
}

// Clone returns a deep copy of e.
func (e Entry) Clone() Entry {
	e.Segments = cloneSegments(e.Segments)
	e.Tools = append([]ToolDefinition(nil), e.Tools...)
	e.ToolCalls = append([]ToolCall(nil), e.ToolCalls...)
	if e.Usage != nil {
		u := *e.Usage
		e.Usage = &u
	}
	return e
}

// Validate checks the fields required by the entry kind.
func (e Entry) Validate() error {
	switch e.Kind {
	case KindInstructions, KindPrompt, KindResponse:
	case KindToolCalls:
		if len(e.ToolCalls) == 0 {
			return fmt.Errorf("transcript: tool_calls entry %q has no calls", e.ID)
		}
		for _, c := range e.ToolCalls {
			if c.ID == "" || c.Name == "" {
				return fmt.Errorf("transcript: tool call in entry %q needs id and name", e.ID)
			}
		}
	case KindToolOutput:
		if e.ToolCallID == "" {
			return fmt.Errorf("transcript: tool_output entry %q has no tool call id", e.ID)
		}
	default:
		return fmt.Errorf("transcript: unknown entry kind %q", e.Kind)
	}
	for i, s := range e.Segments {
		switch s.Kind {
		case SegmentText, SegmentStructured:
		case SegmentImage:
			if s.Image == nil || (len(s.Image.Data) == 0 && s.Image.URL == "") {
				return fmt.Errorf("transcript: image segment %d of entry %q has neither data nor url", i, e.ID)
			}
		default:
			return fmt.Errorf("transcript: unknown segment kind %q", s.Kind)
		}
	}
	return nil
}

func cloneSegments(in []Segment) []Segment {
	if len(in) == 0 {
		return nil
	}
	out := make([]Segment, len(in))
	for i, s := range in {
		out[i] = s.clone()
	}
	return out
}
