// Package provider defines the capability every model backend exposes to a
// session: a blocking completion, a streaming completion, or both.
package provider

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// ErrUnsupported is returned when a provider is asked for a capability it
// does not advertise.
var ErrUnsupported = errors.New("provider: capability not supported")

// Provider is a model backend. Implementations are safe for concurrent use
// by independent sessions.
type Provider interface {
	Name() string
	Capabilities() Capabilities
	// Complete runs a blocking generation.
	Complete(ctx context.Context, req Request) (response.Response, error)
	// Stream starts a streaming generation. Transport failures after the
	// call returns are delivered as the stream's Failure event.
	Stream(ctx context.Context, req Request) (stream.Stream, error)
}

// Capabilities advertises which generation shapes a provider supports.
type Capabilities struct {
	Streaming bool
	Blocking  bool
}

// Request is one generation request.
type Request struct {
	// Transcript is the conversation so far, including the Instructions
	// entry and the current Prompt.
	Transcript []transcript.Entry
	Tools      []transcript.ToolDefinition
	// Schema requests a structured response when set.
	Schema  *content.Schema
	Options Options
}

// Options are the generation knobs shared by every backend.
type Options struct {
	Model       string
	Temperature *float64
	MaxTokens   int
	Stop        []string
	Extensions  Extensions
}

// Extensions carries backend-specific values keyed by provider name. Only
// the named adapter interprets its value.
type Extensions map[string]any

// ExtensionAs returns the extension registered for provider as a T.
func ExtensionAs[T any](ext Extensions, provider string) (T, bool) {
	var zero T
	raw, ok := ext[provider]
	if !ok {
		return zero, false
	}
	v, ok := raw.(T)
	return v, ok
}

// Instructions joins the text of every Instructions entry.
func (r Request) Instructions() string {
	var parts []string
	for _, e := range r.Transcript {
		if e.Kind != transcript.KindInstructions {
			continue
		}
		if text := strings.TrimSpace(e.Text()); text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, "\n\n")
}

// ToolDefinitions returns r.Tools, falling back to the tools declared by the
// transcript's Instructions entries.
func (r Request) ToolDefinitions() []transcript.ToolDefinition {
	if len(r.Tools) > 0 {
		return r.Tools
	}
	var out []transcript.ToolDefinition
	for _, e := range r.Transcript {
		if e.Kind == transcript.KindInstructions {
			out = append(out, e.Tools...)
		}
	}
	return out
}

// Conversation returns the entries sent as chat turns, without
// Instructions.
func (r Request) Conversation() []transcript.Entry {
	out := make([]transcript.Entry, 0, len(r.Transcript))
	for _, e := range r.Transcript {
		if e.Kind != transcript.KindInstructions {
			out = append(out, e)
		}
	}
	return out
}

// SchemaName is the name under which a structured response is requested.
func SchemaName(s *content.Schema) string {
	if s == nil {
		return ""
	}
	name := strings.TrimSpace(s.Title())
	if name == "" {
		return "response"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// SegmentText renders segments as plain text. Structured segments are
// rendered as compact JSON; images are skipped.
func SegmentText(segments []transcript.Segment) string {
	var parts []string
	for _, s := range segments {
		switch s.Kind {
		case transcript.SegmentText:
			if s.Text != "" {
				parts = append(parts, s.Text)
			}
		case transcript.SegmentStructured:
			parts = append(parts, s.Content.String())
		}
	}
	return strings.Join(parts, "\n")
}

// ImageURL renders an image segment as a URL, inlining bytes as a data
// URL. It returns "" for an empty image.
func ImageURL(img *transcript.Image) string {
	if img == nil {
		return ""
	}
	if img.URL != "" {
		return img.URL
	}
	if len(img.Data) == 0 {
		return ""
	}
	mime := img.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(img.Data)
}

// ArgumentsJSON renders tool-call arguments, mapping null to an empty
// object.
func ArgumentsJSON(args content.Value) string {
	if args.IsNull() {
		return "{}"
	}
	return args.String()
}

// ParseFinishReason maps the stop reasons used by the supported wire
// formats onto the canonical set. Unknown reasons map to stop.
func ParseFinishReason(raw string) stream.FinishReason {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "length", "max_tokens", "model_length":
		return stream.FinishLength
	case "tool_calls", "tool_use", "function_call":
		return stream.FinishToolCalls
	case "content_filter", "refusal", "safety":
		return stream.FinishContentFilter
	default:
		return stream.FinishStop
	}
}

// Classify converts an error raised while talking to a backend into the
// failure taxonomy. Context errors become Cancelled; failures pass through;
// anything else is a TransportFailure for subject.
func Classify(ctx context.Context, subject string, status int, body string, err error) error {
	if err == nil {
		return nil
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	if ctx != nil && ctx.Err() != nil {
		return failure.Cancelled(ctx.Err())
	}
	if errors.Is(err, context.Canceled) {
		return failure.Cancelled(err)
	}
	return failure.Transport(subject, status, body, err)
}

// Unsupported reports a missing capability of p.
func Unsupported(p Provider, capability string) error {
	return fmt.Errorf("%w: %s does not support %s", ErrUnsupported, p.Name(), capability)
}

// Replay returns a stream that yields the events of a completed blocking
// response, so callers may consume every provider through one fold.
func Replay(resp response.Response) stream.Stream {
	return stream.FromEvents(response.Events(resp)...)
}
