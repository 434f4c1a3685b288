// Package failure defines the error taxonomy shared by every layer of a
// session turn. Errors carry a machine-readable Kind plus the identifier
// (tool, field, status, count) that caused them.
package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Kind classifies a turn failure.
type Kind string

const (
	KindTransport            Kind = "transport_failure"
	KindMalformedContent     Kind = "malformed_content"
	KindUnknownTool          Kind = "unknown_tool"
	KindInvalidToolArguments Kind = "invalid_tool_arguments"
	KindToolLoopExceeded     Kind = "tool_loop_exceeded"
	KindToolExecution        Kind = "tool_execution_error"
	KindSessionBusy          Kind = "session_busy"
	KindCancelled            Kind = "cancelled"
)

// Sentinels usable with errors.Is; matching is by kind only.
var (
	ErrTransport            = &Error{Kind: KindTransport}
	ErrMalformedContent     = &Error{Kind: KindMalformedContent}
	ErrUnknownTool          = &Error{Kind: KindUnknownTool}
	ErrInvalidToolArguments = &Error{Kind: KindInvalidToolArguments}
	ErrToolLoopExceeded     = &Error{Kind: KindToolLoopExceeded}
	ErrToolExecution        = &Error{Kind: KindToolExecution}
	ErrSessionBusy          = &Error{Kind: KindSessionBusy}
	ErrCancelled            = &Error{Kind: KindCancelled}
)

// Error is the structured failure returned across the session API.
type Error struct {
	Kind Kind
	// Subject names the offending tool or provider.
	Subject string
	// Field is the JSON pointer of the offending argument field.
	Field string
	// Count is the round limit for KindToolLoopExceeded.
	Count int
	// Status and Body describe a non-2xx transport response.
	Status int
	Body   string
	// Offset is the byte offset of malformed content, -1 when unknown.
	Offset int
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch e.Kind {
	case KindTransport:
		if e.Subject != "" {
			fmt.Fprintf(&b, " (%s)", e.Subject)
		}
		if e.Status != 0 {
			fmt.Fprintf(&b, ": status %d", e.Status)
		}
		if body := strings.TrimSpace(e.Body); body != "" {
			fmt.Fprintf(&b, ": %s", truncate(body, 512))
		}
	case KindMalformedContent:
		if e.Offset >= 0 {
			fmt.Fprintf(&b, " at offset %d", e.Offset)
		}
		if e.Field != "" {
			fmt.Fprintf(&b, " field %q", e.Field)
		}
	case KindUnknownTool, KindToolExecution:
		fmt.Fprintf(&b, ": %q", e.Subject)
	case KindInvalidToolArguments:
		fmt.Fprintf(&b, ": tool %q field %q", e.Subject, e.Field)
	case KindToolLoopExceeded:
		fmt.Fprintf(&b, ": more than %d tool rounds", e.Count)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a failure of the same kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) || other == nil {
		return false
	}
	return other.Kind == e.Kind
}

// KindOf returns the kind of the first failure in err's chain. Context
// cancellation is reported as KindCancelled.
func KindOf(err error) (Kind, bool) {
	if err == nil {
		return "", false
	}
	var fe *Error
	if errors.As(err, &fe) && fe != nil {
		return fe.Kind, true
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled, true
	}
	return "", false
}

// Transport builds a TransportFailure for a provider.
func Transport(subject string, status int, body string, cause error) *Error {
	return &Error{Kind: KindTransport, Subject: subject, Status: status, Body: body, Offset: -1, Err: cause}
}

// Malformed builds a MalformedContent failure at the given byte offset.
func Malformed(offset int, cause error) *Error {
	return &Error{Kind: KindMalformedContent, Offset: offset, Err: cause}
}

// MalformedField builds a MalformedContent failure for decoded content that
// does not satisfy its schema.
func MalformedField(field string, cause error) *Error {
	return &Error{Kind: KindMalformedContent, Field: field, Offset: -1, Err: cause}
}

// UnknownTool reports a tool call naming an unregistered tool.
func UnknownTool(name string) *Error {
	return &Error{Kind: KindUnknownTool, Subject: name, Offset: -1}
}

// InvalidArguments reports arguments that do not satisfy a tool's schema.
func InvalidArguments(tool, field string, cause error) *Error {
	return &Error{Kind: KindInvalidToolArguments, Subject: tool, Field: field, Offset: -1, Err: cause}
}

// LoopExceeded reports a tool loop that ran past max rounds.
func LoopExceeded(max int) *Error {
	return &Error{Kind: KindToolLoopExceeded, Count: max, Offset: -1}
}

// ToolExecution wraps an error raised by a tool executor.
func ToolExecution(tool string, cause error) *Error {
	return &Error{Kind: KindToolExecution, Subject: tool, Offset: -1, Err: cause}
}

// Busy reports a turn rejected because another one is in flight.
func Busy(sessionID string) *Error {
	return &Error{Kind: KindSessionBusy, Subject: sessionID, Offset: -1}
}

// Cancelled reports a turn aborted by the caller.
func Cancelled(cause error) *Error {
	return &Error{Kind: KindCancelled, Offset: -1, Err: cause}
}

// Terminal reports whether err should end a turn. Tool execution errors are
// the only recoverable kind.
func Terminal(err error) bool {
	if err == nil {
		return false
	}
	kind, ok := KindOf(err)
	return !ok || kind != KindToolExecution
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
