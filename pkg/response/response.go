// Package response folds canonical events into a growing Response. Blocking
// responses are replayed through the same fold, so streaming and blocking
// calls end in identical values.
package response

import (
	"errors"
	"fmt"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// Response is the model output of one generation.
type Response struct {
	Segments  []transcript.Segment
	ToolCalls []transcript.ToolCall
	// Finish is empty until the terminal event has been folded.
	Finish stream.FinishReason
	Usage  stream.Usage
	// StructuredComplete reports that the structured segment holds a
	// complete, validated document.
	StructuredComplete bool
}

// Done reports whether a Finish has been folded.
func (r Response) Done() bool { return r.Finish != "" }

// Text concatenates the text segments.
func (r Response) Text() string {
	var out string
	for _, s := range r.Segments {
		if s.Kind == transcript.SegmentText {
			out += s.Text
		}
	}
	return out
}

// Structured returns the structured segment's content.
func (r Response) Structured() (content.Value, bool) {
	for _, s := range r.Segments {
		if s.Kind == transcript.SegmentStructured {
			return s.Content, true
		}
	}
	return content.Value{}, false
}

// Clone returns a deep copy.
func (r Response) Clone() Response {
	e := transcript.Entry{Segments: r.Segments, ToolCalls: r.ToolCalls}.Clone()
	r.Segments = e.Segments
	r.ToolCalls = e.ToolCalls
	return r
}

// Entry converts a finished response into the transcript entry that records
// it: ToolCalls when the model requested tools, Response otherwise.
func (r Response) Entry() transcript.Entry {
	var e transcript.Entry
	if len(r.ToolCalls) > 0 {
		e = transcript.ToolCalls(r.ToolCalls...)
		e.Segments = r.Clone().Segments
	} else {
		e = transcript.Response(r.Segments...)
	}
	e.FinishReason = r.Finish
	if !r.Usage.IsZero() {
		u := r.Usage
		e.Usage = &u
	}
	return e
}

// ErrFinished reports an event folded after the terminal event.
var ErrFinished = errors.New("response: event after finish")

// Accumulator folds events into a Response. The zero value is ready to use.
type Accumulator struct {
	// Source tags the structured segment.
	Source string

	resp      Response
	assembler stream.ToolCallAssembler
	// structured is the index of the structured segment, -1 when absent.
	structured int
	started    bool
}

// Apply folds one event. A Failure event returns its error.
func (a *Accumulator) Apply(ev stream.Event) error {
	if !a.started {
		a.structured = -1
		a.started = true
	}
	if a.resp.Done() {
		return ErrFinished
	}
	switch ev.Kind {
	case stream.KindTextDelta:
		if ev.Text == "" {
			return nil
		}
		if n := len(a.resp.Segments); n > 0 && a.resp.Segments[n-1].Kind == transcript.SegmentText {
			a.resp.Segments[n-1].Text += ev.Text
			return nil
		}
		a.resp.Segments = append(a.resp.Segments, transcript.Text(ev.Text))
	case stream.KindStructuredDelta:
		seg := transcript.Structured(ev.Content, a.Source)
		if a.structured >= 0 {
			a.resp.Segments[a.structured] = seg
		} else {
			a.structured = len(a.resp.Segments)
			a.resp.Segments = append(a.resp.Segments, seg)
		}
		a.resp.StructuredComplete = ev.Complete
	case stream.KindToolCallDelta:
		if err := a.assembler.Add(ev.ToolCall); err != nil {
			return err
		}
		calls, err := a.assembler.Calls()
		if err != nil {
			return err
		}
		a.resp.ToolCalls = toTranscript(calls)
	case stream.KindFinish:
		if a.assembler.Len() > 0 {
			calls, err := a.assembler.Finish()
			if err != nil {
				return err
			}
			a.resp.ToolCalls = toTranscript(calls)
		}
		a.resp.Usage = ev.Usage
		a.resp.Finish = ev.Reason
		if a.resp.Finish == "" {
			a.resp.Finish = stream.FinishStop
		}
	case stream.KindFailure:
		if ev.Err == nil {
			return errors.New("response: failure event without error")
		}
		return ev.Err
	default:
		return fmt.Errorf("response: unknown event kind %s", ev.Kind)
	}
	return nil
}

// Snapshot returns a copy of the response folded so far.
func (a *Accumulator) Snapshot() Response { return a.resp.Clone() }

// Reset discards the folded state, keeping Source.
func (a *Accumulator) Reset() {
	a.resp = Response{}
	a.assembler.Reset()
	a.structured = -1
	a.started = true
}

func toTranscript(calls []stream.AssembledCall) []transcript.ToolCall {
	out := make([]transcript.ToolCall, len(calls))
	for i, c := range calls {
		out[i] = transcript.ToolCall{ID: c.ID, Name: c.Name, Arguments: c.Arguments}
	}
	return out
}

// Fold drains s into a Response and closes it. onSnapshot, when non-nil,
// observes the response after every content event.
func Fold(s stream.Stream, source string, onSnapshot func(Response)) (Response, error) {
	defer s.Close()
	acc := Accumulator{Source: source}
	for {
		ev, err := s.Recv()
		if err != nil {
			return acc.Snapshot(), err
		}
		if err := acc.Apply(ev); err != nil {
			return acc.Snapshot(), err
		}
		if ev.Kind == stream.KindFinish {
			return acc.Snapshot(), nil
		}
		if onSnapshot != nil {
			onSnapshot(acc.Snapshot())
		}
	}
}

// Events expands a complete response into the event sequence a streaming
// backend would have produced for it. Image segments have no event form and
// are not replayed.
func Events(r Response) []stream.Event {
	events := make([]stream.Event, 0, len(r.Segments)+len(r.ToolCalls)+1)
	for _, s := range r.Segments {
		switch s.Kind {
		case transcript.SegmentText:
			events = append(events, stream.TextDelta(s.Text))
		case transcript.SegmentStructured:
			events = append(events, stream.StructuredDelta(s.Content, true))
		}
	}
	for _, c := range r.ToolCalls {
		args := c.Arguments
		if args.Kind() == content.KindNull {
			args = content.Object()
		}
		events = append(events, stream.ToolCallDelta(c.ID, c.Name, args.String()))
	}
	reason := r.Finish
	if reason == "" {
		reason = stream.FinishStop
		if len(r.ToolCalls) > 0 {
			reason = stream.FinishToolCalls
		}
	}
	return append(events, stream.Finish(reason, r.Usage))
}

// Normalize replays a blocking response through the streaming fold.
func Normalize(r Response, source string) (Response, error) {
	return Fold(stream.FromEvents(Events(r)...), source, nil)
}
