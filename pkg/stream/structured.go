package stream

import (
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/partial"
)

// Structured converts the text deltas of a structured generation into
// StructuredDelta events. Each text delta that still decodes yields one
// StructuredDelta with the latest partial value.
//
// A round that turns out to call tools keeps its text: once a tool-call
// delta or a tool-calls Finish arrives, the text received so far is emitted
// as one TextDelta and later text passes through unchanged. Text that does
// not decode is held back until the round's Finish decides between the two.
//
// On a Finish without tool calls the document must be complete and, when
// schema is non-nil, satisfy it; the final StructuredDelta then carries the
// validated value ahead of the Finish.
func Structured(src Stream, schema *content.Schema) Stream {
	s := &structured{src: src, schema: schema}
	return Pull(s.next, src.Close)
}

type structured struct {
	src    Stream
	schema *content.Schema
	dec    partial.Decoder

	// text is every text delta of the round not yet emitted as text.
	text strings.Builder
	// decodeErr is the first decode failure; it only matters at a Finish
	// without tool calls.
	decodeErr error
	// toolRound is set once the round is known to call tools.
	toolRound bool
	// upstream holds a complete value decoded by the provider itself.
	upstream *content.Value

	pending []Event
}

func (s *structured) next() (Event, error) {
	for {
		if len(s.pending) > 0 {
			ev := s.pending[0]
			s.pending = s.pending[1:]
			return ev, nil
		}
		ev, err := s.src.Recv()
		if err != nil {
			return Event{}, err
		}
		switch ev.Kind {
		case KindTextDelta:
			if s.toolRound {
				return ev, nil
			}
			s.text.WriteString(ev.Text)
			if s.decodeErr != nil {
				continue
			}
			res, err := s.dec.Feed([]byte(ev.Text))
			if err != nil {
				s.decodeErr = err
				continue
			}
			return StructuredDelta(res.Value, false), nil
		case KindStructuredDelta:
			// Already decoded upstream; a complete value still gets
			// validated at Finish.
			if ev.Complete {
				v := ev.Content
				s.upstream = &v
				return StructuredDelta(v, false), nil
			}
			return ev, nil
		case KindToolCallDelta:
			if !s.toolRound {
				s.toolRound = true
				return s.flushBefore(ev), nil
			}
			return ev, nil
		case KindFinish:
			if s.toolRound {
				return ev, nil
			}
			if ev.Reason == FinishToolCalls {
				s.toolRound = true
				return s.flushBefore(ev), nil
			}
			final, err := s.finalize()
			if err != nil {
				return Failure(err), nil
			}
			s.pending = append(s.pending, ev)
			return final, nil
		default:
			return ev, nil
		}
	}
}

// flushBefore emits the held text, if any, ahead of ev.
func (s *structured) flushBefore(ev Event) Event {
	if s.text.Len() == 0 {
		return ev
	}
	text := s.text.String()
	s.text.Reset()
	s.pending = append(s.pending, ev)
	return TextDelta(text)
}

func (s *structured) finalize() (Event, error) {
	if s.decodeErr != nil {
		return Event{}, s.decodeErr
	}
	var v content.Value
	if s.upstream != nil {
		v = *s.upstream
	} else {
		res, err := s.dec.Final()
		if err != nil {
			return Event{}, err
		}
		if !res.Complete {
			return Event{}, failure.Malformed(len(s.dec.Bytes()), errors.New("structured output ended before the JSON document was complete"))
		}
		v = res.Value
	}
	if s.schema != nil {
		validated, err := content.Validate(s.schema, v)
		if err != nil {
			var violation *content.Violation
			if errors.As(err, &violation) {
				return Event{}, failure.MalformedField(violation.Path, err)
			}
			return Event{}, failure.MalformedField("", fmt.Errorf("validate structured output: %w", err))
		}
		v = validated
	}
	return StructuredDelta(v, true), nil
}
