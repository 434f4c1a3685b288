package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/telemetry"
)

var (
	// ErrClosed is returned by Recv after Close.
	ErrClosed = errors.New("stream: closed")
	// ErrUnterminated marks a source that ended without Finish or Failure.
	ErrUnterminated = errors.New("stream: ended without a terminal event")
)

// Stream is a finite, lazily advancing sequence of events. Recv returns
// events in emission order; after the single terminal event it returns
// io.EOF. Close releases the transport and may be called from another
// goroutine to abort a blocked Recv.
type Stream interface {
	Recv() (Event, error)
	Close() error
}

// NextFunc produces the next event of a source. io.EOF ends the source.
type NextFunc func() (Event, error)

// Option tunes Pull and FromResponse.
type Option func(*options)

type options struct {
	allowUnterminated bool
	subject           string
	logger            telemetry.Logger
	ctx               context.Context
}

func newOptions(opts []Option) options {
	o := options{ctx: context.Background()}
	for _, opt := range opts {
		opt(&o)
	}
	o.logger = telemetry.OrNoop(o.logger)
	return o
}

// AllowUnterminated treats a clean end of the source as Finish(stop). Use it
// for transports whose end of body is itself the completion signal.
func AllowUnterminated() Option {
	return func(o *options) { o.allowUnterminated = true }
}

// WithSubject names the producing provider in transport failures.
func WithSubject(name string) Option {
	return func(o *options) { o.subject = name }
}

// WithLogger sets the logger used for skipped frames.
func WithLogger(l telemetry.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithContext ties failure classification to ctx: once ctx is done, source
// errors are reported as Cancelled.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.ctx = ctx
		}
	}
}

type pulled struct {
	next  NextFunc
	close func() error
	opts  options

	named     map[string]bool
	done      bool
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// Pull builds a Stream from a pulling source and enforces the stream
// invariants: exactly one terminal event, a tool-call name at most once per
// id, and a Failure when the source ends without a terminal event (unless
// AllowUnterminated). close may be nil.
func Pull(next NextFunc, close func() error, opts ...Option) Stream {
	return &pulled{next: next, close: close, opts: newOptions(opts), named: map[string]bool{}}
}

func (s *pulled) Recv() (Event, error) {
	if s.closed.Load() && !s.done {
		return Event{}, ErrClosed
	}
	if s.done {
		return Event{}, io.EOF
	}
	ev, err := s.next()
	switch {
	case errors.Is(err, io.EOF):
		if s.opts.allowUnterminated {
			return s.terminate(Finish(FinishStop, Usage{})), nil
		}
		return s.terminate(Failure(failure.Transport(s.opts.subject, 0, "", ErrUnterminated))), nil
	case err != nil:
		return s.terminate(Failure(s.classify(err))), nil
	}
	if ev.Kind == KindToolCallDelta && ev.ToolCall.Name != "" && ev.ToolCall.ID != "" {
		if s.named[ev.ToolCall.ID] {
			cause := fmt.Errorf("tool call %q named more than once", ev.ToolCall.ID)
			return s.terminate(Failure(failure.Malformed(-1, cause))), nil
		}
		s.named[ev.ToolCall.ID] = true
	}
	if ev.Kind == KindFailure && ev.Err == nil {
		ev.Err = failure.Transport(s.opts.subject, 0, "", errors.New("unspecified failure"))
	}
	if ev.Terminal() {
		return s.terminate(ev), nil
	}
	return ev, nil
}

func (s *pulled) terminate(ev Event) Event {
	s.done = true
	_ = s.release()
	return ev
}

func (s *pulled) classify(err error) error {
	if ctxErr := s.opts.ctx.Err(); ctxErr != nil || errors.Is(err, context.Canceled) {
		if ctxErr == nil {
			ctxErr = err
		}
		return failure.Cancelled(ctxErr)
	}
	var fe *failure.Error
	if errors.As(err, &fe) {
		return err
	}
	return failure.Transport(s.opts.subject, 0, "", err)
}

func (s *pulled) release() error {
	s.closeOnce.Do(func() {
		if s.close != nil {
			s.closeErr = s.close()
		}
	})
	return s.closeErr
}

func (s *pulled) Close() error {
	s.closed.Store(true)
	return s.release()
}

// FromEvents replays a fixed event sequence. Without a terminal event the
// stream ends in Failure.
func FromEvents(events ...Event) Stream {
	i := 0
	return Pull(func() (Event, error) {
		if i >= len(events) {
			return Event{}, io.EOF
		}
		ev := events[i]
		i++
		return ev, nil
	}, nil)
}

// Collect drains s and closes it.
func Collect(s Stream) ([]Event, error) {
	defer s.Close()
	var out []Event
	for {
		ev, err := s.Recv()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		out = append(out, ev)
	}
}
