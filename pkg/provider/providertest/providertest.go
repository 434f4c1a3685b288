// Package providertest provides a scripted provider for tests and demos.
package providertest

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// ErrExhausted is reported when a request arrives after the last scripted
// turn was consumed.
var ErrExhausted = errors.New("providertest: script exhausted")

// Turn scripts the reply to one request.
type Turn struct {
	// Events are streamed as-is, or folded into a Response for blocking
	// calls.
	Events []stream.Event
	// Err is returned by the Complete or Stream call itself.
	Err error
	// Gate, when set, holds the reply until it is closed or the request
	// context ends.
	Gate <-chan struct{}
	// Started, when set, is closed as soon as the request is received.
	Started chan<- struct{}
}

// Text scripts a plain text reply split into the given deltas.
func Text(deltas ...string) Turn {
	var events []stream.Event
	for _, d := range deltas {
		events = append(events, stream.TextDelta(d))
	}
	events = append(events, stream.Finish(stream.FinishStop, stream.Usage{InputTokens: 1, OutputTokens: len(deltas), TotalTokens: 1 + len(deltas)}))
	return Turn{Events: events}
}

// ToolCalls scripts a reply requesting calls, each streamed as a single
// fragment.
func ToolCalls(calls ...transcript.ToolCall) Turn {
	var events []stream.Event
	for _, c := range calls {
		events = append(events, stream.ToolCallDelta(c.ID, c.Name, provider.ArgumentsJSON(c.Arguments)))
	}
	events = append(events, stream.Finish(stream.FinishToolCalls, stream.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2}))
	return Turn{Events: events}
}

// Fail scripts a Failure event.
func Fail(err error) Turn {
	return Turn{Events: []stream.Event{stream.Failure(err)}}
}

// Provider replays scripted turns in order and records every request.
type Provider struct {
	name string
	caps provider.Capabilities

	mu       sync.Mutex
	turns    []Turn
	requests []provider.Request
	modes    []string
}

var _ provider.Provider = (*Provider)(nil)

// New builds a provider supporting both generation shapes.
func New(turns ...Turn) *Provider {
	return &Provider{
		name:  "scripted",
		caps:  provider.Capabilities{Streaming: true, Blocking: true},
		turns: append([]Turn(nil), turns...),
	}
}

// WithCapabilities overrides the advertised capabilities.
func (p *Provider) WithCapabilities(c provider.Capabilities) *Provider {
	p.caps = c
	return p
}

// Push appends turns to the script.
func (p *Provider) Push(turns ...Turn) {
	p.mu.Lock()
	p.turns = append(p.turns, turns...)
	p.mu.Unlock()
}

func (p *Provider) Name() string                        { return p.name }
func (p *Provider) Capabilities() provider.Capabilities { return p.caps }

// Requests returns the requests received so far.
func (p *Provider) Requests() []provider.Request {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]provider.Request(nil), p.requests...)
}

// Modes returns "complete" or "stream" for each request received.
func (p *Provider) Modes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.modes...)
}

// Remaining reports how many scripted turns are left.
func (p *Provider) Remaining() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.turns)
}

func (p *Provider) take(req provider.Request, mode string) (Turn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, req)
	p.modes = append(p.modes, mode)
	if len(p.turns) == 0 {
		return Turn{}, failure.Transport(p.name, 0, "", ErrExhausted)
	}
	t := p.turns[0]
	p.turns = p.turns[1:]
	if t.Started != nil {
		close(t.Started)
	}
	return t, nil
}

func wait(ctx context.Context, gate <-chan struct{}) error {
	if gate == nil {
		return nil
	}
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return failure.Cancelled(ctx.Err())
	}
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (response.Response, error) {
	if !p.caps.Blocking {
		return response.Response{}, provider.Unsupported(p, "blocking generation")
	}
	t, err := p.take(req, "complete")
	if err != nil {
		return response.Response{}, err
	}
	if err := wait(ctx, t.Gate); err != nil {
		return response.Response{}, err
	}
	if t.Err != nil {
		return response.Response{}, t.Err
	}
	return response.Fold(stream.FromEvents(t.Events...), "", nil)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (stream.Stream, error) {
	if !p.caps.Streaming {
		return nil, provider.Unsupported(p, "streaming generation")
	}
	t, err := p.take(req, "stream")
	if err != nil {
		return nil, err
	}
	if t.Err != nil {
		return nil, t.Err
	}
	events := append([]stream.Event(nil), t.Events...)
	gated := t.Gate != nil
	next := func() (stream.Event, error) {
		if gated {
			gated = false
			if err := wait(ctx, t.Gate); err != nil {
				return stream.Event{}, err
			}
		}
		if err := ctx.Err(); err != nil {
			return stream.Event{}, err
		}
		if len(events) == 0 {
			return stream.Event{}, io.EOF
		}
		ev := events[0]
		events = events[1:]
		return ev, nil
	}
	return stream.Pull(next, nil, stream.WithContext(ctx), stream.WithSubject(p.name)), nil
}
