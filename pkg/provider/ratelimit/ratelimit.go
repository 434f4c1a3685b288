// Package ratelimit wraps a provider with an adaptive tokens-per-minute
// budget.
package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"golang.org/x/time/rate"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const defaultTPM = 60000

// Limiter applies an AIMD token bucket: it halves the budget when a backend
// answers 429 and recovers linearly after successful calls. One Limiter may
// guard any number of providers sharing a quota.
type Limiter struct {
	mu sync.Mutex

	limiter *rate.Limiter

	currentTPM   float64
	minTPM       float64
	maxTPM       float64
	recoveryRate float64

	logger telemetry.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger logs budget changes.
func WithLogger(l telemetry.Logger) Option {
	return func(lim *Limiter) { lim.logger = l }
}

// New builds a Limiter starting at initialTPM and never exceeding maxTPM.
// A zero initialTPM selects 60000; maxTPM below initialTPM is clamped to it.
func New(initialTPM, maxTPM float64, opts ...Option) *Limiter {
	if initialTPM <= 0 {
		initialTPM = defaultTPM
	}
	if maxTPM < initialTPM {
		maxTPM = initialTPM
	}
	minTPM := initialTPM * 0.1
	if minTPM < 1 {
		minTPM = 1
	}
	recovery := initialTPM * 0.05
	if recovery < 1 {
		recovery = 1
	}
	l := &Limiter{
		limiter:      rate.NewLimiter(rate.Limit(initialTPM/60.0), int(initialTPM)),
		currentTPM:   initialTPM,
		minTPM:       minTPM,
		maxTPM:       maxTPM,
		recoveryRate: recovery,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = telemetry.OrNoop(l.logger)
	return l
}

// TPM returns the current budget.
func (l *Limiter) TPM() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentTPM
}

// Wrap returns p guarded by the limiter.
func (l *Limiter) Wrap(p provider.Provider) provider.Provider {
	return &limited{next: p, limiter: l}
}

type limited struct {
	next    provider.Provider
	limiter *Limiter
}

func (c *limited) Name() string                        { return c.next.Name() }
func (c *limited) Capabilities() provider.Capabilities { return c.next.Capabilities() }

func (c *limited) Complete(ctx context.Context, req provider.Request) (response.Response, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return response.Response{}, err
	}
	resp, err := c.next.Complete(ctx, req)
	c.limiter.observe(ctx, err)
	return resp, err
}

func (c *limited) Stream(ctx context.Context, req provider.Request) (stream.Stream, error) {
	if err := c.limiter.wait(ctx, req); err != nil {
		return nil, err
	}
	s, err := c.next.Stream(ctx, req)
	if err != nil {
		c.limiter.observe(ctx, err)
		return nil, err
	}
	return &observed{Stream: s, ctx: ctx, limiter: c.limiter}, nil
}

// observed reports the stream's terminal event to the limiter, since HTTP
// adapters surface a 429 as the first Failure event rather than as an error.
type observed struct {
	stream.Stream
	ctx     context.Context
	limiter *Limiter
	once    sync.Once
}

func (o *observed) Recv() (stream.Event, error) {
	ev, err := o.Stream.Recv()
	if err == nil && ev.Terminal() {
		o.once.Do(func() { o.limiter.observe(o.ctx, ev.Err) })
	}
	return ev, err
}

func (l *Limiter) wait(ctx context.Context, req provider.Request) error {
	l.mu.Lock()
	n := estimateTokens(req)
	if burst := l.limiter.Burst(); n > burst {
		n = burst
	}
	l.mu.Unlock()
	if err := l.limiter.WaitN(ctx, n); err != nil {
		if ctx.Err() != nil {
			return failure.Cancelled(ctx.Err())
		}
		return err
	}
	return nil
}

func (l *Limiter) observe(ctx context.Context, err error) {
	switch {
	case err == nil:
		l.adjust(ctx, l.recoveryRate, "probe")
	case rateLimited(err):
		l.mu.Lock()
		step := -l.currentTPM * 0.5
		l.mu.Unlock()
		l.adjust(ctx, step, "backoff")
	}
}

func (l *Limiter) adjust(ctx context.Context, delta float64, reason string) {
	l.mu.Lock()
	next := l.currentTPM + delta
	if next < l.minTPM {
		next = l.minTPM
	}
	if next > l.maxTPM {
		next = l.maxTPM
	}
	if next == l.currentTPM {
		l.mu.Unlock()
		return
	}
	l.currentTPM = next
	l.limiter.SetLimit(rate.Limit(next / 60.0))
	l.limiter.SetBurst(int(next))
	l.mu.Unlock()
	l.logger.Debug(ctx, "rate budget adjusted", "reason", reason, "tpm", next)
}

func rateLimited(err error) bool {
	var fe *failure.Error
	return errors.As(err, &fe) && fe.Kind == failure.KindTransport && fe.Status == http.StatusTooManyRequests
}

// estimateTokens approximates the prompt size at one token per three
// characters plus a fixed overhead.
func estimateTokens(req provider.Request) int {
	chars := 0
	for _, e := range req.Transcript {
		for _, s := range e.Segments {
			switch s.Kind {
			case transcript.SegmentText:
				chars += len(s.Text)
			case transcript.SegmentStructured:
				chars += len(s.Content.String())
			}
		}
		for _, c := range e.ToolCalls {
			chars += len(c.Arguments.String())
		}
	}
	if chars == 0 {
		return 500
	}
	tokens := chars / 3
	if tokens < 1 {
		tokens = 1
	}
	return tokens + 500
}
