// Package session drives conversation turns against a provider: it records
// the prompt, dispatches the transcript, folds the reply and runs the
// bounded tool-calling loop until the model answers without tools.
//
// A turn moves through Dispatching, Streaming or Awaiting, ExecutingTools
// and back to Dispatching until it is Completed or Failed. Entries produced
// during a turn are staged and committed to the transcript when the turn
// ends. A completed turn commits everything. A failed turn commits what it
// produced up to the failing step. A cancelled turn commits nothing.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/cexll/sessionkit/pkg/event"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// ErrEmptyPrompt is returned for a turn without prompt segments.
var ErrEmptyPrompt = errors.New("session: prompt is empty")

// Prompt is the content of one user turn.
type Prompt []transcript.Segment

// Text builds a single-segment text prompt.
func Text(s string) Prompt { return Prompt{transcript.Text(s)} }

// Session owns one transcript, one tool registry and one provider. It runs
// at most one turn at a time.
type Session struct {
	id       string
	provider provider.Provider
	registry *tool.Registry
	cfg      config
	log      *transcript.Transcript
	logger   telemetry.Logger

	busy  atomic.Bool
	turns atomic.Int64
}

// New builds a session over p.
func New(p provider.Provider, opts ...Option) (*Session, error) {
	if p == nil {
		return nil, errors.New("session: provider is nil")
	}
	caps := p.Capabilities()
	if !caps.Streaming && !caps.Blocking {
		return nil, provider.Unsupported(p, "generation")
	}
	cfg := defaultConfig()
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	if cfg.maxRounds < 1 {
		cfg.maxRounds = DefaultMaxRounds
	}
	if cfg.concurrency < 0 {
		cfg.concurrency = 0
	}
	if cfg.id == "" {
		cfg.id = uuid.NewString()
	}
	logger := telemetry.OrNoop(cfg.logger)

	reg := cfg.registry
	if reg == nil {
		reg = tool.NewRegistry(tool.WithLogger(logger))
	}
	for _, r := range cfg.tools {
		if err := reg.Register(r.def, r.exec); err != nil {
			return nil, fmt.Errorf("session: %w", err)
		}
	}
	log, err := transcript.New(cfg.seed...)
	if err != nil {
		return nil, fmt.Errorf("session: seed transcript: %w", err)
	}
	return &Session{
		id:       cfg.id,
		provider: p,
		registry: reg,
		cfg:      cfg,
		log:      log,
		logger:   logger,
	}, nil
}

// Resume continues the transcript persisted in store under id. The session
// keeps appending to the same store.
func Resume(ctx context.Context, p provider.Provider, store transcript.Store, id string, opts ...Option) (*Session, error) {
	if store == nil {
		return nil, errors.New("session: store is nil")
	}
	entries, err := store.Load(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", id, err)
	}
	opts = append(opts, WithID(id), WithStore(store), WithTranscript(entries...))
	return New(p, opts...)
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Provider returns the session's provider.
func (s *Session) Provider() provider.Provider { return s.provider }

// Tools returns the registered tool definitions in declaration order.
func (s *Session) Tools() []transcript.ToolDefinition { return s.registry.Definitions() }

// Transcript returns the committed entries. Entries of a turn in progress
// are not visible until the turn ends.
func (s *Session) Transcript() []transcript.Entry { return s.log.Entries() }

// Busy reports whether a turn is in progress.
func (s *Session) Busy() bool { return s.busy.Load() }

// Respond runs one turn and returns the final Response entry.
func (s *Session) Respond(ctx context.Context, prompt Prompt, opts GenerateOptions) (transcript.Entry, error) {
	if len(prompt) == 0 {
		return transcript.Entry{}, ErrEmptyPrompt
	}
	if err := s.acquire(); err != nil {
		return transcript.Entry{}, err
	}
	defer s.release()
	return s.run(ctx, prompt, opts, nil)
}

func (s *Session) acquire() error {
	if !s.busy.CompareAndSwap(false, true) {
		return failure.Busy(s.id)
	}
	return nil
}

func (s *Session) release() { s.busy.Store(false) }

// turn holds the state of one in-flight turn.
type turn struct {
	s       *Session
	number  int
	opts    GenerateOptions
	options provider.Options
	observe func(Snapshot)

	committed []transcript.Entry
	staged    []transcript.Entry
	rounds    int
	usage     stream.Usage
}

func (s *Session) run(ctx context.Context, prompt Prompt, opts GenerateOptions, observe func(Snapshot)) (entry transcript.Entry, err error) {
	t := &turn{
		s:         s,
		number:    int(s.turns.Add(1)),
		opts:      opts,
		options:   mergeOptions(s.cfg.options, opts.Options),
		observe:   observe,
		committed: s.log.Entries(),
	}
	ctx, span := telemetry.StartSpan(ctx, "session.turn", trace.WithAttributes(
		attribute.String("session.id", s.id),
		attribute.Int("session.turn", t.number),
	))
	start := time.Now()
	defer func() {
		telemetry.EndSpan(span, err)
		telemetry.RecordTurn(ctx, telemetry.TurnData{
			SessionID: s.id,
			Provider:  s.provider.Name(),
			Model:     t.options.Model,
			Rounds:    t.rounds,
			Duration:  time.Since(start),
			Error:     err,
		})
	}()

	if ctxErr := ctx.Err(); ctxErr != nil {
		return transcript.Entry{}, failure.Cancelled(ctxErr)
	}

	p := transcript.Prompt(prompt...)
	s.publish(ctx, event.TypeTurnStarted, event.TurnData{Turn: t.number, Prompt: telemetry.MaskText(p.Text())})
	s.logger.Debug(ctx, "turn started", "session", s.id, "turn", t.number)

	if !s.log.HasKind(transcript.KindInstructions) {
		t.stage(transcript.Instructions(s.cfg.instructions, s.registry.Definitions()))
	}
	t.stage(p)

	final, err := t.loop(ctx)
	if err != nil {
		return transcript.Entry{}, t.fail(ctx, err)
	}
	stored, err := s.commit(ctx, t.staged)
	if err != nil {
		return transcript.Entry{}, err
	}
	if n := len(stored); n > 0 {
		final = stored[n-1]
	}
	s.logger.Info(ctx, "turn completed",
		"session", s.id,
		"turn", t.number,
		"rounds", t.rounds,
		"finish", final.FinishReason,
		"output_tokens", t.usage.OutputTokens,
	)
	s.publish(ctx, event.TypeCompletion, event.CompletionData{
		Turn:         t.number,
		Rounds:       t.rounds,
		Output:       final.Text(),
		FinishReason: final.FinishReason,
		Usage:        t.usage,
	})
	return final, nil
}

// fail settles a failed turn: cancellation discards the staged entries,
// any other failure commits them.
func (t *turn) fail(ctx context.Context, err error) error {
	s := t.s
	if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, failure.ErrCancelled) {
		err = failure.Cancelled(ctxErr)
	}
	if !errors.Is(err, failure.ErrCancelled) {
		if _, commitErr := s.commit(context.WithoutCancel(ctx), t.staged); commitErr != nil {
			err = errors.Join(err, commitErr)
		}
	}
	kind, _ := failure.KindOf(err)
	data := event.ErrorData{Turn: t.number, Message: err.Error(), Kind: string(kind)}
	var fe *failure.Error
	if errors.As(err, &fe) {
		data.Subject = fe.Subject
	}
	s.logger.Warn(ctx, "turn failed", "session", s.id, "turn", t.number, "kind", kind, "error", err)
	s.publish(context.WithoutCancel(ctx), event.TypeError, data)
	return err
}

func (t *turn) stage(e transcript.Entry) transcript.Entry {
	if e.ID == "" {
		e.ID = transcript.NewID()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	t.staged = append(t.staged, e)
	return e
}

func (t *turn) request() provider.Request {
	entries := make([]transcript.Entry, 0, len(t.committed)+len(t.staged))
	entries = append(entries, t.committed...)
	for _, e := range t.staged {
		entries = append(entries, e.Clone())
	}
	return provider.Request{
		Transcript: entries,
		Tools:      t.s.registry.Definitions(),
		Schema:     t.opts.Schema,
		Options:    t.options,
	}
}

func (t *turn) loop(ctx context.Context) (transcript.Entry, error) {
	for {
		resp, err := t.dispatch(ctx)
		if err != nil {
			return transcript.Entry{}, err
		}
		t.usage = t.usage.Add(resp.Usage)
		if len(resp.ToolCalls) == 0 {
			return t.stage(resp.Entry()), nil
		}
		if t.rounds >= t.s.cfg.maxRounds {
			return transcript.Entry{}, failure.LoopExceeded(t.s.cfg.maxRounds)
		}
		t.rounds++
		for i := range resp.ToolCalls {
			if resp.ToolCalls[i].ID == "" {
				resp.ToolCalls[i].ID = "call_" + uuid.NewString()
			}
		}
		t.stage(resp.Entry())
		outputs, err := t.execute(ctx, resp.ToolCalls)
		if err != nil {
			return transcript.Entry{}, err
		}
		for _, out := range outputs {
			t.stage(out)
		}
	}
}

// streams reports whether the next dispatch streams: preferred when both the
// provider and the caller allow it, forced when the provider only streams.
func (s *Session) streams(opts GenerateOptions) bool {
	caps := s.provider.Capabilities()
	if !caps.Blocking {
		return true
	}
	return caps.Streaming && s.cfg.streaming && !opts.DisableStreaming
}

func (t *turn) dispatch(ctx context.Context) (response.Response, error) {
	p := t.s.provider
	req := t.request()
	streaming := t.s.streams(t.opts)
	ctx, span := telemetry.StartSpan(ctx, "session.dispatch",
		telemetry.ProviderAttributes(p.Name(), req.Options.Model, streaming),
		trace.WithAttributes(attribute.Int("session.round", t.rounds)),
	)

	var (
		resp response.Response
		err  error
	)
	if streaming {
		resp, err = t.streamed(ctx, req)
	} else {
		resp, err = t.blocking(ctx, req)
	}
	if err != nil && ctx.Err() != nil && !errors.Is(err, failure.ErrCancelled) {
		err = failure.Cancelled(ctx.Err())
	}
	telemetry.EndSpan(span, err)
	if err != nil {
		return response.Response{}, err
	}
	t.snapshot(resp)
	return resp, nil
}

func (t *turn) streamed(ctx context.Context, req provider.Request) (response.Response, error) {
	p := t.s.provider
	s, err := p.Stream(ctx, req)
	if err != nil {
		return response.Response{}, err
	}
	if req.Schema != nil {
		s = stream.Structured(s, req.Schema)
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer stop()
	return response.Fold(s, p.Name(), t.snapshot)
}

// blocking replays the complete response through the same fold a stream
// takes, so both shapes produce identical values.
func (t *turn) blocking(ctx context.Context, req provider.Request) (response.Response, error) {
	p := t.s.provider
	resp, err := p.Complete(ctx, req)
	if err != nil {
		return response.Response{}, err
	}
	s := provider.Replay(resp)
	if req.Schema != nil {
		s = stream.Structured(s, req.Schema)
	}
	return response.Fold(s, p.Name(), nil)
}

func (t *turn) snapshot(r response.Response) {
	if t.observe == nil {
		return
	}
	t.observe(Snapshot{Turn: t.number, Round: t.rounds, Response: r})
}

// execute resolves and validates every call of the round before running
// any, then runs them concurrently and returns their outputs in call order.
func (t *turn) execute(ctx context.Context, calls []transcript.ToolCall) ([]transcript.Entry, error) {
	s := t.s
	for _, c := range calls {
		if _, err := s.registry.Validate(c.Name, c.Arguments); err != nil {
			return nil, err
		}
	}

	outputs := make([]transcript.Entry, len(calls))
	var g errgroup.Group
	if s.cfg.concurrency > 0 {
		g.SetLimit(s.cfg.concurrency)
	}
	for i, call := range calls {
		s.publish(ctx, event.TypeToolCall, event.ToolCallData{Round: t.rounds, ID: call.ID, Name: call.Name, Arguments: call.Arguments})
		g.Go(func() error {
			start := time.Now()
			out, err := s.registry.Execute(ctx, call)
			elapsed := time.Since(start)
			telemetry.RecordToolCall(ctx, telemetry.ToolData{SessionID: s.id, Name: call.Name, Duration: elapsed, Error: err})
			if err != nil && !errors.Is(err, failure.ErrToolExecution) {
				return err
			}
			outputs[i] = out
			s.publish(ctx, event.TypeToolResult, event.ToolResultData{
				Round:    t.rounds,
				ID:       call.ID,
				Name:     call.Name,
				Output:   out.Text(),
				IsError:  out.IsError,
				Duration: elapsed,
			})
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, failure.Cancelled(err)
	}
	return outputs, nil
}

func (s *Session) commit(ctx context.Context, entries []transcript.Entry) ([]transcript.Entry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	stored, err := s.log.Append(entries...)
	if err != nil {
		return nil, fmt.Errorf("session: commit: %w", err)
	}
	if s.cfg.store != nil {
		if err := s.cfg.store.Append(ctx, s.id, stored...); err != nil {
			return stored, fmt.Errorf("session: persist transcript: %w", err)
		}
	}
	return stored, nil
}

func (s *Session) publish(ctx context.Context, typ event.Type, data any) {
	if s.cfg.bus == nil {
		return
	}
	if err := s.cfg.bus.Publish(ctx, event.New(typ, s.id, data)); err != nil {
		s.logger.Debug(ctx, "event not published", "type", typ, "error", err)
	}
}
