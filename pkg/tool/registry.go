// Package tool registers the tools a session may call, validates model
// supplied arguments and turns executions into transcript entries.
package tool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// Executor runs one tool invocation.
type Executor interface {
	Execute(ctx context.Context, args content.Value) ([]transcript.Segment, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, args content.Value) ([]transcript.Segment, error)

// Execute calls f.
func (f Func) Execute(ctx context.Context, args content.Value) ([]transcript.Segment, error) {
	return f(ctx, args)
}

// Option configures a Registry.
type Option func(*Registry)

// WithStrictArguments rejects argument fields the schema does not declare
// and additionally runs the compiled JSON Schema validator.
func WithStrictArguments() Option {
	return func(r *Registry) { r.strict = true }
}

// WithLogger sets the logger used for tool failures.
func WithLogger(l telemetry.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Registry holds the tools of one session. Definitions are immutable once
// registered.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	tools  map[string]*entry
	strict bool
	logger telemetry.Logger
}

type entry struct {
	def      transcript.ToolDefinition
	exec     Executor
	compiled *content.Compiled
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{tools: map[string]*entry{}}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = telemetry.OrNoop(r.logger)
	return r
}

// Register adds a tool. Names must be unique within the registry.
func (r *Registry) Register(def transcript.ToolDefinition, exec Executor) error {
	if exec == nil {
		return errors.New("tool executor is nil")
	}
	if def.Name == "" {
		return errors.New("tool name is empty")
	}
	e := &entry{def: def, exec: exec}
	if r.strict && def.Parameters != nil {
		compiled, err := content.Compile(def.Parameters, true)
		if err != nil {
			return fmt.Errorf("tool %s: %w", def.Name, err)
		}
		e.compiled = compiled
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[def.Name]; exists {
		return fmt.Errorf("tool %s already registered", def.Name)
	}
	r.tools[def.Name] = e
	r.order = append(r.order, def.Name)
	return nil
}

// Clone returns a registry with the same options and tools. Executors are
// shared; tools registered on the clone do not appear in r.
func (r *Registry) Clone() *Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := &Registry{
		order:  append([]string(nil), r.order...),
		tools:  make(map[string]*entry, len(r.tools)),
		strict: r.strict,
		logger: r.logger,
	}
	for name, e := range r.tools {
		cp := *e
		c.tools[name] = &cp
	}
	return c
}

// MustRegister is Register for static tool sets.
func (r *Registry) MustRegister(def transcript.ToolDefinition, exec Executor) {
	if err := r.Register(def, exec); err != nil {
		panic(err)
	}
}

func (r *Registry) lookup(name string) (*entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tools[name]
	if !ok {
		return nil, failure.UnknownTool(name)
	}
	return e, nil
}

// Resolve returns the executor registered under name.
func (r *Registry) Resolve(name string) (Executor, error) {
	e, err := r.lookup(name)
	if err != nil {
		return nil, err
	}
	return e.exec, nil
}

// Definitions lists the registered tools in registration order.
func (r *Registry) Definitions() []transcript.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]transcript.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		defs = append(defs, r.tools[name].def)
	}
	return defs
}

// Len returns the number of registered tools.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// Validate checks args against the tool's parameter schema and returns them
// tagged with it. Violations name the offending field.
func (r *Registry) Validate(name string, args content.Value) (content.Value, error) {
	e, err := r.lookup(name)
	if err != nil {
		return content.Value{}, err
	}
	return r.validate(e, args)
}

func (r *Registry) validate(e *entry, args content.Value) (content.Value, error) {
	schema := e.def.Parameters
	if schema == nil {
		return args, nil
	}
	var opts []content.ValidateOption
	if r.strict {
		opts = append(opts, content.RejectUnknownFields())
	}
	validated, err := content.Validate(schema, args, opts...)
	if err != nil {
		return content.Value{}, invalid(e.def.Name, err)
	}
	if e.compiled != nil {
		if err := e.compiled.Validate(args); err != nil {
			return content.Value{}, invalid(e.def.Name, err)
		}
	}
	return validated, nil
}

func invalid(tool string, err error) error {
	var violation *content.Violation
	if errors.As(err, &violation) {
		return failure.InvalidArguments(tool, violation.Path, err)
	}
	return failure.InvalidArguments(tool, "", err)
}

// Execute resolves, validates and runs call, returning its ToolOutput
// entry. Unknown tools and invalid arguments return no entry. An executor
// error yields an error ToolOutput together with a ToolExecution failure,
// which callers absorb. Cancellation while the executor runs returns
// Cancelled and no entry.
func (r *Registry) Execute(ctx context.Context, call transcript.ToolCall) (transcript.Entry, error) {
	e, err := r.lookup(call.Name)
	if err != nil {
		return transcript.Entry{}, err
	}
	args, err := r.validate(e, call.Arguments)
	if err != nil {
		return transcript.Entry{}, err
	}

	start := time.Now()
	segments, execErr := e.exec.Execute(ctx, args)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return transcript.Entry{}, failure.Cancelled(ctxErr)
	}
	if execErr != nil {
		wrapped := failure.ToolExecution(call.Name, execErr)
		r.logger.Warn(ctx, "tool execution failed",
			"tool", call.Name,
			"call_id", call.ID,
			"duration", time.Since(start),
			"error", execErr,
		)
		return transcript.ToolOutput(call, []transcript.Segment{transcript.Text(wrapped.Error())}, true), wrapped
	}
	r.logger.Debug(ctx, "tool executed", "tool", call.Name, "call_id", call.ID, "duration", time.Since(start))
	return transcript.ToolOutput(call, segments, false), nil
}
