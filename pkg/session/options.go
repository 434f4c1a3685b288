package session

import (
	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/event"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// DefaultMaxRounds bounds the tool-calling loop of one turn.
const DefaultMaxRounds = 8

// Option configures a Session.
type Option func(*config)

type config struct {
	id           string
	instructions string
	registry     *tool.Registry
	tools        []registration
	maxRounds    int
	seed         []transcript.Entry
	store        transcript.Store
	streaming    bool
	concurrency  int
	options      provider.Options
	logger       telemetry.Logger
	bus          *event.Bus
}

type registration struct {
	def  transcript.ToolDefinition
	exec tool.Executor
}

func defaultConfig() config {
	return config{maxRounds: DefaultMaxRounds, streaming: true}
}

// WithID fixes the session identifier. A random id is used otherwise.
func WithID(id string) Option {
	return func(c *config) { c.id = id }
}

// WithInstructions sets the system instructions recorded on the first turn.
func WithInstructions(text string) Option {
	return func(c *config) { c.instructions = text }
}

// WithRegistry uses reg as the session's tool registry. The registry should
// not be shared with another session.
func WithRegistry(reg *tool.Registry) Option {
	return func(c *config) { c.registry = reg }
}

// WithTool registers one tool on the session's registry.
func WithTool(def transcript.ToolDefinition, exec tool.Executor) Option {
	return func(c *config) { c.tools = append(c.tools, registration{def: def, exec: exec}) }
}

// WithMaxRounds bounds tool rounds per turn. Values below 1 select
// DefaultMaxRounds.
func WithMaxRounds(n int) Option {
	return func(c *config) { c.maxRounds = n }
}

// WithTranscript seeds the session with prior entries for continuation.
func WithTranscript(entries ...transcript.Entry) Option {
	return func(c *config) { c.seed = append(c.seed, entries...) }
}

// WithStore persists every committed entry under the session id.
func WithStore(store transcript.Store) Option {
	return func(c *config) { c.store = store }
}

// WithStreaming sets whether the session prefers streaming when the provider
// supports both shapes. The default is true.
func WithStreaming(enabled bool) Option {
	return func(c *config) { c.streaming = enabled }
}

// WithToolConcurrency caps parallel tool executions within a round. Zero
// runs every call of the round at once.
func WithToolConcurrency(n int) Option {
	return func(c *config) { c.concurrency = n }
}

// WithOptions sets the generation options applied to every turn. Fields set
// on GenerateOptions.Options take precedence.
func WithOptions(opts provider.Options) Option {
	return func(c *config) { c.options = opts }
}

// WithLogger sets the session logger.
func WithLogger(l telemetry.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithBus publishes lifecycle events to bus.
func WithBus(bus *event.Bus) Option {
	return func(c *config) { c.bus = bus }
}

// GenerateOptions tune a single turn.
type GenerateOptions struct {
	// Schema requests a structured response validated against it.
	Schema *content.Schema
	// Options override the session's generation options field by field.
	Options provider.Options
	// DisableStreaming asks for a blocking generation when the provider
	// offers one.
	DisableStreaming bool
}

func mergeOptions(base, override provider.Options) provider.Options {
	out := base
	if override.Model != "" {
		out.Model = override.Model
	}
	if override.Temperature != nil {
		t := *override.Temperature
		out.Temperature = &t
	}
	if override.MaxTokens > 0 {
		out.MaxTokens = override.MaxTokens
	}
	if len(override.Stop) > 0 {
		out.Stop = append([]string(nil), override.Stop...)
	}
	if len(override.Extensions) > 0 {
		ext := provider.Extensions{}
		for k, v := range base.Extensions {
			ext[k] = v
		}
		for k, v := range override.Extensions {
			ext[k] = v
		}
		out.Extensions = ext
	}
	return out
}
