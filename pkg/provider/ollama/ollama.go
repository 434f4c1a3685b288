// Package ollama adapts a local Ollama server. Streaming responses arrive as
// NDJSON, blocking ones as a single JSON document.
package ollama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const (
	providerName   = "ollama"
	defaultBaseURL = "http://localhost:11434"
	chatPath       = "/api/chat"
)

// Config configures a Provider.
type Config struct {
	BaseURL    string
	Model      string
	HTTPClient *http.Client
	// KeepAlive is forwarded verbatim (e.g. "5m").
	KeepAlive string
	Logger    telemetry.Logger
}

// Provider implements provider.Provider for Ollama.
type Provider struct {
	client    *http.Client
	baseURL   string
	model     string
	keepAlive string
	logger    telemetry.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider. Local inference can be slow, so the default HTTP
// client has no timeout; bound calls with the context instead.
func New(cfg Config) (*Provider, error) {
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, errors.New("ollama: model name is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = defaultBaseURL
	}
	return &Provider{
		client:    client,
		baseURL:   base,
		model:     strings.TrimSpace(cfg.Model),
		keepAlive: cfg.KeepAlive,
		logger:    telemetry.OrNoop(cfg.Logger),
	}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Blocking: true}
}

type chatRequest struct {
	Model     string          `json:"model"`
	Messages  []chatMessage   `json:"messages"`
	Tools     []tool          `json:"tools,omitempty"`
	Format    json.RawMessage `json:"format,omitempty"`
	Options   map[string]any  `json:"options,omitempty"`
	Stream    bool            `json:"stream"`
	KeepAlive string          `json:"keep_alive,omitempty"`
}

type chatMessage struct {
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	Images    []string   `json:"images,omitempty"`
	ToolCalls []toolCall `json:"tool_calls,omitempty"`
	ToolName  string     `json:"tool_name,omitempty"`
}

type toolCall struct {
	Function struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"function"`
}

type tool struct {
	Type     string       `json:"type"`
	Function toolFunction `json:"function"`
}

type toolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters"`
}

// chatChunk is one NDJSON line, or the whole blocking document.
type chatChunk struct {
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	DoneReason      string      `json:"done_reason"`
	PromptEvalCount int         `json:"prompt_eval_count"`
	EvalCount       int         `json:"eval_count"`
	Error           string      `json:"error"`
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (_ response.Response, err error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return response.Response{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, "provider.ollama.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, payload.Model, false),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.post(ctx, payload)
	if err != nil {
		return response.Response{}, err
	}
	m := &lineMapper{}
	s := stream.FromResponse(ctx, resp, stream.Document, m.mapDocument,
		stream.WithSubject(providerName), stream.WithLogger(p.logger))
	return response.Fold(s, "", nil)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (_ stream.Stream, err error) {
	payload, err := p.buildPayload(req, true)
	if err != nil {
		return nil, err
	}
	spanCtx, span := telemetry.StartSpan(ctx, "provider.ollama.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, payload.Model, true),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.post(spanCtx, payload)
	if err != nil {
		return nil, err
	}
	m := &lineMapper{}
	return stream.FromResponse(ctx, resp, stream.NDJSON, m.mapLine,
		stream.WithSubject(providerName), stream.WithLogger(p.logger)), nil
}

func (p *Provider) buildPayload(req provider.Request, streaming bool) (chatRequest, error) {
	payload := chatRequest{
		Model:     p.model,
		Messages:  toMessages(req),
		Tools:     toTools(req.ToolDefinitions()),
		Stream:    streaming,
		KeepAlive: p.keepAlive,
	}
	if m := strings.TrimSpace(req.Options.Model); m != "" {
		payload.Model = m
	}
	opts := map[string]any{}
	if req.Options.Temperature != nil {
		opts["temperature"] = *req.Options.Temperature
	}
	if req.Options.MaxTokens > 0 {
		opts["num_predict"] = req.Options.MaxTokens
	}
	if len(req.Options.Stop) > 0 {
		opts["stop"] = req.Options.Stop
	}
	if extra, ok := provider.ExtensionAs[map[string]any](req.Options.Extensions, providerName); ok {
		for k, v := range extra {
			opts[k] = v
		}
	}
	if len(opts) > 0 {
		payload.Options = opts
	}
	if req.Schema != nil {
		format, err := json.Marshal(req.Schema.JSONSchema(false))
		if err != nil {
			return payload, fmt.Errorf("ollama: encode format: %w", err)
		}
		payload.Format = format
	}
	return payload, nil
}

func (p *Provider) post(ctx context.Context, payload chatRequest) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("ollama: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("ollama: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.Classify(ctx, providerName, 0, "", err)
	}
	return resp, nil
}

func toMessages(req provider.Request) []chatMessage {
	var out []chatMessage
	if system := req.Instructions(); system != "" {
		out = append(out, chatMessage{Role: "system", Content: system})
	}
	for _, e := range req.Conversation() {
		switch e.Kind {
		case transcript.KindPrompt:
			msg := chatMessage{Role: "user", Content: provider.SegmentText(e.Segments)}
			for _, s := range e.Segments {
				if s.Kind == transcript.SegmentImage && s.Image != nil && len(s.Image.Data) > 0 {
					msg.Images = append(msg.Images, base64.StdEncoding.EncodeToString(s.Image.Data))
				}
			}
			out = append(out, msg)
		case transcript.KindResponse:
			out = append(out, chatMessage{Role: "assistant", Content: provider.SegmentText(e.Segments)})
		case transcript.KindToolCalls:
			msg := chatMessage{Role: "assistant", Content: provider.SegmentText(e.Segments)}
			for _, c := range e.ToolCalls {
				var tc toolCall
				tc.Function.Name = c.Name
				tc.Function.Arguments = json.RawMessage(provider.ArgumentsJSON(c.Arguments))
				msg.ToolCalls = append(msg.ToolCalls, tc)
			}
			out = append(out, msg)
		case transcript.KindToolOutput:
			out = append(out, chatMessage{Role: "tool", Content: provider.SegmentText(e.Segments), ToolName: e.ToolName})
		}
	}
	return out
}

func toTools(defs []transcript.ToolDefinition) []tool {
	out := make([]tool, 0, len(defs))
	for _, def := range defs {
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if def.Parameters != nil {
			params = def.Parameters.JSONSchema(false)
		}
		out = append(out, tool{Type: "function", Function: toolFunction{Name: def.Name, Description: def.Description, Parameters: params}})
	}
	return out
}

// lineMapper converts chat chunks into events. Ollama sends tool calls whole
// and without ids, so the mapper numbers them.
type lineMapper struct {
	calls int
}

func (m *lineMapper) mapLine(f stream.Frame) ([]stream.Event, error) {
	var chunk chatChunk
	if err := json.Unmarshal(f.Data, &chunk); err != nil {
		return nil, err
	}
	return m.events(chunk, f.Data), nil
}

func (m *lineMapper) mapDocument(f stream.Frame) ([]stream.Event, error) {
	var chunk chatChunk
	if err := json.Unmarshal(f.Data, &chunk); err != nil {
		return nil, err
	}
	if chunk.Error == "" && !chunk.Done {
		return nil, errors.New("response is not done")
	}
	return m.events(chunk, f.Data), nil
}

func (m *lineMapper) events(chunk chatChunk, raw []byte) []stream.Event {
	if chunk.Error != "" {
		return []stream.Event{stream.Failure(failure.Transport(providerName, 0, string(raw), errors.New(chunk.Error)))}
	}
	var out []stream.Event
	if chunk.Message.Content != "" {
		out = append(out, stream.TextDelta(chunk.Message.Content))
	}
	for _, tc := range chunk.Message.ToolCalls {
		m.calls++
		args := strings.TrimSpace(string(tc.Function.Arguments))
		if args == "" || args == "null" {
			args = "{}"
		}
		out = append(out, stream.ToolCallDelta(fmt.Sprintf("call_%d", m.calls), tc.Function.Name, args))
	}
	if chunk.Done {
		reason := provider.ParseFinishReason(chunk.DoneReason)
		if m.calls > 0 && reason == stream.FinishStop {
			reason = stream.FinishToolCalls
		}
		out = append(out, stream.Finish(reason, stream.Usage{
			InputTokens:  chunk.PromptEvalCount,
			OutputTokens: chunk.EvalCount,
			TotalTokens:  chunk.PromptEvalCount + chunk.EvalCount,
		}))
	}
	return out
}
