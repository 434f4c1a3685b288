// Package compat talks to any server implementing the Chat Completions wire
// format over plain HTTP: hosted gateways, vLLM, llama.cpp and friends.
package compat

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// Config configures a Provider.
type Config struct {
	// Name identifies the provider in failures, spans and extension lookups.
	// Defaults to "compat".
	Name    string
	BaseURL string
	APIKey  string
	// Model is used when a request does not name one.
	Model   string
	Headers map[string]string
	// HTTPClient defaults to a client with a 60s timeout.
	HTTPClient *http.Client
	Logger     telemetry.Logger
}

// Provider implements provider.Provider for Chat Completions servers.
type Provider struct {
	name    string
	client  *http.Client
	baseURL string
	model   string
	headers map[string]string
	logger  telemetry.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New validates cfg and builds a Provider.
func New(cfg Config) (*Provider, error) {
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		return nil, errors.New("compat: model name is required")
	}
	name := strings.TrimSpace(cfg.Name)
	if name == "" {
		name = "compat"
	}
	headers := map[string]string{
		"Content-Type": "application/json",
		"User-Agent":   userAgent,
	}
	if key := strings.TrimSpace(cfg.APIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}
	for k, v := range cfg.Headers {
		if strings.TrimSpace(k) == "" || v == "" {
			continue
		}
		headers[k] = v
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &Provider{
		name:    name,
		client:  client,
		baseURL: sanitizeBaseURL(cfg.BaseURL),
		model:   model,
		headers: headers,
		logger:  telemetry.OrNoop(cfg.Logger),
	}, nil
}

func sanitizeBaseURL(base string) string {
	trimmed := strings.TrimRight(strings.TrimSpace(base), "/")
	if trimmed == "" {
		return defaultBaseURL
	}
	return trimmed
}

func (p *Provider) Name() string { return p.name }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Blocking: true}
}

// Complete posts a non-streaming request and folds the single response
// document through the canonical event path.
func (p *Provider) Complete(ctx context.Context, req provider.Request) (_ response.Response, err error) {
	payload, err := p.buildPayload(req, false)
	if err != nil {
		return response.Response{}, err
	}
	ctx, span := telemetry.StartSpan(ctx, "provider.compat.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(p.name, payload.Model, false, attribute.Int("llm.tools_count", len(payload.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.doRequest(ctx, payload)
	if err != nil {
		return response.Response{}, err
	}
	s := stream.FromResponse(ctx, resp, stream.Document, newChunkMapper(p.name).mapDocument,
		stream.WithSubject(p.name), stream.WithLogger(p.logger))
	return response.Fold(s, "", nil)
}

// Stream posts a streaming request and normalizes the SSE body.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (_ stream.Stream, err error) {
	payload, err := p.buildPayload(req, true)
	if err != nil {
		return nil, err
	}
	spanCtx, span := telemetry.StartSpan(ctx, "provider.compat.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(p.name, payload.Model, true, attribute.Int("llm.tools_count", len(payload.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	resp, err := p.doRequest(spanCtx, payload)
	if err != nil {
		return nil, err
	}
	return stream.FromResponse(ctx, resp, stream.SSE, newChunkMapper(p.name).mapChunk,
		stream.WithSubject(p.name), stream.WithLogger(p.logger)), nil
}

func (p *Provider) buildPayload(req provider.Request, streaming bool) (ChatCompletionRequest, error) {
	opts := req.Options
	payload := ChatCompletionRequest{
		Model:       p.model,
		Messages:    toMessages(req),
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      streaming,
	}
	if m := strings.TrimSpace(opts.Model); m != "" {
		payload.Model = m
	}
	if len(opts.Stop) > 0 {
		payload.Stop = append([]string(nil), opts.Stop...)
	}
	if streaming {
		payload.StreamOptions = &StreamOptions{IncludeUsage: true}
	}
	payload.Tools = toTools(req.ToolDefinitions())
	if req.Schema != nil {
		format, err := json.Marshal(map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   provider.SchemaName(req.Schema),
				"schema": req.Schema.JSONSchema(false),
			},
		})
		if err != nil {
			return payload, fmt.Errorf("compat: encode response schema: %w", err)
		}
		payload.ResponseFormat = format
	}
	if extra, ok := provider.ExtensionAs[map[string]any](opts.Extensions, p.name); ok {
		x := parseExtraOptions(extra)
		payload.TopP = x.TopP
		payload.PresencePenalty = x.PresencePenalty
		payload.FrequencyPenalty = x.FrequencyPenalty
		payload.Seed = x.Seed
		if len(x.ToolChoice) > 0 {
			payload.ToolChoice = x.ToolChoice
		}
		if len(x.ResponseFormat) > 0 {
			payload.ResponseFormat = x.ResponseFormat
		}
	}
	return payload, nil
}

func (p *Provider) doRequest(ctx context.Context, payload ChatCompletionRequest) (*http.Response, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return nil, fmt.Errorf("compat: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+chatCompletionsPath, &buf)
	if err != nil {
		return nil, fmt.Errorf("compat: create request: %w", err)
	}
	for k, v := range p.headers {
		req.Header.Set(k, v)
	}
	if payload.Stream {
		req.Header.Set("Accept", "text/event-stream")
	} else {
		req.Header.Set("Accept", "application/json")
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, provider.Classify(ctx, p.name, 0, "", err)
	}
	return resp, nil
}

func toMessages(req provider.Request) []ChatMessageParam {
	var out []ChatMessageParam
	if system := req.Instructions(); system != "" {
		out = append(out, ChatMessageParam{Role: "system", Content: system})
	}
	for _, e := range req.Conversation() {
		switch e.Kind {
		case transcript.KindPrompt:
			out = append(out, ChatMessageParam{Role: "user", Content: userContent(e.Segments)})
		case transcript.KindResponse:
			out = append(out, ChatMessageParam{Role: "assistant", Content: provider.SegmentText(e.Segments)})
		case transcript.KindToolCalls:
			msg := ChatMessageParam{Role: "assistant", ToolCalls: encodeToolCalls(e.ToolCalls)}
			if text := provider.SegmentText(e.Segments); text != "" {
				msg.Content = text
			}
			out = append(out, msg)
		case transcript.KindToolOutput:
			out = append(out, ChatMessageParam{
				Role:       "tool",
				Content:    provider.SegmentText(e.Segments),
				ToolCallID: e.ToolCallID,
			})
		}
	}
	if len(out) == 0 {
		out = append(out, ChatMessageParam{Role: "user", Content: ""})
	}
	return out
}

// userContent keeps plain prompts as a string and switches to content parts
// only when images are present.
func userContent(segments []transcript.Segment) any {
	hasImage := false
	for _, s := range segments {
		if s.Kind == transcript.SegmentImage {
			hasImage = true
			break
		}
	}
	if !hasImage {
		return provider.SegmentText(segments)
	}
	parts := make([]ContentPart, 0, len(segments))
	for _, s := range segments {
		switch s.Kind {
		case transcript.SegmentText:
			parts = append(parts, ContentPart{Type: "text", Text: s.Text})
		case transcript.SegmentStructured:
			parts = append(parts, ContentPart{Type: "text", Text: s.Content.String()})
		case transcript.SegmentImage:
			if url := provider.ImageURL(s.Image); url != "" {
				parts = append(parts, ContentPart{Type: "image_url", ImageURL: &ImageURL{URL: url}})
			}
		}
	}
	return parts
}

func encodeToolCalls(calls []transcript.ToolCall) []AssistantToolCallParam {
	out := make([]AssistantToolCallParam, 0, len(calls))
	for _, call := range calls {
		name := strings.TrimSpace(call.Name)
		if name == "" {
			continue
		}
		out = append(out, AssistantToolCallParam{
			ID:   call.ID,
			Type: "function",
			Function: &FunctionCallParam{
				Name:      name,
				Arguments: provider.ArgumentsJSON(call.Arguments),
			},
		})
	}
	return out
}

func toTools(defs []transcript.ToolDefinition) []ToolDefinition {
	if len(defs) == 0 {
		return nil
	}
	out := make([]ToolDefinition, 0, len(defs))
	for _, def := range defs {
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if def.Parameters != nil {
			params = def.Parameters.JSONSchema(false)
		}
		out = append(out, ToolDefinition{
			Type: "function",
			Function: FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  params,
			},
		})
	}
	return out
}

// chunkMapper converts wire frames into canonical events. Chat Completions
// keys tool-call deltas by index and sends the id only once, so the mapper
// remembers the id of every index.
type chunkMapper struct {
	subject string
	ids     map[int]string
	named   map[string]bool
	reason  string
	usage   stream.Usage
}

func newChunkMapper(subject string) *chunkMapper {
	return &chunkMapper{subject: subject, ids: map[int]string{}, named: map[string]bool{}}
}

func (m *chunkMapper) mapChunk(f stream.Frame) ([]stream.Event, error) {
	data := bytes.TrimSpace(f.Data)
	if string(data) == doneSentinel {
		return []stream.Event{m.finish()}, nil
	}
	var chunk ChatCompletionStreamChunk
	if err := json.Unmarshal(data, &chunk); err != nil {
		return nil, fmt.Errorf("decode chunk: %w", err)
	}
	if chunk.Error != nil {
		return []stream.Event{stream.Failure(failure.Transport(m.subject, 0, string(data), chunk.Error))}, nil
	}
	var out []stream.Event
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if text := choice.Delta.Content.Text(); text != "" {
			out = append(out, stream.TextDelta(text))
		}
		for _, tc := range choice.Delta.ToolCalls {
			id := m.callID(tc.Index, tc.ID)
			var name, args string
			if tc.Function != nil {
				name, args = tc.Function.Name, tc.Function.Arguments
			}
			if name != "" && m.named[id] {
				name = ""
			}
			if name != "" {
				m.named[id] = true
			}
			if name == "" && args == "" {
				continue
			}
			out = append(out, stream.ToolCallDelta(id, name, args))
		}
		if choice.FinishReason != "" {
			m.reason = choice.FinishReason
		}
	}
	if chunk.Usage != nil {
		m.usage = chunk.Usage.usage()
	}
	return out, nil
}

func (m *chunkMapper) callID(index int, id string) string {
	if known, ok := m.ids[index]; ok {
		return known
	}
	if id == "" {
		id = fmt.Sprintf("call_%d", index)
	}
	m.ids[index] = id
	return id
}

func (m *chunkMapper) finish() stream.Event {
	reason := provider.ParseFinishReason(m.reason)
	if m.reason == "" && len(m.ids) > 0 {
		reason = stream.FinishToolCalls
	}
	return stream.Finish(reason, m.usage)
}

func (m *chunkMapper) mapDocument(f stream.Frame) ([]stream.Event, error) {
	var doc ChatCompletionResponse
	if err := json.Unmarshal(f.Data, &doc); err != nil {
		return nil, err
	}
	if doc.Error != nil {
		return []stream.Event{stream.Failure(failure.Transport(m.subject, 0, string(f.Data), doc.Error))}, nil
	}
	if len(doc.Choices) == 0 {
		return nil, errors.New("response contains no choices")
	}
	choice := doc.Choices[0]
	var out []stream.Event
	if text := choice.Message.Content.Text(); text != "" {
		out = append(out, stream.TextDelta(text))
	}
	for i, call := range choice.Message.ToolCalls {
		if call.Function == nil || strings.TrimSpace(call.Function.Name) == "" {
			continue
		}
		id := m.callID(i, call.ID)
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		out = append(out, stream.ToolCallDelta(id, call.Function.Name, args))
	}
	m.reason = choice.FinishReason
	m.usage = doc.Usage.usage()
	return append(out, m.finish()), nil
}
