// Package openai adapts the Chat Completions API through the official
// openai-go SDK.
package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const providerName = "openai"

// ChatService is the subset of the SDK used by the adapter. It is satisfied
// by *openai.ChatCompletionService.
type ChatService interface {
	New(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) (*sdk.ChatCompletion, error)
	NewStreaming(ctx context.Context, body sdk.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk]
}

// Options configures a Provider.
type Options struct {
	// Service overrides the SDK client, mainly for tests.
	Service ChatService
	APIKey  string
	BaseURL string
	Model   string
	Logger  telemetry.Logger
}

// Provider implements provider.Provider on top of openai-go.
type Provider struct {
	chat   ChatService
	model  string
	logger telemetry.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider. Without a Service an SDK client is created from
// APIKey and BaseURL.
func New(opts Options) (*Provider, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("openai: model name is required")
	}
	chat := opts.Service
	if chat == nil {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, errors.New("openai: api key is required")
		}
		reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
		if opts.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
		}
		client := sdk.NewClient(reqOpts...)
		chat = &client.Chat.Completions
	}
	return &Provider{chat: chat, model: model, logger: telemetry.OrNoop(opts.Logger)}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Blocking: true}
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (_ response.Response, err error) {
	params, reqOpts := p.buildParams(req)
	ctx, span := telemetry.StartSpan(ctx, "provider.openai.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, string(params.Model), false, attribute.Int("llm.tools_count", len(params.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	completion, err := p.chat.New(ctx, params, reqOpts...)
	if err != nil {
		return response.Response{}, classify(ctx, err)
	}
	if len(completion.Choices) == 0 {
		return response.Response{}, failure.Malformed(-1, errors.New("openai: response contains no choices"))
	}
	return response.Fold(stream.FromEvents(completionEvents(completion)...), "", nil)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (_ stream.Stream, err error) {
	params, reqOpts := p.buildParams(req)
	reqOpts = append(reqOpts, option.WithJSONSet("stream_options", map[string]any{"include_usage": true}))
	spanCtx, span := telemetry.StartSpan(ctx, "provider.openai.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, string(params.Model), true, attribute.Int("llm.tools_count", len(params.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	sdkStream := p.chat.NewStreaming(spanCtx, params, reqOpts...)
	if sdkStream == nil {
		return nil, failure.Transport(providerName, 0, "", errors.New("openai: no stream returned"))
	}
	src := &chunkSource{ctx: ctx, sdk: sdkStream, ids: map[int64]string{}, named: map[string]bool{}}
	return stream.Pull(src.next, sdkStream.Close, stream.WithContext(ctx), stream.WithSubject(providerName), stream.WithLogger(p.logger)), nil
}

func (p *Provider) buildParams(req provider.Request) (sdk.ChatCompletionNewParams, []option.RequestOption) {
	model := p.model
	if m := strings.TrimSpace(req.Options.Model); m != "" {
		model = m
	}
	params := sdk.ChatCompletionNewParams{
		Model:    sdk.ChatModel(model),
		Messages: toMessages(req),
		Tools:    toTools(req.ToolDefinitions()),
	}
	if req.Options.Temperature != nil {
		params.Temperature = sdk.Float(*req.Options.Temperature)
	}
	if req.Options.MaxTokens > 0 {
		params.MaxCompletionTokens = sdk.Int(int64(req.Options.MaxTokens))
	}
	var reqOpts []option.RequestOption
	if len(req.Options.Stop) > 0 {
		reqOpts = append(reqOpts, option.WithJSONSet("stop", req.Options.Stop))
	}
	if req.Schema != nil {
		reqOpts = append(reqOpts, option.WithJSONSet("response_format", map[string]any{
			"type": "json_schema",
			"json_schema": map[string]any{
				"name":   provider.SchemaName(req.Schema),
				"schema": req.Schema.JSONSchema(false),
			},
		}))
	}
	if extra, ok := provider.ExtensionAs[map[string]any](req.Options.Extensions, providerName); ok {
		for k, v := range extra {
			reqOpts = append(reqOpts, option.WithJSONSet(k, v))
		}
	}
	return params, reqOpts
}

func toMessages(req provider.Request) []sdk.ChatCompletionMessageParamUnion {
	var out []sdk.ChatCompletionMessageParamUnion
	if system := req.Instructions(); system != "" {
		out = append(out, sdk.SystemMessage(system))
	}
	for _, e := range req.Conversation() {
		switch e.Kind {
		case transcript.KindPrompt:
			out = append(out, userMessage(e.Segments))
		case transcript.KindResponse:
			out = append(out, sdk.AssistantMessage(provider.SegmentText(e.Segments)))
		case transcript.KindToolCalls:
			asst := sdk.ChatCompletionAssistantMessageParam{}
			if text := provider.SegmentText(e.Segments); text != "" {
				asst.Content.OfString = sdk.String(text)
			}
			for _, c := range e.ToolCalls {
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallParam{
					ID: c.ID,
					Function: sdk.ChatCompletionMessageToolCallFunctionParam{
						Name:      c.Name,
						Arguments: provider.ArgumentsJSON(c.Arguments),
					},
				})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case transcript.KindToolOutput:
			out = append(out, sdk.ToolMessage(provider.SegmentText(e.Segments), e.ToolCallID))
		}
	}
	return out
}

func userMessage(segments []transcript.Segment) sdk.ChatCompletionMessageParamUnion {
	hasImage := false
	for _, s := range segments {
		hasImage = hasImage || s.Kind == transcript.SegmentImage
	}
	if !hasImage {
		return sdk.UserMessage(provider.SegmentText(segments))
	}
	var parts []sdk.ChatCompletionContentPartUnionParam
	for _, s := range segments {
		switch s.Kind {
		case transcript.SegmentText:
			parts = append(parts, sdk.TextContentPart(s.Text))
		case transcript.SegmentStructured:
			parts = append(parts, sdk.TextContentPart(s.Content.String()))
		case transcript.SegmentImage:
			if url := provider.ImageURL(s.Image); url != "" {
				parts = append(parts, sdk.ImageContentPart(sdk.ChatCompletionContentPartImageImageURLParam{URL: url}))
			}
		}
	}
	return sdk.UserMessage(parts)
}

func toTools(defs []transcript.ToolDefinition) []sdk.ChatCompletionToolParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params := map[string]any{"type": "object", "properties": map[string]any{}}
		if def.Parameters != nil {
			params = def.Parameters.JSONSchema(false)
		}
		fn := sdk.FunctionDefinitionParam{
			Name:       def.Name,
			Parameters: sdk.FunctionParameters(params),
		}
		if def.Description != "" {
			fn.Description = sdk.String(def.Description)
		}
		out = append(out, sdk.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func completionEvents(c *sdk.ChatCompletion) []stream.Event {
	choice := c.Choices[0]
	var events []stream.Event
	if choice.Message.Content != "" {
		events = append(events, stream.TextDelta(choice.Message.Content))
	}
	for _, call := range choice.Message.ToolCalls {
		args := call.Function.Arguments
		if strings.TrimSpace(args) == "" {
			args = "{}"
		}
		events = append(events, stream.ToolCallDelta(call.ID, call.Function.Name, args))
	}
	reason := provider.ParseFinishReason(choice.FinishReason)
	if len(choice.Message.ToolCalls) > 0 && reason == stream.FinishStop {
		reason = stream.FinishToolCalls
	}
	return append(events, stream.Finish(reason, usageOf(c.Usage)))
}

func usageOf(u sdk.CompletionUsage) stream.Usage {
	return stream.Usage{
		InputTokens:  int(u.PromptTokens),
		OutputTokens: int(u.CompletionTokens),
		TotalTokens:  int(u.TotalTokens),
		CacheTokens:  int(u.PromptTokensDetails.CachedTokens),
	}
}

// chunkSource pulls SDK chunks and converts them into canonical events. The
// SDK swallows the [DONE] sentinel, so a clean end after a finish reason is
// the terminal signal.
type chunkSource struct {
	ctx     context.Context
	sdk     *ssestream.Stream[sdk.ChatCompletionChunk]
	ids     map[int64]string
	named   map[string]bool
	reason  string
	usage   stream.Usage
	pending []stream.Event
	ended   bool
}

func (c *chunkSource) next() (stream.Event, error) {
	for len(c.pending) == 0 {
		if c.ended {
			return stream.Event{}, io.EOF
		}
		if !c.sdk.Next() {
			c.ended = true
			if err := c.sdk.Err(); err != nil {
				return stream.Event{}, classify(c.ctx, err)
			}
			if c.reason == "" {
				return stream.Event{}, io.EOF
			}
			reason := provider.ParseFinishReason(c.reason)
			return stream.Finish(reason, c.usage), nil
		}
		c.pending = c.mapChunk(c.sdk.Current())
	}
	ev := c.pending[0]
	c.pending = c.pending[1:]
	return ev, nil
}

func (c *chunkSource) mapChunk(chunk sdk.ChatCompletionChunk) []stream.Event {
	var out []stream.Event
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			out = append(out, stream.TextDelta(choice.Delta.Content))
		}
		for _, tc := range choice.Delta.ToolCalls {
			id, ok := c.ids[tc.Index]
			if !ok {
				id = tc.ID
				if id == "" {
					id = fmt.Sprintf("call_%d", tc.Index)
				}
				c.ids[tc.Index] = id
			}
			name := tc.Function.Name
			if c.named[id] {
				name = ""
			} else if name != "" {
				c.named[id] = true
			}
			if name == "" && tc.Function.Arguments == "" {
				continue
			}
			out = append(out, stream.ToolCallDelta(id, name, tc.Function.Arguments))
		}
		if choice.FinishReason != "" {
			c.reason = choice.FinishReason
		}
	}
	if chunk.Usage.TotalTokens > 0 {
		c.usage = usageOf(chunk.Usage)
	}
	return out
}

func classify(ctx context.Context, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return failure.Transport(providerName, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return provider.Classify(ctx, providerName, 0, "", err)
}
