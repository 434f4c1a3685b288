// Package anthropic adapts the Claude Messages API through the official
// anthropic-sdk-go client.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const (
	providerName     = "anthropic"
	defaultMaxTokens = 4096
)

// MessagesClient is the subset of the SDK used by the adapter. It is
// satisfied by *anthropic.MessageService.
type MessagesClient interface {
	New(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) (*sdk.Message, error)
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures a Provider.
type Options struct {
	// Messages overrides the SDK client, mainly for tests.
	Messages MessagesClient
	APIKey   string
	BaseURL  string
	Model    string
	// MaxTokens is used when a request sets none. Defaults to 4096.
	MaxTokens int
	Logger    telemetry.Logger
}

// Provider implements provider.Provider on top of anthropic-sdk-go.
type Provider struct {
	msg       MessagesClient
	model     string
	maxTokens int
	logger    telemetry.Logger
}

var _ provider.Provider = (*Provider)(nil)

// New builds a Provider.
func New(opts Options) (*Provider, error) {
	model := strings.TrimSpace(opts.Model)
	if model == "" {
		return nil, errors.New("anthropic: model name is required")
	}
	msg := opts.Messages
	if msg == nil {
		if strings.TrimSpace(opts.APIKey) == "" {
			return nil, errors.New("anthropic: api key is required")
		}
		reqOpts := []option.RequestOption{option.WithAPIKey(opts.APIKey)}
		if opts.BaseURL != "" {
			reqOpts = append(reqOpts, option.WithBaseURL(opts.BaseURL))
		}
		client := sdk.NewClient(reqOpts...)
		msg = &client.Messages
	}
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Provider{msg: msg, model: model, maxTokens: maxTokens, logger: telemetry.OrNoop(opts.Logger)}, nil
}

func (p *Provider) Name() string { return providerName }

func (p *Provider) Capabilities() provider.Capabilities {
	return provider.Capabilities{Streaming: true, Blocking: true}
}

func (p *Provider) Complete(ctx context.Context, req provider.Request) (_ response.Response, err error) {
	params, reqOpts := p.buildParams(req)
	ctx, span := telemetry.StartSpan(ctx, "provider.anthropic.complete",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, string(params.Model), false, attribute.Int("llm.tools_count", len(params.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	msg, err := p.msg.New(ctx, params, reqOpts...)
	if err != nil {
		return response.Response{}, classify(ctx, err)
	}
	if msg == nil {
		return response.Response{}, failure.Malformed(-1, errors.New("anthropic: empty response"))
	}
	return response.Fold(stream.FromEvents(messageEvents(msg)...), "", nil)
}

func (p *Provider) Stream(ctx context.Context, req provider.Request) (_ stream.Stream, err error) {
	params, reqOpts := p.buildParams(req)
	spanCtx, span := telemetry.StartSpan(ctx, "provider.anthropic.stream",
		trace.WithSpanKind(trace.SpanKindClient),
		telemetry.ProviderAttributes(providerName, string(params.Model), true, attribute.Int("llm.tools_count", len(params.Tools))),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	sdkStream := p.msg.NewStreaming(spanCtx, params, reqOpts...)
	if sdkStream == nil {
		return nil, failure.Transport(providerName, 0, "", errors.New("anthropic: no stream returned"))
	}
	src := &eventSource{ctx: ctx, sdk: sdkStream, blocks: map[int64]string{}}
	return stream.Pull(src.next, sdkStream.Close, stream.WithContext(ctx), stream.WithSubject(providerName), stream.WithLogger(p.logger)), nil
}

func (p *Provider) buildParams(req provider.Request) (sdk.MessageNewParams, []option.RequestOption) {
	model := p.model
	if m := strings.TrimSpace(req.Options.Model); m != "" {
		model = m
	}
	maxTokens := p.maxTokens
	if req.Options.MaxTokens > 0 {
		maxTokens = req.Options.MaxTokens
	}
	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  toMessages(req.Conversation()),
		Tools:     toTools(req.ToolDefinitions()),
	}
	system := req.Instructions()
	if req.Schema != nil {
		system = strings.TrimSpace(system + "\n\n" + schemaInstruction(req))
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Options.Temperature != nil {
		params.Temperature = sdk.Float(*req.Options.Temperature)
	}
	if len(req.Options.Stop) > 0 {
		params.StopSequences = append([]string(nil), req.Options.Stop...)
	}
	var reqOpts []option.RequestOption
	if extra, ok := provider.ExtensionAs[map[string]any](req.Options.Extensions, providerName); ok {
		for k, v := range extra {
			reqOpts = append(reqOpts, option.WithJSONSet(k, v))
		}
	}
	return params, reqOpts
}

// schemaInstruction asks for a bare JSON document; the Messages API has no
// response_format equivalent.
func schemaInstruction(req provider.Request) string {
	doc, err := json.Marshal(req.Schema.JSONSchema(true))
	if err != nil {
		doc = []byte("{}")
	}
	return fmt.Sprintf("Respond with a single JSON document named %q matching this JSON Schema, without prose or code fences:\n%s",
		provider.SchemaName(req.Schema), doc)
}

// toMessages converts the conversation, merging consecutive entries that map
// to the same role so tool results of one round share a user message.
func toMessages(entries []transcript.Entry) []sdk.MessageParam {
	var out []sdk.MessageParam
	push := func(role sdk.MessageParamRole, blocks []sdk.ContentBlockParamUnion) {
		if len(blocks) == 0 {
			return
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, blocks...)
			return
		}
		out = append(out, sdk.MessageParam{Role: role, Content: blocks})
	}
	for _, e := range entries {
		switch e.Kind {
		case transcript.KindPrompt:
			push(sdk.MessageParamRoleUser, userBlocks(e.Segments))
		case transcript.KindResponse:
			if text := provider.SegmentText(e.Segments); text != "" {
				push(sdk.MessageParamRoleAssistant, []sdk.ContentBlockParamUnion{sdk.NewTextBlock(text)})
			}
		case transcript.KindToolCalls:
			var blocks []sdk.ContentBlockParamUnion
			if text := provider.SegmentText(e.Segments); text != "" {
				blocks = append(blocks, sdk.NewTextBlock(text))
			}
			for _, c := range e.ToolCalls {
				input := c.Arguments.Any()
				if input == nil {
					input = map[string]any{}
				}
				blocks = append(blocks, sdk.NewToolUseBlock(c.ID, input, c.Name))
			}
			push(sdk.MessageParamRoleAssistant, blocks)
		case transcript.KindToolOutput:
			push(sdk.MessageParamRoleUser, []sdk.ContentBlockParamUnion{
				sdk.NewToolResultBlock(e.ToolCallID, provider.SegmentText(e.Segments), e.IsError),
			})
		}
	}
	if len(out) == 0 {
		out = append(out, sdk.NewUserMessage(sdk.NewTextBlock(".")))
	}
	return out
}

func userBlocks(segments []transcript.Segment) []sdk.ContentBlockParamUnion {
	var blocks []sdk.ContentBlockParamUnion
	for _, s := range segments {
		switch s.Kind {
		case transcript.SegmentText:
			if s.Text != "" {
				blocks = append(blocks, sdk.NewTextBlock(s.Text))
			}
		case transcript.SegmentStructured:
			blocks = append(blocks, sdk.NewTextBlock(s.Content.String()))
		case transcript.SegmentImage:
			if block, ok := imageBlock(s.Image); ok {
				blocks = append(blocks, block)
			}
		}
	}
	if len(blocks) == 0 {
		blocks = append(blocks, sdk.NewTextBlock("."))
	}
	return blocks
}

func imageBlock(img *transcript.Image) (sdk.ContentBlockParamUnion, bool) {
	switch {
	case img == nil:
		return sdk.ContentBlockParamUnion{}, false
	case img.URL != "":
		return sdk.ContentBlockParamUnion{OfImage: &sdk.ImageBlockParam{
			Source: sdk.ImageBlockParamSourceUnion{OfURL: &sdk.URLImageSourceParam{URL: img.URL}},
		}}, true
	case len(img.Data) > 0:
		url := provider.ImageURL(img)
		mime := img.MIMEType
		if mime == "" {
			mime = "image/png"
		}
		data := strings.TrimPrefix(url, "data:"+mime+";base64,")
		return sdk.NewImageBlockBase64(mime, data), true
	}
	return sdk.ContentBlockParamUnion{}, false
}

func toTools(defs []transcript.ToolDefinition) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if def.Parameters != nil {
			doc := def.Parameters.JSONSchema(false)
			delete(doc, "type")
			schema.ExtraFields = doc
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func messageEvents(msg *sdk.Message) []stream.Event {
	var events []stream.Event
	calls := 0
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				events = append(events, stream.TextDelta(block.Text))
			}
		case "tool_use":
			args := strings.TrimSpace(string(block.Input))
			if args == "" || args == "null" {
				args = "{}"
			}
			events = append(events, stream.ToolCallDelta(block.ID, block.Name, args))
			calls++
		}
	}
	reason := provider.ParseFinishReason(string(msg.StopReason))
	if calls > 0 && reason == stream.FinishStop {
		reason = stream.FinishToolCalls
	}
	u := msg.Usage
	usage := stream.Usage{
		InputTokens:  int(u.InputTokens),
		OutputTokens: int(u.OutputTokens),
		TotalTokens:  int(u.InputTokens + u.OutputTokens),
		CacheTokens:  int(u.CacheReadInputTokens),
	}
	return append(events, stream.Finish(reason, usage))
}

// eventSource maps Messages stream events onto canonical events. The
// message_stop event is the terminal signal.
type eventSource struct {
	ctx    context.Context
	sdk    *ssestream.Stream[sdk.MessageStreamEventUnion]
	blocks map[int64]string // content block index -> tool_use id
	reason string
	usage  stream.Usage
	calls  int
}

func (s *eventSource) next() (stream.Event, error) {
	for s.sdk.Next() {
		if ev, ok := s.mapEvent(s.sdk.Current()); ok {
			return ev, nil
		}
	}
	if err := s.sdk.Err(); err != nil {
		return stream.Event{}, classify(s.ctx, err)
	}
	return stream.Event{}, io.EOF
}

func (s *eventSource) mapEvent(event sdk.MessageStreamEventUnion) (stream.Event, bool) {
	switch ev := event.AsAny().(type) {
	case sdk.MessageStartEvent:
		s.usage.InputTokens = int(ev.Message.Usage.InputTokens)
		s.usage.CacheTokens = int(ev.Message.Usage.CacheReadInputTokens)
	case sdk.ContentBlockStartEvent:
		if toolUse, ok := ev.ContentBlock.AsAny().(sdk.ToolUseBlock); ok {
			s.blocks[ev.Index] = toolUse.ID
			s.calls++
			return stream.ToolCallDelta(toolUse.ID, toolUse.Name, ""), true
		}
	case sdk.ContentBlockDeltaEvent:
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text != "" {
				return stream.TextDelta(delta.Text), true
			}
		case sdk.InputJSONDelta:
			id, ok := s.blocks[ev.Index]
			if ok && delta.PartialJSON != "" {
				return stream.ToolCallDelta(id, "", delta.PartialJSON), true
			}
		}
	case sdk.MessageDeltaEvent:
		s.reason = string(ev.Delta.StopReason)
		if ev.Usage.InputTokens > 0 {
			s.usage.InputTokens = int(ev.Usage.InputTokens)
		}
		s.usage.OutputTokens = int(ev.Usage.OutputTokens)
	case sdk.MessageStopEvent:
		reason := provider.ParseFinishReason(s.reason)
		if s.calls > 0 && reason == stream.FinishStop {
			reason = stream.FinishToolCalls
		}
		usage := s.usage
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
		return stream.Finish(reason, usage), true
	}
	return stream.Event{}, false
}

func classify(ctx context.Context, err error) error {
	var apiErr *sdk.Error
	if errors.As(err, &apiErr) {
		return failure.Transport(providerName, apiErr.StatusCode, apiErr.RawJSON(), err)
	}
	return provider.Classify(ctx, providerName, 0, "", err)
}
