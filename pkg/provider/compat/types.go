package compat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cexll/sessionkit/pkg/stream"
)

const (
	defaultBaseURL      = "https://api.openai.com"
	chatCompletionsPath = "/v1/chat/completions"
	userAgent           = "sessionkit/compat"
	doneSentinel        = "[DONE]"
)

// ChatCompletionRequest models the Chat Completions payload.
type ChatCompletionRequest struct {
	Model            string             `json:"model"`
	Messages         []ChatMessageParam `json:"messages"`
	Temperature      *float64           `json:"temperature,omitempty"`
	TopP             *float64           `json:"top_p,omitempty"`
	MaxTokens        int                `json:"max_tokens,omitempty"`
	PresencePenalty  *float64           `json:"presence_penalty,omitempty"`
	FrequencyPenalty *float64           `json:"frequency_penalty,omitempty"`
	Stop             []string           `json:"stop,omitempty"`
	Tools            []ToolDefinition   `json:"tools,omitempty"`
	ToolChoice       json.RawMessage    `json:"tool_choice,omitempty"`
	ResponseFormat   json.RawMessage    `json:"response_format,omitempty"`
	Stream           bool               `json:"stream"`
	StreamOptions    *StreamOptions     `json:"stream_options,omitempty"`
	Seed             *int               `json:"seed,omitempty"`
}

// StreamOptions asks the server to append a usage chunk.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// ChatMessageParam describes a single request message. Content is a string,
// a []ContentPart, or nil for assistant turns that only call tools.
type ChatMessageParam struct {
	Role       string                   `json:"role"`
	Content    any                      `json:"content"`
	Name       string                   `json:"name,omitempty"`
	ToolCallID string                   `json:"tool_call_id,omitempty"`
	ToolCalls  []AssistantToolCallParam `json:"tool_calls,omitempty"`
}

// ContentPart is one element of a multimodal user message.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
}

// ImageURL references an image by URL or data URL.
type ImageURL struct {
	URL string `json:"url"`
}

// AssistantToolCallParam serializes prior assistant tool calls.
type AssistantToolCallParam struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type"`
	Function *FunctionCallParam `json:"function,omitempty"`
}

// FunctionCallParam is the request representation of a function call.
type FunctionCallParam struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolDefinition describes a function definition for function calling.
type ToolDefinition struct {
	Type     string             `json:"type"`
	Function FunctionDefinition `json:"function"`
}

// FunctionDefinition contains the schema for a callable function.
type FunctionDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// ChatCompletionResponse captures the non-streaming response schema subset.
type ChatCompletionResponse struct {
	ID      string                 `json:"id"`
	Model   string                 `json:"model"`
	Choices []ChatCompletionChoice `json:"choices"`
	Usage   *UsageBody             `json:"usage,omitempty"`
	Error   *ErrorBody             `json:"error,omitempty"`
}

// ChatCompletionChoice wraps a single assistant message.
type ChatCompletionChoice struct {
	Index        int                           `json:"index"`
	Message      ChatCompletionResponseMessage `json:"message"`
	FinishReason string                        `json:"finish_reason"`
}

// ChatCompletionResponseMessage is the assistant payload.
type ChatCompletionResponseMessage struct {
	Role      string              `json:"role"`
	Content   MessageContent      `json:"content"`
	ToolCalls []AssistantToolCall `json:"tool_calls,omitempty"`
}

// AssistantToolCall represents a full tool call emitted by the assistant.
type AssistantToolCall struct {
	ID       string            `json:"id"`
	Type     string            `json:"type"`
	Function *FunctionCallBody `json:"function,omitempty"`
}

// FunctionCallBody contains the executable details of a function call.
type FunctionCallBody struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// UsageBody is the token accounting block.
type UsageBody struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
	PromptDetails    *struct {
		CachedTokens int `json:"cached_tokens"`
	} `json:"prompt_tokens_details,omitempty"`
}

func (u *UsageBody) usage() stream.Usage {
	if u == nil {
		return stream.Usage{}
	}
	out := stream.Usage{
		InputTokens:  u.PromptTokens,
		OutputTokens: u.CompletionTokens,
		TotalTokens:  u.TotalTokens,
	}
	if out.TotalTokens == 0 {
		out.TotalTokens = out.InputTokens + out.OutputTokens
	}
	if u.PromptDetails != nil {
		out.CacheTokens = u.PromptDetails.CachedTokens
	}
	return out
}

// MessageContent normalizes string vs array payloads.
type MessageContent []MessageContentPart

// MessageContentPart is a single segment of assistant output.
type MessageContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Text collapses all text parts into a single string.
func (c MessageContent) Text() string {
	var b strings.Builder
	for _, part := range c {
		if part.Type == "text" && part.Text != "" {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// UnmarshalJSON accepts either a simple string or array payload.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*c = nil
		return nil
	}
	switch data[0] {
	case '[':
		var parts []MessageContentPart
		if err := json.Unmarshal(data, &parts); err != nil {
			return err
		}
		*c = parts
		return nil
	case '"':
		var text string
		if err := json.Unmarshal(data, &text); err != nil {
			return err
		}
		*c = MessageContent{{Type: "text", Text: text}}
		return nil
	}
	return fmt.Errorf("unsupported content payload: %s", string(data))
}

// ChatCompletionStreamChunk represents a streaming delta envelope.
type ChatCompletionStreamChunk struct {
	Choices []ChatCompletionStreamChoice `json:"choices"`
	Usage   *UsageBody                   `json:"usage,omitempty"`
	Error   *ErrorBody                   `json:"error,omitempty"`
}

// ChatCompletionStreamChoice carries delta updates.
type ChatCompletionStreamChoice struct {
	Index        int                 `json:"index"`
	Delta        ChatCompletionDelta `json:"delta"`
	FinishReason string              `json:"finish_reason"`
}

// ChatCompletionDelta provides incremental tokens or tool call deltas.
type ChatCompletionDelta struct {
	Role      string                   `json:"role"`
	Content   MessageContent           `json:"content"`
	ToolCalls []AssistantToolCallDelta `json:"tool_calls"`
}

// AssistantToolCallDelta accumulates partial function call data. Only the
// first delta of a call carries its id.
type AssistantToolCallDelta struct {
	Index    int                `json:"index"`
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function *FunctionCallDelta `json:"function,omitempty"`
}

// FunctionCallDelta carries partial name/arguments.
type FunctionCallDelta struct {
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

// ErrorBody contains the API error details.
type ErrorBody struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Param   string `json:"param"`
	Code    any    `json:"code"`
}

func (e *ErrorBody) Error() string {
	var b strings.Builder
	b.WriteString("api error")
	if e.Type != "" {
		fmt.Fprintf(&b, " (%s)", e.Type)
	}
	if e.Code != nil {
		fmt.Fprintf(&b, " code=%v", e.Code)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	return b.String()
}
