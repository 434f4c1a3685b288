package openai

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/stretchr/testify/require"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/response"
	"github.com/cexll/sessionkit/pkg/stream"
	"github.com/cexll/sessionkit/pkg/transcript"
)

// testDecoder feeds a fixed sequence of events to an ssestream.Stream.
type testDecoder struct {
	events []ssestream.Event
	i      int
	err    error
}

func (d *testDecoder) Event() ssestream.Event { return d.events[d.i-1] }

func (d *testDecoder) Next() bool {
	if d.i >= len(d.events) {
		return false
	}
	d.i++
	return true
}

func (d *testDecoder) Close() error { return nil }
func (d *testDecoder) Err() error   { return d.err }

type fakeChat struct {
	mu         sync.Mutex
	params     sdk.ChatCompletionNewParams
	completion string
	chunks     []string
	err        error
	streamErr  error
}

func (f *fakeChat) New(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) (*sdk.ChatCompletion, error) {
	f.mu.Lock()
	f.params = body
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	var out sdk.ChatCompletion
	if err := json.Unmarshal([]byte(f.completion), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (f *fakeChat) NewStreaming(_ context.Context, body sdk.ChatCompletionNewParams, _ ...option.RequestOption) *ssestream.Stream[sdk.ChatCompletionChunk] {
	f.mu.Lock()
	f.params = body
	f.mu.Unlock()
	dec := &testDecoder{err: f.streamErr}
	for _, c := range f.chunks {
		dec.events = append(dec.events, ssestream.Event{Data: []byte(c)})
	}
	return ssestream.NewStream[sdk.ChatCompletionChunk](dec, nil)
}

func weatherRequest() provider.Request {
	weather := transcript.ToolDefinition{
		Name:        "weather",
		Description: "current weather",
		Parameters:  content.ObjectSchema("Weather").Property("city", content.StringSchema()).MustBuild(),
	}
	call := transcript.ToolCall{ID: "call_0", Name: "weather", Arguments: content.Object(content.F("city", content.String("Lyon")))}
	return provider.Request{
		Transcript: []transcript.Entry{
			transcript.Instructions("Be brief.", []transcript.ToolDefinition{weather}),
			transcript.Prompt(transcript.Text("weather in Lyon?")),
			transcript.ToolCalls(call),
			transcript.ToolOutput(call, []transcript.Segment{transcript.Text("rain")}, false),
		},
		Options: provider.Options{MaxTokens: 64},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(Options{})
	require.ErrorContains(t, err, "model name")
	_, err = New(Options{Model: "gpt-4o"})
	require.ErrorContains(t, err, "api key")
}

func TestCompleteConvertsRequestAndResponse(t *testing.T) {
	chat := &fakeChat{completion: `{
		"id": "c1", "object": "chat.completion", "created": 1, "model": "gpt-4o",
		"choices": [{"index": 0, "finish_reason": "tool_calls", "message": {"role": "assistant", "content": null,
			"tool_calls": [{"id": "call_1", "type": "function", "function": {"name": "weather", "arguments": "{\"city\":\"Paris\"}"}}]}}],
		"usage": {"prompt_tokens": 5, "completion_tokens": 3, "total_tokens": 8}
	}`}
	p, err := New(Options{Service: chat, Model: "gpt-4o"})
	require.NoError(t, err)

	resp, err := p.Complete(context.Background(), weatherRequest())
	require.NoError(t, err)

	require.Equal(t, sdk.ChatModel("gpt-4o"), chat.params.Model)
	require.Len(t, chat.params.Messages, 4)
	require.NotNil(t, chat.params.Messages[0].OfSystem)
	require.NotNil(t, chat.params.Messages[1].OfUser)
	require.NotNil(t, chat.params.Messages[2].OfAssistant)
	require.Len(t, chat.params.Messages[2].OfAssistant.ToolCalls, 1)
	require.NotNil(t, chat.params.Messages[3].OfTool)
	require.Len(t, chat.params.Tools, 1)
	require.Equal(t, "weather", chat.params.Tools[0].Function.Name)
	require.Equal(t, int64(64), chat.params.MaxCompletionTokens.Value)

	require.Equal(t, stream.FinishToolCalls, resp.Finish)
	require.Equal(t, 8, resp.Usage.TotalTokens)
	require.Len(t, resp.ToolCalls, 1)
	require.Equal(t, "call_1", resp.ToolCalls[0].ID)
	require.Equal(t, `{"city":"Paris"}`, resp.ToolCalls[0].Arguments.String())
}

func TestCompleteTransportError(t *testing.T) {
	p, err := New(Options{Service: &fakeChat{err: errors.New("connection reset")}, Model: "gpt-4o"})
	require.NoError(t, err)
	_, err = p.Complete(context.Background(), weatherRequest())
	require.True(t, errors.Is(err, failure.ErrTransport), "got %v", err)
}

func TestStreamAssemblesChunks(t *testing.T) {
	chat := &fakeChat{chunks: []string{
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"role":"assistant","content":"Par"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{"content":"is"}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[{"index":0,"delta":{},"finish_reason":"stop"}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"gpt-4o","choices":[],"usage":{"prompt_tokens":4,"completion_tokens":2,"total_tokens":6}}`,
		`[DONE]`,
	}}
	p, err := New(Options{Service: chat, Model: "gpt-4o"})
	require.NoError(t, err)

	s, err := p.Stream(context.Background(), weatherRequest())
	require.NoError(t, err)
	resp, err := response.Fold(s, "", nil)
	require.NoError(t, err)
	require.Equal(t, "Paris", resp.Text())
	require.Equal(t, stream.FinishStop, resp.Finish)
	require.Equal(t, 6, resp.Usage.TotalTokens)
}

func TestStreamToolCallIDsByIndex(t *testing.T) {
	chat := &fakeChat{chunks: []string{
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"weather","arguments":""}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"time","arguments":"{}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"{\"city\":\"Oslo\"}"}}]}}]}`,
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
	}}
	p, err := New(Options{Service: chat, Model: "m"})
	require.NoError(t, err)
	s, err := p.Stream(context.Background(), weatherRequest())
	require.NoError(t, err)
	resp, err := response.Fold(s, "", nil)
	require.NoError(t, err)

	require.Equal(t, stream.FinishToolCalls, resp.Finish)
	require.Len(t, resp.ToolCalls, 2)
	require.Equal(t, "call_a", resp.ToolCalls[0].ID)
	require.Equal(t, `{"city":"Oslo"}`, resp.ToolCalls[0].Arguments.String())
	require.Equal(t, "call_b", resp.ToolCalls[1].ID)
}

func TestStreamEndingWithoutFinishFails(t *testing.T) {
	chat := &fakeChat{chunks: []string{
		`{"id":"c","object":"chat.completion.chunk","created":1,"model":"m","choices":[{"index":0,"delta":{"content":"cut"}}]}`,
	}}
	p, err := New(Options{Service: chat, Model: "m"})
	require.NoError(t, err)
	s, err := p.Stream(context.Background(), weatherRequest())
	require.NoError(t, err)
	_, err = response.Fold(s, "", nil)
	require.True(t, errors.Is(err, stream.ErrUnterminated), "got %v", err)
}

func TestStreamDecoderErrorIsTransportFailure(t *testing.T) {
	chat := &fakeChat{streamErr: errors.New("read: connection reset")}
	p, err := New(Options{Service: chat, Model: "m"})
	require.NoError(t, err)
	s, err := p.Stream(context.Background(), weatherRequest())
	require.NoError(t, err)
	events, err := stream.Collect(s)
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.True(t, errors.Is(events[0].Err, failure.ErrTransport))
}
