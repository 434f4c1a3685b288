package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
)

type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(context.Context, string, ...any) {}
func (l *recordingLogger) Info(context.Context, string, ...any)  {}
func (l *recordingLogger) Error(context.Context, string, ...any) {}
func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func testMapper(f Frame) ([]Event, error) {
	var payload struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if err := json.Unmarshal(f.Data, &payload); err != nil {
		return nil, err
	}
	switch payload.Type {
	case "text":
		return []Event{TextDelta(payload.Text)}, nil
	case "done":
		return []Event{Finish(FinishStop, Usage{OutputTokens: 3})}, nil
	case "ping":
		return nil, nil
	}
	return nil, fmt.Errorf("unknown frame type %q", payload.Type)
}

func response(status int, contentType, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Header:     http.Header{"Content-Type": []string{contentType}},
		Body:       io.NopCloser(strings.NewReader(body)),
	}
}

func kinds(events []Event) []Kind {
	out := make([]Kind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}
	return out
}

func TestPullRequiresTerminalEvent(t *testing.T) {
	events, err := Collect(FromEvents(TextDelta("partial")))
	require.NoError(t, err)
	require.Equal(t, []Kind{KindTextDelta, KindFailure}, kinds(events))
	require.ErrorIs(t, events[1].Err, failure.ErrTransport)
	require.ErrorIs(t, events[1].Err, ErrUnterminated)
}

func TestPullStopsAfterTerminal(t *testing.T) {
	s := FromEvents(TextDelta("a"), Finish(FinishStop, Usage{}), TextDelta("late"))
	events, err := Collect(s)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindTextDelta, KindFinish}, kinds(events))

	_, err = s.Recv()
	require.ErrorIs(t, err, io.EOF)
}

func TestEmptyStreamIsDistinguishableFromFailure(t *testing.T) {
	empty, _ := Collect(FromEvents(Finish(FinishStop, Usage{})))
	require.Equal(t, []Kind{KindFinish}, kinds(empty))

	broken, _ := Collect(FromEvents())
	require.Equal(t, []Kind{KindFailure}, kinds(broken))
}

func TestPullRejectsSecondNameForSameCall(t *testing.T) {
	events, _ := Collect(FromEvents(
		ToolCallDelta("c1", "weather", `{"ci`),
		ToolCallDelta("c1", "weather", `ty":1}`),
		Finish(FinishToolCalls, Usage{}),
	))
	require.Equal(t, []Kind{KindToolCallDelta, KindFailure}, kinds(events))
	require.ErrorIs(t, events[1].Err, failure.ErrMalformedContent)
}

func TestCloseAbortsRecv(t *testing.T) {
	s := FromEvents(TextDelta("a"), Finish(FinishStop, Usage{}))
	require.NoError(t, s.Close())
	_, err := s.Recv()
	require.ErrorIs(t, err, ErrClosed)
}

func TestFromResponseSSESkipsBadFrames(t *testing.T) {
	body := "event: message\ndata: {\"type\":\"text\",\"text\":\"Hel\"}\n\n" +
		": keep-alive\n\n" +
		"data: {broken\n\n" +
		"data: {\"type\":\"ping\"}\n\n" +
		"data: {\"type\":\"text\",\"text\":\"lo\"}\n\n" +
		"data: {\"type\":\"done\"}\n\n"
	logger := &recordingLogger{}
	s := FromResponse(context.Background(), response(200, "text/event-stream", body), SSE, testMapper,
		WithSubject("test"), WithLogger(logger))

	events, err := Collect(s)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindTextDelta, KindTextDelta, KindFinish}, kinds(events))
	require.Equal(t, "Hel", events[0].Text)
	require.Equal(t, "lo", events[1].Text)
	require.Equal(t, 3, events[2].Usage.OutputTokens)
	require.Len(t, logger.warns, 1)
}

func TestFromResponseNon2xx(t *testing.T) {
	s := FromResponse(context.Background(), response(503, "application/json", `{"error":"overloaded"}`), SSE, testMapper,
		WithSubject("compat"))
	events, err := Collect(s)
	require.NoError(t, err)
	require.Equal(t, []Kind{KindFailure}, kinds(events))

	var fe *failure.Error
	require.ErrorAs(t, events[0].Err, &fe)
	require.Equal(t, failure.KindTransport, fe.Kind)
	require.Equal(t, 503, fe.Status)
	require.Contains(t, fe.Body, "overloaded")
	require.Equal(t, "compat", fe.Subject)
}

func TestFromResponseNDJSON(t *testing.T) {
	body := `{"type":"text","text":"a"}` + "\n\n" +
		"not json\n" +
		`{"type":"text","text":"b"}` + "\n" +
		`{"type":"done"}`
	events, err := Collect(FromResponse(context.Background(), response(200, "application/x-ndjson", body), NDJSON, testMapper))
	require.NoError(t, err)
	require.Equal(t, []Kind{KindTextDelta, KindTextDelta, KindFinish}, kinds(events))
}

func TestFromResponseDocumentIsStrict(t *testing.T) {
	events, _ := Collect(FromResponse(context.Background(), response(200, "application/json", `{"type":`), Document, testMapper))
	require.Equal(t, []Kind{KindFailure}, kinds(events))
	require.ErrorIs(t, events[0].Err, failure.ErrMalformedContent)

	events, _ = Collect(FromResponse(context.Background(), response(200, "application/json", `{"type":"done"}`), Document, testMapper))
	require.Equal(t, []Kind{KindFinish}, kinds(events))
}

func TestFromResponseUnterminated(t *testing.T) {
	body := "data: {\"type\":\"text\",\"text\":\"a\"}\n\n"
	events, _ := Collect(FromResponse(context.Background(), response(200, "text/event-stream", body), SSE, testMapper))
	require.Equal(t, []Kind{KindTextDelta, KindFailure}, kinds(events))

	events, _ = Collect(FromResponse(context.Background(), response(200, "text/event-stream", body), SSE, testMapper, AllowUnterminated()))
	require.Equal(t, []Kind{KindTextDelta, KindFinish}, kinds(events))
	require.Equal(t, FinishStop, events[1].Reason)
}

func TestFromResponseCancellationClosesBody(t *testing.T) {
	pr, pw := io.Pipe()
	defer pw.Close()
	resp := &http.Response{StatusCode: 200, Header: http.Header{}, Body: pr}

	ctx, cancel := context.WithCancel(context.Background())
	s := FromResponse(ctx, resp, NDJSON, testMapper)

	go func() {
		_, _ = pw.Write([]byte(`{"type":"text","text":"a"}` + "\n"))
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	ev, err := s.Recv()
	require.NoError(t, err)
	require.Equal(t, KindTextDelta, ev.Kind)

	ev, err = s.Recv()
	require.NoError(t, err)
	require.Equal(t, KindFailure, ev.Kind)
	require.ErrorIs(t, ev.Err, failure.ErrCancelled)
}

func TestToolCallAssemblerScenario(t *testing.T) {
	var a ToolCallAssembler
	require.NoError(t, a.Add(ToolCallFragment{ID: "c1", Name: "weather", Arguments: `{"ci`}))

	calls, err := a.Calls()
	require.NoError(t, err)
	require.False(t, calls[0].Complete)

	require.NoError(t, a.Add(ToolCallFragment{Arguments: `ty":"P`}))
	calls, _ = a.Calls()
	require.False(t, calls[0].Complete)

	require.NoError(t, a.Add(ToolCallFragment{ID: "c1", Arguments: `aris"}`}))
	calls, err = a.Finish()
	require.NoError(t, err)
	require.Len(t, calls, 1)
	require.True(t, calls[0].Complete)
	require.True(t, calls[0].Arguments.Equal(content.Object(content.F("city", content.String("Paris")))))
}

func TestToolCallAssemblerKeepsDeclarationOrder(t *testing.T) {
	var a ToolCallAssembler
	require.NoError(t, a.Add(ToolCallFragment{ID: "b", Name: "second", Arguments: `{"x":`}))
	require.NoError(t, a.Add(ToolCallFragment{ID: "a", Name: "first"}))
	require.NoError(t, a.Add(ToolCallFragment{ID: "b", Arguments: `1}`}))

	calls, err := a.Finish()
	require.NoError(t, err)
	require.Equal(t, "b", calls[0].ID)
	require.Equal(t, "a", calls[1].ID)
	require.Equal(t, 0, calls[1].Arguments.Len())
}

func TestToolCallAssemblerFailures(t *testing.T) {
	var a ToolCallAssembler
	require.NoError(t, a.Add(ToolCallFragment{ID: "c", Name: "lookup", Arguments: `{"q":"x`}))
	_, err := a.Finish()
	var fe *failure.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, failure.KindInvalidToolArguments, fe.Kind)
	require.Equal(t, "lookup", fe.Subject)

	require.Error(t, a.Add(ToolCallFragment{ID: "c", Name: "other"}))

	a.Reset()
	require.NoError(t, a.Add(ToolCallFragment{ID: "d", Name: "lookup", Arguments: `}`}))
	_, err = a.Calls()
	require.True(t, errors.Is(err, failure.ErrMalformedContent))
}

func TestStructuredDecodesTextDeltas(t *testing.T) {
	schema := content.ObjectSchema("Weather").Property("city", content.StringSchema()).MustBuild()
	src := FromEvents(TextDelta(`{"ci`), TextDelta(`ty":"P`), TextDelta(`aris"}`), Finish(FinishStop, Usage{}))

	events, err := Collect(Structured(src, schema))
	require.NoError(t, err)
	require.Equal(t, []Kind{KindStructuredDelta, KindStructuredDelta, KindStructuredDelta, KindStructuredDelta, KindFinish}, kinds(events))
	require.False(t, events[1].Complete)

	last := events[3]
	require.True(t, last.Complete)
	require.Equal(t, `{"city":"Paris"}`, last.Content.String())
	require.Same(t, schema, last.Content.Schema())
}

func TestStructuredRejectsInvalidOutput(t *testing.T) {
	schema := content.ObjectSchema("").Property("city", content.StringSchema()).MustBuild()

	events, _ := Collect(Structured(FromEvents(TextDelta(`{"city":1}`), Finish(FinishStop, Usage{})), schema))
	fail := events[len(events)-1]
	require.Equal(t, KindFailure, fail.Kind)
	var fe *failure.Error
	require.ErrorAs(t, fail.Err, &fe)
	require.Equal(t, "/city", fe.Field)

	events, _ = Collect(Structured(FromEvents(TextDelta(`{"city":"x"`), Finish(FinishStop, Usage{})), schema))
	require.Equal(t, KindFailure, events[len(events)-1].Kind)
}

func TestStructuredAcceptsScalarDocument(t *testing.T) {
	events, err := Collect(Structured(FromEvents(TextDelta(`4`), TextDelta(`2`), Finish(FinishStop, Usage{})), content.IntegerSchema()))
	require.NoError(t, err)
	final := events[len(events)-2]
	require.Equal(t, KindStructuredDelta, final.Kind)
	require.True(t, final.Complete)
	require.Equal(t, `42`, final.Content.String())
	require.Equal(t, KindFinish, events[len(events)-1].Kind)
}

func TestStructuredKeepsTextOfToolRound(t *testing.T) {
	schema := content.ObjectSchema("").Property("city", content.StringSchema()).MustBuild()
	tests := []struct {
		name   string
		events []Event
		want   []Kind
	}{
		{
			name: "text before tool call",
			events: []Event{
				TextDelta("Let me "), TextDelta("check."),
				ToolCallDelta("c1", "weather", `{"city":"Paris"}`),
				Finish(FinishToolCalls, Usage{}),
			},
			want: []Kind{KindTextDelta, KindToolCallDelta, KindFinish},
		},
		{
			name: "text after tool call passes through",
			events: []Event{
				ToolCallDelta("c1", "weather", `{"city":"Paris"}`),
				TextDelta("Let me check."),
				Finish(FinishToolCalls, Usage{}),
			},
			want: []Kind{KindToolCallDelta, KindTextDelta, KindFinish},
		},
		{
			name: "tool calls finish releases held text",
			events: []Event{
				TextDelta("Let me check."),
				Finish(FinishToolCalls, Usage{}),
			},
			want: []Kind{KindTextDelta, KindFinish},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := Collect(Structured(FromEvents(tt.events...), schema))
			require.NoError(t, err)
			require.Equal(t, tt.want, kinds(events))
			for _, ev := range events {
				if ev.Kind == KindTextDelta {
					require.Equal(t, "Let me check.", ev.Text)
				}
			}
		})
	}
}

func TestStructuredRejectsProseAtFinish(t *testing.T) {
	schema := content.ObjectSchema("").Property("city", content.StringSchema()).MustBuild()
	events, _ := Collect(Structured(FromEvents(TextDelta("Paris, "), TextDelta("I think."), Finish(FinishStop, Usage{})), schema))
	require.Equal(t, []Kind{KindFailure}, kinds(events))
	var fe *failure.Error
	require.ErrorAs(t, events[0].Err, &fe)
	require.Equal(t, failure.KindMalformedContent, fe.Kind)
}

func TestToolCallAssemblerFinishAcceptsScalarArguments(t *testing.T) {
	var a ToolCallAssembler
	require.NoError(t, a.Add(ToolCallFragment{ID: "c", Name: "sleep", Arguments: `1`}))
	require.NoError(t, a.Add(ToolCallFragment{ID: "c", Arguments: `5`}))

	partialCalls, err := a.Calls()
	require.NoError(t, err)
	require.False(t, partialCalls[0].Complete)

	calls, err := a.Finish()
	require.NoError(t, err)
	require.True(t, calls[0].Complete)
	require.Equal(t, `15`, calls[0].Arguments.String())
}
