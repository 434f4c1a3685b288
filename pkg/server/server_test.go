package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/event"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/provider/providertest"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

func newTestServer(t *testing.T, tmpl Template, opts ...Option) *Server {
	t.Helper()
	srv, err := New(tmpl, opts...)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	t.Cleanup(func() { _ = srv.Close() })
	return srv
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var payload map[string]errorBody
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return payload["error"]
}

func TestNewRequiresProvider(t *testing.T) {
	if _, err := New(Template{}); err == nil {
		t.Fatal("expected error for nil provider")
	}
}

func TestRespondEndpoint(t *testing.T) {
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Text("hel", "lo"))})
	rec := post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"hi"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", rec.Code, rec.Body.String())
	}
	var res turnResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	require.Equal(t, "s1", res.SessionID)
	require.Equal(t, "hello", res.Text)
	require.Equal(t, transcript.KindResponse, res.Entry.Kind)
}

func TestRespondRejectsBadPayloads(t *testing.T) {
	srv := newTestServer(t, Template{Provider: providertest.New()})
	cases := []struct {
		name string
		body string
	}{
		{"invalid json", `{`},
		{"empty prompt", `{"prompt":"  "}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := post(t, srv, "/v1/sessions/s1/respond", tc.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rec.Code)
			}
		})
	}
}

func TestStreamEndpointEmitsSnapshots(t *testing.T) {
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Text("a", "b"))})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/sessions/s1/stream", "application/json", strings.NewReader(`{"prompt":"go"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	body := string(data)
	require.Contains(t, body, "event: snapshot")
	require.Contains(t, body, `"text":"a"`)
	require.Contains(t, body, "event: completion")
	require.Contains(t, body, `"text":"ab"`)
	require.Less(t, strings.Index(body, "event: snapshot"), strings.Index(body, "event: completion"))
}

func TestStreamEndpointReportsFailure(t *testing.T) {
	boom := failure.Transport("scripted", 503, "overloaded", errors.New("unavailable"))
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Turn{
		Events: append(providertest.Text("partial").Events[:1], providertest.Fail(boom).Events...),
	})})
	ts := httptest.NewServer(srv)
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/v1/sessions/s1/stream", "application/json", strings.NewReader(`{"prompt":"go"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(data), "event: error")
	require.Contains(t, string(data), string(failure.KindTransport))
}

func TestBusySessionConflicts(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan struct{})
	p := providertest.New(providertest.Turn{Events: providertest.Text("slow").Events, Gate: gate, Started: started})
	srv := newTestServer(t, Template{Provider: p})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() { done <- post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"first"}`) }()
	<-started

	rec := post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"second"}`)
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, string(failure.KindSessionBusy), decodeError(t, rec).Kind)

	req := httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil)
	del := httptest.NewRecorder()
	srv.ServeHTTP(del, req)
	require.Equal(t, http.StatusConflict, del.Code)

	close(gate)
	first := <-done
	require.Equal(t, http.StatusOK, first.Code)
}

func TestFailureStatusMapping(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"transport", failure.Transport("p", 500, "", nil), http.StatusBadGateway},
		{"malformed", failure.Malformed(3, errors.New("bad")), http.StatusBadGateway},
		{"unknown tool", failure.UnknownTool("nope"), http.StatusUnprocessableEntity},
		{"loop", failure.LoopExceeded(2), http.StatusUnprocessableEntity},
		{"busy", failure.Busy("s"), http.StatusConflict},
		{"cancelled", failure.Cancelled(context.Canceled), statusClientClosed},
		{"plain", errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if got := statusFor(tc.err); got != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
		}
	}
}

func TestTransportFailureIsBadGateway(t *testing.T) {
	boom := failure.Transport("scripted", 503, "overloaded", nil)
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Fail(boom))})
	rec := post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusBadGateway, rec.Code)
	body := decodeError(t, rec)
	require.Equal(t, string(failure.KindTransport), body.Kind)
	require.Equal(t, "scripted", body.Subject)
}

func TestTranscriptEndpoint(t *testing.T) {
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Text("ok"))})
	require.Equal(t, http.StatusOK, post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"hi"}`).Code)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/transcript", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var payload struct {
		SessionID string             `json:"session_id"`
		Entries   []transcript.Entry `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &payload))
	require.Len(t, payload.Entries, 3)
	require.Equal(t, transcript.KindResponse, payload.Entries[2].Kind)
	require.Equal(t, "ok", payload.Entries[2].Text())

	missing := httptest.NewRecorder()
	srv.ServeHTTP(missing, httptest.NewRequest(http.MethodGet, "/v1/sessions/nope/transcript", nil))
	require.Equal(t, http.StatusNotFound, missing.Code)
}

func TestEvictedSessionResumesFromStore(t *testing.T) {
	p := providertest.New(providertest.Text("one"), providertest.Text("two"))
	store := transcript.NewMemoryStore()
	srv := newTestServer(t, Template{Provider: p, Store: store})

	require.Equal(t, http.StatusOK, post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"first"}`).Code)
	del := httptest.NewRecorder()
	srv.ServeHTTP(del, httptest.NewRequest(http.MethodDelete, "/v1/sessions/s1", nil))
	require.Equal(t, http.StatusNoContent, del.Code)

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sessions/s1/transcript", nil))
	require.Equal(t, http.StatusOK, rec.Code, "persisted transcript stays readable")

	require.Equal(t, http.StatusOK, post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"second"}`).Code)
	reqs := p.Requests()
	require.Len(t, reqs, 2)
	require.Greater(t, len(reqs[1].Transcript), len(reqs[0].Transcript))

	entries, err := store.Load(context.Background(), "s1")
	require.NoError(t, err)
	require.Equal(t, "two", entries[len(entries)-1].Text())
}

func TestSetTemplateAppliesToNewSessions(t *testing.T) {
	first := providertest.New(providertest.Text("from first"))
	second := providertest.New(providertest.Text("from second"))
	srv := newTestServer(t, Template{Provider: first})
	require.Equal(t, http.StatusOK, post(t, srv, "/v1/sessions/a/respond", `{"prompt":"hi"}`).Code)

	require.NoError(t, srv.SetTemplate(Template{Provider: second}))
	rec := post(t, srv, "/v1/sessions/b/respond", `{"prompt":"hi"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "from second")
	require.Len(t, first.Requests(), 1)
	require.Len(t, second.Requests(), 1)

	require.Error(t, srv.SetTemplate(Template{}))
}

func TestSessionsGetTheirOwnRegistry(t *testing.T) {
	noop := tool.Func(func(context.Context, content.Value) ([]transcript.Segment, error) { return nil, nil })
	base := tool.NewRegistry()
	base.MustRegister(transcript.ToolDefinition{Name: "weather"}, noop)

	var built []*tool.Registry
	tmpl := Template{
		Provider: providertest.New(providertest.Text("one"), providertest.Text("two")),
		NewRegistry: func(context.Context) (*tool.Registry, error) {
			reg := base.Clone()
			built = append(built, reg)
			return reg, nil
		},
		// Registered on every new session; a shared registry would reject
		// the second session as a duplicate.
		Options: []session.Option{session.WithTool(transcript.ToolDefinition{Name: "clock"}, noop)},
	}
	srv := newTestServer(t, tmpl)

	for _, id := range []string{"a", "b"} {
		rec := post(t, srv, "/v1/sessions/"+id+"/respond", `{"prompt":"hi"}`)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	require.Len(t, built, 2)
	require.NotSame(t, built[0], built[1])
	require.Equal(t, 1, base.Len(), "session tools stay out of the template registry")

	srv.mu.Lock()
	a, b := srv.sessions["a"], srv.sessions["b"]
	srv.mu.Unlock()
	require.Len(t, a.Tools(), 2)
	require.Len(t, b.Tools(), 2)
}

func TestRegistryFactoryFailure(t *testing.T) {
	srv := newTestServer(t, Template{
		Provider: providertest.New(),
		NewRegistry: func(context.Context) (*tool.Registry, error) {
			return nil, errors.New("mcp server unreachable")
		},
	})
	rec := post(t, srv, "/v1/sessions/a/respond", `{"prompt":"hi"}`)
	require.GreaterOrEqual(t, rec.Code, http.StatusBadRequest)
	srv.mu.Lock()
	defer srv.mu.Unlock()
	require.Empty(t, srv.sessions)
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, Template{Provider: providertest.New()})
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestEventsFeedRelaysBus(t *testing.T) {
	bus := event.NewBus()
	srv := newTestServer(t, Template{Provider: providertest.New(providertest.Text("ok"))}, WithBus(bus))
	ts := httptest.NewServer(srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, ": connected\n", line)

	require.Equal(t, http.StatusOK, post(t, srv, "/v1/sessions/s1/respond", `{"prompt":"hi"}`).Code)
	for {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		if line == "event: "+string(event.TypeCompletion)+"\n" {
			return
		}
	}
}
