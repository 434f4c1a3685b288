package main

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/cexll/sessionkit/pkg/provider/providertest"
)

func TestServeCommandHealthAndRespond(t *testing.T) {
	useProvider(t, providertest.New(providertest.Text("pong")))
	cfgPath := writeTestConfig(t, "")
	buf := &syncBuffer{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- serveCommand(ctx, []string{"--addr=127.0.0.1:0"}, cfgPath, ioStreams{out: buf, err: io.Discard})
	}()
	addr := waitForAddress(t, buf, 3*time.Second)

	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		cancel()
		t.Fatalf("health request: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected health status: %d", resp.StatusCode)
	}
	_ = resp.Body.Close()

	runResp, err := http.Post("http://"+addr+"/v1/sessions/s1/respond", "application/json", strings.NewReader(`{"prompt":"ping"}`))
	if err != nil {
		cancel()
		t.Fatalf("respond request: %v", err)
	}
	data, _ := io.ReadAll(runResp.Body)
	_ = runResp.Body.Close()
	if runResp.StatusCode != http.StatusOK {
		t.Fatalf("respond status %d body %s", runResp.StatusCode, data)
	}
	if !strings.Contains(string(data), "pong") {
		t.Fatalf("missing response text: %s", data)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serveCommand error: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serveCommand did not exit after cancel")
	}
}
