package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cexll/sessionkit/pkg/config"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/telemetry"
)

func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	dir := t.TempDir()
	body := "provider:\n  kind: ollama\n  model: llama3\n" +
		"store:\n  kind: journal\n  dir: " + filepath.Join(dir, "transcripts") + "\n" +
		"telemetry:\n  format: json\n" + extra
	path := filepath.Join(dir, "sessionkit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func useProvider(t *testing.T, p provider.Provider) {
	t.Helper()
	original := providerFactory
	providerFactory = func(*config.Config, telemetry.Logger) (provider.Provider, error) { return p, nil }
	t.Cleanup(func() { providerFactory = original })
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func waitForAddress(t *testing.T, buf *syncBuffer, timeout time.Duration) string {
	t.Helper()
	deadline := time.Now().Add(timeout)
	const marker = "chatctl serve listening on http://"
	for time.Now().Before(deadline) {
		output := buf.String()
		idx := strings.LastIndex(output, marker)
		if idx >= 0 {
			start := idx + len(marker)
			end := strings.Index(output[start:], "\n")
			if end >= 0 {
				return strings.TrimSpace(output[start : start+end])
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("server address not reported in time")
	return ""
}
