package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cexll/sessionkit/pkg/provider/providertest"
)

func TestRunCommandPrintsMarkdown(t *testing.T) {
	useProvider(t, providertest.New(providertest.Text("do", "ne")))
	cfgPath := writeTestConfig(t, "")
	var out bytes.Buffer
	if err := runCommand(context.Background(), []string{"demo"}, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("runCommand error: %v", err)
	}
	output := out.String()
	for _, want := range []string{"# chatctl run", "- Model: `llama3`", "done", "Finish Reason: `stop`", "Output tokens: 2"} {
		if !strings.Contains(output, want) {
			t.Fatalf("missing %q in output:\n%s", want, output)
		}
	}
}

func TestRunCommandStreamMode(t *testing.T) {
	useProvider(t, providertest.New(providertest.Text("hel", "lo")))
	cfgPath := writeTestConfig(t, "")
	var out bytes.Buffer
	if err := runCommand(context.Background(), []string{"--stream", "hello"}, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("runCommand stream error: %v", err)
	}
	output := out.String()
	if !strings.Contains(output, "# chatctl run (stream)") || !strings.Contains(output, "hello\n") {
		t.Fatalf("unexpected stream output:\n%s", output)
	}
}

func TestRunCommandResumesSession(t *testing.T) {
	p := providertest.New(providertest.Text("first"), providertest.Text("second"))
	useProvider(t, p)
	cfgPath := writeTestConfig(t, "")
	streams := ioStreams{out: io.Discard, err: io.Discard}
	if err := runCommand(context.Background(), []string{"--session", "dev", "one"}, cfgPath, streams); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := runCommand(context.Background(), []string{"--session", "dev", "two"}, cfgPath, streams); err != nil {
		t.Fatalf("second run: %v", err)
	}
	reqs := p.Requests()
	if len(reqs) != 2 {
		t.Fatalf("expected 2 requests, got %d", len(reqs))
	}
	if len(reqs[1].Transcript) <= len(reqs[0].Transcript) {
		t.Fatalf("second turn did not see the persisted transcript: %d entries", len(reqs[1].Transcript))
	}
}

func TestRunCommandStructuredOutput(t *testing.T) {
	useProvider(t, providertest.New(providertest.Text(`{"city":`, `"Paris"}`)))
	cfgPath := writeTestConfig(t, "")
	schemaPath := filepath.Join(t.TempDir(), "schema.json")
	schema := `{"type":"object","properties":{"city":{"type":"string"}},"required":["city"]}`
	if err := os.WriteFile(schemaPath, []byte(schema), 0o600); err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	if err := runCommand(context.Background(), []string{"--schema", schemaPath, "where?"}, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("runCommand error: %v", err)
	}
	if !strings.Contains(out.String(), "## Structured") || !strings.Contains(out.String(), `"city": "Paris"`) {
		t.Fatalf("structured output missing:\n%s", out.String())
	}
}

func TestRunCommandRequiresPrompt(t *testing.T) {
	cfgPath := writeTestConfig(t, "")
	if err := runCommand(context.Background(), nil, cfgPath, ioStreams{out: io.Discard, err: io.Discard}); err == nil {
		t.Fatal("expected error without prompt")
	}
}

func TestRunCLIRejectsUnknownCommand(t *testing.T) {
	if err := runCLI(context.Background(), []string{"bogus"}, ioStreams{out: io.Discard, err: io.Discard}); err == nil {
		t.Fatal("expected error for unknown command")
	}
}
