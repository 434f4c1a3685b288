package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"testing"

	"github.com/cexll/sessionkit/pkg/provider/providertest"
	"github.com/cexll/sessionkit/pkg/transcript"
)

func TestToolsCommandListsWebSearch(t *testing.T) {
	useProvider(t, providertest.New())
	cfgPath := writeTestConfig(t, "tools:\n  web_search: true\n")
	var out bytes.Buffer
	if err := toolsCommand(context.Background(), nil, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("toolsCommand: %v", err)
	}
	if !strings.Contains(out.String(), "WebSearch") {
		t.Fatalf("missing tool in output:\n%s", out.String())
	}

	out.Reset()
	if err := toolsCommand(context.Background(), []string{"--json"}, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("toolsCommand --json: %v", err)
	}
	var defs []transcript.ToolDefinition
	if err := json.Unmarshal(out.Bytes(), &defs); err != nil {
		t.Fatalf("decode definitions: %v", err)
	}
	if len(defs) != 1 || defs[0].Parameters == nil {
		t.Fatalf("unexpected definitions: %+v", defs)
	}
}

func TestToolsCommandWithoutTools(t *testing.T) {
	useProvider(t, providertest.New())
	cfgPath := writeTestConfig(t, "")
	var out bytes.Buffer
	if err := toolsCommand(context.Background(), nil, cfgPath, ioStreams{out: &out, err: io.Discard}); err != nil {
		t.Fatalf("toolsCommand: %v", err)
	}
	if strings.TrimSpace(out.String()) != "no tools configured" {
		t.Fatalf("unexpected output: %q", out.String())
	}
}
