package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cexll/sessionkit/pkg/provider/providertest"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const sampleConfig = `
version: "1"
session:
  instructions: be brief
  max_rounds: 3
  streaming: false
provider:
  kind: anthropic
  model: claude-sonnet
  api_key: ${SESSIONKIT_TEST_KEY}
  rate_limit:
    tpm: 1000
store:
  kind: journal
  dir: ./data/
tools:
  web_search: true
  mcp:
    - name: files
      command: mcp-files
      env:
        ROOT: /tmp
`

func writeConfig(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "sessionkit.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestParseExpandsEnvAndFillsDefaults(t *testing.T) {
	t.Setenv("SESSIONKIT_TEST_KEY", "sk-test")
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "sk-test", cfg.Provider.APIKey)
	require.Equal(t, ProviderAnthropic, cfg.Provider.Kind)
	require.Equal(t, 1000.0, cfg.Provider.RateLimit.MaxTPM, "max_tpm defaults to tpm")
	require.Equal(t, 3, cfg.Session.MaxRounds)
	require.False(t, cfg.Session.StreamingEnabled())
	require.Equal(t, "data", cfg.Store.Dir)
	require.Equal(t, defaultAddr, cfg.Server.Addr)
	require.Equal(t, defaultServiceName, cfg.Telemetry.ServiceName)
	require.Equal(t, "text", cfg.Telemetry.Format)
	require.Len(t, cfg.Tools.MCP, 1)
	require.NoError(t, NewDefaultValidator().Validate(cfg))
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"provider":{"kind":"ollama","model":"llama3"}}`))
	require.NoError(t, err)
	require.Equal(t, "llama3", cfg.Provider.Model)
	require.Equal(t, session.DefaultMaxRounds, cfg.Session.MaxRounds)
	require.True(t, cfg.Session.StreamingEnabled())
	require.Equal(t, StoreMemory, cfg.Store.Kind)
}

func TestParseRejectsEmptyPayload(t *testing.T) {
	if _, err := Parse([]byte("  \n")); err == nil {
		t.Fatal("expected error for empty payload")
	}
}

func TestValidatorRejectsInvalidConfigs(t *testing.T) {
	base := func() *Config {
		cfg := &Config{Provider: ProviderConfig{Kind: ProviderOllama, Model: "llama3"}}
		cfg.Normalize()
		return cfg
	}
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing kind", func(c *Config) { c.Provider.Kind = "" }, "provider.kind"},
		{"unknown kind", func(c *Config) { c.Provider.Kind = "bedrock" }, "unknown provider.kind"},
		{"missing model", func(c *Config) { c.Provider.Model = "" }, "provider.model"},
		{"anthropic key", func(c *Config) { c.Provider.Kind = ProviderAnthropic }, "api_key"},
		{"compat base url", func(c *Config) { c.Provider.Kind = ProviderCompat }, "base_url"},
		{"bad base url", func(c *Config) { c.Provider.BaseURL = "ftp://x" }, "scheme"},
		{"temperature", func(c *Config) { v := 3.0; c.Provider.Temperature = &v }, "temperature"},
		{"rate limit", func(c *Config) { c.Provider.RateLimit = RateLimitConfig{TPM: 10, MaxTPM: 5} }, "max_tpm"},
		{"negative rounds", func(c *Config) { c.Session.MaxRounds = -1 }, "max_rounds"},
		{"journal dir", func(c *Config) { c.Store.Kind = StoreJournal }, "store.dir"},
		{"redis addr", func(c *Config) { c.Store.Kind = StoreRedis }, "redis_addr"},
		{"ttl", func(c *Config) { c.Store.TTL = "soon" }, "store.ttl"},
		{"log format", func(c *Config) { c.Telemetry.Format = "xml" }, "telemetry.format"},
		{"mcp name", func(c *Config) { c.Tools.MCP = []MCPServer{{Command: "x"}} }, "name cannot be empty"},
		{"mcp duplicate", func(c *Config) {
			c.Tools.MCP = []MCPServer{{Name: "a", Command: "x"}, {Name: "a", Command: "y"}}
		}, "duplicate"},
		{"mcp both", func(c *Config) {
			c.Tools.MCP = []MCPServer{{Name: "a", Command: "x", URL: "http://h"}}
		}, "exactly one"},
		{"mcp env", func(c *Config) {
			c.Tools.MCP = []MCPServer{{Name: "a", Command: "x", Env: map[string]string{"bad-key": "v"}}}
		}, "invalid environment key"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base()
			tc.mutate(cfg)
			err := NewDefaultValidator().Validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected error containing %q, got %v", tc.want, err)
			}
		})
	}
	if err := NewDefaultValidator().Validate(base()); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}
}

func TestLoaderKeepsLastGoodConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "provider:\n  kind: ollama\n  model: llama3\n")
	loader, err := NewLoader(path)
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	require.Equal(t, path, cfg.SourcePath)
	require.NotEmpty(t, cfg.SourceHash)

	writeConfig(t, dir, "provider:\n  kind: nope\n")
	got, err := loader.Reload()
	require.Error(t, err)
	require.Same(t, cfg, got)
	last, ok := loader.Last()
	require.True(t, ok)
	require.Equal(t, "llama3", last.Provider.Model)
}

func TestLoadReportsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestWatcherNotifiesOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "provider:\n  kind: ollama\n  model: first\n")
	loader, err := NewLoader(path)
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	w, err := NewWatcher(loader, WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer w.Close()
	got := make(chan string, 4)
	w.Subscribe(func(cfg *Config) { got <- cfg.Provider.Model })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	writeConfig(t, dir, "provider:\n  kind: ollama\n  model: broken\n  max_tokens: -1\n")
	writeConfig(t, dir, "provider:\n  kind: ollama\n  model: second\n")
	select {
	case model := <-got:
		require.Equal(t, "second", model)
	case <-time.After(3 * time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestBuildStore(t *testing.T) {
	cfg := &Config{Store: StoreConfig{Kind: StoreJournal, Dir: t.TempDir()}}
	store, closeFn, err := cfg.BuildStore()
	require.NoError(t, err)
	defer closeFn()

	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "s1", transcript.Prompt(transcript.Text("hi"))))
	entries, err := store.Load(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	mem := &Config{Store: StoreConfig{Kind: StoreMemory}}
	_, closeMem, err := mem.BuildStore()
	require.NoError(t, err)
	require.NoError(t, closeMem())
}

func TestBuildProviderWrapsRateLimit(t *testing.T) {
	cfg := &Config{Provider: ProviderConfig{
		Kind:      ProviderOllama,
		Model:     "llama3",
		RateLimit: RateLimitConfig{TPM: 100, MaxTPM: 200},
	}}
	p, err := cfg.BuildProvider(nil)
	require.NoError(t, err)
	require.Equal(t, "ollama", p.Name())
	require.True(t, p.Capabilities().Streaming)
}

func TestBuildRegistryWithWebSearch(t *testing.T) {
	cfg := &Config{Tools: ToolsConfig{WebSearch: true}}
	reg, closeFn, err := cfg.BuildRegistry(context.Background(), "test", nil)
	require.NoError(t, err)
	defer closeFn()
	defs := reg.Definitions()
	require.Len(t, defs, 1)
	require.Equal(t, "WebSearch", defs[0].Name)
}

func TestSessionOptionsApply(t *testing.T) {
	cfg, err := Parse([]byte("session:\n  instructions: be brief\n  max_rounds: 2\nprovider:\n  kind: ollama\n  model: llama3\n"))
	require.NoError(t, err)
	p := providertest.New(providertest.Text("ok"))
	s, err := session.New(p, cfg.SessionOptions()...)
	require.NoError(t, err)
	_, err = s.Respond(context.Background(), session.Text("hello"), session.GenerateOptions{})
	require.NoError(t, err)
	reqs := p.Requests()
	require.Len(t, reqs, 1)
	require.Equal(t, "llama3", reqs[0].Options.Model)
	entries := s.Transcript()
	require.NotEmpty(t, entries)
	require.Equal(t, transcript.KindInstructions, entries[0].Kind)
}
