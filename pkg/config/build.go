package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/redis/go-redis/v9"

	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/provider/anthropic"
	"github.com/cexll/sessionkit/pkg/provider/compat"
	"github.com/cexll/sessionkit/pkg/provider/ollama"
	"github.com/cexll/sessionkit/pkg/provider/openai"
	"github.com/cexll/sessionkit/pkg/provider/ratelimit"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/tool"
	toolbuiltin "github.com/cexll/sessionkit/pkg/tool/builtin"
	"github.com/cexll/sessionkit/pkg/tool/mcptool"
	"github.com/cexll/sessionkit/pkg/transcript"
	"github.com/cexll/sessionkit/pkg/transcript/journal"
	"github.com/cexll/sessionkit/pkg/transcript/redisstore"
)

// BuildProvider constructs the configured provider adapter, wrapped in the
// adaptive rate limiter when a token budget is set.
func (c *Config) BuildProvider(logger telemetry.Logger) (provider.Provider, error) {
	p := c.Provider
	var (
		built provider.Provider
		err   error
	)
	switch p.Kind {
	case ProviderAnthropic:
		built, err = anthropic.New(anthropic.Options{
			APIKey:    p.APIKey,
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			MaxTokens: p.MaxTokens,
			Logger:    logger,
		})
	case ProviderOpenAI:
		built, err = openai.New(openai.Options{
			APIKey:  p.APIKey,
			BaseURL: p.BaseURL,
			Model:   p.Model,
			Logger:  logger,
		})
	case ProviderCompat:
		built, err = compat.New(compat.Config{
			Name:    p.Name,
			BaseURL: p.BaseURL,
			APIKey:  p.APIKey,
			Model:   p.Model,
			Headers: p.Headers,
			Logger:  logger,
		})
	case ProviderOllama:
		built, err = ollama.New(ollama.Config{
			BaseURL:   p.BaseURL,
			Model:     p.Model,
			KeepAlive: p.KeepAlive,
			Logger:    logger,
		})
	default:
		return nil, fmt.Errorf("config: unknown provider kind %q", p.Kind)
	}
	if err != nil {
		return nil, err
	}
	if p.RateLimit.TPM > 0 {
		built = ratelimit.New(p.RateLimit.TPM, p.RateLimit.MaxTPM, ratelimit.WithLogger(logger)).Wrap(built)
	}
	return built, nil
}

// BuildStore opens the configured transcript store. The returned close
// function releases its resources and is never nil.
func (c *Config) BuildStore() (transcript.Store, func() error, error) {
	noop := func() error { return nil }
	s := c.Store
	switch s.Kind {
	case StoreMemory:
		return transcript.NewMemoryStore(), noop, nil
	case StoreJournal:
		j, err := journal.Open(s.Dir)
		if err != nil {
			return nil, noop, err
		}
		return j, j.Close, nil
	case StoreRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		opts := []redisstore.Option{redisstore.WithPrefix(s.Prefix)}
		if s.TTL != "" {
			ttl, err := time.ParseDuration(s.TTL)
			if err != nil {
				_ = rdb.Close()
				return nil, noop, fmt.Errorf("config: store ttl: %w", err)
			}
			opts = append(opts, redisstore.WithTTL(ttl))
		}
		return redisstore.New(rdb, opts...), rdb.Close, nil
	default:
		return nil, noop, fmt.Errorf("config: unknown store kind %q", s.Kind)
	}
}

// BuildRegistry registers the configured tools: the builtin web search and
// every tool imported from the MCP servers. The returned close function
// ends the MCP client sessions and is never nil. The registry is safe to
// share between sessions.
func (c *Config) BuildRegistry(ctx context.Context, version string, logger telemetry.Logger) (*tool.Registry, func() error, error) {
	opts := []tool.Option{tool.WithLogger(logger)}
	if c.Session.StrictArguments {
		opts = append(opts, tool.WithStrictArguments())
	}
	reg := tool.NewRegistry(opts...)
	var sessions []*mcp.ClientSession
	closeAll := func() error {
		var errs []error
		for _, cs := range sessions {
			if err := cs.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	if c.Tools.WebSearch {
		ws := toolbuiltin.NewWebSearch(nil)
		if err := reg.Register(ws.Definition(), ws); err != nil {
			return nil, closeAll, err
		}
	}
	for _, srv := range c.Tools.MCP {
		cs, err := mcptool.Connect(ctx, mcpTransport(srv), version)
		if err != nil {
			_ = closeAll()
			return nil, func() error { return nil }, fmt.Errorf("config: MCP server %s: %w", srv.Name, err)
		}
		sessions = append(sessions, cs)
		var ropts []mcptool.Option
		if srv.Prefix != "" {
			ropts = append(ropts, mcptool.WithPrefix(srv.Prefix))
		}
		if len(srv.Allow) > 0 {
			ropts = append(ropts, mcptool.WithAllowList(srv.Allow...))
		}
		names, err := mcptool.Register(ctx, reg, cs, ropts...)
		if err != nil {
			_ = closeAll()
			return nil, func() error { return nil }, fmt.Errorf("config: MCP server %s: %w", srv.Name, err)
		}
		telemetry.OrNoop(logger).Info(ctx, "mcp tools imported", "server", srv.Name, "tools", len(names))
	}
	return reg, closeAll, nil
}

func mcpTransport(srv MCPServer) mcp.Transport {
	if srv.URL != "" {
		return &mcp.StreamableClientTransport{Endpoint: srv.URL}
	}
	cmd := exec.Command(srv.Command, srv.Args...)
	if len(srv.Env) > 0 {
		keys := make([]string, 0, len(srv.Env))
		for k := range srv.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+srv.Env[k])
		}
	}
	return &mcp.CommandTransport{Command: cmd}
}

// SessionOptions translates the session block into session options.
func (c *Config) SessionOptions() []session.Option {
	opts := []session.Option{
		session.WithMaxRounds(c.Session.MaxRounds),
		session.WithStreaming(c.Session.StreamingEnabled()),
		session.WithToolConcurrency(c.Session.ToolConcurrency),
		session.WithOptions(provider.Options{
			Model:       c.Provider.Model,
			Temperature: c.Provider.Temperature,
			MaxTokens:   c.Provider.MaxTokens,
		}),
	}
	if c.Session.Instructions != "" {
		opts = append(opts, session.WithInstructions(c.Session.Instructions))
	}
	return opts
}

// TelemetryConfig translates the telemetry block for telemetry.NewManager.
func (c *Config) TelemetryConfig(version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    c.Telemetry.ServiceName,
		ServiceVersion: version,
		Environment:    c.Telemetry.Environment,
		Endpoint:       c.Telemetry.Endpoint,
		Insecure:       c.Telemetry.Insecure,
	}
}
