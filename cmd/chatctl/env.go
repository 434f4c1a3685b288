package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"goa.design/clue/log"

	"github.com/cexll/sessionkit/pkg/config"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/server"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/telemetry"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const defaultConfigPath = "sessionkit.yaml"

var version = "dev"

// providerFactory is swapped in tests to avoid network providers.
var providerFactory = func(cfg *config.Config, logger telemetry.Logger) (provider.Provider, error) {
	return cfg.BuildProvider(logger)
}

// environment is everything a command needs, built from one config.
type environment struct {
	ctx      context.Context
	cfg      *config.Config
	logger   telemetry.Logger
	provider provider.Provider
	store    transcript.Store
	registry *tool.Registry
	closers  []func() error
}

func setup(ctx context.Context, cfgPath string, streams ioStreams) (*environment, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	env := &environment{
		ctx:    logContext(ctx, cfg.Telemetry, streams.err),
		cfg:    cfg,
		logger: telemetry.NewClueLogger(),
	}
	if cfg.Telemetry.Endpoint != "" {
		mgr, err := telemetry.NewManager(cfg.TelemetryConfig(version))
		if err != nil {
			return nil, fmt.Errorf("telemetry: %w", err)
		}
		telemetry.SetDefault(mgr)
		env.closers = append(env.closers, func() error { return mgr.Shutdown(context.Background()) })
	}
	if err := env.build(cfg); err != nil {
		_ = env.Close()
		return nil, err
	}
	return env, nil
}

func (e *environment) build(cfg *config.Config) error {
	p, err := providerFactory(cfg, e.logger)
	if err != nil {
		return fmt.Errorf("provider: %w", err)
	}
	store, closeStore, err := cfg.BuildStore()
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	e.closers = append(e.closers, closeStore)
	reg, closeTools, err := cfg.BuildRegistry(e.ctx, version, e.logger)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}
	e.closers = append(e.closers, closeTools)
	e.provider, e.store, e.registry = p, store, reg
	return nil
}

// template describes new server sessions from the current build. Each
// session gets its own clone of the configured registry; MCP connections
// stay shared.
func (e *environment) template() server.Template {
	base := e.registry
	return server.Template{
		Provider: e.provider,
		Store:    e.store,
		NewRegistry: func(context.Context) (*tool.Registry, error) {
			return base.Clone(), nil
		},
		Options: e.cfg.SessionOptions(),
	}
}

// newSession resumes id from the store, or starts a fresh session when id is
// empty.
func (e *environment) newSession(id string) (*session.Session, error) {
	opts := append(e.cfg.SessionOptions(),
		session.WithRegistry(e.registry),
		session.WithLogger(e.logger),
	)
	if id != "" {
		return session.Resume(e.ctx, e.provider, e.store, id, opts...)
	}
	return session.New(e.provider, append(opts, session.WithStore(e.store))...)
}

// Close releases resources in reverse order of acquisition.
func (e *environment) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func logContext(ctx context.Context, tc config.TelemetryConfig, out io.Writer) context.Context {
	format := log.FormatText
	switch tc.Format {
	case "json":
		format = log.FormatJSON
	case "terminal":
		format = log.FormatTerminal
	}
	opts := []log.LogOption{log.WithFormat(format)}
	if out != nil {
		opts = append(opts, log.WithOutput(out))
	}
	ctx = log.Context(ctx, opts...)
	if tc.Debug {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}
	return ctx
}
