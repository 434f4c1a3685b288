package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"goa.design/clue/log"

	"github.com/cexll/sessionkit/pkg/config"
	"github.com/cexll/sessionkit/pkg/event"
	"github.com/cexll/sessionkit/pkg/server"
)

func serveCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("serve", flag.ContinueOnError)
	set.SetOutput(streams.err)
	addrFlag := set.String("addr", "", "Address to bind (overrides server.addr).")
	watchFlag := set.Bool("watch", true, "Reload the config file when it changes.")
	configFlag := set.String("config", cfgPath, "Path to the YAML config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: chatctl serve [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nRoutes:")
		fmt.Fprintln(streams.err, "  POST   /v1/sessions/{id}/respond     Run one turn")
		fmt.Fprintln(streams.err, "  POST   /v1/sessions/{id}/stream      Run one turn, streaming snapshots via SSE")
		fmt.Fprintln(streams.err, "  GET    /v1/sessions/{id}/transcript  Read the transcript")
		fmt.Fprintln(streams.err, "  DELETE /v1/sessions/{id}             Evict the in-memory session")
		fmt.Fprintln(streams.err, "  GET    /v1/events                    Session lifecycle events via SSE")
		fmt.Fprintln(streams.err, "  GET    /healthz                      Health probe")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	env, err := setup(ctx, *configFlag, streams)
	if err != nil {
		return err
	}
	addr := pickString(*addrFlag, env.cfg.Server.Addr)
	var envMu sync.Mutex
	defer func() {
		envMu.Lock()
		defer envMu.Unlock()
		_ = env.Close()
	}()
	ctx = env.ctx

	bus := event.NewBus(event.WithLogger(env.logger))
	defer bus.Seal()
	srv, err := server.New(env.template(), server.WithLogger(env.logger), server.WithBus(bus))
	if err != nil {
		return err
	}
	defer srv.Close()

	if path := strings.TrimSpace(env.cfg.Server.EventLog); path != "" {
		eventLog, err := event.OpenFileLog(path)
		if err != nil {
			return err
		}
		defer eventLog.Close()
		events, unsubscribe := bus.Subscribe()
		defer unsubscribe()
		go func() {
			if err := eventLog.Record(ctx, events); err != nil && !errors.Is(err, context.Canceled) {
				env.logger.Warn(ctx, "event log stopped", "error", err)
			}
		}()
	}

	if *watchFlag {
		loader, err := config.NewLoader(*configFlag)
		if err != nil {
			return err
		}
		if _, err := loader.Load(); err != nil {
			return err
		}
		watcher, err := config.NewWatcher(loader, config.WithWatchLogger(env.logger))
		if err != nil {
			return err
		}
		defer watcher.Close()
		watcher.Subscribe(func(cfg *config.Config) {
			envMu.Lock()
			defer envMu.Unlock()
			// Sessions created before the reload keep their provider and
			// store, so earlier resources stay open until shutdown.
			if err := env.build(cfg); err != nil {
				env.logger.Warn(ctx, "config reload not applied", "error", err)
				return
			}
			env.cfg = cfg
			if err := srv.SetTemplate(env.template()); err != nil {
				env.logger.Warn(ctx, "config reload not applied", "error", err)
			}
		})
		go func() { _ = watcher.Run(ctx) }()
	}

	listener, err := net.Listen("tcp", strings.TrimSpace(addr))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	httpSrv := &http.Server{
		Handler:           log.HTTP(ctx)(srv),
		ReadHeaderTimeout: 10 * time.Second,
		// Ending ctx also ends open event streams so Shutdown can finish.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	if streams.out != nil {
		fmt.Fprintf(streams.out, "chatctl serve listening on http://%s\n", listener.Addr().String())
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- httpSrv.Serve(listener)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	case err := <-errCh:
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
