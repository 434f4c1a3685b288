// Command chatctl runs sessionkit sessions from the terminal and serves them
// over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
)

// ioStreams carries the command's stdout and stderr so tests can capture them.
type ioStreams struct {
	out io.Writer
	err io.Writer
}

type command struct {
	name    string
	summary string
	run     func(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error
}

var commands = []command{
	{name: "run", summary: "Run one turn of a session", run: runCommand},
	{name: "serve", summary: "Start the HTTP API server", run: serveCommand},
	{name: "tools", summary: "List the configured tools", run: toolsCommand},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := runCLI(ctx, os.Args[1:], ioStreams{out: os.Stdout, err: os.Stderr})
	stop()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			fmt.Fprintf(os.Stderr, "chatctl: %v\n", err)
		}
		os.Exit(1)
	}
}

func runCLI(ctx context.Context, argv []string, streams ioStreams) error {
	fs := flag.NewFlagSet("chatctl", flag.ContinueOnError)
	fs.SetOutput(streams.err)
	cfgPath := fs.String("config", defaultConfigPath, "Path to the YAML config file.")
	fs.Usage = func() { usage(streams.err, fs) }
	if err := fs.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}
	name := fs.Arg(0)
	if name == "help" {
		fs.Usage()
		return nil
	}
	for _, cmd := range commands {
		if cmd.name == name {
			return cmd.run(ctx, fs.Args()[1:], *cfgPath, streams)
		}
	}
	fs.Usage()
	return fmt.Errorf("unknown command %q", name)
}

func usage(w io.Writer, fs *flag.FlagSet) {
	fmt.Fprintln(w, "chatctl drives sessionkit sessions.")
	fmt.Fprintln(w, "\nUsage:\n  chatctl [-config path] <command> [flags] [args]")
	fmt.Fprintln(w, "\nCommands:")
	for _, cmd := range commands {
		fmt.Fprintf(w, "  %-7s %s\n", cmd.name, cmd.summary)
	}
	fmt.Fprintln(w, "\nGlobal flags:")
	fs.PrintDefaults()
}
