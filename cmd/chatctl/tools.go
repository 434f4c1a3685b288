package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"text/tabwriter"
)

func toolsCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("tools", flag.ContinueOnError)
	set.SetOutput(streams.err)
	jsonFlag := set.Bool("json", false, "Print full definitions, including parameter schemas, as JSON.")
	configFlag := set.String("config", cfgPath, "Path to the YAML config file.")
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: chatctl tools [flags]")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
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
	defer env.Close()
	defs := env.registry.Definitions()
	if *jsonFlag {
		enc := json.NewEncoder(streams.out)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		return enc.Encode(defs)
	}
	if len(defs) == 0 {
		fmt.Fprintln(streams.out, "no tools configured")
		return nil
	}
	tw := tabwriter.NewWriter(streams.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tDESCRIPTION")
	for _, def := range defs {
		fmt.Fprintf(tw, "%s\t%s\n", def.Name, firstLine(def.Description))
	}
	return tw.Flush()
}

func firstLine(s string) string {
	for i, r := range s {
		if r == '\n' {
			return s[:i]
		}
	}
	return s
}
