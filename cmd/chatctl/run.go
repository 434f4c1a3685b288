package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/provider"
	"github.com/cexll/sessionkit/pkg/session"
	"github.com/cexll/sessionkit/pkg/transcript"
)

func runCommand(ctx context.Context, argv []string, cfgPath string, streams ioStreams) error {
	set := flag.NewFlagSet("run", flag.ContinueOnError)
	set.SetOutput(streams.err)
	var (
		modelFlag   = set.String("model", "", "Override the model declared in the config.")
		sessionFlag = set.String("session", "", "Resume a persisted session by ID.")
		streamFlag  = set.Bool("stream", false, "Print the response as it is generated.")
		schemaFlag  = set.String("schema", "", "Path to a JSON Schema; the response becomes a validated document.")
		configFlag  = set.String("config", cfgPath, "Path to the YAML config file.")
	)
	set.Usage = func() {
		fmt.Fprintln(streams.err, "Usage: chatctl run [flags] \"prompt\"")
		fmt.Fprintln(streams.err, "\nFlags:")
		set.PrintDefaults()
		fmt.Fprintln(streams.err, "\nExamples:")
		fmt.Fprintln(streams.err, "  chatctl run \"summarize the release notes\"")
		fmt.Fprintln(streams.err, "  chatctl run --session dev --stream \"and the next step?\"")
		fmt.Fprintln(streams.err, "  chatctl run --schema weather.json \"weather in Paris\"")
	}
	if err := set.Parse(argv); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	input := strings.TrimSpace(strings.Join(set.Args(), " "))
	if input == "" {
		return errors.New("run requires a prompt")
	}
	opts := session.GenerateOptions{Options: provider.Options{Model: strings.TrimSpace(*modelFlag)}}
	if *schemaFlag != "" {
		data, err := os.ReadFile(*schemaFlag)
		if err != nil {
			return fmt.Errorf("read schema: %w", err)
		}
		schema, err := content.ParseJSONSchema(data)
		if err != nil {
			return fmt.Errorf("parse schema: %w", err)
		}
		opts.Schema = schema
	}

	env, err := setup(ctx, *configFlag, streams)
	if err != nil {
		return err
	}
	defer env.Close()
	sess, err := env.newSession(strings.TrimSpace(*sessionFlag))
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	meta := resultMeta{Model: pickString(opts.Options.Model, env.cfg.Provider.Model), Session: sess.ID()}
	if *streamFlag {
		return streamRun(env.ctx, sess, input, opts, meta, streams.out)
	}
	entry, err := sess.Respond(env.ctx, session.Text(input), opts)
	if err != nil {
		return fmt.Errorf("session respond: %w", err)
	}
	writeMarkdownResult(streams.out, entry, meta)
	return nil
}

// streamRun prints text as it grows. A new tool round starts a new line.
func streamRun(ctx context.Context, sess *session.Session, input string, opts session.GenerateOptions, meta resultMeta, out io.Writer) error {
	rs, err := sess.Stream(ctx, session.Text(input), opts)
	if err != nil {
		return fmt.Errorf("session stream: %w", err)
	}
	defer rs.Close()
	if out == nil {
		out = io.Discard
	}
	fmt.Fprintln(out, "# chatctl run (stream)")
	fmt.Fprintf(out, "- Model: `%s`\n", labelOrNA(meta.Model))
	fmt.Fprintf(out, "- Session: `%s`\n\n", meta.Session)
	round, printed := 0, ""
	for {
		snap, err := rs.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			fmt.Fprintln(out)
			return fmt.Errorf("session stream: %w", err)
		}
		if snap.Round != round {
			round, printed = snap.Round, ""
			fmt.Fprintln(out)
		}
		text := snap.Response.Text()
		if strings.HasPrefix(text, printed) {
			fmt.Fprint(out, text[len(printed):])
			printed = text
		}
	}
	fmt.Fprintln(out)
	entry, err := rs.Result()
	if err != nil {
		return err
	}
	writeStructured(out, entry)
	writeUsage(out, entry)
	return nil
}

type resultMeta struct {
	Model   string
	Session string
}

func writeMarkdownResult(out io.Writer, entry transcript.Entry, meta resultMeta) {
	if out == nil {
		return
	}
	fmt.Fprintln(out, "# chatctl run")
	fmt.Fprintf(out, "- Model: `%s`\n", labelOrNA(meta.Model))
	fmt.Fprintf(out, "- Session: `%s`\n", meta.Session)
	fmt.Fprintf(out, "- Finish Reason: `%s`\n", labelOrNA(string(entry.FinishReason)))
	if text := entry.Text(); text != "" {
		fmt.Fprintln(out, "\n## Output")
		fmt.Fprintf(out, "```\n%s\n```\n", text)
	}
	writeStructured(out, entry)
	writeUsage(out, entry)
}

func writeStructured(out io.Writer, entry transcript.Entry) {
	v, ok := entry.Structured()
	if !ok {
		return
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(out, "\n## Structured")
	fmt.Fprintf(out, "```json\n%s\n```\n", data)
}

func writeUsage(out io.Writer, entry transcript.Entry) {
	if entry.Usage == nil {
		return
	}
	fmt.Fprintln(out, "\n## Usage")
	fmt.Fprintf(out, "- Input tokens: %d\n", entry.Usage.InputTokens)
	fmt.Fprintf(out, "- Output tokens: %d\n", entry.Usage.OutputTokens)
	fmt.Fprintf(out, "- Total tokens: %d\n", entry.Usage.TotalTokens)
	if entry.Usage.CacheTokens > 0 {
		fmt.Fprintf(out, "- Cache tokens: %d\n", entry.Usage.CacheTokens)
	}
}

func pickString(primary, fallback string) string {
	primary = strings.TrimSpace(primary)
	if primary != "" {
		return primary
	}
	return strings.TrimSpace(fallback)
}

func labelOrNA(value string) string {
	if strings.TrimSpace(value) == "" {
		return "n/a"
	}
	return value
}
