// Package mcptool imports the tools of a Model Context Protocol server into
// a tool registry.
package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/tool"
	"github.com/cexll/sessionkit/pkg/transcript"
)

const clientName = "sessionkit"

// Connect opens a client session over transport.
func Connect(ctx context.Context, transport mcp.Transport, version string) (*mcp.ClientSession, error) {
	if version == "" {
		version = "dev"
	}
	client := mcp.NewClient(&mcp.Implementation{Name: clientName, Version: version}, nil)
	session, err := client.Connect(ctx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("mcptool: connect: %w", err)
	}
	return session, nil
}

type config struct {
	prefix string
	allow  map[string]bool
}

// Option tunes Register.
type Option func(*config)

// WithPrefix prepends prefix to every imported tool name.
func WithPrefix(prefix string) Option {
	return func(c *config) { c.prefix = prefix }
}

// WithAllowList imports only the named remote tools.
func WithAllowList(names ...string) Option {
	return func(c *config) {
		c.allow = map[string]bool{}
		for _, n := range names {
			c.allow[n] = true
		}
	}
}

// Register lists the server's tools and registers each into reg. It returns
// the registered names in server order.
func Register(ctx context.Context, reg *tool.Registry, session *mcp.ClientSession, opts ...Option) ([]string, error) {
	if reg == nil || session == nil {
		return nil, errors.New("mcptool: registry and session are required")
	}
	var cfg config
	for _, opt := range opts {
		opt(&cfg)
	}
	res, err := session.ListTools(ctx, &mcp.ListToolsParams{})
	if err != nil {
		return nil, fmt.Errorf("mcptool: list tools: %w", err)
	}
	var names []string
	for _, t := range res.Tools {
		if t == nil || (cfg.allow != nil && !cfg.allow[t.Name]) {
			continue
		}
		schema, err := inputSchema(t.InputSchema)
		if err != nil {
			return names, fmt.Errorf("mcptool: tool %s: %w", t.Name, err)
		}
		def := transcript.ToolDefinition{
			Name:        cfg.prefix + t.Name,
			Description: t.Description,
			Parameters:  schema,
		}
		if err := reg.Register(def, &remote{session: session, name: t.Name}); err != nil {
			return names, err
		}
		names = append(names, def.Name)
	}
	return names, nil
}

func inputSchema(raw any) (*content.Schema, error) {
	if raw == nil {
		return nil, nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return nil, fmt.Errorf("encode input schema: %w", err)
	}
	if string(data) == "null" {
		return nil, nil
	}
	return content.ParseJSONSchema(data)
}

// remote executes one server tool.
type remote struct {
	session *mcp.ClientSession
	name    string
}

func (r *remote) Execute(ctx context.Context, args content.Value) ([]transcript.Segment, error) {
	params := &mcp.CallToolParams{Name: r.name}
	if args.Kind() == content.KindObject {
		params.Arguments = args.Any()
	} else {
		params.Arguments = map[string]any{}
	}
	res, err := r.session.CallTool(ctx, params)
	if err != nil {
		return nil, err
	}
	segments := convertContent(res.Content)
	if res.StructuredContent != nil {
		if v, err := content.FromAny(res.StructuredContent); err == nil {
			segments = append(segments, transcript.Structured(v, r.name))
		}
	}
	if res.IsError {
		return nil, errors.New(textOf(segments))
	}
	return segments, nil
}

func convertContent(items []mcp.Content) []transcript.Segment {
	var out []transcript.Segment
	for _, item := range items {
		switch c := item.(type) {
		case *mcp.TextContent:
			out = append(out, transcript.Text(c.Text))
		case *mcp.ImageContent:
			out = append(out, transcript.ImageData(c.Data, c.MIMEType))
		default:
			if data, err := json.Marshal(item); err == nil {
				out = append(out, transcript.Text(string(data)))
			}
		}
	}
	return out
}

func textOf(segments []transcript.Segment) string {
	var parts []string
	for _, s := range segments {
		if s.Kind == transcript.SegmentText && s.Text != "" {
			parts = append(parts, s.Text)
		}
	}
	if len(parts) == 0 {
		return "remote tool reported an error"
	}
	return strings.Join(parts, "\n")
}
