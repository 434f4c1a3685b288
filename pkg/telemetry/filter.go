package telemetry

import (
	"fmt"
	"regexp"

	"go.opentelemetry.io/otel/attribute"
)

const defaultMask = "***"

// defaultPatterns catch the credentials most likely to leak into prompts
// and tool arguments.
var defaultPatterns = []string{
	`sk-[A-Za-z0-9_\-]{4,}`,
	`(?i)bearer\s+[A-Za-z0-9._\-]+`,
	`(?i)(api[_-]?key|token|secret|password)\s*[=:]\s*\S+`,
}

// FilterConfig configures masking of sensitive text.
type FilterConfig struct {
	Mask     string
	Patterns []string
}

type filter struct {
	mask     string
	patterns []*regexp.Regexp
}

func newFilter(cfg FilterConfig) (*filter, error) {
	f := &filter{mask: cfg.Mask}
	if f.mask == "" {
		f.mask = defaultMask
	}
	for _, raw := range append(append([]string(nil), defaultPatterns...), cfg.Patterns...) {
		re, err := regexp.Compile(raw)
		if err != nil {
			return nil, fmt.Errorf("telemetry: compile mask pattern %q: %w", raw, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

func (f *filter) maskText(s string) string {
	if f == nil || s == "" {
		return s
	}
	for _, re := range f.patterns {
		s = re.ReplaceAllString(s, f.mask)
	}
	return s
}

func (f *filter) sanitize(attrs []attribute.KeyValue) []attribute.KeyValue {
	out := make([]attribute.KeyValue, 0, len(attrs))
	for _, kv := range attrs {
		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, attribute.String(string(kv.Key), f.maskText(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			values := kv.Value.AsStringSlice()
			masked := make([]string, len(values))
			for i, v := range values {
				masked[i] = f.maskText(v)
			}
			out = append(out, attribute.StringSlice(string(kv.Key), masked))
		default:
			out = append(out, kv)
		}
	}
	return out
}
