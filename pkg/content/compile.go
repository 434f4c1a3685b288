package content

import (
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Compiled is a schema compiled into a JSON Schema validator.
type Compiled struct {
	schema *Schema
	jsv    *jsonschema.Schema
}

// Compile exports s (closed when strict) and compiles it. A schema that
// fails to compile would be rejected by providers too.
func Compile(s *Schema, strict bool) (*Compiled, error) {
	if s == nil {
		return nil, errors.New("content: schema is nil")
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", s.JSONSchema(strict)); err != nil {
		return nil, fmt.Errorf("content: add schema resource: %w", err)
	}
	jsv, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("content: compile schema: %w", err)
	}
	return &Compiled{schema: s, jsv: jsv}, nil
}

// Schema returns the source schema.
func (c *Compiled) Schema() *Schema { return c.schema }

// Validate runs the compiled validator against v. Failures are reported as
// a *Violation pointing at the deepest offending location.
func (c *Compiled) Validate(v Value) error {
	err := c.jsv.Validate(v.Any())
	if err == nil {
		return nil
	}
	var verr *jsonschema.ValidationError
	if !errors.As(err, &verr) {
		return &Violation{Reason: err.Error()}
	}
	leaf := verr
	for len(leaf.Causes) > 0 {
		leaf = leaf.Causes[0]
	}
	return &Violation{Path: joinLocation(leaf.InstanceLocation), Reason: leaf.Error()}
}

func joinLocation(tokens []string) string {
	if len(tokens) == 0 {
		return ""
	}
	var b strings.Builder
	for _, tok := range tokens {
		b.WriteString(Pointer("", tok))
	}
	return b.String()
}
