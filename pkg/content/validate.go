package content

import (
	"fmt"
	"math"
	"strings"
)

// Violation reports the first place a value departs from its schema.
type Violation struct {
	// Path is the JSON pointer of the offending field ("" for the root).
	Path   string
	Reason string
}

func (v *Violation) Error() string {
	path := v.Path
	if path == "" {
		path = "/"
	}
	return fmt.Sprintf("schema violation at %s: %s", path, v.Reason)
}

// ValidateOption tunes Validate.
type ValidateOption func(*validateConfig)

type validateConfig struct {
	rejectUnknown bool
}

// RejectUnknownFields turns object members absent from the schema into
// violations. By default they are preserved without validation.
func RejectUnknownFields() ValidateOption {
	return func(c *validateConfig) { c.rejectUnknown = true }
}

// Validate checks v against s and returns v referencing s. Integer schemas
// accept any integral number.
func Validate(s *Schema, v Value, opts ...ValidateOption) (Value, error) {
	if s == nil {
		return v, nil
	}
	var cfg validateConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.check(s, v, ""); err != nil {
		return Value{}, err
	}
	return v.WithSchema(s), nil
}

func (c validateConfig) check(s *Schema, v Value, path string) error {
	switch s.typ {
	case "":
		return nil
	case TypeAnyOf:
		var reasons []string
		for _, alt := range s.anyOf {
			err := c.check(alt, v, path)
			if err == nil {
				return nil
			}
			reasons = append(reasons, err.Error())
		}
		return &Violation{Path: path, Reason: "matches no alternative (" + strings.Join(reasons, "; ") + ")"}
	case TypeNull:
		if v.kind != KindNull {
			return mismatch(path, s.typ, v)
		}
	case TypeBoolean:
		if v.kind != KindBool {
			return mismatch(path, s.typ, v)
		}
	case TypeNumber:
		if v.kind != KindNumber {
			return mismatch(path, s.typ, v)
		}
	case TypeInteger:
		if v.kind != KindNumber {
			return mismatch(path, s.typ, v)
		}
		if v.n != math.Trunc(v.n) {
			return &Violation{Path: path, Reason: fmt.Sprintf("expected integer, got %v", v.n)}
		}
	case TypeString:
		if v.kind != KindString {
			return mismatch(path, s.typ, v)
		}
		if len(s.enum) > 0 && !contains(s.enum, v.s) {
			return &Violation{Path: path, Reason: fmt.Sprintf("%q is not one of %s", v.s, strings.Join(s.enum, ", "))}
		}
	case TypeArray:
		if v.kind != KindArray {
			return mismatch(path, s.typ, v)
		}
		if s.items == nil {
			return nil
		}
		for i, item := range v.items {
			if err := c.check(s.items, item, IndexPointer(path, i)); err != nil {
				return err
			}
		}
	case TypeObject:
		if v.kind != KindObject {
			return mismatch(path, s.typ, v)
		}
		for _, p := range s.properties {
			member, ok := v.Field(p.Name)
			if !ok {
				if p.Required {
					return &Violation{Path: Pointer(path, p.Name), Reason: "required field is missing"}
				}
				continue
			}
			if err := c.check(p.Schema, member, Pointer(path, p.Name)); err != nil {
				return err
			}
		}
		if c.rejectUnknown {
			for _, f := range v.fields {
				if _, ok := s.Property(f.Name); !ok {
					return &Violation{Path: Pointer(path, f.Name), Reason: "field is not declared by the schema"}
				}
			}
		}
	default:
		return &Violation{Path: path, Reason: fmt.Sprintf("unsupported schema type %q", s.typ)}
	}
	return nil
}

func mismatch(path string, want Type, v Value) error {
	return &Violation{Path: path, Reason: fmt.Sprintf("expected %s, got %s", want, v.kind)}
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
