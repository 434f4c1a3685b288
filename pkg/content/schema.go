package content

import (
	"encoding/json"
	"fmt"
	"sort"
)

// Type is the type tag of a Schema.
type Type string

const (
	TypeString  Type = "string"
	TypeNumber  Type = "number"
	TypeInteger Type = "integer"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
	TypeAnyOf   Type = "anyOf"
	TypeNull    Type = "null"
)

// Schema describes the permitted shape of a Value. Schemas are built once
// and shared read-only; every builder method returns a new Schema.
type Schema struct {
	typ         Type
	title       string
	description string
	enum        []string
	properties  []Property
	items       *Schema
	anyOf       []*Schema
}

// Property is one named member of an object schema.
type Property struct {
	Name     string
	Schema   *Schema
	Required bool
}

// StringSchema describes a string.
func StringSchema() *Schema { return &Schema{typ: TypeString} }

// NumberSchema describes any number.
func NumberSchema() *Schema { return &Schema{typ: TypeNumber} }

// IntegerSchema describes an integral number.
func IntegerSchema() *Schema { return &Schema{typ: TypeInteger} }

// BoolSchema describes a boolean.
func BoolSchema() *Schema { return &Schema{typ: TypeBoolean} }

// NullSchema describes null.
func NullSchema() *Schema { return &Schema{typ: TypeNull} }

// EnumSchema describes a string restricted to choices.
func EnumSchema(choices ...string) *Schema {
	return &Schema{typ: TypeString, enum: append([]string(nil), choices...)}
}

// ArraySchema describes an array whose items satisfy elem.
func ArraySchema(elem *Schema) *Schema { return &Schema{typ: TypeArray, items: elem} }

// AnyOf describes a value satisfying at least one alternative.
func AnyOf(alternatives ...*Schema) *Schema {
	return &Schema{typ: TypeAnyOf, anyOf: append([]*Schema(nil), alternatives...)}
}

// Describe returns a copy of s carrying a description.
func (s *Schema) Describe(text string) *Schema {
	c := s.clone()
	c.description = text
	return c
}

// Titled returns a copy of s carrying a title.
func (s *Schema) Titled(title string) *Schema {
	c := s.clone()
	c.title = title
	return c
}

func (s *Schema) clone() *Schema {
	if s == nil {
		return &Schema{}
	}
	c := *s
	c.enum = append([]string(nil), s.enum...)
	c.properties = append([]Property(nil), s.properties...)
	c.anyOf = append([]*Schema(nil), s.anyOf...)
	return &c
}

// Type returns the type tag.
func (s *Schema) Type() Type { return s.typ }

// Title returns the schema title.
func (s *Schema) Title() string { return s.title }

// Description returns the schema description.
func (s *Schema) Description() string { return s.description }

// Enum returns the permitted string values.
func (s *Schema) Enum() []string { return append([]string(nil), s.enum...) }

// Properties returns the ordered object members.
func (s *Schema) Properties() []Property { return append([]Property(nil), s.properties...) }

// Property looks up an object member.
func (s *Schema) Property(name string) (Property, bool) {
	for _, p := range s.properties {
		if p.Name == name {
			return p, true
		}
	}
	return Property{}, false
}

// Items returns the array element schema.
func (s *Schema) Items() *Schema { return s.items }

// Alternatives returns the anyOf branches.
func (s *Schema) Alternatives() []*Schema { return append([]*Schema(nil), s.anyOf...) }

// ObjectBuilder assembles an object schema property by property.
type ObjectBuilder struct {
	schema Schema
	err    error
}

// ObjectSchema starts an object schema; title may be empty.
func ObjectSchema(title string) *ObjectBuilder {
	return &ObjectBuilder{schema: Schema{typ: TypeObject, title: title}}
}

// Describe sets the object description.
func (b *ObjectBuilder) Describe(text string) *ObjectBuilder {
	b.schema.description = text
	return b
}

// Property adds a required member.
func (b *ObjectBuilder) Property(name string, s *Schema) *ObjectBuilder {
	return b.add(name, s, true)
}

// Optional adds a member that may be absent.
func (b *ObjectBuilder) Optional(name string, s *Schema) *ObjectBuilder {
	return b.add(name, s, false)
}

func (b *ObjectBuilder) add(name string, s *Schema, required bool) *ObjectBuilder {
	if b.err != nil {
		return b
	}
	if name == "" {
		b.err = fmt.Errorf("content: property name is empty")
		return b
	}
	if s == nil {
		b.err = fmt.Errorf("content: property %q has no schema", name)
		return b
	}
	for _, p := range b.schema.properties {
		if p.Name == name {
			b.err = fmt.Errorf("content: property %q declared twice", name)
			return b
		}
	}
	b.schema.properties = append(b.schema.properties, Property{Name: name, Schema: s, Required: required})
	return b
}

// Build returns the finished schema or the first construction error.
func (b *ObjectBuilder) Build() (*Schema, error) {
	if b.err != nil {
		return nil, b.err
	}
	s := b.schema
	return s.clone(), nil
}

// MustBuild is Build for static schemas; it panics on construction errors.
func (b *ObjectBuilder) MustBuild() *Schema {
	s, err := b.Build()
	if err != nil {
		panic(err)
	}
	return s
}

// JSONSchema exports s as a JSON Schema document. Closed objects set
// additionalProperties to false.
func (s *Schema) JSONSchema(closed bool) map[string]any {
	if s == nil {
		return map[string]any{}
	}
	out := map[string]any{}
	if s.title != "" {
		out["title"] = s.title
	}
	if s.description != "" {
		out["description"] = s.description
	}
	switch s.typ {
	case TypeAnyOf:
		alts := make([]any, 0, len(s.anyOf))
		for _, alt := range s.anyOf {
			alts = append(alts, alt.JSONSchema(closed))
		}
		out["anyOf"] = alts
		return out
	case "":
		return out
	}
	out["type"] = string(s.typ)
	if len(s.enum) > 0 {
		enum := make([]any, len(s.enum))
		for i, e := range s.enum {
			enum[i] = e
		}
		out["enum"] = enum
	}
	switch s.typ {
	case TypeArray:
		if s.items != nil {
			out["items"] = s.items.JSONSchema(closed)
		}
	case TypeObject:
		props := make(map[string]any, len(s.properties))
		var required []any
		order := make([]any, 0, len(s.properties))
		for _, p := range s.properties {
			props[p.Name] = p.Schema.JSONSchema(closed)
			order = append(order, p.Name)
			if p.Required {
				required = append(required, p.Name)
			}
		}
		out["properties"] = props
		if len(required) > 0 {
			out["required"] = required
		}
		if len(order) > 1 {
			out["x-order"] = order
		}
		if closed {
			out["additionalProperties"] = false
		}
	}
	return out
}

// MarshalJSON renders the open JSON Schema form.
func (s *Schema) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.JSONSchema(false))
}

// UnmarshalJSON reads the subset of JSON Schema produced by MarshalJSON.
func (s *Schema) UnmarshalJSON(data []byte) error {
	parsed, err := ParseJSONSchema(data)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// ParseJSONSchema converts a JSON Schema document into a Schema. Keywords
// outside the supported subset are ignored.
func ParseJSONSchema(data []byte) (*Schema, error) {
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("content: decode schema: %w", err)
	}
	return SchemaFromMap(doc)
}

// SchemaFromMap converts a decoded JSON Schema document.
func SchemaFromMap(doc map[string]any) (*Schema, error) {
	if doc == nil {
		return &Schema{typ: TypeObject}, nil
	}
	s := &Schema{}
	s.title, _ = doc["title"].(string)
	s.description, _ = doc["description"].(string)

	if alts, ok := doc["anyOf"].([]any); ok {
		s.typ = TypeAnyOf
		for i, raw := range alts {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("content: anyOf[%d] is not an object", i)
			}
			alt, err := SchemaFromMap(m)
			if err != nil {
				return nil, err
			}
			s.anyOf = append(s.anyOf, alt)
		}
		return s, nil
	}

	switch t := doc["type"].(type) {
	case string:
		s.typ = Type(t)
	case []any:
		// ["string","null"] style unions become anyOf.
		s.typ = TypeAnyOf
		for _, raw := range t {
			name, _ := raw.(string)
			s.anyOf = append(s.anyOf, &Schema{typ: Type(name)})
		}
		return s, nil
	case nil:
		if _, ok := doc["properties"]; ok {
			s.typ = TypeObject
		}
	default:
		return nil, fmt.Errorf("content: unsupported type keyword %v", t)
	}

	if enum, ok := doc["enum"].([]any); ok {
		for _, e := range enum {
			if str, ok := e.(string); ok {
				s.enum = append(s.enum, str)
			}
		}
	}
	switch s.typ {
	case TypeArray:
		if items, ok := doc["items"].(map[string]any); ok {
			elem, err := SchemaFromMap(items)
			if err != nil {
				return nil, fmt.Errorf("content: items: %w", err)
			}
			s.items = elem
		}
	case TypeObject:
		props, _ := doc["properties"].(map[string]any)
		required := map[string]bool{}
		if req, ok := doc["required"].([]any); ok {
			for _, r := range req {
				if name, ok := r.(string); ok {
					required[name] = true
				}
			}
		}
		for _, name := range propertyOrder(doc, props) {
			m, ok := props[name].(map[string]any)
			if !ok {
				return nil, fmt.Errorf("content: property %q is not an object", name)
			}
			ps, err := SchemaFromMap(m)
			if err != nil {
				return nil, fmt.Errorf("content: property %q: %w", name, err)
			}
			s.properties = append(s.properties, Property{Name: name, Schema: ps, Required: required[name]})
		}
	}
	return s, nil
}

// propertyOrder honours x-order when present, otherwise sorts names.
func propertyOrder(doc map[string]any, props map[string]any) []string {
	seen := make(map[string]bool, len(props))
	var names []string
	if order, ok := doc["x-order"].([]any); ok {
		for _, raw := range order {
			name, _ := raw.(string)
			if _, ok := props[name]; ok && !seen[name] {
				names = append(names, name)
				seen[name] = true
			}
		}
	}
	var rest []string
	for name := range props {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(names, rest...)
}
