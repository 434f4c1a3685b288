package content

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func weatherSchema(t *testing.T) *Schema {
	t.Helper()
	s, err := ObjectSchema("Weather").
		Property("city", StringSchema().Describe("City name")).
		Optional("days", IntegerSchema()).
		Optional("unit", EnumSchema("c", "f")).
		Optional("tags", ArraySchema(StringSchema())).
		Build()
	require.NoError(t, err)
	return s
}

func TestParsePreservesOrderAndPointers(t *testing.T) {
	v, err := Parse([]byte(`{"z":1,"a":{"list":[true,null,"x/y"]},"m":"s"}`))
	require.NoError(t, err)

	fields := v.Fields()
	require.Len(t, fields, 3)
	require.Equal(t, []string{"z", "a", "m"}, []string{fields[0].Name, fields[1].Name, fields[2].Name})

	item, ok := v.At("/a/list/2")
	require.True(t, ok)
	s, _ := item.AsString()
	require.Equal(t, "x/y", s)

	_, ok = v.At("/a/list/9")
	require.False(t, ok)
	require.Equal(t, `{"z":1,"a":{"list":[true,null,"x/y"]},"m":"s"}`, v.String())
}

func TestParseRejectsTrailingData(t *testing.T) {
	if _, err := Parse([]byte(`{"a":1} {}`)); err == nil {
		t.Fatalf("expected trailing data error")
	}
}

func TestEqualIsStructural(t *testing.T) {
	a := Object(F("city", String("Paris")), F("n", Int(2)))
	b := Object(F("city", String("Paris")), F("n", Number(2)))
	if !a.Equal(b) {
		t.Fatalf("expected equal values")
	}
	if a.Equal(Object(F("n", Int(2)), F("city", String("Paris")))) {
		t.Fatalf("field order is part of the value")
	}
	if !a.WithSchema(StringSchema()).Equal(b) {
		t.Fatalf("schema reference must not affect equality")
	}
}

func TestObjectKeepsKeysUnique(t *testing.T) {
	v := Object(F("a", Int(1)), F("b", Int(2)), F("a", Int(3)))
	require.Equal(t, 2, v.Len())
	got, _ := v.Field("a")
	n, _ := got.AsInt()
	require.EqualValues(t, 3, n)
	require.Equal(t, "a", v.Fields()[0].Name)
}

func TestFromAnySortsMapKeys(t *testing.T) {
	var decoded any
	require.NoError(t, json.Unmarshal([]byte(`{"b":[1,2],"a":"x"}`), &decoded))
	v, err := FromAny(decoded)
	require.NoError(t, err)
	require.Equal(t, `{"a":"x","b":[1,2]}`, v.String())
}

func TestValidate(t *testing.T) {
	schema := weatherSchema(t)
	tests := []struct {
		name     string
		input    string
		opts     []ValidateOption
		wantPath string
	}{
		{name: "valid", input: `{"city":"Paris","days":3}`},
		{name: "unknown fields preserved", input: `{"city":"Paris","extra":{"deep":1}}`},
		{name: "missing required", input: `{"days":3}`, wantPath: "/city"},
		{name: "wrong type", input: `{"city":7}`, wantPath: "/city"},
		{name: "fractional integer", input: `{"city":"x","days":1.5}`, wantPath: "/days"},
		{name: "enum", input: `{"city":"x","unit":"k"}`, wantPath: "/unit"},
		{name: "array element", input: `{"city":"x","tags":["a",2]}`, wantPath: "/tags/1"},
		{name: "root type", input: `[]`, wantPath: ""},
		{name: "unknown rejected", input: `{"city":"x","extra":1}`, opts: []ValidateOption{RejectUnknownFields()}, wantPath: "/extra"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Parse([]byte(tt.input))
			require.NoError(t, err)
			out, err := Validate(schema, v, tt.opts...)
			if tt.name == "valid" || tt.name == "unknown fields preserved" {
				require.NoError(t, err)
				require.True(t, out.Equal(v), "validation must not drop fields")
				require.Same(t, schema, out.Schema())
				return
			}
			var violation *Violation
			require.True(t, errors.As(err, &violation), "expected violation, got %v", err)
			require.Equal(t, tt.wantPath, violation.Path)
		})
	}
}

func TestValidateAnyOf(t *testing.T) {
	s := AnyOf(StringSchema(), NullSchema())
	if _, err := Validate(s, Null()); err != nil {
		t.Fatalf("null should match: %v", err)
	}
	if _, err := Validate(s, Int(1)); err == nil {
		t.Fatalf("number should not match")
	}
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	_, err := ObjectSchema("").Property("a", StringSchema()).Optional("a", NumberSchema()).Build()
	if err == nil || !strings.Contains(err.Error(), "declared twice") {
		t.Fatalf("expected duplicate property error, got %v", err)
	}
}

func TestSchemaJSONRoundTripKeepsOrder(t *testing.T) {
	schema := weatherSchema(t)
	data, err := json.Marshal(schema)
	require.NoError(t, err)

	var back Schema
	require.NoError(t, json.Unmarshal(data, &back))
	props := back.Properties()
	require.Len(t, props, 4)
	require.Equal(t, "city", props[0].Name)
	require.True(t, props[0].Required)
	require.Equal(t, "tags", props[3].Name)
	require.Equal(t, TypeString, props[3].Schema.Items().Type())
	require.Equal(t, []string{"c", "f"}, props[2].Schema.Enum())
}

func TestCompileStrict(t *testing.T) {
	schema := weatherSchema(t)
	strict, err := Compile(schema, true)
	require.NoError(t, err)

	ok, _ := Parse([]byte(`{"city":"Paris"}`))
	require.NoError(t, strict.Validate(ok))

	extra, _ := Parse([]byte(`{"city":"Paris","x":1}`))
	err = strict.Validate(extra)
	var violation *Violation
	require.ErrorAs(t, err, &violation)

	lenient, err := Compile(schema, false)
	require.NoError(t, err)
	require.NoError(t, lenient.Validate(extra))
}
