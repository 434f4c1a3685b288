package partial

import (
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/require"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
)

func TestDecoderFeedsCityInThreeFragments(t *testing.T) {
	var d Decoder

	r, err := d.Feed([]byte(`{"ci`))
	require.NoError(t, err)
	require.False(t, r.Complete)
	require.Equal(t, 0, r.Value.Len())

	r, err = d.Feed([]byte(`ty":"P`))
	require.NoError(t, err)
	require.False(t, r.Complete)
	city, ok := r.Value.Field("city")
	require.True(t, ok)
	s, _ := city.AsString()
	require.Equal(t, "P", s)
	require.False(t, r.IsSettled("/city"))

	r, err = d.Feed([]byte(`aris"}`))
	require.NoError(t, err)
	require.True(t, r.Complete)
	require.True(t, r.Value.Equal(content.Object(content.F("city", content.String("Paris")))))
	require.Equal(t, []string{"/city", ""}, r.Settled)
}

func TestDecodePartialStates(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		complete bool
	}{
		{name: "empty", input: ``, want: `null`},
		{name: "whitespace", input: "  \n", want: `null`},
		{name: "open object", input: `{`, want: `{}`},
		{name: "pending number omitted", input: `{"n":12`, want: `{}`},
		{name: "terminated number", input: `{"n":12,`, want: `{"n":12}`},
		{name: "pending literal omitted", input: `{"ok":tr`, want: `{}`},
		{name: "literal", input: `{"ok":true`, want: `{"ok":true}`},
		{name: "key without value", input: `{"a":`, want: `{}`},
		{name: "partial key", input: `{"a":1,"b`, want: `{"a":1}`},
		{name: "nested array", input: `{"a":[1,"x`, want: `{"a":[1,"x"]}`},
		{name: "split escape", input: `["a\`, want: `["a"]`},
		{name: "split unicode escape", input: `["\u00e`, want: `[""]`},
		{name: "multibyte", input: `["é`, want: `["é"]`},
		{name: "surrogate pair", input: `["\ud83d\ude00"]`, want: `["😀"]`, complete: true},
		{name: "split surrogate pair", input: `["\ud83d\ude`, want: `[""]`},
		{name: "lone surrogate", input: `["\ud83dx"]`, want: "[\"�x\"]", complete: true},
		{name: "split multibyte", input: "[\"\xc3", want: `[""]`},
		{name: "complete object", input: `{"a":{"b":[]}} `, want: `{"a":{"b":[]}}`, complete: true},
		{name: "top-level number needs delimiter", input: `42`, want: `null`},
		{name: "top-level number", input: `42 `, want: `42`, complete: true},
		{name: "top-level string", input: `"hi"`, want: `"hi"`, complete: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Decode([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, r.Value.String())
			require.Equal(t, tt.complete, r.Complete)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		offset int
	}{
		{name: "stray closer", input: `}`, offset: 0},
		{name: "mismatched closer", input: `{"a":1]`, offset: 6},
		{name: "array closer after comma", input: `[1,]`, offset: 3},
		{name: "object comma before key", input: `{,`, offset: 1},
		{name: "bad escape", input: `{"a":"\x"}`, offset: 6},
		{name: "bad unicode escape", input: `"\u12g4"`, offset: 5},
		{name: "bad literal", input: `{"a":tru }`, offset: 8},
		{name: "leading zero", input: `[01]`, offset: 1},
		{name: "bad number prefix", input: `[-a`, offset: 1},
		{name: "duplicate key", input: `{"a":1,"a":2}`, offset: 7},
		{name: "trailing garbage", input: `{} x`, offset: 3},
		{name: "control character", input: "\"a\nb\"", offset: 2},
		{name: "missing colon", input: `{"a" 1}`, offset: 5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.input))
			require.Error(t, err)
			require.True(t, errors.Is(err, failure.ErrMalformedContent), "got %v", err)
			var ferr *failure.Error
			require.ErrorAs(t, err, &ferr)
			require.Equal(t, tt.offset, ferr.Offset)
		})
	}
}

func TestDecodeIsIdempotent(t *testing.T) {
	buf := []byte(`{"a":[1,{"b":"c`)
	first, err := Decode(buf)
	require.NoError(t, err)
	second, err := Decode(buf)
	require.NoError(t, err)
	require.True(t, first.Value.Equal(second.Value))
	require.Equal(t, first.Settled, second.Settled)
}

func TestDecoderReset(t *testing.T) {
	var d Decoder
	_, _ = d.Feed([]byte(`{"a":`))
	d.Reset()
	require.Empty(t, d.Bytes())
	r, err := d.Feed([]byte(`[]`))
	require.NoError(t, err)
	require.True(t, r.Complete)
}

// TestSettledValuesNeverChange feeds every prefix of generated documents
// and checks that settled nodes keep their value in every longer prefix
// and in the final document.
func TestSettledValuesNeverChange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 60
	properties := gopter.NewProperties(parameters)

	properties.Property("settled nodes are stable across feeds", prop.ForAll(
		func(seed int64, escaped bool) bool {
			rng := rand.New(rand.NewSource(seed))
			want := randomObject(rng, 3)
			data := []byte(want.String())
			if escaped {
				// encoding/json escapes <, > and & as \u sequences.
				raw, err := json.Marshal(want.Any())
				if err != nil {
					return false
				}
				data = raw
				want, err = content.Parse(raw)
				if err != nil {
					return false
				}
			}

			results := make([]Result, len(data)+1)
			for k := 0; k <= len(data); k++ {
				r, err := Decode(data[:k])
				if err != nil {
					t.Logf("prefix %q: %v", data[:k], err)
					return false
				}
				if r.Complete != (k == len(data)) {
					return false
				}
				results[k] = r
			}
			final := results[len(data)]
			if !final.Value.Equal(want) {
				return false
			}
			for k := 0; k < len(data); k++ {
				for _, ptr := range results[k].Settled {
					early, _ := results[k].Value.At(ptr)
					next, ok := results[k+1].Value.At(ptr)
					if !ok || !early.Equal(next) {
						return false
					}
					last, ok := final.Value.At(ptr)
					if !ok || !early.Equal(last) {
						return false
					}
				}
			}
			return true
		},
		gen.Int64(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

var sampleStrings = []string{"", "Paris", "a b", "quote\"d", "back\\slash", "tab\tnew\nline", "é", "日本", "😀", "<&>", "/path/x"}

func randomObject(rng *rand.Rand, depth int) content.Value {
	n := rng.Intn(4)
	fields := make([]content.Field, 0, n)
	for i := 0; i < n; i++ {
		key := sampleStrings[rng.Intn(len(sampleStrings))] + strings.Repeat("k", i)
		fields = append(fields, content.F(key, randomValue(rng, depth-1)))
	}
	return content.Object(fields...)
}

func randomValue(rng *rand.Rand, depth int) content.Value {
	choice := rng.Intn(8)
	if depth <= 0 && choice >= 6 {
		choice = rng.Intn(6)
	}
	switch choice {
	case 0:
		return content.Null()
	case 1:
		return content.Bool(rng.Intn(2) == 0)
	case 2:
		return content.Int(rng.Int63n(20000) - 10000)
	case 3:
		return content.Number(float64(rng.Intn(1000)) / 8)
	case 4, 5:
		return content.String(sampleStrings[rng.Intn(len(sampleStrings))])
	case 6:
		items := make([]content.Value, rng.Intn(3))
		for i := range items {
			items[i] = randomValue(rng, depth-1)
		}
		return content.Array(items...)
	default:
		return randomObject(rng, depth)
	}
}

func TestDecodeFinalTerminatesTrailingNumber(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		want     string
		complete bool
	}{
		{name: "top-level integer", input: `42`, want: `42`, complete: true},
		{name: "top-level fraction", input: ` 12.5`, want: `12.5`, complete: true},
		{name: "number in open object", input: `{"n":12`, want: `{"n":12}`},
		{name: "open string stays partial", input: `"ab`, want: `"ab"`},
		{name: "empty", input: ``, want: `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := DecodeFinal([]byte(tt.input))
			require.NoError(t, err)
			require.Equal(t, tt.want, r.Value.String())
			require.Equal(t, tt.complete, r.Complete)
		})
	}

	for _, bad := range []string{`4e`, `-`, `1.`} {
		if _, err := DecodeFinal([]byte(bad)); !errors.Is(err, failure.ErrMalformedContent) {
			t.Fatalf("DecodeFinal(%q) = %v, want malformed content", bad, err)
		}
	}
}

func TestDecoderFinal(t *testing.T) {
	var d Decoder
	r, err := d.Feed([]byte("4"))
	require.NoError(t, err)
	require.False(t, r.Complete)
	r, err = d.Feed([]byte("2"))
	require.NoError(t, err)
	require.False(t, r.Complete)

	r, err = d.Final()
	require.NoError(t, err)
	require.True(t, r.Complete)
	require.Equal(t, `42`, r.Value.String())
	require.True(t, r.IsSettled(""))
}
