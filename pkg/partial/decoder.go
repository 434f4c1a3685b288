// Package partial decodes JSON that is still arriving. Decode accepts any
// prefix of a JSON document and reports the best value it can build so far,
// which members are final, and whether the document is complete.
package partial

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
)

// Result is the outcome of decoding one buffer.
type Result struct {
	// Value is the best-effort value. Members whose value has not started
	// are absent; strings carry the characters received so far; numbers and
	// literals appear only once terminated.
	Value content.Value
	// Complete reports a balanced top-level value with nothing dangling.
	Complete bool
	// Settled lists JSON pointers of every fully parsed node, children
	// before parents. A settled node never changes in a longer buffer.
	Settled []string
}

// IsSettled reports whether the node at pointer is final.
func (r Result) IsSettled(pointer string) bool {
	for _, p := range r.Settled {
		if p == pointer {
			return true
		}
	}
	return false
}

// SyntaxError describes structurally inconsistent input.
type SyntaxError struct {
	Offset int
	Msg    string
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("partial: %s at offset %d", e.Msg, e.Offset)
}

// Decode parses buf, which may be truncated anywhere. It fails with a
// MalformedContent failure only when the bytes received so far cannot be a
// prefix of any JSON document.
func Decode(buf []byte) (Result, error) {
	return decode(buf, false)
}

// DecodeFinal parses buf as the whole document. It differs from Decode only
// for a number touching the end of buf, which is taken as terminated, so a
// scalar document such as 42 can be complete.
func DecodeFinal(buf []byte) (Result, error) {
	return decode(buf, true)
}

func decode(buf []byte, final bool) (Result, error) {
	p := &parser{buf: buf, final: final}
	n, err := p.value("")
	if err != nil {
		return Result{}, err
	}
	res := Result{Value: content.Null(), Settled: p.settled}
	if n.present {
		res.Value = n.value
	}
	if n.done {
		p.skipSpace()
		if !p.eof() {
			return Result{}, p.fail("unexpected data after top-level value")
		}
		res.Complete = true
	}
	return res, nil
}

// Decoder accumulates fragments and decodes the growing buffer.
type Decoder struct {
	buf []byte
}

// Feed appends fragment and decodes everything received so far.
func (d *Decoder) Feed(fragment []byte) (Result, error) {
	d.buf = append(d.buf, fragment...)
	return Decode(d.buf)
}

// Final decodes the accumulated buffer once no more fragments will arrive.
func (d *Decoder) Final() (Result, error) {
	return DecodeFinal(d.buf)
}

// Bytes returns the accumulated buffer.
func (d *Decoder) Bytes() []byte { return d.buf }

// Reset clears the buffer.
func (d *Decoder) Reset() { d.buf = d.buf[:0] }

type node struct {
	value   content.Value
	present bool
	done    bool
}

type parser struct {
	buf     []byte
	pos     int
	settled []string
	// final marks buf as the whole input.
	final bool
}

func (p *parser) eof() bool { return p.pos >= len(p.buf) }

func (p *parser) skipSpace() {
	for p.pos < len(p.buf) {
		switch p.buf[p.pos] {
		case ' ', '\t', '\n', '\r':
			p.pos++
		default:
			return
		}
	}
}

func (p *parser) fail(format string, args ...any) error {
	return p.failAt(p.pos, format, args...)
}

func (p *parser) failAt(offset int, format string, args ...any) error {
	return failure.Malformed(offset, &SyntaxError{Offset: offset, Msg: fmt.Sprintf(format, args...)})
}

func (p *parser) settle(path string, v content.Value) node {
	p.settled = append(p.settled, path)
	return node{value: v, present: true, done: true}
}

func (p *parser) value(path string) (node, error) {
	p.skipSpace()
	if p.eof() {
		return node{}, nil
	}
	switch c := p.buf[p.pos]; {
	case c == '{':
		return p.object(path)
	case c == '[':
		return p.array(path)
	case c == '"':
		s, done, err := p.str()
		if err != nil {
			return node{}, err
		}
		if done {
			return p.settle(path, content.String(s)), nil
		}
		return node{value: content.String(s), present: true}, nil
	case c == 't':
		return p.literal(path, "true", content.Bool(true))
	case c == 'f':
		return p.literal(path, "false", content.Bool(false))
	case c == 'n':
		return p.literal(path, "null", content.Null())
	case c == '-' || (c >= '0' && c <= '9'):
		return p.number(path)
	default:
		return node{}, p.fail("unexpected character %q", c)
	}
}

func (p *parser) object(path string) (node, error) {
	p.pos++
	var fields []content.Field
	seen := map[string]bool{}
	partial := func() (node, error) {
		return node{value: content.Object(fields...), present: true}, nil
	}

	p.skipSpace()
	if p.eof() {
		return partial()
	}
	if p.buf[p.pos] == '}' {
		p.pos++
		return p.settle(path, content.Object()), nil
	}
	for {
		p.skipSpace()
		if p.eof() {
			return partial()
		}
		if p.buf[p.pos] != '"' {
			return node{}, p.fail("expected object key")
		}
		keyAt := p.pos
		key, done, err := p.str()
		if err != nil {
			return node{}, err
		}
		if !done {
			return partial()
		}
		if seen[key] {
			return node{}, p.failAt(keyAt, "duplicate key %q", key)
		}
		p.skipSpace()
		if p.eof() {
			return partial()
		}
		if p.buf[p.pos] != ':' {
			return node{}, p.fail("expected ':' after object key")
		}
		p.pos++

		child, err := p.value(content.Pointer(path, key))
		if err != nil {
			return node{}, err
		}
		if !child.present {
			return partial()
		}
		seen[key] = true
		fields = append(fields, content.F(key, child.value))
		if !child.done {
			return partial()
		}

		p.skipSpace()
		if p.eof() {
			return partial()
		}
		switch p.buf[p.pos] {
		case ',':
			p.pos++
		case '}':
			p.pos++
			return p.settle(path, content.Object(fields...)), nil
		default:
			return node{}, p.fail("expected ',' or '}' in object")
		}
	}
}

func (p *parser) array(path string) (node, error) {
	p.pos++
	var items []content.Value
	partial := func() (node, error) {
		return node{value: content.Array(items...), present: true}, nil
	}

	p.skipSpace()
	if p.eof() {
		return partial()
	}
	if p.buf[p.pos] == ']' {
		p.pos++
		return p.settle(path, content.Array()), nil
	}
	for {
		p.skipSpace()
		if p.eof() {
			return partial()
		}
		if c := p.buf[p.pos]; c == ']' || c == ',' {
			return node{}, p.fail("expected array element")
		}
		child, err := p.value(content.IndexPointer(path, len(items)))
		if err != nil {
			return node{}, err
		}
		if !child.present {
			return partial()
		}
		items = append(items, child.value)
		if !child.done {
			return partial()
		}

		p.skipSpace()
		if p.eof() {
			return partial()
		}
		switch p.buf[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return p.settle(path, content.Array(items...)), nil
		default:
			return node{}, p.fail("expected ',' or ']' in array")
		}
	}
}

// str decodes a string starting at the opening quote. done is false when
// the buffer ends first; a trailing partial escape is left out.
func (p *parser) str() (string, bool, error) {
	p.pos++
	var b strings.Builder
	for {
		if p.eof() {
			return b.String(), false, nil
		}
		c := p.buf[p.pos]
		switch {
		case c == '"':
			p.pos++
			return b.String(), true, nil
		case c == '\\':
			r, n, ok, err := p.escape()
			if err != nil {
				return "", false, err
			}
			if !ok {
				return b.String(), false, nil
			}
			b.WriteRune(r)
			p.pos += n
		case c < 0x20:
			return "", false, p.fail("control character in string")
		case c < utf8.RuneSelf:
			b.WriteByte(c)
			p.pos++
		default:
			r, size := utf8.DecodeRune(p.buf[p.pos:])
			if r == utf8.RuneError && size == 1 && !utf8.FullRune(p.buf[p.pos:]) {
				// Multi-byte character split across fragments.
				return b.String(), false, nil
			}
			b.WriteString(string(p.buf[p.pos : p.pos+size]))
			p.pos += size
		}
	}
}

// escape decodes the escape sequence at p.pos. ok is false when the buffer
// ends inside it.
func (p *parser) escape() (r rune, n int, ok bool, err error) {
	rest := p.buf[p.pos:]
	if len(rest) < 2 {
		return 0, 0, false, nil
	}
	switch rest[1] {
	case '"', '\\', '/':
		return rune(rest[1]), 2, true, nil
	case 'b':
		return '\b', 2, true, nil
	case 'f':
		return '\f', 2, true, nil
	case 'n':
		return '\n', 2, true, nil
	case 'r':
		return '\r', 2, true, nil
	case 't':
		return '\t', 2, true, nil
	case 'u':
		first, complete, err := p.hex4(rest, 2)
		if err != nil || !complete {
			return 0, 0, false, err
		}
		if !utf16.IsSurrogate(first) {
			return first, 6, true, nil
		}
		if first >= 0xDC00 {
			return utf8.RuneError, 6, true, nil
		}
		// High surrogate: wait for the low half if it may still come.
		if len(rest) < 8 {
			if len(rest) == 6 || (len(rest) == 7 && rest[6] == '\\') {
				return 0, 0, false, nil
			}
			return utf8.RuneError, 6, true, nil
		}
		if rest[6] != '\\' || rest[7] != 'u' {
			return utf8.RuneError, 6, true, nil
		}
		second, complete, err := p.hex4(rest, 8)
		if err != nil || !complete {
			return 0, 0, false, err
		}
		if combined := utf16.DecodeRune(first, second); combined != utf8.RuneError {
			return combined, 12, true, nil
		}
		return utf8.RuneError, 6, true, nil
	default:
		return 0, 0, false, p.fail("invalid escape sequence \\%c", rest[1])
	}
}

func (p *parser) hex4(rest []byte, at int) (rune, bool, error) {
	var r rune
	for i := 0; i < 4; i++ {
		if at+i >= len(rest) {
			return 0, false, nil
		}
		c := rest[at+i]
		var d byte
		switch {
		case c >= '0' && c <= '9':
			d = c - '0'
		case c >= 'a' && c <= 'f':
			d = c - 'a' + 10
		case c >= 'A' && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, false, p.failAt(p.pos+at+i, "invalid unicode escape")
		}
		r = r<<4 | rune(d)
	}
	return r, true, nil
}

func (p *parser) literal(path, word string, v content.Value) (node, error) {
	for i := 0; i < len(word); i++ {
		if p.pos+i >= len(p.buf) {
			p.pos = len(p.buf)
			return node{}, nil
		}
		if p.buf[p.pos+i] != word[i] {
			return node{}, p.failAt(p.pos+i, "invalid literal, expected %q", word)
		}
	}
	p.pos += len(word)
	return p.settle(path, v), nil
}

// number scans a numeric token. Unless the input is final, a token touching
// the end of the buffer may still grow, so it is reported as absent.
func (p *parser) number(path string) (node, error) {
	start := p.pos
	end := start
	for end < len(p.buf) && isNumberByte(p.buf[end]) {
		end++
	}
	if end == len(p.buf) && !p.final {
		if !validNumberPrefix(p.buf[start:end]) {
			return node{}, p.failAt(start, "invalid number %q", p.buf[start:end])
		}
		p.pos = end
		return node{}, nil
	}
	token := string(p.buf[start:end])
	if !validNumber(token) {
		return node{}, p.failAt(start, "invalid number %q", token)
	}
	f, err := strconv.ParseFloat(token, 64)
	if err != nil || math.IsInf(f, 0) {
		return node{}, p.failAt(start, "number %q out of range", token)
	}
	p.pos = end
	return p.settle(path, content.Number(f)), nil
}

func isNumberByte(c byte) bool {
	return (c >= '0' && c <= '9') || c == '-' || c == '+' || c == '.' || c == 'e' || c == 'E'
}

// numberState walks the JSON number grammar; it returns the final state
// or -1 on the first byte that cannot continue a number.
func numberState(s []byte) int {
	const (
		start = iota
		sign
		zero
		intDigits
		dot
		fracDigits
		exp
		expSign
		expDigits
	)
	state := start
	for _, c := range s {
		digit := c >= '0' && c <= '9'
		switch state {
		case start:
			switch {
			case c == '-':
				state = sign
			case c == '0':
				state = zero
			case digit:
				state = intDigits
			default:
				return -1
			}
		case sign:
			switch {
			case c == '0':
				state = zero
			case digit:
				state = intDigits
			default:
				return -1
			}
		case zero, intDigits:
			switch {
			case digit && state == intDigits:
			case c == '.':
				state = dot
			case c == 'e' || c == 'E':
				state = exp
			default:
				return -1
			}
		case dot, fracDigits:
			switch {
			case digit:
				state = fracDigits
			case (c == 'e' || c == 'E') && state == fracDigits:
				state = exp
			default:
				return -1
			}
		case exp:
			switch {
			case c == '+' || c == '-':
				state = expSign
			case digit:
				state = expDigits
			default:
				return -1
			}
		case expSign, expDigits:
			if !digit {
				return -1
			}
			state = expDigits
		}
	}
	return state
}

func validNumberPrefix(s []byte) bool { return numberState(s) >= 0 }

func validNumber(s string) bool {
	switch numberState([]byte(s)) {
	case 2, 3, 5, 8: // zero, intDigits, fracDigits, expDigits
		return true
	}
	return false
}
