package stream

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/cexll/sessionkit/pkg/content"
	"github.com/cexll/sessionkit/pkg/failure"
	"github.com/cexll/sessionkit/pkg/partial"
)

// AssembledCall is the current view of one streamed tool call.
type AssembledCall struct {
	ID   string
	Name string
	// Raw is the concatenation of every argument fragment received.
	Raw string
	// Arguments is the best-effort partial decode of Raw.
	Arguments content.Value
	// Complete reports that Raw is a structurally complete JSON document.
	Complete bool
}

// ToolCallAssembler concatenates tool-call fragments per id in arrival
// order. Calls keep the order in which their ids first appeared.
type ToolCallAssembler struct {
	order []string
	calls map[string]*pendingCall
	last  string
}

type pendingCall struct {
	id   string
	name string
	raw  strings.Builder
}

// Add folds one fragment. A fragment without id continues the most recent
// call; the first id-less fragment of a stream opens a call with a
// positional id.
func (a *ToolCallAssembler) Add(f ToolCallFragment) error {
	if a.calls == nil {
		a.calls = map[string]*pendingCall{}
	}
	id := f.ID
	if id == "" {
		id = a.last
	}
	if id == "" {
		id = fmt.Sprintf("call_%d", len(a.order))
	}
	c, ok := a.calls[id]
	if !ok {
		c = &pendingCall{id: id}
		a.calls[id] = c
		a.order = append(a.order, id)
	}
	if f.Name != "" {
		if c.name != "" && c.name != f.Name {
			return failure.Malformed(-1, fmt.Errorf("tool call %q renamed from %q to %q", id, c.name, f.Name))
		}
		c.name = f.Name
	}
	c.raw.WriteString(f.Arguments)
	a.last = id
	return nil
}

// Len reports how many calls have been opened.
func (a *ToolCallAssembler) Len() int { return len(a.order) }

// Calls decodes every call's arguments so far. Structurally inconsistent
// argument bytes fail with MalformedContent.
func (a *ToolCallAssembler) Calls() ([]AssembledCall, error) {
	return a.decode(partial.Decode)
}

func (a *ToolCallAssembler) decode(decode func([]byte) (partial.Result, error)) ([]AssembledCall, error) {
	out := make([]AssembledCall, 0, len(a.order))
	for _, id := range a.order {
		c := a.calls[id]
		call := AssembledCall{ID: c.id, Name: c.name, Raw: c.raw.String()}
		if len(bytes.TrimSpace([]byte(call.Raw))) == 0 {
			call.Arguments = content.Object()
			out = append(out, call)
			continue
		}
		res, err := decode([]byte(call.Raw))
		if err != nil {
			return nil, tagSubject(err, c.name)
		}
		call.Arguments = res.Value
		call.Complete = res.Complete
		out = append(out, call)
	}
	return out, nil
}

// Finish returns the final calls, decoding each argument buffer as the whole
// input. Every call must carry a name and complete arguments; empty
// arguments decode to an empty object.
func (a *ToolCallAssembler) Finish() ([]AssembledCall, error) {
	calls, err := a.decode(partial.DecodeFinal)
	if err != nil {
		return nil, err
	}
	for i := range calls {
		c := &calls[i]
		if c.Name == "" {
			return nil, failure.Malformed(-1, fmt.Errorf("tool call %q has no name", c.ID))
		}
		if strings.TrimSpace(c.Raw) == "" {
			c.Complete = true
			continue
		}
		if !c.Complete {
			return nil, failure.InvalidArguments(c.Name, "", errors.New("arguments ended before the JSON document was complete"))
		}
	}
	return calls, nil
}

// Reset forgets every call.
func (a *ToolCallAssembler) Reset() {
	a.order = nil
	a.calls = nil
	a.last = ""
}

func tagSubject(err error, subject string) error {
	var fe *failure.Error
	if errors.As(err, &fe) && fe.Subject == "" {
		clone := *fe
		clone.Subject = subject
		return &clone
	}
	return err
}
