package transcript

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrDuplicateID reports an entry id that is already present.
var ErrDuplicateID = errors.New("transcript: duplicate entry id")

// Transcript is an ordered, append-only log with an id index. Entries are
// copied on the way in and out so stored values are never mutated.
type Transcript struct {
	mu      sync.RWMutex
	entries []Entry
	index   map[string]int
	now     func() time.Time
}

// New returns a transcript seeded with prior entries for continuation.
func New(seed ...Entry) (*Transcript, error) {
	t := &Transcript{index: map[string]int{}, now: time.Now}
	if _, err := t.Append(seed...); err != nil {
		return nil, err
	}
	return t, nil
}

// Append validates and appends entries atomically. Missing ids and
// timestamps are assigned; the stored copies are returned.
func (t *Transcript) Append(entries ...Entry) ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prepared := make([]Entry, len(entries))
	seen := map[string]bool{}
	for i, e := range entries {
		e = e.Clone()
		if e.ID == "" {
			e.ID = NewID()
		}
		if e.CreatedAt.IsZero() {
			e.CreatedAt = t.now().UTC()
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		if _, dup := t.index[e.ID]; dup || seen[e.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateID, e.ID)
		}
		seen[e.ID] = true
		prepared[i] = e
	}
	out := make([]Entry, len(prepared))
	for i, e := range prepared {
		t.index[e.ID] = len(t.entries)
		t.entries = append(t.entries, e)
		out[i] = e.Clone()
	}
	return out, nil
}

// Len returns the number of entries.
func (t *Transcript) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Entries returns a copy of every entry in order.
func (t *Transcript) Entries() []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Entry, len(t.entries))
	for i, e := range t.entries {
		out[i] = e.Clone()
	}
	return out
}

// Last returns the most recent entry.
func (t *Transcript) Last() (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.entries) == 0 {
		return Entry{}, false
	}
	return t.entries[len(t.entries)-1].Clone(), true
}

// Get looks an entry up by id.
func (t *Transcript) Get(id string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	i, ok := t.index[id]
	if !ok {
		return Entry{}, false
	}
	return t.entries[i].Clone(), true
}

// OutputsFor returns the ToolOutput entries answering callID.
func (t *Transcript) OutputsFor(callID string) []Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Entry
	for _, e := range t.entries {
		if e.Kind == KindToolOutput && e.ToolCallID == callID {
			out = append(out, e.Clone())
		}
	}
	return out
}

// HasKind reports whether any entry has kind k.
func (t *Transcript) HasKind(k Kind) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.Kind == k {
			return true
		}
	}
	return false
}
