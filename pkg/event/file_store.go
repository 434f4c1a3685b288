package event

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

var (
	errLogClosed = errors.New("event: log closed")
	errLogNil    = errors.New("event: log is nil")
)

// Record is an event read back from a FileLog. Data stays raw so callers can
// decode it into the payload type matching Type.
type Record struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// Decode unmarshals the record payload into v.
func (r Record) Decode(v any) error {
	if len(r.Data) == 0 {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// FileLog appends events to a JSONL file, one event per line.
type FileLog struct {
	mu   sync.Mutex
	path string
	file *os.File
}

// OpenFileLog opens (or creates) the log at path.
func OpenFileLog(path string) (*FileLog, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("event: file log path is empty")
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("event: create dir: %w", err)
		}
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("event: open log: %w", err)
	}
	return &FileLog{path: path, file: file}, nil
}

// Append writes evt and syncs the file.
func (l *FileLog) Append(evt Event) error {
	if l == nil {
		return errLogNil
	}
	evt = normalize(evt)
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("event: marshal event: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return errLogClosed
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("event: append: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("event: sync: %w", err)
	}
	return nil
}

// Record drains a bus subscription into the log until the channel closes or
// ctx ends.
func (l *FileLog) Record(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			if err := l.Append(evt); err != nil {
				return err
			}
		}
	}
}

// ReadAll returns every record in file order. Lines that fail to decode are
// skipped so a torn final write does not hide earlier events.
func (l *FileLog) ReadAll() ([]Record, error) {
	if l == nil {
		return nil, errLogNil
	}
	f, err := os.Open(l.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("event: read log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1<<20)
	var records []Record
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(line, &rec); err != nil {
			continue
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("event: scan log: %w", err)
	}
	return records, nil
}

// Close closes the underlying file.
func (l *FileLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
