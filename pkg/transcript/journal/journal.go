// Package journal persists transcripts as one append-only, CRC-framed file
// per session. A record torn by a crash is truncated the next time the
// session is opened.
package journal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/cexll/sessionkit/pkg/transcript"
)

const fileSuffix = ".journal"

// ErrClosed indicates the journal has been closed.
var ErrClosed = errors.New("journal: closed")

var validSessionID = regexp.MustCompile(`^[A-Za-z0-9._-]{1,128}$`)

type config struct {
	disableSync bool
	fileMode    os.FileMode
}

// Option configures a Journal.
type Option func(*config)

// WithDisabledSync turns off fsync (tests only).
func WithDisabledSync() Option {
	return func(cfg *config) { cfg.disableSync = true }
}

// WithFileMode sets the permission bits of new journal files.
func WithFileMode(mode os.FileMode) Option {
	return func(cfg *config) { cfg.fileMode = mode }
}

// appendFile is the open handle of one session file.
type appendFile interface {
	io.Writer
	Sync() error
	Close() error
}

// Journal implements transcript.Store on the local filesystem.
type Journal struct {
	dir string
	cfg config

	mu     sync.Mutex
	files  map[string]appendFile
	closed bool
}

var _ transcript.Store = (*Journal)(nil)

// Open roots a journal at dir, creating it if needed.
func Open(dir string, opts ...Option) (*Journal, error) {
	cfg := config{fileMode: 0o600}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("journal: mkdir %s: %w", dir, err)
	}
	return &Journal{dir: dir, cfg: cfg, files: map[string]appendFile{}}, nil
}

func (j *Journal) path(sessionID string) (string, error) {
	if !validSessionID.MatchString(sessionID) {
		return "", fmt.Errorf("journal: invalid session id %q", sessionID)
	}
	return filepath.Join(j.dir, sessionID+fileSuffix), nil
}

// Load replays every entry of a session. A missing file is an empty
// transcript.
func (j *Journal) Load(ctx context.Context, sessionID string) ([]transcript.Entry, error) {
	path, err := j.path(sessionID)
	if err != nil {
		return nil, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, ErrClosed
	}
	return j.scanLocked(ctx, path)
}

// Append writes entries in one write call and syncs the file.
func (j *Journal) Append(ctx context.Context, sessionID string, entries ...transcript.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	path, err := j.path(sessionID)
	if err != nil {
		return err
	}
	var buf bytes.Buffer
	for _, e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("journal: encode entry %s: %w", e.ID, err)
		}
		raw, err := encodeRecord(payload)
		if err != nil {
			return err
		}
		buf.Write(raw)
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return ErrClosed
	}
	f, err := j.fileLocked(ctx, sessionID, path)
	if err != nil {
		return err
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		j.dropLocked(sessionID)
		return fmt.Errorf("journal: write %s: %w", sessionID, err)
	}
	if j.cfg.disableSync {
		return nil
	}
	if err := f.Sync(); err != nil {
		j.dropLocked(sessionID)
		return fmt.Errorf("journal: sync %s: %w", sessionID, err)
	}
	return nil
}

// dropLocked forgets a session's handle after a failed write, so the next
// append rescans the file and truncates whatever part of the record landed.
func (j *Journal) dropLocked(sessionID string) {
	if f, ok := j.files[sessionID]; ok {
		_ = f.Close()
		delete(j.files, sessionID)
	}
}

// fileLocked returns the append handle for a session, recovering a torn
// tail before the first write.
func (j *Journal) fileLocked(ctx context.Context, sessionID, path string) (appendFile, error) {
	if f, ok := j.files[sessionID]; ok {
		return f, nil
	}
	if _, err := j.scanLocked(ctx, path); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, j.cfg.fileMode)
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	j.files[sessionID] = f
	return f, nil
}

func (j *Journal) scanLocked(ctx context.Context, path string) ([]transcript.Entry, error) {
	f, err := os.OpenFile(path, os.O_RDWR, j.cfg.fileMode)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("journal: open %s: %w", path, err)
	}
	defer f.Close()

	reader := bufio.NewReader(f)
	var (
		entries []transcript.Entry
		offset  int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		payload, n, err := decodeRecord(reader)
		if errors.Is(err, io.EOF) {
			break
		}
		if errors.Is(err, errTorn) {
			if err := f.Truncate(offset); err != nil {
				return nil, fmt.Errorf("journal: truncate torn tail: %w", err)
			}
			break
		}
		if err != nil {
			return nil, fmt.Errorf("journal: %s at offset %d: %w", filepath.Base(path), offset, err)
		}
		var e transcript.Entry
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, fmt.Errorf("journal: decode entry at offset %d: %w", offset, err)
		}
		entries = append(entries, e)
		offset += n
	}
	return entries, nil
}

// Close releases every open file.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	var errs []error
	for id, f := range j.files {
		if err := f.Close(); err != nil {
			errs = append(errs, fmt.Errorf("journal: close %s: %w", id, err))
		}
	}
	j.files = nil
	return errors.Join(errs...)
}
