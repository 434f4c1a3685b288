package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
)

// Loader loads, validates and caches a configuration file.
type Loader struct {
	path      string
	validator Validator

	mu   sync.Mutex
	last atomic.Pointer[Config]
}

// LoaderOption customizes loader behaviour.
type LoaderOption func(*Loader)

// WithValidator injects a custom Validator.
func WithValidator(v Validator) LoaderOption {
	return func(l *Loader) {
		l.validator = v
	}
}

// NewLoader wires a loader for the file at path.
func NewLoader(path string, opts ...LoaderOption) (*Loader, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	loader := &Loader{path: abs}
	for _, opt := range opts {
		opt(loader)
	}
	if loader.validator == nil {
		loader.validator = NewDefaultValidator()
	}
	return loader, nil
}

// Path returns the absolute path of the watched file.
func (l *Loader) Path() string {
	return l.path
}

// Last returns the most recent valid configuration.
func (l *Loader) Last() (*Config, bool) {
	cfg := l.last.Load()
	if cfg == nil {
		return nil, false
	}
	return cfg, true
}

// Load reads and validates the file, caching the result on success.
func (l *Loader) Load() (*Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cfg, _, err := readFile(l.path)
	if err != nil {
		return nil, err
	}
	if err := l.validator.Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate %s: %w", l.path, err)
	}
	l.last.Store(cfg)
	return cfg, nil
}

// Reload attempts to refresh configuration keeping the last good state on error.
func (l *Loader) Reload() (*Config, error) {
	prev, _ := l.Last()
	cfg, err := l.Load()
	if err != nil {
		if prev != nil {
			return prev, fmt.Errorf("reload failed, keeping last good config: %w", err)
		}
		return nil, err
	}
	return cfg, nil
}
