// Package config loads the YAML description of a session deployment: which
// provider to talk to, where transcripts live, which tools are offered and
// how telemetry is exported.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/cexll/sessionkit/pkg/session"
)

const (
	defaultVersion     = "1"
	defaultAddr        = ":8080"
	defaultServiceName = "sessionkit"
	defaultLogFormat   = "text"
	defaultRedisPrefix = "sessionkit:transcript:"
)

// Provider kinds.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
	ProviderCompat    = "compat"
	ProviderOllama    = "ollama"
)

// Store kinds.
const (
	StoreMemory  = "memory"
	StoreJournal = "journal"
	StoreRedis   = "redis"
)

// Config is the root of a configuration file.
type Config struct {
	Version   string          `json:"version" yaml:"version"`
	Session   SessionConfig   `json:"session" yaml:"session"`
	Provider  ProviderConfig  `json:"provider" yaml:"provider"`
	Store     StoreConfig     `json:"store" yaml:"store"`
	Server    ServerConfig    `json:"server" yaml:"server"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Tools     ToolsConfig     `json:"tools" yaml:"tools"`

	SourcePath string `json:"-" yaml:"-"`
	SourceHash string `json:"-" yaml:"-"`
}

// SessionConfig holds the defaults applied to every session.
type SessionConfig struct {
	Instructions    string `json:"instructions" yaml:"instructions"`
	MaxRounds       int    `json:"max_rounds" yaml:"max_rounds"`
	Streaming       *bool  `json:"streaming" yaml:"streaming"`
	ToolConcurrency int    `json:"tool_concurrency" yaml:"tool_concurrency"`
	// StrictArguments rejects tool arguments carrying undeclared fields.
	StrictArguments bool `json:"strict_arguments" yaml:"strict_arguments"`
}

// ProviderConfig selects and tunes the model backend.
type ProviderConfig struct {
	Kind        string            `json:"kind" yaml:"kind"`
	Name        string            `json:"name" yaml:"name"`
	Model       string            `json:"model" yaml:"model"`
	APIKey      string            `json:"api_key" yaml:"api_key"`
	BaseURL     string            `json:"base_url" yaml:"base_url"`
	MaxTokens   int               `json:"max_tokens" yaml:"max_tokens"`
	Temperature *float64          `json:"temperature" yaml:"temperature"`
	KeepAlive   string            `json:"keep_alive" yaml:"keep_alive"`
	Headers     map[string]string `json:"headers" yaml:"headers"`
	RateLimit   RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// RateLimitConfig enables the adaptive token budget when TPM is positive.
type RateLimitConfig struct {
	TPM    float64 `json:"tpm" yaml:"tpm"`
	MaxTPM float64 `json:"max_tpm" yaml:"max_tpm"`
}

// StoreConfig selects where transcripts are persisted.
type StoreConfig struct {
	Kind      string `json:"kind" yaml:"kind"`
	Dir       string `json:"dir" yaml:"dir"`
	RedisAddr string `json:"redis_addr" yaml:"redis_addr"`
	Prefix    string `json:"prefix" yaml:"prefix"`
	TTL       string `json:"ttl" yaml:"ttl"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"`
	// EventLog, when set, appends every session event to this JSONL file.
	EventLog string `json:"event_log" yaml:"event_log"`
}

// TelemetryConfig configures logging and trace export.
type TelemetryConfig struct {
	ServiceName string `json:"service_name" yaml:"service_name"`
	Environment string `json:"environment" yaml:"environment"`
	Endpoint    string `json:"endpoint" yaml:"endpoint"`
	Insecure    bool   `json:"insecure" yaml:"insecure"`
	Debug       bool   `json:"debug" yaml:"debug"`
	// Format is one of text, json or terminal.
	Format string `json:"format" yaml:"format"`
}

// ToolsConfig lists the tools offered to sessions.
type ToolsConfig struct {
	WebSearch bool        `json:"web_search" yaml:"web_search"`
	MCP       []MCPServer `json:"mcp" yaml:"mcp"`
}

// MCPServer describes a Model Context Protocol server whose tools are
// imported. Exactly one of Command or URL is set.
type MCPServer struct {
	Name    string            `json:"name" yaml:"name"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args" yaml:"args"`
	Env     map[string]string `json:"env" yaml:"env"`
	URL     string            `json:"url" yaml:"url"`
	Prefix  string            `json:"prefix" yaml:"prefix"`
	Allow   []string          `json:"allow" yaml:"allow"`
}

// StreamingEnabled reports the session streaming preference. It defaults to
// true.
func (s SessionConfig) StreamingEnabled() bool {
	return s.Streaming == nil || *s.Streaming
}

// Normalize trims whitespace and fills defaults.
func (c *Config) Normalize() {
	if c == nil {
		return
	}
	c.Version = strings.TrimSpace(c.Version)
	if c.Version == "" {
		c.Version = defaultVersion
	}
	if c.Session.MaxRounds == 0 {
		c.Session.MaxRounds = session.DefaultMaxRounds
	}

	p := &c.Provider
	p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
	p.Name = strings.TrimSpace(p.Name)
	p.Model = strings.TrimSpace(p.Model)
	p.APIKey = strings.TrimSpace(p.APIKey)
	p.BaseURL = strings.TrimRight(strings.TrimSpace(p.BaseURL), "/")
	p.KeepAlive = strings.TrimSpace(p.KeepAlive)
	if p.RateLimit.TPM > 0 && p.RateLimit.MaxTPM == 0 {
		p.RateLimit.MaxTPM = p.RateLimit.TPM
	}

	s := &c.Store
	s.Kind = strings.ToLower(strings.TrimSpace(s.Kind))
	if s.Kind == "" {
		s.Kind = StoreMemory
	}
	if s.Dir != "" {
		s.Dir = filepath.Clean(s.Dir)
	}
	s.RedisAddr = strings.TrimSpace(s.RedisAddr)
	if s.Kind == StoreRedis && s.Prefix == "" {
		s.Prefix = defaultRedisPrefix
	}
	s.TTL = strings.TrimSpace(s.TTL)

	c.Server.Addr = strings.TrimSpace(c.Server.Addr)
	if c.Server.Addr == "" {
		c.Server.Addr = defaultAddr
	}

	t := &c.Telemetry
	t.ServiceName = strings.TrimSpace(t.ServiceName)
	if t.ServiceName == "" {
		t.ServiceName = defaultServiceName
	}
	t.Endpoint = strings.TrimSpace(t.Endpoint)
	t.Format = strings.ToLower(strings.TrimSpace(t.Format))
	if t.Format == "" {
		t.Format = defaultLogFormat
	}

	for i := range c.Tools.MCP {
		m := &c.Tools.MCP[i]
		m.Name = strings.TrimSpace(m.Name)
		m.Command = strings.TrimSpace(m.Command)
		m.URL = strings.TrimSpace(m.URL)
		for k, v := range m.Env {
			m.Env[k] = strings.TrimSpace(v)
		}
	}
}

// Parse decodes a YAML (or JSON) payload after expanding ${VAR} references
// from the environment, then normalizes it. It does not validate.
func Parse(data []byte) (*Config, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errors.New("config payload is empty")
	}
	expanded := os.ExpandEnv(string(data))
	cfg := &Config{}
	if err := decodeMixedYAMLJSON([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	cfg.Normalize()
	return cfg, nil
}

// Load reads, parses and validates the file at path with the default
// validator.
func Load(path string) (*Config, error) {
	cfg, _, err := readFile(path)
	if err != nil {
		return nil, err
	}
	if err := NewDefaultValidator().Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readFile(path string) (*Config, []byte, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil, errors.New("config path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve config path: %w", err)
	}
	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, nil, fmt.Errorf("parse %s: %w", abs, err)
	}
	cfg.SourcePath = abs
	cfg.SourceHash = computeConfigHash(raw)
	return cfg, raw, nil
}

func computeConfigHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func decodeMixedYAMLJSON(data []byte, out any) error {
	yamlErr := yaml.Unmarshal(data, out)
	if yamlErr == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err == nil {
		return nil
	}
	return fmt.Errorf("config decode failed: %w", yamlErr)
}
