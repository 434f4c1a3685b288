package config

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"
)

// Validator enforces constraints on Config.
type Validator interface {
	Validate(*Config) error
}

// DefaultValidator applies structural checks.
type DefaultValidator struct {
	maxMCPServers int
	maxEnvVars    int
}

// NewDefaultValidator builds the validator used by Load and Loader.
func NewDefaultValidator() *DefaultValidator {
	return &DefaultValidator{maxMCPServers: 32, maxEnvVars: 64}
}

// Validate reports the first problem found in cfg.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	if cfg.Session.MaxRounds < 0 {
		return fmt.Errorf("session.max_rounds must not be negative, got %d", cfg.Session.MaxRounds)
	}
	if cfg.Session.ToolConcurrency < 0 {
		return fmt.Errorf("session.tool_concurrency must not be negative, got %d", cfg.Session.ToolConcurrency)
	}
	if err := validateProvider(cfg.Provider); err != nil {
		return err
	}
	if err := validateStore(cfg.Store); err != nil {
		return err
	}
	switch cfg.Telemetry.Format {
	case "text", "json", "terminal":
	default:
		return fmt.Errorf("telemetry.format %q is not one of text, json, terminal", cfg.Telemetry.Format)
	}
	return v.validateTools(cfg.Tools)
}

func validateProvider(p ProviderConfig) error {
	switch p.Kind {
	case ProviderAnthropic, ProviderOpenAI:
		if p.APIKey == "" {
			return fmt.Errorf("provider.api_key is required for %s", p.Kind)
		}
	case ProviderOllama:
	case ProviderCompat:
		if p.BaseURL == "" {
			return errors.New("provider.base_url is required for compat providers")
		}
	case "":
		return errors.New("provider.kind is required")
	default:
		return fmt.Errorf("unknown provider.kind %q", p.Kind)
	}
	if p.Model == "" {
		return errors.New("provider.model is required")
	}
	if p.BaseURL != "" {
		if err := validateURL(p.BaseURL); err != nil {
			return fmt.Errorf("provider.base_url: %w", err)
		}
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("provider.max_tokens must not be negative, got %d", p.MaxTokens)
	}
	if p.Temperature != nil && (*p.Temperature < 0 || *p.Temperature > 2) {
		return fmt.Errorf("provider.temperature %.2f outside [0, 2]", *p.Temperature)
	}
	for key, value := range p.Headers {
		if strings.TrimSpace(key) == "" {
			return errors.New("provider.headers contains an empty name")
		}
		if strings.ContainsAny(key+value, "\r\n") {
			return fmt.Errorf("provider.headers %s contains newline", key)
		}
	}
	rl := p.RateLimit
	if rl.TPM < 0 || rl.MaxTPM < 0 {
		return errors.New("provider.rate_limit values must not be negative")
	}
	if rl.TPM > 0 && rl.MaxTPM < rl.TPM {
		return fmt.Errorf("provider.rate_limit.max_tpm %.0f below tpm %.0f", rl.MaxTPM, rl.TPM)
	}
	return nil
}

func validateStore(s StoreConfig) error {
	switch s.Kind {
	case StoreMemory:
	case StoreJournal:
		if s.Dir == "" {
			return errors.New("store.dir is required for journal stores")
		}
	case StoreRedis:
		if s.RedisAddr == "" {
			return errors.New("store.redis_addr is required for redis stores")
		}
	default:
		return fmt.Errorf("unknown store.kind %q", s.Kind)
	}
	if s.TTL != "" {
		ttl, err := time.ParseDuration(s.TTL)
		if err != nil {
			return fmt.Errorf("store.ttl: %w", err)
		}
		if ttl < 0 {
			return fmt.Errorf("store.ttl must not be negative, got %s", s.TTL)
		}
	}
	return nil
}

func (v *DefaultValidator) validateTools(t ToolsConfig) error {
	if len(t.MCP) > v.maxMCPServers {
		return fmt.Errorf("too many MCP servers: %d > %d", len(t.MCP), v.maxMCPServers)
	}
	names := make(map[string]struct{}, len(t.MCP))
	for _, srv := range t.MCP {
		if srv.Name == "" {
			return errors.New("tools.mcp entry name cannot be empty")
		}
		if _, exists := names[srv.Name]; exists {
			return fmt.Errorf("duplicate MCP server %s", srv.Name)
		}
		names[srv.Name] = struct{}{}
		if (srv.Command == "") == (srv.URL == "") {
			return fmt.Errorf("MCP server %s needs exactly one of command or url", srv.Name)
		}
		if srv.URL != "" {
			if err := validateURL(srv.URL); err != nil {
				return fmt.Errorf("MCP server %s url: %w", srv.Name, err)
			}
		}
		if len(srv.Env) > v.maxEnvVars {
			return fmt.Errorf("MCP server %s: too many environment variables: %d > %d", srv.Name, len(srv.Env), v.maxEnvVars)
		}
		if err := sanitizeEnv(srv.Env); err != nil {
			return fmt.Errorf("MCP server %s: %w", srv.Name, err)
		}
	}
	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme %q is not http or https", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("host is empty")
	}
	return nil
}

var envKeyPattern = regexp.MustCompile(`^[A-Z0-9_]+$`)

func sanitizeEnv(env map[string]string) error {
	for key, value := range env {
		if !envKeyPattern.MatchString(strings.TrimSpace(key)) {
			return fmt.Errorf("invalid environment key %q", key)
		}
		if strings.ContainsAny(value, "\r\n") {
			return fmt.Errorf("environment value for %s contains newline", key)
		}
		if len(value) > 1024 {
			return fmt.Errorf("environment value for %s too long", key)
		}
	}
	return nil
}
