// Package config loads the check-in server configuration from YAML.
package config

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/szaher/checkin/internal/auth"
	"github.com/szaher/checkin/internal/handler/llmstage"
	"github.com/szaher/checkin/internal/handler/script"
	"github.com/szaher/checkin/internal/mcp"
	"github.com/szaher/checkin/internal/provider"
	"github.com/szaher/checkin/internal/secrets"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

// Handler and provider types accepted in stage configuration.
const (
	HandlerScript = "script"
	HandlerLLM    = "llm"

	ProviderNone   = "none"
	ProviderStatic = "static"
	ProviderHTTP   = "http"
	ProviderS3     = "s3"
	ProviderMCP    = "mcp"
)

// Environment variables that override file values.
const (
	EnvAPIKey    = auth.DefaultEnvVar
	EnvStoreDSN  = "CHECKIN_STORE_DSN"
	EnvRateLimit = "CHECKIN_RATE_LIMIT"
)

// Config is the complete server configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Store        session.Config     `yaml:"store"`
	Lock         LockConfig         `yaml:"lock"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	LLM          LLMConfig          `yaml:"llm"`
	Logging      LoggingConfig      `yaml:"logging"`
	MCPServers   []mcp.ServerConfig `yaml:"mcp_servers"`
	// Records is the provider used by stages that do not configure one.
	Records ProviderConfig `yaml:"records"`
	// ScriptFile replaces the built-in intake script for script stages
	// that carry no inline script.
	ScriptFile string `yaml:"script_file"`
	// Stages lists the pipeline in order. Empty means the built-in intake.
	Stages []StageConfig `yaml:"stages"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr            string               `yaml:"addr"`
	APIKey          string               `yaml:"api_key"`
	NoAuth          bool                 `yaml:"no_auth"`
	RateLimit       auth.RateLimitConfig `yaml:"rate_limit"`
	CORSOrigins     []string             `yaml:"cors_origins"`
	ShutdownTimeout time.Duration        `yaml:"shutdown_timeout"`
}

// LockConfig selects the per-session lock.
type LockConfig struct {
	Driver      string        `yaml:"driver"`
	Endpoints   []string      `yaml:"endpoints"`
	Prefix      string        `yaml:"prefix"`
	LeaseTTL    int           `yaml:"lease_ttl"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
}

// OrchestratorConfig tunes turn processing.
type OrchestratorConfig struct {
	HandlerTimeout time.Duration    `yaml:"handler_timeout"`
	PreloadTimeout time.Duration    `yaml:"preload_timeout"`
	ChainOnAdvance bool             `yaml:"chain_on_advance"`
	Rehydrate      bool             `yaml:"rehydrate"`
	Apology        *session.Payload `yaml:"apology"`
	Completed      *session.Payload `yaml:"completed"`
}

// LLMConfig configures the model used by llm stages.
type LLMConfig struct {
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level      string   `yaml:"level"`
	RedactKeys []string `yaml:"redact_keys"`
}

// StageConfig describes one stage of the pipeline.
type StageConfig struct {
	Name     stage.Name      `yaml:"name"`
	Title    string          `yaml:"title"`
	Handler  HandlerConfig   `yaml:"handler"`
	Provider *ProviderConfig `yaml:"provider"`
}

// HandlerConfig selects a stage handler.
type HandlerConfig struct {
	Type   string           `yaml:"type"`
	Script *script.Stage    `yaml:"script"`
	LLM    *llmstage.Config `yaml:"llm"`
}

// ProviderConfig selects a data provider.
type ProviderConfig struct {
	Type string              `yaml:"type"`
	File string              `yaml:"file"`
	HTTP provider.HTTPConfig `yaml:"http"`
	S3   provider.S3Config   `yaml:"s3"`
	MCP  MCPProviderConfig   `yaml:"mcp"`
}

// MCPProviderConfig refers to an entry of mcp_servers by name.
type MCPProviderConfig struct {
	Server     string `yaml:"server"`
	ToolPrefix string `yaml:"tool_prefix"`
}

// Default returns a configuration for a local single-node server.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			RateLimit:       auth.DefaultRateLimitConfig(),
			ShutdownTimeout: 10 * time.Second,
		},
		Store: session.Config{Driver: "memory", Window: session.DefaultWindow},
		Lock:  LockConfig{Driver: "local", Prefix: "checkin/lock/", LeaseTTL: 30, DialTimeout: 5 * time.Second},
		Orchestrator: OrchestratorConfig{
			HandlerTimeout: 60 * time.Second,
			PreloadTimeout: 15 * time.Second,
		},
		LLM:     LLMConfig{Model: "claude-sonnet-4-20250514", MaxTokens: 1024},
		Logging: LoggingConfig{Level: "info"},
		Records: ProviderConfig{Type: ProviderNone},
	}
}

// Load reads path and applies environment overrides and secret references.
// An empty path yields the defaults. Callers validate the result once any
// command line overrides are applied.
func Load(ctx context.Context, path string) (*Config, error) {
	var data []byte
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnv()
	if err := cfg.ResolveSecrets(ctx, defaultResolver()); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) == 0 {
		return cfg, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: parsing config: %v", stage.ErrConfiguration, err)
	}
	return cfg, nil
}

// ApplyEnv overlays CHECKIN_API_KEY, CHECKIN_STORE_DSN and CHECKIN_RATE_LIMIT.
func (c *Config) ApplyEnv() {
	if v := os.Getenv(EnvAPIKey); v != "" {
		c.Server.APIKey = v
	}
	if v := os.Getenv(EnvStoreDSN); v != "" {
		if c.Store.Driver == "redis" {
			c.Store.RedisAddr = v
		} else {
			c.Store.DSN = v
		}
	}
	if v := os.Getenv(EnvRateLimit); v != "" {
		c.Server.RateLimit = auth.ParseRateLimit(v, c.Server.RateLimit)
	}
}

func defaultResolver() secrets.Resolver {
	chain := secrets.NewChain()
	if v := secrets.VaultFromEnv(); v != nil {
		chain.Register("vault", v)
	}
	return chain
}

// ResolveSecrets replaces env(...) and vault(...) references in credential
// fields with their values.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	fields := []*string{&c.Server.APIKey, &c.LLM.APIKey, &c.Store.DSN, &c.Store.RedisAddr}
	headers := []map[string]string{c.Records.HTTP.Headers}
	for _, s := range c.Stages {
		if s.Provider != nil {
			headers = append(headers, s.Provider.HTTP.Headers)
		}
	}
	for _, f := range fields {
		if err := expand(ctx, r, f); err != nil {
			return err
		}
	}
	for _, h := range headers {
		for k, v := range h {
			if err := expand(ctx, r, &v); err != nil {
				return fmt.Errorf("header %s: %w", k, err)
			}
			h[k] = v
		}
	}
	return nil
}

func expand(ctx context.Context, r secrets.Resolver, field *string) error {
	ref := strings.TrimSpace(*field)
	if !secrets.IsRef(ref) {
		return nil
	}
	v, err := r.Resolve(ctx, ref)
	if err != nil {
		return fmt.Errorf("resolving secret %s: %w", ref, err)
	}
	*field = v
	return nil
}

// Validate checks the configuration for errors that would fail at startup.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if !c.Server.NoAuth && c.Server.APIKey == "" {
		add("server.api_key is required unless server.no_auth is set (or set %s)", EnvAPIKey)
	}
	switch c.Store.Driver {
	case "", "memory":
	case "redis":
		if c.Store.RedisAddr == "" {
			add("store.redis_addr is required for the redis driver")
		}
	case "sqlite", "postgres":
		if c.Store.DSN == "" {
			add("store.dsn is required for the %s driver", c.Store.Driver)
		}
	default:
		add("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Lock.Driver {
	case "", "local":
	case "etcd":
		if len(c.Lock.Endpoints) == 0 {
			add("lock.endpoints is required for the etcd driver")
		}
	default:
		add("unknown lock.driver %q", c.Lock.Driver)
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		add("%v", err)
	}

	servers := make(map[string]bool, len(c.MCPServers))
	for _, s := range c.MCPServers {
		if err := s.Validate(); err != nil {
			add("mcp_servers: %v", err)
		}
		if servers[s.Name] {
			add("mcp_servers: duplicate server %q", s.Name)
		}
		servers[s.Name] = true
	}

	if err := c.Records.validate("records", servers); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[stage.Name]bool, len(c.Stages))
	for i, s := range c.Stages {
		where := fmt.Sprintf("stages[%d]", i)
		if s.Name != "" {
			where = fmt.Sprintf("stage %q", s.Name)
		}
		if seen[s.Name] {
			add("%s: duplicate stage", where)
		}
		seen[s.Name] = true
		switch s.Handler.Type {
		case "", HandlerScript:
		case HandlerLLM:
			if s.Handler.LLM == nil {
				add("%s: llm handler needs an llm block", where)
			}
		default:
			add("%s: unknown handler type %q", where, s.Handler.Type)
		}
		if s.Provider != nil {
			if err := s.Provider.validate(where, servers); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if len(c.Stages) > 0 {
		if _, err := c.Graph(); err != nil {
			errs = append(errs, err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", stage.ErrConfiguration, errors.Join(errs...))
	}
	return nil
}

func (p *ProviderConfig) validate(where string, servers map[string]bool) error {
	switch p.Type {
	case "", ProviderNone:
	case ProviderStatic:
		if p.File == "" {
			return fmt.Errorf("%s: static provider needs a file", where)
		}
	case ProviderHTTP:
		if p.HTTP.BaseURL == "" {
			return fmt.Errorf("%s: http provider needs http.base_url", where)
		}
	case ProviderS3:
		if p.S3.Bucket == "" {
			return fmt.Errorf("%s: s3 provider needs s3.bucket", where)
		}
	case ProviderMCP:
		if !servers[p.MCP.Server] {
			return fmt.Errorf("%s: mcp provider refers to unknown server %q", where, p.MCP.Server)
		}
	default:
		return fmt.Errorf("%s: unknown provider type %q", where, p.Type)
	}
	return nil
}

// Graph builds the stage pipeline. The last configured stage is terminal.
func (c *Config) Graph() (*stage.Graph, error) {
	if len(c.Stages) == 0 {
		return stage.Intake(), nil
	}
	stages := make([]stage.Stage, len(c.Stages))
	for i, s := range c.Stages {
		stages[i] = stage.Stage{Name: s.Name, Title: s.Title}
		if i == len(c.Stages)-1 {
			stages[i].Terminal = true
		} else {
			stages[i].Successor = c.Stages[i+1].Name
		}
	}
	return stage.New(stages)
}

// MCPServer returns the mcp_servers entry called name.
func (c *Config) MCPServer(name string) (mcp.ServerConfig, bool) {
	for _, s := range c.MCPServers {
		if s.Name == name {
			return s, true
		}
	}
	return mcp.ServerConfig{}, false
}

// ParseLevel maps a level name to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid logging.level %q", s)
	}
	return l, nil
}
