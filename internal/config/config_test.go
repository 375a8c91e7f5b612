package config

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/szaher/checkin/internal/secrets"
	"github.com/szaher/checkin/internal/stage"
	"github.com/szaher/checkin/internal/testutil"
)

const sample = `
server:
  addr: ":9090"
  api_key: env(CHECKIN_TEST_KEY)
  rate_limit: {rate: 5, burst: 8}
store:
  driver: sqlite
  dsn: /tmp/checkin.db
orchestrator:
  handler_timeout: 30s
  chain_on_advance: true
  apology: {speech: "Sorry about that.", display: "Sorry."}
llm:
  model: mock/scripted
mcp_servers:
  - name: records
    transport: stdio
    command: records-mcp
records:
  type: mcp
  mcp: {server: records, tool_prefix: get_}
stages:
  - name: demographics
    title: Demographics
    handler:
      type: script
      script:
        welcome: {speech: "Is your address current?"}
        advance_on: ["yes"]
  - name: pharmacy
    handler:
      type: llm
      llm:
        instructions: Confirm the preferred pharmacy.
        candidates_from: pharmacies
    provider:
      type: http
      http:
        base_url: https://records.internal
        headers: {Authorization: env(CHECKIN_TEST_RECORDS_TOKEN)}
  - name: complete
`

func TestLoad(t *testing.T) {
	t.Setenv("CHECKIN_TEST_KEY", "k-123")
	t.Setenv("CHECKIN_TEST_RECORDS_TOKEN", "Bearer rec")

	cfg, err := Load(context.Background(), testutil.WriteFile(t, "checkin.yaml", sample))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.Server.Addr != ":9090" || cfg.Server.APIKey != "k-123" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 5 || cfg.Server.RateLimit.Burst != 8 {
		t.Errorf("rate limit = %+v", cfg.Server.RateLimit)
	}
	if cfg.Orchestrator.HandlerTimeout != 30*time.Second {
		t.Errorf("handler timeout = %v", cfg.Orchestrator.HandlerTimeout)
	}
	if cfg.Orchestrator.PreloadTimeout != 15*time.Second {
		t.Errorf("default preload timeout lost: %v", cfg.Orchestrator.PreloadTimeout)
	}
	if cfg.Orchestrator.Apology == nil || cfg.Orchestrator.Apology.Display != "Sorry." {
		t.Errorf("apology = %+v", cfg.Orchestrator.Apology)
	}
	if got := cfg.Stages[1].Provider.HTTP.Headers["Authorization"]; got != "Bearer rec" {
		t.Errorf("header secret = %q", got)
	}
	if cfg.Stages[1].Handler.LLM.CandidatesFrom != "pharmacies" {
		t.Errorf("llm config = %+v", cfg.Stages[1].Handler.LLM)
	}

	g, err := cfg.Graph()
	if err != nil {
		t.Fatal(err)
	}
	if g.Entry() != "demographics" || g.Terminal() != "complete" || g.Len() != 3 {
		t.Errorf("graph entry=%s terminal=%s len=%d", g.Entry(), g.Terminal(), g.Len())
	}
	if _, ok := cfg.MCPServer("records"); !ok {
		t.Error("records server not found")
	}
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	t.Setenv(EnvAPIKey, "from-env")
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.Server.Addr != ":8080" || cfg.Store.Driver != "memory" {
		t.Errorf("defaults = %+v", cfg)
	}
	g, err := cfg.Graph()
	if err != nil {
		t.Fatal(err)
	}
	if g.Len() != 12 {
		t.Errorf("built-in graph has %d stages", g.Len())
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv(EnvAPIKey, "env-key")
	t.Setenv(EnvStoreDSN, "postgres://db/checkin")
	t.Setenv(EnvRateLimit, "50:100")

	cfg := Default()
	cfg.Store.Driver = "postgres"
	cfg.ApplyEnv()
	if cfg.Server.APIKey != "env-key" || cfg.Store.DSN != "postgres://db/checkin" {
		t.Errorf("env not applied: %+v %+v", cfg.Server, cfg.Store)
	}
	if cfg.Server.RateLimit.RequestsPerSecond != 50 || cfg.Server.RateLimit.Burst != 100 {
		t.Errorf("rate limit = %+v", cfg.Server.RateLimit)
	}

	redis := Default()
	redis.Store.Driver = "redis"
	redis.ApplyEnv()
	if redis.Store.RedisAddr != "postgres://db/checkin" || redis.Store.DSN != "" {
		t.Errorf("redis driver should take the address: %+v", redis.Store)
	}
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte("server:\n  adress: \":1\"\n"))
	if !errors.Is(err, stage.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"missing api key", func(c *Config) { c.Server.APIKey = "" }, "server.api_key is required"},
		{"no auth", func(c *Config) { c.Server.APIKey = ""; c.Server.NoAuth = true }, ""},
		{"bad store", func(c *Config) { c.Store.Driver = "mongo" }, `unknown store.driver "mongo"`},
		{"sqlite without dsn", func(c *Config) { c.Store.Driver = "sqlite" }, "store.dsn is required"},
		{"etcd without endpoints", func(c *Config) { c.Lock.Driver = "etcd" }, "lock.endpoints"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "invalid logging.level"},
		{"bad handler", func(c *Config) {
			c.Stages = []StageConfig{{Name: "a", Handler: HandlerConfig{Type: "wasm"}}, {Name: "b"}}
		}, `unknown handler type "wasm"`},
		{"llm without block", func(c *Config) {
			c.Stages = []StageConfig{{Name: "a", Handler: HandlerConfig{Type: HandlerLLM}}, {Name: "b"}}
		}, "needs an llm block"},
		{"duplicate stage", func(c *Config) {
			c.Stages = []StageConfig{{Name: "a"}, {Name: "a"}}
		}, "duplicate stage"},
		{"unknown mcp server", func(c *Config) {
			c.Records = ProviderConfig{Type: ProviderMCP, MCP: MCPProviderConfig{Server: "ghost"}}
		}, `unknown server "ghost"`},
		{"static without file", func(c *Config) {
			c.Stages = []StageConfig{{Name: "a", Provider: &ProviderConfig{Type: ProviderStatic}}, {Name: "b"}}
		}, "static provider needs a file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Server.APIKey = "k"
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if !errors.Is(err, stage.ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestResolveSecrets_Error(t *testing.T) {
	cfg := Default()
	cfg.LLM.APIKey = "env(CHECKIN_TEST_DEFINITELY_UNSET)"
	err := cfg.ResolveSecrets(context.Background(), secrets.NewChain())
	testutil.AssertErrorContains(t, err, "CHECKIN_TEST_DEFINITELY_UNSET")

	cfg.LLM.APIKey = "sk-plain"
	if err := cfg.ResolveSecrets(context.Background(), secrets.NewChain()); err != nil || cfg.LLM.APIKey != "sk-plain" {
		t.Errorf("plain value changed: %q, %v", cfg.LLM.APIKey, err)
	}
}

func TestParseLevel(t *testing.T) {
	for in, ok := range map[string]bool{"": true, "debug": true, "WARN": true, "error": true, "chatty": false} {
		if _, err := ParseLevel(in); (err == nil) != ok {
			t.Errorf("ParseLevel(%q) err = %v", in, err)
		}
	}
}
