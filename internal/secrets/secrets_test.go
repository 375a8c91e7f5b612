package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/szaher/checkin/internal/testutil"
)

func TestIsRef(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"env(ANTHROPIC_API_KEY)", true},
		{" vault(checkin/llm#api_key) ", true},
		{"sk-ant-plain-value", false},
		{"", false},
		{"(NOSCHEME)", false},
		{"Env(UPPER)", false},
		{"env(unclosed", false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := IsRef(tt.in); got != tt.want {
				t.Errorf("IsRef(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestEnvResolver(t *testing.T) {
	t.Setenv("CHECKIN_TEST_SECRET", "secret-value-123")
	r := NewEnvResolver()

	got, err := r.Resolve(context.Background(), "env(CHECKIN_TEST_SECRET)")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "secret-value-123" {
		t.Errorf("got %q", got)
	}

	_, err = r.Resolve(context.Background(), "env(CHECKIN_TEST_UNSET_VAR)")
	if err == nil || err.Error() != `environment variable "CHECKIN_TEST_UNSET_VAR" not set` {
		t.Errorf("unset var error = %v", err)
	}

	for _, ref := range []string{"notenv(VAR)", "env(", "env()"} {
		if _, err := r.Resolve(context.Background(), ref); !errors.Is(err, ErrUnsupportedRef) {
			t.Errorf("Resolve(%q) = %v, want ErrUnsupportedRef", ref, err)
		}
	}
}

func TestChain(t *testing.T) {
	t.Setenv("CHECKIN_TEST_SECRET", "from-env")
	c := NewChain()
	ctx := context.Background()

	if got, err := c.Expand(ctx, "literal"); err != nil || got != "literal" {
		t.Errorf("Expand literal = %q, %v", got, err)
	}
	if got, err := c.Expand(ctx, "env(CHECKIN_TEST_SECRET)"); err != nil || got != "from-env" {
		t.Errorf("Expand env = %q, %v", got, err)
	}
	if _, err := c.Expand(ctx, "vault(a#b)"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("unregistered scheme: %v", err)
	}
	if _, err := c.Resolve(ctx, "plain"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("plain value through Resolve: %v", err)
	}
}

func vaultServer(t *testing.T, hits *atomic.Int32, data map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if got := r.Header.Get("X-Vault-Token"); got != "test-token" {
			t.Errorf("X-Vault-Token = %q", got)
		}
		if !strings.HasPrefix(r.URL.Path, "/v1/secret/data/") {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"errors":[]}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{"data": data}})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestVaultResolver(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, &hits, map[string]any{"api_key": "sk-vault", "value": "default", "port": 5432})
	v := NewVaultResolver(srv.URL+"/", "test-token")
	if v.Address != srv.URL || v.MountPath != "secret" {
		t.Fatalf("resolver = %+v", v)
	}
	ctx := context.Background()

	tests := []struct {
		ref     string
		want    string
		wantErr string
	}{
		{"vault(checkin/llm#api_key)", "sk-vault", ""},
		{"vault(checkin/llm)", "default", ""},
		{"vault(checkin/llm#missing)", "", `key "missing" not found`},
		{"vault(checkin/llm#port)", "", "is not a string"},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, err := v.Resolve(ctx, tt.ref)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("Resolve = %q, %v", got, err)
			}
		})
	}

	if _, err := v.Resolve(ctx, "notavault(path)"); !errors.Is(err, ErrUnsupportedRef) {
		t.Errorf("malformed ref: %v", err)
	}
}

func TestVaultResolver_Cache(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, &hits, map[string]any{"api_key": "cached"})
	v := NewVaultResolver(srv.URL, "test-token")
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	v.now = func() time.Time { return now }
	v.CacheTTL = time.Minute
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if got, err := v.Resolve(ctx, "vault(app#api_key)"); err != nil || got != "cached" {
			t.Fatalf("resolve %d = %q, %v", i, got, err)
		}
	}
	if hits.Load() != 1 {
		t.Errorf("hits = %d, want 1", hits.Load())
	}

	now = now.Add(2 * time.Minute)
	if _, err := v.Resolve(ctx, "vault(app#api_key)"); err != nil {
		t.Fatal(err)
	}
	if hits.Load() != 2 {
		t.Errorf("expired entry should refetch, hits = %d", hits.Load())
	}
}

func TestVaultResolver_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte(`{"errors":["permission denied"]}`))
	}))
	defer srv.Close()

	_, err := NewVaultResolver(srv.URL, "tok").Resolve(context.Background(), "vault(x#y)")
	testutil.AssertErrorContains(t, err, "vault error (status 403)")
}

func TestChain_Vault(t *testing.T) {
	var hits atomic.Int32
	srv := vaultServer(t, &hits, map[string]any{"dsn": "postgres://db"})
	t.Setenv("VAULT_ADDR", srv.URL)
	t.Setenv("VAULT_TOKEN", "test-token")

	v := VaultFromEnv()
	if v == nil {
		t.Fatal("VaultFromEnv returned nil with VAULT_ADDR set")
	}
	c := NewChain()
	c.Register("vault", v)
	got, err := c.Expand(context.Background(), "vault(checkin/store#dsn)")
	if err != nil || got != "postgres://db" {
		t.Errorf("Expand = %q, %v", got, err)
	}
}
