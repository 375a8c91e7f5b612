package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"
)

const maxVaultResponse = 1 << 20

// VaultResolver resolves vault(path#key) references against a KV v2 engine.
type VaultResolver struct {
	// Address is the base URL of the Vault server.
	Address string

	// Token is the authentication token.
	Token string

	// MountPath is the KV v2 mount path (default: "secret").
	MountPath string

	// CacheTTL is how long resolved values are reused (default: 5 minutes).
	CacheTTL time.Duration

	client *http.Client
	now    func() time.Time
	mu     sync.RWMutex
	cache  map[string]cacheEntry
}

type cacheEntry struct {
	value   string
	expires time.Time
}

// NewVaultResolver creates a new Vault secret resolver.
func NewVaultResolver(address, token string) *VaultResolver {
	return &VaultResolver{
		Address:   strings.TrimRight(address, "/"),
		Token:     token,
		MountPath: "secret",
		CacheTTL:  5 * time.Minute,
		client:    &http.Client{Timeout: 10 * time.Second},
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// VaultFromEnv builds a resolver from VAULT_ADDR and VAULT_TOKEN. It returns
// nil when VAULT_ADDR is unset.
func VaultFromEnv() *VaultResolver {
	addr := os.Getenv("VAULT_ADDR")
	if addr == "" {
		return nil
	}
	v := NewVaultResolver(addr, os.Getenv("VAULT_TOKEN"))
	if mount := os.Getenv("VAULT_KV_MOUNT"); mount != "" {
		v.MountPath = mount
	}
	return v
}

// Resolve fetches a secret. Without "#key" the "value" key is read.
func (v *VaultResolver) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, inner, ok := parseRef(ref)
	if !ok || scheme != "vault" || inner == "" {
		return "", fmt.Errorf("%w: %q (expected vault(path#key))", ErrUnsupportedRef, ref)
	}
	path, key, found := strings.Cut(inner, "#")
	if !found || key == "" {
		key = "value"
	}
	cacheKey := path + "#" + key

	v.mu.RLock()
	entry, hit := v.cache[cacheKey]
	v.mu.RUnlock()
	if hit && v.now().Before(entry.expires) {
		return entry.value, nil
	}

	value, err := v.fetch(ctx, path, key)
	if err != nil {
		return "", err
	}

	v.mu.Lock()
	v.cache[cacheKey] = cacheEntry{value: value, expires: v.now().Add(v.CacheTTL)}
	v.mu.Unlock()
	return value, nil
}

func (v *VaultResolver) fetch(ctx context.Context, path, key string) (string, error) {
	url := fmt.Sprintf("%s/v1/%s/data/%s", v.Address, v.MountPath, strings.TrimLeft(path, "/"))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("X-Vault-Token", v.Token)

	resp, err := v.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("vault request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxVaultResponse))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("vault error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Data struct {
			Data map[string]any `json:"data"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("parse vault response: %w", err)
	}
	val, ok := result.Data.Data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in vault secret at %s", key, path)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("vault key %q at %s is not a string", key, path)
	}
	return s, nil
}
