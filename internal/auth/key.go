// Package auth provides API key validation, per-client rate limiting and
// the HTTP middleware guarding the check-in API.
package auth

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// DefaultEnvVar is the environment variable name for the API key.
const DefaultEnvVar = "CHECKIN_API_KEY"

// HeaderAPIKey is the alternative to an Authorization bearer token.
const HeaderAPIKey = "X-API-Key"

// ValidateKey performs timing-safe comparison of the provided key
// against the expected key. Returns true if they match.
func ValidateKey(provided, expected string) bool {
	if expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// KeyFromEnv reads the API key from the environment variable.
// Returns empty string if not set.
func KeyFromEnv() string {
	return os.Getenv(DefaultEnvVar)
}

// ExtractKey returns the key a request presents, from either
// "Authorization: Bearer <key>" or the X-API-Key header. The second result
// is false when neither header carries a key.
func ExtractKey(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		const prefix = "Bearer "
		if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
			return strings.TrimSpace(h[len(prefix):]), true
		}
		return "", false
	}
	if k := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); k != "" {
		return k, true
	}
	return "", false
}
