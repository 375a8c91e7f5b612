package auth

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// Middleware returns an HTTP middleware that validates API key authentication.
// Requests to skipPaths (e.g. "/healthz") are allowed without a key. If noAuth
// is true, all requests are allowed. If rl is non-nil, failed attempts are
// tracked per client and clients are blocked after repeated failures.
func Middleware(apiKey string, noAuth bool, skipPaths []string, rl *RateLimiter) func(http.Handler) http.Handler {
	skipSet := make(map[string]bool, len(skipPaths))
	for _, p := range skipPaths {
		skipSet[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if noAuth || skipSet[r.URL.Path] || r.Method == http.MethodOptions {
				next.ServeHTTP(w, r)
				return
			}

			clientIP := ClientIPKeyFunc(r)
			if rl != nil && rl.IsAuthBlocked(clientIP) {
				w.Header().Set("Retry-After", strconv.Itoa(rl.AuthBlockRetryAfter(clientIP)))
				WriteError(w, http.StatusTooManyRequests, "auth_blocked", "Too many failed authentication attempts. Try again later.")
				return
			}

			if apiKey == "" {
				WriteError(w, http.StatusUnauthorized, "unauthorized", "API key not configured")
				return
			}

			key, ok := ExtractKey(r)
			if !ok || !ValidateKey(key, apiKey) {
				if rl != nil {
					rl.AuthFailure(clientIP)
				}
				msg := "invalid API key"
				if !ok {
					msg = "missing API key, expected 'Authorization: Bearer <key>' or X-API-Key"
				}
				WriteError(w, http.StatusUnauthorized, "unauthorized", msg)
				return
			}

			if rl != nil {
				rl.AuthSuccess(clientIP)
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SecurityHeaders sets the response headers every check-in response carries.
func SecurityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("Server", "None")
		h.Set("X-XSS-Protection", "1; mode=block")
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Content-Security-Policy",
			"default-src 'self'; style-src 'self'; img-src 'self' data:; connect-src 'self'; "+
				"font-src 'self'; frame-ancestors 'none'; form-action 'self'; base-uri 'self';")
		next.ServeHTTP(w, r)
	})
}

// WriteError writes the API's JSON error body.
func WriteError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  false,
		"error":   code,
		"message": message,
	})
}
