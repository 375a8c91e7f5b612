package session

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID creates a cryptographically random session ID with at least
// 128 bits of entropy. The ID is prefixed with "sess_" and uses URL-safe
// base64 encoding (no padding) for the random component.
func NewSessionID() string {
	b := make([]byte, 16) // 128 bits
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return "sess_" + base64.RawURLEncoding.EncodeToString(b)
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewTurnID returns a ULID for t. IDs minted in the same process sort in
// creation order.
func NewTurnID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
