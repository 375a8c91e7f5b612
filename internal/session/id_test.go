package session

import (
	"strings"
	"testing"
	"time"
)

func TestNewSessionID(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewSessionID()
		if !strings.HasPrefix(id, "sess_") {
			t.Fatalf("NewSessionID() = %q, want sess_ prefix", id)
		}
		// 16 bytes base64url without padding = 22 chars.
		if len(id) != len("sess_")+22 {
			t.Errorf("NewSessionID() = %q, unexpected length %d", id, len(id))
		}
		if seen[id] {
			t.Fatalf("duplicate ID generated: %s", id)
		}
		seen[id] = true
	}
}

func TestNewTurnID_Sortable(t *testing.T) {
	now := time.Now()
	prev := NewTurnID(now)
	for i := 0; i < 50; i++ {
		next := NewTurnID(now)
		if next <= prev {
			t.Fatalf("turn ids not increasing: %s then %s", prev, next)
		}
		prev = next
	}
	later := NewTurnID(now.Add(time.Second))
	if later <= prev {
		t.Errorf("later timestamp should sort after: %s <= %s", later, prev)
	}
}
