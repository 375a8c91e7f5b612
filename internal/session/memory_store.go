package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory turn log. It is safe for concurrent use and
// returns deep copies so callers cannot mutate stored turns.
type MemoryStore struct {
	mu     sync.Mutex
	turns  map[string][]Turn
	window int
}

// NewMemoryStore creates an in-memory store. window bounds the number of
// recent turns Resume returns; 0 means DefaultWindow.
func NewMemoryStore(window int) *MemoryStore {
	if window <= 0 {
		window = DefaultWindow
	}
	return &MemoryStore{
		turns:  make(map[string][]Turn),
		window: window,
	}
}

// Append records a turn.
func (s *MemoryStore) Append(_ context.Context, sessionID string, turn Turn) (Turn, error) {
	if err := validateTurn(sessionID, turn); err != nil {
		return Turn{}, err
	}
	cp, err := cloneTurn(turn)
	if err != nil {
		return Turn{}, err
	}

	s.mu.Lock()
	existing := s.turns[sessionID]
	stored := prepare(sessionID, cp, int64(len(existing))+1)
	s.turns[sessionID] = append(existing, stored)
	s.mu.Unlock()

	return cloneTurn(stored)
}

// Resume reconstructs a session from its recent window and newest state.
func (s *MemoryStore) Resume(_ context.Context, sessionID string) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := s.turns[sessionID]
	start := max(0, len(stored)-s.window)
	recent := make([]Turn, 0, len(stored)-start)
	for _, t := range stored[start:] {
		cp, err := cloneTurn(t)
		if err != nil {
			return nil, err
		}
		recent = append(recent, cp)
	}

	state := latestState(recent)
	if state == nil {
		if older := latestState(stored[:start]); older != nil {
			cp, err := cloneTurn(Turn{Role: RoleSystem, State: older})
			if err != nil {
				return nil, err
			}
			state = cp.State
		}
	}
	return snapshotOf(sessionID, recent, state)
}

// Len returns the number of turns recorded for a session.
func (s *MemoryStore) Len(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.turns[sessionID])
}

// cloneTurn deep-copies a turn through its JSON form, the same encoding the
// durable backends store.
func cloneTurn(t Turn) (Turn, error) {
	data, err := json.Marshal(t)
	if err != nil {
		return Turn{}, fmt.Errorf("%w: encode: %v", ErrInvalidTurn, err)
	}
	var out Turn
	if err := json.Unmarshal(data, &out); err != nil {
		return Turn{}, fmt.Errorf("%w: decode: %v", ErrInvalidTurn, err)
	}
	return out, nil
}
