// Package session persists the append-only turn log of intake sessions and
// reconstructs a session's position from it.
package session

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/stage"
)

var (
	// ErrSessionNotFound is returned when resuming an id with no turns.
	ErrSessionNotFound = errors.New("session not found")

	// ErrInvalidTurn is returned for turns that cannot be appended.
	ErrInvalidTurn = errors.New("invalid turn")
)

// DefaultWindow is the number of recent turns returned by Resume.
const DefaultWindow = 20

// Role identifies who produced a turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// Payload is what the user sees and hears.
type Payload struct {
	Speech  string `json:"speech"`
	Display string `json:"display"`
}

// Auxiliary carries machine-only results of a turn, such as the candidate
// lists a follow-up utterance may refer to. It is never shown to users.
type Auxiliary struct {
	Selections []selection.Set `json:"selections,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
}

// State is the session position recorded alongside a turn.
type State struct {
	Stage          stage.Name     `json:"stage"`
	SubjectAccount string         `json:"subject_account"`
	Context        map[string]any `json:"context,omitempty"`
	Completed      bool           `json:"completed,omitempty"`
}

// Turn is one entry of the session log.
type Turn struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Stage     stage.Name `json:"stage"`
	Payload   Payload    `json:"payload"`
	Auxiliary *Auxiliary `json:"auxiliary,omitempty"`
	State     *State     `json:"state,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// PublicTurn is the user-facing projection of a Turn.
type PublicTurn struct {
	ID        string     `json:"id"`
	Seq       int64      `json:"seq"`
	Role      Role       `json:"role"`
	Stage     stage.Name `json:"stage"`
	Payload   Payload    `json:"payload"`
	Timestamp time.Time  `json:"timestamp"`
}

// Public strips auxiliary results and state.
func (t Turn) Public() PublicTurn {
	return PublicTurn{
		ID:        t.ID,
		Seq:       t.Seq,
		Role:      t.Role,
		Stage:     t.Stage,
		Payload:   t.Payload,
		Timestamp: t.Timestamp,
	}
}

// Snapshot is the resumable view of a session.
type Snapshot struct {
	SessionID      string         `json:"session_id"`
	Stage          stage.Name     `json:"stage"`
	SubjectAccount string         `json:"subject_account"`
	Context        map[string]any `json:"context,omitempty"`
	Completed      bool           `json:"completed"`
	Recent         []Turn         `json:"recent"`
}

// Store persists turns and reconstructs sessions from them.
type Store interface {
	// Append durably records a turn and returns it as stored, with its ID,
	// Seq and Timestamp filled in. The store assigns Seq; the caller's value
	// is ignored. Append returns only after the turn is durable.
	Append(ctx context.Context, sessionID string, turn Turn) (Turn, error)

	// Resume returns the latest state and the most recent turns of a session.
	// It returns ErrSessionNotFound for an id with no turns.
	Resume(ctx context.Context, sessionID string) (*Snapshot, error)
}

func validateTurn(sessionID string, turn Turn) error {
	if sessionID == "" {
		return fmt.Errorf("%w: empty session id", ErrInvalidTurn)
	}
	if turn.SessionID != "" && turn.SessionID != sessionID {
		return fmt.Errorf("%w: turn belongs to session %q, not %q", ErrInvalidTurn, turn.SessionID, sessionID)
	}
	if !turn.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", ErrInvalidTurn, turn.Role)
	}
	return nil
}

// prepare fills the fields every backend stores.
func prepare(sessionID string, turn Turn, seq int64) Turn {
	turn.SessionID = sessionID
	turn.Seq = seq
	if turn.Timestamp.IsZero() {
		turn.Timestamp = time.Now().UTC()
	}
	if turn.ID == "" {
		turn.ID = NewTurnID(turn.Timestamp)
	}
	return turn
}

// snapshotOf assembles a Snapshot from the recent window and the newest
// recorded state, which may predate the window.
func snapshotOf(sessionID string, recent []Turn, state *State) (*Snapshot, error) {
	if len(recent) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	snap := &Snapshot{SessionID: sessionID}
	if state != nil {
		snap.Stage = state.Stage
		snap.SubjectAccount = state.SubjectAccount
		snap.Context = maps.Clone(state.Context)
		snap.Completed = state.Completed
	}
	snap.Recent = make([]Turn, len(recent))
	copy(snap.Recent, recent)
	return snap, nil
}

// latestState returns the State of the newest turn that carries one.
func latestState(turns []Turn) *State {
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].State != nil {
			return turns[i].State
		}
	}
	return nil
}

// LatestSelections returns the candidate sets of the newest assistant turn
// that carried any, or nil.
func LatestSelections(turns []Turn) []selection.Set {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != RoleAssistant || t.Auxiliary == nil {
			continue
		}
		if len(t.Auxiliary.Selections) > 0 {
			return t.Auxiliary.Selections
		}
	}
	return nil
}

// LatestSelection returns the newest candidate set of the given kind.
func LatestSelection(turns []Turn, kind string) *selection.Set {
	for i := len(turns) - 1; i >= 0; i-- {
		t := turns[i]
		if t.Role != RoleAssistant || t.Auxiliary == nil {
			continue
		}
		if set := selection.Find(t.Auxiliary.Selections, kind); set != nil {
			return set
		}
	}
	return nil
}
