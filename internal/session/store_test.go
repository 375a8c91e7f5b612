package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/stage"
)

func mustAppend(t *testing.T, s Store, sessionID string, turn Turn) Turn {
	t.Helper()
	stored, err := s.Append(context.Background(), sessionID, turn)
	require.NoError(t, err)
	return stored
}

// runStoreSuite exercises the behaviour every backend must share.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("unknown session", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Resume(ctx, "sess_missing")
		require.ErrorIs(t, err, ErrSessionNotFound)
	})

	t.Run("append then resume", func(t *testing.T) {
		s := newStore(t)
		id := NewSessionID()

		mustAppend(t, s, id, Turn{
			Role:    RoleSystem,
			Stage:   stage.Demographics,
			Payload: Payload{Speech: "session started"},
			State: &State{
				Stage:          stage.Demographics,
				SubjectAccount: "A100",
				Context:        map[string]any{"first_name": "Ada"},
			},
		})
		mustAppend(t, s, id, Turn{
			Role:    RoleUser,
			Stage:   stage.Demographics,
			Payload: Payload{Speech: "yes that's right"},
		})
		mustAppend(t, s, id, Turn{
			Role:    RoleAssistant,
			Stage:   stage.Demographics,
			Payload: Payload{Speech: "Thanks", Display: "Demographics confirmed"},
			Auxiliary: &Auxiliary{Selections: []selection.Set{{
				Kind:       "insurance",
				Candidates: []selection.Candidate{{Position: 1, DisplayName: "Acme Health", OpaqueID: "ins-1"}},
			}}},
			State: &State{
				Stage:          stage.Insurance,
				SubjectAccount: "A100",
				Context:        map[string]any{"first_name": "Ada", "confirmed": true},
			},
		})

		snap, err := s.Resume(ctx, id)
		require.NoError(t, err)
		require.Equal(t, id, snap.SessionID)
		require.Equal(t, stage.Insurance, snap.Stage)
		require.Equal(t, "A100", snap.SubjectAccount)
		require.Equal(t, true, snap.Context["confirmed"])
		require.False(t, snap.Completed)
		require.Len(t, snap.Recent, 3)

		for i, turn := range snap.Recent {
			require.Equal(t, int64(i+1), turn.Seq)
			require.Equal(t, id, turn.SessionID)
			require.NotEmpty(t, turn.ID)
			require.False(t, turn.Timestamp.IsZero())
		}
		require.Equal(t, RoleUser, snap.Recent[1].Role)
		require.Equal(t, "yes that's right", snap.Recent[1].Payload.Speech)

		set := LatestSelection(snap.Recent, "insurance")
		require.NotNil(t, set)
		require.Equal(t, "ins-1", set.Candidates[0].OpaqueID)
	})

	t.Run("resume is idempotent", func(t *testing.T) {
		s := newStore(t)
		id := NewSessionID()
		mustAppend(t, s, id, Turn{
			Role:  RoleSystem,
			State: &State{Stage: stage.Pharmacy, SubjectAccount: "A1"},
		})

		first, err := s.Resume(ctx, id)
		require.NoError(t, err)
		second, err := s.Resume(ctx, id)
		require.NoError(t, err)
		require.Equal(t, first, second)
	})

	t.Run("window bounds recent turns", func(t *testing.T) {
		s := newStore(t)
		id := NewSessionID()
		total := DefaultWindow + 5
		for i := 0; i < total; i++ {
			mustAppend(t, s, id, Turn{
				Role:    RoleUser,
				Payload: Payload{Speech: fmt.Sprintf("msg %d", i)},
				State:   &State{Stage: stage.Symptoms, SubjectAccount: "A1"},
			})
		}
		snap, err := s.Resume(ctx, id)
		require.NoError(t, err)
		require.Len(t, snap.Recent, DefaultWindow)
		require.Equal(t, int64(total), snap.Recent[len(snap.Recent)-1].Seq)
		require.Equal(t, "msg 5", snap.Recent[0].Payload.Speech)
	})

	t.Run("append returns the stored turn", func(t *testing.T) {
		s := newStore(t)
		id := NewSessionID()
		mustAppend(t, s, id, Turn{Role: RoleSystem, State: &State{Stage: stage.Pharmacy}})
		stored := mustAppend(t, s, id, Turn{Role: RoleUser, Payload: Payload{Speech: "the second one"}})

		require.Equal(t, int64(2), stored.Seq)
		require.Equal(t, id, stored.SessionID)
		require.NotEmpty(t, stored.ID)
		require.False(t, stored.Timestamp.IsZero())

		snap, err := s.Resume(ctx, id)
		require.NoError(t, err)
		last := snap.Recent[len(snap.Recent)-1]
		require.Equal(t, stored.ID, last.ID)
		require.Equal(t, stored.Seq, last.Seq)
	})

	t.Run("state older than the window", func(t *testing.T) {
		s := newStore(t)
		id := NewSessionID()
		mustAppend(t, s, id, Turn{
			Role:  RoleSystem,
			State: &State{Stage: stage.Allergies, SubjectAccount: "A7", Context: map[string]any{"first_name": "Ada"}},
		})
		total := DefaultWindow + 3
		for i := 0; i < total; i++ {
			mustAppend(t, s, id, Turn{Role: RoleUser, Payload: Payload{Speech: fmt.Sprintf("msg %d", i)}})
		}

		snap, err := s.Resume(ctx, id)
		require.NoError(t, err)
		require.Equal(t, stage.Allergies, snap.Stage)
		require.Equal(t, "A7", snap.SubjectAccount)
		require.Equal(t, "Ada", snap.Context["first_name"])
		require.Len(t, snap.Recent, DefaultWindow)
		require.Equal(t, int64(total+1), snap.Recent[len(snap.Recent)-1].Seq)
		require.Equal(t, "msg 3", snap.Recent[0].Payload.Speech)
	})

	t.Run("sessions are isolated", func(t *testing.T) {
		s := newStore(t)
		a, b := NewSessionID(), NewSessionID()
		mustAppend(t, s, a, Turn{Role: RoleSystem, State: &State{Stage: stage.Allergies}})
		mustAppend(t, s, b, Turn{Role: RoleSystem, State: &State{Stage: stage.Pharmacy}})
		mustAppend(t, s, b, Turn{Role: RoleUser})

		snapA, err := s.Resume(ctx, a)
		require.NoError(t, err)
		require.Equal(t, stage.Allergies, snapA.Stage)
		require.Len(t, snapA.Recent, 1)

		snapB, err := s.Resume(ctx, b)
		require.NoError(t, err)
		require.Equal(t, stage.Pharmacy, snapB.Stage)
		require.Equal(t, int64(2), snapB.Recent[1].Seq)
	})

	t.Run("rejects invalid turns", func(t *testing.T) {
		s := newStore(t)
		for _, bad := range []struct {
			id   string
			turn Turn
		}{
			{"", Turn{Role: RoleUser}},
			{"sess_x", Turn{Role: "robot"}},
			{"sess_x", Turn{Role: RoleUser, SessionID: "sess_y"}},
		} {
			_, err := s.Append(ctx, bad.id, bad.turn)
			require.ErrorIs(t, err, ErrInvalidTurn)
		}

		_, err := s.Resume(ctx, "sess_x")
		require.True(t, errors.Is(err, ErrSessionNotFound))
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewMemoryStore(0) })
}

func TestRedisStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store { return NewRedisStore(newMockRedisClient()) })
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		dsn := filepath.Join(t.TempDir(), "checkin.db")
		s, err := NewSQLiteStore(dsn, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteStore_Reopen(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "checkin.db")

	s, err := NewSQLiteStore(dsn, 0)
	require.NoError(t, err)
	id := NewSessionID()
	mustAppend(t, s, id, Turn{
		Role:  RoleAssistant,
		State: &State{Stage: stage.Medications, SubjectAccount: "A9", Completed: false},
	})
	require.NoError(t, s.Close())

	s2, err := NewSQLiteStore(dsn, 0)
	require.NoError(t, err)
	defer func() { _ = s2.Close() }()

	snap, err := s2.Resume(ctx, id)
	require.NoError(t, err)
	require.Equal(t, stage.Medications, snap.Stage)
	require.Equal(t, "A9", snap.SubjectAccount)
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("CHECKIN_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("CHECKIN_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) Store {
		s, err := NewPostgresStore(context.Background(), dsn, 0)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	s, closer, err := Open(ctx, Config{Driver: "memory"})
	require.NoError(t, err)
	require.IsType(t, &MemoryStore{}, s)
	require.NoError(t, closer.Close())

	s, closer, err = Open(ctx, Config{Driver: "sqlite", DSN: filepath.Join(t.TempDir(), "x.db")})
	require.NoError(t, err)
	require.IsType(t, &SQLiteStore{}, s)
	require.NoError(t, closer.Close())

	_, _, err = Open(ctx, Config{Driver: "cassandra"})
	require.Error(t, err)

	_, _, err = Open(ctx, Config{Driver: "sqlite"})
	require.Error(t, err)
}

func TestTurnPublic(t *testing.T) {
	turn := Turn{
		ID:        "t1",
		Seq:       3,
		Role:      RoleAssistant,
		Stage:     stage.Pharmacy,
		Payload:   Payload{Speech: "Which pharmacy?", Display: "1. CVS"},
		Auxiliary: &Auxiliary{Selections: []selection.Set{{Kind: "pharmacy"}}},
		State:     &State{Stage: stage.Pharmacy, SubjectAccount: "A1"},
	}
	pub := turn.Public()
	require.Equal(t, "t1", pub.ID)
	require.Equal(t, turn.Payload, pub.Payload)
	require.Equal(t, stage.Pharmacy, pub.Stage)
}

func TestLatestSelections(t *testing.T) {
	turns := []Turn{
		{Role: RoleAssistant, Auxiliary: &Auxiliary{Selections: []selection.Set{{Kind: "insurance"}}}},
		{Role: RoleUser},
		{Role: RoleAssistant, Auxiliary: &Auxiliary{Selections: []selection.Set{{Kind: "pharmacy"}}}},
		{Role: RoleAssistant},
	}
	sets := LatestSelections(turns)
	require.Len(t, sets, 1)
	require.Equal(t, "pharmacy", sets[0].Kind)

	require.NotNil(t, LatestSelection(turns, "insurance"))
	require.Nil(t, LatestSelection(turns, "allergy"))
	require.Nil(t, LatestSelections(nil))
}
