package session

import (
	"context"
	"sync"
	"testing"

	"github.com/szaher/checkin/internal/stage"
)

func TestMemoryStore_CopiesOnRead(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	id := NewSessionID()

	ctxAttrs := map[string]any{"first_name": "Ada"}
	if _, err := store.Append(ctx, id, Turn{
		Role:  RoleSystem,
		State: &State{Stage: stage.Demographics, SubjectAccount: "A1", Context: ctxAttrs},
	}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	ctxAttrs["first_name"] = "mutated"

	snap, err := store.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap.Context["first_name"] != "Ada" {
		t.Errorf("stored context mutated through caller map: %v", snap.Context["first_name"])
	}

	snap.Context["first_name"] = "changed"
	snap.Recent[0].State.Stage = stage.Complete

	again, err := store.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if again.Context["first_name"] != "Ada" || again.Stage != stage.Demographics {
		t.Errorf("stored turn mutated through snapshot: %+v", again)
	}
}

func TestMemoryStore_ConcurrentSessions(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = NewSessionID()
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				if _, err := store.Append(ctx, id, Turn{Role: RoleUser}); err != nil {
					t.Errorf("Append: %v", err)
					return
				}
			}
		}(ids[i])
	}
	wg.Wait()

	for _, id := range ids {
		if n := store.Len(id); n != 20 {
			t.Errorf("session %s: got %d turns, want 20", id, n)
		}
	}
}

func TestMemoryStore_CustomWindow(t *testing.T) {
	store := NewMemoryStore(3)
	ctx := context.Background()
	id := NewSessionID()
	for i := 0; i < 5; i++ {
		if _, err := store.Append(ctx, id, Turn{Role: RoleUser, State: &State{Stage: stage.Symptoms}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	snap, err := store.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if len(snap.Recent) != 3 {
		t.Fatalf("got %d recent turns, want 3", len(snap.Recent))
	}
	if snap.Recent[0].Seq != 3 {
		t.Errorf("first recent seq: got %d, want 3", snap.Recent[0].Seq)
	}
}

func TestMemoryStore_AppendReturnsCopy(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()
	id := NewSessionID()

	stored, err := store.Append(ctx, id, Turn{
		Role:  RoleSystem,
		State: &State{Stage: stage.Insurance, Context: map[string]any{"plan": "gold"}},
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	stored.State.Context["plan"] = "tin"

	snap, err := store.Resume(ctx, id)
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if snap.Context["plan"] != "gold" {
		t.Errorf("stored state mutated through returned turn: %v", snap.Context["plan"])
	}
}
