package script

import (
	"context"
	"errors"
	"testing"

	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

func pharmacyHandler() *Handler {
	return New("pharmacy", Stage{
		Welcome:        session.Payload{Speech: "Which pharmacy?"},
		Prompt:         session.Payload{Speech: "Please pick one."},
		Done:           session.Payload{Speech: "Using {selected}.", Display: "Pharmacy: {selected}"},
		AdvanceOn:      []string{"Keep It"},
		CandidatesFrom: "pharmacies",
	})
}

func pharmacyPreload() map[string]any {
	return map[string]any{
		intake.PreloadKey: map[string]any{
			"pharmacies": []any{
				map[string]any{"name": "CVS Main Street", "id": "ph-1"},
				map[string]any{"name": "Walgreens", "id": "ph-2"},
			},
		},
		"appointment_id": "APT-1",
	}
}

func TestHandle_WelcomeListsCandidates(t *testing.T) {
	h := pharmacyHandler()
	reply, err := h.Handle(context.Background(), intake.Request{Stage: "pharmacy", Context: pharmacyPreload()})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Advance {
		t.Error("welcome must not advance")
	}
	if reply.Payload.Speech != "Which pharmacy?" {
		t.Errorf("speech = %q", reply.Payload.Speech)
	}
	if reply.Payload.Display != "1. CVS Main Street\n2. Walgreens" {
		t.Errorf("display = %q", reply.Payload.Display)
	}
	if reply.Auxiliary == nil || len(reply.Auxiliary.Selections) != 1 {
		t.Fatalf("auxiliary = %+v", reply.Auxiliary)
	}
	set := reply.Auxiliary.Selections[0]
	if set.Kind != "pharmacy" || set.Candidates[1].OpaqueID != "ph-2" {
		t.Errorf("set = %+v", set)
	}
}

func TestHandle_SelectionFromRecentTurns(t *testing.T) {
	h := pharmacyHandler()
	recent := []session.Turn{{
		Role: session.RoleAssistant,
		Auxiliary: &session.Auxiliary{Selections: []selection.Set{{
			Kind: "pharmacy",
			Candidates: []selection.Candidate{
				{Position: 1, DisplayName: "Rite Aid", OpaqueID: "ph-9"},
				{Position: 2, DisplayName: "Costco", OpaqueID: "ph-8"},
			},
		}}},
	}}

	tests := []struct {
		utterance string
		id        string
		speech    string
	}{
		{"the second one", "ph-8", "Using Costco."},
		{"rite aid please", "ph-9", "Using Rite Aid."},
		{"#1", "ph-9", "Using Rite Aid."},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			reply, err := h.Handle(context.Background(), intake.Request{
				Context:   pharmacyPreload(),
				Recent:    recent,
				Utterance: tt.utterance,
			})
			if err != nil {
				t.Fatal(err)
			}
			if !reply.Advance {
				t.Fatal("selection should advance")
			}
			if reply.Context["selected_pharmacy"] != tt.id {
				t.Errorf("selected = %v, want %s", reply.Context["selected_pharmacy"], tt.id)
			}
			if reply.Context["appointment_id"] != "APT-1" {
				t.Error("existing context dropped")
			}
			if reply.Payload.Speech != tt.speech {
				t.Errorf("speech = %q, want %q", reply.Payload.Speech, tt.speech)
			}
		})
	}
}

func TestHandle_SelectionFallsBackToPreload(t *testing.T) {
	h := pharmacyHandler()
	reply, err := h.Handle(context.Background(), intake.Request{Context: pharmacyPreload(), Utterance: "walgreens"})
	if err != nil {
		t.Fatal(err)
	}
	if !reply.Advance || reply.Context["selected_pharmacy"] != "ph-2" {
		t.Errorf("reply = %+v", reply)
	}
	if reply.Payload.Display != "Pharmacy: Walgreens" {
		t.Errorf("display = %q", reply.Payload.Display)
	}
}

func TestHandle_NoMatchStays(t *testing.T) {
	h := pharmacyHandler()
	reply, err := h.Handle(context.Background(), intake.Request{Context: pharmacyPreload(), Utterance: "the fifth one"})
	if err != nil {
		t.Fatal(err)
	}
	if reply.Advance {
		t.Error("out-of-range ordinal must not advance")
	}
	if reply.Context != nil {
		t.Error("stay must not replace context")
	}
	if reply.Payload.Speech != "Please pick one." {
		t.Errorf("speech = %q", reply.Payload.Speech)
	}
}

func TestHandle_AdvanceOnPhrases(t *testing.T) {
	h := New("demographics", Stage{
		Done:      session.Payload{Speech: "Thanks."},
		Prompt:    session.Payload{Speech: "Is that right?"},
		AdvanceOn: []string{"yes", "that's right"},
	})
	tests := []struct {
		utterance string
		advance   bool
	}{
		{"Yes.", true},
		{"yes, that's right", true},
		{"That's right!", true},
		{"yesterday I moved", false},
		{"no", false},
	}
	for _, tt := range tests {
		t.Run(tt.utterance, func(t *testing.T) {
			reply, err := h.Handle(context.Background(), intake.Request{Utterance: tt.utterance})
			if err != nil {
				t.Fatal(err)
			}
			if reply.Advance != tt.advance {
				t.Errorf("advance = %v, want %v", reply.Advance, tt.advance)
			}
		})
	}
}

func TestRegister(t *testing.T) {
	g := stage.Intake()
	reg := intake.NewRegistry(g)
	if err := Register(reg, Intake()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := reg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	bad := intake.NewRegistry(g)
	err := Register(bad, Script{"billing": {}})
	if !errors.Is(err, stage.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestRegister_FillsMissingStages(t *testing.T) {
	g, err := stage.Linear("a", "b")
	if err != nil {
		t.Fatal(err)
	}
	reg := intake.NewRegistry(g)
	if err := Register(reg, Script{}); err != nil {
		t.Fatal(err)
	}
	h, ok := reg.Handler("a")
	if !ok {
		t.Fatal("no handler for a")
	}
	reply, err := h.Handle(context.Background(), intake.Request{Utterance: "yes"})
	if err != nil || !reply.Advance {
		t.Errorf("default handler should advance on yes: %+v, %v", reply, err)
	}
}

func TestParse(t *testing.T) {
	s, err := Parse([]byte(`
pharmacy:
  welcome: {speech: "Which one?"}
  advance_on: [same]
  candidates_from: pharmacies
`))
	if err != nil {
		t.Fatal(err)
	}
	if s["pharmacy"].Welcome.Speech != "Which one?" || s["pharmacy"].CandidatesFrom != "pharmacies" {
		t.Errorf("parsed = %+v", s["pharmacy"])
	}
	if _, err := Parse([]byte("pharmacy: [unclosed")); err == nil {
		t.Error("expected parse error")
	}
	if len(Intake()) != 12 {
		t.Errorf("built-in script covers %d stages, want 12", len(Intake()))
	}
}
