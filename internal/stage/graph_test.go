package stage

import (
	"errors"
	"testing"
)

func TestTransition_AdvanceAndStay(t *testing.T) {
	g := Intake()
	for _, s := range g.Stages() {
		if s.Terminal {
			continue
		}
		stay, err := g.Transition(s.Name, false)
		if err != nil {
			t.Fatalf("Transition(%s, false): %v", s.Name, err)
		}
		if stay.Stage != s.Name || stay.Advanced || stay.Completed {
			t.Errorf("Transition(%s, false) = %+v, want stay", s.Name, stay)
		}

		adv, err := g.Transition(s.Name, true)
		if err != nil {
			t.Fatalf("Transition(%s, true): %v", s.Name, err)
		}
		if adv.Stage != s.Successor || !adv.Advanced || adv.Completed {
			t.Errorf("Transition(%s, true) = %+v, want %s", s.Name, adv, s.Successor)
		}
	}
}

func TestTransition_TerminalAlwaysCompletes(t *testing.T) {
	g := Intake()
	for _, advance := range []bool{true, false} {
		out, err := g.Transition(g.Terminal(), advance)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if out.Stage != Complete {
			t.Errorf("stage: got %s, want %s", out.Stage, Complete)
		}
		if !out.Completed {
			t.Errorf("Transition(terminal, %v).Completed = false", advance)
		}
	}
}

func TestTransition_UnknownStage(t *testing.T) {
	g := Intake()
	_, err := g.Transition("billing", true)
	if !errors.Is(err, ErrConfiguration) {
		t.Fatalf("expected ErrConfiguration, got %v", err)
	}
}

func TestIntake_Shape(t *testing.T) {
	g := Intake()
	if g.Entry() != Demographics {
		t.Errorf("entry: got %s, want %s", g.Entry(), Demographics)
	}
	if g.Terminal() != Complete {
		t.Errorf("terminal: got %s, want %s", g.Terminal(), Complete)
	}
	if g.Len() != 12 {
		t.Errorf("len: got %d, want 12", g.Len())
	}
	if g.Index(Pharmacy) != 5 {
		t.Errorf("index(pharmacy): got %d, want 5", g.Index(Pharmacy))
	}
	if g.Index("nope") != -1 {
		t.Error("index of unknown stage should be -1")
	}
}

func TestNew_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		stages []Stage
	}{
		{"empty", nil},
		{"no terminal", []Stage{{Name: "a", Successor: "b"}, {Name: "b", Successor: "a"}}},
		{"two terminals", []Stage{{Name: "a", Terminal: true}, {Name: "b", Terminal: true}}},
		{"duplicate", []Stage{{Name: "a", Successor: "a"}, {Name: "a", Terminal: true}}},
		{"unknown successor", []Stage{{Name: "a", Successor: "x"}, {Name: "b", Terminal: true}}},
		{"missing successor", []Stage{{Name: "a"}, {Name: "b", Terminal: true}}},
		{"cycle", []Stage{{Name: "a", Successor: "b"}, {Name: "b", Successor: "a"}, {Name: "c", Terminal: true}}},
		{"unreachable", []Stage{{Name: "a", Successor: "c"}, {Name: "b", Successor: "c"}, {Name: "c", Terminal: true}}},
		{"terminal with successor", []Stage{{Name: "a", Successor: "b"}, {Name: "b", Terminal: true, Successor: "a"}}},
		{"unnamed", []Stage{{Name: ""}, {Name: "b", Terminal: true}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.stages)
			if !errors.Is(err, ErrConfiguration) {
				t.Fatalf("expected ErrConfiguration, got %v", err)
			}
		})
	}
}

func TestLinear(t *testing.T) {
	g, err := Linear("welcome", "details", "done")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	out, _ := g.Transition("welcome", true)
	if out.Stage != "details" {
		t.Errorf("got %s, want details", out.Stage)
	}
	if !g.IsTerminal("done") {
		t.Error("done should be terminal")
	}

	// Stages returns a copy.
	s := g.Stages()
	s[0].Name = "mutated"
	if g.Entry() != "welcome" {
		t.Error("graph must be immutable")
	}
}
