package expr

import (
	"testing"
)

func TestCompile_Errors(t *testing.T) {
	if _, err := Compile(""); err == nil {
		t.Error("expected error for empty expression")
	}
	if _, err := Compile("speech ++ +"); err == nil {
		t.Error("expected error for invalid syntax")
	}
	if _, err := Compile("unknown_var == 1"); err == nil {
		t.Error("expected error for unknown variable")
	}
	if _, err := Compile(`speech + "x"`); err == nil {
		t.Error("expected error for non-boolean rule")
	}
}

func TestRule_Eval(t *testing.T) {
	tests := []struct {
		name string
		rule string
		env  Env
		want bool
	}{
		{"default advance", DefaultAdvanceRule, Env{Advance: true}, true},
		{"default stay", DefaultAdvanceRule, Env{}, false},
		{
			"phrase detection",
			`lower(speech) contains "thank you for confirming"`,
			Env{Speech: "Thank you for confirming your demographics."},
			true,
		},
		{
			"phrase absent",
			`lower(speech) contains "thank you for confirming"`,
			Env{Speech: "Could you repeat your date of birth?"},
			false,
		},
		{"selection made", `selected != ""`, Env{Selected: "ph-7"}, true},
		{
			"context lookup",
			`context.verified == true || advance`,
			Env{Context: map[string]any{"verified": true}},
			true,
		},
		{"stage name", `stage == "pharmacy" && advance`, Env{Stage: "pharmacy", Advance: true}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := Compile(tt.rule)
			if err != nil {
				t.Fatalf("Compile: %v", err)
			}
			got, err := r.Eval(tt.env)
			if err != nil {
				t.Fatalf("Eval: %v", err)
			}
			if got != tt.want {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRule_NilEval(t *testing.T) {
	var r *Rule
	if _, err := r.Eval(Env{}); err == nil {
		t.Error("expected error for nil rule")
	}
}

func TestMustCompile_Panics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic")
		}
	}()
	MustCompile("")
}

func TestValidateSyntax(t *testing.T) {
	if err := ValidateSyntax(`utterance matches "^(yes|yeah)"`); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateSyntax("((("); err == nil {
		t.Error("expected error")
	}
}
