// Package expr compiles and evaluates the advance rules that decide whether a
// stage reply completes its stage.
package expr

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// DefaultAdvanceRule advances when the handler itself asked to.
const DefaultAdvanceRule = "advance == true"

// Env is the environment an advance rule is evaluated against.
type Env struct {
	Speech    string         `expr:"speech"`
	Display   string         `expr:"display"`
	Utterance string         `expr:"utterance"`
	Stage     string         `expr:"stage"`
	Context   map[string]any `expr:"context"`
	Advance   bool           `expr:"advance"`
	Selected  string         `expr:"selected"`
}

// Rule is a compiled boolean rule.
type Rule struct {
	Source  string
	program *vm.Program
}

// Compile type-checks source against Env and requires a boolean result.
func Compile(source string) (*Rule, error) {
	if source == "" {
		return nil, fmt.Errorf("empty expression")
	}
	program, err := expr.Compile(source, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("expression compile error: %w", err)
	}
	return &Rule{Source: source, program: program}, nil
}

// MustCompile is like Compile but panics on error. Use for constants.
func MustCompile(source string) *Rule {
	r, err := Compile(source)
	if err != nil {
		panic(err)
	}
	return r
}

// Eval evaluates the rule against env.
func (r *Rule) Eval(env Env) (bool, error) {
	if r == nil || r.program == nil {
		return false, fmt.Errorf("nil compiled expression")
	}
	out, err := expr.Run(r.program, env)
	if err != nil {
		return false, fmt.Errorf("expression eval error for %q: %w", r.Source, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("expression %q returned %T, expected bool", r.Source, out)
	}
	return b, nil
}

// ValidateSyntax reports whether source compiles as an advance rule.
func ValidateSyntax(source string) error {
	if _, err := Compile(source); err != nil {
		return fmt.Errorf("invalid expression syntax: %w", err)
	}
	return nil
}
