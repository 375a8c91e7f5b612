package secrets

import (
	"context"
	"fmt"
	"os"
)

// EnvResolver reads env(VAR_NAME) references from the process environment.
type EnvResolver struct {
	lookup func(string) (string, bool)
}

// NewEnvResolver creates an environment variable secret resolver.
func NewEnvResolver() *EnvResolver {
	return &EnvResolver{lookup: os.LookupEnv}
}

// Resolve looks up an env() reference and returns the value.
func (r *EnvResolver) Resolve(_ context.Context, ref string) (string, error) {
	scheme, name, ok := parseRef(ref)
	if !ok || scheme != "env" || name == "" {
		return "", fmt.Errorf("%w: %q (expected env(VAR_NAME))", ErrUnsupportedRef, ref)
	}
	value, found := r.lookup(name)
	if !found {
		return "", fmt.Errorf("environment variable %q not set", name)
	}
	return value, nil
}
