// Package secrets resolves credential references found in configuration.
//
// A reference has the form scheme(body), for example env(ANTHROPIC_API_KEY)
// or vault(checkin/llm#api_key). Plain values pass through untouched.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedRef is returned for a reference no resolver handles.
var ErrUnsupportedRef = errors.New("unsupported secret reference")

// Resolver resolves secret references to their values.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// parseRef splits "scheme(body)" into its parts.
func parseRef(ref string) (scheme, body string, ok bool) {
	open := strings.IndexByte(ref, '(')
	if open <= 0 || !strings.HasSuffix(ref, ")") {
		return "", "", false
	}
	scheme = ref[:open]
	for _, r := range scheme {
		if r < 'a' || r > 'z' {
			return "", "", false
		}
	}
	return scheme, ref[open+1 : len(ref)-1], true
}

// IsRef reports whether value looks like a secret reference.
func IsRef(value string) bool {
	_, _, ok := parseRef(strings.TrimSpace(value))
	return ok
}

// Chain dispatches references to resolvers by scheme.
type Chain struct {
	resolvers map[string]Resolver
}

// NewChain returns a chain with the env resolver registered.
func NewChain() *Chain {
	return &Chain{resolvers: map[string]Resolver{"env": NewEnvResolver()}}
}

// Register adds or replaces the resolver for scheme.
func (c *Chain) Register(scheme string, r Resolver) {
	c.resolvers[scheme] = r
}

// Resolve routes ref to the resolver registered for its scheme.
func (c *Chain) Resolve(ctx context.Context, ref string) (string, error) {
	scheme, _, ok := parseRef(ref)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedRef, ref)
	}
	r, ok := c.resolvers[scheme]
	if !ok {
		return "", fmt.Errorf("%w: no resolver for %s()", ErrUnsupportedRef, scheme)
	}
	return r.Resolve(ctx, ref)
}

// Expand resolves value when it is a reference and returns it unchanged
// otherwise. Empty values stay empty.
func (c *Chain) Expand(ctx context.Context, value string) (string, error) {
	trimmed := strings.TrimSpace(value)
	if !IsRef(trimmed) {
		return value, nil
	}
	return c.Resolve(ctx, trimmed)
}
