// Package intake defines the capabilities the orchestrator consumes: a
// handler per stage that produces the assistant reply, and an optional data
// provider per stage that preloads records before the stage starts.
package intake

import (
	"context"
	"fmt"
	"sort"

	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

// PreloadKey is the context attribute that holds a stage's preloaded data.
const PreloadKey = "preload"

// Request is the input to a StageHandler.
type Request struct {
	SessionID      string
	Stage          stage.Name
	SubjectAccount string
	Context        map[string]any
	Recent         []session.Turn
	Utterance      string
}

// Preload returns the data preloaded for the current stage, or nil.
func (r Request) Preload() any {
	if r.Context == nil {
		return nil
	}
	return r.Context[PreloadKey]
}

// Reply is a StageHandler's answer for one turn.
type Reply struct {
	Payload session.Payload
	Advance bool
	// Context replaces the session context when non-nil.
	Context   map[string]any
	Auxiliary *session.Auxiliary
}

// StageHandler produces the assistant reply for one stage.
type StageHandler interface {
	Handle(ctx context.Context, req Request) (*Reply, error)
}

// HandlerFunc adapts a function to StageHandler.
type HandlerFunc func(ctx context.Context, req Request) (*Reply, error)

// Handle calls f.
func (f HandlerFunc) Handle(ctx context.Context, req Request) (*Reply, error) {
	return f(ctx, req)
}

// DataProvider fetches the records a stage needs before it starts.
type DataProvider interface {
	Preload(ctx context.Context, subjectAccount string, st stage.Name, attrs map[string]any) (any, error)
}

// ProviderFunc adapts a function to DataProvider.
type ProviderFunc func(ctx context.Context, subjectAccount string, st stage.Name, attrs map[string]any) (any, error)

// Preload calls f.
func (f ProviderFunc) Preload(ctx context.Context, subjectAccount string, st stage.Name, attrs map[string]any) (any, error) {
	return f(ctx, subjectAccount, st, attrs)
}

// Registry binds handlers and providers to stages. It is built once at
// startup and read-only afterwards.
type Registry struct {
	graph     *stage.Graph
	handlers  map[stage.Name]StageHandler
	providers map[stage.Name]DataProvider
}

// NewRegistry creates an empty registry for g.
func NewRegistry(g *stage.Graph) *Registry {
	return &Registry{
		graph:     g,
		handlers:  make(map[stage.Name]StageHandler),
		providers: make(map[stage.Name]DataProvider),
	}
}

// Graph returns the stage graph the registry is bound to.
func (r *Registry) Graph() *stage.Graph { return r.graph }

// RegisterHandler binds h to a stage, replacing any previous binding.
func (r *Registry) RegisterHandler(name stage.Name, h StageHandler) {
	r.handlers[name] = h
}

// RegisterProvider binds p to a stage, replacing any previous binding.
func (r *Registry) RegisterProvider(name stage.Name, p DataProvider) {
	r.providers[name] = p
}

// Handler returns the handler bound to a stage.
func (r *Registry) Handler(name stage.Name) (StageHandler, bool) {
	h, ok := r.handlers[name]
	return h, ok
}

// Provider returns the provider bound to a stage.
func (r *Registry) Provider(name stage.Name) (DataProvider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// Validate checks that every stage has a handler and that nothing is bound
// to a stage the graph does not know.
func (r *Registry) Validate() error {
	if r.graph == nil {
		return fmt.Errorf("%w: registry has no stage graph", stage.ErrConfiguration)
	}
	for _, s := range r.graph.Stages() {
		if h, ok := r.handlers[s.Name]; !ok || h == nil {
			return fmt.Errorf("%w: no handler for stage %q", stage.ErrConfiguration, s.Name)
		}
	}
	for _, name := range sortedKeys(r.handlers) {
		if _, ok := r.graph.Lookup(name); !ok {
			return fmt.Errorf("%w: handler bound to unknown stage %q", stage.ErrConfiguration, name)
		}
	}
	for _, name := range sortedKeys(r.providers) {
		if _, ok := r.graph.Lookup(name); !ok {
			return fmt.Errorf("%w: provider bound to unknown stage %q", stage.ErrConfiguration, name)
		}
	}
	return nil
}

func sortedKeys[V any](m map[stage.Name]V) []stage.Name {
	keys := make([]stage.Name, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
