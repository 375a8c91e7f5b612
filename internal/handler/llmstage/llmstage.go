// Package llmstage implements a stage handler backed by a language model.
//
// The model is told what the stage must accomplish and answers with a JSON
// object. Candidate selection is never left to the model: the utterance is
// resolved against the last candidate list first and the result is passed
// in as selected_id.
package llmstage

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"strings"

	"github.com/szaher/checkin/internal/expr"
	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/llm"
	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

const defaultMaxTokens = 1024

// Config configures the handler for one stage.
type Config struct {
	Instructions   string   `yaml:"instructions"`
	AdvanceWhen    string   `yaml:"advance_when"`
	CandidatesFrom string   `yaml:"candidates_from"`
	Kind           string   `yaml:"kind"`
	MaxTokens      int      `yaml:"max_tokens"`
	Temperature    *float64 `yaml:"temperature"`
}

// Handler asks a model for each reply of one stage.
type Handler struct {
	client llm.Client
	model  string
	name   stage.Name
	cfg    Config
	kind   string
	rule   *expr.Rule
	logger *slog.Logger
}

// Option configures a Handler.
type Option func(*Handler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(h *Handler) {
		if l != nil {
			h.logger = l
		}
	}
}

// New creates the handler for stage name. The advance rule is compiled here
// so a bad rule fails at startup.
func New(client llm.Client, model string, name stage.Name, cfg Config, opts ...Option) (*Handler, error) {
	if client == nil {
		return nil, fmt.Errorf("%w: stage %s: no model client", stage.ErrConfiguration, name)
	}
	source := cfg.AdvanceWhen
	if source == "" {
		source = expr.DefaultAdvanceRule
	}
	rule, err := expr.Compile(source)
	if err != nil {
		return nil, fmt.Errorf("%w: stage %s advance_when: %v", stage.ErrConfiguration, name, err)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultMaxTokens
	}
	kind := cfg.Kind
	if kind == "" {
		kind = string(name)
	}
	h := &Handler{
		client: client,
		model:  model,
		name:   name,
		cfg:    cfg,
		kind:   kind,
		rule:   rule,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Handle implements intake.StageHandler.
func (h *Handler) Handle(ctx context.Context, req intake.Request) (*intake.Reply, error) {
	known := h.preloadCandidates(req)
	offered := known
	if set := session.LatestSelection(req.Recent, h.kind); set != nil {
		offered = set.Candidates
	}

	var selected *selection.Candidate
	if req.Utterance != "" && len(offered) > 0 {
		if m := selection.ResolveDetailed(req.Utterance, offered); m.OK() {
			selected = &offered[m.Index]
			h.logger.Debug("utterance resolved to candidate", "stage", string(h.name), "tier", string(m.Tier), "position", m.Index+1)
		}
	}

	resp, err := h.client.Chat(ctx, llm.ChatRequest{
		Model:       h.model,
		System:      h.system(),
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: h.prompt(req, offered, selected)}},
		MaxTokens:   h.cfg.MaxTokens,
		Temperature: h.cfg.Temperature,
	})
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", h.name, err)
	}
	h.logger.Debug("model replied",
		"stage", string(h.name),
		"stop_reason", string(resp.StopReason),
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens)

	out, ok := parseModelReply(resp.Content)
	if !ok {
		out = modelReply{Speech: strings.TrimSpace(resp.Content)}
	}

	env := expr.Env{
		Speech:    out.Speech,
		Display:   out.Display,
		Utterance: req.Utterance,
		Stage:     string(h.name),
		Context:   req.Context,
		Advance:   ok && out.Advance,
	}
	if selected != nil {
		env.Selected = selected.OpaqueID
	}
	advance, err := h.rule.Eval(env)
	if err != nil {
		return nil, fmt.Errorf("stage %s: %w", h.name, err)
	}

	reply := &intake.Reply{
		Payload: session.Payload{Speech: out.Speech, Display: out.Display},
		Advance: advance,
	}
	if selected != nil {
		next := maps.Clone(req.Context)
		if next == nil {
			next = make(map[string]any)
		}
		next["selected_"+h.kind] = selected.OpaqueID
		reply.Context = next
	}
	if cands := h.surfaced(out.Candidates, known); len(cands) > 0 && !advance {
		reply.Auxiliary = &session.Auxiliary{Selections: []selection.Set{{Kind: h.kind, Candidates: cands}}}
		if reply.Payload.Display == "" {
			reply.Payload.Display = selection.Listing(cands)
		}
	}
	return reply, nil
}

func (h *Handler) preloadCandidates(req intake.Request) []selection.Candidate {
	if h.cfg.CandidatesFrom == "" {
		return nil
	}
	pre, ok := req.Preload().(map[string]any)
	if !ok {
		return nil
	}
	return selection.FromRecords(pre[h.cfg.CandidatesFrom])
}

// surfaced returns the candidates the model listed. When the stage has
// preloaded records, only ids from those records are kept.
func (h *Handler) surfaced(listed []modelCandidate, known []selection.Candidate) []selection.Candidate {
	ids := make(map[string]bool, len(known))
	for _, c := range known {
		ids[c.OpaqueID] = true
	}
	var out []selection.Candidate
	for _, c := range listed {
		id := string(c.OpaqueID)
		if id == "" || c.DisplayName == "" {
			continue
		}
		if len(known) > 0 && !ids[id] {
			h.logger.Warn("model listed an unknown candidate id, dropping it", "stage", string(h.name))
			continue
		}
		out = append(out, selection.Candidate{DisplayName: c.DisplayName, OpaqueID: id})
	}
	return selection.Number(out)
}
