// Package script implements a deterministic, configuration-driven stage
// handler. It needs no model and is used for demos, development and
// end-to-end tests.
package script

import (
	"context"
	"fmt"
	"maps"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

// Placeholder in Done payloads replaced by the chosen candidate's name.
const Placeholder = "{selected}"

// Stage configures the script for one stage.
type Stage struct {
	// Welcome is returned for an empty utterance, usually on stage entry.
	Welcome session.Payload `yaml:"welcome"`
	// Prompt is returned when the input neither advances nor selects.
	Prompt session.Payload `yaml:"prompt"`
	// Done is returned when the stage advances.
	Done session.Payload `yaml:"done"`
	// AdvanceOn lists words or phrases that confirm the stage.
	AdvanceOn []string `yaml:"advance_on"`
	// CandidatesFrom names a list inside the stage preload that the user
	// picks from. The choice is stored in context as selected_<kind>.
	CandidatesFrom string `yaml:"candidates_from"`
	// Kind names the candidate set. Defaults to the stage name.
	Kind string `yaml:"kind"`
}

// Script maps stages to their scripts.
type Script map[stage.Name]Stage

// Parse decodes a YAML script.
func Parse(data []byte) (Script, error) {
	var s Script
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parsing script: %w", err)
	}
	return s, nil
}

// Load reads a YAML script from path.
func Load(path string) (Script, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading script: %w", err)
	}
	return Parse(data)
}

// Handler is the script handler for one stage.
type Handler struct {
	name stage.Name
	cfg  Stage
	kind string
}

// New creates the handler for stage name.
func New(name stage.Name, cfg Stage) *Handler {
	kind := cfg.Kind
	if kind == "" {
		kind = string(name)
	}
	phrases := make([]string, len(cfg.AdvanceOn))
	for i, w := range cfg.AdvanceOn {
		phrases[i] = strings.ToLower(strings.TrimSpace(w))
	}
	cfg.AdvanceOn = phrases
	return &Handler{name: name, cfg: cfg, kind: kind}
}

// Register binds a handler for every stage of the registry's graph. Stages
// missing from s get a handler that advances on "yes".
func Register(reg *intake.Registry, s Script) error {
	for _, st := range reg.Graph().Stages() {
		cfg, ok := s[st.Name]
		if !ok {
			cfg = Stage{
				Welcome:   session.Payload{Speech: st.Title + ". Say yes to continue.", Display: st.Title},
				AdvanceOn: []string{"yes"},
			}
		}
		reg.RegisterHandler(st.Name, New(st.Name, cfg))
	}
	for name := range s {
		if _, ok := reg.Graph().Lookup(name); !ok {
			return fmt.Errorf("%w: script for unknown stage %q", stage.ErrConfiguration, name)
		}
	}
	return nil
}

// Handle implements intake.StageHandler.
func (h *Handler) Handle(_ context.Context, req intake.Request) (*intake.Reply, error) {
	cands := h.candidates(req)

	if req.Utterance == "" {
		return h.offer(h.cfg.Welcome, cands), nil
	}

	if h.cfg.CandidatesFrom != "" {
		set := session.LatestSelection(req.Recent, h.kind)
		if set == nil && len(cands) > 0 {
			set = &selection.Set{Kind: h.kind, Candidates: cands}
		}
		if set != nil {
			if m := selection.ResolveDetailed(req.Utterance, set.Candidates); m.OK() {
				return h.selected(req, set.Candidates[m.Index]), nil
			}
		}
	}

	if h.confirms(req.Utterance) {
		return &intake.Reply{Payload: h.cfg.Done, Advance: true}, nil
	}
	return h.offer(h.cfg.Prompt, cands), nil
}

func (h *Handler) candidates(req intake.Request) []selection.Candidate {
	if h.cfg.CandidatesFrom == "" {
		return nil
	}
	pre, ok := req.Preload().(map[string]any)
	if !ok {
		return nil
	}
	return selection.FromRecords(pre[h.cfg.CandidatesFrom])
}

// offer returns p, listing the candidates when there are any.
func (h *Handler) offer(p session.Payload, cands []selection.Candidate) *intake.Reply {
	reply := &intake.Reply{Payload: p}
	if len(cands) == 0 {
		return reply
	}
	listing := selection.Listing(cands)
	if reply.Payload.Display == "" {
		reply.Payload.Display = listing
	} else {
		reply.Payload.Display += "\n" + listing
	}
	reply.Auxiliary = &session.Auxiliary{
		Selections: []selection.Set{{Kind: h.kind, Candidates: cands}},
	}
	return reply
}

func (h *Handler) selected(req intake.Request, c selection.Candidate) *intake.Reply {
	ctx := maps.Clone(req.Context)
	if ctx == nil {
		ctx = make(map[string]any)
	}
	ctx["selected_"+h.kind] = c.OpaqueID
	return &intake.Reply{
		Payload: session.Payload{
			Speech:  strings.ReplaceAll(h.cfg.Done.Speech, Placeholder, c.DisplayName),
			Display: strings.ReplaceAll(h.cfg.Done.Display, Placeholder, c.DisplayName),
		},
		Advance: true,
		Context: ctx,
	}
}

// confirms reports whether the utterance contains an advance phrase on word
// boundaries.
func (h *Handler) confirms(utterance string) bool {
	words := strings.FieldsFunc(strings.ToLower(utterance), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '\'')
	})
	padded := " " + strings.Join(words, " ") + " "
	return slices.ContainsFunc(h.cfg.AdvanceOn, func(phrase string) bool {
		return phrase != "" && strings.Contains(padded, " "+phrase+" ")
	})
}
