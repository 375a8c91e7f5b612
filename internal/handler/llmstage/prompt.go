package llmstage

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/selection"
	"github.com/szaher/checkin/internal/session"
)

const outputContract = `Reply with a single JSON object and nothing else:
{"speech": "<what to say aloud>", "display": "<short text for the screen>", "advance": <true when this stage is finished>, "candidates": [{"display_name": "...", "opaque_id": "..."}]}
Only include candidates when asking the user to choose, and only use ids that appear in the context.
Never invent an id. When selected_id is present the user has already chosen it.`

func (h *Handler) system() string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are running the %q step of a patient check-in.\n", string(h.name))
	if h.cfg.Instructions != "" {
		b.WriteString(strings.TrimSpace(h.cfg.Instructions))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

func (h *Handler) prompt(req intake.Request, offered []selection.Candidate, selected *selection.Candidate) string {
	var b strings.Builder

	if len(req.Context) > 0 {
		if data, err := json.Marshal(req.Context); err == nil {
			fmt.Fprintf(&b, "Context:\n%s\n\n", data)
		}
	}
	if len(offered) > 0 {
		fmt.Fprintf(&b, "Options last shown to the user:\n%s\n\n", selection.Listing(offered))
	}
	if selected != nil {
		fmt.Fprintf(&b, "selected_id: %s (%s)\n\n", selected.OpaqueID, selected.DisplayName)
	}

	transcript := publicTranscript(req.Recent)
	if transcript != "" {
		fmt.Fprintf(&b, "Conversation so far:\n%s\n", transcript)
	}
	if req.Utterance == "" {
		b.WriteString("The user has just reached this step. Open it.")
	} else {
		fmt.Fprintf(&b, "Latest user message: %s", req.Utterance)
	}
	return b.String()
}

// publicTranscript renders what the user saw and said. Auxiliary results
// and system turns are left out.
func publicTranscript(turns []session.Turn) string {
	var b strings.Builder
	for _, t := range turns {
		p := t.Public()
		switch p.Role {
		case session.RoleUser:
			fmt.Fprintf(&b, "user: %s\n", p.Payload.Speech)
		case session.RoleAssistant:
			if p.Payload.Speech != "" {
				fmt.Fprintf(&b, "assistant: %s\n", p.Payload.Speech)
			}
		}
	}
	return b.String()
}
