package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/szaher/checkin/internal/events"
	"github.com/szaher/checkin/internal/orchestrator"
	"github.com/szaher/checkin/internal/stream"
	"github.com/szaher/checkin/internal/telemetry"
)

func newTurnCmd() *cobra.Command {
	var (
		sessionID  string
		subject    string
		attrs      []string
		streaming  bool
		eventsFile string
	)

	cmd := &cobra.Command{
		Use:   "turn [utterance]",
		Short: "Run one conversational turn and print the response",
		Long: `Runs a single turn against the configured store. Without --session a new
session is started for --subject. Use a persistent store (sqlite, postgres,
redis) to continue a session across invocations.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := telemetry.WithCorrelationID(cmd.Context(), correlationID)
			rt, _, logger, err := openRuntime(ctx, false)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("closing runtime", "error", err)
				}
			}()

			req := orchestrator.TurnRequest{SessionID: sessionID}
			if len(args) > 0 {
				req.Utterance = args[0]
			}
			if sessionID == "" {
				seedAttrs, err := parseAttrs(attrs)
				if err != nil {
					return err
				}
				req.Seed = &orchestrator.Seed{SubjectAccount: subject, Attributes: seedAttrs}
			} else if strings.TrimSpace(req.Utterance) == "" {
				return fmt.Errorf("an utterance is required to continue a session")
			}

			out := cmd.OutOrStdout()
			collector := &events.CollectorEmitter{}
			emitters := []events.Emitter{collector}
			var em *stream.Emitter
			if streaming {
				em = stream.NewEmitter(ctx, jsonLines{w: out}, logger)
				emitters = append(emitters, em)
			}

			res, err := rt.Orchestrator().RunTurn(ctx, req, events.Multi(emitters...))
			if err != nil {
				if em != nil {
					em.Fail(sessionID, err.Error())
				}
				return err
			}

			if eventsFile != "" {
				if err := events.ExportLog(collector.Events, eventsFile); err != nil {
					return fmt.Errorf("exporting events: %w", err)
				}
			}
			if em != nil {
				em.Finish(res.Completed)
				return nil
			}
			return writeJSON(out, res)
		},
	}

	cmd.Flags().StringVar(&sessionID, "session", "", "Continue this session")
	cmd.Flags().StringVar(&subject, "subject", "", "Subject account for a new session")
	cmd.Flags().StringArrayVar(&attrs, "attr", nil, "Seed attribute as key=value (repeatable)")
	cmd.Flags().BoolVar(&streaming, "stream", false, "Print streamed frames as JSON lines")
	cmd.Flags().StringVar(&eventsFile, "events", "", "Write the turn's orchestration events to a JSON file")
	return cmd
}

// parseAttrs turns key=value pairs into seed attributes.
func parseAttrs(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --attr %q, expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}

// jsonLines writes frames as one JSON object per line.
type jsonLines struct {
	w io.Writer
}

func (j jsonLines) WriteFrame(f stream.Frame) error {
	return json.NewEncoder(j.w).Encode(f)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
