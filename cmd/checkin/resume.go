package main

import (
	"github.com/spf13/cobra"

	"github.com/szaher/checkin/internal/session"
)

func newResumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume <session-id>",
		Short: "Print a session's current stage and recent turns",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, _, logger, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer func() {
				if err := rt.Close(); err != nil {
					logger.Warn("closing runtime", "error", err)
				}
			}()

			snap, err := rt.Orchestrator().Resume(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			turns := make([]session.PublicTurn, len(snap.Recent))
			for i, t := range snap.Recent {
				turns[i] = t.Public()
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"sessionId": snap.SessionID,
				"stage":     snap.Stage,
				"completed": snap.Completed,
				"turns":     turns,
			})
		},
	}
}
