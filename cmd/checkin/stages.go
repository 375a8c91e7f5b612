package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newStagesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "stages",
		Short: "Validate the configuration and print the stage pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd.Context(), false)
			if err != nil {
				return err
			}
			g, err := cfg.Graph()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, g.Stages())
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "#\tSTAGE\tTITLE\tNEXT")
			for i, st := range g.Stages() {
				next := string(st.Successor)
				if st.Terminal {
					next = "(terminal)"
				}
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\n", i+1, st.Name, st.Title, next)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the pipeline as JSON")
	return cmd
}
