package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wakeworker/internal/automation"
)

func newDefineCmd(opts *rootOptions) *cobra.Command {
	var d automation.Definition
	c := &cobra.Command{
		Use:   "define",
		Short: "Create or replace an automation state definition",
		Example: `  wakeworker define --plan onboarding --state welcome --next followup --delay 24h
  wakeworker define --plan onboarding --state followup --terminal`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d.StateID = strings.TrimSpace(d.StateID)
			d.NextStateID = strings.TrimSpace(d.NextStateID)
			d.PlanID = strings.TrimSpace(d.PlanID)
			if err := d.Validate(); err != nil {
				return err
			}
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			if err := st.PutDefinition(cmd.Context(), d); err != nil {
				return err
			}
			next := d.NextStateID
			if d.Terminal || next == "" {
				next = "(end)"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "defined %s -> %s after %s\n", d.StateID, next, d.Delay)
			return nil
		},
	}
	c.Flags().StringVar(&d.StateID, "state", "", "state id")
	c.Flags().StringVar(&d.NextStateID, "next", "", "next state id")
	c.Flags().StringVar(&d.PlanID, "plan", "", "plan id")
	c.Flags().DurationVar(&d.Delay, "delay", time.Duration(0), "delay before the next state wakes up")
	c.Flags().BoolVar(&d.Terminal, "terminal", false, "state ends the plan")
	return c
}
