package cmd

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"wakeworker/internal/contact"
)

func newScheduleCmd(opts *rootOptions) *cobra.Command {
	var (
		contactID string
		stateID   string
		planID    string
		in        time.Duration
	)
	c := &cobra.Command{
		Use:   "schedule",
		Short: "Enqueue an automation state for a contact",
		Example: `  wakeworker schedule --contact c-42 --state welcome --plan onboarding --in 10m
  wakeworker schedule --contact c-42 --state reminder --in=-1s   # due immediately`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if strings.TrimSpace(contactID) == "" || strings.TrimSpace(stateID) == "" {
				return errors.New("--contact and --state are required")
			}
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			now := time.Now()
			state := contact.AutomationState{
				PlanID:    strings.TrimSpace(planID),
				StateID:   strings.TrimSpace(stateID),
				EnteredAt: now,
				WakeUpAt:  now.Add(in),
			}
			if err := st.Schedule(cmd.Context(), contact.ID(strings.TrimSpace(contactID)), state); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scheduled %s/%s for %s at %s\n",
				state.PlanID, state.StateID, contactID, state.WakeUpAt.Format(time.RFC3339))
			return nil
		},
	}
	c.Flags().StringVar(&contactID, "contact", "", "contact id")
	c.Flags().StringVar(&stateID, "state", "", "automation state id")
	c.Flags().StringVar(&planID, "plan", "", "automation plan id")
	c.Flags().DurationVar(&in, "in", 0, "wake up after this duration (negative means already due)")
	return c
}
