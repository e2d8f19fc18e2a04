package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newDueCmd(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		at     string
	)
	c := &cobra.Command{
		Use:   "due",
		Short: "List contacts with a due automation state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at: %w", err)
				}
				now = t
			}
			st, err := opts.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = st.Close() }()

			ids, err := st.DueContactIDs(cmd.Context(), now)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return outputJSON(out, ids)
			}
			for _, id := range ids {
				fmt.Fprintln(out, id)
			}
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	c.Flags().StringVar(&at, "at", "", "evaluate due-ness at this RFC3339 time instead of now")
	return c
}
