package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"wakeworker/internal/app"
)

func newOnceCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	c := &cobra.Command{
		Use:   "once",
		Short: "Run one batch pass and print its stats",
		Long:  "Runs a single batch pass regardless of worker.enabled, then exits.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) (err error) {
			a, err := app.NewApp(opts.configPath, app.WithWorkerEnabled(true))
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Stop(context.Background(), app.StopOnceDone); err == nil {
					err = cerr
				}
			}()

			stats, err := a.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return outputJSON(out, stats)
			}
			fmt.Fprintf(out, "owner=%s site=%s due=%d processed=%d contended=%d failed=%d states_fired=%d took=%s\n",
				stats.Owner, stats.Site, stats.Due, stats.Processed, stats.Contended, stats.Failed, stats.StatesFired, stats.Duration)
			return nil
		},
	}
	c.Flags().BoolVar(&asJSON, "json", false, "output as JSON")
	return c
}
