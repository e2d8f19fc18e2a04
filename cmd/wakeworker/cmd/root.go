// Package cmd is the wakeworker command line.
package cmd

import (
	"encoding/json"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"wakeworker/internal/app"
	"wakeworker/internal/config"
	"wakeworker/internal/storage"
	"wakeworker/pkg/logx"
)

const defaultConfigPath = "./config.json"

type rootOptions struct {
	configPath string
	logLevel   string
}

func Execute() error {
	return NewRootCmd().Execute()
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "wakeworker",
		Short: "Lease-based worker that wakes up due contact automation states",
		Long: `wakeworker periodically finds contacts whose automation states are due,
leases each contact, fires the due states and saves the contact back.

Running several workers against one sqlite database is safe: a contact is
only processed by the worker holding its lease.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", defaultConfigPath, "path to config (json or yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "warn", "log level for one-shot commands")

	root.AddCommand(
		newRunCmd(opts),
		newOnceCmd(opts),
		newDueCmd(opts),
		newScheduleCmd(opts),
		newDefineCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (*config.Config, error) {
	return config.NewConfigManager(o.configPath).Load()
}

// openStore opens the configured store for one-shot commands.
func (o *rootOptions) openStore() (storage.Store, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	log := logx.NewConsole(strings.ToUpper(o.logLevel))
	if d := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)); d == "" || d == "memory" {
		log.Warn("storage driver is memory; changes are lost when this command exits")
	}
	return app.OpenStore(cfg, log)
}

func outputJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
