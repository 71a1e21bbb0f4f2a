package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/LocalNewsImpact/newscrawler/internal/proxy"
)

// newProxiesCmd creates the 'proxies' subcommand. It prints the configured
// providers without their credentials.
func newProxiesCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "proxies",
		Short: "Print the configured proxy providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, cfg, logger, err := root.load()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			profiles, active, err := cfg.ProxyProfiles()
			if err != nil {
				return err
			}
			mgr, err := proxy.NewManager(profiles, active, proxy.WithLogger(logger))
			if err != nil {
				return fmt.Errorf("load proxies: %w", err)
			}

			type row struct {
				Name   string     `json:"name"`
				Kind   proxy.Kind `json:"kind"`
				Active bool       `json:"active"`
			}
			rows := make([]row, 0, len(mgr.Names()))
			for _, h := range mgr.Snapshot() {
				rows = append(rows, row{Name: h.Provider, Kind: h.Kind, Active: h.Active})
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rows)
		},
	}
}
