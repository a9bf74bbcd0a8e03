package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"clusterjobs/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a config file and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			cfg, err := config.NewConfigManager(configPath).Load()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d pools, %d units)\n", configPath, len(cfg.Pools), len(cfg.Units))
			return nil
		},
	}
}
