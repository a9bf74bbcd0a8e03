package main

import (
	"github.com/spf13/cobra"
)

var configPath string

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "clusterjobs",
		Short: "Cluster-aware job scheduler host",
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "./config.json", "path to the config file (json or yaml)")
	root.AddCommand(newRunCommand(), newValidateCommand())
	return root
}
