package main

import (
	"fmt"

	"github.com/nmslite/wmipoller/internal/config"
	"github.com/spf13/cobra"
)

func newValidateCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file without connecting to any host",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "configuration ok: %d input(s)\n", len(cfg.Inputs))
			for _, in := range cfg.Inputs {
				fmt.Fprintf(out, "  %s: host=%s namespace=%s interval=%s\n",
					in.ID, in.Host, in.Namespace, in.IntervalDuration())
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "wmipoller.yaml", "path to the configuration file")
	return cmd
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Configuration helpers",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "example",
		Short: "Print an example configuration",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return config.DumpExampleConfig(cmd.OutOrStdout())
		},
	})

	return cmd
}
