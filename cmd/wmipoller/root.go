package main

import "github.com/spf13/cobra"

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "wmipoller",
		Short:         "Poll WMI queries on Windows hosts and emit the results as events",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newRunCmd(),
		newValidateCmd(),
		newConfigCmd(),
		newProbeCmd(),
		newEncryptPasswordCmd(),
		newTokenCmd(),
		newVersionCmd(),
	)

	return rootCmd
}
