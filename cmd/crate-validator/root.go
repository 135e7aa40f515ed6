package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "crate-validator",
	Short:         "Asynchronous RO-Crate validation service",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(workerCmd)
}
