// Package cmd implements the magi command line interface.
package cmd

import "github.com/spf13/cobra"

// Execute runs the root command.
func Execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           "magi",
		Short:         "magi: three-agent deliberation from the terminal",
		Long:          "magi runs a question through three independently reasoning agents, seals their assessments, and moderates deliberation rounds until they converge or the positions are presented side by side.",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	rootCmd.AddCommand(
		newVersionCmd(),
		newAskCmd(),
	)

	return rootCmd
}
