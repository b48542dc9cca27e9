package main

import (
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var policyFlag string

	app := newAppContext(&policyFlag)

	rootCmd := &cobra.Command{
		Use:           "notifier",
		Short:         "Collect release announcements and notify about due releases",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&policyFlag, "policy", "p", "", "Policy file path (overrides POLICY_PATH)")

	rootCmd.AddCommand(newRunCommand(app))
	rootCmd.AddCommand(newPendingCommand(app))
	rootCmd.AddCommand(newHealthCommand(app))
	rootCmd.AddCommand(newResetFeedCommand(app))

	return rootCmd
}
