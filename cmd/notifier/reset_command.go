package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"release_notifier/internal/fetcher"
)

func newResetFeedCommand(app *appContext) *cobra.Command {
	var allFlag bool

	cmd := &cobra.Command{
		Use:   "reset-feed [URL]",
		Short: "Clear the failure count of a feed so the next run fetches it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if allFlag == (len(args) == 1) {
				return errors.New("pass exactly one of URL or --all")
			}
			store, err := app.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			collector := fetcher.NewCollector(nil, store, nil, app.policy.CollectorOptions(), app.log)
			out := cmd.OutOrStdout()
			if allFlag {
				n, err := collector.ResetAll(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(out, "Reset %d feeds.\n", n)
				return nil
			}
			if err := collector.Reset(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(out, "Reset %s.\n", args[0])
			return nil
		},
	}

	cmd.Flags().BoolVar(&allFlag, "all", false, "Reset every feed")
	return cmd
}
