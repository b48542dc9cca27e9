package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"release_notifier/internal/model"
)

func newPendingCommand(app *appContext) *cobra.Command {
	var asOfFlag string
	var jsonFlag bool

	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List releases due on or before a date that have not been notified",
		RunE: func(cmd *cobra.Command, args []string) error {
			asOf, err := parseAsOf(asOfFlag, time.Now())
			if err != nil {
				return err
			}
			store, err := app.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			releases, err := store.DueUnnotified(cmd.Context(), asOf)
			if err != nil {
				return err
			}
			if jsonFlag {
				return writeJSON(cmd.OutOrStdout(), pendingRows(releases))
			}
			out := cmd.OutOrStdout()
			if len(releases) == 0 {
				fmt.Fprintln(out, "No pending releases.")
				return nil
			}
			rows := make([][]string, 0, len(releases))
			for _, r := range pendingRows(releases) {
				rows = append(rows, []string{strconv.FormatInt(r.ID, 10), r.Date, r.Title, r.Unit, r.Channel, r.Source})
			}
			fmt.Fprintln(out, renderTable(
				[]string{"ID", "Date", "Title", "Unit", "Channel", "Source"},
				rows,
				[]columnAlignment{alignRight},
			))
			return nil
		},
	}

	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "Cut-off date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Print as JSON")
	return cmd
}

type pendingRow struct {
	ID      int64  `json:"id"`
	Date    string `json:"date"`
	Title   string `json:"title"`
	Unit    string `json:"unit"`
	Channel string `json:"channel,omitempty"`
	Source  string `json:"source,omitempty"`
}

func pendingRows(releases []model.Release) []pendingRow {
	rows := make([]pendingRow, 0, len(releases))
	for _, r := range releases {
		unit := string(r.Kind)
		if r.Number != "" {
			unit += " " + r.Number
		}
		rows = append(rows, pendingRow{
			ID:      r.ID,
			Date:    r.Date.Format(model.DateLayout),
			Title:   r.WorkTitle,
			Unit:    unit,
			Channel: r.Channel,
			Source:  r.Source,
		})
	}
	return rows
}
