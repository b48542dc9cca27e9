package main

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"release_notifier/internal/fetcher"
	"release_notifier/internal/model"
)

func newHealthCommand(app *appContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Show persisted feed and source health",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := app.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			collector := fetcher.NewCollector(nil, store, nil, app.policy.CollectorOptions(), app.log)
			feeds, err := collector.Health(cmd.Context())
			if err != nil {
				return err
			}
			sources, err := store.LoadSourceHealth(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Feeds:")
			fmt.Fprintln(out, renderFeedHealth(feeds, app.policy.Collector.MaxFailures))
			fmt.Fprintln(out, "Sources:")
			fmt.Fprintln(out, renderSourceHealth(sources))
			return nil
		},
	}
}

func renderFeedHealth(feeds []model.FeedHealth, maxFailures int) string {
	rows := make([][]string, 0, len(feeds))
	for _, f := range feeds {
		status := "ok"
		if maxFailures > 0 && f.ConsecutiveFailures >= maxFailures {
			status = "skipped"
		}
		rows = append(rows, []string{
			f.Name,
			f.URL,
			status,
			strconv.Itoa(f.ConsecutiveFailures),
			strconv.Itoa(f.Checks),
			f.AvgLatency.Round(time.Millisecond).String(),
			formatTime(f.LastSuccessAt),
			f.LastError,
		})
	}
	return renderTable(
		[]string{"Name", "URL", "Status", "Failures", "Checks", "Latency", "Last success", "Last error"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignRight},
	)
}

func renderSourceHealth(sources []model.SourceHealth) string {
	rows := make([][]string, 0, len(sources))
	for _, s := range sources {
		rows = append(rows, []string{
			s.Source,
			s.Circuit,
			strconv.Itoa(s.ConsecutiveFailures),
			strconv.FormatFloat(s.SuccessRatio, 'f', 2, 64),
			strconv.FormatFloat(s.AllowedPerMinute, 'f', 1, 64),
			strconv.Itoa(s.Attempts),
			s.AvgLatency.Round(time.Millisecond).String(),
			s.UpdatedAt.UTC().Format(time.RFC3339),
		})
	}
	return renderTable(
		[]string{"Source", "Circuit", "Failures", "Success", "Per minute", "Attempts", "Latency", "Updated"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignRight, alignRight, alignRight, alignRight},
	)
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
