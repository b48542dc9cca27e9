package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"release_notifier/internal/metrics"
	"release_notifier/internal/model"
)

func newRunCommand(app *appContext) *cobra.Command {
	var asOfFlag string
	var jsonFlag bool
	var everyFlag time.Duration

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Ingest all sources and dispatch due releases",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.load(); err != nil {
				return err
			}
			if err := app.cfg.ValidateDelivery(); err != nil {
				return err
			}
			asOf, err := parseAsOf(asOfFlag, time.Now())
			if err != nil {
				return err
			}

			if err := ensureDir(app.cfg.LockPath); err != nil {
				return err
			}
			lock := flock.New(app.cfg.LockPath)
			ok, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("acquire lock: %w", err)
			}
			if !ok {
				return fmt.Errorf("another run holds %s", app.cfg.LockPath)
			}
			defer func() { _ = lock.Unlock() }()

			store, err := app.openStore()
			if err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			p, err := buildPipeline(app.cfg, app.policy, store, app.log)
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if everyFlag > 0 {
				app.log.Info("running on interval", "every", everyFlag)
				return p.Every(ctx, everyFlag)
			}

			report, err := p.Run(ctx, asOf)
			if app.cfg.MetricsFile != "" {
				writeMetrics(app.cfg.MetricsFile, app.log)
			}
			if err != nil {
				return err
			}

			if jsonFlag {
				return writeJSON(cmd.OutOrStdout(), report)
			}
			printReport(cmd.OutOrStdout(), report)
			if report.Cancelled {
				return context.Canceled
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&asOfFlag, "as-of", "", "Dispatch releases due on or before this date (YYYY-MM-DD, default today)")
	cmd.Flags().BoolVar(&jsonFlag, "json", false, "Print the run report as JSON")
	cmd.Flags().DurationVar(&everyFlag, "every", 0, "Repeat the run on this interval until interrupted")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printReport(w io.Writer, r model.RunReport) {
	rows := [][]string{
		{"fetched", strconv.Itoa(r.Fetched)},
		{"malformed", strconv.Itoa(r.Malformed)},
		{"filtered", strconv.Itoa(r.Filtered)},
		{"deduped", strconv.Itoa(r.Deduped)},
		{"stored", strconv.Itoa(r.Stored)},
		{"dispatched", strconv.Itoa(r.Dispatched)},
		{"failed", strconv.Itoa(r.Failed)},
		{"skipped feeds", strconv.Itoa(r.SkippedFeeds)},
		{"batch errors", strconv.Itoa(r.BatchErrors)},
	}
	fmt.Fprintf(w, "Run %s as of %s (%s)\n", r.RunID, r.AsOf, r.Duration.Round(time.Millisecond))
	fmt.Fprintln(w, renderTable([]string{"Stage", "Count"}, rows, []columnAlignment{alignLeft, alignRight}))

	if len(r.SourceErrors) > 0 {
		rows = rows[:0]
		for _, e := range r.SourceErrors {
			rows = append(rows, []string{e.Source, e.Kind, e.Error})
		}
		fmt.Fprintln(w, renderTable([]string{"Source", "Kind", "Error"}, rows, nil))
	}
	if len(r.Deliveries) > 0 {
		rows = rows[:0]
		for _, d := range r.Deliveries {
			rows = append(rows, []string{strconv.FormatInt(d.ReleaseID, 10), d.Title, d.Channel, yesNo(d.Permanent), d.Error})
		}
		fmt.Fprintln(w, renderTable([]string{"Release", "Title", "Channel", "Permanent", "Error"}, rows, []columnAlignment{alignRight}))
	}
	if r.Cancelled {
		fmt.Fprintln(w, "Run was cancelled before completion.")
	}
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
}

// writeMetrics exports the registry for the node_exporter textfile collector.
// A failed write is logged; it never fails the run.
func writeMetrics(path string, log *slog.Logger) {
	if err := metrics.WriteTextfile(path); err != nil {
		log.Warn("write metrics", "path", path, "error", err)
	}
}
