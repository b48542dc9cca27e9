package main

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"release_notifier/internal/model"
)

func TestParseAsOf(t *testing.T) {
	now := time.Date(2025, 1, 10, 23, 30, 0, 0, time.FixedZone("X", -3*3600))
	tests := []struct {
		name    string
		value   string
		want    time.Time
		wantErr bool
	}{
		{name: "empty is today in UTC", value: "", want: time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)},
		{name: "explicit date", value: "2025-02-03", want: time.Date(2025, 2, 3, 0, 0, 0, 0, time.UTC)},
		{name: "invalid", value: "03/02/2025", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAsOf(tt.value, now)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPendingRows(t *testing.T) {
	releases := []model.Release{
		{ID: 1, WorkTitle: "Example Show", Kind: model.UnitEpisode, Number: "5", Channel: "StreamA",
			Date: time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC), Source: "anilist"},
		{ID: 2, WorkTitle: "Printed Title", Kind: model.UnitVolume,
			Date: time.Date(2025, 1, 11, 0, 0, 0, 0, time.UTC)},
	}
	want := []pendingRow{
		{ID: 1, Date: "2025-01-10", Title: "Example Show", Unit: "episode 5", Channel: "StreamA", Source: "anilist"},
		{ID: 2, Date: "2025-01-11", Title: "Printed Title", Unit: "volume"},
	}
	if diff := cmp.Diff(want, pendingRows(releases)); diff != "" {
		t.Errorf("rows mismatch (-want +got):\n%s", diff)
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, model.RunReport{
		RunID:        "run-1",
		AsOf:         "2025-01-10",
		Fetched:      7,
		Stored:       2,
		SourceErrors: []model.SourceError{{Source: "anilist", Kind: "permanent", Error: "bad request"}},
		Cancelled:    true,
	})
	out := buf.String()
	for _, want := range []string{"Run run-1 as of 2025-01-10", "fetched", "7", "anilist", "permanent", "cancelled"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	if err := writeJSON(&buf, model.RunReport{RunID: "run-1", Stored: 3}); err != nil {
		t.Fatalf("write json: %v", err)
	}
	for _, want := range []string{`"run_id": "run-1"`, `"stored": 3`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("json missing %q:\n%s", want, buf.String())
		}
	}
}

func TestWriteMetrics(t *testing.T) {
	var logs bytes.Buffer
	log := slog.New(slog.NewTextHandler(&logs, nil))

	path := filepath.Join(t.TempDir(), "notifier.prom")
	writeMetrics(path, log)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("metrics file not written: %v", err)
	}
	if logs.Len() != 0 {
		t.Errorf("unexpected log output: %s", logs.String())
	}

	writeMetrics(filepath.Join(t.TempDir(), "missing", "notifier.prom"), log)
	if !strings.Contains(logs.String(), "write metrics") {
		t.Errorf("failed write not logged: %q", logs.String())
	}
}
