package health

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"release_notifier/internal/model"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var errBoom = errors.New("boom")

func TestReportAdaptsRate(t *testing.T) {
	policy := Policy{InitialPerMinute: 60, MinPerMinute: 30, MaxPerMinute: 70, SuccessWindow: 3}

	tests := []struct {
		name     string
		outcomes []Outcome
		want     float64
	}{
		{
			name:     "throttle reduces by a fifth",
			outcomes: []Outcome{{Err: errBoom, Throttled: true}},
			want:     48,
		},
		{
			name:     "plain failure keeps rate",
			outcomes: []Outcome{{Err: errBoom}, {Err: errBoom}},
			want:     60,
		},
		{
			name: "throttle floors at minimum",
			outcomes: []Outcome{
				{Err: errBoom, Throttled: true}, {Err: errBoom, Throttled: true},
				{Err: errBoom, Throttled: true}, {Err: errBoom, Throttled: true},
			},
			want: 30,
		},
		{
			name:     "sustained successes raise by five percent",
			outcomes: []Outcome{{}, {}, {}},
			want:     63,
		},
		{
			name:     "short streak does not raise",
			outcomes: []Outcome{{}, {}, {Err: errBoom}, {}, {}},
			want:     60,
		},
		{
			name:     "raise caps at maximum",
			outcomes: []Outcome{{}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {}, {}},
			want:     70,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := NewTracker(policy, newTestLogger())
			for _, o := range tt.outcomes {
				tr.Report("anilist", o)
			}
			got := tr.Stats("anilist").AllowedPerMinute
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("allowed rate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestStats(t *testing.T) {
	tr := NewTracker(Policy{InitialPerMinute: 60, MaxPerMinute: 60, Window: 4}, newTestLogger())
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	tr.now = func() time.Time { return now }

	tr.Report("anilist", Outcome{Latency: 100 * time.Millisecond})
	tr.Report("anilist", Outcome{Latency: 300 * time.Millisecond, Err: errBoom})
	tr.Report("anilist", Outcome{Latency: 200 * time.Millisecond, Err: errBoom})

	want := model.SourceHealth{
		Source:              "anilist",
		ConsecutiveFailures: 2,
		SuccessRatio:        1.0 / 3,
		AllowedPerMinute:    60,
		Circuit:             "closed",
		AvgLatency:          200 * time.Millisecond,
		Attempts:            3,
		UpdatedAt:           now,
	}
	if diff := cmp.Diff(want, tr.Stats("anilist"), cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRollingWindowForgetsOldOutcomes(t *testing.T) {
	tr := NewTracker(Policy{InitialPerMinute: 60, Window: 2}, newTestLogger())
	tr.Report("feed", Outcome{Err: errBoom})
	tr.Report("feed", Outcome{Err: errBoom})
	tr.Report("feed", Outcome{})
	tr.Report("feed", Outcome{})

	if got := tr.Stats("feed").SuccessRatio; got != 1 {
		t.Errorf("success ratio = %v, want 1", got)
	}
}

func TestSnapshotRestore(t *testing.T) {
	policy := Policy{InitialPerMinute: 60, MinPerMinute: 10, MaxPerMinute: 90, Window: 10}
	tr := NewTracker(policy, newTestLogger())
	tr.Report("b", Outcome{})
	tr.Report("a", Outcome{Err: errBoom, Throttled: true})
	tr.SetCircuit("a", "open")

	snap := tr.Snapshot()
	if diff := cmp.Diff([]string{"a", "b"}, []string{snap[0].Source, snap[1].Source}); diff != "" {
		t.Fatalf("snapshot order mismatch (-want +got):\n%s", diff)
	}

	restored := NewTracker(policy, newTestLogger())
	restored.Restore(snap)

	got := restored.Stats("a")
	want := snap[0]
	want.Circuit = "closed"
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("restored stats mismatch (-want +got):\n%s", diff)
	}
}

func TestRestoreClampsRate(t *testing.T) {
	tr := NewTracker(Policy{InitialPerMinute: 60, MinPerMinute: 10, MaxPerMinute: 90}, newTestLogger())
	tr.Restore([]model.SourceHealth{{Source: "anilist", AllowedPerMinute: 500}})

	if got := tr.Stats("anilist").AllowedPerMinute; got != 90 {
		t.Errorf("allowed rate = %v, want 90", got)
	}
}

func TestWaitHonoursBurstGuard(t *testing.T) {
	tr := NewTracker(Policy{
		InitialPerMinute: 60000,
		MaxPerMinute:     60000,
		BurstRequests:    2,
		BurstWindow:      time.Hour,
	}, newTestLogger())

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := tr.Wait(ctx, "anilist"); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}

	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := tr.Wait(ctx, "anilist"); err == nil {
		t.Fatal("expected third request within the burst window to be held back")
	}
}

func TestWaitWithoutBurstGuard(t *testing.T) {
	tr := NewTracker(Policy{InitialPerMinute: 60000, MaxPerMinute: 60000}, newTestLogger())
	for i := 0; i < 5; i++ {
		if err := tr.Wait(context.Background(), "anilist"); err != nil {
			t.Fatalf("wait %d: %v", i, err)
		}
	}
}
