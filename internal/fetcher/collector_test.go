package fetcher

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"release_notifier/internal/health"
	"release_notifier/internal/model"
	"release_notifier/internal/storage"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestDB(t *testing.T) *storage.SQLite {
	t.Helper()
	db, err := storage.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// feedServer serves sampleRSS on /ok and fails on /down, counting hits.
type feedServer struct {
	*httptest.Server
	downHits atomic.Int32
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ok", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, sampleRSS)
	})
	mux.HandleFunc("/down", func(w http.ResponseWriter, _ *http.Request) {
		fs.downHits.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
		_, _ = io.WriteString(w, sampleRSS)
	})
	fs.Server = httptest.NewServer(mux)
	t.Cleanup(fs.Close)
	return fs
}

func TestCollect(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	tracker := health.NewTracker(health.Policy{InitialPerMinute: 60}, newTestLogger())
	c := NewCollector(New(srv.Client()), db, tracker, Options{Concurrency: 2, Timeout: time.Second, MaxFailures: 5}, newTestLogger())

	feeds := []Feed{
		{Name: "ok", URL: srv.URL + "/ok", Category: model.CategoryEpisodic},
		{Name: "down", URL: srv.URL + "/down", Category: model.CategoryEpisodic},
		{Name: "ok2", URL: srv.URL + "/ok", Category: model.CategoryVolumetric},
	}
	results := c.Collect(context.Background(), feeds)

	if len(results) != 3 {
		t.Fatalf("results = %d, want 3", len(results))
	}
	for i, r := range results {
		if r.Feed.Name != feeds[i].Name {
			t.Errorf("result %d is for %q, want %q", i, r.Feed.Name, feeds[i].Name)
		}
	}
	if results[0].Err != nil || len(results[0].Records) != 3 {
		t.Errorf("ok feed: err=%v records=%d", results[0].Err, len(results[0].Records))
	}
	if results[1].Err == nil || results[1].Records != nil {
		t.Errorf("down feed: err=%v records=%d", results[1].Err, len(results[1].Records))
	}
	if got := results[2].Records[0].Get("category"); got != "volumetric" {
		t.Errorf("ok2 category = %q, want volumetric", got)
	}

	h, err := db.GetFeedHealth(context.Background(), srv.URL+"/down")
	if err != nil {
		t.Fatalf("get health: %v", err)
	}
	want := model.FeedHealth{URL: srv.URL + "/down", Name: "down", ConsecutiveFailures: 1, Checks: 1}
	opts := cmpopts.IgnoreFields(model.FeedHealth{}, "AvgLatency", "LastFailureAt", "LastError")
	if diff := cmp.Diff(want, *h, opts); diff != "" {
		t.Errorf("health mismatch (-want +got):\n%s", diff)
	}
	if h.LastFailureAt == nil || h.LastError == "" {
		t.Errorf("failure not recorded: %+v", h)
	}

	if got := tracker.Stats("feed:down").ConsecutiveFailures; got != 1 {
		t.Errorf("tracker failures = %d, want 1", got)
	}
}

func TestCollectSkipsFeedAfterConsecutiveFailures(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	c := NewCollector(New(srv.Client()), db, nil, Options{Timeout: time.Second, MaxFailures: 5}, newTestLogger())
	feeds := []Feed{{Name: "down", URL: srv.URL + "/down", Category: model.CategoryEpisodic}}

	for run := 1; run <= 5; run++ {
		res := c.Collect(context.Background(), feeds)[0]
		if res.Skipped || res.Err == nil {
			t.Fatalf("run %d: skipped=%v err=%v, want a failed fetch", run, res.Skipped, res.Err)
		}
	}

	for run := 6; run <= 7; run++ {
		res := c.Collect(context.Background(), feeds)[0]
		if !res.Skipped {
			t.Errorf("run %d: feed was not skipped", run)
		}
	}
	if got := srv.downHits.Load(); got != 5 {
		t.Errorf("server hits = %d, want 5", got)
	}

	if err := c.Reset(context.Background(), srv.URL+"/down"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if res := c.Collect(context.Background(), feeds)[0]; res.Skipped {
		t.Error("feed still skipped after reset")
	}
	if got := srv.downHits.Load(); got != 6 {
		t.Errorf("server hits after reset = %d, want 6", got)
	}
}

func TestCollectTimeBasedReset(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	c := NewCollector(New(srv.Client()), db, nil, Options{Timeout: time.Second, MaxFailures: 1, ResetAfter: time.Hour}, newTestLogger())
	now := time.Date(2025, 1, 10, 9, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	feeds := []Feed{{Name: "down", URL: srv.URL + "/down", Category: model.CategoryEpisodic}}

	c.Collect(context.Background(), feeds)

	now = now.Add(30 * time.Minute)
	if res := c.Collect(context.Background(), feeds)[0]; !res.Skipped {
		t.Error("feed probed before reset interval")
	}

	now = now.Add(time.Hour)
	if res := c.Collect(context.Background(), feeds)[0]; res.Skipped {
		t.Error("feed not probed after reset interval")
	}
	if got := srv.downHits.Load(); got != 2 {
		t.Errorf("server hits = %d, want 2", got)
	}
}

func TestCollectPerFeedTimeout(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	c := NewCollector(New(srv.Client()), db, nil, Options{Timeout: 50 * time.Millisecond, MaxFailures: 5}, newTestLogger())

	results := c.Collect(context.Background(), []Feed{
		{Name: "slow", URL: srv.URL + "/slow", Category: model.CategoryEpisodic},
		{Name: "ok", URL: srv.URL + "/ok", Category: model.CategoryEpisodic},
	})
	if !errors.Is(results[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow feed err = %v, want deadline exceeded", results[0].Err)
	}
	if results[1].Err != nil {
		t.Errorf("ok feed err = %v", results[1].Err)
	}
}

func TestCollectCancelledRunDiscardsResults(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	c := NewCollector(New(srv.Client()), db, nil, Options{Timeout: time.Second, MaxFailures: 5}, newTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := c.Collect(ctx, []Feed{{Name: "ok", URL: srv.URL + "/ok", Category: model.CategoryEpisodic}})[0]
	if !errors.Is(res.Err, context.Canceled) || res.Records != nil {
		t.Errorf("err=%v records=%d, want cancelled without records", res.Err, len(res.Records))
	}
	if _, err := db.GetFeedHealth(context.Background(), srv.URL+"/ok"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("cancelled fetch touched feed health: %v", err)
	}
}

func TestHealth(t *testing.T) {
	srv := newFeedServer(t)
	db := newTestDB(t)
	c := NewCollector(New(srv.Client()), db, nil, Options{Timeout: time.Second}, newTestLogger())

	c.Collect(context.Background(), []Feed{
		{Name: "b", URL: srv.URL + "/down", Category: model.CategoryEpisodic},
		{Name: "a", URL: srv.URL + "/ok", Category: model.CategoryEpisodic},
	})

	got, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	var names []string
	for _, h := range got {
		names = append(names, h.Name)
	}
	if diff := cmp.Diff([]string{"a", "b"}, names); diff != "" {
		t.Errorf("health order mismatch (-want +got):\n%s", diff)
	}

	n, err := c.ResetAll(context.Background())
	if err != nil || n != 1 {
		t.Errorf("reset all = %d, %v; want 1", n, err)
	}
}
