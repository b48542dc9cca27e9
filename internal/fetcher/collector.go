package fetcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"release_notifier/internal/health"
	"release_notifier/internal/metrics"
	"release_notifier/internal/model"
	"release_notifier/internal/source"
	"release_notifier/internal/storage"
)

// HealthStore persists per-feed health between runs.
type HealthStore interface {
	GetFeedHealth(ctx context.Context, url string) (*model.FeedHealth, error)
	SaveFeedHealth(ctx context.Context, h *model.FeedHealth) error
	ListFeedHealth(ctx context.Context) ([]model.FeedHealth, error)
	ResetFeedHealth(ctx context.Context, url string) error
	ResetAllFeedHealth(ctx context.Context) (int, error)
}

// Options bound a collection run.
type Options struct {
	// Concurrency is the maximum number of feeds fetched at once.
	Concurrency int
	// Timeout applies to each feed fetch.
	Timeout time.Duration
	// MaxFailures is the number of consecutive failures after which a feed
	// is skipped. Zero never skips.
	MaxFailures int
	// ResetAfter lets a skipped feed be probed again once this long has passed
	// since its last failure. Zero requires a manual reset.
	ResetAfter time.Duration
}

// FeedResult is the outcome of one feed in a collection run.
type FeedResult struct {
	Feed    Feed
	Records []model.RawRecord
	Skipped bool
	Latency time.Duration
	Err     error
}

// Collector fetches many feeds concurrently and keeps their health.
type Collector struct {
	fetcher *Fetcher
	store   HealthStore
	tracker *health.Tracker
	opts    Options
	logger  *slog.Logger
	now     func() time.Time
}

// NewCollector creates a collector. tracker may be nil.
func NewCollector(f *Fetcher, store HealthStore, tracker *health.Tracker, opts Options, logger *slog.Logger) *Collector {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Collector{
		fetcher: f,
		store:   store,
		tracker: tracker,
		opts:    opts,
		logger:  logger,
		now:     time.Now,
	}
}

// Collect fetches feeds with bounded concurrency. Results are in the order of
// feeds. A failing feed never affects the others. When ctx is done, feeds
// still in flight are abandoned and report ctx's error without records.
func (c *Collector) Collect(ctx context.Context, feeds []Feed) []FeedResult {
	results := make([]FeedResult, len(feeds))

	var g errgroup.Group
	g.SetLimit(c.opts.Concurrency)
	for i, feed := range feeds {
		g.Go(func() error {
			results[i] = c.collect(ctx, feed)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (c *Collector) collect(ctx context.Context, feed Feed) FeedResult {
	res := FeedResult{Feed: feed}
	if err := ctx.Err(); err != nil {
		res.Err = err
		return res
	}

	h, err := c.store.GetFeedHealth(ctx, feed.URL)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			c.logger.Error("load feed health", "feed", feed.Name, "error", err)
		}
		h = &model.FeedHealth{URL: feed.URL}
	}
	h.Name = feed.Name

	if c.unhealthy(h) {
		c.logger.Info("skipping unhealthy feed", "feed", feed.Name, "consecutive_failures", h.ConsecutiveFailures)
		metrics.FeedChecks.WithLabelValues(feed.Name, "skipped").Inc()
		res.Skipped = true
		return res
	}

	fctx, cancel := context.WithTimeout(ctx, c.opts.Timeout)
	defer cancel()

	start := time.Now()
	parsed, err := c.fetcher.Fetch(fctx, feed.URL)
	res.Latency = time.Since(start)

	if ctx.Err() != nil {
		res.Err = ctx.Err()
		return res
	}

	now := c.now()
	h.Checks++
	h.AvgLatency += (res.Latency - h.AvgLatency) / time.Duration(h.Checks)
	if err != nil {
		h.ConsecutiveFailures++
		h.LastFailureAt = &now
		h.LastError = err.Error()
		res.Err = fmt.Errorf("feed %s: %w", feed.Name, err)
		c.logger.Warn("feed fetch failed", "feed", feed.Name, "consecutive_failures", h.ConsecutiveFailures, "error", err)
		metrics.FeedChecks.WithLabelValues(feed.Name, "failure").Inc()
	} else {
		h.ConsecutiveFailures = 0
		h.LastSuccessAt = &now
		h.LastError = ""
		res.Records = Records(feed, parsed)
		c.logger.Debug("feed fetched", "feed", feed.Name, "items", len(res.Records), "latency", res.Latency)
		metrics.FeedChecks.WithLabelValues(feed.Name, "success").Inc()
	}

	if c.tracker != nil {
		c.tracker.Report(feed.SourceName(), health.Outcome{
			Latency:   res.Latency,
			Err:       err,
			Throttled: source.KindOf(err) == source.KindThrottled,
		})
	}

	if err := c.store.SaveFeedHealth(ctx, h); err != nil {
		c.logger.Error("save feed health", "feed", feed.Name, "error", err)
	}
	return res
}

func (c *Collector) unhealthy(h *model.FeedHealth) bool {
	if c.opts.MaxFailures <= 0 || h.ConsecutiveFailures < c.opts.MaxFailures {
		return false
	}
	if c.opts.ResetAfter > 0 && h.LastFailureAt != nil && c.now().Sub(*h.LastFailureAt) >= c.opts.ResetAfter {
		return false
	}
	return true
}

// Health returns the persisted health of every feed.
func (c *Collector) Health(ctx context.Context) ([]model.FeedHealth, error) {
	return c.store.ListFeedHealth(ctx)
}

// Reset clears the failure count of one feed so the next run fetches it.
func (c *Collector) Reset(ctx context.Context, url string) error {
	return c.store.ResetFeedHealth(ctx, url)
}

// ResetAll clears the failure count of every failing feed.
func (c *Collector) ResetAll(ctx context.Context) (int, error) {
	return c.store.ResetAllFeedHealth(ctx)
}
