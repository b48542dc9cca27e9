// Package pipeline runs one ingestion and dispatch pass: fetch every source,
// normalise, filter, deduplicate, store, then notify due releases.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"release_notifier/internal/dedup"
	"release_notifier/internal/fetcher"
	"release_notifier/internal/filter"
	"release_notifier/internal/health"
	"release_notifier/internal/metrics"
	"release_notifier/internal/model"
	"release_notifier/internal/normalize"
	"release_notifier/internal/notify"
	"release_notifier/internal/source"
	"release_notifier/internal/storage"
)

// ErrStoreUnavailable is the fatal run error: the store cannot be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// Components are the collaborators of a run. Collector, Tracker and Sources
// are optional.
type Components struct {
	Store      storage.Storage
	Sources    []*source.Client
	Collector  *fetcher.Collector
	Feeds      []fetcher.Feed
	Filter     *filter.Engine
	Dedup      *dedup.Deduplicator
	Dispatcher *notify.Dispatcher
	Tracker    *health.Tracker
}

// Options tune a run.
type Options struct {
	// MaxPages bounds pagination per source. Zero means unbounded.
	MaxPages int
	// Timeout bounds the whole run. Zero means no timeout.
	Timeout time.Duration
	// Checkpoint restores source health at start and saves it at the end.
	Checkpoint bool
	// AfterRun, if set, is called after every scheduled run with its outcome.
	AfterRun func(model.RunReport, error)
}

// Pipeline runs ingestion and dispatch.
type Pipeline struct {
	c      Components
	opts   Options
	logger *slog.Logger
	now    func() time.Time
}

// New creates a Pipeline.
func New(c Components, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{c: c, opts: opts, logger: logger, now: time.Now}
}

// batch is the output of one source or feed, handed to the writer loop.
type batch struct {
	origin    string
	records   []model.RawRecord
	normalize func(model.RawRecord) (*model.Candidate, error)
	skipped   bool
	err       error
}

// Run ingests every source and dispatches releases due on or before asOf.
// Per-item failures are aggregated into the report; the returned error is
// reserved for an unreachable store.
func (p *Pipeline) Run(ctx context.Context, asOf time.Time) (model.RunReport, error) {
	start := p.now()
	asOf = normalize.DateOf(asOf)
	report := model.RunReport{RunID: uuid.NewString(), AsOf: asOf.Format(model.DateLayout)}
	log := p.logger.With("run_id", report.RunID)

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	if err := p.c.Store.Ping(ctx); err != nil {
		return report, fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	p.restoreHealth(ctx, log)

	log.Info("run started", "as_of", report.AsOf, "sources", len(p.c.Sources), "feeds", len(p.c.Feeds))

	batches := p.fetch(ctx)
	for b := range batches {
		p.ingest(ctx, log, b, &report)
	}

	if ctx.Err() != nil {
		report.Cancelled = true
	} else {
		due, err := p.c.Store.DueUnnotified(ctx, asOf)
		switch {
		case err != nil && ctx.Err() != nil:
			report.Cancelled = true
		case err != nil:
			return report, fmt.Errorf("%w: list due releases: %w", ErrStoreUnavailable, err)
		default:
			dr := p.c.Dispatcher.Dispatch(ctx, due)
			report.Dispatched = dr.Delivered
			report.Failed = dr.Failed
			report.Deliveries = dr.Failures
			report.Cancelled = ctx.Err() != nil
		}
	}

	p.saveHealth(ctx, log)

	report.Duration = p.now().Sub(start)
	p.observe(report)
	log.Info("run finished",
		"fetched", report.Fetched,
		"malformed", report.Malformed,
		"filtered", report.Filtered,
		"deduped", report.Deduped,
		"stored", report.Stored,
		"dispatched", report.Dispatched,
		"failed", report.Failed,
		"skipped_feeds", report.SkippedFeeds,
		"source_errors", len(report.SourceErrors),
		"cancelled", report.Cancelled,
		"duration", report.Duration,
	)
	return report, nil
}

// fetch starts one worker per source plus the feed collector and returns
// the channel their batches arrive on. The channel closes when all are done.
func (p *Pipeline) fetch(ctx context.Context) <-chan batch {
	out := make(chan batch)
	var g errgroup.Group

	for _, client := range p.c.Sources {
		g.Go(func() error {
			records, err := client.FetchAll(ctx, p.opts.MaxPages)
			out <- batch{origin: client.Name(), records: records, normalize: client.Normalize, err: err}
			return nil
		})
	}

	if p.c.Collector != nil && len(p.c.Feeds) > 0 {
		g.Go(func() error {
			for _, r := range p.c.Collector.Collect(ctx, p.c.Feeds) {
				out <- batch{
					origin:    r.Feed.SourceName(),
					records:   r.Records,
					normalize: normalize.FeedItem,
					skipped:   r.Skipped,
					err:       r.Err,
				}
			}
			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(out)
	}()
	return out
}

// ingest runs one batch through normalisation, filtering, deduplication and
// storage. It is only called from the writer loop in Run.
func (p *Pipeline) ingest(ctx context.Context, log *slog.Logger, b batch, report *model.RunReport) {
	if b.skipped {
		report.SkippedFeeds++
		log.Info("feed skipped", "source", b.origin)
		return
	}
	if b.err != nil && ctx.Err() == nil {
		if kind := source.KindOf(b.err); kind != source.KindCancelled {
			report.SourceErrors = append(report.SourceErrors, model.SourceError{
				Source: b.origin,
				Kind:   string(kind),
				Error:  b.err.Error(),
			})
			log.Warn("source failed", "source", b.origin, "kind", kind, "records", len(b.records), "error", b.err)
		}
	}
	if ctx.Err() != nil || len(b.records) == 0 {
		return
	}

	report.Fetched += len(b.records)

	candidates := make([]model.Candidate, 0, len(b.records))
	for _, rec := range b.records {
		c, err := b.normalize(rec)
		if err != nil {
			report.Malformed++
			log.Debug("malformed record", "source", b.origin, "error", err)
			continue
		}
		if ok, reason := p.c.Filter.Check(*c); !ok {
			report.Filtered++
			log.Debug("record filtered", "source", b.origin, "title", c.Work.Title, "reason", reason)
			continue
		}
		candidates = append(candidates, *c)
	}
	if len(candidates) == 0 {
		return
	}

	resolved, err := p.c.Dedup.Resolve(ctx, candidates)
	if err != nil {
		report.BatchErrors++
		log.Error("resolve batch", "source", b.origin, "error", err)
		return
	}
	report.Deduped += resolved.Duplicates

	res, err := p.c.Store.IngestBatch(ctx, resolved.Works)
	if err != nil && ctx.Err() == nil {
		log.Warn("ingest batch, retrying", "source", b.origin, "error", err)
		res, err = p.c.Store.IngestBatch(ctx, resolved.Works)
	}
	if err != nil {
		report.BatchErrors++
		log.Error("ingest batch", "source", b.origin, "releases", resolved.Releases(), "error", err)
		return
	}
	report.Deduped += res.Duplicates
	report.Stored += res.Created
	log.Debug("batch stored", "source", b.origin, "works", res.Works, "created", res.Created, "duplicates", res.Duplicates)
}

func (p *Pipeline) restoreHealth(ctx context.Context, log *slog.Logger) {
	if !p.opts.Checkpoint || p.c.Tracker == nil {
		return
	}
	snapshot, err := p.c.Store.LoadSourceHealth(ctx)
	if err != nil {
		log.Warn("load health checkpoint", "error", err)
		return
	}
	p.c.Tracker.Restore(snapshot)
}

// saveHealth persists the tracker even when the run was cancelled.
func (p *Pipeline) saveHealth(ctx context.Context, log *slog.Logger) {
	if !p.opts.Checkpoint || p.c.Tracker == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := p.c.Store.SaveSourceHealth(ctx, p.c.Tracker.Snapshot()); err != nil {
		log.Warn("save health checkpoint", "error", err)
	}
}

func (p *Pipeline) observe(r model.RunReport) {
	for stage, n := range map[string]int{
		"fetched":    r.Fetched,
		"malformed":  r.Malformed,
		"filtered":   r.Filtered,
		"deduped":    r.Deduped,
		"stored":     r.Stored,
		"dispatched": r.Dispatched,
		"failed":     r.Failed,
	} {
		metrics.PipelineItems.WithLabelValues(stage).Add(float64(n))
	}
	metrics.RunDuration.Set(r.Duration.Seconds())
	metrics.LastRunTimestamp.Set(float64(p.now().Unix()))
}
