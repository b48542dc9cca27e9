// Package source defines the capability interface of external release
// sources and the guarded client that every source is called through.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"release_notifier/internal/health"
	"release_notifier/internal/model"
	"release_notifier/internal/retry"
)

// Page is one page of raw records. Next is empty on the last page.
type Page struct {
	Records []model.RawRecord
	Next    string
}

// Source is implemented once per external source variant.
type Source interface {
	Name() string
	// Fetch performs exactly one request for the page at cursor. An empty
	// cursor requests the first page.
	Fetch(ctx context.Context, cursor string) (Page, error)
	// Normalize maps a record produced by Fetch into a candidate.
	Normalize(rec model.RawRecord) (*model.Candidate, error)
}

// Client calls a Source through its circuit breaker, rate limiter and retry
// policy, and reports every attempt to the health tracker.
type Client struct {
	src     Source
	tracker *health.Tracker
	breaker *health.Breaker
	retry   retry.Policy
	logger  *slog.Logger
}

// NewClient creates a guarded client for src.
func NewClient(src Source, tracker *health.Tracker, breaker *health.Breaker, policy retry.Policy, logger *slog.Logger) *Client {
	return &Client{
		src:     src,
		tracker: tracker,
		breaker: breaker,
		retry:   policy,
		logger:  logger.With("source", src.Name()),
	}
}

// Name returns the wrapped source's name.
func (c *Client) Name() string { return c.src.Name() }

// Normalize delegates to the wrapped source.
func (c *Client) Normalize(rec model.RawRecord) (*model.Candidate, error) {
	return c.src.Normalize(rec)
}

// Fetch requests one page. Transient and throttled failures are retried with
// backoff; permanent failures and an open circuit return at once.
func (c *Client) Fetch(ctx context.Context, cursor string) (Page, error) {
	name := c.src.Name()

	var page Page
	err := retry.Do(ctx, c.retry, func(ctx context.Context, attempt int) error {
		if err := c.tracker.Wait(ctx, name); err != nil {
			return err
		}

		err := c.breaker.Do(func() error {
			start := time.Now()
			p, err := c.src.Fetch(ctx, cursor)
			if ctx.Err() == nil {
				c.tracker.Report(name, health.Outcome{
					Latency:   time.Since(start),
					Err:       err,
					Throttled: KindOf(err) == KindThrottled,
				})
			}
			if err != nil {
				return err
			}
			page = p
			return nil
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, health.ErrOpen) {
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		}

		kind := KindOf(err)
		if kind == KindPermanent || ctx.Err() != nil {
			return err
		}
		c.logger.Warn("fetch attempt failed", "attempt", attempt, "kind", kind, "error", err)

		var se *Error
		if errors.As(err, &se) && se.RetryAfter > 0 {
			d := se.RetryAfter
			if c.retry.MaxDelay > 0 {
				d = min(d, c.retry.MaxDelay)
			}
			if werr := sleep(ctx, d); werr != nil {
				return werr
			}
		}
		return retry.Retryable(err)
	})
	if err != nil {
		return Page{}, fmt.Errorf("fetch %s: %w", name, err)
	}
	return page, nil
}

// FetchAll walks the source's pages sequentially, up to maxPages when it is
// positive. On error the records of the pages fetched so far are returned
// with it, except when ctx is done, where partial results are discarded.
func (c *Client) FetchAll(ctx context.Context, maxPages int) ([]model.RawRecord, error) {
	var (
		records []model.RawRecord
		cursor  string
	)
	for pages := 0; maxPages <= 0 || pages < maxPages; pages++ {
		page, err := c.Fetch(ctx, cursor)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err != nil {
			return records, err
		}
		records = append(records, page.Records...)
		if page.Next == "" {
			break
		}
		cursor = page.Next
	}
	return records, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
