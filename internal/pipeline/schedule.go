package pipeline

import (
	"context"
	"errors"
	"time"
)

// Every runs the pipeline immediately and then once per interval, dated by
// the wall clock, until ctx is cancelled. A fatal store error ends the loop.
// Options.AfterRun sees every run, including the one that ends it.
func (p *Pipeline) Every(ctx context.Context, interval time.Duration) error {
	if err := p.tick(ctx); err != nil {
		return err
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) error {
	report, err := p.Run(ctx, p.now())
	if p.opts.AfterRun != nil {
		p.opts.AfterRun(report, err)
	}
	if errors.Is(err, ErrStoreUnavailable) && ctx.Err() != nil {
		return nil
	}
	return err
}
