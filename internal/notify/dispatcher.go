package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"release_notifier/internal/metrics"
	"release_notifier/internal/model"
	"release_notifier/internal/retry"
)

// Store is the part of the store the dispatcher reads and writes.
type Store interface {
	DeliveredChannels(ctx context.Context, releaseID int64) (map[string]bool, error)
	RecordAttempt(ctx context.Context, a *model.NotificationAttempt) error
	MarkNotified(ctx context.Context, id int64) error
}

// Options configure delivery.
type Options struct {
	Retry retry.Policy
	// Optional names channels whose failure does not keep a release pending.
	Optional []string
	// EventTime is the offset from local midnight of the release date at
	// which calendar events start.
	EventTime     time.Duration
	Location      *time.Location
	EventDuration time.Duration
	Reminder      time.Duration
}

// Dispatcher delivers releases through its channels.
type Dispatcher struct {
	store    Store
	channels []Channel
	opts     Options
	optional map[string]bool
	logger   *slog.Logger
	now      func() time.Time
}

// NewDispatcher creates a dispatcher over channels, tried in order.
func NewDispatcher(store Store, channels []Channel, opts Options, logger *slog.Logger) *Dispatcher {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.EventDuration <= 0 {
		opts.EventDuration = 30 * time.Minute
	}
	optional := make(map[string]bool, len(opts.Optional))
	for _, name := range opts.Optional {
		optional[name] = true
	}
	return &Dispatcher{
		store:    store,
		channels: channels,
		opts:     opts,
		optional: optional,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch delivers each release through every channel that has not yet
// delivered it. A release is marked notified only when all required channels
// have succeeded; otherwise it stays pending for the next run. A failure on
// one channel or release never stops the others.
func (d *Dispatcher) Dispatch(ctx context.Context, releases []model.Release) model.DispatchReport {
	var report model.DispatchReport

	for i, r := range releases {
		if ctx.Err() != nil {
			d.logger.Warn("dispatch interrupted", "remaining", len(releases)-i, "error", ctx.Err())
			break
		}

		failures, err := d.dispatchOne(ctx, r)
		report.Failures = append(report.Failures, failures...)
		if err != nil {
			report.Failed++
			report.Failures = append(report.Failures, model.DeliveryFailure{
				ReleaseID: r.ID,
				Title:     FormatSubject(r),
				Error:     err.Error(),
			})
			d.logger.Error("dispatch release", "release_id", r.ID, "error", err)
			continue
		}
		if d.blocking(failures) {
			report.Failed++
			continue
		}
		report.Delivered++
	}
	return report
}

func (d *Dispatcher) dispatchOne(ctx context.Context, r model.Release) ([]model.DeliveryFailure, error) {
	delivered, err := d.store.DeliveredChannels(ctx, r.ID)
	if err != nil {
		return nil, err
	}

	msg := d.message(r)
	var failures []model.DeliveryFailure
	for _, ch := range d.channels {
		name := ch.Name()
		if delivered[name] {
			d.logger.Debug("channel already delivered", "release_id", r.ID, "channel", name)
			continue
		}
		if err := d.deliver(ctx, ch, msg); err != nil {
			d.logger.Warn("delivery failed",
				"release_id", r.ID, "channel", name, "optional", d.optional[name],
				"permanent", IsPermanent(err), "error", err)
			failures = append(failures, model.DeliveryFailure{
				ReleaseID: r.ID,
				Title:     msg.Subject,
				Channel:   name,
				Permanent: IsPermanent(err),
				Error:     err.Error(),
			})
		}
	}

	if d.blocking(failures) {
		return failures, nil
	}
	if err := d.store.MarkNotified(ctx, r.ID); err != nil {
		return failures, err
	}
	d.logger.Info("release notified", "release_id", r.ID, "title", msg.Subject)
	return failures, nil
}

// blocking reports whether any failure is on a required channel.
func (d *Dispatcher) blocking(failures []model.DeliveryFailure) bool {
	for _, f := range failures {
		if !d.optional[f.Channel] {
			return true
		}
	}
	return false
}

func (d *Dispatcher) deliver(ctx context.Context, ch Channel, msg Message) error {
	return retry.Do(ctx, d.opts.Retry, func(ctx context.Context, attempt int) error {
		err := ch.Deliver(ctx, msg)
		d.record(ctx, msg.Release.ID, ch.Name(), attempt, err)
		if err == nil || IsPermanent(err) || ctx.Err() != nil {
			return err
		}
		return retry.Retryable(err)
	})
}

func (d *Dispatcher) record(ctx context.Context, releaseID int64, channel string, attempt int, err error) {
	a := &model.NotificationAttempt{
		ID:          uuid.NewString(),
		ReleaseID:   releaseID,
		Channel:     channel,
		Attempt:     attempt,
		Outcome:     model.OutcomeDelivered,
		AttemptedAt: d.now().UTC(),
	}
	if err != nil {
		a.Outcome = model.OutcomeFailed
		if IsPermanent(err) {
			a.Outcome = model.OutcomeRejected
		}
		a.Error = err.Error()
	}
	metrics.Deliveries.WithLabelValues(channel, a.Outcome).Inc()

	if rerr := d.store.RecordAttempt(context.WithoutCancel(ctx), a); rerr != nil {
		d.logger.Error("record notification attempt", "release_id", releaseID, "channel", channel, "error", rerr)
	}
}

func (d *Dispatcher) message(r model.Release) Message {
	y, m, day := r.Date.Date()
	start := time.Date(y, m, day, 0, 0, 0, 0, d.opts.Location).Add(d.opts.EventTime)
	return Message{
		Release:  r,
		Subject:  FormatSubject(r),
		Body:     FormatBody(r),
		Start:    start,
		Duration: d.opts.EventDuration,
		Reminder: d.opts.Reminder,
	}
}
