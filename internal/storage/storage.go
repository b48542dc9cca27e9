// Package storage defines the persistence interface and its implementations.
package storage

import (
	"context"
	"errors"
	"time"

	"release_notifier/internal/model"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// IngestResult reports what one ingestion batch changed.
type IngestResult struct {
	Works      int
	Created    int
	Duplicates int
}

// Storage is the interface for all persistence operations.
type Storage interface {
	UpsertWork(ctx context.Context, w model.WorkInfo) (int64, error)
	UpsertRelease(ctx context.Context, workID int64, r model.ReleaseInfo) (int64, bool, error)
	IngestBatch(ctx context.Context, batch []model.WorkBatch) (IngestResult, error)

	GetWork(ctx context.Context, id int64) (*model.Work, error)
	WorksByCategory(ctx context.Context, c model.Category) ([]model.Work, error)
	GetRelease(ctx context.Context, id int64) (*model.Release, error)
	CountReleases(ctx context.Context) (int, error)
	DueUnnotified(ctx context.Context, asOf time.Time) ([]model.Release, error)
	MarkNotified(ctx context.Context, id int64) error

	RecordAttempt(ctx context.Context, a *model.NotificationAttempt) error
	ListAttempts(ctx context.Context, releaseID int64) ([]model.NotificationAttempt, error)
	DeliveredChannels(ctx context.Context, releaseID int64) (map[string]bool, error)

	GetFeedHealth(ctx context.Context, url string) (*model.FeedHealth, error)
	SaveFeedHealth(ctx context.Context, h *model.FeedHealth) error
	ListFeedHealth(ctx context.Context) ([]model.FeedHealth, error)
	ResetFeedHealth(ctx context.Context, url string) error
	ResetAllFeedHealth(ctx context.Context) (int, error)

	SaveSourceHealth(ctx context.Context, records []model.SourceHealth) error
	LoadSourceHealth(ctx context.Context) ([]model.SourceHealth, error)

	Ping(ctx context.Context) error
	Close() error
}
