// Package model defines the domain types used across the application.
package model

import (
	"strings"
	"time"
)

// Category classifies a Work by how it is released.
type Category string

// Supported work categories.
const (
	CategoryEpisodic   Category = "episodic"
	CategoryVolumetric Category = "volumetric"
)

// Valid reports whether c is a known category.
func (c Category) Valid() bool {
	return c == CategoryEpisodic || c == CategoryVolumetric
}

// UnitKind is the kind of deliverable unit a Release describes.
type UnitKind string

// Supported unit kinds.
const (
	UnitEpisode UnitKind = "episode"
	UnitVolume  UnitKind = "volume"
)

// UnitKindFor returns the natural unit kind of a category.
func UnitKindFor(c Category) UnitKind {
	if c == CategoryVolumetric {
		return UnitVolume
	}
	return UnitEpisode
}

// DateLayout is the storage and CLI format for release dates.
const DateLayout = "2006-01-02"

// Work is a creative property tracked across sources.
type Work struct {
	ID           int64
	Title        string
	TitleEnglish string
	TitleNative  string
	Category     Category
	Homepage     string
	CreatedAt    time.Time
}

// Titles returns every non-empty title of the work.
func (w Work) Titles() []string {
	out := []string{w.Title}
	if w.TitleEnglish != "" {
		out = append(out, w.TitleEnglish)
	}
	if w.TitleNative != "" {
		out = append(out, w.TitleNative)
	}
	return out
}

// Release is one deliverable unit of a Work at a given channel and date.
// Empty Number, Channel, Source and SourceURL mean the value is unknown.
type Release struct {
	ID        int64
	WorkID    int64
	WorkTitle string
	Kind      UnitKind
	Number    string
	Channel   string
	Date      time.Time
	Source    string
	SourceURL string
	Notified  bool
	CreatedAt time.Time
}

// Key returns the uniqueness key of the release.
func (r Release) Key() ReleaseKey {
	return ReleaseKey{WorkID: r.WorkID, Kind: r.Kind, Number: r.Number, Channel: r.Channel, Date: r.Date.Format(DateLayout)}
}

// ReleaseKey identifies a release: (work, unit kind, unit number, channel, date).
type ReleaseKey struct {
	WorkID  int64
	Kind    UnitKind
	Number  string
	Channel string
	Date    string
}

// RawRecord is an unprocessed record as fetched from a source.
type RawRecord struct {
	Source string
	Fields map[string]string
	Tags   []string
}

// Get returns the named field, trimmed.
func (r RawRecord) Get(key string) string {
	return strings.TrimSpace(r.Fields[key])
}

// WorkInfo is the work part of a normalised candidate.
type WorkInfo struct {
	Title        string
	TitleEnglish string
	TitleNative  string
	Category     Category
	Homepage     string
}

// ReleaseInfo is the release part of a normalised candidate.
type ReleaseInfo struct {
	Kind      UnitKind
	Number    string
	Channel   string
	Date      time.Time
	Source    string
	SourceURL string
}

// FillFrom copies into r every field of other that r is missing.
func (r *ReleaseInfo) FillFrom(other ReleaseInfo) {
	if r.Source == "" {
		r.Source = other.Source
	}
	if r.SourceURL == "" {
		r.SourceURL = other.SourceURL
	}
}

// Candidate is a normalised record: a work sighting with an optional release.
type Candidate struct {
	Work    WorkInfo
	Release *ReleaseInfo
	Tags    []string
	Source  string
}

// Outcome values of a notification attempt.
const (
	OutcomeDelivered = "delivered"
	OutcomeFailed    = "failed"
	OutcomeRejected  = "rejected"
)

// NotificationAttempt records one delivery try of a release through a channel.
type NotificationAttempt struct {
	ID          string
	ReleaseID   int64
	Channel     string
	Attempt     int
	Outcome     string
	Error       string
	AttemptedAt time.Time
}

// FeedHealth is the persisted health of a syndication feed.
type FeedHealth struct {
	URL                 string
	Name                string
	ConsecutiveFailures int
	Checks              int
	AvgLatency          time.Duration
	LastSuccessAt       *time.Time
	LastFailureAt       *time.Time
	LastError           string
}

// SourceHealth is a point-in-time view of a source's health record.
type SourceHealth struct {
	Source              string
	ConsecutiveFailures int
	SuccessRatio        float64
	AllowedPerMinute    float64
	Circuit             string
	AvgLatency          time.Duration
	Attempts            int
	UpdatedAt           time.Time
}

// DeliveryFailure describes a channel that failed to deliver a release.
type DeliveryFailure struct {
	ReleaseID int64  `json:"release_id"`
	Title     string `json:"title"`
	Channel   string `json:"channel"`
	Permanent bool   `json:"permanent"`
	Error     string `json:"error"`
}

// DispatchReport summarises one dispatch pass.
type DispatchReport struct {
	Delivered int               `json:"delivered"`
	Failed    int               `json:"failed"`
	Failures  []DeliveryFailure `json:"failures,omitempty"`
}

// SourceError describes a non-fatal source failure during a run.
type SourceError struct {
	Source string `json:"source"`
	Kind   string `json:"kind"`
	Error  string `json:"error"`
}

// RunReport summarises one ingestion and dispatch run.
type RunReport struct {
	RunID        string            `json:"run_id"`
	AsOf         string            `json:"as_of"`
	Fetched      int               `json:"fetched"`
	Malformed    int               `json:"malformed"`
	Filtered     int               `json:"filtered"`
	Deduped      int               `json:"deduped"`
	Stored       int               `json:"stored"`
	Dispatched   int               `json:"dispatched"`
	Failed       int               `json:"failed"`
	SkippedFeeds int               `json:"skipped_feeds"`
	BatchErrors  int               `json:"batch_errors"`
	Cancelled    bool              `json:"cancelled"`
	SourceErrors []SourceError     `json:"source_errors,omitempty"`
	Deliveries   []DeliveryFailure `json:"delivery_failures,omitempty"`
	Duration     time.Duration     `json:"duration"`
}

// WorkBatch groups the releases of one work resolved by deduplication.
// WorkID is zero when the work is not yet stored.
type WorkBatch struct {
	WorkID   int64
	Work     WorkInfo
	Releases []ReleaseInfo
}
