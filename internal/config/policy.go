package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"

	"release_notifier/internal/dedup"
	"release_notifier/internal/fetcher"
	"release_notifier/internal/filter"
	"release_notifier/internal/health"
	"release_notifier/internal/model"
	"release_notifier/internal/notify"
	"release_notifier/internal/retry"
	"release_notifier/internal/source/anilist"
)

// Policy holds the tunable behaviour of a run: sources, thresholds, the
// deny-list and notification timing.
type Policy struct {
	Sources   Sources         `toml:"sources"`
	Rate      RatePolicy      `toml:"rate"`
	Breaker   BreakerPolicy   `toml:"breaker"`
	Retry     RetryPolicy     `toml:"retry"`
	Collector CollectorPolicy `toml:"collector"`
	Feeds     []FeedPolicy    `toml:"feeds"`
	Dedup     DedupPolicy     `toml:"dedup"`
	Filter    FilterPolicy    `toml:"filter"`
	Notify    NotifyPolicy    `toml:"notify"`
}

// Sources configures the structured API sources.
type Sources struct {
	AniList AniListPolicy `toml:"anilist"`
}

// AniListPolicy configures the airing-schedule source.
type AniListPolicy struct {
	Enabled       bool `toml:"enabled"`
	PerPage       int  `toml:"per_page"`
	MaxPages      int  `toml:"max_pages"`
	LookbackDays  int  `toml:"lookback_days"`
	LookaheadDays int  `toml:"lookahead_days"`
}

// RatePolicy configures adaptive rate limiting per source.
type RatePolicy struct {
	InitialPerMinute   float64 `toml:"initial_per_minute"`
	MinPerMinute       float64 `toml:"min_per_minute"`
	MaxPerMinute       float64 `toml:"max_per_minute"`
	BurstRequests      int     `toml:"burst_requests"`
	BurstWindowSeconds int     `toml:"burst_window_seconds"`
	SuccessWindow      int     `toml:"success_window"`
	Checkpoint         bool    `toml:"checkpoint"`
}

// BreakerPolicy configures the per-source circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int `toml:"failure_threshold"`
	CooldownSeconds  int `toml:"cooldown_seconds"`
}

// RetryPolicy configures source retries.
type RetryPolicy struct {
	Attempts    int `toml:"attempts"`
	BaseDelayMS int `toml:"base_delay_ms"`
	MaxDelayMS  int `toml:"max_delay_ms"`
}

// CollectorPolicy configures the feed collector.
type CollectorPolicy struct {
	Concurrency       int `toml:"concurrency"`
	TimeoutSeconds    int `toml:"timeout_seconds"`
	MaxFailures       int `toml:"max_failures"`
	ResetAfterMinutes int `toml:"reset_after_minutes"`
}

// FeedPolicy is one configured feed.
type FeedPolicy struct {
	Name     string   `toml:"name"`
	URL      string   `toml:"url"`
	Category string   `toml:"category"`
	Channel  string   `toml:"channel"`
	Tags     []string `toml:"tags"`
}

// DedupPolicy configures fuzzy work matching.
type DedupPolicy struct {
	SimilarityThreshold float64 `toml:"similarity_threshold"`
}

// FilterPolicy is the content deny-list.
type FilterPolicy struct {
	Keywords   []string `toml:"keywords"`
	Tags       []string `toml:"tags"`
	Categories []string `toml:"categories"`
	Patterns   []string `toml:"patterns"`
}

// NotifyPolicy configures delivery retries and calendar events.
type NotifyPolicy struct {
	Attempts             int      `toml:"attempts"`
	BaseDelayMS          int      `toml:"base_delay_ms"`
	MaxDelayMS           int      `toml:"max_delay_ms"`
	OptionalChannels     []string `toml:"optional_channels"`
	EventTime            string   `toml:"event_time"`
	Timezone             string   `toml:"timezone"`
	EventDurationMinutes int      `toml:"event_duration_minutes"`
	ReminderMinutes      int      `toml:"reminder_minutes"`
}

// DefaultPolicy returns the policy used when no file is present.
func DefaultPolicy() Policy {
	return Policy{
		Sources: Sources{AniList: AniListPolicy{
			Enabled:       true,
			PerPage:       50,
			MaxPages:      10,
			LookbackDays:  1,
			LookaheadDays: 7,
		}},
		Rate: RatePolicy{
			InitialPerMinute:   60,
			MinPerMinute:       10,
			MaxPerMinute:       90,
			BurstRequests:      10,
			BurstWindowSeconds: 10,
			SuccessWindow:      20,
		},
		Breaker: BreakerPolicy{FailureThreshold: 5, CooldownSeconds: 300},
		Retry:   RetryPolicy{Attempts: 3, BaseDelayMS: 1000, MaxDelayMS: 30000},
		Collector: CollectorPolicy{
			Concurrency:    4,
			TimeoutSeconds: 30,
			MaxFailures:    5,
		},
		Dedup: DedupPolicy{SimilarityThreshold: dedup.DefaultThreshold},
		Notify: NotifyPolicy{
			Attempts:             3,
			BaseDelayMS:          500,
			MaxDelayMS:           10000,
			OptionalChannels:     []string{"ntfy"},
			EventTime:            "09:00",
			Timezone:             "UTC",
			EventDurationMinutes: 30,
			ReminderMinutes:      15,
		},
	}
}

// LoadPolicy reads the policy file at path over the defaults. A missing file
// yields the defaults. Unknown keys are rejected.
func LoadPolicy(path string) (*Policy, error) {
	p := DefaultPolicy()
	if path != "" {
		file, err := os.Open(path) //nolint:gosec // operator-supplied path
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("open policy: %w", err)
		default:
			defer func() { _ = file.Close() }()
			if err := toml.NewDecoder(file).DisallowUnknownFields().Decode(&p); err != nil {
				return nil, fmt.Errorf("parse policy %s: %w", path, err)
			}
		}
	}
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	return &p, nil
}

// Validate reports every inconsistent setting.
func (p *Policy) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if a := p.Sources.AniList; a.Enabled && (a.PerPage < 1 || a.PerPage > 50) {
		add("sources.anilist.per_page must be between 1 and 50")
	}

	r := p.Rate
	if r.MinPerMinute <= 0 {
		add("rate.min_per_minute must be positive")
	}
	if r.MinPerMinute > r.MaxPerMinute {
		add("rate.min_per_minute exceeds rate.max_per_minute")
	}
	if r.InitialPerMinute < r.MinPerMinute || r.InitialPerMinute > r.MaxPerMinute {
		add("rate.initial_per_minute must lie between min and max")
	}
	if r.BurstRequests < 0 || (r.BurstRequests > 0 && r.BurstWindowSeconds <= 0) {
		add("rate.burst_requests needs a positive rate.burst_window_seconds")
	}

	if p.Breaker.FailureThreshold < 1 {
		add("breaker.failure_threshold must be at least 1")
	}
	if p.Breaker.CooldownSeconds <= 0 {
		add("breaker.cooldown_seconds must be positive")
	}
	if p.Retry.Attempts < 1 {
		add("retry.attempts must be at least 1")
	}
	if p.Collector.Concurrency < 1 {
		add("collector.concurrency must be at least 1")
	}
	if p.Collector.TimeoutSeconds <= 0 {
		add("collector.timeout_seconds must be positive")
	}

	names := make(map[string]bool)
	for i, f := range p.Feeds {
		if f.Name == "" || f.URL == "" {
			add("feeds[%d]: name and url are required", i)
		}
		if names[f.Name] {
			add("feeds[%d]: duplicate name %q", i, f.Name)
		}
		names[f.Name] = true
		if !model.Category(f.Category).Valid() {
			add("feeds[%d]: unknown category %q", i, f.Category)
		}
	}

	if t := p.Dedup.SimilarityThreshold; t <= 0 || t > 1 {
		add("dedup.similarity_threshold must be in (0, 1]")
	}

	for _, c := range p.Filter.Categories {
		if !model.Category(strings.ToLower(strings.TrimSpace(c))).Valid() {
			add("filter.categories: unknown category %q", c)
		}
	}
	for _, pat := range p.Filter.Patterns {
		if err := filter.ValidateRegex(pat); err != nil {
			add("filter.patterns %q: %w", pat, err)
		}
	}

	if p.Notify.Attempts < 1 {
		add("notify.attempts must be at least 1")
	}
	if _, err := p.eventTime(); err != nil {
		add("notify.event_time: %w", err)
	}
	if _, err := time.LoadLocation(p.Notify.Timezone); err != nil {
		add("notify.timezone: %w", err)
	}

	return errors.Join(errs...)
}

func (p *Policy) eventTime() (time.Duration, error) {
	t, err := time.Parse("15:04", p.Notify.EventTime)
	if err != nil {
		return 0, err
	}
	return time.Duration(t.Hour())*time.Hour + time.Duration(t.Minute())*time.Minute, nil
}

// AniListConfig returns the AniList source settings.
func (p *Policy) AniListConfig(url string) anilist.Config {
	a := p.Sources.AniList
	return anilist.Config{URL: url, PerPage: a.PerPage, LookbackDays: a.LookbackDays, LookaheadDays: a.LookaheadDays}
}

// HealthPolicy returns the tracker policy.
func (p *Policy) HealthPolicy() health.Policy {
	r := p.Rate
	return health.Policy{
		InitialPerMinute: r.InitialPerMinute,
		MinPerMinute:     r.MinPerMinute,
		MaxPerMinute:     r.MaxPerMinute,
		BurstRequests:    r.BurstRequests,
		BurstWindow:      time.Duration(r.BurstWindowSeconds) * time.Second,
		SuccessWindow:    r.SuccessWindow,
	}
}

// BreakerPolicy returns the circuit breaker policy.
func (p *Policy) BreakerPolicy() health.BreakerPolicy {
	return health.BreakerPolicy{
		FailureThreshold: p.Breaker.FailureThreshold,
		Cooldown:         time.Duration(p.Breaker.CooldownSeconds) * time.Second,
	}
}

// SourceRetry returns the retry policy of source fetches.
func (p *Policy) SourceRetry() retry.Policy {
	return retryPolicy(p.Retry.Attempts, p.Retry.BaseDelayMS, p.Retry.MaxDelayMS)
}

func retryPolicy(attempts, baseMS, maxMS int) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		BaseDelay: time.Duration(baseMS) * time.Millisecond,
		MaxDelay:  time.Duration(maxMS) * time.Millisecond,
	}
}

// CollectorOptions returns the feed collector options.
func (p *Policy) CollectorOptions() fetcher.Options {
	c := p.Collector
	return fetcher.Options{
		Concurrency: c.Concurrency,
		Timeout:     time.Duration(c.TimeoutSeconds) * time.Second,
		MaxFailures: c.MaxFailures,
		ResetAfter:  time.Duration(c.ResetAfterMinutes) * time.Minute,
	}
}

// FeedList returns the configured feeds.
func (p *Policy) FeedList() []fetcher.Feed {
	feeds := make([]fetcher.Feed, 0, len(p.Feeds))
	for _, f := range p.Feeds {
		feeds = append(feeds, fetcher.Feed{
			Name:     f.Name,
			URL:      f.URL,
			Category: model.Category(f.Category),
			Channel:  f.Channel,
			Tags:     f.Tags,
		})
	}
	return feeds
}

// FilterPolicy returns the deny-list.
func (p *Policy) FilterPolicy() filter.Policy {
	f := p.Filter
	return filter.Policy{Keywords: f.Keywords, Tags: f.Tags, Categories: f.Categories, Patterns: f.Patterns}
}

// NotifyOptions returns the dispatcher options. The policy must be valid.
func (p *Policy) NotifyOptions() notify.Options {
	n := p.Notify
	eventTime, _ := p.eventTime()
	loc, err := time.LoadLocation(n.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return notify.Options{
		Retry:         retryPolicy(n.Attempts, n.BaseDelayMS, n.MaxDelayMS),
		Optional:      n.OptionalChannels,
		EventTime:     eventTime,
		Location:      loc,
		EventDuration: time.Duration(n.EventDurationMinutes) * time.Minute,
		Reminder:      time.Duration(n.ReminderMinutes) * time.Minute,
	}
}
