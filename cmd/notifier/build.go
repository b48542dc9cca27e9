package main

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"release_notifier/internal/config"
	"release_notifier/internal/dedup"
	"release_notifier/internal/fetcher"
	"release_notifier/internal/filter"
	"release_notifier/internal/health"
	"release_notifier/internal/model"
	"release_notifier/internal/notify"
	"release_notifier/internal/pipeline"
	"release_notifier/internal/source"
	"release_notifier/internal/source/anilist"
	"release_notifier/internal/storage"
)

const httpTimeout = 30 * time.Second

// buildPipeline wires every component of a run from configuration.
func buildPipeline(cfg *config.Config, policy *config.Policy, store storage.Storage, log *slog.Logger) (*pipeline.Pipeline, error) {
	client := &http.Client{Timeout: httpTimeout}
	tracker := health.NewTracker(policy.HealthPolicy(), log)

	var sources []*source.Client
	if policy.Sources.AniList.Enabled {
		breaker := health.NewBreaker(anilist.Name, policy.BreakerPolicy(), tracker, log)
		src := anilist.New(client, policy.AniListConfig(cfg.AniListURL))
		sources = append(sources, source.NewClient(src, tracker, breaker, policy.SourceRetry(), log))
	}

	engine, err := filter.New(policy.FilterPolicy())
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}

	channels := []notify.Channel{notify.NewTelegram(cfg.TelegramBotToken, cfg.TelegramChatID, client)}
	if cfg.CalDAVURL != "" {
		channels = append(channels, notify.NewCalDAV(client, cfg.CalDAVURL, cfg.CalDAVUsername, cfg.CalDAVPassword))
	}
	if cfg.NtfyTopic != "" {
		channels = append(channels, notify.NewNtfy(client, cfg.NtfyTopic))
	}

	comps := pipeline.Components{
		Store:      store,
		Sources:    sources,
		Collector:  fetcher.NewCollector(fetcher.New(client), store, tracker, policy.CollectorOptions(), log),
		Feeds:      policy.FeedList(),
		Filter:     engine,
		Dedup:      dedup.New(store, policy.Dedup.SimilarityThreshold, log),
		Dispatcher: notify.NewDispatcher(store, channels, policy.NotifyOptions(), log),
		Tracker:    tracker,
	}
	opts := pipeline.Options{
		MaxPages:   policy.Sources.AniList.MaxPages,
		Timeout:    cfg.RunTimeout,
		Checkpoint: policy.Rate.Checkpoint,
	}
	if cfg.MetricsFile != "" {
		opts.AfterRun = func(model.RunReport, error) { writeMetrics(cfg.MetricsFile, log) }
	}
	return pipeline.New(comps, opts, log), nil
}
