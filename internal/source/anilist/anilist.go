// Package anilist is the structured-API source: it pages through the AniList
// GraphQL airing schedule within a time window around now.
package anilist

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/goccy/go-json"

	"release_notifier/internal/model"
	"release_notifier/internal/normalize"
	"release_notifier/internal/source"
)

// Name is the source name used in records, metrics and health.
const Name = "anilist"

// DefaultURL is the public AniList GraphQL endpoint.
const DefaultURL = "https://graphql.anilist.co"

// Record fields specific to this source.
const (
	FieldTitleEnglish = "title_english"
	FieldTitleNative  = "title_native"
	FieldEpisode      = "episode"
	FieldAiringAt     = "airing_at"
	FieldSiteURL      = "site_url"
	FieldFormat       = "format"
)

// AdultTag is added to records of adult-rated media.
const AdultTag = "adult"

const scheduleQuery = `query ($page: Int, $perPage: Int, $from: Int, $to: Int) {
  Page(page: $page, perPage: $perPage) {
    pageInfo { currentPage hasNextPage }
    airingSchedules(airingAt_greater: $from, airingAt_lesser: $to, sort: TIME) {
      id
      episode
      airingAt
      media {
        id
        siteUrl
        format
        isAdult
        genres
        title { romaji english native }
      }
    }
  }
}`

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config configures the query window and page size.
type Config struct {
	URL           string
	PerPage       int
	LookbackDays  int
	LookaheadDays int
}

// Source fetches airing schedules. It performs one request per Fetch;
// rate limiting and retries are the caller's concern.
type Source struct {
	client HTTPClient
	cfg    Config
	now    func() time.Time
}

// New creates an AniList source.
func New(client HTTPClient, cfg Config) *Source {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.PerPage <= 0 {
		cfg.PerPage = 50
	}
	return &Source{client: client, cfg: cfg, now: time.Now}
}

// Name implements source.Source.
func (s *Source) Name() string { return Name }

type request struct {
	Query     string    `json:"query"`
	Variables variables `json:"variables"`
}

type variables struct {
	Page    int   `json:"page"`
	PerPage int   `json:"perPage"`
	From    int64 `json:"from"`
	To      int64 `json:"to"`
}

type response struct {
	Data struct {
		Page struct {
			PageInfo struct {
				CurrentPage int  `json:"currentPage"`
				HasNextPage bool `json:"hasNextPage"`
			} `json:"pageInfo"`
			AiringSchedules []schedule `json:"airingSchedules"`
		} `json:"Page"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
		Status  int    `json:"status"`
	} `json:"errors"`
}

type schedule struct {
	ID       int64 `json:"id"`
	Episode  int   `json:"episode"`
	AiringAt int64 `json:"airingAt"`
	Media    struct {
		ID      int64    `json:"id"`
		SiteURL string   `json:"siteUrl"`
		Format  string   `json:"format"`
		IsAdult bool     `json:"isAdult"`
		Genres  []string `json:"genres"`
		Title   struct {
			Romaji  string `json:"romaji"`
			English string `json:"english"`
			Native  string `json:"native"`
		} `json:"title"`
	} `json:"media"`
}

// Fetch requests one page of the airing schedule. The cursor is the page
// number; an empty cursor is page 1.
func (s *Source) Fetch(ctx context.Context, cursor string) (source.Page, error) {
	page := 1
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 1 {
			return source.Page{}, source.Permanent(Name, fmt.Errorf("invalid cursor %q", cursor))
		}
		page = n
	}

	now := s.now().UTC()
	body, err := json.Marshal(request{
		Query: scheduleQuery,
		Variables: variables{
			Page:    page,
			PerPage: s.cfg.PerPage,
			From:    now.AddDate(0, 0, -s.cfg.LookbackDays).Unix(),
			To:      now.AddDate(0, 0, s.cfg.LookaheadDays).Unix(),
		},
	})
	if err != nil {
		return source.Page{}, source.Permanent(Name, fmt.Errorf("encode query: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return source.Page{}, source.Permanent(Name, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "ReleaseNotifier/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		return source.Page{}, fmt.Errorf("http post: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return source.Page{}, source.StatusError(Name, resp)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return source.Page{}, fmt.Errorf("read body: %w", err)
	}

	var r response
	if err := json.Unmarshal(data, &r); err != nil {
		return source.Page{}, source.Permanent(Name, fmt.Errorf("decode response: %w", err))
	}
	if len(r.Errors) > 0 {
		e := r.Errors[0]
		return source.Page{}, &source.Error{
			Source: Name,
			Kind:   source.Classify(e.Status),
			Status: e.Status,
			Err:    fmt.Errorf("graphql: %s", e.Message),
		}
	}

	out := source.Page{Records: make([]model.RawRecord, 0, len(r.Data.Page.AiringSchedules))}
	for _, sc := range r.Data.Page.AiringSchedules {
		out.Records = append(out.Records, record(sc))
	}
	if r.Data.Page.PageInfo.HasNextPage {
		out.Next = strconv.Itoa(page + 1)
	}
	return out, nil
}

func record(sc schedule) model.RawRecord {
	m := sc.Media
	tags := make([]string, 0, len(m.Genres)+1)
	tags = append(tags, m.Genres...)
	if m.IsAdult {
		tags = append(tags, AdultTag)
	}
	return model.RawRecord{
		Source: Name,
		Fields: map[string]string{
			normalize.FieldGUID:  strconv.FormatInt(sc.ID, 10),
			normalize.FieldTitle: m.Title.Romaji,
			FieldTitleEnglish:    m.Title.English,
			FieldTitleNative:     m.Title.Native,
			FieldEpisode:         strconv.Itoa(sc.Episode),
			FieldAiringAt:        strconv.FormatInt(sc.AiringAt, 10),
			FieldSiteURL:         m.SiteURL,
			FieldFormat:          m.Format,
		},
		Tags: tags,
	}
}

// Normalize maps an airing-schedule record into an episodic candidate.
func (s *Source) Normalize(rec model.RawRecord) (*model.Candidate, error) {
	title := rec.Get(normalize.FieldTitle)
	if title == "" {
		title = rec.Get(FieldTitleEnglish)
	}
	if title == "" {
		return nil, fmt.Errorf("airing schedule %s without title: %w", rec.Get(normalize.FieldGUID), normalize.ErrMalformed)
	}

	date, err := normalize.ParseDate(rec.Get(FieldAiringAt))
	if err != nil {
		return nil, fmt.Errorf("airing schedule %q: %w", title, err)
	}

	number := rec.Get(FieldEpisode)
	if number == "0" {
		number = ""
	}

	return &model.Candidate{
		Work: model.WorkInfo{
			Title:        title,
			TitleEnglish: rec.Get(FieldTitleEnglish),
			TitleNative:  rec.Get(FieldTitleNative),
			Category:     model.CategoryEpisodic,
			Homepage:     rec.Get(FieldSiteURL),
		},
		Release: &model.ReleaseInfo{
			Kind:      model.UnitEpisode,
			Number:    normalize.NormalizeNumber(number),
			Date:      date,
			Source:    Name,
			SourceURL: rec.Get(FieldSiteURL),
		},
		Tags:   rec.Tags,
		Source: Name,
	}, nil
}
