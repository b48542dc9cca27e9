package anilist

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"

	"release_notifier/internal/model"
	"release_notifier/internal/normalize"
	"release_notifier/internal/source"
)

const pageOne = `{
  "data": {
    "Page": {
      "pageInfo": {"currentPage": 1, "hasNextPage": true},
      "airingSchedules": [
        {
          "id": 901,
          "episode": 5,
          "airingAt": 1736499600,
          "media": {
            "id": 11,
            "siteUrl": "https://anilist.co/anime/11",
            "format": "TV",
            "isAdult": false,
            "genres": ["Action", "Comedy"],
            "title": {"romaji": "Example Show", "english": "Example Show: Reloaded", "native": null}
          }
        },
        {
          "id": 902,
          "episode": 1,
          "airingAt": 1736586000,
          "media": {
            "id": 12,
            "siteUrl": "https://anilist.co/anime/12",
            "format": "TV",
            "isAdult": true,
            "genres": [],
            "title": {"romaji": "Late Night", "english": null, "native": null}
          }
        }
      ]
    }
  }
}`

func newTestSource(t *testing.T, handler http.HandlerFunc) *Source {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	s := New(srv.Client(), Config{URL: srv.URL, PerPage: 2, LookbackDays: 1, LookaheadDays: 7})
	s.now = func() time.Time { return time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC) }
	return s
}

func TestFetch(t *testing.T) {
	var got request
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = io.WriteString(w, pageOne)
	})

	page, err := s.Fetch(context.Background(), "")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}

	wantVars := variables{Page: 1, PerPage: 2, From: 1736380800, To: 1737072000}
	if diff := cmp.Diff(wantVars, got.Variables); diff != "" {
		t.Errorf("variables mismatch (-want +got):\n%s", diff)
	}
	if page.Next != "2" {
		t.Errorf("next = %q, want 2", page.Next)
	}

	want := []model.RawRecord{
		{
			Source: Name,
			Fields: map[string]string{
				normalize.FieldGUID:  "901",
				normalize.FieldTitle: "Example Show",
				FieldTitleEnglish:    "Example Show: Reloaded",
				FieldTitleNative:     "",
				FieldEpisode:         "5",
				FieldAiringAt:        "1736499600",
				FieldSiteURL:         "https://anilist.co/anime/11",
				FieldFormat:          "TV",
			},
			Tags: []string{"Action", "Comedy"},
		},
		{
			Source: Name,
			Fields: map[string]string{
				normalize.FieldGUID:  "902",
				normalize.FieldTitle: "Late Night",
				FieldTitleEnglish:    "",
				FieldTitleNative:     "",
				FieldEpisode:         "1",
				FieldAiringAt:        "1736586000",
				FieldSiteURL:         "https://anilist.co/anime/12",
				FieldFormat:          "TV",
			},
			Tags: []string{AdultTag},
		},
	}
	if diff := cmp.Diff(want, page.Records); diff != "" {
		t.Errorf("records mismatch (-want +got):\n%s", diff)
	}
}

func TestFetchCursor(t *testing.T) {
	var got request
	s := newTestSource(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &got)
		_, _ = io.WriteString(w, `{"data":{"Page":{"pageInfo":{"currentPage":3,"hasNextPage":false},"airingSchedules":[]}}}`)
	})

	page, err := s.Fetch(context.Background(), "3")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if got.Variables.Page != 3 {
		t.Errorf("page = %d, want 3", got.Variables.Page)
	}
	if page.Next != "" {
		t.Errorf("next = %q, want last page", page.Next)
	}
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		cursor   string
		status   int
		body     string
		header   map[string]string
		wantKind source.Kind
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, header: map[string]string{"Retry-After": "2"}, wantKind: source.KindThrottled},
		{name: "server error", status: http.StatusInternalServerError, wantKind: source.KindTransient},
		{name: "bad request", status: http.StatusBadRequest, wantKind: source.KindPermanent},
		{name: "malformed body", status: http.StatusOK, body: "{not json", wantKind: source.KindPermanent},
		{name: "graphql error", status: http.StatusOK, body: `{"errors":[{"message":"Too Many Requests.","status":429}]}`, wantKind: source.KindThrottled},
		{name: "invalid cursor", cursor: "abc", status: http.StatusOK, wantKind: source.KindPermanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := s.Fetch(context.Background(), tt.cursor)
			if got := source.KindOf(err); got != tt.wantKind {
				t.Errorf("kind = %q (%v), want %q", got, err, tt.wantKind)
			}
		})
	}
}

func TestFetchRetryAfter(t *testing.T) {
	s := newTestSource(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "2")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := s.Fetch(context.Background(), "")
	var se *source.Error
	if !errors.As(err, &se) {
		t.Fatalf("got %T, want *source.Error", err)
	}
	if se.RetryAfter != 2*time.Second {
		t.Errorf("retry after = %v, want 2s", se.RetryAfter)
	}
}

func TestNormalize(t *testing.T) {
	s := New(nil, Config{})

	tests := []struct {
		name    string
		rec     model.RawRecord
		want    *model.Candidate
		wantErr bool
	}{
		{
			name: "airing episode",
			rec: model.RawRecord{
				Source: Name,
				Fields: map[string]string{
					normalize.FieldTitle: "Example Show",
					FieldTitleEnglish:    "Example Show: Reloaded",
					FieldEpisode:         "05",
					FieldAiringAt:        "1736499600",
					FieldSiteURL:         "https://anilist.co/anime/11",
				},
				Tags: []string{"Action"},
			},
			want: &model.Candidate{
				Work: model.WorkInfo{
					Title:        "Example Show",
					TitleEnglish: "Example Show: Reloaded",
					Category:     model.CategoryEpisodic,
					Homepage:     "https://anilist.co/anime/11",
				},
				Release: &model.ReleaseInfo{
					Kind:      model.UnitEpisode,
					Number:    "5",
					Date:      time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
					Source:    Name,
					SourceURL: "https://anilist.co/anime/11",
				},
				Tags:   []string{"Action"},
				Source: Name,
			},
		},
		{
			name: "english title fallback and unknown episode",
			rec: model.RawRecord{
				Source: Name,
				Fields: map[string]string{
					FieldTitleEnglish: "Only English",
					FieldEpisode:      "0",
					FieldAiringAt:     "1736499600",
				},
			},
			want: &model.Candidate{
				Work: model.WorkInfo{
					Title:        "Only English",
					TitleEnglish: "Only English",
					Category:     model.CategoryEpisodic,
				},
				Release: &model.ReleaseInfo{
					Kind:   model.UnitEpisode,
					Date:   time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC),
					Source: Name,
				},
				Source: Name,
			},
		},
		{
			name:    "no title",
			rec:     model.RawRecord{Fields: map[string]string{FieldAiringAt: "1736499600"}},
			wantErr: true,
		},
		{
			name:    "no airing time",
			rec:     model.RawRecord{Fields: map[string]string{normalize.FieldTitle: "Example Show"}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := s.Normalize(tt.rec)
			if tt.wantErr {
				if !errors.Is(err, normalize.ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("candidate mismatch (-want +got):\n%s", diff)
			}
		})
	}
}
