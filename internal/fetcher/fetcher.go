// Package fetcher downloads syndication feeds and turns their items into raw
// records for the pipeline.
package fetcher

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mmcdole/gofeed"

	"release_notifier/internal/model"
	"release_notifier/internal/normalize"
	"release_notifier/internal/source"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Feed is one configured syndication feed.
type Feed struct {
	Name     string
	URL      string
	Category model.Category
	// Channel is the distribution channel recorded on the feed's releases.
	Channel string
	// Tags are added to every item of the feed.
	Tags []string
}

// SourceName is the source name recorded on a feed's records.
func (f Feed) SourceName() string {
	return "feed:" + f.Name
}

// Fetcher downloads and parses feeds.
type Fetcher struct {
	client HTTPClient
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch downloads and parses a feed. Non-2xx responses are classified with
// source.StatusError and unparsable documents are permanent errors.
func (f *Fetcher) Fetch(ctx context.Context, url string) (*gofeed.Feed, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, source.Permanent(url, fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("User-Agent", "ReleaseNotifier/1.0")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, source.StatusError(url, resp)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 5*1024*1024))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}

	parser := gofeed.NewParser()
	feed, err := parser.ParseString(string(body))
	if err != nil {
		return nil, source.Permanent(url, fmt.Errorf("parse feed: %w", err))
	}
	return feed, nil
}

// ItemGUID returns the GUID for a feed item.
// If the item has no GUID, a SHA-256 hash of title+link is used.
func ItemGUID(item *gofeed.Item) string {
	if item.GUID != "" {
		return item.GUID
	}
	h := sha256.Sum256([]byte(item.Title + "|" + item.Link))
	return fmt.Sprintf("sha256:%x", h[:16])
}

// Records converts the items of a parsed feed into raw records carrying the
// feed's category, channel and tags.
func Records(feed Feed, parsed *gofeed.Feed) []model.RawRecord {
	if parsed == nil {
		return nil
	}
	records := make([]model.RawRecord, 0, len(parsed.Items))
	for _, item := range parsed.Items {
		desc := item.Description
		if len(desc) > 300 {
			desc = desc[:300] + "..."
		}
		tags := make([]string, 0, len(feed.Tags)+len(item.Categories))
		tags = append(tags, feed.Tags...)
		tags = append(tags, item.Categories...)

		records = append(records, model.RawRecord{
			Source: feed.SourceName(),
			Fields: map[string]string{
				normalize.FieldTitle:       item.Title,
				normalize.FieldLink:        item.Link,
				normalize.FieldPublished:   itemTime(item.PublishedParsed, item.Published),
				normalize.FieldUpdated:     itemTime(item.UpdatedParsed, item.Updated),
				normalize.FieldCategory:    string(feed.Category),
				normalize.FieldChannel:     feed.Channel,
				normalize.FieldDescription: desc,
				normalize.FieldGUID:        ItemGUID(item),
			},
			Tags: tags,
		})
	}
	return records
}

func itemTime(parsed *time.Time, raw string) string {
	if parsed != nil {
		return parsed.Format(time.RFC3339)
	}
	return raw
}
