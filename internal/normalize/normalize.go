// Package normalize maps heterogeneous source records into candidates.
package normalize

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"release_notifier/internal/model"
)

// ErrMalformed is returned for records that cannot be mapped to a candidate.
var ErrMalformed = errors.New("malformed record")

// Field names shared by source adapters when building raw records.
const (
	FieldTitle       = "title"
	FieldLink        = "link"
	FieldPublished   = "published"
	FieldUpdated     = "updated"
	FieldCategory    = "category"
	FieldChannel     = "channel"
	FieldDescription = "description"
	FieldGUID        = "guid"
)

// TitleKey returns a comparison key for a title: NFKC-normalised, case-folded,
// letters and digits only, single spaces.
func TitleKey(s string) string {
	s = norm.NFKC.String(s)
	s = cases.Fold().String(s)

	var b strings.Builder
	b.Grow(len(s))
	prevSpace := true
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
			prevSpace = false
			continue
		}
		if !prevSpace {
			b.WriteRune(' ')
			prevSpace = true
		}
	}
	return strings.TrimSpace(b.String())
}

// CleanTitle collapses whitespace and strips release-group prefixes and
// trailing bracketed tags such as "[1080p]".
func CleanTitle(s string) string {
	s = strings.TrimSpace(s)
	for {
		loc := leadingTagRe.FindStringIndex(s)
		if loc == nil {
			break
		}
		s = strings.TrimSpace(s[loc[1]:])
	}
	s = trailingTagRe.ReplaceAllString(s, "")
	return strings.Join(strings.Fields(s), " ")
}

var (
	leadingTagRe  = regexp.MustCompile(`^\[[^\]]*\]`)
	trailingTagRe = regexp.MustCompile(`(\s*[\[(][^\])]*[\])])+\s*$`)

	volumeRe  = regexp.MustCompile(`(?i)^(.+?)[\s,:\-–—]*\bvol(?:ume)?\.?\s*(\d+(?:\.\d+)?)\b`)
	episodeRe = regexp.MustCompile(`(?i)^(.+?)[\s,:\-–—]*(?:\b(?:episode|ep)\.?\s*|#)(\d+(?:\.\d+)?)\b`)
	dashRe    = regexp.MustCompile(`^(.+?)\s+[-–—]\s+(\d+(?:\.\d+)?)(?:v\d)?(?:\s|$)`)
)

// Unit is a unit designation parsed out of a title.
type Unit struct {
	Title  string
	Kind   model.UnitKind
	Number string
}

// ParseUnit splits a release title such as "Example Show - 05" or
// "Printed Title Vol. 3" into the work title and unit. ok is false when the
// title carries no recognisable unit.
func ParseUnit(title string) (Unit, bool) {
	title = CleanTitle(title)

	if m := volumeRe.FindStringSubmatch(title); m != nil {
		return Unit{Title: trimTitle(m[1]), Kind: model.UnitVolume, Number: NormalizeNumber(m[2])}, true
	}
	if m := episodeRe.FindStringSubmatch(title); m != nil {
		return Unit{Title: trimTitle(m[1]), Kind: model.UnitEpisode, Number: NormalizeNumber(m[2])}, true
	}
	if m := dashRe.FindStringSubmatch(title); m != nil {
		return Unit{Title: trimTitle(m[1]), Kind: model.UnitEpisode, Number: NormalizeNumber(m[2])}, true
	}
	return Unit{Title: title}, false
}

func trimTitle(s string) string {
	return strings.TrimSpace(strings.TrimRight(strings.TrimSpace(s), ",:-–—"))
}

// NormalizeNumber strips leading zeros from the integer part of a unit number.
// Non-numeric tokens are returned trimmed and unchanged.
func NormalizeNumber(s string) string {
	s = strings.TrimSpace(s)
	intPart, frac, hasFrac := strings.Cut(s, ".")
	n, err := strconv.Atoi(intPart)
	if err != nil {
		return s
	}
	if hasFrac {
		return strconv.Itoa(n) + "." + frac
	}
	return strconv.Itoa(n)
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	time.RFC822Z,
	time.RFC822,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	model.DateLayout,
	"2006/01/02",
}

// ParseDate parses the date formats seen across sources, including unix
// seconds. The result is the UTC calendar date at midnight.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty date: %w", ErrMalformed)
	}
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		return DateOf(time.Unix(secs, 0)), nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return DateOf(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised date %q: %w", s, ErrMalformed)
}

// DateOf truncates t to its UTC calendar date.
func DateOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// FeedItem maps a syndication item into a candidate. Items without a date
// yield a work-only candidate.
func FeedItem(rec model.RawRecord) (*model.Candidate, error) {
	raw := rec.Get(FieldTitle)
	if raw == "" {
		return nil, fmt.Errorf("feed item without title: %w", ErrMalformed)
	}
	category := model.Category(rec.Get(FieldCategory))
	if !category.Valid() {
		return nil, fmt.Errorf("feed item %q: category %q: %w", raw, category, ErrMalformed)
	}

	unit, hasUnit := ParseUnit(raw)
	if unit.Title == "" {
		return nil, fmt.Errorf("feed item %q: empty work title: %w", raw, ErrMalformed)
	}

	c := &model.Candidate{
		Work:   model.WorkInfo{Title: unit.Title, Category: category},
		Tags:   rec.Tags,
		Source: rec.Source,
	}

	published := rec.Get(FieldPublished)
	if published == "" {
		published = rec.Get(FieldUpdated)
	}
	if published == "" {
		return c, nil
	}
	d, err := ParseDate(published)
	if err != nil {
		return nil, fmt.Errorf("feed item %q: %w", raw, err)
	}

	kind := model.UnitKindFor(category)
	if hasUnit {
		kind = unit.Kind
	}
	c.Release = &model.ReleaseInfo{
		Kind:      kind,
		Number:    unit.Number,
		Channel:   rec.Get(FieldChannel),
		Date:      d,
		Source:    rec.Source,
		SourceURL: rec.Get(FieldLink),
	}
	return c, nil
}
