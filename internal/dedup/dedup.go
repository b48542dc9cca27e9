// Package dedup collapses candidates that describe the same work or release
// before they reach the store.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"

	"release_notifier/internal/model"
	"release_notifier/internal/normalize"
)

// DefaultThreshold is the similarity at or above which two titles of the
// same category are treated as one work.
const DefaultThreshold = 0.88

// Store is the read side of the store used to match existing works.
type Store interface {
	WorksByCategory(ctx context.Context, c model.Category) ([]model.Work, error)
}

// Batch is the deduplicated form of a candidate list, ready for ingestion.
type Batch struct {
	Works []model.WorkBatch
	// Duplicates counts candidates merged into an identical release of the batch.
	Duplicates int
	// FuzzyMatches counts candidates attached to a work with a different title.
	FuzzyMatches int
}

// Releases returns the number of releases in the batch.
func (b Batch) Releases() int {
	var n int
	for _, w := range b.Works {
		n += len(w.Releases)
	}
	return n
}

// Deduplicator resolves candidates against stored works and each other.
// It is not safe for concurrent use; the pipeline calls it from its single
// writer loop.
type Deduplicator struct {
	store     Store
	threshold float64
	logger    *slog.Logger
}

// New creates a Deduplicator. A threshold outside (0, 1] falls back to
// DefaultThreshold.
func New(store Store, threshold float64, logger *slog.Logger) *Deduplicator {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Deduplicator{store: store, threshold: threshold, logger: logger}
}

// known is a work a candidate may attach to: stored, or new in this batch.
type known struct {
	title string
	keys  []string
	group int
	id    int64
}

type resolver struct {
	d        *Deduplicator
	known    map[model.Category][]*known
	loaded   map[model.Category]bool
	batch    Batch
	releases []map[model.ReleaseKey]int
}

// Resolve groups candidates by work and merges identical releases. Each
// candidate attaches to the work whose title key equals one of its titles;
// failing that, to the most similar work of its category at or above the
// threshold, the earliest created winning ties; failing that, to a new work.
// Releases with equal keys within a work are merged, filling empty fields.
func (d *Deduplicator) Resolve(ctx context.Context, candidates []model.Candidate) (Batch, error) {
	r := &resolver{
		d:      d,
		known:  make(map[model.Category][]*known),
		loaded: make(map[model.Category]bool),
	}
	for _, c := range candidates {
		if err := r.add(ctx, c); err != nil {
			return Batch{}, err
		}
	}
	return r.batch, nil
}

func (r *resolver) load(ctx context.Context, c model.Category) error {
	if r.loaded[c] {
		return nil
	}
	works, err := r.d.store.WorksByCategory(ctx, c)
	if err != nil {
		return fmt.Errorf("load %s works: %w", c, err)
	}
	for _, w := range works {
		r.known[c] = append(r.known[c], &known{title: w.Title, keys: titleKeys(w.Titles()...), group: -1, id: w.ID})
	}
	r.loaded[c] = true
	return nil
}

func (r *resolver) add(ctx context.Context, c model.Candidate) error {
	if err := r.load(ctx, c.Work.Category); err != nil {
		return err
	}

	keys := titleKeys(c.Work.Title, c.Work.TitleEnglish, c.Work.TitleNative)
	target, fuzzy := r.match(c.Work.Category, keys)
	if target == nil {
		target = &known{title: c.Work.Title, keys: keys, group: -1}
		r.known[c.Work.Category] = append(r.known[c.Work.Category], target)
	} else if fuzzy {
		r.batch.FuzzyMatches++
		r.d.logger.Debug("fuzzy work match", "title", c.Work.Title, "work_id", target.id)
	}

	if target.group < 0 {
		work := c.Work
		work.Title = target.title
		target.group = len(r.batch.Works)
		r.batch.Works = append(r.batch.Works, model.WorkBatch{WorkID: target.id, Work: work})
		r.releases = append(r.releases, make(map[model.ReleaseKey]int))
	} else {
		fillWork(&r.batch.Works[target.group].Work, c.Work)
	}
	// Titles seen in the batch become matchable for later candidates.
	target.keys = appendNew(target.keys, keys...)

	if c.Release == nil {
		return nil
	}
	wb := &r.batch.Works[target.group]
	key := releaseKey(*c.Release)
	if i, ok := r.releases[target.group][key]; ok {
		wb.Releases[i].FillFrom(*c.Release)
		r.batch.Duplicates++
		return nil
	}
	r.releases[target.group][key] = len(wb.Releases)
	wb.Releases = append(wb.Releases, *c.Release)
	return nil
}

// match returns the work a candidate with the given title keys attaches to,
// and whether the match was fuzzy. Works are scanned in creation order, so
// the first best match is the earliest created.
func (r *resolver) match(c model.Category, keys []string) (*known, bool) {
	works := r.known[c]
	for _, w := range works {
		for _, k := range keys {
			if contains(w.keys, k) {
				return w, false
			}
		}
	}

	var (
		best      *known
		bestScore float64
	)
	for _, w := range works {
		score := r.score(keys, w.keys)
		if score >= r.d.threshold && score > bestScore {
			best, bestScore = w, score
		}
	}
	return best, best != nil
}

func (r *resolver) score(a, b []string) float64 {
	var best float64
	for _, x := range a {
		for _, y := range b {
			if !withinBound(x, y, r.d.threshold) {
				continue
			}
			if s := similarity(x, y); s > best {
				best = s
			}
		}
	}
	return best
}

// Similarity returns 1 - editDistance/maxLength over the title keys of a
// and b, in [0, 1].
func Similarity(a, b string) float64 {
	return similarity(normalize.TitleKey(a), normalize.TitleKey(b))
}

func similarity(a, b string) float64 {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein.ComputeDistance(a, b))/float64(longest)
}

// withinBound reports whether the length difference alone still allows a
// similarity of at least threshold, so hopeless pairs skip the edit distance.
func withinBound(a, b string, threshold float64) bool {
	la, lb := utf8.RuneCountInString(a), utf8.RuneCountInString(b)
	longest := max(la, lb)
	if longest == 0 {
		return true
	}
	diff := la - lb
	if diff < 0 {
		diff = -diff
	}
	return 1-float64(diff)/float64(longest) >= threshold
}

func releaseKey(r model.ReleaseInfo) model.ReleaseKey {
	return model.ReleaseKey{
		Kind:    r.Kind,
		Number:  r.Number,
		Channel: r.Channel,
		Date:    r.Date.Format(model.DateLayout),
	}
}

func fillWork(dst *model.WorkInfo, src model.WorkInfo) {
	if dst.TitleEnglish == "" {
		dst.TitleEnglish = src.TitleEnglish
	}
	if dst.TitleNative == "" {
		dst.TitleNative = src.TitleNative
	}
	if dst.Homepage == "" {
		dst.Homepage = src.Homepage
	}
}

func titleKeys(titles ...string) []string {
	var keys []string
	for _, t := range titles {
		if k := normalize.TitleKey(t); k != "" {
			keys = appendNew(keys, k)
		}
	}
	return keys
}

func appendNew(dst []string, keys ...string) []string {
	for _, k := range keys {
		if !contains(dst, k) {
			dst = append(dst, k)
		}
	}
	return dst
}

func contains(keys []string, k string) bool {
	for _, x := range keys {
		if x == k {
			return true
		}
	}
	return false
}
