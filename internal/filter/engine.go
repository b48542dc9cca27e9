// Package filter implements the content deny-list applied to candidates.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"release_notifier/internal/model"
)

// Policy is a deny-list. Keywords match as case-insensitive substrings of any
// title, Tags match candidate tags exactly (case-insensitive), Categories
// match the work category and Patterns are case-insensitive regular
// expressions over any title.
type Policy struct {
	Keywords   []string
	Tags       []string
	Categories []string
	Patterns   []string
}

// Engine is a compiled Policy. It is stateless and safe for concurrent use.
type Engine struct {
	keywords   []string
	tags       map[string]bool
	categories map[model.Category]bool
	patterns   []*regexp.Regexp
}

// New compiles a deny-list policy.
func New(p Policy) (*Engine, error) {
	e := &Engine{
		tags:       make(map[string]bool),
		categories: make(map[model.Category]bool),
	}
	for _, k := range p.Keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			e.keywords = append(e.keywords, k)
		}
	}
	for _, t := range p.Tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t != "" {
			e.tags[t] = true
		}
	}
	for _, c := range p.Categories {
		e.categories[model.Category(strings.ToLower(strings.TrimSpace(c)))] = true
	}
	for _, pat := range p.Patterns {
		if err := ValidateRegex(pat); err != nil {
			return nil, fmt.Errorf("pattern %q: %w", pat, err)
		}
		e.patterns = append(e.patterns, regexp.MustCompile("(?i)"+pat))
	}
	return e, nil
}

// Check reports whether a candidate is allowed. When it is not, reason names
// the deny-list entry that matched.
func (e *Engine) Check(c model.Candidate) (allowed bool, reason string) {
	if e.categories[c.Work.Category] {
		return false, "category:" + string(c.Work.Category)
	}

	for _, tag := range c.Tags {
		if e.tags[strings.ToLower(strings.TrimSpace(tag))] {
			return false, "tag:" + tag
		}
	}

	for _, title := range titles(c.Work) {
		lower := strings.ToLower(title)
		for _, k := range e.keywords {
			if strings.Contains(lower, k) {
				return false, "keyword:" + k
			}
		}
		for _, re := range e.patterns {
			if re.MatchString(title) {
				return false, "pattern:" + re.String()[4:]
			}
		}
	}
	return true, ""
}

func titles(w model.WorkInfo) []string {
	out := make([]string, 0, 3)
	for _, t := range []string{w.Title, w.TitleEnglish, w.TitleNative} {
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ValidateRegex checks whether a pattern is a valid regular expression.
func ValidateRegex(pattern string) error {
	_, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return fmt.Errorf("invalid regex: %w", err)
	}
	return nil
}
