package filter

import (
	"testing"

	"github.com/google/go-cmp/cmp"

	"release_notifier/internal/model"
)

func TestCheck(t *testing.T) {
	show := model.Candidate{
		Work: model.WorkInfo{Title: "Example Show", TitleEnglish: "Example Show: Reloaded", Category: model.CategoryEpisodic},
		Tags: []string{"Action", "Comedy"},
	}

	tests := []struct {
		name       string
		policy     Policy
		candidate  model.Candidate
		wantOK     bool
		wantReason string
	}{
		{
			name:      "empty policy passes everything",
			candidate: show,
			wantOK:    true,
		},
		{
			name:       "keyword substring is case insensitive",
			policy:     Policy{Keywords: []string{"EXAMPLE"}},
			candidate:  show,
			wantReason: "keyword:example",
		},
		{
			name:       "keyword matches localized title",
			policy:     Policy{Keywords: []string{"reloaded"}},
			candidate:  show,
			wantReason: "keyword:reloaded",
		},
		{
			name:      "keyword does not block non-match",
			policy:    Policy{Keywords: []string{"vacancy"}},
			candidate: show,
			wantOK:    true,
		},
		{
			name:       "exact tag match",
			policy:     Policy{Tags: []string{"comedy"}},
			candidate:  show,
			wantReason: "tag:Comedy",
		},
		{
			name:      "tag requires exact match",
			policy:    Policy{Tags: []string{"come"}},
			candidate: show,
			wantOK:    true,
		},
		{
			name:       "category deny",
			policy:     Policy{Categories: []string{"Episodic"}},
			candidate:  show,
			wantReason: "category:episodic",
		},
		{
			name:       "regex pattern",
			policy:     Policy{Patterns: []string{`show:\s+re`}},
			candidate:  show,
			wantReason: `pattern:show:\s+re`,
		},
		{
			name:      "blank entries are ignored",
			policy:    Policy{Keywords: []string{"  "}, Tags: []string{""}},
			candidate: show,
			wantOK:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, err := New(tt.policy)
			if err != nil {
				t.Fatalf("new: %v", err)
			}
			ok, reason := e.Check(tt.candidate)
			if ok != tt.wantOK {
				t.Errorf("allowed = %v, want %v", ok, tt.wantOK)
			}
			if diff := cmp.Diff(tt.wantReason, reason); diff != "" {
				t.Errorf("reason mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewRejectsInvalidPattern(t *testing.T) {
	if _, err := New(Policy{Patterns: []string{"[unclosed"}}); err == nil {
		t.Fatal("expected error for invalid regex")
	}
}

func TestValidateRegex(t *testing.T) {
	tests := []struct {
		pattern string
		wantErr bool
	}{
		{pattern: "vol(ume)?", wantErr: false},
		{pattern: "(", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			err := ValidateRegex(tt.pattern)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateRegex(%q) error = %v, wantErr %v", tt.pattern, err, tt.wantErr)
			}
		})
	}
}
