package notify

import (
	"fmt"
	"strings"

	"release_notifier/internal/model"
)

// FormatSubject returns a one-line description of a release, such as
// "Example Show - Episode 5".
func FormatSubject(r model.Release) string {
	unit := "Episode"
	if r.Kind == model.UnitVolume {
		unit = "Volume"
	}
	if r.Number == "" {
		return fmt.Sprintf("%s - new %s", r.WorkTitle, strings.ToLower(unit))
	}
	return fmt.Sprintf("%s - %s %s", r.WorkTitle, unit, r.Number)
}

// FormatBody returns the message text of a release.
func FormatBody(r model.Release) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Release date: %s", r.Date.Format(model.DateLayout))
	if r.Channel != "" {
		fmt.Fprintf(&b, "\nWhere: %s", r.Channel)
	}
	if r.Source != "" {
		fmt.Fprintf(&b, "\nSource: %s", r.Source)
	}
	if r.SourceURL != "" {
		b.WriteString("\n\n")
		b.WriteString(r.SourceURL)
	}
	return b.String()
}

// FormatNotification formats a message as chat text.
func FormatNotification(msg Message) string {
	var b strings.Builder
	label := msg.Release.Channel
	if label == "" {
		label = string(msg.Release.Kind)
	}
	fmt.Fprintf(&b, "[%s]\n\n", label)
	b.WriteString(msg.Subject)
	if msg.Body != "" {
		b.WriteString("\n\n")
		b.WriteString(msg.Body)
	}
	return b.String()
}
