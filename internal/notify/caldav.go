package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ics "github.com/arran4/golang-ical"
)

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// CalDAV is the calendar channel: it PUTs one event per release into a
// CalDAV collection. Event UIDs derive from the release ID, so a repeated
// delivery overwrites the same event.
type CalDAV struct {
	client     HTTPClient
	collection string
	username   string
	password   string
	now        func() time.Time
}

// NewCalDAV creates the calendar channel for the collection URL.
func NewCalDAV(client HTTPClient, collection, username, password string) *CalDAV {
	return &CalDAV{
		client:     client,
		collection: strings.TrimRight(collection, "/"),
		username:   username,
		password:   password,
		now:        time.Now,
	}
}

// Name implements Channel.
func (c *CalDAV) Name() string { return "calendar" }

// EventUID returns the calendar UID of a release.
func EventUID(releaseID int64) string {
	return fmt.Sprintf("release-%d@release-notifier", releaseID)
}

// BuildEvent renders msg as an iCalendar document with a single event.
func BuildEvent(msg Message, uid string, stamp time.Time) string {
	cal := ics.NewCalendar()
	cal.SetMethod(ics.MethodPublish)
	cal.SetProductId("-//release-notifier//EN")

	ev := cal.AddEvent(uid)
	ev.SetDtStampTime(stamp)
	ev.SetStartAt(msg.Start)
	ev.SetEndAt(msg.Start.Add(msg.Duration))
	ev.SetSummary(msg.Subject)
	ev.SetDescription(msg.Body)
	if msg.Release.SourceURL != "" {
		ev.SetURL(msg.Release.SourceURL)
	}
	if msg.Reminder > 0 {
		alarm := ev.AddAlarm()
		alarm.SetAction(ics.ActionDisplay)
		alarm.SetTrigger(fmt.Sprintf("-PT%dM", int(msg.Reminder.Minutes())))
		alarm.SetDescription(msg.Subject)
	}
	return cal.Serialize()
}

// Deliver stores the release's event in the collection.
func (c *CalDAV) Deliver(ctx context.Context, msg Message) error {
	uid := EventUID(msg.Release.ID)
	body := BuildEvent(msg, uid, c.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.collection+"/"+uid+".ics", strings.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("build caldav request: %w", err))
	}
	req.Header.Set("Content-Type", "text/calendar; charset=utf-8")
	req.Header.Set("User-Agent", "ReleaseNotifier/1.0")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("caldav put: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		text, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("caldav returned %d: %s", resp.StatusCode, strings.TrimSpace(string(text)))
		if permanentStatus(resp.StatusCode) {
			return Permanent(err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// permanentStatus reports whether a 4xx response will not change on retry.
func permanentStatus(code int) bool {
	return code >= 400 && code < 500 && code != http.StatusRequestTimeout && code != http.StatusTooManyRequests
}
