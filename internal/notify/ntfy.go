package notify

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Ntfy is a push channel posting to an ntfy topic URL. It is best-effort by
// default.
type Ntfy struct {
	client   HTTPClient
	endpoint string
}

// NewNtfy creates a push channel for the topic URL.
func NewNtfy(client HTTPClient, topic string) *Ntfy {
	return &Ntfy{client: client, endpoint: strings.TrimSpace(topic)}
}

// Name implements Channel.
func (n *Ntfy) Name() string { return "ntfy" }

// Deliver posts the release to the topic.
func (n *Ntfy) Deliver(ctx context.Context, msg Message) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(msg.Body))
	if err != nil {
		return Permanent(fmt.Errorf("build ntfy request: %w", err))
	}
	req.Header.Set("User-Agent", "ReleaseNotifier/1.0")
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	req.Header.Set("Title", msg.Subject)
	req.Header.Set("Tags", strings.Join([]string{"release", string(msg.Release.Kind)}, ","))
	if msg.Release.SourceURL != "" {
		req.Header.Set("Click", msg.Release.SourceURL)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		if permanentStatus(resp.StatusCode) {
			return Permanent(err)
		}
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
