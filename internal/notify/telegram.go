package notify

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

type telegramAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram is the message channel: it sends one chat message per release.
type Telegram struct {
	chatID   int64
	token    string
	client   tgbotapi.HTTPClient
	endpoint string

	api telegramAPI // fixed API for tests; nil builds a context-bound bot per delivery
}

// NewTelegram creates the message channel for chatID. It does not call
// getMe: a bad token surfaces as a permanent delivery error.
func NewTelegram(token string, chatID int64, client tgbotapi.HTTPClient) *Telegram {
	if client == nil {
		client = http.DefaultClient
	}
	return &Telegram{
		chatID:   chatID,
		token:    token,
		client:   client,
		endpoint: tgbotapi.APIEndpoint,
	}
}

// bot returns an API whose HTTP requests carry ctx, so cancellation and
// deadlines abort an in-flight send.
func (t *Telegram) bot(ctx context.Context) telegramAPI {
	if t.api != nil {
		return t.api
	}
	api := &tgbotapi.BotAPI{
		Token:  t.token,
		Client: contextClient{ctx: ctx, client: t.client},
		Buffer: 100,
	}
	api.SetAPIEndpoint(t.endpoint)
	return api
}

// contextClient attaches ctx to every request; BotAPI has no context-aware
// calls of its own.
type contextClient struct {
	ctx    context.Context
	client tgbotapi.HTTPClient
}

func (c contextClient) Do(req *http.Request) (*http.Response, error) {
	return c.client.Do(req.WithContext(c.ctx))
}

// Name implements Channel.
func (t *Telegram) Name() string { return "telegram" }

// Deliver sends the release as a chat message. Telegram rejections of the
// request itself (bad chat, bad token, bot blocked) are permanent.
func (t *Telegram) Deliver(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	m := tgbotapi.NewMessage(t.chatID, FormatNotification(msg))
	m.DisableWebPagePreview = true
	if _, err := t.bot(ctx).Send(m); err != nil {
		return classifyTelegram(err)
	}
	return nil
}

func classifyTelegram(err error) error {
	var tgErr *tgbotapi.Error
	if !errors.As(err, &tgErr) {
		return fmt.Errorf("telegram send: %w", err)
	}
	switch tgErr.Code {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return Permanent(fmt.Errorf("telegram send (%d): %w", tgErr.Code, err))
	default:
		return fmt.Errorf("telegram send (%d): %w", tgErr.Code, err)
	}
}
