package notify

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"
)

const (
	DefaultWebhookUsername = "Seat Watch"
	defaultWebhookTimeout  = 10 * time.Second
)

type webhookPayload struct {
	Content   string `json:"content"`
	Username  string `json:"username"`
	AvatarURL string `json:"avatar_url,omitempty"`
}

// Webhook posts to a Discord-compatible incoming webhook.
type Webhook struct {
	url       string
	username  string
	avatarURL string
	hc        *resty.Client
}

func NewWebhook(url string, timeout time.Duration) *Webhook {
	if timeout <= 0 {
		timeout = defaultWebhookTimeout
	}
	return &Webhook{
		url:      url,
		username: DefaultWebhookUsername,
		hc:       resty.New().SetTimeout(timeout),
	}
}

func (w *Webhook) WithAvatar(url string) *Webhook {
	w.avatarURL = url
	return w
}

func (w *Webhook) Send(ctx context.Context, msg Message) error {
	content := msg.Body
	if msg.Subject != "" {
		content = "**" + msg.Subject + "**\n" + msg.Body
	}
	resp, err := w.hc.R().
		SetContext(ctx).
		SetHeader("content-type", "application/json").
		SetBody(webhookPayload{Content: content, Username: w.username, AvatarURL: w.avatarURL}).
		Post(w.url)
	if err != nil {
		return errors.Wrap(err, "post webhook")
	}
	if resp.IsError() {
		return errors.Newf("webhook rejected message (status=%d)", resp.StatusCode())
	}
	return nil
}
