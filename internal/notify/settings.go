package notify

import (
	"net/mail"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/logger"
)

var ErrInvalidSettings = errors.New("invalid notification settings")

// Settings are a user's delivery channels. The SMTP password is stored
// sealed; callers open it before building senders.
type Settings struct {
	UserID         uuid.UUID `json:"-"`
	SMTPUsername   string    `json:"smtp_username"`
	SealedPassword string    `json:"-"`
	HasPassword    bool      `json:"has_password"`
	Recipients     []string  `json:"recipients"`
	WebhookURL     string    `json:"webhook_url"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Input is what a user submits. An empty Password keeps the stored one.
type Input struct {
	SMTPUsername string   `json:"smtp_username"`
	Password     string   `json:"password"`
	Recipients   []string `json:"recipients"`
	WebhookURL   string   `json:"webhook_url"`
}

func (in *Input) Normalize() {
	in.SMTPUsername = strings.TrimSpace(in.SMTPUsername)
	in.WebhookURL = strings.TrimSpace(in.WebhookURL)
	out := in.Recipients[:0]
	for _, r := range in.Recipients {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	in.Recipients = out
}

func (in Input) Validate() error {
	for _, r := range in.Recipients {
		if _, err := mail.ParseAddress(r); err != nil {
			return errors.Wrapf(ErrInvalidSettings, "recipient %q", r)
		}
	}
	if len(in.Recipients) > 0 && in.SMTPUsername == "" {
		return errors.Wrap(ErrInvalidSettings, "smtp username required when recipients are set")
	}
	if in.WebhookURL != "" && !strings.HasPrefix(in.WebhookURL, "https://") && !strings.HasPrefix(in.WebhookURL, "http://") {
		return errors.Wrapf(ErrInvalidSettings, "webhook url %q", in.WebhookURL)
	}
	return nil
}

// Delivery holds process-wide transport settings shared by all users.
type Delivery struct {
	SMTPHost       string
	SMTPPort       int
	WebhookTimeout time.Duration
	// WebhookAvatarURL is shown next to webhook posts when set.
	WebhookAvatarURL string
}

// Build returns a sender for the channels s enables. password is the opened
// SMTP password.
func (d Delivery) Build(s Settings, password string, log *logger.Logger) Sender {
	var senders []Sender
	if len(s.Recipients) > 0 && s.SMTPUsername != "" && password != "" {
		senders = append(senders, NewEmail(d.SMTPHost, d.SMTPPort, s.SMTPUsername, password, s.Recipients))
	}
	if s.WebhookURL != "" {
		senders = append(senders, NewWebhook(s.WebhookURL, d.WebhookTimeout).WithAvatar(d.WebhookAvatarURL))
	}
	if len(senders) == 0 {
		return Nop{}
	}
	return NewFanout(log, senders...)
}
