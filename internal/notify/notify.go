// Package notify delivers watcher events to the job owner by email and
// chat webhook.
package notify

import (
	"context"

	"github.com/cockroachdb/errors"

	"github.com/example/seatwatch/internal/logger"
)

type Kind string

const (
	KindOpening        Kind = "opening"
	KindEnrolled       Kind = "enrolled"
	KindGroupComplete  Kind = "group_complete"
	KindEnrollFailed   Kind = "enroll_failed"
	KindSessionExpired Kind = "session_expired"
)

type Message struct {
	Kind    Kind
	Subject string
	Body    string
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Nop drops every message. Used when a user has configured no channel.
type Nop struct{}

func (Nop) Send(context.Context, Message) error { return nil }

// Fanout sends each message to every channel. A failing channel does not
// stop the others; the failures are returned combined.
type Fanout struct {
	senders []Sender
	log     *logger.Logger
}

func NewFanout(log *logger.Logger, senders ...Sender) *Fanout {
	if log == nil {
		log = logger.Discard()
	}
	return &Fanout{senders: senders, log: log.Component("notify")}
}

func (f *Fanout) Send(ctx context.Context, msg Message) error {
	var combined error
	for _, s := range f.senders {
		if err := s.Send(ctx, msg); err != nil {
			f.log.WithError(err).WithField("kind", msg.Kind).Warn("notification channel failed")
			combined = errors.CombineErrors(combined, err)
		}
	}
	return combined
}
