package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

const DefaultFromName = "Seat Watch"

type sendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends plain-text mail through an authenticated SMTP relay (an app
// password on a Gmail account in the common setup).
type Email struct {
	Host       string
	Port       int
	Username   string
	Password   string
	Recipients []string
	FromName   string

	now      func() time.Time
	sendMail sendMailFunc
}

func NewEmail(host string, port int, username, password string, recipients []string) *Email {
	return &Email{
		Host:       host,
		Port:       port,
		Username:   username,
		Password:   password,
		Recipients: recipients,
		FromName:   DefaultFromName,
		now:        time.Now,
		sendMail:   smtp.SendMail,
	}
}

func (e *Email) Send(ctx context.Context, msg Message) error {
	if len(e.Recipients) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	addr := net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
	auth := smtp.PlainAuth("", e.Username, e.Password, e.Host)

	var combined error
	for _, to := range e.Recipients {
		// One message per recipient so addresses are not disclosed to each other.
		if err := e.sendMail(addr, auth, e.Username, []string{to}, e.render(to, msg)); err != nil {
			combined = errors.CombineErrors(combined, errors.Wrapf(err, "email to %s", to))
		}
	}
	return combined
}

func (e *Email) render(to string, msg Message) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s <%s>\r\n", e.FromName, e.Username)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=UTF-8\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	b.WriteString("\r\n")
	return []byte(b.String())
}
