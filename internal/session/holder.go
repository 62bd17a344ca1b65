package session

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
)

// ErrStale is returned when the held token is older than the allowed age.
var ErrStale = errors.New("session token is stale")

type Token struct {
	Value       string
	RefreshedAt time.Time
}

// Holder keeps the current session token for one job. The refresh loop is
// the only writer; the poll/enroll paths read an atomic snapshot.
type Holder struct {
	cur    atomic.Pointer[Token]
	maxAge time.Duration
	now    func() time.Time
}

func NewHolder(value string, refreshedAt time.Time, maxAge time.Duration, now func() time.Time) *Holder {
	if now == nil {
		now = time.Now
	}
	h := &Holder{maxAge: maxAge, now: now}
	h.cur.Store(&Token{Value: value, RefreshedAt: refreshedAt})
	return h
}

func (h *Holder) Load() Token {
	return *h.cur.Load()
}

func (h *Holder) Store(value string, refreshedAt time.Time) {
	h.cur.Store(&Token{Value: value, RefreshedAt: refreshedAt})
}

// Fresh returns the token if it was refreshed within maxAge.
func (h *Holder) Fresh() (Token, error) {
	t := h.Load()
	if h.maxAge <= 0 {
		return t, nil
	}
	age := h.now().Sub(t.RefreshedAt)
	if age > h.maxAge {
		return t, errors.WithDetailf(ErrStale, "age %s exceeds %s", age.Round(time.Second), h.maxAge)
	}
	return t, nil
}
