package webreg

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// SectionRef identifies one section of a course in a term. ID is the
// registration system's internal section number; it is filled in from a
// SeatCount before enrolling.
type SectionRef struct {
	Department string
	CourseCode string
	Section    string
	ID         string
}

func (r SectionRef) String() string {
	return fmt.Sprintf("%s %s %s", r.Department, r.CourseCode, r.Section)
}

type SeatCount struct {
	SectionID string
	Section   string
	Available int
	Total     int
	Enrolled  int
	Waitlist  int
}

var (
	ErrTransport   = errors.New("webreg: transport failure")
	ErrRateLimited = errors.New("webreg: rate limited")
	ErrAuth        = errors.New("webreg: session expired or invalid")
	ErrNotFound    = errors.New("webreg: section not found")
)

type Reason string

const (
	ReasonFull        Reason = "full"
	ReasonRequisite   Reason = "requisite_not_met"
	ReasonConflict    Reason = "time_conflict"
	ReasonUnitCap     Reason = "unit_cap_exceeded"
	ReasonUnspecified Reason = "rejected"
)

// RejectionError is a business-rule refusal from the registration system.
// Retrying cannot change the outcome.
type RejectionError struct {
	Reason  Reason
	Message string
}

func (e *RejectionError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("enrollment rejected (%s)", e.Reason)
	}
	return fmt.Sprintf("enrollment rejected (%s): %s", e.Reason, e.Message)
}

func classifyReason(msg string) Reason {
	m := strings.ToLower(msg)
	switch {
	case strings.Contains(m, "conflict"):
		return ReasonConflict
	case strings.Contains(m, "requisite"):
		return ReasonRequisite
	case strings.Contains(m, "unit"):
		return ReasonUnitCap
	case strings.Contains(m, "full"), strings.Contains(m, "no seats"), strings.Contains(m, "capacity"):
		return ReasonFull
	default:
		return ReasonUnspecified
	}
}

// IsRetryable reports whether repeating the same request may succeed.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var rej *RejectionError
	if errors.As(err, &rej) {
		return false
	}
	return errors.Is(err, ErrTransport) ||
		errors.Is(err, ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded)
}

func IsAuth(err error) bool { return errors.Is(err, ErrAuth) }

// Detail returns the message the registration system gave for err, falling
// back to err's own text.
func Detail(err error) string {
	var rej *RejectionError
	if errors.As(err, &rej) && rej.Message != "" {
		return rej.Message
	}
	return err.Error()
}
