package jobs

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidConfig = errors.New("invalid job configuration")
)

// DefaultMinIntervalSec is the polling floor used when the caller does not set one.
const DefaultMinIntervalSec = 5

type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

type SectionGroup struct {
	Lecture     string   `json:"lecture"`
	Discussions []string `json:"discussions"`
}

type Course struct {
	Department string         `json:"department"`
	Code       string         `json:"course_code"`
	Groups     []SectionGroup `json:"sections"`
}

type Job struct {
	ID     uuid.UUID
	UserID uuid.UUID

	Term        string
	IntervalSec int
	Threshold   int
	Courses     []Course

	// SealedToken is the session token as ciphertext; only the vault can open it.
	SealedToken      string
	TokenRefreshedAt time.Time

	State       State
	Connected   bool
	LastCheckAt *time.Time
	LastError   *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Runtime is the status portion of a job, written by its worker.
type Runtime struct {
	Connected   bool
	LastCheckAt *time.Time
	LastError   *string
}

func (j Job) Policy() TriggerPolicy { return TriggerPolicy{Threshold: j.Threshold} }

func (j Job) Interval() time.Duration { return time.Duration(j.IntervalSec) * time.Second }

// Targets flattens the configured courses into one entry per section, in
// configuration order: each lecture followed by its discussions.
func (j Job) Targets() []Target {
	var out []Target
	for ci, c := range j.Courses {
		for gi, g := range c.Groups {
			out = append(out, Target{
				Department: c.Department,
				CourseCode: c.Code,
				Section:    g.Lecture,
				Kind:       KindLecture,
				Course:     ci,
				Group:      gi,
			})
			for _, d := range g.Discussions {
				out = append(out, Target{
					Department: c.Department,
					CourseCode: c.Code,
					Section:    d,
					Kind:       KindDiscussion,
					Course:     ci,
					Group:      gi,
				})
			}
		}
	}
	return out
}

// GroupMembers returns the section keys that must all be enrolled for the
// given group to count as satisfied.
func (j Job) GroupMembers(course, group int) []string {
	c := j.Courses[course]
	g := c.Groups[group]
	keys := []string{SectionKey(c.Department, c.Code, g.Lecture)}
	for _, d := range g.Discussions {
		keys = append(keys, SectionKey(c.Department, c.Code, d))
	}
	return keys
}

// Validate checks the configuration portion of the job. minInterval is the
// deployment's polling floor in seconds.
func (j Job) Validate(minInterval int) error {
	if minInterval < 1 {
		minInterval = DefaultMinIntervalSec
	}
	if strings.TrimSpace(j.Term) == "" {
		return invalid("term required")
	}
	if j.IntervalSec < minInterval {
		return invalid(fmt.Sprintf("polling interval must be >= %d seconds", minInterval))
	}
	if j.Threshold < 0 {
		return invalid("seat threshold must be >= 0")
	}
	if len(j.Courses) == 0 {
		return invalid("at least one course required")
	}
	seen := map[string]bool{}
	for _, c := range j.Courses {
		if strings.TrimSpace(c.Department) == "" || strings.TrimSpace(c.Code) == "" {
			return invalid("course department and code required")
		}
		if len(c.Groups) == 0 {
			return invalid(fmt.Sprintf("%s %s: at least one section group required", c.Department, c.Code))
		}
		for _, g := range c.Groups {
			if strings.TrimSpace(g.Lecture) == "" {
				return invalid(fmt.Sprintf("%s %s: lecture section required", c.Department, c.Code))
			}
			for _, s := range append([]string{g.Lecture}, g.Discussions...) {
				k := SectionKey(c.Department, c.Code, s)
				if seen[k] {
					return invalid(fmt.Sprintf("duplicate section %s", k))
				}
				seen[k] = true
			}
		}
	}
	return nil
}

// Normalize upper-cases identifiers and trims whitespace so that section
// keys are stable regardless of how the user typed them.
func (j *Job) Normalize() {
	j.Term = strings.ToUpper(strings.TrimSpace(j.Term))
	for ci := range j.Courses {
		c := &j.Courses[ci]
		c.Department = strings.ToUpper(strings.TrimSpace(c.Department))
		c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
		for gi := range c.Groups {
			g := &c.Groups[gi]
			g.Lecture = strings.ToUpper(strings.TrimSpace(g.Lecture))
			var ds []string
			for _, d := range g.Discussions {
				d = strings.ToUpper(strings.TrimSpace(d))
				if d != "" {
					ds = append(ds, d)
				}
			}
			g.Discussions = ds
		}
	}
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, msg)
}
