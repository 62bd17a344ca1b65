// Package stats accumulates per-job monitoring counters.
//
// A Stats value is written only by the worker that owns the job and may be
// read from any goroutine through Snapshot. Counters never decrease.
package stats

import (
	"sync"
	"time"
)

type Snapshot struct {
	TotalChecks           uint64               `json:"total_checks"`
	OpeningsFound         uint64               `json:"openings_found"`
	EnrollmentAttempts    uint64               `json:"enrollment_attempts"`
	SuccessfulEnrollments uint64               `json:"successful_enrollments"`
	Errors                uint64               `json:"errors"`
	NotificationFailures  uint64               `json:"notification_failures"`
	SectionFailures       map[string]uint64    `json:"section_failures"`
	EnrolledSections      map[string]time.Time `json:"enrolled_sections"`
	StartTime             time.Time            `json:"start_time"`
	LastUpdated           time.Time            `json:"last_updated"`
}

// SuccessRate is successful enrollments over attempts, as a percentage.
func (s Snapshot) SuccessRate() float64 {
	if s.EnrollmentAttempts == 0 {
		return 0
	}
	return float64(s.SuccessfulEnrollments) / float64(s.EnrollmentAttempts) * 100
}

type Stats struct {
	mu  sync.RWMutex
	s   Snapshot
	now func() time.Time
}

func New(now func() time.Time) *Stats {
	if now == nil {
		now = time.Now
	}
	t := now().UTC()
	return &Stats{
		s: Snapshot{
			SectionFailures:  map[string]uint64{},
			EnrolledSections: map[string]time.Time{},
			StartTime:        t,
			LastUpdated:      t,
		},
		now: now,
	}
}

// Restore rebuilds a Stats from a persisted snapshot.
func Restore(snap Snapshot, now func() time.Time) *Stats {
	st := New(now)
	st.s = snap.Clone()
	if st.s.StartTime.IsZero() {
		st.s.StartTime = st.now().UTC()
	}
	return st
}

func (st *Stats) Snapshot() Snapshot {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.Clone()
}

func (st *Stats) RecordCheck() {
	st.update(func(s *Snapshot) { s.TotalChecks++ })
}

func (st *Stats) RecordOpening() {
	st.update(func(s *Snapshot) { s.OpeningsFound++ })
}

func (st *Stats) RecordAttempt() {
	st.update(func(s *Snapshot) { s.EnrollmentAttempts++ })
}

func (st *Stats) RecordSuccess(section string) {
	st.update(func(s *Snapshot) {
		s.SuccessfulEnrollments++
		if _, ok := s.EnrolledSections[section]; !ok {
			s.EnrolledSections[section] = st.now().UTC()
		}
	})
}

func (st *Stats) RecordError() {
	st.update(func(s *Snapshot) { s.Errors++ })
}

// RecordSectionFailure counts a failed check or enrollment for one section.
func (st *Stats) RecordSectionFailure(section string) {
	st.update(func(s *Snapshot) {
		s.Errors++
		s.SectionFailures[section]++
	})
}

func (st *Stats) RecordNotificationFailure() {
	st.update(func(s *Snapshot) { s.NotificationFailures++ })
}

func (st *Stats) Enrolled(section string) bool {
	st.mu.RLock()
	defer st.mu.RUnlock()
	_, ok := st.s.EnrolledSections[section]
	return ok
}

func (st *Stats) update(fn func(*Snapshot)) {
	st.mu.Lock()
	defer st.mu.Unlock()
	fn(&st.s)
	st.s.LastUpdated = st.now().UTC()
}

// Clone returns a copy that shares no maps with s.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.SectionFailures = make(map[string]uint64, len(s.SectionFailures))
	for k, v := range s.SectionFailures {
		out.SectionFailures[k] = v
	}
	out.EnrolledSections = make(map[string]time.Time, len(s.EnrolledSections))
	for k, v := range s.EnrolledSections {
		out.EnrolledSections[k] = v
	}
	return out
}
