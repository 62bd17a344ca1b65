package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/session"
	"github.com/example/seatwatch/internal/webreg"
)

const lecture = "CSE 100 A00"
const discussion = "CSE 100 A01"

func TestCycleStaleFirstReadNeverEnrolls(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 2, 0)
	w := newTestWorker(t, lectureOnly(0), fake)

	w.runCycle(context.Background())

	s := w.stats.Snapshot()
	assert.Equal(t, uint64(1), s.TotalChecks)
	assert.Equal(t, uint64(1), s.OpeningsFound)
	assert.Zero(t, s.EnrollmentAttempts)
	assert.Empty(t, fake.enrollCalls())
	assert.Equal(t, 2, fake.checkCount(lecture))
	assert.Empty(t, w.sent.kinds())
}

func TestCycleExcludeThreshold(t *testing.T) {
	fake := newFakeRegistrar()
	// One entry per read: cycles see 0, 2 (confirmed), 4, 1 (confirmed).
	fake.script(lecture, 0, 2, 2, 4, 1, 1)
	fake.enrollFn = func(context.Context, webreg.SectionRef) error {
		return &webreg.RejectionError{Reason: webreg.ReasonFull, Message: "Section is full"}
	}
	w := newTestWorker(t, lectureOnly(3), fake)

	var fired []uint64
	for i := 0; i < 4; i++ {
		before := w.stats.Snapshot().OpeningsFound
		w.runCycle(context.Background())
		fired = append(fired, w.stats.Snapshot().OpeningsFound-before)
	}

	assert.Equal(t, []uint64{0, 1, 0, 1}, fired)
	s := w.stats.Snapshot()
	assert.Equal(t, uint64(4), s.TotalChecks)
	assert.Equal(t, uint64(2), s.EnrollmentAttempts)
	assert.Len(t, fake.enrollCalls(), 2)
}

func TestCycleIncludeModeFiresOnAnySeat(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 150, 150)
	w := newTestWorker(t, lectureOnly(0), fake)

	w.runCycle(context.Background())

	assert.Equal(t, []string{lecture}, fake.enrollCalls())
	assert.Equal(t, []notify.Kind{notify.KindOpening, notify.KindEnrolled, notify.KindGroupComplete}, w.sent.kinds())
}

func TestCycleSectionFailureDoesNotAbortOthers(t *testing.T) {
	fake := newFakeRegistrar()
	fake.checkErr[lecture] = errors.Mark(errors.New("connection reset"), webreg.ErrTransport)
	fake.script(discussion, 1, 1)
	w := newTestWorker(t, withDiscussion(), fake)

	w.runCycle(context.Background())

	s := w.stats.Snapshot()
	assert.Equal(t, uint64(1), s.SectionFailures[lecture])
	assert.Equal(t, uint64(1), s.Errors)
	assert.Equal(t, uint64(1), s.SuccessfulEnrollments)
	assert.Contains(t, s.EnrolledSections, discussion)
	assert.Equal(t, []notify.Kind{notify.KindOpening, notify.KindEnrolled}, w.sent.kinds(),
		"group is not complete while the lecture is missing")
	require.NotNil(t, w.runtime().LastError)
	assert.Contains(t, *w.runtime().LastError, lecture)
}

func TestCyclePartialGroupPollsOnlyRemainder(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 1, 1)
	fake.script(discussion, 0, 3, 3)
	w := newTestWorker(t, withDiscussion(), fake)

	w.runCycle(context.Background())
	assert.Equal(t, []string{lecture}, fake.enrollCalls())
	assert.Equal(t, 2, fake.checkCount(lecture))

	w.runCycle(context.Background())
	assert.Equal(t, 2, fake.checkCount(lecture), "enrolled lecture is not polled again")
	assert.Equal(t, []string{lecture, discussion}, fake.enrollCalls())
	assert.Equal(t, 1, w.sent.count(notify.KindGroupComplete))

	w.runCycle(context.Background())
	assert.Equal(t, 3, fake.checkCount(discussion), "satisfied group drops out")
	assert.Equal(t, uint64(3), w.stats.Snapshot().TotalChecks)
}

func TestCycleTransportFailureRetriedThenReported(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 1, 1)
	fake.enrollFn = func(context.Context, webreg.SectionRef) error {
		return errors.Mark(errors.New("gateway timeout"), webreg.ErrTransport)
	}
	w := newTestWorker(t, lectureOnly(0), fake)

	w.runCycle(context.Background())

	s := w.stats.Snapshot()
	assert.Equal(t, uint64(3), s.EnrollmentAttempts)
	assert.Zero(t, s.SuccessfulEnrollments)
	assert.Equal(t, uint64(1), s.SectionFailures[lecture])
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, w.sleeps.delays)
	assert.Equal(t, 1, w.sent.count(notify.KindEnrollFailed))
}

func TestCycleRejectionReportedVerbatim(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 1, 1)
	fake.enrollFn = func(context.Context, webreg.SectionRef) error {
		return &webreg.RejectionError{Reason: webreg.ReasonConflict, Message: "Time conflict with MATH 20C"}
	}
	w := newTestWorker(t, lectureOnly(0), fake)

	w.runCycle(context.Background())

	assert.Equal(t, uint64(1), w.stats.Snapshot().EnrollmentAttempts)
	assert.Empty(t, w.sleeps.delays)
	w.sent.mu.Lock()
	last := w.sent.msgs[len(w.sent.msgs)-1]
	w.sent.mu.Unlock()
	assert.Equal(t, notify.KindEnrollFailed, last.Kind)
	assert.Contains(t, last.Body, "Time conflict with MATH 20C")
}

func TestCycleFailureNotificationsCappedPerDay(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 1)
	fake.enrollFn = func(context.Context, webreg.SectionRef) error {
		return &webreg.RejectionError{Reason: webreg.ReasonFull}
	}
	w := newTestWorker(t, lectureOnly(0), fake)

	for i := 0; i < 5; i++ {
		w.runCycle(context.Background())
	}

	assert.Equal(t, 3, w.sent.count(notify.KindEnrollFailed))
	s := w.stats.Snapshot()
	assert.Equal(t, uint64(5), s.EnrollmentAttempts)
	assert.Equal(t, uint64(5), s.SectionFailures[lecture], "suppressed notifications are still counted")
}

func TestCycleNotificationFailureCounted(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 1, 1)
	w := newTestWorker(t, lectureOnly(0), fake)
	w.sent.err = errors.New("smtp: 535 authentication failed")

	w.runCycle(context.Background())

	s := w.stats.Snapshot()
	assert.Equal(t, uint64(1), s.SuccessfulEnrollments)
	assert.Equal(t, uint64(3), s.NotificationFailures)
}

func TestCycleStaleTokenSkipsPolling(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 5)
	w := newTestWorker(t, lectureOnly(0), fake)
	w.holder = session.NewHolder("tok", time.Now().Add(-2*time.Hour), w.cfg.tokenMaxAge(), nil)

	w.runCycle(context.Background())

	assert.Zero(t, fake.checkCount(lecture))
	assert.Equal(t, uint64(1), w.stats.Snapshot().TotalChecks)
	assert.False(t, w.runtime().Connected)
	assert.Equal(t, 1, w.sent.count(notify.KindSessionExpired))
	assert.Len(t, w.kick, 1, "early refresh requested")
}

func TestCycleCountersMonotonic(t *testing.T) {
	fake := newFakeRegistrar()
	fake.script(lecture, 0, 3, 0, 2, 2, 1, 1)
	fake.checkErr[discussion] = errors.Mark(errors.New("reset"), webreg.ErrTransport)
	fake.enrollFn = func(context.Context, webreg.SectionRef) error {
		return &webreg.RejectionError{Reason: webreg.ReasonFull}
	}
	w := newTestWorker(t, withDiscussion(), fake)

	prev := w.stats.Snapshot()
	for i := 1; i <= 6; i++ {
		w.runCycle(context.Background())
		cur := w.stats.Snapshot()
		assert.Equal(t, uint64(i), cur.TotalChecks)
		assert.GreaterOrEqual(t, cur.OpeningsFound, prev.OpeningsFound)
		assert.GreaterOrEqual(t, cur.EnrollmentAttempts, prev.EnrollmentAttempts)
		assert.GreaterOrEqual(t, cur.Errors, prev.Errors)
		prev = cur
	}
}

func TestRefreshEdgeNotifiesOnce(t *testing.T) {
	fake := newFakeRegistrar()
	w := newTestWorker(t, lectureOnly(0), fake)
	fake.refreshErr = errors.WithDetail(webreg.ErrAuth, "status=401")

	w.refresh(context.Background())
	w.refresh(context.Background())

	assert.False(t, w.runtime().Connected)
	assert.Equal(t, 1, w.sent.count(notify.KindSessionExpired))
	assert.Equal(t, uint64(2), w.stats.Snapshot().Errors)

	fake.mu.Lock()
	fake.refreshErr = nil
	fake.mu.Unlock()
	w.refresh(context.Background())

	assert.True(t, w.runtime().Connected)
	assert.Nil(t, w.runtime().LastError)
	assert.Equal(t, "tok+", w.holder.Load().Value)
	stored, err := w.repo.GetJob(context.Background(), w.job.ID)
	require.NoError(t, err)
	assert.Equal(t, "sealed:"+w.job.ID.String()+":tok+", stored.SealedToken)
}
