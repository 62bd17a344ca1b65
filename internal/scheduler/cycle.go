package scheduler

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/webreg"
)

const notifyTimeout = 30 * time.Second

type reading struct {
	target jobs.Target
	seats  webreg.SeatCount
	err    error
}

// runCycle performs one poll: check every pending section, confirm each
// opening with a second read, then enroll. The check counter and last-check
// time move exactly once per call whatever path is taken.
func (w *worker) runCycle(ctx context.Context) {
	defer w.finishCheck()

	tok, err := w.holder.Fresh()
	if err != nil {
		w.log.WithError(err).Warn("session token stale, skipping poll")
		if w.markDisconnected(err.Error()) {
			w.notify(sessionExpiredMessage(w.job, err))
		}
		w.kickRefresh()
		return
	}

	policy := w.job.Policy()
	var firing []reading
	for _, r := range w.checkAll(ctx, tok.Value, w.pending()) {
		if r.err != nil {
			w.sectionFailed(r.target, r.err)
			continue
		}
		if policy.Fires(r.seats.Available) {
			firing = append(firing, r)
		}
	}

	for _, first := range firing {
		if ctx.Err() != nil {
			return
		}
		log := w.log.WithField(logger.FieldSection, first.target.Key())
		w.stats.RecordOpening()

		second, err := w.check(ctx, tok.Value, first.target)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.sectionFailed(first.target, err)
			continue
		}
		if !policy.Fires(second.Available) {
			log.WithFields(logger.Fields{"first": first.seats.Available, "second": second.Available}).
				Info("opening not confirmed on re-check")
			continue
		}

		log.WithField("available", second.Available).Info("opening confirmed")
		w.notify(openingMessage(w.job, first.target, second))
		if ctx.Err() != nil {
			return
		}
		w.enroll(ctx, first.target, second)
	}
}

// pending lists the sections not yet enrolled. A group whose members are
// all enrolled therefore drops out of polling entirely.
func (w *worker) pending() []jobs.Target {
	var out []jobs.Target
	for _, t := range w.job.Targets() {
		if !w.stats.Enrolled(t.Key()) {
			out = append(out, t)
		}
	}
	return out
}

func (w *worker) checkAll(ctx context.Context, token string, targets []jobs.Target) []reading {
	out := make([]reading, len(targets))
	var g errgroup.Group
	g.SetLimit(max(w.cfg.CheckConcurrency, 1))
	for i, t := range targets {
		g.Go(func() error {
			seats, err := w.check(ctx, token, t)
			out[i] = reading{target: t, seats: seats, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return out
}

func (w *worker) check(ctx context.Context, token string, t jobs.Target) (webreg.SeatCount, error) {
	ctx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	return w.client.CheckAvailability(ctx, w.job.Term, sectionRef(t, ""), token)
}

func (w *worker) sectionFailed(t jobs.Target, err error) {
	w.stats.RecordSectionFailure(t.Key())
	w.setLastError(fmt.Sprintf("%s: %v", t.Key(), err))
	w.log.WithError(err).WithField(logger.FieldSection, t.Key()).Warn("section check failed")
	if webreg.IsAuth(err) {
		w.kickRefresh()
	}
}

// enroll submits the enrollment with retries. Each request runs detached
// from ctx so a stop never aborts a submitted request; ctx only prevents
// further attempts.
func (w *worker) enroll(ctx context.Context, t jobs.Target, seats webreg.SeatCount) {
	log := w.log.WithField(logger.FieldSection, t.Key())
	ref := sectionRef(t, seats.SectionID)
	detached := context.WithoutCancel(ctx)

	attempts, err := w.cfg.Retry.Do(ctx, w.sleep, webreg.IsRetryable, func(attempt int) error {
		w.stats.RecordAttempt()
		callCtx, cancel := context.WithTimeout(detached, w.cfg.CallTimeout)
		defer cancel()
		err := w.client.Enroll(callCtx, w.job.Term, ref, w.holder.Load().Value)
		if err != nil {
			log.WithError(err).WithField(logger.FieldAttempt, attempt).Warn("enrollment attempt failed")
		}
		return err
	})
	if err == nil {
		w.stats.RecordSuccess(t.Key())
		log.WithField(logger.FieldAttempt, attempts).Info("enrolled")
		w.notify(enrolledMessage(w.job, t))
		if w.groupSatisfied(t) {
			w.notify(groupCompleteMessage(w.job, t))
		}
		return
	}

	w.stats.RecordSectionFailure(t.Key())
	w.setLastError(fmt.Sprintf("%s: %v", t.Key(), err))
	if webreg.IsAuth(err) {
		w.kickRefresh()
	}
	if !w.budget.Allow(t.Key()) {
		log.Info("daily failure notification limit reached, not notifying")
		return
	}
	w.notify(failedMessage(w.job, t, attempts, err))
}

func (w *worker) groupSatisfied(t jobs.Target) bool {
	for _, key := range w.job.GroupMembers(t.Course, t.Group) {
		if !w.stats.Enrolled(key) {
			return false
		}
	}
	return true
}

// notify never fails the caller; a delivery failure is counted and logged.
func (w *worker) notify(msg notify.Message) {
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := w.currentSender().Send(ctx, msg); err != nil {
		w.stats.RecordNotificationFailure()
		w.log.WithError(err).WithField("kind", msg.Kind).Warn("notification failed")
	}
}

func sectionRef(t jobs.Target, id string) webreg.SectionRef {
	return webreg.SectionRef{Department: t.Department, CourseCode: t.CourseCode, Section: t.Section, ID: id}
}

func openingMessage(j jobs.Job, t jobs.Target, seats webreg.SeatCount) notify.Message {
	return notify.Message{
		Kind:    notify.KindOpening,
		Subject: "Opening: " + t.Key(),
		Body: fmt.Sprintf("%s\n%s (%s) has %d/%d seats available in %s. Attempting enrollment.",
			j.Policy().Describe(), t.Key(), t.Kind, seats.Available, seats.Total, j.Term),
	}
}

func enrolledMessage(j jobs.Job, t jobs.Target) notify.Message {
	return notify.Message{
		Kind:    notify.KindEnrolled,
		Subject: "Enrolled: " + t.Key(),
		Body:    fmt.Sprintf("Successfully enrolled in %s (%s) for %s.", t.Key(), t.Kind, j.Term),
	}
}

func groupCompleteMessage(j jobs.Job, t jobs.Target) notify.Message {
	members := j.GroupMembers(t.Course, t.Group)
	return notify.Message{
		Kind:    notify.KindGroupComplete,
		Subject: fmt.Sprintf("Complete: %s %s", t.Department, t.CourseCode),
		Body: fmt.Sprintf("All sections of the group are enrolled for %s: %s. They will no longer be polled.",
			j.Term, strings.Join(members, ", ")),
	}
}

func failedMessage(j jobs.Job, t jobs.Target, attempts int, err error) notify.Message {
	return notify.Message{
		Kind:    notify.KindEnrollFailed,
		Subject: "Enrollment failed: " + t.Key(),
		Body: fmt.Sprintf("Could not enroll in %s for %s after %d attempt(s): %s\nThe job keeps watching.",
			t.Key(), j.Term, attempts, webreg.Detail(err)),
	}
}

func sessionExpiredMessage(j jobs.Job, err error) notify.Message {
	return notify.Message{
		Kind:    notify.KindSessionExpired,
		Subject: "Session expired",
		Body: fmt.Sprintf("The registration session for your %s watch could not be renewed: %v\n"+
			"Polling continues but will fail until the session cookie is updated.", j.Term, err),
	}
}
