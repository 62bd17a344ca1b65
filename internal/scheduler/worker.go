package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/session"
	"github.com/example/seatwatch/internal/stats"
)

const persistTimeout = 5 * time.Second

// worker runs one job: the poll cycle on the job's interval and the session
// refresh on its own ticker. It owns the job's stats and token holder.
type worker struct {
	job    jobs.Job
	cfg    Config
	client Registrar
	store  Store
	vault  Vault
	budget *notify.Budget
	stats  *stats.Stats
	holder *session.Holder
	log    *logger.Logger
	now    func() time.Time
	sleep  sleepFunc

	senderMu sync.RWMutex
	sender   notify.Sender

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	kick   chan struct{}
	// keep is set when the process is shutting down; the persisted state
	// stays running so the job resumes on next boot.
	keep   atomic.Bool
	onExit func(*worker)

	mu        sync.RWMutex
	state     jobs.State
	connected bool
	lastCheck *time.Time
	lastErr   *string
	startedAt time.Time
}

func (w *worker) State() jobs.State {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}

func (w *worker) setState(to jobs.State) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !jobs.CanTransition(w.state, to) {
		w.log.WithError(errors.Wrapf(ErrInternal, "transition %s -> %s", w.state, to)).Error("rejected state change")
		return false
	}
	w.state = to
	if to == jobs.StateRunning && w.startedAt.IsZero() {
		w.startedAt = w.now()
	}
	return true
}

func (w *worker) requestStop(keep bool) {
	if keep {
		w.keep.Store(true)
	}
	if s := w.State(); s == jobs.StateStarting || s == jobs.StateRunning {
		w.setState(jobs.StateStopping)
	}
	w.cancel()
}

// snapshot reads the worker's status for views. stats is nil until the
// worker has loaded its counters.
func (w *worker) snapshot() (jobs.State, jobs.Runtime, *stats.Stats, time.Time) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	rt := jobs.Runtime{Connected: w.connected, LastCheckAt: w.lastCheck, LastError: w.lastErr}
	return w.state, rt, w.stats, w.startedAt
}

func (w *worker) runtime() jobs.Runtime {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return jobs.Runtime{Connected: w.connected, LastCheckAt: w.lastCheck, LastError: w.lastErr}
}

func (w *worker) markConnected() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = true
	w.lastErr = nil
}

// markDisconnected records msg and reports whether the job was connected
// until now.
func (w *worker) markDisconnected(msg string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	was := w.connected
	w.connected = false
	w.lastErr = &msg
	return was
}

func (w *worker) setLastError(msg string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.lastErr = &msg
}

func (w *worker) finishCheck() {
	now := w.now()
	w.stats.RecordCheck()
	w.mu.Lock()
	w.lastCheck = &now
	w.mu.Unlock()
}

func (w *worker) setSender(s notify.Sender) {
	w.senderMu.Lock()
	defer w.senderMu.Unlock()
	w.sender = s
}

func (w *worker) currentSender() notify.Sender {
	w.senderMu.RLock()
	defer w.senderMu.RUnlock()
	return w.sender
}

// prepare validates the stored session before the job is reported running.
// It is cancelled by either ctx or a stop request.
func (w *worker) prepare(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer context.AfterFunc(w.ctx, cancel)()

	token, err := w.vault.Open(w.job.SealedToken, w.job.ID.String())
	if err != nil {
		return errors.Mark(errors.Wrap(err, "open session token"), ErrConnection)
	}
	if token == "" {
		return errors.WithDetail(ErrConnection, "no session token stored")
	}
	callCtx, callCancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer callCancel()
	fresh, err := w.client.RefreshSession(callCtx, token)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "validate session"), ErrConnection)
	}
	w.storeToken(fresh)
	w.markConnected()
	return nil
}

func (w *worker) run() {
	defer w.exit()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.refreshLoop()
	}()
	defer wg.Wait()

	t := time.NewTicker(w.job.Interval())
	defer t.Stop()
	for {
		if w.ctx.Err() != nil {
			return
		}
		w.runCycle(w.ctx)
		w.persist()
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
		}
	}
}

func (w *worker) refreshLoop() {
	t := time.NewTicker(w.cfg.RefreshInterval)
	defer t.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-t.C:
		case <-w.kick:
		}
		w.refresh(w.ctx)
	}
}

// kickRefresh asks the refresh loop for an early refresh without blocking.
func (w *worker) kickRefresh() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

func (w *worker) refresh(ctx context.Context) {
	callCtx, cancel := context.WithTimeout(ctx, w.cfg.CallTimeout)
	defer cancel()
	next, err := w.client.RefreshSession(callCtx, w.holder.Load().Value)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.stats.RecordError()
		w.log.WithError(err).Warn("session refresh failed")
		if w.markDisconnected(err.Error()) {
			w.notify(sessionExpiredMessage(w.job, err))
		}
		w.persistRuntime()
		return
	}
	w.storeToken(next)
	w.markConnected()
	w.persistRuntime()
	w.log.Debug("session refreshed")
}

func (w *worker) storeToken(value string) {
	now := w.now()
	w.holder.Store(value, now)
	sealed, err := w.vault.Seal(value, w.job.ID.String())
	if err != nil {
		w.log.WithError(err).Error("seal session token")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.store.SaveToken(ctx, w.job.ID, sealed, now); err != nil {
		w.log.WithError(err).Error("save session token")
	}
}

func (w *worker) persist() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.store.SaveStats(ctx, w.job.ID, w.stats.Snapshot()); err != nil {
		w.log.WithError(err).Error("save stats")
	}
	if err := w.store.SaveRuntime(ctx, w.job.ID, w.runtime()); err != nil {
		w.log.WithError(err).Error("save runtime")
	}
}

func (w *worker) persistRuntime() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := w.store.SaveRuntime(ctx, w.job.ID, w.runtime()); err != nil {
		w.log.WithError(err).Error("save runtime")
	}
}

func (w *worker) exit() {
	w.persist()
	if !w.keep.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		if err := w.store.SetState(ctx, w.job.ID, jobs.StateStopped); err != nil {
			w.log.WithError(err).Error("persist stopped state")
		}
		cancel()
	}
	w.setState(jobs.StateStopped)
	w.log.Info("job stopped")
	w.onExit(w)
	close(w.done)
}
