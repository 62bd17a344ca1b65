package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/session"
	"github.com/example/seatwatch/internal/stats"
	"github.com/example/seatwatch/internal/webreg"
)

// Registrar is the registration system as the engine uses it.
type Registrar interface {
	CheckAvailability(ctx context.Context, term string, ref webreg.SectionRef, token string) (webreg.SeatCount, error)
	RefreshSession(ctx context.Context, token string) (string, error)
	Enroll(ctx context.Context, term string, ref webreg.SectionRef, token string) error
}

type Store interface {
	CreateJob(ctx context.Context, j *jobs.Job) error
	GetJob(ctx context.Context, id uuid.UUID) (jobs.Job, error)
	ListJobs(ctx context.Context, userID uuid.UUID) ([]jobs.Job, error)
	ListJobsInState(ctx context.Context, state jobs.State) ([]jobs.Job, error)
	UpdateConfig(ctx context.Context, j jobs.Job) error
	DeleteJob(ctx context.Context, id uuid.UUID) error
	SetState(ctx context.Context, id uuid.UUID, state jobs.State) error
	SaveRuntime(ctx context.Context, id uuid.UUID, rt jobs.Runtime) error
	SaveToken(ctx context.Context, id uuid.UUID, sealed string, refreshedAt time.Time) error
	LoadStats(ctx context.Context, id uuid.UUID) (stats.Snapshot, bool, error)
	SaveStats(ctx context.Context, id uuid.UUID, snap stats.Snapshot) error
	GetNotificationSettings(ctx context.Context, userID uuid.UUID) (notify.Settings, error)
	SaveNotificationSettings(ctx context.Context, s notify.Settings) error
}

// Vault seals secrets bound to an owner id.
type Vault interface {
	Seal(plaintext, owner string) (string, error)
	Open(sealed, owner string) (string, error)
}

type NotifierFactory interface {
	Build(s notify.Settings, password string, log *logger.Logger) notify.Sender
}

type Config struct {
	MinIntervalSec    int
	RefreshInterval   time.Duration
	CallTimeout       time.Duration
	Retry             RetryPolicy
	CheckConcurrency  int
	DailyFailureLimit int
}

func DefaultConfig() Config {
	return Config{
		MinIntervalSec:    jobs.DefaultMinIntervalSec,
		RefreshInterval:   8 * time.Minute,
		CallTimeout:       10 * time.Second,
		Retry:             DefaultRetryPolicy(),
		CheckConcurrency:  4,
		DailyFailureLimit: notify.DefaultDailyLimit,
	}
}

func (c Config) Validate() error {
	if c.MinIntervalSec < 1 {
		return errors.New("scheduler: min interval must be >= 1s")
	}
	if c.RefreshInterval <= 0 {
		return errors.New("scheduler: refresh interval must be > 0")
	}
	if c.CallTimeout <= 0 {
		return errors.New("scheduler: call timeout must be > 0")
	}
	return c.Retry.Validate()
}

// tokenMaxAge is how old a session token may get before polling pauses:
// one refresh period plus the time the refresh call itself may take.
func (c Config) tokenMaxAge() time.Duration { return c.RefreshInterval + c.CallTimeout }

// JobConfig is what a user submits to create or replace a job. Token is the
// session cookie; on update an empty Token keeps the stored one.
type JobConfig struct {
	Term        string        `json:"term"`
	IntervalSec int           `json:"interval_sec"`
	Threshold   int           `json:"threshold"`
	Courses     []jobs.Course `json:"courses"`
	Token       string        `json:"token,omitempty"`
}

type Health struct {
	UptimeSeconds int64   `json:"uptime_seconds"`
	SuccessRate   float64 `json:"success_rate"`
	Connected     bool    `json:"connected"`
	Errors        uint64  `json:"errors"`
	TotalChecks   uint64  `json:"total_checks"`
}

// View is a consistent read of a job, its live status and its counters.
type View struct {
	Job    jobs.Job
	State  jobs.State
	Stats  stats.Snapshot
	Health Health
}

// Manager is the registry of running jobs. The workers and held maps are
// the only state shared between jobs; they are guarded by mu.
type Manager struct {
	store     Store
	client    Registrar
	vault     Vault
	notifiers NotifierFactory
	cfg       Config
	log       *logger.Logger
	now       func() time.Time
	sleep     sleepFunc

	mu      sync.RWMutex
	workers map[uuid.UUID]*worker
	budgets map[uuid.UUID]*notify.Budget
	// held marks jobs an update or delete is writing; the channel closes on
	// release. No worker is created for a held job.
	held   map[uuid.UUID]chan struct{}
	closed bool
}

func NewManager(store Store, client Registrar, vault Vault, notifiers NotifierFactory, cfg Config, log *logger.Logger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		store:     store,
		client:    client,
		vault:     vault,
		notifiers: notifiers,
		cfg:       cfg,
		log:       log.Component("scheduler"),
		now:       time.Now,
		sleep:     sleepCtx,
		workers:   map[uuid.UUID]*worker{},
		budgets:   map[uuid.UUID]*notify.Budget{},
		held:      map[uuid.UUID]chan struct{}{},
	}
}

func (m *Manager) Create(ctx context.Context, userID uuid.UUID, cfg JobConfig) (uuid.UUID, error) {
	now := m.now()
	j := jobs.Job{
		ID:          uuid.New(),
		UserID:      userID,
		Term:        cfg.Term,
		IntervalSec: cfg.IntervalSec,
		Threshold:   cfg.Threshold,
		Courses:     cfg.Courses,
		State:       jobs.StateStopped,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	j.Normalize()
	if err := j.Validate(m.cfg.MinIntervalSec); err != nil {
		return uuid.Nil, err
	}
	if cfg.Token == "" {
		return uuid.Nil, errors.Wrap(jobs.ErrInvalidConfig, "session token required")
	}
	sealed, err := m.vault.Seal(cfg.Token, j.ID.String())
	if err != nil {
		return uuid.Nil, errors.Mark(errors.Wrap(err, "seal session token"), ErrInternal)
	}
	j.SealedToken = sealed
	j.TokenRefreshedAt = now
	if err := m.store.CreateJob(ctx, &j); err != nil {
		return uuid.Nil, errors.Wrap(err, "create job")
	}
	m.log.WithFields(logger.Fields{logger.FieldJobID: j.ID, logger.FieldUserID: userID}).Info("job created")
	return j.ID, nil
}

func (m *Manager) Get(ctx context.Context, userID, id uuid.UUID) (View, error) {
	j, err := m.owned(ctx, userID, id)
	if err != nil {
		return View{}, err
	}
	return m.view(ctx, j)
}

func (m *Manager) List(ctx context.Context, userID uuid.UUID) ([]View, error) {
	js, err := m.store.ListJobs(ctx, userID)
	if err != nil {
		return nil, errors.Wrap(err, "list jobs")
	}
	out := make([]View, 0, len(js))
	for _, j := range js {
		v, err := m.view(ctx, j)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

// Update replaces a stopped job's configuration.
func (m *Manager) Update(ctx context.Context, userID, id uuid.UUID, cfg JobConfig) error {
	j, err := m.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	j.Term, j.IntervalSec, j.Threshold, j.Courses = cfg.Term, cfg.IntervalSec, cfg.Threshold, cfg.Courses
	j.Normalize()
	if err := j.Validate(m.cfg.MinIntervalSec); err != nil {
		return err
	}
	if cfg.Token != "" {
		sealed, err := m.vault.Seal(cfg.Token, j.ID.String())
		if err != nil {
			return errors.Mark(errors.Wrap(err, "seal session token"), ErrInternal)
		}
		j.SealedToken = sealed
		j.TokenRefreshedAt = m.now()
	}
	j.UpdatedAt = m.now()

	release, err := m.hold(ctx, id, true)
	if err != nil {
		return err
	}
	defer release()
	if err := m.store.UpdateConfig(ctx, j); err != nil {
		return errors.Wrap(err, "update job")
	}
	return nil
}

// hold claims id for a store write that must not interleave with a start.
// Starts wait until release is called. With stoppedOnly, a job that has a
// worker is refused with ErrJobRunning.
func (m *Manager) hold(ctx context.Context, id uuid.UUID, stoppedOnly bool) (func(), error) {
	for {
		m.mu.Lock()
		if _, running := m.workers[id]; running && stoppedOnly {
			m.mu.Unlock()
			return nil, ErrJobRunning
		}
		busy, ok := m.held[id]
		if !ok {
			ch := make(chan struct{})
			m.held[id] = ch
			m.mu.Unlock()
			return func() {
				m.mu.Lock()
				delete(m.held, id)
				m.mu.Unlock()
				close(ch)
			}, nil
		}
		m.mu.Unlock()
		select {
		case <-busy:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Start launches the job's worker. It is a no-op when the job is already
// starting or running. The stored session is validated first; on failure
// the job stays stopped and the returned error matches ErrConnection.
func (m *Manager) Start(ctx context.Context, userID, id uuid.UUID) error {
	j, err := m.owned(ctx, userID, id)
	if err != nil {
		return err
	}
	log := m.log.WithFields(logger.Fields{logger.FieldJobID: id, logger.FieldUserID: userID})

	var w *worker
	for w == nil {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return errors.Wrap(ErrInternal, "manager is shut down")
		}
		if busy, ok := m.held[id]; ok {
			m.mu.Unlock()
			select {
			case <-busy:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if cur, ok := m.workers[id]; ok {
			m.mu.Unlock()
			if s := cur.State(); s == jobs.StateStarting || s == jobs.StateRunning {
				return nil
			}
			// Previous worker is on its way out; wait and claim the slot after it.
			select {
			case <-cur.done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		w = m.newWorker(j)
		m.workers[id] = w
		m.mu.Unlock()
	}

	if err := m.launch(ctx, w); err != nil {
		log.WithError(err).Warn("job failed to start")
		return err
	}
	return nil
}

// newWorker builds a worker in Starting. Caller holds mu.
func (m *Manager) newWorker(j jobs.Job) *worker {
	budget, ok := m.budgets[j.ID]
	if !ok {
		budget = notify.NewBudget(m.cfg.DailyFailureLimit, m.now)
		m.budgets[j.ID] = budget
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &worker{
		cfg:    m.cfg,
		client: m.client,
		store:  m.store,
		vault:  m.vault,
		budget: budget,
		now:    m.now,
		sleep:  m.sleep,
		sender: notify.Nop{},
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
		kick:   make(chan struct{}, 1),
		state:  jobs.StateStarting,
		onExit: m.remove,
	}
	m.bind(w, j)
	return w
}

// bind points w at j. Caller holds mu.
func (m *Manager) bind(w *worker, j jobs.Job) {
	w.job = j
	w.holder = session.NewHolder("", j.TokenRefreshedAt, m.cfg.tokenMaxAge(), m.now)
	w.log = m.log.WithFields(logger.Fields{
		logger.FieldJobID:  j.ID,
		logger.FieldUserID: j.UserID,
		logger.FieldTerm:   j.Term,
	})
}

// launch runs the Starting phase outside the registry lock.
func (m *Manager) launch(ctx context.Context, w *worker) error {
	err := m.reload(ctx, w)
	if err == nil {
		err = m.restoreStats(ctx, w)
	}
	if err == nil {
		w.setSender(m.senderFor(ctx, w.job.UserID))
		err = w.prepare(ctx)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err != nil || w.ctx.Err() != nil {
		// Failed, or stopped while starting. Either way no worker runs.
		m.abort(w, err)
		if err != nil && w.ctx.Err() == nil {
			return err
		}
		return nil
	}
	if !w.setState(jobs.StateRunning) {
		m.abort(w, ErrInternal)
		return ErrInternal
	}
	if err := m.store.SetState(ctx, w.job.ID, jobs.StateRunning); err != nil {
		w.log.WithError(err).Error("persist running state")
	}
	w.log.Info("job running")
	go w.run()
	return nil
}

// reload re-reads the job once its slot is claimed. From the claim on,
// updates are refused and deletes stop the worker first, so the job read here
// is the one the worker runs, and a job deleted before the claim never starts.
func (m *Manager) reload(ctx context.Context, w *worker) error {
	j, err := m.store.GetJob(ctx, w.job.ID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return ErrNotFound
		}
		return errors.Mark(errors.Wrap(err, "reload job"), ErrInternal)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bind(w, j)
	return nil
}

func (m *Manager) restoreStats(ctx context.Context, w *worker) error {
	// Loaded only now, after any previous worker has persisted its final
	// counters, so a restart never moves them backwards.
	snap, found, err := m.store.LoadStats(ctx, w.job.ID)
	if err != nil {
		return errors.Mark(errors.Wrap(err, "load stats"), ErrInternal)
	}
	st := stats.New(m.now)
	if found {
		st = stats.Restore(snap, m.now)
	}
	w.mu.Lock()
	w.stats = st
	w.mu.Unlock()
	return nil
}

// abort tears down a worker that never reached Running. Caller holds mu.
func (m *Manager) abort(w *worker, cause error) {
	w.cancel()
	gone := errors.Is(cause, ErrNotFound)
	if cause != nil {
		w.markDisconnected(cause.Error())
	}
	if !gone {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		if err := m.store.SaveRuntime(ctx, w.job.ID, w.runtime()); err != nil {
			w.log.WithError(err).Error("save runtime")
		}
		if !w.keep.Load() {
			if err := m.store.SetState(ctx, w.job.ID, jobs.StateStopped); err != nil {
				w.log.WithError(err).Error("persist stopped state")
			}
		}
	}
	if w.State() != jobs.StateStopped {
		w.setState(jobs.StateStopped)
	}
	if m.workers[w.job.ID] == w {
		delete(m.workers, w.job.ID)
	}
	if gone {
		delete(m.budgets, w.job.ID)
	}
	close(w.done)
}

func (m *Manager) remove(w *worker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.workers[w.job.ID] == w {
		delete(m.workers, w.job.ID)
	}
}

// Stop cancels the job's worker and waits for its current cycle to finish.
// Stopping a stopped job is a no-op.
func (m *Manager) Stop(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := m.owned(ctx, userID, id); err != nil {
		return err
	}
	return m.stop(ctx, id)
}

func (m *Manager) stop(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	w, ok := m.workers[id]
	if ok {
		w.requestStop(false)
	}
	m.mu.Unlock()
	if !ok {
		// A job persisted as running with no worker (its resume failed) is
		// brought back in line.
		return m.store.SetState(ctx, id, jobs.StateStopped)
	}
	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Delete stops the job if needed and removes it with its stats.
func (m *Manager) Delete(ctx context.Context, userID, id uuid.UUID) error {
	if _, err := m.owned(ctx, userID, id); err != nil {
		return err
	}
	// Held first so no start slips in between the stop and the delete.
	release, err := m.hold(ctx, id, false)
	if err != nil {
		return err
	}
	defer release()
	if err := m.stop(ctx, id); err != nil {
		return err
	}
	if err := m.store.DeleteJob(ctx, id); err != nil {
		return errors.Wrap(err, "delete job")
	}
	m.mu.Lock()
	delete(m.budgets, id)
	m.mu.Unlock()
	m.log.WithField(logger.FieldJobID, id).Info("job deleted")
	return nil
}

// Resume starts every job persisted as running. Failures are logged and
// leave that job stopped.
func (m *Manager) Resume(ctx context.Context) error {
	js, err := m.store.ListJobsInState(ctx, jobs.StateRunning)
	if err != nil {
		return errors.Wrap(err, "list running jobs")
	}
	for _, j := range js {
		if err := m.Start(ctx, j.UserID, j.ID); err != nil {
			m.log.WithError(err).WithField(logger.FieldJobID, j.ID).Warn("resume failed")
		}
	}
	m.log.WithField("count", len(js)).Info("resumed jobs")
	return nil
}

// Shutdown stops every worker but leaves their persisted state alone, so the
// next Resume picks them up again.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	ws := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		w.requestStop(true)
		ws = append(ws, w)
	}
	m.mu.Unlock()
	for _, w := range ws {
		select {
		case <-w.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) NotificationSettings(ctx context.Context, userID uuid.UUID) (notify.Settings, error) {
	s, err := m.store.GetNotificationSettings(ctx, userID)
	if err != nil {
		return notify.Settings{}, errors.Wrap(err, "load notification settings")
	}
	s.UserID = userID
	s.HasPassword = s.SealedPassword != ""
	return s, nil
}

// UpdateNotificationSettings stores the user's channels and applies them to
// the user's running jobs.
func (m *Manager) UpdateNotificationSettings(ctx context.Context, userID uuid.UUID, in notify.Input) (notify.Settings, error) {
	in.Normalize()
	if err := in.Validate(); err != nil {
		return notify.Settings{}, err
	}
	cur, err := m.NotificationSettings(ctx, userID)
	if err != nil {
		return notify.Settings{}, err
	}
	next := notify.Settings{
		UserID:         userID,
		SMTPUsername:   in.SMTPUsername,
		SealedPassword: cur.SealedPassword,
		Recipients:     in.Recipients,
		WebhookURL:     in.WebhookURL,
		UpdatedAt:      m.now(),
	}
	if in.Password != "" {
		next.SealedPassword, err = m.vault.Seal(in.Password, userID.String())
		if err != nil {
			return notify.Settings{}, errors.Mark(errors.Wrap(err, "seal smtp password"), ErrInternal)
		}
	}
	next.HasPassword = next.SealedPassword != ""
	if err := m.store.SaveNotificationSettings(ctx, next); err != nil {
		return notify.Settings{}, errors.Wrap(err, "save notification settings")
	}

	sender := m.build(next)
	m.mu.RLock()
	for _, w := range m.workers {
		if w.job.UserID == userID {
			w.setSender(sender)
		}
	}
	m.mu.RUnlock()
	return next, nil
}

func (m *Manager) senderFor(ctx context.Context, userID uuid.UUID) notify.Sender {
	s, err := m.store.GetNotificationSettings(ctx, userID)
	if err != nil {
		m.log.WithError(err).WithField(logger.FieldUserID, userID).Warn("load notification settings")
		return notify.Nop{}
	}
	return m.build(s)
}

func (m *Manager) build(s notify.Settings) notify.Sender {
	if m.notifiers == nil {
		return notify.Nop{}
	}
	password, err := m.vault.Open(s.SealedPassword, s.UserID.String())
	if err != nil {
		m.log.WithError(err).WithField(logger.FieldUserID, s.UserID).Error("open smtp password")
		password = ""
	}
	return m.notifiers.Build(s, password, m.log)
}

func (m *Manager) owned(ctx context.Context, userID, id uuid.UUID) (jobs.Job, error) {
	j, err := m.store.GetJob(ctx, id)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return jobs.Job{}, ErrNotFound
		}
		return jobs.Job{}, errors.Wrap(err, "load job")
	}
	if j.UserID != userID {
		return jobs.Job{}, ErrForbidden
	}
	return j, nil
}

func (m *Manager) view(ctx context.Context, j jobs.Job) (View, error) {
	m.mu.RLock()
	w := m.workers[j.ID]
	m.mu.RUnlock()

	v := View{Job: j, State: jobs.StateStopped}
	var st *stats.Stats
	if w != nil {
		var rt jobs.Runtime
		var startedAt time.Time
		v.State, rt, st, startedAt = w.snapshot()
		v.Job.Connected, v.Job.LastCheckAt, v.Job.LastError = rt.Connected, rt.LastCheckAt, rt.LastError
		if !startedAt.IsZero() {
			v.Health.UptimeSeconds = int64(m.now().Sub(startedAt) / time.Second)
		}
	}
	v.Job.State = v.State
	if st != nil {
		v.Stats = st.Snapshot()
	} else {
		snap, found, err := m.store.LoadStats(ctx, j.ID)
		if err != nil {
			return View{}, errors.Wrap(err, "load stats")
		}
		if found {
			v.Stats = snap
		}
	}
	v.Health.SuccessRate = v.Stats.SuccessRate()
	v.Health.Connected = v.Job.Connected
	v.Health.Errors = v.Stats.Errors
	v.Health.TotalChecks = v.Stats.TotalChecks
	return v, nil
}
