package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/seatwatch/internal/jobs"
	"github.com/example/seatwatch/internal/logger"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/session"
	"github.com/example/seatwatch/internal/stats"
	"github.com/example/seatwatch/internal/webreg"
)

// fakeRegistrar serves scripted seat counts. Each section's sequence is
// consumed one read at a time; the last value repeats.
type fakeRegistrar struct {
	mu         sync.Mutex
	seats      map[string][]int
	checkErr   map[string]error
	checks     map[string]int
	enrollFn   func(ctx context.Context, ref webreg.SectionRef) error
	enrolled   []string
	refreshErr error
	refreshes  int
}

func newFakeRegistrar() *fakeRegistrar {
	return &fakeRegistrar{seats: map[string][]int{}, checkErr: map[string]error{}, checks: map[string]int{}}
}

func (f *fakeRegistrar) script(section string, seats ...int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seats[section] = seats
}

func (f *fakeRegistrar) checkCount(section string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.checks[section]
}

func (f *fakeRegistrar) enrollCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.enrolled...)
}

func (f *fakeRegistrar) refreshCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.refreshes
}

func (f *fakeRegistrar) CheckAvailability(_ context.Context, _ string, ref webreg.SectionRef, _ string) (webreg.SeatCount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := ref.String()
	f.checks[key]++
	if err := f.checkErr[key]; err != nil {
		return webreg.SeatCount{}, err
	}
	avail := 0
	if seq := f.seats[key]; len(seq) > 0 {
		avail = seq[0]
		if len(seq) > 1 {
			f.seats[key] = seq[1:]
		}
	}
	return webreg.SeatCount{SectionID: "id-" + ref.Section, Section: ref.Section, Available: avail, Total: 30}, nil
}

func (f *fakeRegistrar) RefreshSession(_ context.Context, token string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshes++
	if f.refreshErr != nil {
		return "", f.refreshErr
	}
	return token + "+", nil
}

func (f *fakeRegistrar) Enroll(ctx context.Context, _ string, ref webreg.SectionRef, _ string) error {
	f.mu.Lock()
	f.enrolled = append(f.enrolled, ref.String())
	fn := f.enrollFn
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, ref)
	}
	return nil
}

type fakeVault struct{}

func (fakeVault) Seal(plaintext, owner string) (string, error) {
	return "sealed:" + owner + ":" + plaintext, nil
}

func (fakeVault) Open(sealed, owner string) (string, error) {
	if sealed == "" {
		return "", nil
	}
	prefix := "sealed:" + owner + ":"
	if !strings.HasPrefix(sealed, prefix) {
		return "", errors.New("owner mismatch")
	}
	return strings.TrimPrefix(sealed, prefix), nil
}

type recorder struct {
	mu   sync.Mutex
	msgs []notify.Message
	err  error
}

func (r *recorder) Send(_ context.Context, m notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, m)
	return r.err
}

func (r *recorder) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, m := range r.msgs {
		out = append(out, m.Kind)
	}
	return out
}

func (r *recorder) count(k notify.Kind) int {
	n := 0
	for _, got := range r.kinds() {
		if got == k {
			n++
		}
	}
	return n
}

type factoryFunc func(s notify.Settings, password string) notify.Sender

func (f factoryFunc) Build(s notify.Settings, password string, _ *logger.Logger) notify.Sender {
	return f(s, password)
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

func testConfig() Config {
	return Config{
		MinIntervalSec:    1,
		RefreshInterval:   time.Hour,
		CallTimeout:       2 * time.Second,
		Retry:             RetryPolicy{MaxAttempts: 3, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second},
		CheckConcurrency:  4,
		DailyFailureLimit: 3,
	}
}

func lectureOnly(threshold int) jobs.Job {
	return jobs.Job{
		ID:          uuidFor("job"),
		UserID:      uuidFor("alice"),
		Term:        "SP26",
		IntervalSec: 1,
		Threshold:   threshold,
		Courses: []jobs.Course{{
			Department: "CSE", Code: "100",
			Groups: []jobs.SectionGroup{{Lecture: "A00"}},
		}},
	}
}

func withDiscussion() jobs.Job {
	j := lectureOnly(0)
	j.Courses[0].Groups[0].Discussions = []string{"A01"}
	return j
}

type testWorker struct {
	*worker
	fake   *fakeRegistrar
	sent   *recorder
	sleeps *sleepRecorder
	repo   *jobs.MemoryRepo
}

func newTestWorker(t *testing.T, j jobs.Job, client *fakeRegistrar) *testWorker {
	t.Helper()
	store := jobs.NewMemoryRepo()
	require.NoError(t, store.CreateJob(context.Background(), &j))
	cfg := testConfig()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sent := &recorder{}
	sleeps := &sleepRecorder{}
	w := &worker{
		job:       j,
		cfg:       cfg,
		client:    client,
		store:     store,
		vault:     fakeVault{},
		budget:    notify.NewBudget(cfg.DailyFailureLimit, time.Now),
		stats:     stats.New(nil),
		holder:    session.NewHolder("tok", time.Now(), cfg.tokenMaxAge(), nil),
		log:       logger.Discard(),
		now:       time.Now,
		sleep:     sleeps.sleep,
		sender:    sent,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		kick:      make(chan struct{}, 1),
		state:     jobs.StateRunning,
		connected: true,
		onExit:    func(*worker) {},
	}
	return &testWorker{worker: w, fake: client, sent: sent, sleeps: sleeps, repo: store}
}

func uuidFor(name string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name))
}

// parkingRepo holds one call to the armed method until resumed, so tests
// can interleave manager operations at a chosen point.
type parkingRepo struct {
	*jobs.MemoryRepo
	mu     sync.Mutex
	method string
	parked chan struct{}
	resume chan struct{}
}

func (r *parkingRepo) arm(method string) (parked, resume chan struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.method, r.parked, r.resume = method, make(chan struct{}), make(chan struct{})
	return r.parked, r.resume
}

func (r *parkingRepo) park(method string) {
	r.mu.Lock()
	if r.method != method {
		r.mu.Unlock()
		return
	}
	parked, resume := r.parked, r.resume
	r.method = ""
	r.mu.Unlock()
	close(parked)
	<-resume
}

// GetJob parks after the read, as if the caller were descheduled holding it.
func (r *parkingRepo) GetJob(ctx context.Context, id uuid.UUID) (jobs.Job, error) {
	j, err := r.MemoryRepo.GetJob(ctx, id)
	r.park("GetJob")
	return j, err
}

func (r *parkingRepo) UpdateConfig(ctx context.Context, j jobs.Job) error {
	r.park("UpdateConfig")
	return r.MemoryRepo.UpdateConfig(ctx, j)
}

func waitClosed(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}
