package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/stats"
)

// MemoryRepo keeps everything in process memory. It backs STORE=memory and
// the tests; state is lost on exit.
type MemoryRepo struct {
	mu       sync.RWMutex
	jobs     map[uuid.UUID]Job
	stats    map[uuid.UUID]stats.Snapshot
	settings map[uuid.UUID]notify.Settings
}

func NewMemoryRepo() *MemoryRepo {
	return &MemoryRepo{
		jobs:     map[uuid.UUID]Job{},
		stats:    map[uuid.UUID]stats.Snapshot{},
		settings: map[uuid.UUID]notify.Settings{},
	}
}

func (r *MemoryRepo) CreateJob(_ context.Context, j *Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.State == "" {
		j.State = StateStopped
	}
	r.jobs[j.ID] = cloneJob(*j)
	return nil
}

func (r *MemoryRepo) GetJob(_ context.Context, id uuid.UUID) (Job, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	j, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(j), nil
}

func (r *MemoryRepo) ListJobs(_ context.Context, userID uuid.UUID) ([]Job, error) {
	return r.list(func(j Job) bool { return j.UserID == userID }), nil
}

func (r *MemoryRepo) ListJobsInState(_ context.Context, state State) ([]Job, error) {
	return r.list(func(j Job) bool { return j.State == state }), nil
}

func (r *MemoryRepo) list(keep func(Job) bool) []Job {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := []Job{}
	for _, j := range r.jobs {
		if keep(j) {
			out = append(out, cloneJob(j))
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].CreatedAt.After(out[b].CreatedAt) })
	return out
}

func (r *MemoryRepo) UpdateConfig(_ context.Context, j Job) error {
	return r.update(j.ID, func(cur *Job) {
		cur.Term, cur.IntervalSec, cur.Threshold = j.Term, j.IntervalSec, j.Threshold
		cur.Courses = cloneJob(j).Courses
		cur.SealedToken, cur.TokenRefreshedAt = j.SealedToken, j.TokenRefreshedAt
		cur.UpdatedAt = j.UpdatedAt
	})
}

func (r *MemoryRepo) DeleteJob(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	delete(r.jobs, id)
	delete(r.stats, id)
	return nil
}

func (r *MemoryRepo) SetState(_ context.Context, id uuid.UUID, state State) error {
	return r.update(id, func(cur *Job) { cur.State = state })
}

func (r *MemoryRepo) SaveRuntime(_ context.Context, id uuid.UUID, rt Runtime) error {
	return r.update(id, func(cur *Job) {
		cur.Connected, cur.LastCheckAt, cur.LastError = rt.Connected, rt.LastCheckAt, rt.LastError
	})
}

func (r *MemoryRepo) SaveToken(_ context.Context, id uuid.UUID, sealed string, refreshedAt time.Time) error {
	return r.update(id, func(cur *Job) { cur.SealedToken, cur.TokenRefreshedAt = sealed, refreshedAt })
}

func (r *MemoryRepo) update(id uuid.UUID, fn func(*Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.jobs[id]
	if !ok {
		return ErrNotFound
	}
	fn(&j)
	r.jobs[id] = j
	return nil
}

func (r *MemoryRepo) LoadStats(_ context.Context, id uuid.UUID) (stats.Snapshot, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.stats[id]
	if !ok {
		return stats.Snapshot{}, false, nil
	}
	return s.Clone(), true, nil
}

func (r *MemoryRepo) SaveStats(_ context.Context, id uuid.UUID, snap stats.Snapshot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[id]; !ok {
		return ErrNotFound
	}
	r.stats[id] = snap.Clone()
	return nil
}

func (r *MemoryRepo) GetNotificationSettings(_ context.Context, userID uuid.UUID) (notify.Settings, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.settings[userID]
	if !ok {
		return notify.Settings{UserID: userID}, nil
	}
	s.Recipients = append([]string(nil), s.Recipients...)
	return s, nil
}

func (r *MemoryRepo) SaveNotificationSettings(_ context.Context, s notify.Settings) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s.Recipients = append([]string(nil), s.Recipients...)
	r.settings[s.UserID] = s
	return nil
}

func cloneJob(j Job) Job {
	courses := make([]Course, len(j.Courses))
	for i, c := range j.Courses {
		groups := make([]SectionGroup, len(c.Groups))
		for gi, g := range c.Groups {
			groups[gi] = SectionGroup{Lecture: g.Lecture, Discussions: append([]string(nil), g.Discussions...)}
		}
		courses[i] = Course{Department: c.Department, Code: c.Code, Groups: groups}
	}
	j.Courses = courses
	return j
}
