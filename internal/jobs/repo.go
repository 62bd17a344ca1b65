package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/seatwatch/internal/db"
	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/stats"
)

// Repo stores jobs, their stats and users' notification settings in
// Postgres. Courses and stats snapshots are JSONB documents.
type Repo struct{ db *db.DB }

func NewRepo(d *db.DB) *Repo { return &Repo{db: d} }

const jobColumns = `id,user_id,term,interval_seconds,threshold,courses,sealed_token,token_refreshed_at,state,connected,last_check_at,last_error,created_at,updated_at`

func (r *Repo) CreateJob(ctx context.Context, j *Job) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	if j.State == "" {
		j.State = StateStopped
	}
	courses, err := json.Marshal(j.Courses)
	if err != nil {
		return fmt.Errorf("encode courses: %w", err)
	}
	err = r.db.QueryRow(ctx, `
INSERT INTO jobs(id,user_id,term,interval_seconds,threshold,courses,sealed_token,token_refreshed_at,state)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING created_at, updated_at`,
		j.ID, j.UserID, j.Term, j.IntervalSec, j.Threshold, courses, j.SealedToken, j.TokenRefreshedAt, string(j.State),
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	return db.WrapNotFound(err)
}

func (r *Repo) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := scanJob(r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id=$1`, id))
	if err != nil {
		if db.IsNotFound(err) {
			return Job{}, ErrNotFound
		}
		return Job{}, db.WrapNotFound(err)
	}
	return j, nil
}

func (r *Repo) ListJobs(ctx context.Context, userID uuid.UUID) ([]Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE user_id=$1 ORDER BY created_at DESC`, userID)
}

func (r *Repo) ListJobsInState(ctx context.Context, state State) ([]Job, error) {
	return r.list(ctx, `SELECT `+jobColumns+` FROM jobs WHERE state=$1 ORDER BY created_at ASC`, string(state))
}

func (r *Repo) list(ctx context.Context, sql string, args ...any) ([]Job, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, db.WrapNotFound(err)
	}
	defer rows.Close()

	out := []Job{}
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func scanJob(row db.Row) (Job, error) {
	var (
		j       Job
		courses []byte
		state   string
	)
	if err := row.Scan(&j.ID, &j.UserID, &j.Term, &j.IntervalSec, &j.Threshold, &courses, &j.SealedToken,
		&j.TokenRefreshedAt, &state, &j.Connected, &j.LastCheckAt, &j.LastError, &j.CreatedAt, &j.UpdatedAt); err != nil {
		return Job{}, err
	}
	if err := json.Unmarshal(courses, &j.Courses); err != nil {
		return Job{}, fmt.Errorf("decode courses for %s: %w", j.ID, err)
	}
	j.State = State(state)
	return j, nil
}

func (r *Repo) UpdateConfig(ctx context.Context, j Job) error {
	courses, err := json.Marshal(j.Courses)
	if err != nil {
		return fmt.Errorf("encode courses: %w", err)
	}
	return r.mustAffect(r.db.ExecAffected(ctx, `
UPDATE jobs SET term=$2, interval_seconds=$3, threshold=$4, courses=$5, sealed_token=$6, token_refreshed_at=$7, updated_at=now()
WHERE id=$1`, j.ID, j.Term, j.IntervalSec, j.Threshold, courses, j.SealedToken, j.TokenRefreshedAt))
}

// DeleteJob removes the job; job_stats goes with it by cascade.
func (r *Repo) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return r.mustAffect(r.db.ExecAffected(ctx, `DELETE FROM jobs WHERE id=$1`, id))
}

func (r *Repo) SetState(ctx context.Context, id uuid.UUID, state State) error {
	return r.mustAffect(r.db.ExecAffected(ctx, `UPDATE jobs SET state=$2, updated_at=now() WHERE id=$1`, id, string(state)))
}

func (r *Repo) SaveRuntime(ctx context.Context, id uuid.UUID, rt Runtime) error {
	return r.mustAffect(r.db.ExecAffected(ctx,
		`UPDATE jobs SET connected=$2, last_check_at=$3, last_error=$4 WHERE id=$1`,
		id, rt.Connected, rt.LastCheckAt, rt.LastError))
}

func (r *Repo) SaveToken(ctx context.Context, id uuid.UUID, sealed string, refreshedAt time.Time) error {
	return r.mustAffect(r.db.ExecAffected(ctx,
		`UPDATE jobs SET sealed_token=$2, token_refreshed_at=$3 WHERE id=$1`, id, sealed, refreshedAt))
}

func (r *Repo) mustAffect(n int64, err error) error {
	if err != nil {
		return db.WrapNotFound(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) LoadStats(ctx context.Context, id uuid.UUID) (stats.Snapshot, bool, error) {
	var raw []byte
	err := r.db.QueryRow(ctx, `SELECT snapshot FROM job_stats WHERE job_id=$1`, id).Scan(&raw)
	if db.IsNotFound(err) {
		return stats.Snapshot{}, false, nil
	}
	if err != nil {
		return stats.Snapshot{}, false, db.WrapNotFound(err)
	}
	var snap stats.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return stats.Snapshot{}, false, fmt.Errorf("decode stats for %s: %w", id, err)
	}
	return snap, true, nil
}

// SaveStats upserts the snapshot. Only the job's own worker calls it, so a
// later write always carries counters at least as large as the stored ones.
func (r *Repo) SaveStats(ctx context.Context, id uuid.UUID, snap stats.Snapshot) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode stats: %w", err)
	}
	return db.WrapNotFound(r.db.Exec(ctx, `
INSERT INTO job_stats(job_id, snapshot, updated_at) VALUES ($1,$2,now())
ON CONFLICT (job_id) DO UPDATE SET snapshot=EXCLUDED.snapshot, updated_at=now()`, id, raw))
}

func (r *Repo) GetNotificationSettings(ctx context.Context, userID uuid.UUID) (notify.Settings, error) {
	s := notify.Settings{UserID: userID}
	err := r.db.QueryRow(ctx, `
SELECT smtp_username, sealed_password, recipients, webhook_url, updated_at
FROM notification_settings WHERE user_id=$1`, userID).
		Scan(&s.SMTPUsername, &s.SealedPassword, &s.Recipients, &s.WebhookURL, &s.UpdatedAt)
	if db.IsNotFound(err) {
		return notify.Settings{UserID: userID}, nil
	}
	if err != nil {
		return notify.Settings{}, db.WrapNotFound(err)
	}
	return s, nil
}

func (r *Repo) SaveNotificationSettings(ctx context.Context, s notify.Settings) error {
	recipients := s.Recipients
	if recipients == nil {
		recipients = []string{}
	}
	return db.WrapNotFound(r.db.Exec(ctx, `
INSERT INTO notification_settings(user_id, smtp_username, sealed_password, recipients, webhook_url, updated_at)
VALUES ($1,$2,$3,$4,$5,now())
ON CONFLICT (user_id) DO UPDATE SET
	smtp_username=EXCLUDED.smtp_username,
	sealed_password=EXCLUDED.sealed_password,
	recipients=EXCLUDED.recipients,
	webhook_url=EXCLUDED.webhook_url,
	updated_at=now()`, s.UserID, s.SMTPUsername, s.SealedPassword, recipients, s.WebhookURL))
}
