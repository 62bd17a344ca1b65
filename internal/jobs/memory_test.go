package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/seatwatch/internal/notify"
	"github.com/example/seatwatch/internal/stats"
)

func TestMemoryRepoLifecycle(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	user := uuid.New()

	j := validJob()
	j.UserID = user
	require.NoError(t, r.CreateJob(ctx, &j))
	require.NotEqual(t, uuid.Nil, j.ID)

	got, err := r.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, StateStopped, got.State)

	got.Courses[0].Code = "mutated"
	again, _ := r.GetJob(ctx, j.ID)
	assert.Equal(t, "100", again.Courses[0].Code, "returned jobs are copies")

	require.NoError(t, r.SetState(ctx, j.ID, StateRunning))
	running, err := r.ListJobsInState(ctx, StateRunning)
	require.NoError(t, err)
	assert.Len(t, running, 1)

	now := time.Now()
	msg := "boom"
	require.NoError(t, r.SaveRuntime(ctx, j.ID, Runtime{Connected: true, LastCheckAt: &now, LastError: &msg}))
	require.NoError(t, r.SaveToken(ctx, j.ID, "sealed", now))
	got, _ = r.GetJob(ctx, j.ID)
	assert.True(t, got.Connected)
	assert.Equal(t, "sealed", got.SealedToken)

	st := stats.New(nil)
	st.RecordCheck()
	require.NoError(t, r.SaveStats(ctx, j.ID, st.Snapshot()))
	snap, found, err := r.LoadStats(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, uint64(1), snap.TotalChecks)

	require.NoError(t, r.DeleteJob(ctx, j.ID))
	_, err = r.GetJob(ctx, j.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, found, _ = r.LoadStats(ctx, j.ID)
	assert.False(t, found)
	assert.True(t, errors.Is(r.DeleteJob(ctx, j.ID), ErrNotFound))
	assert.True(t, errors.Is(r.SetState(ctx, j.ID, StateStopped), ErrNotFound))
}

func TestMemoryRepoNotificationSettings(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepo()
	user := uuid.New()

	s, err := r.GetNotificationSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, user, s.UserID)
	assert.Empty(t, s.Recipients)

	require.NoError(t, r.SaveNotificationSettings(ctx, notify.Settings{UserID: user, Recipients: []string{"a@example.com"}}))
	s, err = r.GetNotificationSettings(ctx, user)
	require.NoError(t, err)
	assert.Equal(t, []string{"a@example.com"}, s.Recipients)
}
