package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/seatwatch/internal/webreg"
)

func TestRetryPolicyValidate(t *testing.T) {
	require.NoError(t, DefaultRetryPolicy().Validate())
	require.NoError(t, RetryPolicy{MaxAttempts: 1}.Validate())
	require.NoError(t, RetryPolicy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 2 * time.Second}.Validate())

	assert.Error(t, RetryPolicy{MaxAttempts: 0}.Validate())
	assert.Error(t, RetryPolicy{MaxAttempts: 3}.Validate(), "zero base delay")
	assert.Error(t, RetryPolicy{MaxAttempts: 5, BaseDelay: time.Second, MaxDelay: 4 * time.Second}.Validate(),
		"cap reached before the last retry")
}

func TestRetryDelaysStrictlyIncreaseAndAreBounded(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 6, BaseDelay: 500 * time.Millisecond, MaxDelay: 30 * time.Second}
	require.NoError(t, p.Validate())
	prev := time.Duration(0)
	for n := 1; n < p.MaxAttempts; n++ {
		d := p.Delay(n)
		assert.Greater(t, d, prev)
		assert.LessOrEqual(t, d, p.MaxDelay)
		prev = d
	}
	assert.Equal(t, p.MaxDelay, p.Delay(40))
}

func TestRetryDoTransportRetriedToMax(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: time.Second}
	sl := &sleepRecorder{}
	calls := 0
	attempts, err := p.Do(context.Background(), sl.sleep, webreg.IsRetryable, func(int) error {
		calls++
		return errors.Mark(errors.New("connection reset"), webreg.ErrTransport)
	})
	require.Error(t, err)
	assert.Equal(t, 4, attempts)
	assert.Equal(t, 4, calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, sl.delays)
}

func TestRetryDoRejectionNotRetried(t *testing.T) {
	sl := &sleepRecorder{}
	attempts, err := DefaultRetryPolicy().Do(context.Background(), sl.sleep, webreg.IsRetryable, func(int) error {
		return &webreg.RejectionError{Reason: webreg.ReasonRequisite, Message: "Prerequisite not met"}
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, sl.delays)
}

func TestRetryDoSucceedsLater(t *testing.T) {
	sl := &sleepRecorder{}
	attempts, err := DefaultRetryPolicy().Do(context.Background(), sl.sleep, webreg.IsRetryable, func(n int) error {
		if n < 2 {
			return errors.Mark(errors.New("502"), webreg.ErrTransport)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestRetryDoStopsWhenCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	attempts, err := DefaultRetryPolicy().Do(ctx, nil, webreg.IsRetryable, func(int) error {
		cancel()
		return errors.Mark(errors.New("timeout"), webreg.ErrTransport)
	})
	require.Error(t, err)
	assert.Equal(t, 1, attempts)
}
