package jobs

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeExpirer struct {
	n     int
	err   error
	calls int
}

func (f *fakeExpirer) ExpireIdle(context.Context) (int, error) {
	f.calls++
	return f.n, f.err
}

// fakeRetrier reports the queued batch sizes in order, then zero.
type fakeRetrier struct {
	batches  []int
	limits   []int
	attempts []string
	err      error
}

func (f *fakeRetrier) RetryDue(_ context.Context, limit int) (int, error) {
	f.limits = append(f.limits, limit)
	if f.err != nil {
		return 0, f.err
	}
	if len(f.batches) == 0 {
		return 0, nil
	}
	n := f.batches[0]
	f.batches = f.batches[1:]
	return n, nil
}

func (f *fakeRetrier) RetryAttempt(_ context.Context, id string) error {
	f.attempts = append(f.attempts, id)
	return f.err
}

func TestExpireIdleHandler(t *testing.T) {
	exp := &fakeExpirer{n: 3}
	h := NewHandlers(exp, &fakeRetrier{}, 10, zap.NewNop())

	require.NoError(t, h.handleExpireIdle(context.Background(), asynq.NewTask(TypeExpireIdle, nil)))
	assert.Equal(t, 1, exp.calls)

	exp.err = errors.New("db down")
	assert.Error(t, h.handleExpireIdle(context.Background(), asynq.NewTask(TypeExpireIdle, nil)))
}

func TestRetrySweepDrainsFullBatches(t *testing.T) {
	r := &fakeRetrier{batches: []int{10, 10, 4}}
	h := NewHandlers(&fakeExpirer{}, r, 10, zap.NewNop())

	require.NoError(t, h.handleRetrySweep(context.Background(), asynq.NewTask(TypeRetrySweep, nil)))
	assert.Equal(t, []int{10, 10, 10}, r.limits)
}

func TestRetrySweepError(t *testing.T) {
	r := &fakeRetrier{err: errors.New("redis down")}
	h := NewHandlers(&fakeExpirer{}, r, 0, zap.NewNop())

	assert.Error(t, h.handleRetrySweep(context.Background(), asynq.NewTask(TypeRetrySweep, nil)))
	assert.Equal(t, []int{100}, r.limits)
}

func TestDeliveryRetryHandler(t *testing.T) {
	r := &fakeRetrier{}
	h := NewHandlers(&fakeExpirer{}, r, 10, zap.NewNop())

	at := time.Date(2024, 5, 1, 10, 1, 0, 0, time.UTC)
	task, opts := NewDeliveryRetryTask("att-1", at)
	assert.Equal(t, TypeDeliveryRetry, task.Type())
	assert.Len(t, opts, 4)

	require.NoError(t, h.handleDeliveryRetry(context.Background(), task))
	assert.Equal(t, []string{"att-1"}, r.attempts)

	err := h.handleDeliveryRetry(context.Background(), asynq.NewTask(TypeDeliveryRetry, nil))
	assert.True(t, errors.Is(err, asynq.SkipRetry))
}

func TestMuxRoutesTaskTypes(t *testing.T) {
	exp := &fakeExpirer{}
	r := &fakeRetrier{}
	mux := NewHandlers(exp, r, 10, zap.NewNop()).Mux()

	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeExpireIdle, nil)))
	require.NoError(t, mux.ProcessTask(context.Background(), asynq.NewTask(TypeDeliveryRetry, []byte("att-2"))))
	assert.Equal(t, 1, exp.calls)
	assert.Equal(t, []string{"att-2"}, r.attempts)
}
