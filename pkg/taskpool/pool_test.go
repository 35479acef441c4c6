package taskpool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingReporter struct {
	mu       sync.Mutex
	maxCount int
	last     int
}

func (r *recordingReporter) SetStageTaskInfo(name string, limit, count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.last = count
	if count > r.maxCount {
		r.maxCount = count
	}
}

func newTestPool(limit int, reporter Reporter) *Pool {
	return New("test", limit, reporter, zerolog.Nop())
}

func TestSubmit_BlocksAtLimit(t *testing.T) {
	const limit = 3
	reporter := &recordingReporter{}
	pool := newTestPool(limit, reporter)
	ctx := context.Background()

	release := make(chan struct{})
	var running atomic.Int32
	var peak atomic.Int32
	blocker := func(ctx context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		running.Add(-1)
		return nil
	}

	for i := 0; i < limit; i++ {
		require.NoError(t, pool.Submit(ctx, blocker))
	}

	submitted := make(chan error, 1)
	go func() {
		submitted <- pool.Submit(ctx, blocker)
	}()

	select {
	case err := <-submitted:
		t.Fatalf("submit beyond limit returned early: %v", err)
	case <-time.After(100 * time.Millisecond):
	}

	// One completion is enough to unblock the waiting submit.
	release <- struct{}{}

	select {
	case err := <-submitted:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not resume after a unit completed")
	}

	close(release)
	require.NoError(t, pool.Drain(ctx))

	assert.LessOrEqual(t, int(peak.Load()), limit)
	assert.LessOrEqual(t, reporter.maxCount, limit)
	assert.Equal(t, 0, reporter.last)
	assert.Equal(t, 0, pool.Len())
}

func TestSubmit_SurfacesFirstFault(t *testing.T) {
	pool := newTestPool(2, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return boom }))
	time.Sleep(50 * time.Millisecond)

	started := false
	err := pool.Submit(ctx, func(context.Context) error { started = true; return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.ErrorIs(t, err, boom)
	assert.False(t, started)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	assert.Equal(t, "test", taskErr.Stage)
	assert.Equal(t, 0, pool.Len())
}

func TestSubmit_FaultObservedAfterWait(t *testing.T) {
	pool := newTestPool(1, nil)
	ctx := context.Background()
	boom := errors.New("boom")

	release := make(chan struct{})
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { <-release; return boom }))

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()

	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, boom)
}

func TestDrain_JoinsFaults(t *testing.T) {
	pool := newTestPool(4, nil)
	ctx := context.Background()
	errA := errors.New("a")
	errB := errors.New("b")

	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return errA }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return errB }))
	require.NoError(t, pool.Submit(ctx, func(context.Context) error { return nil }))

	err := pool.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Equal(t, 0, pool.Len())
}

func TestDrain_WaitsForAllUnits(t *testing.T) {
	pool := newTestPool(8, nil)
	ctx := context.Background()

	var completed atomic.Int32
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Submit(ctx, func(context.Context) error {
			time.Sleep(20 * time.Millisecond)
			completed.Add(1)
			return nil
		}))
	}

	require.NoError(t, pool.Drain(ctx))
	assert.Equal(t, int32(8), completed.Load())
}

func TestSubmit_PanicBecomesFault(t *testing.T) {
	pool := newTestPool(1, nil)
	ctx := context.Background()

	require.NoError(t, pool.Submit(ctx, func(context.Context) error { panic("kaboom") }))

	err := pool.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTaskFailed)
	assert.Contains(t, err.Error(), "kaboom")
}

func TestSubmit_ContextCancelledWhileWaiting(t *testing.T) {
	pool := newTestPool(1, nil)
	release := make(chan struct{})
	defer close(release)

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { <-release; return nil }))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := pool.Submit(ctx, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNew_ClampsLimit(t *testing.T) {
	pool := newTestPool(0, nil)
	assert.Equal(t, 1, pool.Limit())
	assert.Equal(t, "test", pool.Name())
}

func TestStage_AggregatesPools(t *testing.T) {
	reporter := &recordingReporter{}
	stage := NewStage("preprocess", reporter)
	ctx := context.Background()

	release := make(chan struct{})
	blocker := func(ctx context.Context) error {
		<-release
		return nil
	}

	first := stage.New(2, zerolog.Nop())
	second := stage.New(2, zerolog.Nop())
	require.NoError(t, first.Submit(ctx, blocker))
	require.NoError(t, second.Submit(ctx, blocker))
	require.NoError(t, second.Submit(ctx, blocker))

	assert.Equal(t, 3, stage.Count())
	assert.Equal(t, 3, reporter.last)
	assert.Equal(t, "preprocess", first.Name())

	close(release)
	require.NoError(t, first.Drain(ctx))
	assert.Equal(t, 2, stage.Count())

	require.NoError(t, second.Drain(ctx))
	assert.Equal(t, 0, stage.Count())
	assert.Equal(t, 0, reporter.last)
	assert.Equal(t, 3, reporter.maxCount)
}
