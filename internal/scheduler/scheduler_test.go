package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pressline/internal/clock"
	"pressline/internal/domain"
	"pressline/internal/repo"
	"pressline/internal/testutil"
)

func newScheduler(t *testing.T) (*Scheduler, *clock.Fake, repo.Repo) {
	t.Helper()
	r := repo.Repo{DB: testutil.NewDB(t)}
	clk := clock.NewFake(testutil.Epoch)
	return New(r, clk, nil), clk, r
}

func TestScheduleFiresOnceAtBusinessDayOffset(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newScheduler(t)
	var runs atomic.Int32
	s.Register("ping", func(context.Context, domain.ScheduledAction) error {
		runs.Add(1)
		return nil
	})

	fireAt := clock.AddBusinessDays(clk.Now(), 5)
	id, err := s.Schedule(ctx, fireAt, Action{Kind: "ping"})
	require.NoError(t, err)

	n, err := s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	pending, err := s.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)

	clk.Set(fireAt)
	n, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, runs.Load())

	pending, err = s.ListPending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestCancelBeforeFireTime(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newScheduler(t)
	var runs atomic.Int32
	s.Register("ping", func(context.Context, domain.ScheduledAction) error {
		runs.Add(1)
		return nil
	})

	id, err := s.Schedule(ctx, clk.Now().Add(time.Hour), Action{Kind: "ping"})
	require.NoError(t, err)
	ok, err := s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok, "second cancel is a no-op")
	ok, err = s.Cancel(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	clk.Advance(2 * time.Hour)
	_, err = s.Tick(ctx)
	require.NoError(t, err)
	assert.Zero(t, runs.Load())
}

func TestPastDueRunsImmediatelyWithoutRow(t *testing.T) {
	ctx := context.Background()
	s, clk, r := newScheduler(t)
	var got domain.ScheduledAction
	s.Register("ping", func(_ context.Context, a domain.ScheduledAction) error {
		got = a
		return nil
	})

	id, err := s.Schedule(ctx, clk.Now().Add(-time.Minute), Action{Kind: "ping", TaskID: "t-1"})
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "t-1", got.TaskID)

	_, err = r.GetScheduledAction(ctx, id)
	require.ErrorIs(t, err, repo.ErrNotFound)
}

func TestFailedActionIsNotRetried(t *testing.T) {
	ctx := context.Background()
	s, clk, r := newScheduler(t)
	var runs atomic.Int32
	s.Register("boom", func(context.Context, domain.ScheduledAction) error {
		runs.Add(1)
		return errors.New("store unreachable")
	})

	id, err := s.Schedule(ctx, clk.Now().Add(time.Minute), Action{Kind: "boom"})
	require.NoError(t, err)
	clk.Advance(time.Hour)
	for i := 0; i < 3; i++ {
		_, err := s.Tick(ctx)
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, runs.Load())

	a, err := r.GetScheduledAction(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.ActionFailed, a.Status)
	assert.Equal(t, "store unreachable", a.Error)
}

func TestConcurrentTicksFireAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s, clk, _ := newScheduler(t)
	counts := sync.Map{}
	s.Register("ping", func(_ context.Context, a domain.ScheduledAction) error {
		v, _ := counts.LoadOrStore(a.ID, new(atomic.Int32))
		v.(*atomic.Int32).Add(1)
		return nil
	})
	for i := 0; i < 10; i++ {
		_, err := s.Schedule(ctx, clk.Now().Add(time.Minute), Action{Kind: "ping"})
		require.NoError(t, err)
	}
	clk.Advance(time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.Tick(ctx)
		}()
	}
	wg.Wait()

	total := 0
	counts.Range(func(_, v any) bool {
		assert.EqualValues(t, 1, v.(*atomic.Int32).Load())
		total++
		return true
	})
	assert.Equal(t, 10, total)
}

func TestScheduleUnknownKind(t *testing.T) {
	s, clk, _ := newScheduler(t)
	_, err := s.Schedule(context.Background(), clk.Now().Add(time.Hour), Action{Kind: "nope"})
	var verr domain.ValidationError
	require.ErrorAs(t, err, &verr)
}
