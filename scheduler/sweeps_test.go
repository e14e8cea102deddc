package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"delogo/task"
	"delogo/task/memstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeLifecycle struct {
	mu         sync.Mutex
	resubmit   []string
	expired    []string
	reconciled []string
	credited   []string
	panicOn    string
	failOn     string
}

func (f *fakeLifecycle) step(list *[]string, id string) error {
	if id == f.panicOn {
		panic("broken task " + id)
	}
	f.mu.Lock()
	*list = append(*list, id)
	f.mu.Unlock()
	if id == f.failOn {
		return errors.New("step failed")
	}
	return nil
}

func (f *fakeLifecycle) Resubmit(_ context.Context, id string) (bool, error) {
	return true, f.step(&f.resubmit, id)
}

func (f *fakeLifecycle) Expire(_ context.Context, id string) (bool, error) {
	return true, f.step(&f.expired, id)
}

func (f *fakeLifecycle) Reconcile(_ context.Context, t *task.Task) error {
	return f.step(&f.reconciled, t.TaskID)
}

func (f *fakeLifecycle) ProcessCredits(_ context.Context, id string) (bool, error) {
	return true, f.step(&f.credited, id)
}

func seed(t *testing.T, store *memstore.Store, now time.Time) {
	t.Helper()
	ctx := context.Background()
	past := now.Add(-time.Minute)
	future := now.Add(time.Hour)

	add := func(id string, status task.Status, mod func(*task.Task)) {
		tk := &task.Task{
			UserID:     "u",
			TaskID:     id,
			Status:     status,
			InputRef:   "in",
			Regions:    []task.Region{{Width: 0.1, Height: 0.1}},
			MaxRetries: 3,
			ExpiresAt:  &future,
		}
		if mod != nil {
			mod(tk)
		}
		require.NoError(t, store.Create(ctx, tk))
	}
	add("p1", task.StatusProcessing, nil)
	add("p2", task.StatusProcessing, nil)
	add("p3", task.StatusProcessing, func(tk *task.Task) { tk.ExpiresAt = &past })
	add("f1", task.StatusFailed, func(tk *task.Task) { tk.RetryCount = 1; tk.NextRetryAt = &past })
	add("f2", task.StatusFailed, func(tk *task.Task) { tk.RetryCount = 1; tk.NextRetryAt = &future })
	add("f3", task.StatusFailed, func(tk *task.Task) { tk.RetryCount = 1; tk.NextRetryAt = &past })
	add("c1", task.StatusCompleted, nil)
	add("c2", task.StatusCompleted, func(tk *task.Task) { tk.IsFree = true })
}

func TestSweeps_RetryContinuesPastBrokenTasks(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	seed(t, store, now)

	lc := &fakeLifecycle{panicOn: "f1"}
	s := NewSweeps(lc, store, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	require.NoError(t, s.Retry(context.Background()))
	assert.Equal(t, []string{"f3"}, lc.resubmit)
}

func TestSweeps_Cleanup(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	seed(t, store, now)

	lc := &fakeLifecycle{}
	s := NewSweeps(lc, store, zaptest.NewLogger(t), WithClock(func() time.Time { return now }))

	require.NoError(t, s.Cleanup(context.Background()))
	assert.Equal(t, []string{"p3"}, lc.expired)
}

func TestSweeps_SyncPollsThenBills(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	seed(t, store, now)

	lc := &fakeLifecycle{failOn: "p2"}
	s := NewSweeps(lc, store, zaptest.NewLogger(t), WithConcurrency(2))

	require.NoError(t, s.Sync(context.Background()))
	assert.ElementsMatch(t, []string{"p1", "p2", "p3"}, lc.reconciled)
	assert.Equal(t, []string{"c1"}, lc.credited)
}

func TestSweeps_StatsIsReadOnly(t *testing.T) {
	now := time.Now()
	store := memstore.New()
	seed(t, store, now)
	mr, rdb := newRedis(t)

	before := map[string]int64{}
	for _, id := range []string{"p1", "f1", "c1"} {
		tk, err := store.GetByTaskID(context.Background(), id)
		require.NoError(t, err)
		before[id] = tk.Version
	}

	s := NewSweeps(&fakeLifecycle{}, store, zaptest.NewLogger(t), WithStatsSink(rdb))
	require.NoError(t, s.Stats(context.Background()))
	require.NoError(t, s.Stats(context.Background()))

	st := s.LastStats()
	require.NotNil(t, st)
	assert.Equal(t, 3, st.Counts[task.StatusProcessing])
	assert.Equal(t, 3, st.Counts[task.StatusFailed])
	assert.Equal(t, 2, st.Counts[task.StatusCompleted])

	assert.Equal(t, "3", mr.HGet(statsKey, "processing"))
	assert.Equal(t, "2", mr.HGet(statsKey, "completed"))
	sweeps, err := mr.Get(statsSweepsKey)
	require.NoError(t, err)
	assert.Equal(t, "2", sweeps)

	for id, v := range before {
		tk, err := store.GetByTaskID(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, v, tk.Version, "stats sweep must not write %s", id)
	}
}

func TestSweeps_Register(t *testing.T) {
	sch := New(zaptest.NewLogger(t))
	s := NewSweeps(&fakeLifecycle{}, memstore.New(), zaptest.NewLogger(t))
	_, rdb := newRedis(t)

	require.NoError(t, s.Register(sch, DefaultIntervals(), NewRedisLocker(rdb), time.Minute))
	var names []string
	for _, info := range sch.Jobs() {
		names = append(names, info.Name)
	}
	assert.Equal(t, []string{JobRetry, JobCleanup, JobSync, JobStats}, names)

	j, err := sch.Job(JobCleanup)
	require.NoError(t, err)
	assert.True(t, j.Trigger(context.Background()))
	assert.Empty(t, j.Info().LastError)
}
