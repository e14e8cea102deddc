package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"delogo/task"

	"github.com/redis/go-redis/v9"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobRetry   = "retry"
	JobCleanup = "cleanup"
	JobSync    = "sync"
	JobStats   = "stats"

	statsKey       = "metrics:tasks:last"
	statsSweepsKey = "metrics:tasks:sweeps"
)

// Lifecycle is the part of task.Manager the sweeps drive.
type Lifecycle interface {
	Resubmit(ctx context.Context, taskID string) (bool, error)
	Expire(ctx context.Context, taskID string) (bool, error)
	Reconcile(ctx context.Context, t *task.Task) error
	ProcessCredits(ctx context.Context, taskID string) (bool, error)
}

type Intervals struct {
	Retry   time.Duration
	Cleanup time.Duration
	Sync    time.Duration
	Stats   time.Duration
}

func DefaultIntervals() Intervals {
	return Intervals{
		Retry:   2 * time.Minute,
		Cleanup: 10 * time.Minute,
		Sync:    5 * time.Minute,
		Stats:   time.Hour,
	}
}

// Stats is what the stats sweep records.
type Stats struct {
	At            time.Time           `json:"at"`
	Counts        map[task.Status]int `json:"counts"`
	CPUPercent    float64             `json:"cpuPercent"`
	MemoryPercent float64             `json:"memoryPercent"`
}

type Sweeps struct {
	lifecycle   Lifecycle
	repo        task.Repository
	rdb         redis.Cmdable
	logger      *zap.Logger
	concurrency int
	now         func() time.Time

	mu        sync.Mutex
	lastStats *Stats
}

type SweepsOption func(*Sweeps)

// WithStatsSink also writes stats into redis.
func WithStatsSink(rdb redis.Cmdable) SweepsOption { return func(s *Sweeps) { s.rdb = rdb } }

func WithConcurrency(n int) SweepsOption { return func(s *Sweeps) { s.concurrency = n } }

func WithClock(now func() time.Time) SweepsOption { return func(s *Sweeps) { s.now = now } }

func NewSweeps(lifecycle Lifecycle, repo task.Repository, logger *zap.Logger, opts ...SweepsOption) *Sweeps {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Sweeps{
		lifecycle:   lifecycle,
		repo:        repo,
		logger:      logger,
		concurrency: 4,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency < 1 {
		s.concurrency = 1
	}
	return s
}

// Register adds the four sweeps to sch. A nil locker disables leases.
func (s *Sweeps) Register(sch *Scheduler, iv Intervals, locker Locker, leaseTTL time.Duration) error {
	jobs := []*Job{
		NewJob(JobRetry, iv.Retry, s.Retry, s.logger),
		NewJob(JobCleanup, iv.Cleanup, s.Cleanup, s.logger),
		NewJob(JobSync, iv.Sync, s.Sync, s.logger),
		NewJob(JobStats, iv.Stats, s.Stats, s.logger),
	}
	for _, j := range jobs {
		if locker != nil {
			j.WithLease(locker, leaseTTL)
		}
		if err := sch.Add(j); err != nil {
			return err
		}
	}
	return nil
}

// Retry resubmits failed tasks whose backoff has elapsed.
func (s *Sweeps) Retry(ctx context.Context) error {
	tasks, err := s.repo.ListRetryEligible(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list retry-eligible tasks: %w", err)
	}
	resubmitted := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.guard(JobRetry, t.TaskID, func() error {
			ok, err := s.lifecycle.Resubmit(ctx, t.TaskID)
			if ok {
				resubmitted++
			}
			return err
		})
	}
	s.logger.Info("retry sweep done", zap.Int("candidates", len(tasks)), zap.Int("resubmitted", resubmitted))
	return nil
}

// Cleanup fails processing tasks that outlived their deadline.
func (s *Sweeps) Cleanup(ctx context.Context) error {
	tasks, err := s.repo.ListExpiredProcessing(ctx, s.now())
	if err != nil {
		return fmt.Errorf("list expired tasks: %w", err)
	}
	expired := 0
	for _, t := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.guard(JobCleanup, t.TaskID, func() error {
			ok, err := s.lifecycle.Expire(ctx, t.TaskID)
			if ok {
				expired++
			}
			return err
		})
	}
	s.logger.Info("cleanup sweep done", zap.Int("candidates", len(tasks)), zap.Int("expired", expired))
	return nil
}

// Sync polls every processing task, then settles billing for completed
// tasks that are still unbilled.
func (s *Sweeps) Sync(ctx context.Context) error {
	tasks, err := s.repo.ListProcessing(ctx)
	if err != nil {
		return fmt.Errorf("list processing tasks: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			s.guard(JobSync, t.TaskID, func() error {
				return s.lifecycle.Reconcile(gctx, t)
			})
			return nil
		})
	}
	_ = g.Wait()

	unbilled, err := s.repo.ListUnbilled(ctx)
	if err != nil {
		return fmt.Errorf("list unbilled tasks: %w", err)
	}
	billed := 0
	for _, t := range unbilled {
		s.guard(JobSync, t.TaskID, func() error {
			ok, err := s.lifecycle.ProcessCredits(ctx, t.TaskID)
			if ok {
				billed++
			}
			return err
		})
	}
	s.logger.Info("sync sweep done",
		zap.Int("polled", len(tasks)),
		zap.Int("unbilled", len(unbilled)),
		zap.Int("billed", billed))
	return nil
}

// Stats counts tasks by status and records a host load snapshot. It never
// writes task state.
func (s *Sweeps) Stats(ctx context.Context) error {
	counts, err := s.repo.CountByStatus(ctx)
	if err != nil {
		return fmt.Errorf("count tasks: %w", err)
	}
	st := &Stats{At: s.now(), Counts: counts}
	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		st.CPUPercent = pct[0]
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		st.MemoryPercent = vm.UsedPercent
	}

	s.mu.Lock()
	s.lastStats = st
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Float64("cpu_percent", st.CPUPercent),
		zap.Float64("mem_percent", st.MemoryPercent),
	}
	for _, status := range []task.Status{task.StatusProcessing, task.StatusCompleted, task.StatusFailed, task.StatusCancelled} {
		fields = append(fields, zap.Int(string(status), counts[status]))
	}
	s.logger.Info("task stats", fields...)

	if s.rdb == nil {
		return nil
	}
	values := map[string]any{
		"time":           st.At.Format(time.RFC3339),
		"cpu_percent":    st.CPUPercent,
		"memory_percent": st.MemoryPercent,
	}
	for status, n := range counts {
		values[string(status)] = n
	}
	if err := s.rdb.HSet(ctx, statsKey, values).Err(); err != nil {
		return fmt.Errorf("write stats: %w", err)
	}
	return s.rdb.Incr(ctx, statsSweepsKey).Err()
}

func (s *Sweeps) LastStats() *Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastStats
}

// guard runs one task's step; errors and panics are logged and the sweep
// moves on to the next task.
func (s *Sweeps) guard(job, taskID string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task step panicked",
				zap.String("job", job), zap.String("task_id", taskID),
				zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	if err := fn(); err != nil {
		s.logger.Warn("task step failed",
			zap.String("job", job), zap.String("task_id", taskID), zap.Error(err))
	}
}
