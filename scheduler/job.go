package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// RunFunc is one pass of a sweep.
type RunFunc func(ctx context.Context) error

// Job is a periodically triggered sweep. Each job owns its timer, so jobs
// can be started and stopped one by one, and a guard makes sure a job never
// overlaps with its own previous run.
type Job struct {
	name     string
	interval time.Duration
	run      RunFunc
	locker   Locker
	lockTTL  time.Duration
	logger   *zap.Logger

	running atomic.Bool

	mu      sync.Mutex
	cron    *cron.Cron
	baseCtx context.Context
	stats   JobInfo
}

// JobInfo is a snapshot of a job's state for operators.
type JobInfo struct {
	Name         string        `json:"name"`
	Interval     string        `json:"interval"`
	Active       bool          `json:"active"`
	Running      bool          `json:"running"`
	Runs         int64         `json:"runs"`
	Skipped      int64         `json:"skipped"`
	LastStart    *time.Time    `json:"lastStart,omitempty"`
	LastDuration time.Duration `json:"lastDurationNs"`
	LastError    string        `json:"lastError,omitempty"`
}

func NewJob(name string, interval time.Duration, run RunFunc, logger *zap.Logger) *Job {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Job{
		name:     name,
		interval: interval,
		run:      run,
		logger:   logger.With(zap.String("job", name)),
	}
}

// WithLease makes every run acquire the named lease first.
func (j *Job) WithLease(l Locker, ttl time.Duration) *Job {
	j.locker = l
	j.lockTTL = ttl
	return j
}

func (j *Job) Name() string { return j.name }

// Start arms the job's timer; runs use ctx until Stop.
func (j *Job) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.cron != nil {
		return nil
	}
	c := cron.New(cron.WithLogger(cronLogger{j.logger.Sugar()}))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", j.interval), func() { j.Trigger(j.context()) }); err != nil {
		return fmt.Errorf("schedule %s: %w", j.name, err)
	}
	j.baseCtx = ctx
	j.cron = c
	c.Start()
	j.logger.Info("job started", zap.Duration("interval", j.interval))
	return nil
}

// Stop disarms the timer and waits for a run in progress to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	c := j.cron
	j.cron = nil
	j.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	j.logger.Info("job stopped")
}

func (j *Job) Active() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cron != nil
}

func (j *Job) Running() bool { return j.running.Load() }

// Trigger runs the job now unless a previous run is still active or another
// replica holds the lease. It reports whether the run happened.
func (j *Job) Trigger(ctx context.Context) bool {
	if !j.running.CompareAndSwap(false, true) {
		j.logger.Warn("previous run still active, skipping")
		j.mu.Lock()
		j.stats.Skipped++
		j.mu.Unlock()
		return false
	}
	defer j.running.Store(false)

	if j.locker != nil {
		release, ok, err := j.locker.Acquire(ctx, j.name, j.lockTTL)
		if err != nil {
			j.logger.Warn("lease unavailable, skipping run", zap.Error(err))
			return false
		}
		if !ok {
			j.logger.Debug("lease held elsewhere, skipping run")
			return false
		}
		defer release()
	}

	start := time.Now()
	err := j.safeRun(ctx)
	elapsed := time.Since(start)

	j.mu.Lock()
	j.stats.Runs++
	j.stats.LastStart = &start
	j.stats.LastDuration = elapsed
	j.stats.LastError = ""
	if err != nil {
		j.stats.LastError = err.Error()
	}
	j.mu.Unlock()

	if err != nil {
		j.logger.Error("run failed", zap.Duration("elapsed", elapsed), zap.Error(err))
	} else {
		j.logger.Debug("run finished", zap.Duration("elapsed", elapsed))
	}
	return true
}

func (j *Job) safeRun(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			j.logger.Error("run panicked", zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
		}
	}()
	return j.run(ctx)
}

func (j *Job) Info() JobInfo {
	j.mu.Lock()
	info := j.stats
	info.Active = j.cron != nil
	j.mu.Unlock()

	info.Name = j.name
	info.Interval = j.interval.String()
	info.Running = j.running.Load()
	if info.LastStart != nil {
		ts := *info.LastStart
		info.LastStart = &ts
	}
	return info
}

func (j *Job) context() context.Context {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.baseCtx == nil {
		return context.Background()
	}
	return j.baseCtx
}

// cronLogger routes robfig/cron's own messages to zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
