// Package scheduler runs the periodic sweeps that move tasks forward
// without a caller asking.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

var ErrUnknownJob = errors.New("unknown job")

type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*Job
	order  []string
	logger *zap.Logger
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:   make(map[string]*Job),
		logger: logger,
	}
}

func (s *Scheduler) Add(j *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[j.name]; exists {
		return fmt.Errorf("job %q already registered", j.name)
	}
	s.jobs[j.name] = j
	s.order = append(s.order, j.name)
	return nil
}

func (s *Scheduler) Job(name string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return j, nil
}

// Jobs lists the registered jobs in registration order.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]JobInfo, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.jobs[name].Info())
	}
	return out
}

func (s *Scheduler) StartAll(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, name := range s.order {
		if err := s.jobs[name].Start(ctx); err != nil {
			return err
		}
	}
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.order)))
	return nil
}

// StopAll stops every job and waits for runs in progress.
func (s *Scheduler) StopAll() {
	s.mu.RLock()
	jobs := make([]*Job, 0, len(s.order))
	for _, name := range s.order {
		jobs = append(jobs, s.jobs[name])
	}
	s.mu.RUnlock()

	var wg sync.WaitGroup
	for _, j := range jobs {
		wg.Add(1)
		go func(j *Job) {
			defer wg.Done()
			j.Stop()
		}(j)
	}
	wg.Wait()
	s.logger.Info("scheduler stopped")
}
