// Package memstore is an in-process task.Repository used by tests and by
// the server when no database is configured.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"delogo/task"
)

type Store struct {
	mu     sync.RWMutex
	tasks  map[string]*task.Task
	nextID int64
	now    func() time.Time
}

func New() *Store {
	return &Store{
		tasks: make(map[string]*task.Task),
		now:   time.Now,
	}
}

func (s *Store) Create(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[t.TaskID]; exists {
		return task.ErrDuplicateTaskID
	}
	s.nextID++
	now := s.now()
	t.ID = s.nextID
	t.Version = 1
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.TaskID] = t.Clone()
	return nil
}

func (s *Store) GetByTaskID(_ context.Context, taskID string) (*task.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tasks[taskID]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (s *Store) Update(_ context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.TaskID]
	if !ok {
		return task.ErrNotFound
	}
	if cur.Version != t.Version {
		return task.ErrConflict
	}
	t.Version++
	t.ID = cur.ID
	t.CreatedAt = cur.CreatedAt
	t.UpdatedAt = s.now()
	s.tasks[t.TaskID] = t.Clone()
	return nil
}

func (s *Store) ListProcessing(_ context.Context) ([]*task.Task, error) {
	return s.filter(func(t *task.Task) bool {
		return t.Status == task.StatusProcessing
	}), nil
}

func (s *Store) ListRetryEligible(_ context.Context, now time.Time) ([]*task.Task, error) {
	return s.filter(func(t *task.Task) bool {
		return t.RetryEligible(now)
	}), nil
}

func (s *Store) ListExpiredProcessing(_ context.Context, now time.Time) ([]*task.Task, error) {
	return s.filter(func(t *task.Task) bool {
		return t.Status == task.StatusProcessing && t.ExpiresAt != nil && t.ExpiresAt.Before(now)
	}), nil
}

func (s *Store) ListUnbilled(_ context.Context) ([]*task.Task, error) {
	return s.filter(func(t *task.Task) bool {
		return t.Status == task.StatusCompleted && !t.CreditProcessed && !t.IsFree
	}), nil
}

func (s *Store) CountByStatus(_ context.Context) (map[task.Status]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[task.Status]int)
	for _, t := range s.tasks {
		counts[t.Status]++
	}
	return counts, nil
}

// filter returns matching snapshots ordered by creation, oldest first.
func (s *Store) filter(keep func(*task.Task) bool) []*task.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*task.Task
	for _, t := range s.tasks {
		if keep(t) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
