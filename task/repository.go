package task

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrConflict        = errors.New("task was modified concurrently")
	ErrDuplicateTaskID = errors.New("task id already exists")
)

// Repository is the durable store for tasks. Reads return snapshots the
// caller owns; every mutation goes through Update.
type Repository interface {
	Create(ctx context.Context, t *Task) error
	GetByTaskID(ctx context.Context, taskID string) (*Task, error)
	ListProcessing(ctx context.Context) ([]*Task, error)
	ListRetryEligible(ctx context.Context, now time.Time) ([]*Task, error)
	ListExpiredProcessing(ctx context.Context, now time.Time) ([]*Task, error)
	ListUnbilled(ctx context.Context) ([]*Task, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// Update writes the whole record if the stored version still equals
	// t.Version, then increments t.Version. Otherwise it returns ErrConflict.
	Update(ctx context.Context, t *Task) error
}
