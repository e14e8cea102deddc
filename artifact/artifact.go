// Package artifact copies finished results into permanent storage in the
// background, retried independently of the task that produced them.
package artifact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"go.uber.org/zap"
)

const (
	TypePersist = "artifact:persist"
	QueueName   = "artifacts"
)

// Payload is the body of a persist job.
type Payload struct {
	TaskID      string `json:"taskId"`
	ExternalRef string `json:"externalRef"`
}

// Persister copies an external reference somewhere permanent.
type Persister interface {
	Persist(ctx context.Context, taskID, externalRef string) (string, error)
}

// Attacher records the permanent reference on the task.
type Attacher interface {
	AttachArtifact(ctx context.Context, taskID, externalRef, permanentRef string) (bool, error)
}

type Queue struct {
	client   *asynq.Client
	maxRetry int
	timeout  time.Duration
}

func NewQueue(opt asynq.RedisConnOpt, maxRetry int, timeout time.Duration) *Queue {
	return &Queue{
		client:   asynq.NewClient(opt),
		maxRetry: maxRetry,
		timeout:  timeout,
	}
}

func newPersistTask(taskID, externalRef string) (*asynq.Task, error) {
	if taskID == "" || externalRef == "" {
		return nil, errors.New("task id and external reference are required")
	}
	body, err := json.Marshal(Payload{TaskID: taskID, ExternalRef: externalRef})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePersist, body), nil
}

// EnqueuePersist schedules one copy per task; a second request for the
// same task while the first is pending is dropped.
func (q *Queue) EnqueuePersist(ctx context.Context, taskID, externalRef string) error {
	t, err := newPersistTask(taskID, externalRef)
	if err != nil {
		return err
	}
	_, err = q.client.EnqueueContext(ctx, t,
		asynq.Queue(QueueName),
		asynq.MaxRetry(q.maxRetry),
		asynq.Timeout(q.timeout),
		asynq.TaskID("persist:"+taskID),
	)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue artifact copy for %s: %w", taskID, err)
	}
	return nil
}

func (q *Queue) Close() error { return q.client.Close() }

type Worker struct {
	server    *asynq.Server
	mux       *asynq.ServeMux
	persister Persister
	attacher  Attacher
	logger    *zap.Logger
}

func NewWorker(opt asynq.RedisConnOpt, concurrency int, persister Persister, attacher Attacher, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if concurrency <= 0 {
		concurrency = 2
	}
	w := &Worker{
		server: asynq.NewServer(opt, asynq.Config{
			Concurrency: concurrency,
			Queues:      map[string]int{QueueName: 1},
			Logger:      logger.Sugar(),
		}),
		mux:       asynq.NewServeMux(),
		persister: persister,
		attacher:  attacher,
		logger:    logger,
	}
	w.mux.HandleFunc(TypePersist, w.HandlePersist)
	return w
}

// Run blocks until Shutdown.
func (w *Worker) Run() error {
	if err := w.server.Run(w.mux); err != nil && !errors.Is(err, asynq.ErrServerClosed) {
		return err
	}
	return nil
}

func (w *Worker) Shutdown() { w.server.Shutdown() }

// HandlePersist processes one persist job. A failed copy is returned to the
// queue for another attempt; the task keeps its external reference meanwhile.
func (w *Worker) HandlePersist(ctx context.Context, t *asynq.Task) error {
	var p Payload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode payload: %v: %w", err, asynq.SkipRetry)
	}
	if p.TaskID == "" || p.ExternalRef == "" {
		return fmt.Errorf("incomplete payload: %w", asynq.SkipRetry)
	}
	retried, _ := asynq.GetRetryCount(ctx)
	log := w.logger.With(zap.String("task_id", p.TaskID), zap.Int("retried", retried))

	permanent, err := w.persister.Persist(ctx, p.TaskID, p.ExternalRef)
	if err != nil {
		log.Warn("artifact copy failed, keeping runner reference", zap.Error(err))
		return err
	}
	ok, err := w.attacher.AttachArtifact(ctx, p.TaskID, p.ExternalRef, permanent)
	if err != nil {
		return fmt.Errorf("attach artifact: %w", err)
	}
	if !ok {
		log.Info("task no longer points at this result, artifact left unattached", zap.String("permanent_ref", permanent))
		return nil
	}
	log.Info("artifact attached", zap.String("permanent_ref", permanent))
	return nil
}
