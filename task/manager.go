package task

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"go.uber.org/zap"
)

// maxWriteAttempts bounds the read-modify-write loop when writers race.
const maxWriteAttempts = 5

// Manager is the only writer of task state. It owns the state machine,
// billing and retry scheduling; external calls always happen outside of a
// read-modify-write cycle.
type Manager struct {
	repo      Repository
	jobs      JobClient
	billing   BillingGateway
	artifacts ArtifactQueue
	events    EventPublisher
	policy    Policy
	logger    *zap.Logger
	now       func() time.Time
}

type Options struct {
	Policy    Policy
	Artifacts ArtifactQueue
	Events    EventPublisher
	Logger    *zap.Logger
	Clock     func() time.Time
}

func NewManager(repo Repository, jobs JobClient, billing BillingGateway, opts Options) (*Manager, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}
	if jobs == nil {
		return nil, errors.New("job client is nil")
	}
	if billing == nil {
		return nil, errors.New("billing gateway is nil")
	}
	if err := opts.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}
	m := &Manager{
		repo:      repo,
		jobs:      jobs,
		billing:   billing,
		artifacts: opts.Artifacts,
		events:    opts.Events,
		policy:    opts.Policy,
		logger:    opts.Logger,
		now:       opts.Clock,
	}
	if m.logger == nil {
		m.logger = zap.NewNop()
	}
	if m.now == nil {
		m.now = time.Now
	}
	return m, nil
}

func (m *Manager) Policy() Policy { return m.policy }

type SubmitRequest struct {
	UserID           string
	InputRef         string
	OriginalName     string
	Regions          []Region
	QuotedCreditCost int
	IsFree           bool
}

type SubmitResult struct {
	TaskID        string        `json:"taskId"`
	Status        Status        `json:"status"`
	EstimatedTime time.Duration `json:"-"`
}

func validateSubmit(req SubmitRequest) error {
	if strings.TrimSpace(req.UserID) == "" {
		return &ValidationError{Field: "userId", Problems: []string{"required"}}
	}
	if strings.TrimSpace(req.InputRef) == "" {
		return &ValidationError{Field: "inputRef", Problems: []string{"required"}}
	}
	if req.QuotedCreditCost < 0 {
		return &ValidationError{Field: "creditCost", Problems: []string{"must not be negative"}}
	}
	return ValidateRegions(req.Regions)
}

// Submit creates a task in the processing state and hands it to the
// external runner. A failed hand-off is recorded as a retryable failure.
func (m *Manager) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}

	now := m.now()
	expires := now.Add(m.policy.ExpireAfter)
	started := now
	t := &Task{
		UserID:       req.UserID,
		TaskID:       fmt.Sprintf("%s_%d", shortuuid.New(), now.Unix()),
		Status:       StatusProcessing,
		InputRef:     req.InputRef,
		OriginalName: req.OriginalName,
		Regions:      append([]Region(nil), req.Regions...),
		CreditCost:   req.QuotedCreditCost,
		IsFree:       req.IsFree,
		MaxRetries:   m.policy.MaxRetries,
		StartedAt:    &started,
		ExpiresAt:    &expires,
		Message:      "submitted",
	}
	if err := m.repo.Create(ctx, t); err != nil {
		return nil, fmt.Errorf("create task: %w", err)
	}
	log := m.logger.With(zap.String("task_id", t.TaskID), zap.String("user_id", t.UserID))

	status := StatusProcessing
	jobID, err := m.jobs.Submit(ctx, t.InputRef, t.Regions)
	if err != nil {
		log.Warn("external submission failed", zap.Error(err))
		failed, _, ferr := m.markFailed(ctx, t.TaskID, nil, "submission failed", errorDetailsFrom(err, "submit"))
		if ferr != nil {
			return nil, fmt.Errorf("record submission failure: %w", ferr)
		}
		status = failed.Status
	} else {
		stored, attached, err := m.mutate(ctx, t.TaskID, func(cur *Task, _ time.Time) bool {
			if cur.Status != StatusProcessing || cur.ExternalJobID != "" {
				return false
			}
			cur.ExternalJobID = jobID
			cur.Message = "processing"
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("attach external job %s: %w", jobID, err)
		}
		if !attached {
			log.Warn("task moved on before its external job was attached",
				zap.String("external_job_id", jobID),
				zap.String("status", string(stored.Status)))
			status = stored.Status
		} else {
			log.Info("task submitted", zap.String("external_job_id", jobID))
		}
	}

	return &SubmitResult{
		TaskID:        t.TaskID,
		Status:        status,
		EstimatedTime: m.policy.EstimatedTime,
	}, nil
}

// StatusView is what callers see when they ask about a task.
type StatusView struct {
	TaskID      string     `json:"taskId"`
	Status      Status     `json:"status"`
	ResultRef   *string    `json:"resultRef,omitempty"`
	Message     string     `json:"message,omitempty"`
	RetryCount  int        `json:"retryCount"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

func viewOf(t *Task) *StatusView {
	return &StatusView{
		TaskID:      t.TaskID,
		Status:      t.Status,
		ResultRef:   cloneString(t.ResultRef),
		Message:     t.Message,
		RetryCount:  t.RetryCount,
		NextRetryAt: cloneTime(t.NextRetryAt),
		UpdatedAt:   t.UpdatedAt,
	}
}

// Status returns the best known state of a task. A processing task that has
// not been reconciled recently is polled once first; any failure while doing
// so falls back to the persisted state.
func (m *Manager) Status(ctx context.Context, taskID string) (*StatusView, error) {
	t, err := m.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != StatusProcessing || !m.stale(t, m.now()) {
		return viewOf(t), nil
	}

	rctx, cancel := context.WithTimeout(ctx, m.policy.RefreshTimeout)
	err = m.reconcile(rctx, t, false)
	cancel()
	if err != nil {
		m.logger.Warn("status refresh failed, serving persisted state",
			zap.String("task_id", taskID), zap.Error(err))
		return viewOf(t), nil
	}
	fresh, err := m.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		m.logger.Warn("reload after refresh failed", zap.String("task_id", taskID), zap.Error(err))
		return viewOf(t), nil
	}
	return viewOf(fresh), nil
}

func (m *Manager) stale(t *Task, now time.Time) bool {
	last := t.UpdatedAt
	switch {
	case t.SyncedAt != nil:
		last = *t.SyncedAt
	case t.StartedAt != nil:
		last = *t.StartedAt
	}
	return now.Sub(last) >= m.policy.StaleAfter
}

// Reconcile polls the external job of a processing task once and applies the
// outcome. A poll that fails after the client's own retries counts as a
// failed attempt of the task.
func (m *Manager) Reconcile(ctx context.Context, t *Task) error {
	return m.reconcile(ctx, t, true)
}

func (m *Manager) reconcile(ctx context.Context, t *Task, failOnPollError bool) error {
	if t.Status != StatusProcessing {
		return nil
	}
	// results are only accepted for the job this reconciliation looked at
	sameJob := func(cur *Task) bool { return cur.ExternalJobID == t.ExternalJobID }

	if t.ExternalJobID == "" {
		// the submission may still be in flight
		if t.StartedAt != nil && m.now().Sub(*t.StartedAt) < m.policy.SubmitGrace {
			return nil
		}
		_, _, err := m.markFailed(ctx, t.TaskID, sameJob, "no external job attached", &ErrorDetails{
			Code:      CodeNoExternalJob,
			Source:    "submit",
			Retryable: true,
		})
		return err
	}

	res, err := m.jobs.Poll(ctx, t.ExternalJobID)
	if err != nil {
		if failOnPollError {
			if _, _, ferr := m.markFailed(ctx, t.TaskID, sameJob, "status polling failed", errorDetailsFrom(err, "poll")); ferr != nil {
				return fmt.Errorf("record poll failure: %w", ferr)
			}
		}
		return fmt.Errorf("poll job %s: %w", t.ExternalJobID, err)
	}

	switch res.State {
	case JobSuccess:
		if res.ResultRef == "" {
			_, _, err := m.markFailed(ctx, t.TaskID, sameJob, "runner reported success without a result", &ErrorDetails{
				Code:      CodeEmptyResult,
				Source:    "vendor",
				Retryable: true,
			})
			return err
		}
		completed, err := m.markCompleted(ctx, t.TaskID, sameJob, res.ResultRef, res.DurationSeconds)
		if err != nil || !completed {
			return err
		}
		// billing problems never undo a completion; the sync sweep retries them
		if _, err := m.ProcessCredits(ctx, t.TaskID); err != nil {
			m.logger.Warn("billing deferred", zap.String("task_id", t.TaskID), zap.Error(err))
		}
		return nil
	case JobFail:
		msg := res.ErrorMessage
		if msg == "" {
			msg = "processing failed"
		}
		_, _, err := m.markFailed(ctx, t.TaskID, sameJob, msg, &ErrorDetails{
			Code:      res.ErrorCode,
			Message:   res.ErrorMessage,
			Source:    "vendor",
			Retryable: true,
		})
		return err
	default:
		_, _, err := m.mutate(ctx, t.TaskID, func(cur *Task, now time.Time) bool {
			if cur.Status != StatusProcessing || !sameJob(cur) {
				return false
			}
			cur.SyncedAt = &now
			return true
		})
		return err
	}
}

// MarkCompleted moves a processing task to completed and computes the actual
// credit cost from the measured duration. Billing happens separately.
func (m *Manager) MarkCompleted(ctx context.Context, taskID, resultRef string, durationSeconds *float64) (bool, error) {
	return m.markCompleted(ctx, taskID, nil, resultRef, durationSeconds)
}

// markCompleted applies the completion only while accept, if given, still
// holds for the stored task.
func (m *Manager) markCompleted(ctx context.Context, taskID string, accept func(*Task) bool, resultRef string, durationSeconds *float64) (bool, error) {
	t, changed, err := m.mutate(ctx, taskID, func(t *Task, now time.Time) bool {
		if t.Status != StatusProcessing {
			m.rejectTransition(t, StatusCompleted)
			return false
		}
		if accept != nil && !accept(t) {
			m.ignoreStaleResult(t, StatusCompleted)
			return false
		}
		ref := resultRef
		t.Status = StatusCompleted
		t.ResultRef = &ref
		t.ActualCreditCost = m.policy.ActualCost(t, durationSeconds)
		t.CompletedAt = &now
		t.SyncedAt = &now
		t.NextRetryAt = nil
		t.ErrorDetails = nil
		t.Message = "completed"
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	m.logger.Info("task completed",
		zap.String("task_id", t.TaskID),
		zap.Int("actual_credit_cost", t.ActualCreditCost))
	m.publish(ctx, EventCompleted, t)
	m.enqueueArtifact(ctx, t)
	return true, nil
}

// MarkFailed moves a processing task to failed and consumes one attempt.
func (m *Manager) MarkFailed(ctx context.Context, taskID, message string, details *ErrorDetails) (bool, error) {
	_, changed, err := m.markFailed(ctx, taskID, nil, message, details)
	return changed, err
}

func (m *Manager) markFailed(ctx context.Context, taskID string, accept func(*Task) bool, message string, details *ErrorDetails) (*Task, bool, error) {
	t, changed, err := m.mutate(ctx, taskID, func(t *Task, now time.Time) bool {
		if t.Status != StatusProcessing {
			m.rejectTransition(t, StatusFailed)
			return false
		}
		if accept != nil && !accept(t) {
			m.ignoreStaleResult(t, StatusFailed)
			return false
		}
		m.fail(t, now, message, details)
		return true
	})
	if err != nil || !changed {
		return t, false, err
	}
	m.logFailure(t)
	m.publish(ctx, failureEvent(t), t)
	return t, true, nil
}

// Expire fails a processing task whose deadline has passed. A timeout is
// terminal: it does not consume an attempt and schedules no retry.
func (m *Manager) Expire(ctx context.Context, taskID string) (bool, error) {
	t, changed, err := m.mutate(ctx, taskID, func(t *Task, now time.Time) bool {
		if t.Status != StatusProcessing {
			m.rejectTransition(t, StatusFailed)
			return false
		}
		if t.ExpiresAt == nil || !now.After(*t.ExpiresAt) {
			return false
		}
		t.Status = StatusFailed
		t.CompletedAt = &now
		t.NextRetryAt = nil
		t.Message = "timed out"
		t.ErrorDetails = &ErrorDetails{
			Code:    CodeTimeout,
			Message: "task exceeded its processing deadline",
			Source:  "timeout",
			Attempt: t.RetryCount,
			At:      now,
		}
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	m.logFailure(t)
	m.publish(ctx, failureEvent(t), t)
	return true, nil
}

// Cancel stops a task that is processing or waiting for a retry.
func (m *Manager) Cancel(ctx context.Context, taskID string) (bool, error) {
	t, changed, err := m.mutate(ctx, taskID, func(t *Task, now time.Time) bool {
		switch {
		case t.Status == StatusProcessing:
		case t.Status == StatusFailed && !t.Terminal():
		default:
			m.rejectTransition(t, StatusCancelled)
			return false
		}
		t.Status = StatusCancelled
		t.NextRetryAt = nil
		t.CompletedAt = &now
		t.Message = "cancelled"
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	m.logger.Info("task cancelled", zap.String("task_id", t.TaskID))
	m.publish(ctx, EventCancelled, t)
	return true, nil
}

// Resubmit hands a retry-eligible failed task to the external runner again.
// A failed submission consumes an attempt and pushes the next retry out.
func (m *Manager) Resubmit(ctx context.Context, taskID string) (bool, error) {
	t, err := m.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if !t.RetryEligible(m.now()) {
		return false, nil
	}

	jobID, err := m.jobs.Submit(ctx, t.InputRef, t.Regions)
	if err != nil {
		failed, _, ferr := m.mutate(ctx, taskID, func(cur *Task, now time.Time) bool {
			if !cur.RetryEligible(now) {
				return false
			}
			m.fail(cur, now, "resubmission failed", errorDetailsFrom(err, "submit"))
			return true
		})
		if ferr != nil {
			return false, fmt.Errorf("record resubmission failure: %w", ferr)
		}
		if failed != nil {
			m.logFailure(failed)
		}
		return false, fmt.Errorf("resubmit task %s: %w", taskID, err)
	}

	updated, changed, err := m.mutate(ctx, taskID, func(cur *Task, now time.Time) bool {
		if !cur.RetryEligible(now) {
			m.logger.Warn("task changed during resubmission, abandoning new external job",
				zap.String("task_id", cur.TaskID),
				zap.String("status", string(cur.Status)),
				zap.String("external_job_id", jobID))
			return false
		}
		expires := now.Add(m.policy.ExpireAfter)
		started := now
		cur.Status = StatusProcessing
		cur.ExternalJobID = jobID
		cur.StartedAt = &started
		cur.ExpiresAt = &expires
		cur.NextRetryAt = nil
		cur.CompletedAt = nil
		cur.SyncedAt = nil
		cur.Message = fmt.Sprintf("retry %d of %d", cur.RetryCount, cur.MaxRetries)
		return true
	})
	if err != nil || !changed {
		return false, err
	}
	m.logger.Info("task resubmitted",
		zap.String("task_id", updated.TaskID),
		zap.String("external_job_id", jobID),
		zap.Int("retry_count", updated.RetryCount))
	m.publish(ctx, EventRetrying, updated)
	return true, nil
}

// ProcessCredits charges a completed, non-free task exactly once. It is safe
// to call repeatedly: the gateway call carries the task id as idempotency key
// and the creditProcessed flag is only ever set, never cleared.
func (m *Manager) ProcessCredits(ctx context.Context, taskID string) (bool, error) {
	t, err := m.repo.GetByTaskID(ctx, taskID)
	if err != nil {
		return false, err
	}
	if t.Status != StatusCompleted || t.CreditProcessed || t.IsFree {
		return false, nil
	}

	credits := t.ActualCreditCost
	if credits <= 0 {
		credits = t.CreditCost
	}
	if credits > 0 {
		err := m.billing.Charge(ctx, ChargeRequest{
			UserID:         t.UserID,
			TaskID:         t.TaskID,
			Credits:        credits,
			IdempotencyKey: t.TaskID,
		})
		if err != nil {
			return false, fmt.Errorf("charge %d credits for task %s: %w", credits, t.TaskID, err)
		}
	}

	updated, changed, err := m.mutate(ctx, taskID, func(cur *Task, _ time.Time) bool {
		if cur.CreditProcessed {
			return false
		}
		cur.CreditProcessed = true
		return true
	})
	if err != nil {
		return false, fmt.Errorf("task %s charged but flag not stored: %w", taskID, err)
	}
	if !changed {
		return false, nil
	}
	m.logger.Info("credits processed", zap.String("task_id", taskID), zap.Int("credits", credits))
	ev := updated
	ev.ActualCreditCost = credits
	m.publish(ctx, EventCredited, ev)
	return true, nil
}

// AttachArtifact replaces the runner's temporary result reference with the
// permanent one, unless the task moved on in the meantime.
func (m *Manager) AttachArtifact(ctx context.Context, taskID, externalRef, permanentRef string) (bool, error) {
	_, changed, err := m.mutate(ctx, taskID, func(t *Task, _ time.Time) bool {
		if t.Status != StatusCompleted || t.ResultRef == nil || *t.ResultRef != externalRef {
			return false
		}
		ref := permanentRef
		t.ResultRef = &ref
		return true
	})
	return changed, err
}

// mutate loads the current record, lets fn apply a transition and writes it
// back with a version check. On a conflicting write the whole cycle starts
// over, so fn always sees the latest persisted state.
func (m *Manager) mutate(ctx context.Context, taskID string, fn func(t *Task, now time.Time) bool) (*Task, bool, error) {
	for attempt := 1; ; attempt++ {
		t, err := m.repo.GetByTaskID(ctx, taskID)
		if err != nil {
			return nil, false, err
		}
		if !fn(t, m.now()) {
			return t, false, nil
		}
		err = m.repo.Update(ctx, t)
		if err == nil {
			return t, true, nil
		}
		if !errors.Is(err, ErrConflict) || attempt >= maxWriteAttempts {
			return nil, false, fmt.Errorf("update task %s: %w", taskID, err)
		}
		m.logger.Debug("write conflict, retrying", zap.String("task_id", taskID), zap.Int("attempt", attempt))
	}
}

// fail consumes one attempt and schedules the next one while any remain.
func (m *Manager) fail(t *Task, now time.Time, message string, details *ErrorDetails) {
	delay := m.policy.RetryDelay(t.RetryCount)
	t.RetryCount++
	t.Status = StatusFailed
	t.CompletedAt = &now
	t.Message = message
	if details != nil {
		d := *details
		d.At = now
		d.Attempt = t.RetryCount
		if d.Message == "" {
			d.Message = message
		}
		t.ErrorDetails = &d
	}
	if t.RetryCount < t.MaxRetries {
		next := now.Add(delay)
		t.NextRetryAt = &next
	} else {
		t.NextRetryAt = nil
	}
}

func (m *Manager) rejectTransition(t *Task, to Status) {
	m.logger.Warn("ignoring invalid transition",
		zap.String("task_id", t.TaskID),
		zap.String("from", string(t.Status)),
		zap.String("to", string(to)))
}

func (m *Manager) ignoreStaleResult(t *Task, to Status) {
	m.logger.Info("ignoring result of a replaced external job",
		zap.String("task_id", t.TaskID),
		zap.String("external_job_id", t.ExternalJobID),
		zap.String("to", string(to)))
}

func (m *Manager) logFailure(t *Task) {
	fields := []zap.Field{
		zap.String("task_id", t.TaskID),
		zap.String("message", t.Message),
		zap.Int("retry_count", t.RetryCount),
		zap.Int("max_retries", t.MaxRetries),
	}
	if t.NextRetryAt != nil {
		m.logger.Warn("task failed, retry scheduled", append(fields, zap.Time("next_retry_at", *t.NextRetryAt))...)
		return
	}
	m.logger.Warn("task failed permanently", fields...)
}

func (m *Manager) publish(ctx context.Context, typ EventType, t *Task) {
	if m.events == nil {
		return
	}
	ev := Event{
		Type:       typ,
		TaskID:     t.TaskID,
		UserID:     t.UserID,
		Status:     t.Status,
		RetryCount: t.RetryCount,
		Message:    t.Message,
		At:         m.now(),
	}
	if typ == EventCompleted || typ == EventCredited {
		ev.Credits = t.ActualCreditCost
	}
	if err := m.events.Publish(ctx, ev); err != nil {
		m.logger.Warn("publish event failed", zap.String("task_id", t.TaskID), zap.String("event", string(typ)), zap.Error(err))
	}
}

func (m *Manager) enqueueArtifact(ctx context.Context, t *Task) {
	if m.artifacts == nil || t.ResultRef == nil {
		return
	}
	if err := m.artifacts.EnqueuePersist(ctx, t.TaskID, *t.ResultRef); err != nil {
		m.logger.Warn("artifact copy not scheduled, keeping runner reference",
			zap.String("task_id", t.TaskID), zap.Error(err))
	}
}

func failureEvent(t *Task) EventType {
	if t.NextRetryAt != nil {
		return EventRetrying
	}
	return EventFailed
}

// errorDetailsFrom extracts what an error knows about itself; errors from the
// job client expose a vendor code and whether a retry may help.
func errorDetailsFrom(err error, source string) *ErrorDetails {
	d := &ErrorDetails{Message: err.Error(), Source: source, Retryable: true}
	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) {
		d.Code = coded.ErrorCode()
	}
	var retry interface{ Retryable() bool }
	if errors.As(err, &retry) {
		d.Retryable = retry.Retryable()
	}
	return d
}
