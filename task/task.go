package task

import (
	"context"
	"time"
)

type Status string

const (
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Task is one externally executed watermark-removal job.
type Task struct {
	ID               int64         `json:"-"`
	UserID           string        `json:"userId"`
	TaskID           string        `json:"taskId"`
	ExternalJobID    string        `json:"externalJobId,omitempty"`
	Status           Status        `json:"status"`
	InputRef         string        `json:"inputRef"`
	ResultRef        *string       `json:"resultRef,omitempty"`
	OriginalName     string        `json:"originalName,omitempty"`
	Regions          []Region      `json:"regions"`
	CreditCost       int           `json:"creditCost"`
	ActualCreditCost int           `json:"actualCreditCost"`
	IsFree           bool          `json:"isFree"`
	CreditProcessed  bool          `json:"creditProcessed"`
	RetryCount       int           `json:"retryCount"`
	MaxRetries       int           `json:"maxRetries"`
	NextRetryAt      *time.Time    `json:"nextRetryAt,omitempty"`
	StartedAt        *time.Time    `json:"startedAt,omitempty"`
	CompletedAt      *time.Time    `json:"completedAt,omitempty"`
	ExpiresAt        *time.Time    `json:"expiresAt,omitempty"`
	SyncedAt         *time.Time    `json:"syncedAt,omitempty"`
	Message          string        `json:"message,omitempty"`
	ErrorDetails     *ErrorDetails `json:"errorDetails,omitempty"`
	Version          int64         `json:"-"`
	CreatedAt        time.Time     `json:"createdAt"`
	UpdatedAt        time.Time     `json:"updatedAt"`
}

// ErrorDetails describes the last failure of a task.
type ErrorDetails struct {
	Code      string    `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
	Source    string    `json:"source,omitempty"` // submit, poll, vendor, timeout
	Attempt   int       `json:"attempt,omitempty"`
	Retryable bool      `json:"retryable"`
	At        time.Time `json:"at"`
}

// Error codes recorded by the lifecycle service itself.
const (
	CodeTimeout       = "TIMEOUT"
	CodeNoExternalJob = "NO_EXTERNAL_JOB"
	CodeEmptyResult   = "EMPTY_RESULT"
)

// TimedOut reports whether the task failed by exceeding its deadline.
func (t *Task) TimedOut() bool {
	return t.Status == StatusFailed && t.ErrorDetails != nil && t.ErrorDetails.Code == CodeTimeout
}

// Terminal reports whether no further transition can leave the task's state.
// A timeout ends the task even with retries left.
func (t *Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount >= t.MaxRetries || t.TimedOut()
	}
	return false
}

// RetryEligible reports whether the retry sweep may pick the task up at now.
func (t *Task) RetryEligible(now time.Time) bool {
	return t.Status == StatusFailed &&
		t.RetryCount < t.MaxRetries &&
		!t.TimedOut() &&
		t.NextRetryAt != nil &&
		!t.NextRetryAt.After(now)
}

// Clone returns a deep copy so callers never share pointers with a repository.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	c.ResultRef = cloneString(t.ResultRef)
	c.NextRetryAt = cloneTime(t.NextRetryAt)
	c.StartedAt = cloneTime(t.StartedAt)
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.ExpiresAt = cloneTime(t.ExpiresAt)
	c.SyncedAt = cloneTime(t.SyncedAt)
	if t.Regions != nil {
		c.Regions = append([]Region(nil), t.Regions...)
	}
	if t.ErrorDetails != nil {
		d := *t.ErrorDetails
		c.ErrorDetails = &d
	}
	return &c
}

// JobState is the canonical state of a job on the external runner.
type JobState string

const (
	JobSuccess    JobState = "SUCCESS"
	JobFail       JobState = "FAIL"
	JobInProgress JobState = "IN_PROGRESS"
)

// PollResult is one observation of an external job.
type PollResult struct {
	State           JobState
	ResultRef       string
	DurationSeconds *float64
	ErrorCode       string
	ErrorMessage    string
}

// JobClient submits and polls jobs on the external runner.
type JobClient interface {
	Submit(ctx context.Context, inputRef string, regions []Region) (string, error)
	Poll(ctx context.Context, externalJobID string) (*PollResult, error)
}

// ChargeRequest is sent to the billing gateway once per completed, non-free task.
type ChargeRequest struct {
	UserID         string
	TaskID         string
	Credits        int
	IdempotencyKey string
}

// BillingGateway charges credits; it must be idempotent per IdempotencyKey.
type BillingGateway interface {
	Charge(ctx context.Context, req ChargeRequest) error
}

// ArtifactQueue schedules the copy of a finished result into permanent storage.
type ArtifactQueue interface {
	EnqueuePersist(ctx context.Context, taskID, externalRef string) error
}

type EventType string

const (
	EventCompleted EventType = "task.completed"
	EventFailed    EventType = "task.failed"
	EventRetrying  EventType = "task.retrying"
	EventCancelled EventType = "task.cancelled"
	EventCredited  EventType = "task.credited"
)

// Event is a notification about a state change that other systems may consume.
type Event struct {
	Type       EventType `json:"type"`
	TaskID     string    `json:"taskId"`
	UserID     string    `json:"userId"`
	Status     Status    `json:"status"`
	RetryCount int       `json:"retryCount"`
	Credits    int       `json:"credits,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

type EventPublisher interface {
	Publish(ctx context.Context, ev Event) error
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}
