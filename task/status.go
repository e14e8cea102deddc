package task

import (
	"fmt"
	"strings"
)

// ParseStatus maps the status vocabularies found in stored records and
// client requests onto the canonical Status values.
func ParseStatus(s string) (Status, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "processing", "running", "pending", "queued", "in_progress", "submitted":
		return StatusProcessing, nil
	case "completed", "complete", "success", "succeeded", "done":
		return StatusCompleted, nil
	case "failed", "fail", "failure", "error":
		return StatusFailed, nil
	case "cancelled", "canceled", "cancel", "aborted":
		return StatusCancelled, nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

func (s Status) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// NormalizeJobState maps the external runner's status strings onto JobState.
// The second return value is false when the input was not recognized; such
// states are treated as still in progress.
func NormalizeJobState(s string) (JobState, bool) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "SUCCESS", "SUCCEEDED", "SUCCEED", "FINISHED", "COMPLETED", "DONE":
		return JobSuccess, true
	case "FAIL", "FAILED", "FAILURE", "ERROR", "CANCELLED", "CANCELED":
		return JobFail, true
	case "IN_PROGRESS", "INPROGRESS", "PROCESSING", "RUNNING", "QUEUING", "QUEUED", "PENDING", "WAITING", "SUBMITTED":
		return JobInProgress, true
	}
	return JobInProgress, false
}
