package jobclient

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// permanentCodes are vendor error codes that no retry can fix.
var permanentCodes = map[string]bool{
	"InvalidParameter":      true,
	"MissingParameter":      true,
	"InvalidAccessKeyId":    true,
	"SignatureDoesNotMatch": true,
}

// Error is returned for every failed exchange with the runner.
type Error struct {
	Op         string // submit or poll
	StatusCode int    // 0 when no response arrived
	Code       string
	Message    string
	Err        error
}

func (e *Error) Error() string {
	switch {
	case e.StatusCode != 0 && e.Code != "":
		return fmt.Sprintf("jobclient %s: http %d %s: %s", e.Op, e.StatusCode, e.Code, e.Message)
	case e.StatusCode != 0:
		return fmt.Sprintf("jobclient %s: http %d: %s", e.Op, e.StatusCode, e.Message)
	case e.Err != nil:
		return fmt.Sprintf("jobclient %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("jobclient %s: %s", e.Op, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) ErrorCode() string { return e.Code }

// Retryable reports whether another attempt may succeed. Client errors other
// than 429 and the permanent vendor codes are final; everything else,
// including timeouts and connection failures, is worth another try.
func (e *Error) Retryable() bool {
	if permanentCodes[e.Code] {
		return false
	}
	if e.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if e.StatusCode >= 400 && e.StatusCode < 500 {
		return false
	}
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	return true
}

// ExhaustedError wraps the last failure once the attempt budget is spent.
type ExhaustedError struct {
	Attempts int
	Last     error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("gave up after %d attempts: %v", e.Attempts, e.Last)
}

func (e *ExhaustedError) Unwrap() error { return e.Last }

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
