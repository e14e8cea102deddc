package task

import (
	"fmt"
	"math"
	"time"
)

// UnknownDuration selects how a completion without a measured duration is billed.
type UnknownDuration string

const (
	// UnknownDurationMinimum bills FallbackDuration (one unit by default).
	UnknownDurationMinimum UnknownDuration = "minimum"
	// UnknownDurationQuoted bills the credit cost quoted at submission.
	UnknownDurationQuoted UnknownDuration = "quoted"
)

// Policy holds the numbers that drive retries, expiry and billing.
type Policy struct {
	MaxRetries       int
	RetryBase        time.Duration
	RetryCap         time.Duration
	ExpireAfter      time.Duration
	BillingUnit      time.Duration
	CreditsPerUnit   int
	FallbackDuration time.Duration
	UnknownDuration  UnknownDuration
	StaleAfter       time.Duration
	RefreshTimeout   time.Duration
	EstimatedTime    time.Duration
	// SubmitGrace is how long a processing task may go without an external
	// job id before reconciliation treats the submission as lost.
	SubmitGrace time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxRetries:       3,
		RetryBase:        time.Minute,
		RetryCap:         30 * time.Minute,
		ExpireAfter:      30 * time.Minute,
		BillingUnit:      30 * time.Second,
		CreditsPerUnit:   5,
		FallbackDuration: 30 * time.Second,
		UnknownDuration:  UnknownDurationMinimum,
		StaleAfter:       time.Minute,
		RefreshTimeout:   30 * time.Second,
		EstimatedTime:    2 * time.Minute,
		SubmitGrace:      time.Minute,
	}
}

func (p Policy) Validate() error {
	switch {
	case p.MaxRetries < 0:
		return fmt.Errorf("max retries must not be negative")
	case p.RetryBase <= 0 || p.RetryCap < p.RetryBase:
		return fmt.Errorf("retry backoff needs 0 < base <= cap")
	case p.ExpireAfter <= 0:
		return fmt.Errorf("expire after must be positive")
	case p.BillingUnit <= 0:
		return fmt.Errorf("billing unit must be positive")
	case p.CreditsPerUnit < 0:
		return fmt.Errorf("credits per unit must not be negative")
	case p.SubmitGrace < 0:
		return fmt.Errorf("submit grace must not be negative")
	}
	switch p.UnknownDuration {
	case UnknownDurationMinimum, UnknownDurationQuoted:
	default:
		return fmt.Errorf("unknown duration policy %q", p.UnknownDuration)
	}
	return nil
}

// RetryDelay is the wait before the retry that follows a failure observed
// with retryCount prior failures: base * 2^retryCount, capped.
func (p Policy) RetryDelay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// 2^31 minutes already dwarfs any sane cap
	if retryCount > 30 {
		return p.RetryCap
	}
	d := p.RetryBase * time.Duration(int64(1)<<uint(retryCount))
	if d <= 0 || d > p.RetryCap {
		return p.RetryCap
	}
	return d
}

// BillingUnits rounds a duration up to whole billing units, never below one.
func (p Policy) BillingUnits(seconds float64) int {
	unit := p.BillingUnit.Seconds()
	if seconds <= 0 || math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		seconds = p.FallbackDuration.Seconds()
	}
	units := int(math.Ceil(seconds / unit))
	if units < 1 {
		units = 1
	}
	return units
}

// ActualCost computes the credits charged for a completed task.
func (p Policy) ActualCost(t *Task, durationSeconds *float64) int {
	if durationSeconds == nil && p.UnknownDuration == UnknownDurationQuoted && t.CreditCost > 0 {
		return t.CreditCost
	}
	seconds := p.FallbackDuration.Seconds()
	if durationSeconds != nil {
		seconds = *durationSeconds
	}
	return p.BillingUnits(seconds) * p.CreditsPerUnit
}
