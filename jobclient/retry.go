package jobclient

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// RetryPolicy bounds the attempts of a single poll call.
type RetryPolicy struct {
	Attempts    int
	Timeout     time.Duration // first attempt
	TimeoutStep time.Duration // added per further attempt
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Attempts:    3,
		Timeout:     15 * time.Second,
		TimeoutStep: 5 * time.Second,
		BaseDelay:   time.Second,
		MaxDelay:    10 * time.Second,
	}
}

// AttemptTimeout is the deadline of attempt n, counting from 1.
func (p RetryPolicy) AttemptTimeout(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	return p.Timeout + time.Duration(n-1)*p.TimeoutStep
}

// Delay is the pause after failed attempt n: min(base * 2^(n-1), max).
func (p RetryPolicy) Delay(n int) time.Duration {
	if n < 1 {
		n = 1
	}
	if n > 30 {
		return p.MaxDelay
	}
	d := p.BaseDelay * time.Duration(int64(1)<<uint(n-1))
	if d <= 0 || d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// do runs fn until it succeeds, fails permanently or runs out of attempts.
func (c *Client) do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := c.retry.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var last error
	for n := 1; n <= attempts; n++ {
		actx, cancel := context.WithTimeout(ctx, c.retry.AttemptTimeout(n))
		err := fn(actx)
		cancel()
		if err == nil {
			return nil
		}
		last = err

		var cerr *Error
		if errors.As(err, &cerr) && !cerr.Retryable() {
			c.logger.Warn("permanent runner error",
				zap.String("op", op), zap.Int("attempt", n), zap.Error(err))
			return err
		}
		if ctx.Err() != nil {
			return &ExhaustedError{Attempts: n, Last: err}
		}
		if n == attempts {
			break
		}
		delay := c.retry.Delay(n)
		c.logger.Info("runner call failed, retrying",
			zap.String("op", op), zap.Int("attempt", n),
			zap.Duration("backoff", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return &ExhaustedError{Attempts: n, Last: last}
		}
	}
	c.logger.Warn("runner call exhausted its attempts",
		zap.String("op", op), zap.Int("attempts", attempts), zap.Error(last))
	return &ExhaustedError{Attempts: attempts, Last: last}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
