package task

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPolicy_RetryDelay(t *testing.T) {
	p := DefaultPolicy()

	assert.Equal(t, 60*time.Second, p.RetryDelay(0))
	assert.Equal(t, 120*time.Second, p.RetryDelay(1))
	assert.Equal(t, 240*time.Second, p.RetryDelay(2))
	assert.Equal(t, 1800*time.Second, p.RetryDelay(5))
	assert.Equal(t, 1800*time.Second, p.RetryDelay(64))
	assert.Equal(t, 60*time.Second, p.RetryDelay(-3))
}

func TestPolicy_BillingUnits(t *testing.T) {
	p := DefaultPolicy()

	cases := []struct {
		seconds float64
		want    int
	}{
		{1, 1},
		{29.9, 1},
		{30, 1},
		{30.001, 2},
		{31, 2},
		{90, 3},
		{0, 1},
		{-5, 1},
		{math.NaN(), 1},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, p.BillingUnits(tc.seconds), "seconds=%v", tc.seconds)
	}
}

func TestPolicy_ActualCost(t *testing.T) {
	p := DefaultPolicy()
	quoted := &Task{CreditCost: 25}
	d := 61.0

	assert.Equal(t, 15, p.ActualCost(quoted, &d))
	assert.Equal(t, 5, p.ActualCost(quoted, nil))

	p.UnknownDuration = UnknownDurationQuoted
	assert.Equal(t, 25, p.ActualCost(quoted, nil))
	assert.Equal(t, 5, p.ActualCost(&Task{}, nil), "nothing quoted falls back to the minimum")
}

func TestPolicy_Validate(t *testing.T) {
	require.NoError(t, DefaultPolicy().Validate())

	p := DefaultPolicy()
	p.RetryCap = time.Second
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.UnknownDuration = "guess"
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.BillingUnit = 0
	assert.Error(t, p.Validate())

	p = DefaultPolicy()
	p.SubmitGrace = -time.Second
	assert.Error(t, p.Validate())
}
