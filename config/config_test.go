// delogo/config/config_test.go
package config_test

import (
	"testing"
	"time"

	"delogo/config"
	"delogo/task"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	t.Run("loads default values correctly", func(t *testing.T) {
		t.Setenv("DELOGO_PORT", "")
		t.Setenv("DELOGO_MAX_RETRIES", "")
		t.Setenv("DELOGO_AUTH_ENABLE", "")
		t.Setenv("DELOGO_RETRY_BASE", "")
		t.Setenv("DELOGO_ARTIFACT_MAX_SIZE", "")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "8080", cfg.Port)
		assert.Equal(t, false, cfg.AuthEnable)
		assert.Equal(t, 3, cfg.MaxRetries)
		assert.Equal(t, time.Minute, cfg.RetryBase)
		assert.Equal(t, 30*time.Minute, cfg.RetryCap)
		assert.Equal(t, 30*time.Minute, cfg.TaskExpiry)
		assert.Equal(t, 30*time.Second, cfg.BillingUnit)
		assert.Equal(t, 5, cfg.CreditsPerUnit)
		assert.Equal(t, int64(2*1024*1024*1024), cfg.ArtifactMaxSize)
		assert.Equal(t, int64(1024*1024), cfg.VendorMaxBody)

		assert.Equal(t, task.DefaultPolicy(), cfg.Policy())
		assert.False(t, cfg.DevMemoryStore)

		jc := cfg.JobClient()
		assert.Equal(t, 3, jc.Retry.Attempts)
		assert.Equal(t, 15*time.Second, jc.Retry.Timeout)
		assert.Equal(t, 5*time.Second, jc.Retry.TimeoutStep)
		assert.Equal(t, 10*time.Second, jc.Retry.MaxDelay)

		iv := cfg.Intervals()
		assert.Equal(t, 2*time.Minute, iv.Retry)
		assert.Equal(t, 10*time.Minute, iv.Cleanup)
		assert.Equal(t, 5*time.Minute, iv.Sync)
		assert.Equal(t, time.Hour, iv.Stats)
		assert.Empty(t, cfg.Brokers())
	})

	t.Run("overrides defaults with environment variables", func(t *testing.T) {
		t.Setenv("DELOGO_PORT", "9999")
		t.Setenv("DELOGO_AUTH_ENABLE", "true")
		t.Setenv("DELOGO_AUTH_KEY", "newsecret")
		t.Setenv("DELOGO_MAX_RETRIES", "5")
		t.Setenv("DELOGO_RETRY_BASE", "30s")
		t.Setenv("DELOGO_ARTIFACT_MAX_SIZE", "50MB")
		t.Setenv("DELOGO_UNKNOWN_DURATION", "Quoted")
		t.Setenv("DELOGO_KAFKA_BROKERS", "k1:9092, k2:9092")

		cfg, err := config.Load()
		require.NoError(t, err)

		assert.Equal(t, "9999", cfg.Port)
		assert.Equal(t, true, cfg.AuthEnable)
		assert.Equal(t, "newsecret", cfg.AuthKey)
		assert.Equal(t, 5, cfg.MaxRetries)
		assert.Equal(t, 30*time.Second, cfg.RetryBase)
		assert.Equal(t, int64(50*1024*1024), cfg.ArtifactMaxSize)
		assert.Equal(t, task.UnknownDurationQuoted, cfg.Policy().UnknownDuration)
		assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Brokers())
	})

	t.Run("rejects an inconsistent policy", func(t *testing.T) {
		t.Setenv("DELOGO_RETRY_BASE", "1h")
		t.Setenv("DELOGO_RETRY_CAP", "1m")

		_, err := config.Load()
		assert.Error(t, err)
	})
}
