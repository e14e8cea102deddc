// delogo/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"delogo/jobclient"
	"delogo/scheduler"
	"delogo/task"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port       string `mapstructure:"PORT"`
	BaseURL    string `mapstructure:"BASE"`
	AuthEnable bool   `mapstructure:"AUTH_ENABLE"`
	AuthKey    string `mapstructure:"AUTH_KEY"`
	LogLevel   string `mapstructure:"LOG_LEVEL"`
	LogFormat  string `mapstructure:"LOG_FORMAT"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	RedisURL    string `mapstructure:"REDIS_URL"`
	// DevMemoryStore allows running without a database; tasks are lost on restart.
	DevMemoryStore bool `mapstructure:"DEV_MEMORY_STORE"`

	VendorBaseURL   string        `mapstructure:"VENDOR_BASE_URL"`
	VendorAccessKey string        `mapstructure:"VENDOR_ACCESS_KEY"`
	VendorSecret    string        `mapstructure:"VENDOR_SECRET"`
	VendorQPS       float64       `mapstructure:"VENDOR_QPS"`
	VendorMaxBody   int64         `mapstructure:"VENDOR_MAX_BODY"`
	PollAttempts    int           `mapstructure:"POLL_ATTEMPTS"`
	PollTimeout     time.Duration `mapstructure:"POLL_TIMEOUT"`
	PollTimeoutStep time.Duration `mapstructure:"POLL_TIMEOUT_STEP"`
	PollBackoffBase time.Duration `mapstructure:"POLL_BACKOFF_BASE"`
	PollBackoffCap  time.Duration `mapstructure:"POLL_BACKOFF_CAP"`

	MaxRetries       int           `mapstructure:"MAX_RETRIES"`
	RetryBase        time.Duration `mapstructure:"RETRY_BASE"`
	RetryCap         time.Duration `mapstructure:"RETRY_CAP"`
	TaskExpiry       time.Duration `mapstructure:"TASK_EXPIRY"`
	BillingUnit      time.Duration `mapstructure:"BILLING_UNIT"`
	CreditsPerUnit   int           `mapstructure:"CREDITS_PER_UNIT"`
	UnknownDuration  string        `mapstructure:"UNKNOWN_DURATION"`
	FallbackDuration time.Duration `mapstructure:"FALLBACK_DURATION"`
	StaleAfter       time.Duration `mapstructure:"STALE_AFTER"`
	RefreshTimeout   time.Duration `mapstructure:"REFRESH_TIMEOUT"`
	EstimatedTime    time.Duration `mapstructure:"ESTIMATED_TIME"`
	SubmitGrace      time.Duration `mapstructure:"SUBMIT_GRACE"`

	RetryInterval   time.Duration `mapstructure:"RETRY_INTERVAL"`
	CleanupInterval time.Duration `mapstructure:"CLEANUP_INTERVAL"`
	SyncInterval    time.Duration `mapstructure:"SYNC_INTERVAL"`
	StatsInterval   time.Duration `mapstructure:"STATS_INTERVAL"`
	SyncConcurrency int           `mapstructure:"SYNC_CONCURRENCY"`
	SweepLockTTL    time.Duration `mapstructure:"SWEEP_LOCK_TTL"`

	BillingURL     string        `mapstructure:"BILLING_URL"`
	BillingKey     string        `mapstructure:"BILLING_KEY"`
	BillingTimeout time.Duration `mapstructure:"BILLING_TIMEOUT"`

	ArtifactDir         string        `mapstructure:"ARTIFACT_DIR"`
	ArtifactBaseURL     string        `mapstructure:"ARTIFACT_BASE_URL"`
	ArtifactMaxSize     int64         `mapstructure:"ARTIFACT_MAX_SIZE"`
	ArtifactMaxRetry    int           `mapstructure:"ARTIFACT_MAX_RETRY"`
	ArtifactTimeout     time.Duration `mapstructure:"ARTIFACT_TIMEOUT"`
	ArtifactConcurrency int           `mapstructure:"ARTIFACT_CONCURRENCY"`

	KafkaBrokers string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string `mapstructure:"KAFKA_TOPIC"`
}

// stringToDurationHookFunc is a custom Viper hook for parsing Go's duration strings.
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc is a custom Viper hook for parsing human-readable size strings.
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		err := size.UnmarshalText([]byte(data.(string)))
		if err != nil {
			// Not a valid size string, let other parsers handle it.
			return data, nil
		}

		return int64(size.Bytes()), nil
	}
}

func setDefaults(vp *viper.Viper) {
	vp.SetDefault("PORT", "8080")
	vp.SetDefault("BASE", "")
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "123456")
	vp.SetDefault("LOG_LEVEL", "info")
	vp.SetDefault("LOG_FORMAT", "json")

	vp.SetDefault("DATABASE_URL", "")
	vp.SetDefault("REDIS_URL", "")
	vp.SetDefault("DEV_MEMORY_STORE", false)

	vp.SetDefault("VENDOR_BASE_URL", "http://localhost:9000")
	vp.SetDefault("VENDOR_ACCESS_KEY", "")
	vp.SetDefault("VENDOR_SECRET", "")
	vp.SetDefault("VENDOR_QPS", 10.0)
	vp.SetDefault("VENDOR_MAX_BODY", "1MB")
	vp.SetDefault("POLL_ATTEMPTS", 3)
	vp.SetDefault("POLL_TIMEOUT", "15s")
	vp.SetDefault("POLL_TIMEOUT_STEP", "5s")
	vp.SetDefault("POLL_BACKOFF_BASE", "1s")
	vp.SetDefault("POLL_BACKOFF_CAP", "10s")

	vp.SetDefault("MAX_RETRIES", 3)
	vp.SetDefault("RETRY_BASE", "1m")
	vp.SetDefault("RETRY_CAP", "30m")
	vp.SetDefault("TASK_EXPIRY", "30m")
	vp.SetDefault("BILLING_UNIT", "30s")
	vp.SetDefault("CREDITS_PER_UNIT", 5)
	vp.SetDefault("UNKNOWN_DURATION", string(task.UnknownDurationMinimum))
	vp.SetDefault("FALLBACK_DURATION", "30s")
	vp.SetDefault("STALE_AFTER", "1m")
	vp.SetDefault("REFRESH_TIMEOUT", "30s")
	vp.SetDefault("ESTIMATED_TIME", "2m")
	vp.SetDefault("SUBMIT_GRACE", "1m")

	vp.SetDefault("RETRY_INTERVAL", "2m")
	vp.SetDefault("CLEANUP_INTERVAL", "10m")
	vp.SetDefault("SYNC_INTERVAL", "5m")
	vp.SetDefault("STATS_INTERVAL", "1h")
	vp.SetDefault("SYNC_CONCURRENCY", 4)
	vp.SetDefault("SWEEP_LOCK_TTL", "10m")

	vp.SetDefault("BILLING_URL", "http://localhost:9100")
	vp.SetDefault("BILLING_KEY", "")
	vp.SetDefault("BILLING_TIMEOUT", "10s")

	vp.SetDefault("ARTIFACT_DIR", "./artifacts")
	vp.SetDefault("ARTIFACT_BASE_URL", "")
	vp.SetDefault("ARTIFACT_MAX_SIZE", "2GB")
	vp.SetDefault("ARTIFACT_MAX_RETRY", 5)
	vp.SetDefault("ARTIFACT_TIMEOUT", "10m")
	vp.SetDefault("ARTIFACT_CONCURRENCY", 2)

	vp.SetDefault("KAFKA_BROKERS", "")
	vp.SetDefault("KAFKA_TOPIC", "delogo.tasks")
}

func Load() (*Config, error) {
	// .env.local only fills variables that are not already set
	_ = godotenv.Load(".env.local")

	vp := viper.New()
	setDefaults(vp)

	vp.SetConfigName("delogo_config")
	vp.SetConfigType("yaml")
	vp.AddConfigPath(".")
	vp.AddConfigPath("/etc/delogo/")

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	vp.SetEnvPrefix("DELOGO")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}
	if err := cfg.Policy().Validate(); err != nil {
		return nil, fmt.Errorf("invalid task policy: %w", err)
	}
	return &cfg, nil
}

// Policy is the task lifecycle policy described by the configuration.
func (c *Config) Policy() task.Policy {
	return task.Policy{
		MaxRetries:       c.MaxRetries,
		RetryBase:        c.RetryBase,
		RetryCap:         c.RetryCap,
		ExpireAfter:      c.TaskExpiry,
		BillingUnit:      c.BillingUnit,
		CreditsPerUnit:   c.CreditsPerUnit,
		FallbackDuration: c.FallbackDuration,
		UnknownDuration:  task.UnknownDuration(strings.ToLower(c.UnknownDuration)),
		StaleAfter:       c.StaleAfter,
		RefreshTimeout:   c.RefreshTimeout,
		EstimatedTime:    c.EstimatedTime,
		SubmitGrace:      c.SubmitGrace,
	}
}

func (c *Config) JobClient() jobclient.Config {
	return jobclient.Config{
		BaseURL:      c.VendorBaseURL,
		AccessKey:    c.VendorAccessKey,
		Secret:       c.VendorSecret,
		QPS:          c.VendorQPS,
		MaxBodyBytes: c.VendorMaxBody,
		Retry: jobclient.RetryPolicy{
			Attempts:    c.PollAttempts,
			Timeout:     c.PollTimeout,
			TimeoutStep: c.PollTimeoutStep,
			BaseDelay:   c.PollBackoffBase,
			MaxDelay:    c.PollBackoffCap,
		},
	}
}

func (c *Config) Intervals() scheduler.Intervals {
	return scheduler.Intervals{
		Retry:   c.RetryInterval,
		Cleanup: c.CleanupInterval,
		Sync:    c.SyncInterval,
		Stats:   c.StatsInterval,
	}
}

// Brokers splits the comma separated broker list.
func (c *Config) Brokers() []string {
	var out []string
	for _, b := range strings.Split(c.KafkaBrokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
