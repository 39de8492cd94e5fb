// Package config loads engine configuration from files, environment
// variables and flags using viper, and validates the result before the
// engine starts. The same config surface can be fed by a config file, by
// AIQ_-prefixed environment variables, or by CLI flags bound with cobra.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EngineConfig is every tunable the synchronization engine reads at
// startup.
type EngineConfig struct {
	// StorePath is the bbolt database file location.
	StorePath string
	// BlobPath is the directory attachment payloads are written under.
	BlobPath string

	// BaseURL is the backend's root URL; link resolution is relative to it.
	BaseURL string
	// RequestTimeout and LongPollTimeout are loaded from configuration but
	// not read by the engine: non-streaming requests use the timeout set by
	// httpclient.NewRequest, and the change-feed stream has no timeout of
	// its own beyond its context.
	RequestTimeout  time.Duration
	LongPollTimeout time.Duration

	// SchedulerPollingInterval is how often the scheduler checks for due jobs.
	SchedulerPollingInterval time.Duration
	// SyncInterval is how often a document synchronizer cycle is scheduled.
	SyncInterval time.Duration

	// DownloadParallelism is validated but not applied by the engine:
	// attachment downloads run in the operation queue's parallel lane,
	// sized by opqueue.DefaultConfig.
	DownloadParallelism int
	// MessageCoalesceWindow is handed to the message pipeline, which stores
	// it but does not wait on it; client messages are batched per
	// EnqueuePending call.
	MessageCoalesceWindow time.Duration
	// MessageExpiryInterval is how often the engine sweeps server messages
	// for ones whose ActiveFrom+TimeToLive deadline has passed.
	MessageExpiryInterval time.Duration

	// LogLevel and LogFormat configure the global logger.
	LogLevel  string
	LogFormat string

	// DistributedQueueURL is loaded from configuration but not read by the
	// engine, which always uses the in-process opqueue; a host application
	// that wants the Redis-based distqueue constructs it itself.
	DistributedQueueURL string
}

// Load reads configuration from (in increasing priority order) defaults,
// a config file, AIQ_-prefixed environment variables, and whatever the
// caller has already bound into v (typically CLI flags). Pass a v created
// by the CLI layer so flags take precedence; pass nil to use env/file only.
func Load(v *viper.Viper) (*EngineConfig, error) {
	if v == nil {
		v = viper.New()
	}

	v.SetEnvPrefix("AIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if v.ConfigFileUsed() == "" {
		v.SetConfigName("aiqsync")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.config/aiqsync")
		if err := v.ReadInConfig(); err != nil {
			if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
				return nil, fmt.Errorf("config: read config file: %w", err)
			}
		}
	}

	cfg := &EngineConfig{
		StorePath:                v.GetString("store.path"),
		BlobPath:                 v.GetString("store.blob_path"),
		BaseURL:                  v.GetString("backend.base_url"),
		RequestTimeout:           v.GetDuration("backend.request_timeout"),
		LongPollTimeout:          v.GetDuration("backend.long_poll_timeout"),
		SchedulerPollingInterval: v.GetDuration("scheduler.polling_interval"),
		SyncInterval:             v.GetDuration("sync.interval"),
		DownloadParallelism:      v.GetInt("attachment.download_parallelism"),
		MessageCoalesceWindow:    v.GetDuration("message.coalesce_window"),
		MessageExpiryInterval:    v.GetDuration("message.expiry_interval"),
		LogLevel:                 v.GetString("log.level"),
		LogFormat:                v.GetString("log.format"),
		DistributedQueueURL:      v.GetString("queue.distributed_url"),
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.path", "aiqsync.db")
	v.SetDefault("store.blob_path", "aiqsync-blobs")
	v.SetDefault("backend.request_timeout", 30*time.Second)
	v.SetDefault("backend.long_poll_timeout", 60*time.Second)
	v.SetDefault("scheduler.polling_interval", time.Second)
	v.SetDefault("sync.interval", 30*time.Second)
	v.SetDefault("attachment.download_parallelism", 3)
	v.SetDefault("message.coalesce_window", 2*time.Second)
	v.SetDefault("message.expiry_interval", time.Minute)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// validator accumulates field errors so a caller sees every problem at
// once instead of failing on the first one.
type validator struct {
	errors []string
}

func (val *validator) requireString(field, value string) {
	if value == "" {
		val.errors = append(val.errors, fmt.Sprintf("%s is required", field))
	}
}

func (val *validator) requirePositive(field string, value int) {
	if value <= 0 {
		val.errors = append(val.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func (val *validator) requirePositiveDuration(field string, value time.Duration) {
	if value <= 0 {
		val.errors = append(val.errors, fmt.Sprintf("%s must be positive", field))
	}
}

func validate(cfg *EngineConfig) error {
	val := &validator{}
	val.requireString("backend.base_url", cfg.BaseURL)
	val.requireString("store.path", cfg.StorePath)
	val.requireString("store.blob_path", cfg.BlobPath)
	val.requirePositive("attachment.download_parallelism", cfg.DownloadParallelism)
	val.requirePositiveDuration("scheduler.polling_interval", cfg.SchedulerPollingInterval)
	val.requirePositiveDuration("sync.interval", cfg.SyncInterval)

	if len(val.errors) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(val.errors, "; "))
	}
	return nil
}
