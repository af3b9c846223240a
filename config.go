package monque

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rezkam/monque/internal/env"
)

// Defaults applied by New when the corresponding option is not given.
const (
	DefaultCollectionName    = "monque_jobs"
	DefaultPollInterval      = time.Second
	DefaultMaxRetries        = 10
	DefaultBaseRetryInterval = time.Second
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultWorkerConcurrency = 5
	DefaultLockTimeout       = 30 * time.Minute
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultRetentionInterval = time.Hour
)

// RetentionPolicy deletes aged terminal jobs. A zero Completed or Failed
// duration disables deletion for that status; Interval is how often the sweep
// runs.
type RetentionPolicy struct {
	Completed time.Duration
	Failed    time.Duration
	Interval  time.Duration
}

type config struct {
	collectionName      string
	pollInterval        time.Duration
	maxRetries          int
	baseRetryInterval   time.Duration
	maxBackoffDelay     time.Duration
	shutdownTimeout     time.Duration
	workerConcurrency   int
	instanceConcurrency int
	lockTimeout         time.Duration
	instanceID          string
	heartbeatInterval   time.Duration
	recoverStaleJobs    bool
	retention           RetentionPolicy
	logger              *slog.Logger
}

// Option configures a Scheduler at construction time.
type Option func(*config)

// WithCollectionName sets the collection jobs are stored in.
func WithCollectionName(name string) Option {
	return func(c *config) { c.collectionName = name }
}

// WithPollInterval sets the fallback polling interval.
func WithPollInterval(d time.Duration) Option {
	return func(c *config) { c.pollInterval = d }
}

// WithMaxRetries sets how many executions a job gets before it is marked
// FAILED.
func WithMaxRetries(n int) Option {
	return func(c *config) { c.maxRetries = n }
}

// WithBaseRetryInterval sets the first retry delay; subsequent retries double
// it per accumulated failure.
func WithBaseRetryInterval(d time.Duration) Option {
	return func(c *config) { c.baseRetryInterval = d }
}

// WithMaxBackoffDelay caps the exponential retry delay. Unset, the delay
// grows until it hits the maximum representable duration.
func WithMaxBackoffDelay(d time.Duration) Option {
	return func(c *config) { c.maxBackoffDelay = d }
}

// WithShutdownTimeout bounds how long Stop waits for in-flight handlers.
func WithShutdownTimeout(d time.Duration) Option {
	return func(c *config) { c.shutdownTimeout = d }
}

// WithWorkerConcurrency sets the per-worker concurrency used when
// RegisterWorker is called without its own WithConcurrency.
func WithWorkerConcurrency(n int) Option {
	return func(c *config) { c.workerConcurrency = n }
}

// WithInstanceConcurrency caps concurrently executing jobs across all workers
// of this instance. Zero means no instance-wide cap.
func WithInstanceConcurrency(n int) Option {
	return func(c *config) { c.instanceConcurrency = n }
}

// WithLockTimeout sets how long a PROCESSING job may go without heartbeats
// before any instance may reclaim it.
func WithLockTimeout(d time.Duration) Option {
	return func(c *config) { c.lockTimeout = d }
}

// WithInstanceID overrides the generated instance identity recorded in
// claimedBy. Useful for correlating logs across restarts.
func WithInstanceID(id string) Option {
	return func(c *config) { c.instanceID = id }
}

// WithHeartbeatInterval sets how often this instance refreshes the leases of
// jobs it is executing. Keep it well under the lock timeout; half or less is
// sensible, anything above it makes running jobs look stale.
func WithHeartbeatInterval(d time.Duration) Option {
	return func(c *config) { c.heartbeatInterval = d }
}

// WithoutStaleRecovery disables the automatic reset of expired leases at
// Start and on the periodic recovery loop. RecoverStaleJobs remains available
// for manual use.
func WithoutStaleRecovery() Option {
	return func(c *config) { c.recoverStaleJobs = false }
}

// WithRetention enables periodic deletion of aged COMPLETED and FAILED jobs.
func WithRetention(p RetentionPolicy) Option {
	return func(c *config) {
		if p.Interval <= 0 {
			p.Interval = DefaultRetentionInterval
		}
		c.retention = p
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) { c.logger = logger }
}

func defaultConfig() config {
	return config{
		collectionName:    DefaultCollectionName,
		pollInterval:      DefaultPollInterval,
		maxRetries:        DefaultMaxRetries,
		baseRetryInterval: DefaultBaseRetryInterval,
		shutdownTimeout:   DefaultShutdownTimeout,
		workerConcurrency: DefaultWorkerConcurrency,
		lockTimeout:       DefaultLockTimeout,
		heartbeatInterval: DefaultHeartbeatInterval,
		recoverStaleJobs:  true,
	}
}

func newConfig(opts ...Option) (config, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.instanceID == "" {
		cfg.instanceID = uuid.NewString()
	}
	if cfg.logger == nil {
		cfg.logger = slog.Default()
	}
	if err := cfg.validate(); err != nil {
		return config{}, err
	}
	return cfg, nil
}

func (c *config) validate() error {
	if c.collectionName == "" {
		return fmt.Errorf("monque: collection name must not be empty")
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("monque: poll interval must be positive, got %s", c.pollInterval)
	}
	if c.maxRetries < 1 {
		return fmt.Errorf("monque: max retries must be at least 1, got %d", c.maxRetries)
	}
	if c.baseRetryInterval <= 0 {
		return fmt.Errorf("monque: base retry interval must be positive, got %s", c.baseRetryInterval)
	}
	if c.maxBackoffDelay < 0 {
		return fmt.Errorf("monque: max backoff delay must not be negative, got %s", c.maxBackoffDelay)
	}
	if c.shutdownTimeout <= 0 {
		return fmt.Errorf("monque: shutdown timeout must be positive, got %s", c.shutdownTimeout)
	}
	if c.workerConcurrency < 1 {
		return fmt.Errorf("monque: worker concurrency must be at least 1, got %d", c.workerConcurrency)
	}
	if c.instanceConcurrency < 0 {
		return fmt.Errorf("monque: instance concurrency must not be negative, got %d", c.instanceConcurrency)
	}
	if c.lockTimeout <= 0 {
		return fmt.Errorf("monque: lock timeout must be positive, got %s", c.lockTimeout)
	}
	if c.heartbeatInterval <= 0 {
		return fmt.Errorf("monque: heartbeat interval must be positive, got %s", c.heartbeatInterval)
	}
	if c.retention.Completed < 0 || c.retention.Failed < 0 {
		return fmt.Errorf("monque: retention durations must not be negative")
	}
	return nil
}

// envConfig mirrors the MONQUE_* environment surface.
type envConfig struct {
	CollectionName      string        `env:"MONQUE_COLLECTION_NAME" default:"monque_jobs"`
	PollInterval        time.Duration `env:"MONQUE_POLL_INTERVAL" default:"1s"`
	MaxRetries          int           `env:"MONQUE_MAX_RETRIES" default:"10"`
	BaseRetryInterval   time.Duration `env:"MONQUE_BASE_RETRY_INTERVAL" default:"1s"`
	MaxBackoffDelay     time.Duration `env:"MONQUE_MAX_BACKOFF_DELAY"`
	ShutdownTimeout     time.Duration `env:"MONQUE_SHUTDOWN_TIMEOUT" default:"30s"`
	WorkerConcurrency   int           `env:"MONQUE_WORKER_CONCURRENCY" default:"5"`
	InstanceConcurrency int           `env:"MONQUE_INSTANCE_CONCURRENCY"`
	LockTimeout         time.Duration `env:"MONQUE_LOCK_TIMEOUT" default:"30m"`
	InstanceID          string        `env:"MONQUE_INSTANCE_ID"`
	HeartbeatInterval   time.Duration `env:"MONQUE_HEARTBEAT_INTERVAL" default:"30s"`
	RecoverStaleJobs    bool          `env:"MONQUE_RECOVER_STALE_JOBS" default:"true"`
	RetentionCompleted  time.Duration `env:"MONQUE_RETENTION_COMPLETED"`
	RetentionFailed     time.Duration `env:"MONQUE_RETENTION_FAILED"`
	RetentionInterval   time.Duration `env:"MONQUE_RETENTION_INTERVAL" default:"1h"`
}

// ConfigFromEnv builds options from MONQUE_* environment variables. Explicit
// options passed to New after these take precedence.
func ConfigFromEnv() ([]Option, error) {
	var ec envConfig
	if err := env.Parse(&ec); err != nil {
		return nil, fmt.Errorf("monque: load config from environment: %w", err)
	}

	opts := []Option{
		WithCollectionName(ec.CollectionName),
		WithPollInterval(ec.PollInterval),
		WithMaxRetries(ec.MaxRetries),
		WithBaseRetryInterval(ec.BaseRetryInterval),
		WithShutdownTimeout(ec.ShutdownTimeout),
		WithWorkerConcurrency(ec.WorkerConcurrency),
		WithLockTimeout(ec.LockTimeout),
		WithHeartbeatInterval(ec.HeartbeatInterval),
	}
	if ec.MaxBackoffDelay > 0 {
		opts = append(opts, WithMaxBackoffDelay(ec.MaxBackoffDelay))
	}
	if ec.InstanceConcurrency > 0 {
		opts = append(opts, WithInstanceConcurrency(ec.InstanceConcurrency))
	}
	if ec.InstanceID != "" {
		opts = append(opts, WithInstanceID(ec.InstanceID))
	}
	if !ec.RecoverStaleJobs {
		opts = append(opts, WithoutStaleRecovery())
	}
	if ec.RetentionCompleted > 0 || ec.RetentionFailed > 0 {
		opts = append(opts, WithRetention(RetentionPolicy{
			Completed: ec.RetentionCompleted,
			Failed:    ec.RetentionFailed,
			Interval:  ec.RetentionInterval,
		}))
	}
	return opts, nil
}
