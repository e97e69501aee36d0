package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Flag is a strictly-parsed boolean. Unlike strconv.ParseBool it accepts only
// a closed set of spellings, so a typo fails startup instead of silently
// flipping a feature.
type Flag bool

func (f *Flag) Decode(value string) error {
	switch value {
	case "", "0", "false":
		*f = false
	case "1", "true":
		*f = true
	default:
		return fmt.Errorf("invalid boolean %q (want true/false/1/0)", value)
	}
	return nil
}

type Config struct {
	// Dependencies
	PostgresURL string `envconfig:"POSTGRES_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
	NATSURL     string `envconfig:"NATS_URL" required:"true"`
	VendorURL   string `envconfig:"VENDOR_URL" required:"true"`

	// Database
	DBMaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"20"`
	MigrationsPath string `envconfig:"MIGRATIONS_PATH" default:"migrations"`

	// Scheduler triad
	DailySchedule    string `envconfig:"DAILY_SCHEDULE" default:"0 0 * * *"`
	EnqueueSchedule  string `envconfig:"ENQUEUE_SCHEDULE" default:"* * * * *"`
	RecoverySchedule string `envconfig:"RECOVERY_SCHEDULE" default:"*/10 * * * *"`

	HorizonDays    int           `envconfig:"HORIZON_DAYS" default:"1"`
	EnqueueWindow  time.Duration `envconfig:"ENQUEUE_WINDOW" default:"1h"`
	SchedulerGrace time.Duration `envconfig:"SCHEDULER_GRACE" default:"5s"`

	// Recovery
	StrandedGrace        time.Duration `envconfig:"STRANDED_GRACE" default:"5m"`
	StrandedHardLateness time.Duration `envconfig:"STRANDED_HARD_LATENESS" default:"24h"`
	RequeueAfter         time.Duration `envconfig:"REQUEUE_AFTER" default:"15m"`
	MaxRecoveryRetries   int           `envconfig:"MAX_RECOVERY_RETRIES" default:"3"`

	// Worker pool
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"5"`
	MaxWorkerRetries   int           `envconfig:"MAX_WORKER_RETRIES" default:"3"`
	WorkerTimeout      time.Duration `envconfig:"WORKER_TIMEOUT" default:"2m"`
	WorkerDrainTimeout time.Duration `envconfig:"WORKER_DRAIN_TIMEOUT" default:"10s"`

	// Retry backoff
	BackoffBase   time.Duration `envconfig:"BACKOFF_BASE" default:"1s"`
	BackoffFactor float64       `envconfig:"BACKOFF_FACTOR" default:"2.0"`
	BackoffCap    time.Duration `envconfig:"BACKOFF_CAP" default:"10s"`

	// Vendor client
	VendorTimeout       time.Duration `envconfig:"VENDOR_TIMEOUT" default:"30s"`
	CircuitInterval     time.Duration `envconfig:"CIRCUIT_INTERVAL" default:"10s"`
	CircuitThreshold    float64       `envconfig:"CIRCUIT_THRESHOLD" default:"0.5"`
	CircuitMinRequests  uint32        `envconfig:"CIRCUIT_MIN_REQUESTS" default:"10"`
	CircuitResetTimeout time.Duration `envconfig:"CIRCUIT_RESET_TIMEOUT" default:"30s"`

	// Ops server
	OpsPort       string `envconfig:"OPS_PORT" default:"8081"`
	OpsAPIKeyHash string `envconfig:"OPS_API_KEY_HASH" default:""`

	// Observability
	MetricsEnabled Flag   `envconfig:"METRICS_ENABLED" default:"true"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`
}

// WorkerMessageBudget is the per-message processing deadline: the vendor
// request timeout plus headroom for the store reads and the terminal write.
// A budget equal to VendorTimeout would leave a send that uses its full
// timeout no time to record SENT, stranding the row in SENDING.
func (c *Config) WorkerMessageBudget() time.Duration {
	return c.VendorTimeout + 15*time.Second
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.HorizonDays < 1 {
		return nil, fmt.Errorf("HORIZON_DAYS must be >= 1, got %d", cfg.HorizonDays)
	}
	if cfg.WorkerConcurrency < 1 {
		return nil, fmt.Errorf("WORKER_CONCURRENCY must be >= 1, got %d", cfg.WorkerConcurrency)
	}
	if cfg.CircuitThreshold <= 0 || cfg.CircuitThreshold > 1 {
		return nil, fmt.Errorf("CIRCUIT_THRESHOLD must be in (0, 1], got %v", cfg.CircuitThreshold)
	}
	return &cfg, nil
}
