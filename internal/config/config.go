package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

var singleConfig *Config = nil

type Config struct {
	Database   *dbConfig
	Service    *svcConfig
	Queue      *queueConfig
	Validation *validationConfig
	Webhook    *webhookConfig
	Events     *eventsConfig
}

type dbConfig struct {
	Type     string `envconfig:"DB_TYPE" default:"pgsql"`
	Hostname string `envconfig:"DB_HOST" default:"localhost"`
	Port     string `envconfig:"DB_PORT" default:"5432"`
	Name     string `envconfig:"DB_NAME" default:"crate_validator"`
	User     string `envconfig:"DB_USER" default:"admin"`
	Password string `envconfig:"DB_PASS" default:"adminpass"`
}

type svcConfig struct {
	Address         string    `envconfig:"CRATE_VALIDATOR_ADDRESS" default:":8080"`
	MetricsAddress  string    `envconfig:"CRATE_VALIDATOR_METRICS_ADDRESS" default:":8081"`
	LogLevel        string    `envconfig:"CRATE_VALIDATOR_LOG_LEVEL" default:"info"`
	LogFormat       string    `envconfig:"CRATE_VALIDATOR_LOG_FORMAT" default:"console"`
	MigrationFolder string    `envconfig:"CRATE_VALIDATOR_MIGRATIONS_FOLDER" default:""`
	AllowedOrigins  []string  `envconfig:"CRATE_VALIDATOR_ALLOWED_ORIGINS" default:"*"`
	LatencyBuckets  []float64 `envconfig:"CRATE_VALIDATOR_LATENCY_BUCKETS" default:""`
}

type queueConfig struct {
	// Type is one of local, river or redis.
	Type          string        `envconfig:"CRATE_VALIDATOR_QUEUE" default:"local"`
	Workers       int           `envconfig:"CRATE_VALIDATOR_WORKERS" default:"4"`
	Name          string        `envconfig:"CRATE_VALIDATOR_QUEUE_NAME" default:"crate_validation"`
	Capacity      int           `envconfig:"CRATE_VALIDATOR_QUEUE_CAPACITY" default:"256"`
	MaxAttempts   int           `envconfig:"CRATE_VALIDATOR_QUEUE_MAX_ATTEMPTS" default:"3"`
	RedisAddress  string        `envconfig:"CRATE_VALIDATOR_REDIS_ADDRESS" default:"localhost:6379"`
	RedisPassword string        `envconfig:"CRATE_VALIDATOR_REDIS_PASSWORD" default:""`
	RedisDB       int           `envconfig:"CRATE_VALIDATOR_REDIS_DB" default:"0"`
	PollTimeout   time.Duration `envconfig:"CRATE_VALIDATOR_QUEUE_POLL_TIMEOUT" default:"5s"`
}

type validationConfig struct {
	JobTimeout      time.Duration `envconfig:"CRATE_VALIDATOR_JOB_TIMEOUT" default:"5m"`
	DefaultProfile  string        `envconfig:"CRATE_VALIDATOR_DEFAULT_PROFILE" default:"ro-crate"`
	ProfilesDir     string        `envconfig:"CRATE_VALIDATOR_PROFILES_DIR" default:""`
	Severity        string        `envconfig:"CRATE_VALIDATOR_REQUIREMENT_SEVERITY" default:"REQUIRED"`
	PublishReports  bool          `envconfig:"CRATE_VALIDATOR_PUBLISH_REPORTS" default:"true"`
	SweepInterval   time.Duration `envconfig:"CRATE_VALIDATOR_SWEEP_INTERVAL" default:"1m"`
	SweepGrace      time.Duration `envconfig:"CRATE_VALIDATOR_SWEEP_GRACE" default:"1m"`
	MaxArchiveBytes int64         `envconfig:"CRATE_VALIDATOR_MAX_ARCHIVE_BYTES" default:"1073741824"`
}

type webhookConfig struct {
	MaxAttempts    int           `envconfig:"CRATE_VALIDATOR_WEBHOOK_MAX_ATTEMPTS" default:"5"`
	MinBackoff     time.Duration `envconfig:"CRATE_VALIDATOR_WEBHOOK_MIN_BACKOFF" default:"1s"`
	MaxBackoff     time.Duration `envconfig:"CRATE_VALIDATOR_WEBHOOK_MAX_BACKOFF" default:"30s"`
	AttemptTimeout time.Duration `envconfig:"CRATE_VALIDATOR_WEBHOOK_ATTEMPT_TIMEOUT" default:"10s"`
}

type eventsConfig struct {
	// Writer is one of none, stdout or kafka.
	Writer   string   `envconfig:"CRATE_VALIDATOR_EVENTS_WRITER" default:"none"`
	Brokers  []string `envconfig:"CRATE_VALIDATOR_KAFKA_BROKERS" default:""`
	Topic    string   `envconfig:"CRATE_VALIDATOR_KAFKA_TOPIC" default:"crate-validation"`
	Version  string   `envconfig:"CRATE_VALIDATOR_KAFKA_VERSION" default:"3.6.0"`
	ClientID string   `envconfig:"CRATE_VALIDATOR_KAFKA_CLIENT_ID" default:"crate-validator"`
	// BufferSize bounds the events waiting for the writer. The oldest are dropped first.
	BufferSize int `envconfig:"CRATE_VALIDATOR_EVENTS_BUFFER_SIZE" default:"1024"`
}

func New() (*Config, error) {
	if singleConfig == nil {
		singleConfig = new(Config)
		if err := envconfig.Process("", singleConfig); err != nil {
			return nil, err
		}
	}
	return singleConfig, nil
}

// NewDefault returns a configuration built only from defaults. It is used by
// tests, which run against a sqlite database.
func NewDefault() *Config {
	c := &Config{
		Database: &dbConfig{
			Type: "sqlite",
			Name: ":memory:",
		},
		Service: &svcConfig{
			Address:        ":8080",
			MetricsAddress: ":8081",
			LogLevel:       "info",
			LogFormat:      "console",
			AllowedOrigins: []string{"*"},
		},
		Queue: &queueConfig{
			Type:        "local",
			Workers:     2,
			Name:        "crate_validation",
			Capacity:    64,
			MaxAttempts: 3,
			PollTimeout: time.Second,
		},
		Validation: &validationConfig{
			JobTimeout:      time.Minute,
			DefaultProfile:  "ro-crate",
			Severity:        "REQUIRED",
			SweepInterval:   time.Minute,
			SweepGrace:      time.Minute,
			MaxArchiveBytes: 64 << 20,
		},
		Webhook: &webhookConfig{
			MaxAttempts:    3,
			MinBackoff:     10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			AttemptTimeout: time.Second,
		},
		Events: &eventsConfig{
			Writer:     "none",
			Topic:      "crate-validation",
			Version:    "3.6.0",
			ClientID:   "crate-validator",
			BufferSize: 1024,
		},
	}
	return c
}
