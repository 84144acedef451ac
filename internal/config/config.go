package config

import (
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	// ----------------------------
	// SMTP
	// ----------------------------
	SMTPHost     string        `envconfig:"SMTP_HOST" default:"localhost"`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"1025"`
	SMTPUser     string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPFrom     string        `envconfig:"SMTP_FROM" default:"noreply@pacemail.local"`
	SendTimeout  time.Duration `envconfig:"SEND_TIMEOUT" default:"30s"`

	// ----------------------------
	// Pacing
	// ----------------------------
	MaxEmailsPerHour int           `envconfig:"MAX_EMAILS_PER_HOUR" default:"200"`
	MinDelay         time.Duration `envconfig:"MIN_DELAY_BETWEEN_EMAILS" default:"2s"`
	GlobalSendRate   float64       `envconfig:"GLOBAL_SEND_RATE" default:"0"`

	// ----------------------------
	// Workers
	// ----------------------------
	WorkerConcurrency  int           `envconfig:"WORKER_CONCURRENCY" default:"5"`
	StatusWriteTimeout time.Duration `envconfig:"STATUS_WRITE_TIMEOUT" default:"10s"`

	// ----------------------------
	// Queue
	// ----------------------------
	QueuePrefix       string        `envconfig:"QUEUE_PREFIX" default:"pacemail"`
	QueuePollInterval time.Duration `envconfig:"QUEUE_POLL_INTERVAL" default:"500ms"`
	QueueLease        time.Duration `envconfig:"QUEUE_LEASE" default:"5m"`
	JobRetention      time.Duration `envconfig:"JOB_RETENTION" default:"168h"`

	// ----------------------------
	// HTTP API
	// ----------------------------
	APIPort string `envconfig:"API_PORT" default:"8080"`

	// ----------------------------
	// Metrics
	// ----------------------------
	MetricsPort string `envconfig:"METRICS_PORT" default:"9090"`

	// ----------------------------
	// Storage
	// ----------------------------
	DatabaseURL string `envconfig:"DATABASE_URL" required:"true"`
	RedisURL    string `envconfig:"REDIS_URL" required:"true"`
}

func Load() (*Config, error) {
	var cfg Config
	err := envconfig.Process("", &cfg)
	return &cfg, err
}
