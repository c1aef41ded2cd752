package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	DBSource string `envconfig:"DB_SOURCE" required:"true"`
	Port     string `envconfig:"SERVER_PORT" default:"8080"`
	Env      string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`

	// InitialGrant is the one-time credit grant on first device onboarding.
	InitialGrant int64 `envconfig:"INITIAL_GRANT" default:"25"`

	IdempotencyTTL time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	SweepInterval  time.Duration `envconfig:"SWEEP_INTERVAL" default:"5m"`

	// ProcessingTimeout bounds how long a job may sit in processing before
	// the reconciliation sweep force-fails it.
	ProcessingTimeout time.Duration `envconfig:"PROCESSING_TIMEOUT" default:"15m"`
	ReapInterval      time.Duration `envconfig:"REAP_INTERVAL" default:"1m"`

	DeviceWindowCap      int           `envconfig:"DEVICE_WINDOW_CAP" default:"10"`
	DeviceWindow         time.Duration `envconfig:"DEVICE_WINDOW" default:"1h"`
	FailureSpikeRatio    float64       `envconfig:"FAILURE_SPIKE_RATIO" default:"0.5"`
	FailureSpikeMinTotal int64         `envconfig:"FAILURE_SPIKE_MIN_TOTAL" default:"4"`
	OscillationWindow    time.Duration `envconfig:"OSCILLATION_WINDOW" default:"24h"`

	// AttestationSecret verifies device integrity tokens. Empty means every
	// token evaluates as unverified, which degrades rather than blocks
	// onboarding.
	AttestationSecret string `envconfig:"ATTESTATION_SECRET"`
	AttestationIssuer string `envconfig:"ATTESTATION_ISSUER"`

	// OnboardBurst is the in-process token-bucket backstop on the onboarding
	// route, in front of the persisted sliding window.
	OnboardBurst     int           `envconfig:"ONBOARD_BURST" default:"5"`
	OnboardPerSecond float64       `envconfig:"ONBOARD_PER_SECOND" default:"1"`
	ShutdownTimeout  time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return &cfg, nil
}
