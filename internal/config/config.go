// Package config loads per-binary configuration from environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Common holds settings shared by every binary.
type Common struct {
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"json"`
}

type GroupOrders struct {
	Common
	Port              string        `env:"PORT" envDefault:"8081"`
	PostgresURL       string        `env:"POSTGRES_URL"`
	KafkaBrokers      []string      `env:"KAFKA_BROKERS" envSeparator:","`
	EventsTopic       string        `env:"EVENTS_TOPIC" envDefault:"group-order.events"`
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
	TerminalRetention time.Duration `env:"TERMINAL_RETENTION" envDefault:"15m"`
	MaxTTLMinutes     int           `env:"MAX_TTL_MINUTES" envDefault:"240"`
	MaxParticipants   int           `env:"MAX_PARTICIPANTS_CAP" envDefault:"20"`
}

type Gateway struct {
	Common
	Port                  string `env:"PORT" envDefault:"8080"`
	GroupOrdersServiceURL string `env:"GROUP_ORDERS_SERVICE_URL,required"`
}

type Worker struct {
	Common
	KafkaBrokers          []string `env:"KAFKA_BROKERS,required" envSeparator:","`
	EventsTopic           string   `env:"EVENTS_TOPIC" envDefault:"group-order.events"`
	ConsumerGroup         string   `env:"CONSUMER_GROUP" envDefault:"settlement-worker"`
	EmailServiceURL       string   `env:"EMAIL_SERVICE_URL,required"`
	GroupOrdersServiceURL string   `env:"GROUP_ORDERS_SERVICE_URL,required"`
}

type Email struct {
	Common
	Port string `env:"PORT" envDefault:"8084"`
}

type Migrate struct {
	Common
	PostgresURL    string `env:"POSTGRES_URL,required"`
	MigrationsPath string `env:"MIGRATIONS_PATH" envDefault:"file://migrations"`
}

// Parse loads configuration from environment variables into target.
func Parse(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Load parses a configuration struct of type T.
func Load[T any]() (T, error) {
	var cfg T
	err := Parse(&cfg)
	return cfg, err
}
