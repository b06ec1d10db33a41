package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadGroupOrdersDefaults(t *testing.T) {
	cfg, err := Load[GroupOrders]()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, 30*time.Second, cfg.SweepInterval)
	assert.Equal(t, 240, cfg.MaxTTLMinutes)
	assert.Equal(t, 20, cfg.MaxParticipants)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Empty(t, cfg.PostgresURL)
	assert.Empty(t, cfg.KafkaBrokers)
}

func TestLoadGroupOrdersFromEnv(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka-1:9092,kafka-2:9092")
	t.Setenv("SWEEP_INTERVAL", "5s")
	t.Setenv("MAX_PARTICIPANTS_CAP", "8")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load[GroupOrders]()
	require.NoError(t, err)

	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.KafkaBrokers)
	assert.Equal(t, 5*time.Second, cfg.SweepInterval)
	assert.Equal(t, 8, cfg.MaxParticipants)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoadRequired(t *testing.T) {
	_, err := Load[Worker]()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse env:")
}

func TestLoadInvalidDuration(t *testing.T) {
	t.Setenv("SWEEP_INTERVAL", "soon")

	_, err := Load[GroupOrders]()
	require.Error(t, err)
}
