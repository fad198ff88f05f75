package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://harvest@localhost/harvest")

	cfg, err := Load("controller", "")
	require.NoError(t, err)

	assert.Equal(t, "controller", cfg.Service.Name)
	assert.Equal(t, "postgres://harvest@localhost/harvest", cfg.Postgres.URL)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "harvest-controller", cfg.Kafka.GroupID)
	assert.Equal(t, 8, cfg.Retry.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.Retry.Delay)
	assert.Equal(t, 5*time.Second, cfg.Cache.KillFlagTTL)
	assert.Equal(t, int64(10000), cfg.Buckets.Ceiling)
	assert.False(t, cfg.Redis.Enabled)
}

func TestLoad_FileAndEnvPrecedence(t *testing.T) {
	path := filepath.Join(t.TempDir(), "harvest.yaml")
	doc := `
postgres:
  url: postgres://file/harvest
kafka:
  brokers: [kafka-1:9092, kafka-2:9092]
  dead_letter_topic: harvest.dlq
retry:
  delay: 250ms
redis:
  enabled: true
  address: redis:6379
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	t.Setenv("HARVEST_RETRY_MAX_ATTEMPTS", "3")
	t.Setenv("KAFKA_BROKERS", "env-1:9092,env-2:9092")
	t.Setenv("POD_NAME", "worker-0")

	cfg, err := Load("worker", path)
	require.NoError(t, err)

	assert.Equal(t, "postgres://file/harvest", cfg.Postgres.URL)
	assert.Equal(t, []string{"env-1:9092", "env-2:9092"}, cfg.Kafka.Brokers, "environment wins over the file")
	assert.Equal(t, "harvest.dlq", cfg.Kafka.DeadLetterTopic)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.Delay)
	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, "worker-0", cfg.Service.ID)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, "redis:6379", cfg.Redis.Address)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "missing database url", env: map[string]string{}},
		{
			name: "redis enabled without address",
			env:  map[string]string{"DATABASE_URL": "postgres://x", "HARVEST_REDIS_ENABLED": "true"},
		},
		{
			name: "bad log level",
			env:  map[string]string{"DATABASE_URL": "postgres://x", "HARVEST_SERVICE_LOG_LEVEL": "loud"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("DATABASE_URL", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("controller", "")
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}
