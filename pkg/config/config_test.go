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
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database:\n  dsn: test-dsn\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "mysql", cfg.Database.Driver)
	assert.Equal(t, 1000, cfg.Warmup.BatchSize)
	assert.Equal(t, 16, cfg.Kafka.TickConcurrency)
	assert.Equal(t, 8, cfg.Kafka.ChangeConcurrency)
	assert.Equal(t, 16, cfg.StatusUpdater.Workers)
	assert.Equal(t, 500, cfg.StatusUpdater.QueueSize)
	assert.Equal(t, 10*time.Second, cfg.Kafka.SendTimeout)
	assert.Equal(t, 30*time.Second, cfg.Kafka.MaxRetryBackoff)
	assert.Equal(t, "America/New_York", cfg.Reset.Timezone)
	assert.Equal(t, "price-alert", cfg.Log.ServiceName)
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_DB_DSN", "from-env")

	cfg, err := Parse([]byte(`
database:
  driver: postgres
  dsn: ${TEST_DB_DSN}
kafka:
  brokers: ["${TEST_UNSET_BROKER:kafka-1:9092}"]
outbox:
  poll_interval: 250ms
`))
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.DSN)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, []string{"kafka-1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 250*time.Millisecond, cfg.Outbox.PollInterval)
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("database:\n  driver: oracle\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
	assert.Contains(t, err.Error(), "database.dsn is required")

	_, err = Parse([]byte("database:\n  dsn: x\nservice:\n  node_id: 5000\n"))
	require.Error(t, err)
}

func TestLoad_SampleConfig(t *testing.T) {
	cfg, err := Load("../../configs/config.yaml")
	require.NoError(t, err)
	assert.Equal(t, "0 30 9 * * MON-FRI", cfg.Reset.Cron)
	assert.Equal(t, ":9090", cfg.Metrics.Addr)
}
