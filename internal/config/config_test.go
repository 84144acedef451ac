package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pacemail")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 200, cfg.MaxEmailsPerHour)
	assert.Equal(t, 2*time.Second, cfg.MinDelay)
	assert.Equal(t, 5, cfg.WorkerConcurrency)
	assert.Equal(t, 30*time.Second, cfg.SendTimeout)
	assert.Equal(t, "pacemail", cfg.QueuePrefix)
	assert.Equal(t, 168*time.Hour, cfg.JobRetention)
	assert.Equal(t, "8080", cfg.APIPort)
	assert.Zero(t, cfg.GlobalSendRate)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/pacemail")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MAX_EMAILS_PER_HOUR", "50")
	t.Setenv("MIN_DELAY_BETWEEN_EMAILS", "1500ms")
	t.Setenv("WORKER_CONCURRENCY", "1")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 50, cfg.MaxEmailsPerHour)
	assert.Equal(t, 1500*time.Millisecond, cfg.MinDelay)
	assert.Equal(t, 1, cfg.WorkerConcurrency)
}

func TestLoadRequiresStorage(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL"} {
		t.Setenv(key, "")
		require.NoError(t, os.Unsetenv(key))
	}

	_, err := Load()
	assert.Error(t, err)
}
