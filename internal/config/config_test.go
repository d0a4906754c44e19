package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("FAMRX_HUB_URL", "https://hub.famrx.test")
	t.Setenv("FAMRX_FAMILY_ID", "6f1b8a0e-4f6d-4c2e-9f23-74d1c0a9b001")
}

func TestLoad_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 15*time.Minute, cfg.BackoffMax)
	assert.Equal(t, 20, cfg.MaxAttempts)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 5*time.Minute, cfg.SyncInterval)
	assert.Equal(t, 30*time.Second, cfg.GatewayTimeout)
	assert.NotEmpty(t, cfg.DataDir)
}

func TestLoad_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("FAMRX_BACKOFF_BASE", "5s")
	t.Setenv("FAMRX_MAX_ATTEMPTS", "3")
	t.Setenv("FAMRX_DATA_DIR", "/tmp/famrx-test")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.BackoffBase)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, "/tmp/famrx-test", cfg.DataDir)
}

func TestLoad_RequiredFields(t *testing.T) {
	t.Setenv("FAMRX_HUB_URL", "")
	t.Setenv("FAMRX_FAMILY_ID", "6f1b8a0e-4f6d-4c2e-9f23-74d1c0a9b001")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("FAMRX_HUB_URL", "https://hub.famrx.test")
	t.Setenv("FAMRX_FAMILY_ID", "")
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_BadValuesFallBack(t *testing.T) {
	setRequired(t)
	t.Setenv("FAMRX_BACKOFF_BASE", "not-a-duration")
	t.Setenv("FAMRX_BATCH_SIZE", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.BackoffBase)
	assert.Equal(t, 50, cfg.BatchSize)
}
