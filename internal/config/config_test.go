package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "https://api.hyperliquid.xyz", cfg.APIURL)
	assert.Equal(t, 30*time.Second, cfg.PositionPollInterval)
	assert.Equal(t, 5*time.Minute, cfg.FillsPollInterval)
	assert.Equal(t, time.Hour, cfg.FundingPollInterval)
	assert.Equal(t, 60*time.Second, cfg.SnapshotInterval)
	assert.True(t, cfg.UseHybridMode)
	assert.Equal(t, 30, cfg.BackfillDays)
	assert.Equal(t, 8080, cfg.ServerPort)
	assert.False(t, cfg.AlertsEnabled())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("POSITION_POLL_INTERVAL", "10s")
	t.Setenv("POLL_INTERVAL_MS", "60000")
	t.Setenv("USE_HYBRID_MODE", "false")
	t.Setenv("TRADER_ADDRESSES", "0xAbC0000000000000000000000000000000000001, 0xdef0000000000000000000000000000000000002")
	t.Setenv("TELEGRAM_BOT_TOKEN", "tok")
	t.Setenv("TELEGRAM_CHAT_ID", "42")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.PositionPollInterval)
	assert.Equal(t, time.Minute, cfg.HybridPollInterval)
	assert.False(t, cfg.UseHybridMode)
	assert.Len(t, cfg.TraderAddresses, 2)
	assert.True(t, cfg.AlertsEnabled())
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("TELEGRAM_CHAT_ID", "not-a-number")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadPort(t *testing.T) {
	t.Setenv("SERVER_PORT", "99999")
	_, err := Load()
	assert.Error(t, err)
}
