package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicedialer.yaml")
	content := `
env: prod
redis:
  addr: 10.0.0.5:6379
dialer:
  pickup_ratio: 0.5
  tick_seconds: 3
monitor:
  enabled: true
  port: 9090
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.True(t, cfg.IsProd())
	require.Equal(t, "10.0.0.5:6379", cfg.Redis.Addr)
	require.Equal(t, 0.5, cfg.Dialer.PickupRatio)
	require.Equal(t, 3, cfg.Dialer.TickSeconds)
	require.True(t, cfg.Monitor.Enabled)
	require.Equal(t, "127.0.0.1:9090", cfg.Monitor.Address())

	// Untouched sections keep their defaults.
	require.Equal(t, 100, cfg.Dialer.RefillThreshold)
	require.Equal(t, "ClueCon", cfg.FreeSwitch.Password)
	require.Equal(t, "9999", cfg.Dialer.WaitingRoomExtension)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voicedialer.yaml")
	require.NoError(t, os.WriteFile(path, []byte("env: dev\n"), 0o600))

	t.Setenv("VOICEDIALER_REDIS_ADDR", "redis.internal:6380")
	t.Setenv("VOICEDIALER_ESL_PASSWORD", "s3cret")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "redis.internal:6380", cfg.Redis.Addr)
	require.Equal(t, "s3cret", cfg.FreeSwitch.Password)
	require.False(t, cfg.IsProd())
}

func TestDialMultiplier(t *testing.T) {
	cases := []struct {
		ratio float64
		want  int
	}{
		{1.0, 1},
		{0.5, 2},
		{0.3, 3},
		{0.25, 4},
		{0, 3},    // invalid falls back to the default ratio
		{1.5, 3},  // out of range likewise
	}
	for _, tc := range cases {
		d := DialerConfig{PickupRatio: tc.ratio}
		require.Equal(t, tc.want, d.DialMultiplier(), "ratio %v", tc.ratio)
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host:     "db.internal",
		Port:     3306,
		Username: "dialer",
		Password: "pw",
		Database: "telesales",
	}
	require.Equal(t, "dialer:pw@tcp(db.internal:3306)/telesales?parseTime=true&charset=utf8mb4", d.DSN())
}
