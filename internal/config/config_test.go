package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 5*time.Minute, cfg.SweepInterval())
	assert.Equal(t, 15*time.Minute, cfg.ReservationTTL())
	assert.Equal(t, 30*time.Minute, cfg.TrackerStaleAfter())
	assert.Equal(t, 30*time.Second, cfg.CacheTTL())
	assert.Equal(t, 1.2, cfg.BufferMultiplier)
	assert.Equal(t, "-1", cfg.Floor().String())
}

func TestLoad_YAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: ":9000"
reservation_ttl_minutes: 30
buffer_multiplier: 1.5
credit_floor: "-2.5"
pricing:
  - model: gpt-4o
    input_per_million: 2500
    output_per_million: 10000
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9000", cfg.ListenAddr)
	assert.Equal(t, 30*time.Minute, cfg.ReservationTTL())
	assert.Equal(t, 1.5, cfg.BufferMultiplier)
	assert.Equal(t, "-2.5", cfg.Floor().String())
	require.Len(t, cfg.Pricing, 1)
	assert.Equal(t, "gpt-4o", cfg.Pricing[0].Model)
	assert.Equal(t, 2500.0, cfg.Pricing[0].InputPerMillion)

	// Unspecified keys keep their defaults.
	assert.Equal(t, 100, cfg.SweepBatchSize)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9000\"\n"), 0o644))

	t.Setenv("LISTEN_ADDR", ":7777")
	t.Setenv("SWEEP_BATCH_SIZE", "25")
	t.Setenv("BUFFER_MULTIPLIER", "2.0")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.ListenAddr)
	assert.Equal(t, 25, cfg.SweepBatchSize)
	assert.Equal(t, 2.0, cfg.BufferMultiplier)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/config.yaml")
	assert.Error(t, err)
}

func TestLoad_EmptyPathUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().ListenAddr, cfg.ListenAddr)
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"missing postgres url", func(c *Config) { c.PostgresURL = "" }},
		{"zero sweep interval", func(c *Config) { c.SweepIntervalMinutes = 0 }},
		{"zero reservation ttl", func(c *Config) { c.ReservationTTLMinutes = 0 }},
		{"buffer below one", func(c *Config) { c.BufferMultiplier = 0.9 }},
		{"warn ratio above one", func(c *Config) { c.ApproachingLimitRatio = 1.5 }},
		{"warn ratio zero", func(c *Config) { c.ApproachingLimitRatio = 0 }},
		{"bad credit floor", func(c *Config) { c.CreditFloor = "not-a-number" }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
