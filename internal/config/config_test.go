package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 25, cfg.Servicing.ServicingBps)
	assert.Equal(t, 180, cfg.Servicing.CheckStaleDays)
	assert.Equal(t, int64(5000), cfg.Servicing.LateFeeFlatCents)
	assert.Equal(t, 500, cfg.Dispatcher.BatchSize)
	assert.Equal(t, 5, cfg.Dispatcher.MaxAttempts)
	assert.Equal(t, 5*time.Second, cfg.DispatcherTick())
	assert.Equal(t, 30*time.Second, cfg.HandlerTimeout())
	assert.Equal(t, 30*time.Second, cfg.GracefulTimeout())
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero batch", func(c *Config) { c.Dispatcher.BatchSize = 0 }},
		{"zero attempts", func(c *Config) { c.Dispatcher.MaxAttempts = 0 }},
		{"inverted backoff", func(c *Config) { c.Dispatcher.MaxBackoffMs = c.Dispatcher.BaseBackoffMs - 1 }},
		{"bps over scale", func(c *Config) { c.Servicing.ServicingBps = 10001 }},
		{"zero timeout", func(c *Config) { c.Consumers.HandlerTimeoutMs = 0 }},
		{"zero prefetch", func(c *Config) { c.Consumers.ReversalPrefetch = 0 }},
	}
	for _, tc := range cases {
		cfg := Default()
		tc.mutate(cfg)
		assert.Error(t, cfg.Validate(), tc.name)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SERVICING_BPS", "50")
	t.Setenv("BATCH_SIZE", "100")
	t.Setenv("LATE_FEE_FLAT_CENTS", "2500")
	t.Setenv("AMQP_URL", "amqp://broker:5672/")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Servicing.ServicingBps)
	assert.Equal(t, 100, cfg.Dispatcher.BatchSize)
	assert.Equal(t, int64(2500), cfg.Servicing.LateFeeFlatCents)
	assert.Equal(t, "amqp://broker:5672/", cfg.Broker.URL)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("/nonexistent/engine.yaml")
	assert.Error(t, err)
}
