package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.NotNil(t, cfg)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "table", cfg.OutputFormat)
	assert.Equal(t, uint32(65536), cfg.Region.Size)
	assert.Equal(t, uint32(0x20000000), cfg.Region.CtrlBase)
	assert.Equal(t, uint32(0x60000000), cfg.Region.HostBase)
	assert.Equal(t, uint16(2), cfg.Stream.Links)
	assert.Equal(t, 10*time.Millisecond, cfg.Stream.Interval)
	assert.Equal(t, 50*time.Microsecond, cfg.DMA.Latency)
	assert.Equal(t, uint32(0x70000000), cfg.DMA.PoolBase)
	assert.Equal(t, uint(32), cfg.Timer.Width)
	assert.Zero(t, cfg.Timer.DriftPPM)
	assert.NoError(t, cfg.Validate(), "defaults MUST validate")
}

func TestLoad(t *testing.T) {
	t.Run("empty path gives defaults", func(t *testing.T) {
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, DefaultConfig(), cfg)
	})

	t.Run("file overrides only what it names", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "isoshm.yaml")
		require.NoError(t, os.WriteFile(path, []byte(`
log_level: debug
stream:
  links: 3
  interval: 7500us
timer:
  drift_ppm: -40
`), 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.LogLevel)
		assert.Equal(t, uint16(3), cfg.Stream.Links)
		assert.Equal(t, 7500*time.Microsecond, cfg.Stream.Interval)
		assert.Equal(t, int32(-40), cfg.Timer.DriftPPM)
		assert.Equal(t, uint32(120), cfg.Stream.MaxSDU, "unset keys MUST keep their defaults")
		assert.Equal(t, uint8(1), cfg.Stream.Groups)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
		assert.Error(t, err)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("output_format: xml\n"), 0o600))
		_, err := Load(path)
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestConfig_NewLogger(t *testing.T) {
	tests := []struct {
		name     string
		logLevel string
		expected logrus.Level
	}{
		{name: "creates logger with debug level", logLevel: "debug", expected: logrus.DebugLevel},
		{name: "creates logger with info level", logLevel: "info", expected: logrus.InfoLevel},
		{name: "creates logger with warn level", logLevel: "warn", expected: logrus.WarnLevel},
		{name: "creates logger with error level", logLevel: "error", expected: logrus.ErrorLevel},
		{name: "falls back to info on garbage", logLevel: "loud", expected: logrus.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{LogLevel: tt.logLevel}

			logger := cfg.NewLogger()

			assert.NotNil(t, logger)
			assert.Equal(t, tt.expected, logger.GetLevel())

			// Verify formatter is set correctly
			formatter, ok := logger.Formatter.(*logrus.TextFormatter)
			assert.True(t, ok)
			assert.True(t, formatter.FullTimestamp)
			assert.Equal(t, time.RFC3339, formatter.TimestampFormat)
		})
	}
}

func TestConfig_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		valid  bool
	}{
		{name: "table format is valid", mutate: func(c *Config) { c.OutputFormat = "table" }, valid: true},
		{name: "json format is valid", mutate: func(c *Config) { c.OutputFormat = "json" }, valid: true},
		{name: "unknown format", mutate: func(c *Config) { c.OutputFormat = "xml" }},
		{name: "unknown log level", mutate: func(c *Config) { c.LogLevel = "chatty" }},
		{name: "unaligned region", mutate: func(c *Config) { c.Region.Size = 4097 }},
		{name: "no links", mutate: func(c *Config) { c.Stream.Links = 0 }},
		{name: "oversized SDU", mutate: func(c *Config) { c.Stream.MaxSDU = 70000 }},
		{name: "pool too small", mutate: func(c *Config) { c.DMA.PoolBlocks = 3 }},
		{name: "timer too narrow", mutate: func(c *Config) { c.Timer.Width = 4 }},
		{name: "16-bit timer", mutate: func(c *Config) { c.Timer.Width = 16 }, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalid)
			}
		})
	}
}

func BenchmarkDefaultConfig(b *testing.B) {
	for i := 0; i < b.N; i++ {
		_ = DefaultConfig()
	}
}
