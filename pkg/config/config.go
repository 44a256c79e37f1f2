package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ErrInvalid is wrapped by every Validate failure.
var ErrInvalid = errors.New("invalid configuration")

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	Region RegionConfig `yaml:"region"`
	Stream StreamConfig `yaml:"stream"`
	DMA    DMAConfig    `yaml:"dma"`
	GC     GCConfig     `yaml:"gc"`
	Timer  TimerConfig  `yaml:"timer"`
}

// RegionConfig sizes the shared window and places it in both address spaces.
type RegionConfig struct {
	Size       uint32 `yaml:"size" default:"65536"`
	CtrlBase   uint32 `yaml:"ctrl_base" default:"536870912"`  // 0x20000000
	HostBase   uint32 `yaml:"host_base" default:"1610612736"` // 0x60000000
	EventDepth uint32 `yaml:"event_depth" default:"8"`
}

// StreamConfig describes the simulated ISO streams.
type StreamConfig struct {
	Links      uint16        `yaml:"links" default:"2"`
	Groups     uint8         `yaml:"groups" default:"1"`
	MaxSDU     uint32        `yaml:"max_sdu" default:"120"`
	QueueDepth uint32        `yaml:"queue_depth" default:"4"`
	Interval   time.Duration `yaml:"interval" default:"10ms"`
	Count      int           `yaml:"count" default:"50"`
}

type DMAConfig struct {
	Latency    time.Duration `yaml:"latency" default:"50us"`
	PoolBase   uint32        `yaml:"pool_base" default:"1879048192"` // 0x70000000
	PoolBlocks uint32        `yaml:"pool_blocks" default:"16"`
}

type GCConfig struct {
	Interval time.Duration `yaml:"interval" default:"5ms"`
	// Delay, in controller microseconds, between retirement and reuse.
	Delay uint32 `yaml:"delay" default:"1000"`
}

type TimerConfig struct {
	Width         uint          `yaml:"width" default:"32"`
	CapturePeriod time.Duration `yaml:"capture_period" default:"10ms"`
	DriftPPM      int32         `yaml:"drift_ppm"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. An empty path returns the
// defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	defaults.SetDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Level parses LogLevel.
func (c *Config) Level() (logrus.Level, error) {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel, fmt.Errorf("log_level %q: %w", c.LogLevel, ErrInvalid)
	}
	return lvl, nil
}

// Validate checks the combinations the simulation cannot run with.
func (c *Config) Validate() error {
	if _, err := c.Level(); err != nil {
		return err
	}
	if !slices.Contains([]string{"table", "json"}, c.OutputFormat) {
		return fmt.Errorf("output_format %q: %w", c.OutputFormat, ErrInvalid)
	}
	if c.Region.Size == 0 || c.Region.Size%4 != 0 {
		return fmt.Errorf("region.size %d must be a non-zero multiple of 4: %w", c.Region.Size, ErrInvalid)
	}
	if c.Stream.Links == 0 || c.Stream.Groups == 0 {
		return fmt.Errorf("stream needs at least one link and one group: %w", ErrInvalid)
	}
	if c.Stream.MaxSDU == 0 || c.Stream.MaxSDU > 0xFFFF {
		return fmt.Errorf("stream.max_sdu %d: %w", c.Stream.MaxSDU, ErrInvalid)
	}
	if c.Stream.Interval <= 0 {
		return fmt.Errorf("stream.interval must be positive: %w", ErrInvalid)
	}
	if c.DMA.PoolBlocks < 2*uint32(c.Stream.Links) {
		return fmt.Errorf("dma.pool_blocks %d cannot feed %d links: %w", c.DMA.PoolBlocks, c.Stream.Links, ErrInvalid)
	}
	if c.Timer.Width < 8 || c.Timer.Width > 32 {
		return fmt.Errorf("timer.width %d outside [8, 32]: %w", c.Timer.Width, ErrInvalid)
	}
	return nil
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	lvl, _ := c.Level()
	logger.SetLevel(lvl)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
