package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecore/pkg/connection"
	"github.com/srg/blecore/pkg/uart"
	"github.com/srg/blecore/scanner"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	OutputFormat string `yaml:"output_format" default:"table"` // table, json

	Scan       ScanConfig       `yaml:"scan"`
	Connection ConnectionConfig `yaml:"connection"`
	UART       UARTConfig       `yaml:"uart"`
	Throttle   ThrottleConfig   `yaml:"throttle"`
}

// ScanConfig holds scanner filters and timing
type ScanConfig struct {
	ServiceUUIDs    []string      `yaml:"service_uuids"`
	Name            string        `yaml:"name"`
	BatchDelay      time.Duration `yaml:"batch_delay" default:"2500ms"`
	Timeout         time.Duration `yaml:"timeout" default:"20s"`
	AllowDuplicates bool          `yaml:"allow_duplicates" default:"true"`
}

// ConnectionConfig holds connection manager settings
type ConnectionConfig struct {
	Adapter             string        `yaml:"adapter" default:"hci0"`
	MTU                 int           `yaml:"mtu" default:"260"`
	ConnectTimeout      time.Duration `yaml:"connect_timeout" default:"10s"`
	OperationTimeout    time.Duration `yaml:"operation_timeout" default:"3500ms"`
	StatusDebounce      time.Duration `yaml:"status_debounce" default:"500ms"`
	RadioSettle         time.Duration `yaml:"radio_settle" default:"2s"`
	RadioRestartTimeout time.Duration `yaml:"radio_restart_timeout" default:"10s"`
}

// UARTConfig holds the serial service layout and framing
type UARTConfig struct {
	ServiceUUID string `yaml:"service_uuid" default:"6e400001-b5a3-f393-e0a9-e50e24dcca9e"`
	RxUUID      string `yaml:"rx_uuid" default:"6e400002-b5a3-f393-e0a9-e50e24dcca9e"`
	TxUUID      string `yaml:"tx_uuid" default:"6e400003-b5a3-f393-e0a9-e50e24dcca9e"`
	FrameSize   int    `yaml:"frame_size" default:"20"`
	ExactFrames bool   `yaml:"exact_frames" default:"true"`
	CRC         bool   `yaml:"crc" default:"false"`
	Backlog     uint32 `yaml:"backlog" default:"256"`
}

// ThrottleConfig holds the outbound write coalescing windows. A zero Quiet
// disables coalescing.
type ThrottleConfig struct {
	Quiet   time.Duration `yaml:"quiet" default:"0s"`
	MaxWait time.Duration `yaml:"max_wait" default:"2s"`
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// Load reads a YAML file over the defaults. Keys missing from the file keep
// their default values.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks values the components would reject later.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	switch c.OutputFormat {
	case "table", "json":
	default:
		return fmt.Errorf("unsupported output format %q (want table or json)", c.OutputFormat)
	}
	if c.Connection.MTU < 23 || c.Connection.MTU > 517 {
		return fmt.Errorf("mtu %d out of range [23, 517]", c.Connection.MTU)
	}
	if c.UART.FrameSize <= 0 {
		return fmt.Errorf("frame_size must be > 0, got %d", c.UART.FrameSize)
	}
	if c.Scan.BatchDelay < 0 || c.Scan.Timeout < 0 {
		return fmt.Errorf("scan durations must not be negative")
	}
	return nil
}

// Level returns the parsed log level, falling back to info.
func (c *Config) Level() logrus.Level {
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}

// NewLogger creates a configured logger instance
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.Level())

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}

// ScanOptions converts the scan section to scanner options.
func (c *Config) ScanOptions() *scanner.ScanOptions {
	return &scanner.ScanOptions{
		ServiceUUIDs:    append([]string(nil), c.Scan.ServiceUUIDs...),
		Name:            c.Scan.Name,
		BatchDelay:      c.Scan.BatchDelay,
		Timeout:         c.Scan.Timeout,
		AllowDuplicates: c.Scan.AllowDuplicates,
	}
}

// ConnectionOptions converts the connection section to manager options.
func (c *Config) ConnectionOptions() *connection.Options {
	return &connection.Options{
		Adapter:             c.Connection.Adapter,
		MTU:                 c.Connection.MTU,
		ConnectTimeout:      c.Connection.ConnectTimeout,
		OperationTimeout:    c.Connection.OperationTimeout,
		StatusDebounce:      c.Connection.StatusDebounce,
		RadioSettle:         c.Connection.RadioSettle,
		RadioRestartTimeout: c.Connection.RadioRestartTimeout,
	}
}

// UARTOptions converts the uart section to protocol channel options.
func (c *Config) UARTOptions() *uart.Options {
	return &uart.Options{
		ServiceUUID: c.UART.ServiceUUID,
		RxUUID:      c.UART.RxUUID,
		TxUUID:      c.UART.TxUUID,
		FrameSize:   c.UART.FrameSize,
		ExactFrames: c.UART.ExactFrames,
		CRC:         c.UART.CRC,
		Backlog:     c.UART.Backlog,
	}
}
