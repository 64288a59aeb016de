package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Queue    QueueConfig    `yaml:"queue"`
	Batch    BatchConfig    `yaml:"batch"`
	Label    LabelConfig    `yaml:"label"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// BridgeConfig selects the transport used to reach printers. Mode "tcp" dials
// each printer directly; mode "http" goes through a local bridge service.
type BridgeConfig struct {
	Mode              string          `yaml:"mode"`
	URL               string          `yaml:"url"`
	ConnectionTimeout time.Duration   `yaml:"connection_timeout"`
	StatusCheck       bool            `yaml:"status_check"`
	Printers          []PrinterConfig `yaml:"printers"`
}

type PrinterConfig struct {
	Name    string `yaml:"name"`
	Address string `yaml:"address"`
}

type QueueConfig struct {
	MaxAttempts   int           `yaml:"max_attempts"`
	Backoff       string        `yaml:"backoff"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"`
	SendInterval  time.Duration `yaml:"send_interval"`
}

type BatchConfig struct {
	DirectThreshold int `yaml:"direct_threshold"`
}

type LabelConfig struct {
	WidthDots      int     `yaml:"width_dots"`
	HeightDots     int     `yaml:"height_dots"`
	Margin         int     `yaml:"margin"`
	StartFontSize  int     `yaml:"start_font_size"`
	MinFontSize    int     `yaml:"min_font_size"`
	CharWidthRatio float64 `yaml:"char_width_ratio"`
	MetaFraction   float64 `yaml:"meta_fraction"`
	ModuleWidth    int     `yaml:"module_width"`

	// BarcodeHeightFactor scales the zone 1 text size into the barcode height.
	BarcodeHeightFactor float64 `yaml:"barcode_height_factor"`
	TitleMaxLines       int     `yaml:"title_max_lines"`
}

type WebhookConfig struct {
	Enabled     bool          `yaml:"enabled"`
	RetryCount  int           `yaml:"retry_count"`
	RetryDelay  time.Duration `yaml:"retry_delay"`
	Timeout     time.Duration `yaml:"timeout"`
	WorkerCount int           `yaml:"worker_count"`
	QueueSize   int           `yaml:"queue_size"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Path: "./data/labelspool.db",
		},
		Bridge: BridgeConfig{
			Mode:              "http",
			URL:               "http://127.0.0.1:9100",
			ConnectionTimeout: 10 * time.Second,
			StatusCheck:       true,
		},
		Queue: QueueConfig{
			MaxAttempts:   3,
			Backoff:       "exponential",
			RetryDelay:    2 * time.Second,
			MaxRetryDelay: time.Minute,
			SendInterval:  250 * time.Millisecond,
		},
		Batch: BatchConfig{
			DirectThreshold: 10,
		},
		Label: LabelConfig{
			WidthDots:      406,
			HeightDots:     203,
			Margin:         8,
			StartFontSize:  40,
			MinFontSize:    12,
			CharWidthRatio: 0.6,
			MetaFraction:   0.4,
			ModuleWidth:    2,

			BarcodeHeightFactor: 1.5,
			TitleMaxLines:       2,
		},
		Webhook: WebhookConfig{
			Enabled:     true,
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 3,
			QueueSize:   100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns the built-in configuration.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// ApplyEnv overrides fields from SPOOL_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("SPOOL_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("SPOOL_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("SPOOL_BRIDGE_MODE"); v != "" {
		c.Bridge.Mode = v
	}

	if v := os.Getenv("SPOOL_BRIDGE_URL"); v != "" {
		c.Bridge.URL = v
	}

	if v := os.Getenv("SPOOL_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Queue.MaxAttempts = n
		}
	}

	if v := os.Getenv("SPOOL_RETRY_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.Queue.RetryDelay = d
		}
	}

	if v := os.Getenv("SPOOL_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}

	if v := os.Getenv("SPOOL_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	switch c.Bridge.Mode {
	case "http":
		if c.Bridge.URL == "" {
			return fmt.Errorf("bridge url is required in http mode")
		}
	case "tcp":
		if len(c.Bridge.Printers) == 0 {
			return fmt.Errorf("at least one printer is required in tcp mode")
		}
		seen := make(map[string]bool)
		for i, p := range c.Bridge.Printers {
			if strings.TrimSpace(p.Name) == "" || strings.TrimSpace(p.Address) == "" {
				return fmt.Errorf("printer %d: name and address are required", i)
			}
			if seen[p.Name] {
				return fmt.Errorf("duplicate printer name: %s", p.Name)
			}
			seen[p.Name] = true
		}
	default:
		return fmt.Errorf("invalid bridge mode: %s (valid: http, tcp)", c.Bridge.Mode)
	}

	if c.Bridge.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Queue.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be at least 1")
	}

	if c.Queue.Backoff != "exponential" && c.Queue.Backoff != "fixed" {
		return fmt.Errorf("invalid backoff: %s (valid: exponential, fixed)", c.Queue.Backoff)
	}

	if c.Queue.RetryDelay < 0 || c.Queue.MaxRetryDelay < 0 || c.Queue.SendInterval < 0 {
		return fmt.Errorf("queue durations must be non-negative")
	}

	if c.Batch.DirectThreshold < 0 {
		return fmt.Errorf("batch direct threshold must be non-negative")
	}

	if c.Label.WidthDots <= 0 || c.Label.HeightDots <= 0 {
		return fmt.Errorf("label dimensions must be positive")
	}

	if c.Label.MinFontSize < 1 || c.Label.StartFontSize < c.Label.MinFontSize {
		return fmt.Errorf("label font sizes must satisfy 1 <= min_font_size <= start_font_size")
	}

	if c.Label.CharWidthRatio <= 0 {
		return fmt.Errorf("char width ratio must be positive")
	}

	if c.Label.MetaFraction <= 0 || c.Label.MetaFraction >= 1 {
		return fmt.Errorf("meta fraction must be between 0 and 1")
	}

	if c.Label.BarcodeHeightFactor < 0 || c.Label.TitleMaxLines < 0 {
		return fmt.Errorf("barcode height factor and title max lines must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
