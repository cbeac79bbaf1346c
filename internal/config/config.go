package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the engine and CLI configuration.
type Config struct {
	SMTPPort   int           `yaml:"smtp_port"`
	RelayHost  string        `yaml:"relay_host"`
	HeloName   string        `yaml:"helo_name"`
	DKIM       DKIMConfig    `yaml:"dkim"`
	TLS        TLSConfig     `yaml:"tls"`
	Timeouts   TimeoutConfig `yaml:"timeouts"`
	Logging    LoggingConfig `yaml:"logging"`
	ArchiveDir string        `yaml:"archive_dir"`
	// MetricsFile receives the Prometheus text exposition after each run.
	MetricsFile string `yaml:"metrics_file"`
}

type DKIMConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Selector       string `yaml:"selector"`
	PrivateKey     string `yaml:"private_key"`
	PrivateKeyPath string `yaml:"private_key_path"`
	// Domain overrides the signing domain, which defaults to the sender's domain.
	Domain string `yaml:"domain"`
}

type TLSConfig struct {
	PreferStartTLS bool   `yaml:"prefer_starttls"`
	ValidatePeer   bool   `yaml:"validate_peer"`
	ClientCert     string `yaml:"client_cert"`
	ClientKey      string `yaml:"client_key"`
}

type TimeoutConfig struct {
	Connect time.Duration `yaml:"connect"`
	Command time.Duration `yaml:"command"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Transcript bool   `yaml:"transcript"`
}

func DefaultConfig() *Config {
	return &Config{
		SMTPPort: 25,
		TLS: TLSConfig{
			ValidatePeer: true,
		},
		Timeouts: TimeoutConfig{
			Connect: 30 * time.Second,
			Command: 5 * time.Minute,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "auto",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// configPath, a .env file in the working directory and MAILDOVE_*
// environment variables, in that order of increasing precedence.
func Load(configPath string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := LoadDotEnv(".env"); err != nil {
		return nil, err
	}
	applyEnv(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return config, nil
}

// LoadDotEnv loads variables from path into the process environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

func applyEnv(c *Config) {
	c.SMTPPort = Int("MAILDOVE_SMTP_PORT", c.SMTPPort)
	c.RelayHost = String("MAILDOVE_RELAY_HOST", c.RelayHost)
	c.HeloName = String("MAILDOVE_HELO_NAME", c.HeloName)

	c.DKIM.Enabled = Bool("MAILDOVE_DKIM_ENABLED", c.DKIM.Enabled)
	c.DKIM.Selector = String("MAILDOVE_DKIM_SELECTOR", c.DKIM.Selector)
	c.DKIM.PrivateKeyPath = String("MAILDOVE_DKIM_PRIVATE_KEY_PATH", c.DKIM.PrivateKeyPath)
	c.DKIM.Domain = String("MAILDOVE_DKIM_DOMAIN", c.DKIM.Domain)
	if v := os.Getenv("MAILDOVE_DKIM_PRIVATE_KEY"); v != "" {
		c.DKIM.PrivateKey = v
	}

	c.TLS.PreferStartTLS = Bool("MAILDOVE_STARTTLS", c.TLS.PreferStartTLS)
	c.TLS.ValidatePeer = Bool("MAILDOVE_TLS_VALIDATE", c.TLS.ValidatePeer)
	c.TLS.ClientCert = String("MAILDOVE_TLS_CERT", c.TLS.ClientCert)
	c.TLS.ClientKey = String("MAILDOVE_TLS_KEY", c.TLS.ClientKey)

	c.Timeouts.Connect = Duration("MAILDOVE_CONNECT_TIMEOUT", c.Timeouts.Connect)
	c.Timeouts.Command = Duration("MAILDOVE_COMMAND_TIMEOUT", c.Timeouts.Command)

	c.Logging.Level = strings.ToLower(String("MAILDOVE_LOG_LEVEL", c.Logging.Level))
	c.Logging.Format = strings.ToLower(String("MAILDOVE_LOG_FORMAT", c.Logging.Format))
	if os.Getenv("MAILDOVE_DEBUG") == "1" {
		c.Logging.Transcript = true
	}

	c.ArchiveDir = String("MAILDOVE_ARCHIVE_DIR", c.ArchiveDir)
	c.MetricsFile = String("MAILDOVE_METRICS_FILE", c.MetricsFile)
}

func validateConfig(config *Config) error {
	if config.SMTPPort <= 0 || config.SMTPPort > 65535 {
		return fmt.Errorf("invalid smtp_port: %d", config.SMTPPort)
	}
	if config.Timeouts.Connect <= 0 {
		return fmt.Errorf("timeouts.connect must be positive: %s", config.Timeouts.Connect)
	}
	if config.Timeouts.Command <= 0 {
		return fmt.Errorf("timeouts.command must be positive: %s", config.Timeouts.Command)
	}
	if config.DKIM.Enabled {
		if config.DKIM.Selector == "" {
			return fmt.Errorf("dkim.selector is required when dkim is enabled")
		}
		if config.DKIM.PrivateKey == "" && config.DKIM.PrivateKeyPath == "" {
			return fmt.Errorf("dkim.private_key or dkim.private_key_path is required when dkim is enabled")
		}
	}
	if (config.TLS.ClientCert == "") != (config.TLS.ClientKey == "") {
		return fmt.Errorf("tls.client_cert and tls.client_key must be set together")
	}

	validLogLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[config.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", config.Logging.Level)
	}
	validLogFormats := map[string]bool{
		"auto": true, "text": true, "json": true,
	}
	if !validLogFormats[config.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", config.Logging.Format)
	}
	return nil
}
