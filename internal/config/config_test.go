package config

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"MAILDOVE_SMTP_PORT", "MAILDOVE_RELAY_HOST", "MAILDOVE_HELO_NAME",
		"MAILDOVE_DKIM_ENABLED", "MAILDOVE_DKIM_SELECTOR", "MAILDOVE_DKIM_PRIVATE_KEY",
		"MAILDOVE_DKIM_PRIVATE_KEY_PATH", "MAILDOVE_DKIM_DOMAIN",
		"MAILDOVE_STARTTLS", "MAILDOVE_TLS_VALIDATE", "MAILDOVE_TLS_CERT", "MAILDOVE_TLS_KEY",
		"MAILDOVE_CONNECT_TIMEOUT", "MAILDOVE_COMMAND_TIMEOUT",
		"MAILDOVE_LOG_LEVEL", "MAILDOVE_LOG_FORMAT", "MAILDOVE_DEBUG", "MAILDOVE_ARCHIVE_DIR",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTPPort != 25 {
		t.Fatalf("expected default port 25, got %d", cfg.SMTPPort)
	}
	if !cfg.TLS.ValidatePeer {
		t.Fatalf("expected peer validation enabled by default")
	}
	if cfg.TLS.PreferStartTLS {
		t.Fatalf("expected STARTTLS disabled by default")
	}
	if cfg.RelayHost != "" {
		t.Fatalf("expected no relay host, got %q", cfg.RelayHost)
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	clearEnv(t)

	dir := t.TempDir()
	path := filepath.Join(dir, "maildove.yaml")
	yamlData := strings.Join([]string{
		"smtp_port: 2525",
		"relay_host: relay.example.com",
		"tls:",
		"  prefer_starttls: true",
		"  validate_peer: false",
		"timeouts:",
		"  connect: 5s",
		"  command: 1m",
		"logging:",
		"  level: debug",
		"  format: text",
	}, "\n")
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("MAILDOVE_SMTP_PORT", "587")
	t.Setenv("MAILDOVE_TLS_VALIDATE", "true")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.SMTPPort != 587 {
		t.Fatalf("expected env override 587, got %d", cfg.SMTPPort)
	}
	if cfg.RelayHost != "relay.example.com" {
		t.Fatalf("expected relay host from file, got %q", cfg.RelayHost)
	}
	if !cfg.TLS.PreferStartTLS || !cfg.TLS.ValidatePeer {
		t.Fatalf("unexpected tls config %+v", cfg.TLS)
	}
	if cfg.Timeouts.Connect != 5*time.Second || cfg.Timeouts.Command != time.Minute {
		t.Fatalf("unexpected timeouts %+v", cfg.Timeouts)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)

	t.Setenv("MAILDOVE_DKIM_ENABLED", "true")
	if _, err := Load(""); err == nil || !strings.Contains(err.Error(), "dkim.selector") {
		t.Fatalf("expected dkim selector error, got %v", err)
	}

	clearEnv(t)
	t.Setenv("MAILDOVE_TLS_CERT", "/tmp/cert.pem")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for cert without key")
	}

	clearEnv(t)
	t.Setenv("MAILDOVE_LOG_LEVEL", "chatty")
	if _, err := Load(""); err == nil {
		t.Fatalf("expected error for invalid log level")
	}
}

func TestLoadDotEnv(t *testing.T) {
	const key = "MAILDOVE_DOTENV_TEST_VALUE"
	t.Cleanup(func() { os.Unsetenv(key) })

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte(key+"=from-dotenv\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv error: %v", err)
	}
	if got := os.Getenv(key); got != "from-dotenv" {
		t.Fatalf("expected value from .env, got %q", got)
	}

	if err := LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Fatalf("expected missing file to be ignored, got %v", err)
	}
}

func TestNewLoggerFormats(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LoggingConfig{Level: "info", Format: "auto"})
	logger.Debug("hidden")
	logger.Info("delivered", "domain", "example.com")
	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("expected debug record to be filtered, got %q", out)
	}
	if !strings.HasPrefix(out, "{") || !strings.Contains(out, `"domain":"example.com"`) {
		t.Fatalf("expected JSON output for non-terminal writer, got %q", out)
	}

	buf.Reset()
	logger = NewLogger(&buf, LoggingConfig{Level: "warn", Format: "text", Transcript: true})
	logger.Debug("RECV", "line", "220 ready")
	if !strings.Contains(buf.String(), "RECV") {
		t.Fatalf("expected transcript to force debug level, got %q", buf.String())
	}
}
