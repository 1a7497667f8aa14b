package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
)

func loadFile(t *testing.T, contents string) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := Load(path, true, DefaultLoaderConfig(EnvPrefix)); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return GetConfig()
}

func TestDefaults(t *testing.T) {
	cfg := loadFile(t, "")

	if cfg.ListenAddr != ":8080" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Impersonation.MaxDuration != 120*time.Minute || cfg.Impersonation.DefaultDuration != 120*time.Minute {
		t.Errorf("durations = %s/%s, want 120m", cfg.Impersonation.MaxDuration, cfg.Impersonation.DefaultDuration)
	}
	if cfg.Impersonation.SweepInterval != 30*time.Second {
		t.Errorf("sweep_interval = %s", cfg.Impersonation.SweepInterval)
	}
	if cfg.Tokens.Issuer != "impersonate" {
		t.Errorf("issuer = %q", cfg.Tokens.Issuer)
	}
	if cfg.Client.PollInterval != time.Minute || cfg.Client.Timeout != 10*time.Second {
		t.Errorf("client = %+v", cfg.Client)
	}
	if !cfg.Database.WriteAheadLog || cfg.Database.WALAutoCheckPoint != 1000 {
		t.Errorf("database = %+v", cfg.Database)
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "*" {
		t.Errorf("cors = %v", cfg.CORS.AllowedOrigins)
	}
	if cfg.Logging.Format != TextLogFormat || cfg.Logging.Level != zerolog.InfoLevel {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if cfg.Redis.Addr != "" {
		t.Errorf("redis.addr = %q, want disabled by default", cfg.Redis.Addr)
	}
}

func TestFileAndEnvironmentOverrides(t *testing.T) {
	t.Setenv("IMPERSONATE_TOKENS_SIGNING_KEY", "0123456789abcdef0123456789abcdef")
	cfg := loadFile(t, `
listen_addr: ":9090"
impersonation:
  max_duration: 1h
  default_duration: 30m
  require_reason: true
logging:
  level: debug
  format: json
`)

	if cfg.ListenAddr != ":9090" {
		t.Errorf("listen_addr = %q", cfg.ListenAddr)
	}
	if cfg.Impersonation.MaxDuration != time.Hour || cfg.Impersonation.DefaultDuration != 30*time.Minute {
		t.Errorf("impersonation = %+v", cfg.Impersonation)
	}
	if !cfg.Impersonation.RequireReason {
		t.Error("require_reason not loaded")
	}
	if cfg.Tokens.SigningKey != "0123456789abcdef0123456789abcdef" {
		t.Errorf("signing key from env not applied: %q", cfg.Tokens.SigningKey)
	}
	if cfg.Logging.Format != JSONLogFormat || cfg.Logging.Level != zerolog.DebugLevel {
		t.Errorf("logging = %+v", cfg.Logging)
	}
	if err := ValidateSigningKey(); err != nil {
		t.Errorf("ValidateSigningKey: %v", err)
	}
	if err := ValidateDurations(); err != nil {
		t.Errorf("ValidateDurations: %v", err)
	}
}

func TestValidation(t *testing.T) {
	loadFile(t, `
tokens:
  signing_key: short
impersonation:
  max_duration: 1h
  default_duration: 2h
logging:
  format: xml
`)

	if err := ValidateSigningKey(); err == nil {
		t.Error("short signing key accepted")
	}
	if err := ValidateDurations(); err == nil {
		t.Error("default above max accepted")
	}
	if err := ValidateRequired(map[string]string{"advertise_url": "public URL"}); err == nil {
		t.Error("missing advertise_url accepted")
	}
	if got := GetLogConfig().Format; got != TextLogFormat {
		t.Errorf("invalid format fell back to %q, want text", got)
	}
}

func TestLoadWithoutConfigFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	if err := Load(t.TempDir(), false, DefaultLoaderConfig(EnvPrefix)); err != nil {
		t.Fatalf("Load without file: %v", err)
	}
	if got := GetConfig().ListenAddr; got != ":8080" {
		t.Errorf("listen_addr = %q", got)
	}
}
