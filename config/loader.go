// Package config provides Viper configuration loading for the authority and
// the CLI.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"

	// EnvPrefix prefixes environment overrides, e.g. IMPERSONATE_LISTEN_ADDR.
	EnvPrefix = "IMPERSONATE"

	// MinSigningKeyLength mirrors the HS256 key size the authority requires.
	MinSigningKeyLength = 32
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// ImpersonationConfig holds the session policy of the authority.
type ImpersonationConfig struct {
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	DefaultDuration time.Duration `mapstructure:"default_duration"`
	RequireReason   bool          `mapstructure:"require_reason"`
	AuditHeartbeats bool          `mapstructure:"audit_heartbeats"`
	SweepInterval   time.Duration `mapstructure:"sweep_interval"`
}

// TokenConfig holds the token signing configuration.
type TokenConfig struct {
	SigningKey string `mapstructure:"signing_key"`
	Issuer     string `mapstructure:"issuer"`
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	WriteAheadLog     bool   `mapstructure:"write_ahead_log"`
	WALAutoCheckPoint int    `mapstructure:"wal_auto_check_point"`
}

// RedisConfig holds Redis configuration for background tasks. An empty
// address disables scheduled expiry tasks.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Concurrency int `mapstructure:"concurrency"`
}

// ClientConfig holds the CLI's view of the authority.
type ClientConfig struct {
	AuthorityURL    string        `mapstructure:"authority_url"`
	Token           string        `mapstructure:"token"`
	Timeout         time.Duration `mapstructure:"timeout"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	CredentialsPath string        `mapstructure:"credentials_path"`
}

// CORSConfig holds the allowed origins of the HTTP API.
type CORSConfig struct {
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Config is the complete configuration.
type Config struct {
	ListenAddr   string `mapstructure:"listen_addr"`
	AdvertiseURL string `mapstructure:"advertise_url"`

	Impersonation ImpersonationConfig `mapstructure:"impersonation"`
	Tokens        TokenConfig         `mapstructure:"tokens"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	Client        ClientConfig        `mapstructure:"client"`
	CORS          CORSConfig          `mapstructure:"cors"`
	Logging       LogConfig           `mapstructure:"logging"`
}

// LoaderConfig holds configuration for the config loader.
type LoaderConfig struct {
	// EnvPrefix is the prefix for environment variables.
	EnvPrefix string

	// ConfigPaths is a list of directories to search for config files.
	ConfigPaths []string

	// ConfigName is the name of the config file (without extension).
	ConfigName string

	// Defaults is a map of default values.
	Defaults map[string]interface{}
}

// DefaultLoaderConfig returns default loader configuration.
func DefaultLoaderConfig(envPrefix string) *LoaderConfig {
	name := strings.ToLower(envPrefix)
	return &LoaderConfig{
		EnvPrefix:  envPrefix,
		ConfigName: "config",
		ConfigPaths: []string{
			fmt.Sprintf("/etc/%s/", name),
			fmt.Sprintf("$HOME/.%s", name),
			".",
		},
		Defaults: map[string]interface{}{
			"listen_addr":                    ":8080",
			"advertise_url":                  "",
			"impersonation.max_duration":     120 * time.Minute,
			"impersonation.default_duration": 120 * time.Minute,
			"impersonation.require_reason":   false,
			"impersonation.audit_heartbeats": false,
			"impersonation.sweep_interval":   30 * time.Second,
			"tokens.signing_key":             "",
			"tokens.issuer":                  name,
			"database.path":                  fmt.Sprintf("/var/lib/%s/db.sqlite", name),
			"database.write_ahead_log":       true,
			"database.wal_auto_check_point":  1000,
			"redis.addr":                     "",
			"redis.password":                 "",
			"redis.db":                       0,
			"worker.concurrency":             10,
			"client.authority_url":           "http://localhost:8080",
			"client.token":                   "",
			"client.timeout":                 10 * time.Second,
			"client.poll_interval":           time.Minute,
			"client.credentials_path":        defaultCredentialsPath(name),
			"cors.allowed_origins":           []string{"*"},
			"logging.level":                  "info",
			"logging.format":                 TextLogFormat,
			"logging.with_caller":            false,
		},
	}
}

func defaultCredentialsPath(name string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join("."+name, "credentials.json")
	}
	return filepath.Join(home, "."+name, "credentials.json")
}

// Load reads configuration from file and environment variables.
// If configPath is empty, it searches in default paths.
// If isFile is true, configPath is treated as a direct file path.
// A missing config file is not an error when searching default paths.
func Load(configPath string, isFile bool, cfg *LoaderConfig) error {
	if cfg == nil {
		cfg = DefaultLoaderConfig(EnvPrefix)
	}

	log.Debug().Msg("Loading configuration")

	if isFile {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(cfg.ConfigName)
		if configPath == "" {
			for _, path := range cfg.ConfigPaths {
				viper.AddConfigPath(path)
			}
		} else {
			viper.AddConfigPath(configPath)
		}
	}

	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	for key, value := range cfg.Defaults {
		viper.SetDefault(key, value)
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok && !isFile {
			log.Debug().Msg("No config file found, using defaults and environment")
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat, "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// GetConfig returns the configuration from Viper. Call it after Load.
func GetConfig() *Config {
	return &Config{
		ListenAddr:   viper.GetString("listen_addr"),
		AdvertiseURL: viper.GetString("advertise_url"),
		Impersonation: ImpersonationConfig{
			MaxDuration:     viper.GetDuration("impersonation.max_duration"),
			DefaultDuration: viper.GetDuration("impersonation.default_duration"),
			RequireReason:   viper.GetBool("impersonation.require_reason"),
			AuditHeartbeats: viper.GetBool("impersonation.audit_heartbeats"),
			SweepInterval:   viper.GetDuration("impersonation.sweep_interval"),
		},
		Tokens: TokenConfig{
			SigningKey: viper.GetString("tokens.signing_key"),
			Issuer:     viper.GetString("tokens.issuer"),
		},
		Database: DatabaseConfig{
			Path:              viper.GetString("database.path"),
			WriteAheadLog:     viper.GetBool("database.write_ahead_log"),
			WALAutoCheckPoint: viper.GetInt("database.wal_auto_check_point"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		Client: ClientConfig{
			AuthorityURL:    viper.GetString("client.authority_url"),
			Token:           viper.GetString("client.token"),
			Timeout:         viper.GetDuration("client.timeout"),
			PollInterval:    viper.GetDuration("client.poll_interval"),
			CredentialsPath: viper.GetString("client.credentials_path"),
		},
		CORS: CORSConfig{
			AllowedOrigins: viper.GetStringSlice("cors.allowed_origins"),
		},
		Logging: GetLogConfig(),
	}
}

// ValidateRequired checks that required configuration fields are set.
func ValidateRequired(fields map[string]string) error {
	var missing []string
	for field, description := range fields {
		if viper.GetString(field) == "" {
			missing = append(missing, fmt.Sprintf("%s (%s)", field, description))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}
	return nil
}

// ValidateSigningKey validates that the token signing key is long enough.
func ValidateSigningKey() error {
	key := viper.GetString("tokens.signing_key")
	if len(key) < MinSigningKeyLength {
		return fmt.Errorf("tokens.signing_key must be at least %d bytes, got %d", MinSigningKeyLength, len(key))
	}
	return nil
}

// ValidateDurations checks the session policy durations.
func ValidateDurations() error {
	maxDuration := viper.GetDuration("impersonation.max_duration")
	if maxDuration <= 0 {
		return fmt.Errorf("impersonation.max_duration must be positive, got %s", maxDuration)
	}
	if d := viper.GetDuration("impersonation.default_duration"); d <= 0 || d > maxDuration {
		return fmt.Errorf("impersonation.default_duration must be in (0, %s], got %s", maxDuration, d)
	}
	return nil
}
