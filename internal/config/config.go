// Package config provides configuration management for webterm.
// It supports loading configuration from environment variables, a config file, and defaults.
package config

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/jumpserver/webterm/internal/logger"
	"github.com/jumpserver/webterm/internal/mockpeer"
	"github.com/jumpserver/webterm/internal/transport"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "WEBTERM"

// Config holds all configuration sections for webterm.
type Config struct {
	Endpoint  transport.EndpointOptions `mapstructure:"endpoint"`
	Transport transport.Config          `mapstructure:"transport"`
	// Headers are sent with every upgrade request, e.g. Cookie or Authorization.
	Headers  map[string]string `mapstructure:"headers"`
	Session  SessionConfig     `mapstructure:"session"`
	Storage  StorageConfig     `mapstructure:"storage"`
	Logging  logger.Config     `mapstructure:"logging"`
	MockPeer mockpeer.Config   `mapstructure:"mockPeer"`
}

// SessionConfig holds session controller settings.
type SessionConfig struct {
	HistorySize     int  `mapstructure:"historySize"`
	MaxSessions     int  `mapstructure:"maxSessions"`
	SendInitialSize bool `mapstructure:"sendInitialSize"`
}

// StorageConfig holds journal and recording locations.
type StorageConfig struct {
	// DBPath is the session journal. Empty disables journaling.
	DBPath string `mapstructure:"dbPath"`
	// RecordDir is where `connect --record` writes casts.
	RecordDir string `mapstructure:"recordDir"`
}

// Header returns the configured headers as an http.Header.
func (c *Config) Header() http.Header {
	h := http.Header{}
	for k, v := range c.Headers {
		h.Set(k, v)
	}
	return h
}

// HomeDir returns the directory holding webterm state.
func HomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".webterm"
	}
	return filepath.Join(home, ".webterm")
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Endpoint defaults
	v.SetDefault("endpoint.path", transport.DefaultPath)
	v.SetDefault("endpoint.port", 0)
	v.SetDefault("endpoint.forwardQuery", false)

	// Transport defaults
	td := transport.DefaultConfig()
	v.SetDefault("transport.connectTimeout", "0s")
	v.SetDefault("transport.handshakeTimeout", td.HandshakeTimeout.String())
	v.SetDefault("transport.writeWait", td.WriteWait.String())
	v.SetDefault("transport.pongWait", td.PongWait.String())
	v.SetDefault("transport.pingPeriod", td.PingPeriod.String())
	v.SetDefault("transport.maxMessageSize", td.MaxMessageSize)
	v.SetDefault("transport.sendBuffer", td.SendBuffer)

	v.SetDefault("headers", map[string]string{})

	// Session defaults
	v.SetDefault("session.historySize", 64*1024)
	v.SetDefault("session.maxSessions", 0)
	v.SetDefault("session.sendInitialSize", true)

	// Storage defaults
	v.SetDefault("storage.dbPath", filepath.Join(HomeDir(), "sessions.db"))
	v.SetDefault("storage.recordDir", filepath.Join(HomeDir(), "recordings"))

	// Logging defaults: stdout belongs to the terminal.
	v.SetDefault("logging.level", "warn")
	v.SetDefault("logging.format", "text")
	v.SetDefault("logging.outputPath", "stderr")

	// Mock peer defaults
	md := mockpeer.DefaultConfig()
	v.SetDefault("mockPeer.listen", md.Listen)
	v.SetDefault("mockPeer.path", md.Path)
	v.SetDefault("mockPeer.prompt", md.Prompt)
	v.SetDefault("mockPeer.banner", md.Banner)
	v.SetDefault("mockPeer.errorTrigger", md.ErrorTrigger)
	v.SetDefault("mockPeer.errorMessage", md.ErrorMessage)
	v.SetDefault("mockPeer.exitCommand", md.ExitCommand)
	v.SetDefault("mockPeer.plainOutput", md.PlainOutput)
	v.SetDefault("mockPeer.writeWait", md.WriteWait.String())
	v.SetDefault("mockPeer.pongWait", md.PongWait.String())
	v.SetDefault("mockPeer.maxMessageSize", md.MaxMessageSize)
}

// Load reads configuration from environment variables, config file, and defaults.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from configPath, which may be a file or a
// directory holding webterm.yaml, falling back to the default locations.
// Environment variables use the prefix WEBTERM_ with dots replaced by
// underscores, e.g. WEBTERM_ENDPOINT_PORT.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not split camelCase keys, so bind the snake_case
	// spellings explicitly.
	_ = v.BindEnv("endpoint.forwardQuery", "WEBTERM_ENDPOINT_FORWARD_QUERY")
	_ = v.BindEnv("transport.connectTimeout", "WEBTERM_TRANSPORT_CONNECT_TIMEOUT")
	_ = v.BindEnv("session.maxSessions", "WEBTERM_SESSION_MAX_SESSIONS")
	_ = v.BindEnv("storage.dbPath", "WEBTERM_STORAGE_DB_PATH", "WEBTERM_DB_PATH")
	_ = v.BindEnv("storage.recordDir", "WEBTERM_STORAGE_RECORD_DIR", "WEBTERM_RECORD_DIR")
	_ = v.BindEnv("logging.outputPath", "WEBTERM_LOGGING_OUTPUT_PATH")

	if info, err := os.Stat(configPath); configPath != "" && err == nil && !info.IsDir() {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("webterm")
		v.SetConfigType("yaml")
		if configPath != "" {
			v.AddConfigPath(configPath)
		}
		v.AddConfigPath(".")
		v.AddConfigPath(HomeDir())
	}

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that configured values are usable.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Endpoint.Port < 0 || cfg.Endpoint.Port > 65535 {
		errs = append(errs, "endpoint.port must be between 0 and 65535")
	}

	t := cfg.Transport
	if t.ConnectTimeout < 0 {
		errs = append(errs, "transport.connectTimeout must not be negative")
	}
	if t.HandshakeTimeout < 0 || t.WriteWait < 0 || t.PongWait < 0 || t.PingPeriod < 0 {
		errs = append(errs, "transport timeouts must not be negative")
	}
	if t.PongWait > 0 && t.PingPeriod >= t.PongWait {
		errs = append(errs, "transport.pingPeriod must be less than transport.pongWait")
	}
	if t.MaxMessageSize < 0 {
		errs = append(errs, "transport.maxMessageSize must not be negative")
	}

	if cfg.Session.HistorySize < 0 {
		errs = append(errs, "session.historySize must not be negative")
	}
	if cfg.Session.MaxSessions < 0 {
		errs = append(errs, "session.maxSessions must not be negative")
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q is not one of debug, info, warn, error", cfg.Logging.Level))
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format %q is not one of json, text", cfg.Logging.Format))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}
