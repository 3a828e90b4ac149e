package config

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for feedchat.
type Config struct {
	General   GeneralConfig   `json:"general" yaml:"general"`
	Identity  IdentityConfig  `json:"identity" yaml:"identity"`
	Relay     RelayConfig     `json:"relay" yaml:"relay"`
	Reconnect ReconnectConfig `json:"reconnect" yaml:"reconnect"`
	Journal   JournalConfig   `json:"journal" yaml:"journal"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics"`
	Server    ServerConfig    `json:"server" yaml:"server"`
}

type GeneralConfig struct {
	LogLevel string `json:"logLevel" yaml:"logLevel"`
	LogFile  string `json:"logFile,omitempty" yaml:"logFile,omitempty"` // optional log file path
}

// IdentityConfig is the already-authenticated local user.
type IdentityConfig struct {
	SelfID      string `json:"selfId" yaml:"selfId"`
	DisplayName string `json:"displayName" yaml:"displayName"`
	AvatarURL   string `json:"avatarUrl,omitempty" yaml:"avatarUrl,omitempty"`
	Token       string `json:"token,omitempty" yaml:"token,omitempty"` // bearer token sent on dial
}

// RelayConfig points the client at the message relay.
type RelayConfig struct {
	URL                     string `json:"url" yaml:"url"` // ws:// or wss:// base
	HandshakeTimeoutSeconds int    `json:"handshakeTimeoutSeconds" yaml:"handshakeTimeoutSeconds"`
	PingIntervalSeconds     int    `json:"pingIntervalSeconds" yaml:"pingIntervalSeconds"`
	ReadLimitBytes          int64  `json:"readLimitBytes" yaml:"readLimitBytes"`
}

type ReconnectConfig struct {
	BaseDelayMs int `json:"baseDelayMs" yaml:"baseDelayMs"`
	MaxDelayMs  int `json:"maxDelayMs" yaml:"maxDelayMs"`
	MaxAttempts int `json:"maxAttempts" yaml:"maxAttempts"`
}

// JournalConfig configures the SQLite delivery journal.
type JournalConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	DBPath  string `json:"dbPath" yaml:"dbPath"`
}

// MetricsConfig configures the Prometheus endpoint of the client.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr" yaml:"addr"`
}

// ServerConfig configures the development relay.
type ServerConfig struct {
	Host               string  `json:"host" yaml:"host"`
	Port               int     `json:"port" yaml:"port"`
	RateLimitPerSecond float64 `json:"rateLimitPerSecond" yaml:"rateLimitPerSecond"` // 0 = unlimited
	RateBurst          int     `json:"rateBurst" yaml:"rateBurst"`
}

func (r ReconnectConfig) BaseDelay() time.Duration {
	return time.Duration(r.BaseDelayMs) * time.Millisecond
}

func (r ReconnectConfig) MaxDelay() time.Duration {
	return time.Duration(r.MaxDelayMs) * time.Millisecond
}

func (r RelayConfig) HandshakeTimeout() time.Duration {
	return time.Duration(r.HandshakeTimeoutSeconds) * time.Second
}

func (r RelayConfig) PingInterval() time.Duration {
	return time.Duration(r.PingIntervalSeconds) * time.Second
}

// Addr returns host:port of the development relay.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DefaultConfigDir returns the default config directory (~/.feedchat).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".feedchat"
	}
	return filepath.Join(home, ".feedchat")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.json")
}

// Load reads a JSON or YAML config file. A .env file next to it is loaded
// first so ${VAR} references can point at it; variables already set in the
// environment win.
func Load(path string) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}

	envFile := filepath.Join(filepath.Dir(path), ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("cannot load %s: %w", envFile, err)
		}
	}

	// Substitute environment variables: ${VAR} and ${VAR:-default}
	data = []byte(ExpandEnvVars(string(data)))

	cfg := Defaults()
	if isYAML(path) {
		err = yaml.Unmarshal(data, cfg)
	} else {
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}

	cfg.Journal.DBPath = ExpandPath(cfg.Journal.DBPath)
	cfg.General.LogFile = ExpandPath(cfg.General.LogFile)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// Supports default values: ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultVal := ""
		hasDefault := len(groups) >= 3 && groups[2] != ""
		if hasDefault {
			defaultVal = groups[2]
		}

		val, exists := os.LookupEnv(varName)
		if !exists || val == "" {
			if hasDefault {
				return defaultVal
			}
			return match // Keep original if no env var and no default
		}
		return val
	})
}

// Save writes cfg as YAML or JSON depending on the file extension.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	var data []byte
	var err error
	if isYAML(path) {
		data, err = yaml.Marshal(cfg)
	} else {
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	switch cfg.General.LogLevel {
	case "debug", "info", "warn", "error":
		// valid
	default:
		errs = append(errs, "general.logLevel must be one of: debug, info, warn, error")
	}

	if strings.TrimSpace(cfg.Identity.SelfID) == "" {
		errs = append(errs, "identity.selfId is required")
	}

	if cfg.Relay.URL == "" {
		errs = append(errs, "relay.url is required")
	} else if u, err := url.Parse(cfg.Relay.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		errs = append(errs, "relay.url must be a ws:// or wss:// URL")
	}
	if cfg.Relay.HandshakeTimeoutSeconds < 1 {
		errs = append(errs, "relay.handshakeTimeoutSeconds must be >= 1")
	}
	if cfg.Relay.PingIntervalSeconds < 1 {
		errs = append(errs, "relay.pingIntervalSeconds must be >= 1")
	}
	if cfg.Relay.ReadLimitBytes < 1024 {
		errs = append(errs, "relay.readLimitBytes must be >= 1024")
	}

	if cfg.Reconnect.BaseDelayMs < 1 {
		errs = append(errs, "reconnect.baseDelayMs must be >= 1")
	}
	if cfg.Reconnect.MaxDelayMs < cfg.Reconnect.BaseDelayMs {
		errs = append(errs, "reconnect.maxDelayMs must be >= reconnect.baseDelayMs")
	}
	if cfg.Reconnect.MaxAttempts < 1 || cfg.Reconnect.MaxAttempts > 1000 {
		errs = append(errs, "reconnect.maxAttempts must be between 1 and 1000")
	}

	if cfg.Journal.Enabled && cfg.Journal.DBPath == "" {
		errs = append(errs, "journal.dbPath is required when the journal is enabled")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		errs = append(errs, "metrics.addr is required when metrics are enabled")
	}

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.RateLimitPerSecond < 0 {
		errs = append(errs, "server.rateLimitPerSecond must be >= 0")
	}
	if cfg.Server.RateLimitPerSecond > 0 && cfg.Server.RateBurst < 1 {
		errs = append(errs, "server.rateBurst must be >= 1 when a rate limit is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ExpandPath resolves ~/ to the user's home directory.
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}

func isYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
