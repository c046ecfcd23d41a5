package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the gateway.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Upload   UploadConfig   `yaml:"upload"`
	WhatsApp WhatsAppConfig `yaml:"whatsapp"`
	Limits   LimitsConfig   `yaml:"limits"`
	History  HistoryConfig  `yaml:"history"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

type ServerConfig struct {
	Host                   string `yaml:"host" env:"WAGATE_HOST"`
	Port                   int    `yaml:"port" env:"PORT"`
	SendTimeoutSeconds     int    `yaml:"sendTimeoutSeconds"`     // per MessagingClient call
	ShutdownTimeoutSeconds int    `yaml:"shutdownTimeoutSeconds"` // drain + session teardown budget
}

type UploadConfig struct {
	Dir               string `yaml:"dir" env:"WAGATE_UPLOAD_DIR"`
	MaxFileBytes      int64  `yaml:"maxFileBytes"`
	MaxFiles          int    `yaml:"maxFiles"`
	FieldName         string `yaml:"fieldName"`
	SweepAfterMinutes int    `yaml:"sweepAfterMinutes"` // leftovers older than this are removed at boot
}

type WhatsAppConfig struct {
	SessionDir          string            `yaml:"sessionDir" env:"WAGATE_SESSION_DIR"`
	Headless            bool              `yaml:"headless" env:"WAGATE_HEADLESS"`
	NoSandbox           bool              `yaml:"noSandbox"`
	ChromePath          string            `yaml:"chromePath,omitempty" env:"WAGATE_CHROME_PATH"`
	QRImagePath         string            `yaml:"qrImagePath"`
	PollIntervalSeconds int               `yaml:"pollIntervalSeconds"`
	Selectors           map[string]string `yaml:"selectors,omitempty"`
}

type LimitsConfig struct {
	SendsPerMinute int `yaml:"sendsPerMinute" env:"WAGATE_SENDS_PER_MINUTE"` // 0 = unlimited
	Burst          int `yaml:"burst"`
}

type HistoryConfig struct {
	Enabled       bool   `yaml:"enabled"`
	DBPath        string `yaml:"dbPath" env:"WAGATE_HISTORY_DB"`
	RetentionDays int    `yaml:"retentionDays"` // 0 = keep forever
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"WAGATE_LOG_LEVEL"`
}

// DefaultConfigDir returns the default config directory (~/.wagate).
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".wagate"
	}
	return filepath.Join(home, ".wagate")
}

func DefaultConfigPath() string {
	return filepath.Join(DefaultConfigDir(), "config.yaml")
}

// Load reads the YAML config at path, expands ${VAR} references, applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg, err := readFile(path, true)
	if err != nil {
		return nil, err
	}
	if err := finalize(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads the YAML config at path over Defaults as written: ${VAR}
// references, environment overrides and ~ paths are left alone. Use it when
// the result is saved back.
func LoadFile(path string) (*Config, error) {
	return readFile(path, false)
}

func readFile(path string, expandEnv bool) (*Config, error) {
	path = ExpandPath(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", path, err)
	}
	if expandEnv {
		data = []byte(ExpandEnvVars(string(data)))
	}

	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("cannot parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefaults behaves like Load but falls back to Defaults (plus environment
// overrides) when the file does not exist.
func LoadOrDefaults(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, true, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, false, err
	}

	cfg = Defaults()
	if err := finalize(cfg); err != nil {
		return nil, false, err
	}
	return cfg, false, nil
}

func finalize(cfg *Config) error {
	if err := ApplyEnv(cfg); err != nil {
		return err
	}

	cfg.Upload.Dir = ExpandPath(cfg.Upload.Dir)
	cfg.WhatsApp.SessionDir = ExpandPath(cfg.WhatsApp.SessionDir)
	cfg.WhatsApp.QRImagePath = ExpandPath(cfg.WhatsApp.QRImagePath)
	cfg.History.DBPath = ExpandPath(cfg.History.DBPath)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("config validation: %w", err)
	}
	return nil
}

// ApplyEnv overrides config fields from their env-tagged environment variables.
// Unset variables leave the current value untouched.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("environment overrides: %w", err)
	}
	return nil
}

// envVarPattern matches ${VAR} and ${VAR:-default} patterns in config strings.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-(.*?))?\}`)

// ExpandEnvVars replaces ${VAR} with the environment variable value.
// ${VAR:-default} uses "default" when VAR is unset or empty.
func ExpandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		name := groups[1]
		hasDefault := len(groups) >= 3 && groups[2] != ""

		val, ok := os.LookupEnv(name)
		if !ok || val == "" {
			if hasDefault {
				return groups[2]
			}
			return match
		}
		return val
	})
}

func Save(path string, cfg *Config) error {
	path = ExpandPath(path)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("cannot marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0o644)
}

var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "error": true}

// reservedPaths are served by the gateway itself and cannot host metrics.
// "/" is the not-found fallback; mounting metrics there would answer every
// unknown GET with a scrape.
var reservedPaths = []string{"/", "/send", "/send-images", "/health", "/deliveries"}

// Validate checks that the config has valid values.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	if cfg.Server.SendTimeoutSeconds < 1 {
		errs = append(errs, "server.sendTimeoutSeconds must be >= 1")
	}
	if cfg.Server.ShutdownTimeoutSeconds < 1 {
		errs = append(errs, "server.shutdownTimeoutSeconds must be >= 1")
	}

	if cfg.Upload.Dir == "" {
		errs = append(errs, "upload.dir is required")
	}
	if cfg.Upload.MaxFileBytes < 1 {
		errs = append(errs, "upload.maxFileBytes must be >= 1")
	}
	if cfg.Upload.MaxFiles < 1 || cfg.Upload.MaxFiles > 100 {
		errs = append(errs, "upload.maxFiles must be between 1 and 100")
	}
	if strings.TrimSpace(cfg.Upload.FieldName) == "" {
		errs = append(errs, "upload.fieldName is required")
	}
	if cfg.Upload.SweepAfterMinutes < 0 {
		errs = append(errs, "upload.sweepAfterMinutes must be >= 0")
	}

	if cfg.WhatsApp.SessionDir == "" {
		errs = append(errs, "whatsapp.sessionDir is required")
	}
	if cfg.WhatsApp.PollIntervalSeconds < 1 {
		errs = append(errs, "whatsapp.pollIntervalSeconds must be >= 1")
	}

	if cfg.Limits.SendsPerMinute < 0 {
		errs = append(errs, "limits.sendsPerMinute must be >= 0")
	}
	if cfg.Limits.SendsPerMinute > 0 && cfg.Limits.Burst < 1 {
		errs = append(errs, "limits.burst must be >= 1 when sendsPerMinute is set")
	}

	if cfg.History.Enabled && cfg.History.DBPath == "" {
		errs = append(errs, "history.dbPath is required when history is enabled")
	}
	if cfg.History.RetentionDays < 0 {
		errs = append(errs, "history.retentionDays must be >= 0")
	}

	if cfg.Metrics.Enabled {
		if !strings.HasPrefix(cfg.Metrics.Path, "/") {
			errs = append(errs, "metrics.path must start with /")
		}
		for _, p := range reservedPaths {
			if cfg.Metrics.Path == p {
				errs = append(errs, fmt.Sprintf("metrics.path conflicts with gateway route %s", p))
			}
		}
	}

	if !validLogLevels[strings.ToLower(cfg.Log.Level)] {
		errs = append(errs, "log.level must be one of: debug, info, warn, error")
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
