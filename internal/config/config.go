// Package config loads the daemon configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fentz26/foreman/internal/bridge"
	"github.com/fentz26/foreman/internal/executor"
	"github.com/fentz26/foreman/internal/health"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/recovery"
)

// Duration is a time.Duration written as a Go duration string ("90s", "10m").
type Duration time.Duration

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML writes the duration as a string.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the complete daemon configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Logging  LoggingConfig  `yaml:"logging"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Health   HealthConfig   `yaml:"health"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Executor ExecutorConfig `yaml:"executor"`
	Notify   NotifyConfig   `yaml:"notify"`
}

// ServerConfig holds the HTTP listen address.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DatabaseConfig holds the SQLite path.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig selects the slog level and handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// BridgeConfig holds assignment timeouts.
type BridgeConfig struct {
	StuckTimeout Duration `yaml:"stuck_timeout"`
	StartTimeout Duration `yaml:"start_timeout"`
	PollTimeout  Duration `yaml:"poll_timeout"`
}

// HealthConfig holds watchdog timings.
type HealthConfig struct {
	Interval         Duration `yaml:"interval"`
	FreshnessWindow  Duration `yaml:"freshness_window"`
	HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
}

// RecoveryConfig bounds automatic recovery.
type RecoveryConfig struct {
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	MaxAttemptsPerEpisode  int      `yaml:"max_attempts_per_episode"`
	Cooldown               Duration `yaml:"cooldown"`
}

// ExecutorConfig configures the local worker process launcher. An empty
// command means the first detected agent CLI is used.
type ExecutorConfig struct {
	Command         string   `yaml:"command"`
	Args            []string `yaml:"args"`
	WorkDir         string   `yaml:"work_dir"`
	AllowedCommands []string `yaml:"allowed_commands"`
	OutputLimit     int      `yaml:"output_limit"`
}

// NotifyConfig configures outbound chat notifications.
type NotifyConfig struct {
	Matrix MatrixConfig `yaml:"matrix"`
}

// MatrixConfig holds Matrix credentials.
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	RoomID      string `yaml:"room_id"`
}

// Dir returns ~/.foreman, or .foreman when the home directory is unknown.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".foreman"
	}
	return filepath.Join(home, ".foreman")
}

// DefaultPath returns ~/.foreman/foreman.yaml.
func DefaultPath() string {
	return filepath.Join(Dir(), "foreman.yaml")
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Listen: "127.0.0.1:7466"},
		Database: DatabaseConfig{Path: filepath.Join(Dir(), "foreman.db")},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
		Bridge: BridgeConfig{
			StuckTimeout: Duration(10 * time.Minute),
			StartTimeout: Duration(30 * time.Second),
			PollTimeout:  Duration(10 * time.Second),
		},
		Health: HealthConfig{
			Interval:         Duration(30 * time.Second),
			FreshnessWindow:  Duration(2 * time.Minute),
			HeartbeatTimeout: Duration(3 * time.Minute),
		},
		Recovery: RecoveryConfig{
			MaxConsecutiveFailures: 3,
			MaxAttemptsPerEpisode:  5,
			Cooldown:               Duration(time.Minute),
		},
		Executor: ExecutorConfig{OutputLimit: 64 * 1024},
	}
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envPattern.FindStringSubmatch(match)[1])
	})
}

// Load reads the configuration at path over the defaults. A missing file
// yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	cfg.Database.Path = expandHome(cfg.Database.Path)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg to path, creating parent directories.
func Save(path string, cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config dir: %w", err)
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// Validate returns the first invalid field.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch strings.ToLower(c.Logging.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level %q, must be: debug, info, warn, or error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid logging.format %q, must be: text or json", c.Logging.Format)
	}

	durations := []struct {
		name string
		d    Duration
	}{
		{"bridge.stuck_timeout", c.Bridge.StuckTimeout},
		{"bridge.start_timeout", c.Bridge.StartTimeout},
		{"bridge.poll_timeout", c.Bridge.PollTimeout},
		{"health.interval", c.Health.Interval},
		{"health.freshness_window", c.Health.FreshnessWindow},
		{"health.heartbeat_timeout", c.Health.HeartbeatTimeout},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Health.FreshnessWindow >= c.Bridge.StuckTimeout {
		return fmt.Errorf("health.freshness_window must be shorter than bridge.stuck_timeout")
	}
	if c.Recovery.MaxConsecutiveFailures < 1 {
		return fmt.Errorf("recovery.max_consecutive_failures must be at least 1")
	}
	if c.Recovery.MaxAttemptsPerEpisode < 1 {
		return fmt.Errorf("recovery.max_attempts_per_episode must be at least 1")
	}
	if c.Recovery.Cooldown < 0 {
		return fmt.Errorf("recovery.cooldown must not be negative")
	}

	m := c.Notify.Matrix
	if m.Enabled && (m.Homeserver == "" || m.UserID == "" || m.AccessToken == "" || m.RoomID == "") {
		return fmt.Errorf("notify.matrix requires homeserver, user_id, access_token and room_id when enabled")
	}
	return nil
}

// BridgeConfig converts to the bridge package config.
func (c *Config) BridgeConfig() bridge.Config {
	return bridge.Config{
		StuckTimeout: c.Bridge.StuckTimeout.Std(),
		StartTimeout: c.Bridge.StartTimeout.Std(),
		PollTimeout:  c.Bridge.PollTimeout.Std(),
	}
}

// HealthConfig converts to the health package config.
func (c *Config) HealthConfig() health.Config {
	return health.Config{
		Interval:         c.Health.Interval.Std(),
		FreshnessWindow:  c.Health.FreshnessWindow.Std(),
		HeartbeatTimeout: c.Health.HeartbeatTimeout.Std(),
		PollTimeout:      c.Bridge.PollTimeout.Std(),
	}
}

// RecoveryConfig converts to the recovery package config.
func (c *Config) RecoveryConfig() recovery.Config {
	return recovery.Config{
		MaxConsecutiveFailures: c.Recovery.MaxConsecutiveFailures,
		MaxAttemptsPerEpisode:  c.Recovery.MaxAttemptsPerEpisode,
		Cooldown:               c.Recovery.Cooldown.Std(),
	}
}

// LocalConfig converts to the local executor config.
func (c *Config) LocalConfig(apiURL string) executor.LocalConfig {
	return executor.LocalConfig{
		Command:         c.Executor.Command,
		Args:            c.Executor.Args,
		WorkDir:         c.Executor.WorkDir,
		AllowedCommands: c.Executor.AllowedCommands,
		OutputLimit:     c.Executor.OutputLimit,
		APIURL:          apiURL,
	}
}

// MatrixConfig converts to the Matrix notifier config.
func (c *Config) MatrixConfig() notify.MatrixConfig {
	m := c.Notify.Matrix
	return notify.MatrixConfig{
		Homeserver:  m.Homeserver,
		UserID:      m.UserID,
		AccessToken: m.AccessToken,
		RoomID:      m.RoomID,
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
