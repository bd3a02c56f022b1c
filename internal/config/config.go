// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// MaxWindowsLimit is the hard ceiling on open windows.
const MaxWindowsLimit = 3

// Interface defines the contract for accessing application configuration.
// This allows for dependency injection and mocking in tests.
type Interface interface {
	Logger() LoggerConfig
	Engine() EngineConfig
	Windows() WindowsConfig
	Privacy() PrivacyConfig
	Extensions() ExtensionsConfig
	Telemetry() TelemetryConfig
	Fetch() FetchConfig

	// Engine Setters
	SetEngineBackend(string)
	SetEngineHeadless(bool)

	// Window Setters
	SetMaxWindows(int)

	// Privacy Setters
	SetDefaultPrivate(bool)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	EngineCfg     EngineConfig     `mapstructure:"engine" yaml:"engine"`
	WindowsCfg    WindowsConfig    `mapstructure:"windows" yaml:"windows"`
	PrivacyCfg    PrivacyConfig    `mapstructure:"privacy" yaml:"privacy"`
	ExtensionsCfg ExtensionsConfig `mapstructure:"extensions" yaml:"extensions"`
	TelemetryCfg  TelemetryConfig  `mapstructure:"telemetry" yaml:"telemetry"`
	FetchCfg      FetchConfig      `mapstructure:"fetch" yaml:"fetch"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Engine() EngineConfig         { return c.EngineCfg }
func (c *Config) Windows() WindowsConfig       { return c.WindowsCfg }
func (c *Config) Privacy() PrivacyConfig       { return c.PrivacyCfg }
func (c *Config) Extensions() ExtensionsConfig { return c.ExtensionsCfg }
func (c *Config) Telemetry() TelemetryConfig   { return c.TelemetryCfg }
func (c *Config) Fetch() FetchConfig           { return c.FetchCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetEngineBackend(b string) { c.EngineCfg.Backend = b }
func (c *Config) SetEngineHeadless(h bool)  { c.EngineCfg.Headless = h }
func (c *Config) SetMaxWindows(n int)       { c.WindowsCfg.MaxWindows = n }
func (c *Config) SetDefaultPrivate(p bool)  { c.PrivacyCfg.DefaultPrivate = p }

type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// EngineConfig selects and tunes the rendering backend. It is read once;
// the backend cannot change while the shell runs.
type EngineConfig struct {
	Backend    string        `mapstructure:"backend" yaml:"backend"`
	Headless   bool          `mapstructure:"headless" yaml:"headless"`
	BinaryPath string        `mapstructure:"binary_path" yaml:"binary_path"`
	Args       []string      `mapstructure:"args" yaml:"args"`
	OpTimeout  time.Duration `mapstructure:"op_timeout" yaml:"op_timeout"`
}

type WindowsConfig struct {
	MaxWindows    int    `mapstructure:"max_windows" yaml:"max_windows"`
	HomeURI       string `mapstructure:"home_uri" yaml:"home_uri"`
	DefaultWidth  int    `mapstructure:"default_width" yaml:"default_width"`
	DefaultHeight int    `mapstructure:"default_height" yaml:"default_height"`
}

type PrivacyConfig struct {
	DefaultPrivate bool `mapstructure:"default_private" yaml:"default_private"`
}

// BuiltinExtension is installed at startup and cannot be uninstalled.
type BuiltinExtension struct {
	ID  string `mapstructure:"id" yaml:"id"`
	URL string `mapstructure:"url" yaml:"url"`
}

type ExtensionsConfig struct {
	Builtins     []BuiltinExtension `mapstructure:"builtins" yaml:"builtins"`
	TabOpenRate  float64            `mapstructure:"tab_open_rate" yaml:"tab_open_rate"`
	TabOpenBurst int                `mapstructure:"tab_open_burst" yaml:"tab_open_burst"`
}

type TelemetryConfig struct {
	Enabled       bool          `mapstructure:"enabled" yaml:"enabled"`
	BufferSize    int           `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize     int           `mapstructure:"batch_size" yaml:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval" yaml:"flush_interval"`
	DatabaseURL   string        `mapstructure:"database_url" yaml:"database_url"`
	MetricsAddr   string        `mapstructure:"metrics_addr" yaml:"metrics_addr"`
}

type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout" yaml:"timeout"`
	RetryMax     int           `mapstructure:"retry_max" yaml:"retry_max"`
	RetryWaitMin time.Duration `mapstructure:"retry_wait_min" yaml:"retry_wait_min"`
	RetryWaitMax time.Duration `mapstructure:"retry_wait_max" yaml:"retry_wait_max"`
	UserAgent    string        `mapstructure:"user_agent" yaml:"user_agent"`
}

func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	cfg, err := NewConfigFromViper(v)
	if err != nil {
		panic(fmt.Sprintf("default configuration is invalid: %v", err))
	}
	return cfg
}

// SetDefaults registers every default value on v.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.service_name", "browsershell")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 10)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 7)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.dpanic", "magenta")
	v.SetDefault("logger.colors.panic", "magenta")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Engine --
	v.SetDefault("engine.backend", "gecko")
	v.SetDefault("engine.headless", true)
	v.SetDefault("engine.binary_path", "")
	v.SetDefault("engine.args", []string{})
	v.SetDefault("engine.op_timeout", "30s")

	// -- Windows --
	v.SetDefault("windows.max_windows", MaxWindowsLimit)
	v.SetDefault("windows.home_uri", "about:blank")
	v.SetDefault("windows.default_width", 1280)
	v.SetDefault("windows.default_height", 800)

	// -- Privacy --
	v.SetDefault("privacy.default_private", false)

	// -- Extensions --
	v.SetDefault("extensions.tab_open_rate", 2.0)
	v.SetDefault("extensions.tab_open_burst", 5)

	// -- Telemetry --
	v.SetDefault("telemetry.enabled", true)
	v.SetDefault("telemetry.buffer_size", 256)
	v.SetDefault("telemetry.batch_size", 50)
	v.SetDefault("telemetry.flush_interval", "5s")
	v.SetDefault("telemetry.database_url", "")
	v.SetDefault("telemetry.metrics_addr", "")

	// -- Fetch --
	v.SetDefault("fetch.timeout", "30s")
	v.SetDefault("fetch.retry_max", 3)
	v.SetDefault("fetch.retry_wait_min", "500ms")
	v.SetDefault("fetch.retry_wait_max", "10s")
	v.SetDefault("fetch.user_agent", "browsershell/1.0")
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// The database URL carries credentials and normally comes from the environment.
	_ = v.BindEnv("telemetry.database_url", "BROWSERSHELL_DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.EngineCfg.Backend {
	case "gecko", "chromium":
	default:
		return fmt.Errorf("engine.backend must be gecko or chromium, got %q", c.EngineCfg.Backend)
	}
	if c.EngineCfg.OpTimeout <= 0 {
		return fmt.Errorf("engine.op_timeout must be a positive duration")
	}
	if err := c.WindowsCfg.Validate(); err != nil {
		return fmt.Errorf("windows configuration invalid: %w", err)
	}
	if err := c.ExtensionsCfg.Validate(); err != nil {
		return fmt.Errorf("extensions configuration invalid: %w", err)
	}
	if err := c.TelemetryCfg.Validate(); err != nil {
		return fmt.Errorf("telemetry configuration invalid: %w", err)
	}
	if c.FetchCfg.RetryMax < 0 {
		return fmt.Errorf("fetch.retry_max cannot be negative")
	}
	return nil
}

// Validate checks the window settings.
func (w *WindowsConfig) Validate() error {
	if w.MaxWindows < 1 || w.MaxWindows > MaxWindowsLimit {
		return fmt.Errorf("max_windows must be between 1 and %d", MaxWindowsLimit)
	}
	if w.DefaultWidth <= 0 || w.DefaultHeight <= 0 {
		return fmt.Errorf("default_width and default_height must be positive")
	}
	return nil
}

// Validate checks the extension settings.
func (e *ExtensionsConfig) Validate() error {
	if e.TabOpenRate < 0 {
		return fmt.Errorf("tab_open_rate cannot be negative")
	}
	if e.TabOpenRate > 0 && e.TabOpenBurst <= 0 {
		return fmt.Errorf("tab_open_burst must be positive when tab_open_rate is set")
	}
	seen := make(map[string]bool, len(e.Builtins))
	for _, b := range e.Builtins {
		if b.ID == "" || b.URL == "" {
			return fmt.Errorf("builtin extensions need an id and a url")
		}
		if seen[b.ID] {
			return fmt.Errorf("builtin extension %s is listed twice", b.ID)
		}
		seen[b.ID] = true
	}
	return nil
}

// Validate checks the telemetry settings.
func (t *TelemetryConfig) Validate() error {
	if !t.Enabled {
		return nil
	}
	if t.BufferSize <= 0 {
		return fmt.Errorf("buffer_size must be a positive integer")
	}
	if t.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be a positive integer")
	}
	if t.FlushInterval <= 0 {
		return fmt.Errorf("flush_interval must be a positive duration")
	}
	return nil
}
