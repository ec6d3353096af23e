// File: internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
)

// Interface defines the contract for accessing application configuration.
// Commands apply flag overrides through the setters.
type Interface interface {
	Logger() LoggerConfig
	Browser() BrowserConfig
	Limits() LimitsConfig
	Engagement() EngagementConfig
	Retry() RetryConfig
	Store() StoreConfig
	Report() ReportConfig
	Metrics() MetricsConfig
	Tracing() TracingConfig
	Targets() []TargetConfig
	LimitsFor(t TargetConfig) LimitsConfig

	// Browser Setters
	SetBrowserHeadless(bool)
	SetBrowserDriver(string)

	// Limits Setters
	SetLimitsMaxItems(int)
	SetLimitsMaxReactionsPerItem(int)
	SetLimitsLoginTimeoutSeconds(int)

	// Report Setters
	SetReportPath(string)
}

// Config holds the entire application configuration.
type Config struct {
	LoggerCfg     LoggerConfig     `mapstructure:"logger" yaml:"logger"`
	BrowserCfg    BrowserConfig    `mapstructure:"browser" yaml:"browser"`
	LimitsCfg     LimitsConfig     `mapstructure:"limits" yaml:"limits"`
	EngagementCfg EngagementConfig `mapstructure:"engagement" yaml:"engagement"`
	RetryCfg      RetryConfig      `mapstructure:"retry" yaml:"retry"`
	StoreCfg      StoreConfig      `mapstructure:"store" yaml:"store"`
	ReportCfg     ReportConfig     `mapstructure:"report" yaml:"report"`
	MetricsCfg    MetricsConfig    `mapstructure:"metrics" yaml:"metrics"`
	TracingCfg    TracingConfig    `mapstructure:"tracing" yaml:"tracing"`
	TargetsCfg    []TargetConfig   `mapstructure:"targets" yaml:"targets"`
}

// --- Interface Method Implementations (Getters) ---

func (c *Config) Logger() LoggerConfig         { return c.LoggerCfg }
func (c *Config) Browser() BrowserConfig       { return c.BrowserCfg }
func (c *Config) Limits() LimitsConfig         { return c.LimitsCfg }
func (c *Config) Engagement() EngagementConfig { return c.EngagementCfg }
func (c *Config) Retry() RetryConfig           { return c.RetryCfg }
func (c *Config) Store() StoreConfig           { return c.StoreCfg }
func (c *Config) Report() ReportConfig         { return c.ReportCfg }
func (c *Config) Metrics() MetricsConfig       { return c.MetricsCfg }
func (c *Config) Tracing() TracingConfig       { return c.TracingCfg }
func (c *Config) Targets() []TargetConfig      { return c.TargetsCfg }

// --- Interface Method Implementations (Setters) ---

func (c *Config) SetBrowserHeadless(b bool) { c.BrowserCfg.Headless = b }
func (c *Config) SetBrowserDriver(d string) { c.BrowserCfg.Driver = d }
func (c *Config) SetLimitsMaxItems(n int)   { c.LimitsCfg.MaxItems = n }
func (c *Config) SetReportPath(p string)    { c.ReportCfg.Path = p }
func (c *Config) SetLimitsMaxReactionsPerItem(n int) {
	c.LimitsCfg.MaxReactionsPerItem = n
}
func (c *Config) SetLimitsLoginTimeoutSeconds(n int) {
	c.LimitsCfg.LoginTimeoutSeconds = n
}

// LimitsFor returns the global limits with the overrides of t applied.
func (c *Config) LimitsFor(t TargetConfig) LimitsConfig {
	l := c.LimitsCfg
	if t.MaxItems != nil {
		l.MaxItems = *t.MaxItems
	}
	if t.MaxNewItems != nil {
		l.MaxNewItems = *t.MaxNewItems
	}
	if t.MaxReactionsPerItem != nil {
		l.MaxReactionsPerItem = *t.MaxReactionsPerItem
	}
	if t.LoginTimeoutSeconds != nil {
		l.LoginTimeoutSeconds = *t.LoginTimeoutSeconds
	}
	return l
}

// LoggerConfig holds all the configuration for the logger.
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

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// Browser drivers.
const (
	DriverChromedp   = "chromedp"
	DriverPlaywright = "playwright"
)

// BrowserConfig holds settings for the browser session.
type BrowserConfig struct {
	Driver          string        `mapstructure:"driver" yaml:"driver"`
	Headless        bool          `mapstructure:"headless" yaml:"headless"`
	ExecutablePath  string        `mapstructure:"executable_path" yaml:"executable_path"`
	Args            []string      `mapstructure:"args" yaml:"args"`
	Language        string        `mapstructure:"language" yaml:"language"`
	PageLoadTimeout time.Duration `mapstructure:"page_load_timeout" yaml:"page_load_timeout"`
}

// LimitsConfig caps how much each target reads and reacts.
type LimitsConfig struct {
	MaxItems            int `mapstructure:"max_items" yaml:"max_items"`
	MaxNewItems         int `mapstructure:"max_new_items" yaml:"max_new_items"`
	MaxReactionsPerItem int `mapstructure:"max_reactions_per_item" yaml:"max_reactions_per_item"`
	LoginTimeoutSeconds int `mapstructure:"login_timeout_seconds" yaml:"login_timeout_seconds"`
	// NavigationInterval is the minimum spacing between two worklist item openings.
	NavigationInterval time.Duration `mapstructure:"navigation_interval" yaml:"navigation_interval"`
}

// LoginTimeout returns LoginTimeoutSeconds as a duration.
func (l LimitsConfig) LoginTimeout() time.Duration {
	return time.Duration(l.LoginTimeoutSeconds) * time.Second
}

// EngagementConfig tunes the simulated reading pace.
type EngagementConfig struct {
	PauseMin     time.Duration `mapstructure:"pause_min" yaml:"pause_min"`
	PauseMax     time.Duration `mapstructure:"pause_max" yaml:"pause_max"`
	Settle       time.Duration `mapstructure:"settle" yaml:"settle"`
	StepMax      int           `mapstructure:"step_max" yaml:"step_max"`
	MaxDwell     time.Duration `mapstructure:"max_dwell" yaml:"max_dwell"`
	BottomChecks int           `mapstructure:"bottom_checks" yaml:"bottom_checks"`
	BottomSlack  float64       `mapstructure:"bottom_slack" yaml:"bottom_slack"`
	AimMin       time.Duration `mapstructure:"aim_min" yaml:"aim_min"`
	AimMax       time.Duration `mapstructure:"aim_max" yaml:"aim_max"`
	GapMin       time.Duration `mapstructure:"gap_min" yaml:"gap_min"`
	GapMax       time.Duration `mapstructure:"gap_max" yaml:"gap_max"`
	LingerMin    time.Duration `mapstructure:"linger_min" yaml:"linger_min"`
	LingerMax    time.Duration `mapstructure:"linger_max" yaml:"linger_max"`
}

// RetryConfig bounds retryable workflows.
type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	Pause       time.Duration `mapstructure:"pause" yaml:"pause"`
}

// Store drivers.
const (
	StoreNone     = "none"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// StoreConfig selects where run history is persisted.
type StoreConfig struct {
	Driver string `mapstructure:"driver" yaml:"driver"`
	DSN    string `mapstructure:"dsn" yaml:"-"`
}

// ReportConfig controls the run report file.
type ReportConfig struct {
	Path   string `mapstructure:"path" yaml:"path"`
	Format string `mapstructure:"format" yaml:"format"`
}

// MetricsConfig controls the end-of-run metrics textfile.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile" yaml:"textfile"`
}

// TracingConfig toggles span export.
type TracingConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
}

// TargetConfig is one forum account to process. Nil limit overrides inherit the global limits.
type TargetConfig struct {
	Name     string   `mapstructure:"name" yaml:"name"`
	URL      string   `mapstructure:"url" yaml:"url"`
	Username string   `mapstructure:"username" yaml:"username"`
	Password string   `mapstructure:"password" yaml:"-"`
	Cookie   string   `mapstructure:"cookie" yaml:"-"`
	Checkins []string `mapstructure:"checkins" yaml:"checkins"`

	MaxItems            *int `mapstructure:"max_items" yaml:"max_items,omitempty"`
	MaxNewItems         *int `mapstructure:"max_new_items" yaml:"max_new_items,omitempty"`
	MaxReactionsPerItem *int `mapstructure:"max_reactions_per_item" yaml:"max_reactions_per_item,omitempty"`
	LoginTimeoutSeconds *int `mapstructure:"login_timeout_seconds" yaml:"login_timeout_seconds,omitempty"`
}

// HasCredentials reports whether a username and password are configured.
func (t TargetConfig) HasCredentials() bool {
	return t.Username != "" && t.Password != ""
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "autoread")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 20)
	v.SetDefault("logger.max_backups", 3)
	v.SetDefault("logger.max_age", 14)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")
	v.SetDefault("logger.colors.fatal", "magenta")

	// -- Browser --
	v.SetDefault("browser.driver", DriverChromedp)
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.language", "zh-CN,zh")
	v.SetDefault("browser.page_load_timeout", "60s")

	// -- Limits --
	v.SetDefault("limits.max_items", 10)
	v.SetDefault("limits.max_new_items", 20)
	v.SetDefault("limits.max_reactions_per_item", 5)
	v.SetDefault("limits.login_timeout_seconds", 60)
	v.SetDefault("limits.navigation_interval", "2s")

	// -- Engagement --
	v.SetDefault("engagement.pause_min", "3500ms")
	v.SetDefault("engagement.pause_max", "5s")
	v.SetDefault("engagement.settle", "500ms")
	v.SetDefault("engagement.step_max", 400)
	v.SetDefault("engagement.max_dwell", "300s")
	v.SetDefault("engagement.bottom_checks", 3)
	v.SetDefault("engagement.bottom_slack", 50)
	v.SetDefault("engagement.aim_min", "500ms")
	v.SetDefault("engagement.aim_max", "1s")
	v.SetDefault("engagement.gap_min", "1s")
	v.SetDefault("engagement.gap_max", "2s")
	v.SetDefault("engagement.linger_min", "4s")
	v.SetDefault("engagement.linger_max", "6s")

	// -- Retry --
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.pause", "2s")

	// -- Store --
	v.SetDefault("store.driver", StoreNone)
	v.SetDefault("store.dsn", "")

	// -- Report --
	v.SetDefault("report.path", "")
	v.SetDefault("report.format", "json")

	// -- Metrics / Tracing --
	v.SetDefault("metrics.textfile", "")
	v.SetDefault("tracing.enabled", false)
}

// NewConfigFromViper creates a new configuration instance from a viper object. Targets
// come from the config file, or from the legacy environment when none are configured.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Legacy variable names keep existing deployments working. The prefixed name wins.
	v.BindEnv("limits.max_items", "AUTOREAD_LIMITS_MAX_ITEMS", "MAX_TOPICS")
	v.BindEnv("limits.max_new_items", "AUTOREAD_LIMITS_MAX_NEW_ITEMS", "MAX_NEW_TOPICS")
	v.BindEnv("limits.max_reactions_per_item", "AUTOREAD_LIMITS_MAX_REACTIONS_PER_ITEM", "MAX_LIKES")
	v.BindEnv("limits.login_timeout_seconds", "AUTOREAD_LIMITS_LOGIN_TIMEOUT_SECONDS", "LOGIN_TIMEOUT")
	v.BindEnv("browser.headless", "AUTOREAD_BROWSER_HEADLESS", "HEADLESS")
	v.BindEnv("store.dsn", "AUTOREAD_STORE_DSN", "DATABASE_URL")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if len(cfg.TargetsCfg) == 0 {
		cfg.TargetsCfg = LegacyTargets(nil)
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// normalize fills derived values: target names, default check-ins and expanded paths.
func (c *Config) normalize() {
	for i := range c.TargetsCfg {
		t := &c.TargetsCfg[i]
		t.URL = strings.TrimSpace(t.URL)
		if t.Name == "" {
			t.Name = targetName(t.URL)
		}
		if t.Checkins == nil && IsLinuxDo(t.URL) {
			t.Checkins = append([]string(nil), DefaultCheckins...)
		}
	}
	c.LoggerCfg.LogFile = expand(c.LoggerCfg.LogFile)
	c.ReportCfg.Path = expand(c.ReportCfg.Path)
	c.MetricsCfg.Textfile = expand(c.MetricsCfg.Textfile)
	c.BrowserCfg.ExecutablePath = expand(c.BrowserCfg.ExecutablePath)
	if c.StoreCfg.Driver == StoreSQLite {
		c.StoreCfg.DSN = expand(c.StoreCfg.DSN)
	}
}

func expand(path string) string {
	if path == "" {
		return path
	}
	if p, err := homedir.Expand(path); err == nil {
		return p
	}
	return path
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.BrowserCfg.Driver {
	case DriverChromedp, DriverPlaywright:
	default:
		return fmt.Errorf("browser.driver must be %q or %q, got %q", DriverChromedp, DriverPlaywright, c.BrowserCfg.Driver)
	}
	if err := c.LimitsCfg.Validate(); err != nil {
		return fmt.Errorf("limits configuration invalid: %w", err)
	}
	if c.RetryCfg.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be a positive integer")
	}
	if err := c.EngagementCfg.Validate(); err != nil {
		return fmt.Errorf("engagement configuration invalid: %w", err)
	}
	switch c.StoreCfg.Driver {
	case StoreNone, "":
	case StorePostgres, StoreSQLite:
		if c.StoreCfg.DSN == "" {
			return fmt.Errorf("store.dsn is required for the %s driver", c.StoreCfg.Driver)
		}
	default:
		return fmt.Errorf("store.driver must be one of none, postgres, sqlite; got %q", c.StoreCfg.Driver)
	}
	switch c.ReportCfg.Format {
	case "json", "yaml":
	default:
		return fmt.Errorf("report.format must be json or yaml, got %q", c.ReportCfg.Format)
	}
	if len(c.TargetsCfg) == 0 {
		return fmt.Errorf("no targets configured; set targets in the config file or TARGET_URL")
	}
	for i, t := range c.TargetsCfg {
		if t.URL == "" {
			return fmt.Errorf("targets[%d].url is required", i)
		}
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			return fmt.Errorf("targets[%d].url must be an http(s) URL, got %q", i, t.URL)
		}
	}
	return nil
}

// Validate checks the limits. Zero caps are allowed and disable the corresponding work.
func (l *LimitsConfig) Validate() error {
	if l.MaxItems < 0 || l.MaxNewItems < 0 || l.MaxReactionsPerItem < 0 {
		return fmt.Errorf("item and reaction caps must not be negative")
	}
	if l.LoginTimeoutSeconds <= 0 {
		return fmt.Errorf("login_timeout_seconds must be a positive integer")
	}
	return nil
}

// Validate checks the engagement pacing ranges.
func (e *EngagementConfig) Validate() error {
	if e.PauseMax < e.PauseMin || e.AimMax < e.AimMin || e.GapMax < e.GapMin || e.LingerMax < e.LingerMin {
		return fmt.Errorf("every max duration must be at least its min")
	}
	if e.StepMax <= 0 {
		return fmt.Errorf("step_max must be a positive integer")
	}
	if e.BottomChecks <= 0 {
		return fmt.Errorf("bottom_checks must be a positive integer")
	}
	return nil
}
