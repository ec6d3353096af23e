// File: internal/config/config_test.go
package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/mitchellh/go-homedir"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// clearLegacyEnv blanks every legacy variable so the host environment cannot leak in.
func clearLegacyEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"TARGET_URL", "USERNAME", "PASSWORD", "COOKIE_STRING",
		"TARGET_URL_2", "USERNAME_2", "PASSWORD_2", "COOKIE_STRING_2",
		"MAX_TOPICS", "MAX_NEW_TOPICS", "MAX_LIKES", "LOGIN_TIMEOUT", "HEADLESS", "DATABASE_URL",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func withTarget(v *viper.Viper) {
	v.Set("targets", []map[string]interface{}{{"url": "https://forum.example"}})
}

// -- Constructor and Defaults Tests --

func TestNewDefaultConfig(t *testing.T) {
	cfg := NewDefaultConfig()

	assert.Equal(t, "info", cfg.Logger().Level)
	assert.Equal(t, "autoread", cfg.Logger().ServiceName)
	assert.Equal(t, DriverChromedp, cfg.Browser().Driver)
	assert.True(t, cfg.Browser().Headless)
	assert.Equal(t, 10, cfg.Limits().MaxItems)
	assert.Equal(t, 20, cfg.Limits().MaxNewItems)
	assert.Equal(t, 5, cfg.Limits().MaxReactionsPerItem)
	assert.Equal(t, time.Minute, cfg.Limits().LoginTimeout())
	assert.Equal(t, 3500*time.Millisecond, cfg.Engagement().PauseMin)
	assert.Equal(t, 300*time.Second, cfg.Engagement().MaxDwell)
	assert.Equal(t, 3, cfg.Retry().MaxAttempts)
	assert.Equal(t, 2*time.Second, cfg.Retry().Pause)
	assert.Equal(t, StoreNone, cfg.Store().Driver)
	assert.Equal(t, "json", cfg.Report().Format)
	assert.False(t, cfg.Tracing().Enabled)
}

// -- Validation Logic Tests --

func TestConfigValidation(t *testing.T) {
	valid := func() *Config {
		cfg := NewDefaultConfig()
		cfg.TargetsCfg = []TargetConfig{{Name: "forum", URL: "https://forum.example"}}
		return cfg
	}

	t.Run("Core Validation", func(t *testing.T) {
		assert.NoError(t, valid().Validate())
	})

	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown driver", func(c *Config) { c.BrowserCfg.Driver = "selenium" }, "browser.driver"},
		{"negative cap", func(c *Config) { c.LimitsCfg.MaxItems = -1 }, "must not be negative"},
		{"zero login timeout", func(c *Config) { c.LimitsCfg.LoginTimeoutSeconds = 0 }, "login_timeout_seconds"},
		{"zero attempts", func(c *Config) { c.RetryCfg.MaxAttempts = 0 }, "retry.max_attempts"},
		{"inverted pause range", func(c *Config) { c.EngagementCfg.PauseMax = time.Millisecond }, "at least its min"},
		{"store without dsn", func(c *Config) { c.StoreCfg.Driver = StoreSQLite }, "store.dsn is required"},
		{"unknown store", func(c *Config) { c.StoreCfg.Driver = "mongo" }, "store.driver"},
		{"unknown report format", func(c *Config) { c.ReportCfg.Format = "xml" }, "report.format"},
		{"no targets", func(c *Config) { c.TargetsCfg = nil }, "no targets configured"},
		{"target without scheme", func(c *Config) { c.TargetsCfg[0].URL = "forum.example" }, "http(s) URL"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := valid()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}

	t.Run("zero caps are allowed", func(t *testing.T) {
		cfg := valid()
		cfg.LimitsCfg.MaxItems = 0
		cfg.LimitsCfg.MaxReactionsPerItem = 0
		assert.NoError(t, cfg.Validate())
	})
}

// -- Factory Function Tests --

func TestNewConfigFromViper(t *testing.T) {
	t.Run("Successful Load from YAML", func(t *testing.T) {
		clearLegacyEnv(t)
		yamlBytes := []byte(`
browser:
  driver: playwright
  headless: false
limits:
  max_items: 3
targets:
  - url: https://linux.do
    username: alice
    password: secret
  - name: other
    url: https://forum.example
    cookie: "_t=abc; _forum_session=def"
    checkins: []
    max_reactions_per_item: 0
`)
		v := viper.New()
		SetDefaults(v)
		v.SetConfigType("yaml")
		require.NoError(t, v.ReadConfig(bytes.NewBuffer(yamlBytes)))

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, DriverPlaywright, cfg.Browser().Driver)
		assert.False(t, cfg.Browser().Headless)
		assert.Equal(t, 3, cfg.Limits().MaxItems)
		assert.Equal(t, "info", cfg.Logger().Level, "defaults still apply")

		require.Len(t, cfg.Targets(), 2)
		linux := cfg.Targets()[0]
		assert.Equal(t, "linux.do", linux.Name)
		assert.True(t, linux.HasCredentials())
		assert.Equal(t, DefaultCheckins, linux.Checkins, "linux.do gets every check-in by default")

		other := cfg.Targets()[1]
		assert.Equal(t, "other", other.Name)
		assert.Empty(t, other.Checkins)
		assert.False(t, other.HasCredentials())
		assert.Equal(t, 0, cfg.LimitsFor(other).MaxReactionsPerItem)
		assert.Equal(t, 5, cfg.LimitsFor(linux).MaxReactionsPerItem)
	})

	t.Run("Validation Failure", func(t *testing.T) {
		clearLegacyEnv(t)
		v := viper.New()
		SetDefaults(v)
		withTarget(v)
		v.Set("retry.max_attempts", 0)

		cfg, err := NewConfigFromViper(v)
		assert.Error(t, err)
		assert.Nil(t, cfg)
		assert.Contains(t, err.Error(), "invalid configuration")
		assert.Contains(t, err.Error(), "retry.max_attempts must be a positive integer")
	})

	t.Run("Legacy Environment", func(t *testing.T) {
		clearLegacyEnv(t)
		t.Setenv("TARGET_URL", "https://linux.do")
		t.Setenv("USERNAME", "alice")
		t.Setenv("PASSWORD", "secret")
		t.Setenv("TARGET_URL_2", "https://forum.example/")
		t.Setenv("COOKIE_STRING_2", "_t=abc")
		t.Setenv("MAX_TOPICS", "7")
		t.Setenv("MAX_LIKES", "2")
		t.Setenv("LOGIN_TIMEOUT", "90")
		t.Setenv("HEADLESS", "false")

		v := viper.New()
		SetDefaults(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)

		assert.Equal(t, 7, cfg.Limits().MaxItems)
		assert.Equal(t, 2, cfg.Limits().MaxReactionsPerItem)
		assert.Equal(t, 90, cfg.Limits().LoginTimeoutSeconds)
		assert.False(t, cfg.Browser().Headless)

		want := []TargetConfig{
			{Name: "linux.do", URL: "https://linux.do", Username: "alice", Password: "secret", Checkins: DefaultCheckins},
			{Name: "forum.example", URL: "https://forum.example/", Cookie: "_t=abc"},
		}
		if diff := cmp.Diff(want, cfg.Targets()); diff != "" {
			t.Errorf("targets mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("Prefixed variable wins over legacy", func(t *testing.T) {
		clearLegacyEnv(t)
		t.Setenv("MAX_TOPICS", "7")
		t.Setenv("AUTOREAD_LIMITS_MAX_ITEMS", "4")

		v := viper.New()
		SetDefaults(v)
		withTarget(v)
		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, 4, cfg.Limits().MaxItems)
	})

	t.Run("No targets anywhere", func(t *testing.T) {
		clearLegacyEnv(t)
		v := viper.New()
		SetDefaults(v)
		_, err := NewConfigFromViper(v)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "no targets configured")
	})

	t.Run("Home paths are expanded", func(t *testing.T) {
		clearLegacyEnv(t)
		home := t.TempDir()
		t.Setenv("HOME", home)
		homedir.DisableCache = true
		t.Cleanup(func() { homedir.DisableCache = false })
		v := viper.New()
		SetDefaults(v)
		withTarget(v)
		v.Set("report.path", "~/autoread/report.json")
		v.Set("store.driver", StoreSQLite)
		v.Set("store.dsn", "~/autoread/history.db")

		cfg, err := NewConfigFromViper(v)
		require.NoError(t, err)
		assert.Equal(t, filepath.Join(home, "autoread", "report.json"), cfg.Report().Path)
		assert.Equal(t, filepath.Join(home, "autoread", "history.db"), cfg.Store().DSN)
	})
}

func TestLegacyTargets(t *testing.T) {
	env := map[string]string{
		"TARGET_URL_2": " https://second.example ",
		"USERNAME_2":   "bob",
	}
	got := LegacyTargets(func(k string) string { return env[k] })
	require.Len(t, got, 1, "a missing first target does not hide the second")
	assert.Equal(t, "https://second.example", got[0].URL)
	assert.Equal(t, "second.example", got[0].Name)
	assert.Equal(t, "bob", got[0].Username)

	assert.Empty(t, LegacyTargets(func(string) string { return "" }))
}

func TestIsLinuxDo(t *testing.T) {
	assert.True(t, IsLinuxDo("https://linux.do"))
	assert.True(t, IsLinuxDo("https://connect.linux.do/oauth2/authorize"))
	assert.False(t, IsLinuxDo("https://notlinux.do.example.com"))
	assert.False(t, IsLinuxDo("https://forum.example"))
	assert.False(t, IsLinuxDo("::not a url"))
}

func TestLoadDotEnv(t *testing.T) {
	clearLegacyEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("TARGET_URL=https://from-dotenv.example\nUSERNAME=carol\n"), 0o600))
	t.Setenv("USERNAME", "already-set")

	require.NoError(t, LoadDotEnv(path, filepath.Join(dir, "missing.env")))
	t.Cleanup(func() { os.Unsetenv("TARGET_URL") })

	assert.Equal(t, "https://from-dotenv.example", os.Getenv("TARGET_URL"))
	assert.Equal(t, "already-set", os.Getenv("USERNAME"), "existing variables are not overridden")
}

func TestConfigStructureMapping(t *testing.T) {
	yamlInput := `
logger:
  level: debug
  log_file: /var/log/autoread.log
engagement:
  pause_min: 100ms
  pause_max: 1s
browser:
  args: ["--no-sandbox", "--disable-gpu"]
  page_load_timeout: 45s
`
	v := viper.New()
	SetDefaults(v)
	v.SetConfigType("yaml")
	require.NoError(t, v.ReadConfig(bytes.NewBufferString(yamlInput)))

	var cfg Config
	require.NoError(t, v.Unmarshal(&cfg))

	assert.Equal(t, "debug", cfg.Logger().Level)
	assert.Equal(t, "/var/log/autoread.log", cfg.Logger().LogFile)
	assert.Equal(t, 100*time.Millisecond, cfg.Engagement().PauseMin)
	assert.Equal(t, []string{"--no-sandbox", "--disable-gpu"}, cfg.Browser().Args)
	assert.Equal(t, 45*time.Second, cfg.Browser().PageLoadTimeout)
}

func TestSetters(t *testing.T) {
	var c Interface = NewDefaultConfig()
	c.SetBrowserHeadless(false)
	c.SetBrowserDriver(DriverPlaywright)
	c.SetLimitsMaxItems(1)
	c.SetLimitsMaxReactionsPerItem(0)
	c.SetLimitsLoginTimeoutSeconds(15)
	c.SetReportPath("out.yaml")

	assert.False(t, c.Browser().Headless)
	assert.Equal(t, DriverPlaywright, c.Browser().Driver)
	assert.Equal(t, 1, c.Limits().MaxItems)
	assert.Zero(t, c.Limits().MaxReactionsPerItem)
	assert.Equal(t, 15*time.Second, c.Limits().LoginTimeout())
	assert.Equal(t, "out.yaml", c.Report().Path)
}
