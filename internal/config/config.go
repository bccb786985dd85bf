// Package config provides configuration management for the split trader.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	apperrors "split-trader/internal/errors"
)

// Config holds all application configuration.
type Config struct {
	Trading       TradingConfig      `mapstructure:"trading"`
	State         StateConfig        `mapstructure:"state"`
	Schedule      ScheduleConfig     `mapstructure:"schedule"`
	Market        MarketConfig       `mapstructure:"market"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Security      SecurityConfig     `mapstructure:"security"`
	Retry         RetryConfig        `mapstructure:"retry"`
	Credentials   Credentials        `mapstructure:"-"` // Loaded separately

	// Dir is the directory the configuration was loaded from.
	Dir string `mapstructure:"-" json:"-"`
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode           string `mapstructure:"mode"`            // "paper" or "live"
	StrategiesFile string `mapstructure:"strategies_file"` // relative to the config dir
	Exchange       string `mapstructure:"exchange"`        // default exchange for quotes and orders
}

// StateConfig selects where the account registry is persisted.
type StateConfig struct {
	Backend      string `mapstructure:"backend"` // "json" or "sqlite"
	Path         string `mapstructure:"path"`
	DBPath       string `mapstructure:"db_path"`
	MaxSnapshots int    `mapstructure:"max_snapshots"`
}

// ScheduleConfig holds the tick cadence.
type ScheduleConfig struct {
	CheckInterval  time.Duration `mapstructure:"check_interval"`
	StrategyDelay  time.Duration `mapstructure:"strategy_delay"`
	ExitAfterClose bool          `mapstructure:"exit_after_close"`
}

// MarketConfig holds the trading session of the market.
type MarketConfig struct {
	Timezone          string   `mapstructure:"timezone"`
	Open              string   `mapstructure:"open"`  // HH:MM
	Close             string   `mapstructure:"close"` // HH:MM
	IgnoreMarketHours bool     `mapstructure:"ignore_market_hours"`
	Holidays          []string `mapstructure:"holidays"` // YYYY-MM-DD
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	AuditEnabled bool   `mapstructure:"audit_enabled"`
	AuditDir     string `mapstructure:"audit_dir"`
}

// RetryConfig holds broker retry and circuit breaker settings.
type RetryConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	InitialDelay     time.Duration `mapstructure:"initial_delay"`
	MaxDelay         time.Duration `mapstructure:"max_delay"`
	BreakerThreshold int           `mapstructure:"breaker_threshold"`
	BreakerTimeout   time.Duration `mapstructure:"breaker_timeout"`
}

// NotificationConfig holds notification configuration.
type NotificationConfig struct {
	Enabled bool          `mapstructure:"enabled"`
	Level   string        `mapstructure:"level"` // all, trades_only, errors_only
	Webhook WebhookConfig `mapstructure:"webhook"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

// WebhookConfig holds webhook notification configuration.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// RedisConfig holds the Redis trade-event channel configuration.
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
	ListKey  string `mapstructure:"list_key"`
}

// Credentials holds API credentials.
type Credentials struct {
	Kite KiteCredentials `mapstructure:"kite"`
}

// KiteCredentials holds Kite Connect API credentials.
type KiteCredentials struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
	UserID    string `mapstructure:"user_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/split-trader"
	}
	return filepath.Join(home, ".config", "split-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	cfg := &Config{Dir: configDir}

	if err := loadConfigFile(configDir, cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	if err := loadCredentials(configDir, &cfg.Credentials); err != nil {
		return nil, fmt.Errorf("loading credentials.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.strategies_file", "strategies.json")
	v.SetDefault("trading.exchange", "NSE")

	v.SetDefault("state.backend", "json")
	v.SetDefault("state.path", "accounts.json")
	v.SetDefault("state.db_path", "split-trader.db")
	v.SetDefault("state.max_snapshots", 17280)

	v.SetDefault("schedule.check_interval", "5m")
	v.SetDefault("schedule.strategy_delay", "500ms")
	v.SetDefault("schedule.exit_after_close", true)

	v.SetDefault("market.timezone", "Asia/Seoul")
	v.SetDefault("market.open", "09:00")
	v.SetDefault("market.close", "15:30")
	v.SetDefault("market.ignore_market_hours", false)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.file_path", filepath.Join("logs", "split-trader.log"))
	v.SetDefault("logging.max_size", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age", 30)

	v.SetDefault("notifications.enabled", false)
	v.SetDefault("notifications.level", "trades_only")
	v.SetDefault("notifications.redis.addr", "localhost:6379")
	v.SetDefault("notifications.redis.channel", "split-trader:trades")
	v.SetDefault("notifications.redis.list_key", "split-trader:trade-log")

	v.SetDefault("security.audit_enabled", true)
	v.SetDefault("security.audit_dir", "audit")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_delay", "200ms")
	v.SetDefault("retry.max_delay", "5s")
	v.SetDefault("retry.breaker_threshold", 5)
	v.SetDefault("retry.breaker_timeout", "30s")
}

func loadConfigFile(configDir string, cfg *Config) error {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateConfig(configDir)
		}
		return err
	}

	return v.Unmarshal(cfg)
}

// Defaults returns the configuration used when config.toml sets nothing.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)
	cfg := &Config{Dir: DefaultConfigDir()}
	// defaults always decode
	_ = v.Unmarshal(cfg)
	cfg.resolvePaths()
	return cfg
}

func loadCredentials(configDir string, creds *Credentials) error {
	v := viper.New()
	v.SetConfigName("credentials")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return createTemplateCredentials(configDir)
		}
		return err
	}

	return v.Unmarshal(creds)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Credentials.Kite.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Credentials.Kite.APISecret = v
	}
	if v := os.Getenv("KITE_USER_ID"); v != "" {
		cfg.Credentials.Kite.UserID = v
	}

	if v := os.Getenv("SPLIT_TRADER_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("SPLIT_TRADER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("SPLIT_TRADER_IGNORE_MARKET_HOURS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Market.IgnoreMarketHours = b
		}
	}
	if v := os.Getenv("SPLIT_TRADER_REDIS_ADDR"); v != "" {
		cfg.Notifications.Redis.Addr = v
	}
}

// resolvePaths makes relative file paths relative to the config directory.
func (c *Config) resolvePaths() {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(c.Dir, p)
	}
	c.Trading.StrategiesFile = resolve(c.Trading.StrategiesFile)
	c.State.Path = resolve(c.State.Path)
	c.State.DBPath = resolve(c.State.DBPath)
	c.Logging.FilePath = resolve(c.Logging.FilePath)
	c.Security.AuditDir = resolve(c.Security.AuditDir)
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	invalid := func(format string, args ...interface{}) error {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, format, args...)
	}

	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return invalid("trading mode %q (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.State.Backend != "json" && c.State.Backend != "sqlite" {
		return invalid("state backend %q (must be 'json' or 'sqlite')", c.State.Backend)
	}
	if c.State.MaxSnapshots < 0 {
		return invalid("max_snapshots must be non-negative")
	}
	if c.Schedule.CheckInterval <= 0 {
		return invalid("check_interval must be positive")
	}
	if c.Schedule.StrategyDelay < 0 {
		return invalid("strategy_delay must be non-negative")
	}

	open, err := ParseClock(c.Market.Open)
	if err != nil {
		return invalid("market open: %v", err)
	}
	closing, err := ParseClock(c.Market.Close)
	if err != nil {
		return invalid("market close: %v", err)
	}
	if closing <= open {
		return invalid("market close %s must be after open %s", c.Market.Close, c.Market.Open)
	}
	for _, day := range c.Market.Holidays {
		if _, err := time.Parse("2006-01-02", day); err != nil {
			return invalid("holiday %q: want YYYY-MM-DD", day)
		}
	}

	switch c.Notifications.Level {
	case "", "all", "trades_only", "errors_only":
	default:
		return invalid("notification level %q", c.Notifications.Level)
	}
	if c.Notifications.Webhook.Enabled && c.Notifications.Webhook.URL == "" {
		return invalid("webhook enabled without url")
	}

	if c.IsLiveMode() && c.Credentials.Kite.APIKey == "" {
		return invalid("live mode needs kite api_key in credentials.toml or KITE_API_KEY")
	}

	return nil
}

// IsLiveMode returns true if orders go to the real broker.
func (c *Config) IsLiveMode() bool {
	return c.Trading.Mode == "live"
}

// ParseClock parses "HH:MM" into the offset from midnight.
func ParseClock(s string) (time.Duration, error) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, fmt.Errorf("%q is not HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return 0, fmt.Errorf("%q has an invalid hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return 0, fmt.Errorf("%q has an invalid minute", s)
	}
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute, nil
}
