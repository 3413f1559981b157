package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	apperrors "github.com/gmsas95/dosewatch/internal/errors"
)

// Config holds all configuration for dosewatch
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Scheduling SchedulingConfig `mapstructure:"scheduling"`
	Notify     NotifyConfig     `mapstructure:"notify"`
	Cron       CronConfig       `mapstructure:"cron"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Address      string   `mapstructure:"address"`
	Port         int      `mapstructure:"port"`
	ReadTimeout  int      `mapstructure:"read_timeout"`
	WriteTimeout int      `mapstructure:"write_timeout"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// StorageConfig selects and configures the key-value backend
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // badger, sqlite, postgres, redis
	DataDir     string `mapstructure:"data_dir"`
	SQLitePath  string `mapstructure:"sqlite_path"`
	BadgerPath  string `mapstructure:"badger_path"`
	InMemory    bool   `mapstructure:"in_memory"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	RedisAddr   string `mapstructure:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db"`
}

// SchedulingConfig holds reminder and reconciliation settings
type SchedulingConfig struct {
	UserID           string        `mapstructure:"user_id"`
	Timezone         string        `mapstructure:"timezone"`
	ReminderInterval int           `mapstructure:"reminder_interval"` // minutes
	MaxReminders     int           `mapstructure:"max_reminders"`
	GracePeriod      time.Duration `mapstructure:"grace_period"`
	SafetyMargin     time.Duration `mapstructure:"safety_margin"`
	SoundEnabled     bool          `mapstructure:"sound_enabled"`
	VibrationEnabled bool          `mapstructure:"vibration_enabled"`
}

// NotifyConfig holds emergency escalation settings
type NotifyConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
	Discord  DiscordConfig  `mapstructure:"discord"`
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Contacts []Contact      `mapstructure:"contacts"`

	// PatientName is used in the text sent to contacts
	PatientName string `mapstructure:"patient_name"`

	// Breaker and limiter guarding each outbound channel
	BreakerMaxFailures int           `mapstructure:"breaker_max_failures"`
	BreakerTimeout     time.Duration `mapstructure:"breaker_timeout"`
	RatePerMinute      int           `mapstructure:"rate_per_minute"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
}

type DiscordConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
}

type WebhookConfig struct {
	Enabled bool              `mapstructure:"enabled"`
	Headers map[string]string `mapstructure:"headers"`
}

// Contact is an emergency contact reachable on one channel
type Contact struct {
	ID      string `mapstructure:"id"`
	Name    string `mapstructure:"name"`
	Channel string `mapstructure:"channel"` // telegram, discord, webhook
	Address string `mapstructure:"address"` // chat id, channel id, or URL
	Primary bool   `mapstructure:"primary"`
}

// CronConfig holds maintenance job schedules (robfig cron expressions)
type CronConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Replan        string `mapstructure:"replan"`
	ExpireCourses string `mapstructure:"expire_courses"`
	DailySummary  string `mapstructure:"daily_summary"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

const (
	MinReminderInterval = 1
	MaxReminderInterval = 30
	MaxMaxReminders     = 5
)

// Load reads configuration from file, .env and DOSEWATCH_* environment variables.
// Empty configPath and dataDir fall back to DOSEWATCH_CONFIG and
// DOSEWATCH_DATA_DIR, then to the per-user defaults.
func Load(configPath, dataDir string) (*Config, error) {
	v, err := newViper(configPath, dataDir)
	if err != nil {
		return nil, err
	}
	return decode(v)
}

func newViper(configPath, dataDir string) (*viper.Viper, error) {
	v := viper.New()

	setDefaults(v)

	if dataDir == "" {
		dataDir = getEnvDefault("DOSEWATCH_DATA_DIR", getDefaultDataDir())
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	v.SetDefault("storage.data_dir", dataDir)
	v.SetDefault("storage.sqlite_path", filepath.Join(dataDir, "dosewatch.db"))
	v.SetDefault("storage.badger_path", filepath.Join(dataDir, "badger"))

	if err := LoadEnvFiles(dataDir); err != nil {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	if configPath == "" {
		configPath = getEnvDefault("DOSEWATCH_CONFIG", filepath.Join(dataDir, "dosewatch.yaml"))
	}

	if _, err := os.Stat(configPath); err == nil {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// DOSEWATCH_SERVER_PORT, DOSEWATCH_SCHEDULING_MAX_REMINDERS, ...
	v.SetEnvPrefix("DOSEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	loadEnvOverrides(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeConfig, "invalid configuration")
	}

	return &cfg, nil
}

// Watch loads the configuration and invokes onChange with the re-validated
// config whenever the file changes. Invalid edits are reported through
// onError and the previous config stays in effect.
func Watch(configPath, dataDir string, onChange func(*Config), onError func(error)) (*Config, error) {
	v, err := newViper(configPath, dataDir)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	if v.ConfigFileUsed() == "" {
		return cfg, nil
	}

	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next, err := decode(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		onChange(next)
	})
	v.WatchConfig()

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 8088)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 30)
	v.SetDefault("server.allow_origins", []string{"*"})

	// Storage defaults
	v.SetDefault("storage.driver", "badger")
	v.SetDefault("storage.redis_addr", "localhost:6379")

	// Scheduling defaults
	v.SetDefault("scheduling.user_id", "default")
	v.SetDefault("scheduling.timezone", "Local")
	v.SetDefault("scheduling.reminder_interval", 5)
	v.SetDefault("scheduling.max_reminders", 1)
	v.SetDefault("scheduling.grace_period", 5*time.Minute)
	v.SetDefault("scheduling.safety_margin", 60*time.Second)
	v.SetDefault("scheduling.sound_enabled", true)
	v.SetDefault("scheduling.vibration_enabled", true)

	// Notify defaults
	v.SetDefault("notify.breaker_max_failures", 3)
	v.SetDefault("notify.breaker_timeout", time.Minute)
	v.SetDefault("notify.rate_per_minute", 30)
	v.SetDefault("notify.timeout", 10*time.Second)

	// Cron defaults
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.replan", "*/15 * * * *")
	v.SetDefault("cron.expire_courses", "5 0 * * *")
	v.SetDefault("cron.daily_summary", "0 21 * * *")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

func getDefaultDataDir() string {
	if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
		return filepath.Join(xdg, "dosewatch")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}

	return filepath.Join(home, ".local", "share", "dosewatch")
}

// loadEnvOverrides applies secrets that are commonly exported under their bare names
func loadEnvOverrides(cfg *Config) {
	if token := ResolveEnvWithAliases("DOSEWATCH_NOTIFY_TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Notify.Telegram.BotToken = token
	}
	if token := ResolveEnvWithAliases("DOSEWATCH_NOTIFY_DISCORD_TOKEN"); token != "" {
		cfg.Notify.Discord.Token = token
	}
	if dsn := ResolveEnvWithAliases("DOSEWATCH_STORAGE_POSTGRES_DSN"); dsn != "" {
		cfg.Storage.PostgresDSN = dsn
	}
	if addr := ResolveEnvWithAliases("DOSEWATCH_STORAGE_REDIS_ADDR"); addr != "" {
		cfg.Storage.RedisAddr = addr
	}
	if port := os.Getenv("PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			cfg.Server.Port = p
		}
	}
}

func validate(cfg *Config) error {
	s := cfg.Scheduling
	if s.ReminderInterval < MinReminderInterval || s.ReminderInterval > MaxReminderInterval {
		return fmt.Errorf("scheduling.reminder_interval must be between %d and %d minutes, got %d",
			MinReminderInterval, MaxReminderInterval, s.ReminderInterval)
	}
	if s.MaxReminders < 0 || s.MaxReminders > MaxMaxReminders {
		return fmt.Errorf("scheduling.max_reminders must be between 0 and %d, got %d", MaxMaxReminders, s.MaxReminders)
	}
	if s.GracePeriod <= 0 {
		return fmt.Errorf("scheduling.grace_period must be positive")
	}
	if s.SafetyMargin < 0 {
		return fmt.Errorf("scheduling.safety_margin must not be negative")
	}
	if s.UserID == "" {
		return fmt.Errorf("scheduling.user_id is required")
	}
	if _, err := cfg.Location(); err != nil {
		return fmt.Errorf("scheduling.timezone: %w", err)
	}

	switch cfg.Storage.Driver {
	case "badger", "sqlite", "redis":
	case "postgres":
		if cfg.Storage.PostgresDSN == "" {
			return fmt.Errorf("storage.postgres_dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown storage.driver %q", cfg.Storage.Driver)
	}

	if cfg.Notify.Telegram.Enabled && cfg.Notify.Telegram.BotToken == "" {
		return fmt.Errorf("notify.telegram.bot_token is required when telegram is enabled")
	}
	if cfg.Notify.Discord.Enabled && cfg.Notify.Discord.Token == "" {
		return fmt.Errorf("notify.discord.token is required when discord is enabled")
	}
	for i, c := range cfg.Notify.Contacts {
		switch c.Channel {
		case "telegram", "discord", "webhook":
		default:
			return fmt.Errorf("notify.contacts[%d]: unknown channel %q", i, c.Channel)
		}
		if c.Address == "" {
			return fmt.Errorf("notify.contacts[%d]: address is required", i)
		}
	}

	return nil
}

// Location resolves the scheduling timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Scheduling.Timezone == "" || c.Scheduling.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(c.Scheduling.Timezone)
}
