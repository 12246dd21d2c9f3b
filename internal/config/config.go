// Package config provides YAML-based configuration loading for the outreach
// pipeline. Secrets may be supplied through the environment or a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level outreach configuration, loaded from outreach.yaml.
type Config struct {
	Account   string          `yaml:"account"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Policy    PolicyConfig    `yaml:"policy"`
	LLM       LLMConfig       `yaml:"llm"`
	Sender    SenderConfig    `yaml:"sender"`
	Notify    NotifyConfig    `yaml:"notify"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Log       LogConfig       `yaml:"log"`
}

// DatabaseConfig selects the SQL dialect and connection parameters.
type DatabaseConfig struct {
	Driver   string `yaml:"driver"` // mysql, postgres, sqlite
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Name     string `yaml:"name"`
	Path     string `yaml:"path"` // sqlite file, or ":memory:"
	SSLMode  string `yaml:"sslmode"`
}

// RedisConfig enables the Redis-backed account lock. Empty Addr means the
// database lease is used instead.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// SchedulerConfig holds cron expressions for the periodic driver.
type SchedulerConfig struct {
	DispatchSpec string `yaml:"dispatch_spec"`
	PipelineSpec string `yaml:"pipeline_spec"`
}

// PolicyConfig holds the pacing and pipeline limits.
type PolicyConfig struct {
	DailyCap                int           `yaml:"daily_cap"`
	MaxDispatchFailures     int           `yaml:"max_dispatch_failures"`
	MaxMessagesPerPhase     int           `yaml:"max_messages_per_phase"`
	MaxNurtureTouches       int           `yaml:"max_nurture_touches"`
	MaxReactivationAttempts int           `yaml:"max_reactivation_attempts"`
	NurtureMinDays          int           `yaml:"nurture_min_days"`
	NurtureMaxDays          int           `yaml:"nurture_max_days"`
	ReactivationSilenceDays int           `yaml:"reactivation_silence_days"`
	LockTTL                 time.Duration `yaml:"lock_ttl"`
	AnalyzeBatch            int           `yaml:"analyze_batch"`
	PrepareBatch            int           `yaml:"prepare_batch"`
}

// LLMConfig configures the Bedrock model used for reply classification and
// message generation.
type LLMConfig struct {
	Region    string `yaml:"region"`
	ModelID   string `yaml:"model_id"`
	MaxTokens int    `yaml:"max_tokens"`
}

// SenderConfig configures the social-network send API.
type SenderConfig struct {
	BaseURL   string        `yaml:"base_url"`
	APIKey    string        `yaml:"api_key"`
	AccountID string        `yaml:"account_id"`
	Timeout   time.Duration `yaml:"timeout"`
}

// NotifyConfig configures human handoff notifications.
type NotifyConfig struct {
	SlackWebhookURL  string `yaml:"slack_webhook_url"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	DiscordChannelID string `yaml:"discord_channel_id"`
}

// DashboardConfig configures the read-only HTTP views.
type DashboardConfig struct {
	Port int `yaml:"port"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"` // text, json, or empty for auto
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Environment variables that override file values.
const (
	EnvDBPassword      = "OUTREACH_DB_PASSWORD"
	EnvRedisPassword   = "OUTREACH_REDIS_PASSWORD"
	EnvSenderAPIKey    = "OUTREACH_SENDER_API_KEY"
	EnvSlackWebhookURL = "OUTREACH_SLACK_WEBHOOK_URL"
	EnvDiscordBotToken = "OUTREACH_DISCORD_BOT_TOKEN"
)

// Load reads a YAML config file from path and returns a validated Config.
// A .env file next to the working directory is loaded first when present.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	override(&c.Database.Password, EnvDBPassword)
	override(&c.Redis.Password, EnvRedisPassword)
	override(&c.Sender.APIKey, EnvSenderAPIKey)
	override(&c.Notify.SlackWebhookURL, EnvSlackWebhookURL)
	override(&c.Notify.DiscordBotToken, EnvDiscordBotToken)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "mysql"
	}
	switch c.Database.Driver {
	case "mysql":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 3306
		}
		if c.Database.User == "" {
			c.Database.User = "root"
		}
	case "postgres":
		if c.Database.Host == "" {
			c.Database.Host = "127.0.0.1"
		}
		if c.Database.Port == 0 {
			c.Database.Port = 5432
		}
		if c.Database.SSLMode == "" {
			c.Database.SSLMode = "disable"
		}
	case "sqlite":
		if c.Database.Path == "" {
			c.Database.Path = "outreach.db"
		}
	}
	if c.Database.Name == "" && c.Account != "" {
		c.Database.Name = "outreach_" + c.Account
	}

	if c.Scheduler.DispatchSpec == "" {
		c.Scheduler.DispatchSpec = "@every 30s"
	}
	if c.Scheduler.PipelineSpec == "" {
		c.Scheduler.PipelineSpec = "@every 5m"
	}

	p := &c.Policy
	if p.DailyCap == 0 {
		p.DailyCap = 40
	}
	if p.MaxDispatchFailures == 0 {
		p.MaxDispatchFailures = 3
	}
	if p.MaxMessagesPerPhase == 0 {
		p.MaxMessagesPerPhase = 2
	}
	if p.MaxNurtureTouches == 0 {
		p.MaxNurtureTouches = 4
	}
	if p.MaxReactivationAttempts == 0 {
		p.MaxReactivationAttempts = 1
	}
	if p.NurtureMinDays == 0 {
		p.NurtureMinDays = 42
	}
	if p.NurtureMaxDays == 0 {
		p.NurtureMaxDays = 56
	}
	if p.ReactivationSilenceDays == 0 {
		p.ReactivationSilenceDays = 30
	}
	if p.LockTTL == 0 {
		p.LockTTL = 2 * time.Minute
	}
	if p.AnalyzeBatch == 0 {
		p.AnalyzeBatch = 10
	}
	if p.PrepareBatch == 0 {
		p.PrepareBatch = 5
	}

	if c.LLM.Region == "" {
		c.LLM.Region = "us-east-1"
	}
	if c.LLM.ModelID == "" {
		c.LLM.ModelID = "anthropic.claude-3-5-sonnet-20240620-v1:0"
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 1024
	}
	if c.Sender.Timeout == 0 {
		c.Sender.Timeout = 30 * time.Second
	}
	if c.Dashboard.Port == 0 {
		c.Dashboard.Port = 8080
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.MaxSizeMB == 0 {
		c.Log.MaxSizeMB = 50
	}
	if c.Log.MaxBackups == 0 {
		c.Log.MaxBackups = 5
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Account == "" {
		errs = append(errs, "account is required")
	}
	switch c.Database.Driver {
	case "mysql", "postgres":
		if c.Database.Name == "" {
			errs = append(errs, "database.name is required")
		}
	case "sqlite":
	default:
		errs = append(errs, fmt.Sprintf("database.driver %q is not one of mysql, postgres, sqlite", c.Database.Driver))
	}
	p := c.Policy
	if p.DailyCap < 0 {
		errs = append(errs, "policy.daily_cap must not be negative")
	}
	if p.NurtureMinDays > p.NurtureMaxDays {
		errs = append(errs, "policy.nurture_min_days must not exceed policy.nurture_max_days")
	}
	if p.MaxDispatchFailures < 1 {
		errs = append(errs, "policy.max_dispatch_failures must be at least 1")
	}
	if c.Notify.DiscordBotToken != "" && c.Notify.DiscordChannelID == "" {
		errs = append(errs, "notify.discord_channel_id is required with a discord bot token")
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q is not one of text, json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// RedisEnabled reports whether a Redis lock backend is configured.
func (c *Config) RedisEnabled() bool {
	return c.Redis.Addr != ""
}
