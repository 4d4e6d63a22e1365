package config

import (
	"fmt"
	"time"

	"mailagenda/pkg/config"
)

type StoreConfig struct {
	// Driver: postgres | memory
	Driver string `yaml:"driver"`
}

type PipelineConfig struct {
	Interval              time.Duration `yaml:"interval"`
	BatchSize             int           `yaml:"batch_size"`
	MaxConcurrentAccounts int           `yaml:"max_concurrent_accounts"`
	CommitTimeout         time.Duration `yaml:"commit_timeout"`
	StaleRunAfter         time.Duration `yaml:"stale_run_after"`
}

type RetentionConfig struct {
	Window   time.Duration `yaml:"window"`
	Schedule string        `yaml:"schedule"`
}

type CapabilityConfig struct {
	ClassifierURL     string        `yaml:"classifier_url"`
	ExtractorURL      string        `yaml:"extractor_url"`
	SummarizerURL     string        `yaml:"summarizer_url"`
	Timeout           time.Duration `yaml:"timeout"`
	UnwantedThreshold float64       `yaml:"unwanted_threshold"`
}

type IMAPConfig struct {
	Host   string `yaml:"host"`
	Port   int    `yaml:"port"`
	TLS    bool   `yaml:"tls"`
	Folder string `yaml:"folder"`
}

type MailConfig struct {
	// Provider: gmail | imap
	Provider string        `yaml:"provider"`
	Timeout  time.Duration `yaml:"timeout"`
	IMAP     IMAPConfig    `yaml:"imap"`
}

type CalendarConfig struct {
	CalendarID string        `yaml:"calendar_id"`
	TimeZone   string        `yaml:"time_zone"`
	Timeout    time.Duration `yaml:"timeout"`
}

type OAuthConfig struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

type CredentialConfig struct {
	// Key 为 32 字节 secretbox 密钥的 base64 编码
	Key string `yaml:"key"`
}

type Config struct {
	LogLevel   string              `yaml:"log_level"`
	DB         config.DBConfig     `yaml:"db"`
	Redis      config.RedisConfig  `yaml:"redis"`
	MQ         config.MQConfig     `yaml:"mq"`
	Server     config.ServerConfig `yaml:"server"`
	Store      StoreConfig         `yaml:"store"`
	Pipeline   PipelineConfig      `yaml:"pipeline"`
	Retention  RetentionConfig     `yaml:"retention"`
	Capability CapabilityConfig    `yaml:"capability"`
	Mail       MailConfig          `yaml:"mail"`
	Calendar   CalendarConfig      `yaml:"calendar"`
	OAuth      OAuthConfig         `yaml:"oauth"`
	Credential CredentialConfig    `yaml:"credential"`
}

// Load 使用统一配置中心加载配置（CONFIG_ENV / CONFIG_DIR）
func Load() (*Config, error) {
	env := config.GetConfigEnv()
	configDir := config.GetEnv("CONFIG_DIR", "config")
	return LoadFrom(env, configDir)
}

// LoadFrom 从指定目录加载 base.yaml + <env>.yaml
func LoadFrom(env, configDir string) (*Config, error) {
	cfgMap, err := config.LoadConfig(env, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	cfg := Default()
	if err := config.Decode(cfgMap, cfg); err != nil {
		return nil, err
	}

	// 环境变量覆盖（优先级最高）
	config.OverrideDBFromEnv(&cfg.DB)
	config.OverrideRedisFromEnv(&cfg.Redis)
	config.OverrideMQFromEnv(&cfg.MQ)
	config.OverrideServerFromEnv(&cfg.Server)
	config.OverrideString("LOG_LEVEL", &cfg.LogLevel)
	config.OverrideString("STORE_DRIVER", &cfg.Store.Driver)
	config.OverrideDuration("PIPELINE_INTERVAL", &cfg.Pipeline.Interval)
	config.OverrideInt("PIPELINE_BATCH_SIZE", &cfg.Pipeline.BatchSize)
	config.OverrideDuration("RETENTION_WINDOW", &cfg.Retention.Window)
	config.OverrideString("CLASSIFIER_URL", &cfg.Capability.ClassifierURL)
	config.OverrideString("EXTRACTOR_URL", &cfg.Capability.ExtractorURL)
	config.OverrideString("SUMMARIZER_URL", &cfg.Capability.SummarizerURL)
	config.OverrideString("CREDENTIAL_KEY", &cfg.Credential.Key)
	config.OverrideString("OAUTH_CLIENT_ID", &cfg.OAuth.ClientID)
	config.OverrideString("OAUTH_CLIENT_SECRET", &cfg.OAuth.ClientSecret)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the values used when a key is absent from every yaml file.
func Default() *Config {
	return &Config{
		LogLevel: "info",
		Server:   config.ServerConfig{Port: "8080"},
		Store:    StoreConfig{Driver: "postgres"},
		Pipeline: PipelineConfig{
			Interval:              5 * time.Minute,
			BatchSize:             50,
			MaxConcurrentAccounts: 8,
			CommitTimeout:         10 * time.Second,
			StaleRunAfter:         time.Hour,
		},
		Retention: RetentionConfig{
			Window:   30 * 24 * time.Hour,
			Schedule: "@hourly",
		},
		Capability: CapabilityConfig{
			Timeout:           10 * time.Second,
			UnwantedThreshold: 0.5,
		},
		Mail: MailConfig{
			Provider: "gmail",
			Timeout:  30 * time.Second,
			IMAP:     IMAPConfig{Port: 993, TLS: true, Folder: "INBOX"},
		},
		Calendar: CalendarConfig{
			CalendarID: "primary",
			TimeZone:   "UTC",
			Timeout:    15 * time.Second,
		},
		OAuth: OAuthConfig{
			TokenURL: "https://oauth2.googleapis.com/token",
		},
	}
}

func (c *Config) Validate() error {
	if c.Pipeline.Interval <= 0 {
		return fmt.Errorf("pipeline.interval must be positive")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be positive")
	}
	if c.Pipeline.MaxConcurrentAccounts <= 0 {
		return fmt.Errorf("pipeline.max_concurrent_accounts must be positive")
	}
	if c.Retention.Window <= 0 {
		return fmt.Errorf("retention.window must be positive")
	}
	switch c.Store.Driver {
	case "postgres", "memory":
	default:
		return fmt.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	switch c.Mail.Provider {
	case "gmail", "imap":
	default:
		return fmt.Errorf("unknown mail.provider %q", c.Mail.Provider)
	}
	if c.Capability.UnwantedThreshold < 0 || c.Capability.UnwantedThreshold > 1 {
		return fmt.Errorf("capability.unwanted_threshold must be within [0,1]")
	}
	return nil
}
