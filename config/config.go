package config

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type RedisConfig struct {
	Host     string
	Port     string
	Password string
	DB       int
	Prefix   string
}

type TelegramConfig struct {
	BotToken  string
	ChannelID string
	APIBase   string
}

type ProfileSyncConfig struct {
	BaseURL      string
	EndpointPath string
	ServiceToken string
}

type ArchiveConfig struct {
	Enabled         bool
	AccountID       string
	AccessKeyID     string
	AccessKeySecret string
	Bucket          string
	CDNBaseURL      string
}

// Config is the process configuration assembled from the environment.
type Config struct {
	Port           string
	AllowedOrigins []string
	GatewayToken   string
	InstanceID     string

	StoreDriver  string // postgres | memory
	DatabaseURL  string
	StoreTimeout time.Duration

	KVDriver string // redis | memory
	Redis    RedisConfig

	Telegram    TelegramConfig
	ProfileSync ProfileSyncConfig
	Archive     ArchiveConfig

	Rules Rules
}

// Load reads .env (if present) and the environment, then the rules file
// named by CAMPAIGN_RULES.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Println("⚠️  No .env file found, reading environment variables directly")
	}

	host, _ := os.Hostname()
	cfg := &Config{
		Port:           Env("PORT", "5200"),
		AllowedOrigins: EnvList("ALLOWED_ORIGINS", "http://localhost:3000"),
		GatewayToken:   os.Getenv("CAMPAIGN_SERVICE_TOKEN"),
		InstanceID:     Env("INSTANCE_ID", host),
		StoreDriver:    Env("STORE_DRIVER", "postgres"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		StoreTimeout:   EnvDuration("STORE_TIMEOUT", 5*time.Second),
		KVDriver:       Env("KV_DRIVER", "redis"),
		Redis: RedisConfig{
			Host:     Env("REDIS_HOST", "localhost"),
			Port:     Env("REDIS_PORT", "6379"),
			Password: Env("REDIS_PASSWORD", ""),
			DB:       EnvInt("REDIS_DB", 0),
			Prefix:   Env("REDIS_PREFIX", "waitlist:"),
		},
		Telegram: TelegramConfig{
			BotToken:  os.Getenv("TELEGRAM_BOT_TOKEN"),
			ChannelID: os.Getenv("TELEGRAM_CHANNEL_ID"),
			APIBase:   Env("TELEGRAM_API_BASE", "https://api.telegram.org"),
		},
		ProfileSync: ProfileSyncConfig{
			BaseURL:      os.Getenv("SYNC_SERVICE_URL"),
			EndpointPath: Env("SYNC_SERVICE_PATH", "/api/v1/public/verifications"),
			ServiceToken: os.Getenv("SYNC_SERVICE_TOKEN"),
		},
		Archive: ArchiveConfig{
			Enabled:         EnvBool("ARCHIVE_ENABLED", false),
			AccountID:       os.Getenv("CLOUDFLARE_ACCOUNT_ID"),
			AccessKeyID:     os.Getenv("R2_ACCESS_KEY_ID"),
			AccessKeySecret: os.Getenv("R2_ACCESS_KEY_SECRET"),
			Bucket:          os.Getenv("R2_BUCKET_NAME"),
			CDNBaseURL:      os.Getenv("CDN_BASE_URL"),
		},
	}

	rules, err := LoadRules(os.Getenv("CAMPAIGN_RULES"))
	if err != nil {
		return nil, err
	}
	cfg.Rules = rules

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.GatewayToken == "" {
		return fmt.Errorf("CAMPAIGN_SERVICE_TOKEN environment variable not set")
	}
	switch c.StoreDriver {
	case "postgres":
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL environment variable not set")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver)
	}
	switch c.KVDriver {
	case "redis", "memory":
	default:
		return fmt.Errorf("unknown KV_DRIVER %q", c.KVDriver)
	}
	if c.Archive.Enabled && (c.Archive.Bucket == "" || c.Archive.AccountID == "") {
		return fmt.Errorf("ARCHIVE_ENABLED requires CLOUDFLARE_ACCOUNT_ID and R2_BUCKET_NAME")
	}
	return nil
}
