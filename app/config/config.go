package config

import (
	"os"
	"strconv"
	"time"

	// this will automatically load your .env file:
	_ "github.com/joho/godotenv/autoload"
)

type Config struct {
	Env         string
	FrontendURL string
	Logs        LogConfig
	DB          PostgresConfig
	Redis       RedisConfig
	Stripe      StripeConfig
	Anthropic   AnthropicConfig
	Renderer    RendererConfig
	Storage     StorageConfig
	Brevo       BrevoConfig
	Quota       QuotaConfig
	Worker      WorkerConfig
	QueueURL    string
}

type LogConfig struct {
	Style string
	Level string
}

type PostgresConfig struct {
	Username string
	Password string
	URL      string
	Port     string
	Database string
}

type RedisConfig struct {
	URL string
}

type StripeConfig struct {
	SecretKey            string
	WebhookSecret        string
	PriceIDProMonthly    string
	PriceIDAgencyMonthly string
}

type AnthropicConfig struct {
	APIKey  string
	Model   string
	BaseURL string
}

// RendererConfig points at the external headless-browser render service.
type RendererConfig struct {
	URL     string
	Timeout time.Duration
}

type StorageConfig struct {
	ScreenshotBucket string
	PublicBaseURL    string
}

type BrevoConfig struct {
	APIKey  string
	BaseURL string
}

// QuotaConfig holds the per-plan monthly analysis limits.
type QuotaConfig struct {
	Free   int
	Pro    int
	Agency int
}

// WorkerConfig drives the SQS consumer: fixed slot count plus the soft and
// hard per-job execution ceilings. The soft limit cancels the job context;
// the hard limit is the queue visibility window.
type WorkerConfig struct {
	Concurrency   int
	SoftTimeLimit time.Duration
	HardTimeLimit time.Duration
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Env:         envOr("APP_ENV", "development"),
		FrontendURL: envOr("FRONTEND_URL", "http://localhost:3000"),
		QueueURL:    os.Getenv("QUEUE_URL"),
		Logs: LogConfig{
			Style: envOr("LOG_STYLE", "text"),
			Level: envOr("LOG_LEVEL", "info"),
		},
		DB: PostgresConfig{
			Username: os.Getenv("POSTGRES_USER"),
			Password: os.Getenv("POSTGRES_PWD"),
			URL:      os.Getenv("POSTGRES_URL"),
			Port:     envOr("POSTGRES_PORT", "5432"),
			Database: envOr("POSTGRES_DB", "leakdetector"),
		},
		Redis: RedisConfig{
			URL: envOr("REDIS_URL", "redis://localhost:6379/0"),
		},
		Stripe: StripeConfig{
			SecretKey:            os.Getenv("STRIPE_SECRET_KEY"),
			WebhookSecret:        os.Getenv("STRIPE_WEBHOOK_SECRET"),
			PriceIDProMonthly:    os.Getenv("STRIPE_PRICE_PRO_MONTHLY"),
			PriceIDAgencyMonthly: os.Getenv("STRIPE_PRICE_AGENCY_MONTHLY"),
		},
		Anthropic: AnthropicConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			Model:   envOr("ANTHROPIC_MODEL", "claude-sonnet-4-20250514"),
			BaseURL: envOr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		},
		Renderer: RendererConfig{
			URL:     os.Getenv("RENDERER_URL"),
			Timeout: time.Duration(envInt("RENDERER_TIMEOUT_MS", 30000)) * time.Millisecond,
		},
		Storage: StorageConfig{
			ScreenshotBucket: os.Getenv("SCREENSHOT_BUCKET"),
			PublicBaseURL:    os.Getenv("SCREENSHOT_PUBLIC_URL"),
		},
		Brevo: BrevoConfig{
			APIKey:  os.Getenv("BREVO_API_KEY"),
			BaseURL: envOr("BREVO_BASE_URL", "https://api.brevo.com"),
		},
		Quota: QuotaConfig{
			Free:   envInt("QUOTA_FREE", 3),
			Pro:    envInt("QUOTA_PRO", 50),
			Agency: envInt("QUOTA_AGENCY", 200),
		},
		Worker: WorkerConfig{
			Concurrency:   envInt("WORKER_CONCURRENCY", 2),
			SoftTimeLimit: time.Duration(envInt("TASK_SOFT_TIME_LIMIT_S", 180)) * time.Second,
			HardTimeLimit: time.Duration(envInt("TASK_HARD_TIME_LIMIT_S", 240)) * time.Second,
		},
	}

	return cfg, nil
}

// LimitForPlan returns the monthly analysis limit for a plan. Unknown plans
// fall back to the free limit.
func (c *Config) LimitForPlan(plan string) int {
	switch plan {
	case "pro":
		return c.Quota.Pro
	case "agency":
		return c.Quota.Agency
	default:
		return c.Quota.Free
	}
}

func (c *Config) IsProduction() bool { return c.Env == "production" }

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
