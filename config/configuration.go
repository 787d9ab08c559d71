package config

import (
	"log/slog"
	"strings"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"
)

type AppConfig struct {
	DevMode  bool   `arg:"--dev,env:DEV_MODE" default:"false"`
	Port     int    `arg:"-p,--port,env:LISTEN_PORT" default:"8000"`
	LogLevel string `arg:"--log-level,env:LOG_LEVEL" default:"default" help:"Log level to use.  Valid values are: debug, info, and warn/warning.  If default the level will be info or debug in dev mode."`

	DBHost            string `arg:"--db-host,env:DB_HOST" default:"localhost"`
	DBName            string `arg:"--db-name,env:DB_NAME" default:"relay"`
	DBPort            int    `arg:"--db-port,env:DB_PORT" default:"5432"`
	DBMaxConns        int    `arg:"--db-max-conns,env:DB_MAX_CONNS" default:"20"`
	DBMinConns        int    `arg:"--db-min-conns,env:DB_MIN_CONNS" default:"1"`
	DBSSLMode         string `arg:"--db-ssl-mode,env:DB_SSL_MODE" default:"disable"`
	DBUsername        string `arg:"--db-username,env:DB_USERNAME" default:"relay"`
	DBPassword        string `arg:"--db-password,env:DB_PASSWORD" default:"badpassword"`
	DBConnMaxLifetime int    `arg:"--db-conn-max-lifetime,env:DB_CONN_MAX_LIFETIME" default:"1800" help:"Seconds before a pooled connection is recycled."`

	RedisHost     string `arg:"--redis-host,env:REDIS_HOST" default:"localhost"`
	RedisPort     int    `arg:"--redis-port,env:REDIS_PORT" default:"6379"`
	RedisDB       int    `arg:"--redis-db,env:REDIS_DB" default:"0"`
	RedisPassword string `arg:"--redis-password,env:REDIS_PASSWORD" default:""`

	WebhookTimeoutSeconds int    `arg:"--webhook-timeout,env:WEBHOOK_TIMEOUT_SECONDS" default:"10" help:"Per-attempt HTTP deadline in seconds."`
	WebhookMaxRetries     int    `arg:"--webhook-max-retries,env:WEBHOOK_MAX_RETRIES" default:"5"`
	WebhookRetryDelays    string `arg:"--webhook-retry-delays,env:WEBHOOK_RETRY_DELAYS" default:"10,30,60,300,900" help:"Comma-separated backoff schedule in seconds."`
	MaxWebhookPayloadSize int64  `arg:"--max-payload-size,env:MAX_WEBHOOK_PAYLOAD_SIZE" default:"1048576" help:"Ingress body cap in bytes."`
	VerifySSLCertificates bool   `arg:"--verify-ssl,env:VERIFY_SSL_CERTIFICATES" default:"true"`
	TargetURLRateLimit    int    `arg:"--target-rate-limit,env:TARGET_URL_RATE_LIMIT" default:"10" help:"Max deliveries per minute to a single target URL."`

	LogRetentionHours       int `arg:"--log-retention-hours,env:LOG_RETENTION_HOURS" default:"72"`
	FailedTaskRetentionDays int `arg:"--failed-task-retention-days,env:FAILED_TASK_RETENTION_DAYS" default:"7"`

	RateLimitEnabled         bool   `arg:"--rate-limit-enabled,env:RATE_LIMIT_ENABLED" default:"true"`
	RateLimitStrategy        string `arg:"--rate-limit-strategy,env:RATE_LIMIT_STRATEGY" default:"fixed-window" help:"fixed-window or sliding-window."`
	RateLimitDefaultLimit    int    `arg:"--rate-limit,env:RATE_LIMIT_DEFAULT_LIMIT" default:"100"`
	RateLimitDefaultWindow   int    `arg:"--rate-limit-window,env:RATE_LIMIT_DEFAULT_WINDOW" default:"60"`
	SubscriptionCreateLimit  int    `arg:"--subscription-create-limit,env:SUBSCRIPTION_CREATE_LIMIT" default:"5"`
	SubscriptionCreateWindow int    `arg:"--subscription-create-window,env:SUBSCRIPTION_CREATE_WINDOW" default:"60"`
	SubscriptionCacheTTL     int    `arg:"--cache-ttl,env:CACHE_TTL_SECONDS" default:"3600" help:"Subscription cache TTL in seconds."`

	DeliveryWorkers int    `arg:"--delivery-workers,env:DELIVERY_WORKERS" default:"4"`
	DeliveryQueue   string `arg:"--delivery-queue,env:DELIVERY_QUEUE" default:"delivery:queue" help:"Redis key for the delivery work queue."`
}

func LoadConfig() (*AppConfig, error) {
	var appConfig AppConfig
	arg.MustParse(&appConfig)

	if appConfig.DevMode {
		err := godotenv.Load(".env")
		if err == nil {
			// re-parse to get env vars from .env
			slog.Info("Loaded .env")
			arg.MustParse(&appConfig)
		}
	}

	if appConfig.LogLevel == "default" {
		if appConfig.DevMode {
			logLevel.Set(slog.LevelDebug)
		} else {
			logLevel.Set(slog.LevelInfo)
		}
	} else {
		intendedLevel := strings.ToLower(appConfig.LogLevel)
		switch intendedLevel {
		case "debug":
			logLevel.Set(slog.LevelDebug)
		case "info":
			logLevel.Set(slog.LevelInfo)
		case "warn", "warning":
			logLevel.Set(slog.LevelWarn)
		default:
			slog.Error("Unable to configure log level", "level", appConfig.LogLevel)
		}
	}

	return &appConfig, nil
}

// RetryDelays parses the configured backoff schedule. Malformed entries are
// skipped; an empty result falls back to the stock schedule.
func (c *AppConfig) RetryDelays() []time.Duration {
	var delays []time.Duration
	for _, part := range strings.Split(c.WebhookRetryDelays, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part) + "s")
		if err != nil || d <= 0 {
			continue
		}
		delays = append(delays, d)
	}
	if len(delays) == 0 {
		delays = []time.Duration{10 * time.Second, 30 * time.Second, 60 * time.Second, 300 * time.Second, 900 * time.Second}
	}
	return delays
}

// WebhookTimeout returns the per-attempt HTTP deadline.
func (c *AppConfig) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutSeconds) * time.Second
}
