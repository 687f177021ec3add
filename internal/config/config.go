package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// HTTP Server
	Port    string
	AppName string

	// Database
	DatabasePath string

	// Init data verification
	BotToken        string
	InitDataMaxAge  time.Duration
	InitDataHeader  string
	UserIDHeader    string
	AllowBareUserID bool
	RequireAuthDate bool

	// Rate limiting
	RateLimitCalls           int
	RateLimitPeriod          time.Duration
	RateLimitExclude         []string
	RateLimitCleanupInterval time.Duration
	RateLimitStore           string
	RedisAddr                string
	RedisPassword            string
	RedisDB                  int
	TrustedProxies           []string

	// Logging
	LogLevel          string
	LogFormat         string
	LogRequestBody    bool
	LogRequestBodyMax int64
	CORSOrigins       []string

	// Webhook relay
	WebhookSecret  string
	AMQPURL        string
	AMQPExchange   string
	AMQPQueue      string
	APIURL         string
	TelegramAPIURL string
}

func Load() *Config {
	cfg := &Config{
		Port:    getEnv("PORT", "8000"),
		AppName: getEnv("APP_NAME", "Budget Buddy"),

		DatabasePath: getEnv("DATABASE_PATH", "./data/app.db"),

		BotToken:        getEnv("TELEGRAM_BOT_TOKEN", ""),
		InitDataMaxAge:  getEnvDuration("INIT_DATA_MAX_AGE", 24*time.Hour),
		InitDataHeader:  getEnv("INIT_DATA_HEADER", "X-TG-Init-Data"),
		UserIDHeader:    getEnv("USER_ID_HEADER", "X-TG-User-ID"),
		AllowBareUserID: getEnvBool("ALLOW_BARE_USER_ID", false),
		RequireAuthDate: getEnvBool("REQUIRE_AUTH_DATE", false),

		RateLimitCalls:           getEnvInt("RATE_LIMIT_CALLS", 200),
		RateLimitPeriod:          getEnvDuration("RATE_LIMIT_PERIOD", 60*time.Second),
		RateLimitExclude:         getEnvList("RATE_LIMIT_EXCLUDE", []string{"/health", "/healthz", "/readyz", "/metrics", "/docs", "/redoc"}),
		RateLimitCleanupInterval: getEnvDuration("RATE_LIMIT_CLEANUP_INTERVAL", 5*time.Minute),
		RateLimitStore:           getEnv("RATE_LIMIT_STORE", "memory"),
		RedisAddr:                getEnv("REDIS_ADDR", ""),
		RedisPassword:            getEnv("REDIS_PASSWORD", ""),
		RedisDB:                  getEnvInt("REDIS_DB", 0),
		TrustedProxies:           getEnvList("TRUSTED_PROXIES", nil),

		LogLevel:          getEnv("LOG_LEVEL", "INFO"),
		LogFormat:         getEnv("LOG_FORMAT", "text"),
		LogRequestBody:    getEnvBool("LOG_REQUEST_BODY", false),
		LogRequestBodyMax: int64(getEnvInt("LOG_REQUEST_BODY_MAX", 1024)),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"http://localhost:5173"}),

		WebhookSecret:  getEnv("TELEGRAM_WEBHOOK_SECRET", ""),
		AMQPURL:        getEnv("AMQP_URL", ""),
		AMQPExchange:   getEnv("AMQP_EXCHANGE", "budgetbuddy"),
		AMQPQueue:      getEnv("AMQP_QUEUE", "telegram_updates"),
		APIURL:         getEnv("API_URL", "http://localhost:8000"),
		TelegramAPIURL: getEnv("TELEGRAM_API_URL", "https://api.telegram.org"),
	}

	return cfg
}

// Validate validates the configuration and returns an error if invalid
func (c *Config) Validate() error {
	var errors []string

	if port, err := strconv.Atoi(c.Port); err != nil {
		errors = append(errors, fmt.Sprintf("invalid port '%s': must be a number", c.Port))
	} else if port < 1 || port > 65535 {
		errors = append(errors, fmt.Sprintf("invalid port %d: must be between 1 and 65535", port))
	}

	if strings.TrimSpace(c.BotToken) == "" {
		errors = append(errors, "TELEGRAM_BOT_TOKEN is required to verify init data")
	}

	if c.InitDataMaxAge <= 0 {
		errors = append(errors, fmt.Sprintf("invalid init data max age %v: must be positive", c.InitDataMaxAge))
	}

	if strings.TrimSpace(c.InitDataHeader) == "" {
		errors = append(errors, "init data header name cannot be empty")
	}
	if strings.TrimSpace(c.UserIDHeader) == "" {
		errors = append(errors, "user id header name cannot be empty")
	}

	if c.DatabasePath == "" {
		errors = append(errors, "database path cannot be empty")
	} else {
		dir := filepath.Dir(c.DatabasePath)
		if dir != "." && dir != "" {
			if _, err := os.Stat(dir); os.IsNotExist(err) {
				if err := os.MkdirAll(dir, 0755); err != nil {
					errors = append(errors, fmt.Sprintf("cannot create database directory '%s': %v", dir, err))
				}
			}
		}
	}

	if c.RateLimitCalls < 1 {
		errors = append(errors, fmt.Sprintf("invalid rate limit calls %d: must be at least 1", c.RateLimitCalls))
	}
	if c.RateLimitPeriod < time.Second {
		errors = append(errors, fmt.Sprintf("invalid rate limit period %v: must be at least 1 second", c.RateLimitPeriod))
	}
	if c.RateLimitCleanupInterval < time.Second {
		errors = append(errors, fmt.Sprintf("invalid rate limit cleanup interval %v: must be at least 1 second", c.RateLimitCleanupInterval))
	}

	switch c.RateLimitStore {
	case "memory":
	case "redis":
		if c.RedisAddr == "" {
			errors = append(errors, "REDIS_ADDR is required when RATE_LIMIT_STORE is redis")
		}
	default:
		errors = append(errors, fmt.Sprintf("invalid rate limit store '%s': must be one of [memory redis]", c.RateLimitStore))
	}

	for _, cidr := range c.TrustedProxies {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			errors = append(errors, fmt.Sprintf("invalid trusted proxy CIDR '%s': %v", cidr, err))
		}
	}

	if c.LogRequestBodyMax < 0 {
		errors = append(errors, fmt.Sprintf("invalid request body log limit %d: must not be negative", c.LogRequestBodyMax))
	}

	if c.AMQPURL != "" {
		if parsedURL, err := url.Parse(c.AMQPURL); err != nil {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL '%s': %v", c.AMQPURL, err))
		} else if parsedURL.Scheme != "amqp" && parsedURL.Scheme != "amqps" {
			errors = append(errors, fmt.Sprintf("invalid AMQP URL scheme '%s': must be 'amqp' or 'amqps'", parsedURL.Scheme))
		}
		if c.AMQPExchange == "" {
			errors = append(errors, "AMQP exchange name cannot be empty when AMQP URL is provided")
		}
		if c.AMQPQueue == "" {
			errors = append(errors, "AMQP queue name cannot be empty when AMQP URL is provided")
		}
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}

	return nil
}

// ValidateBot checks only what the bot worker needs.
func (c *Config) ValidateBot() error {
	var errors []string

	if strings.TrimSpace(c.BotToken) == "" {
		errors = append(errors, "TELEGRAM_BOT_TOKEN is required")
	}
	if c.AMQPURL == "" {
		errors = append(errors, "AMQP_URL is required for the bot worker")
	}
	if _, err := url.ParseRequestURI(c.APIURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid API URL '%s': %v", c.APIURL, err))
	}
	if _, err := url.ParseRequestURI(c.TelegramAPIURL); err != nil {
		errors = append(errors, fmt.Sprintf("invalid Telegram API URL '%s': %v", c.TelegramAPIURL, err))
	}

	if len(errors) > 0 {
		return fmt.Errorf("configuration validation failed:\n- %s", strings.Join(errors, "\n- "))
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("90s") and bare integers, read as seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
