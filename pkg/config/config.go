package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the runtime configuration of the sugar-adapter service.
type Config struct {
	ServiceName string // e.g. "sugar-adapter"
	Env         string // "dev", "uat", "prod"
	LogLevel    string
	Port        int

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	HTTPBodyLimit    int

	// CRM instance and login. Username/password may instead come from
	// CredentialsSecret in AWS Secrets Manager.
	SugarURL          string
	SugarUsername     string
	SugarPassword     string
	SugarClientID     string
	SugarClientSecret string
	SugarPlatform     string
	SugarTimeout      time.Duration
	SugarRetryMax     int
	SugarRPS          float64 // 0 disables client-side rate limiting
	SugarBurst        int

	SessionKeepAlive     time.Duration // 0 (default) disables proactive refresh
	SessionRefreshMargin time.Duration

	CredentialsSecret string // secret name, e.g. prod/acme/sugar
	AWSRegion         string
	CacheTTL          time.Duration // TTL of resolved credentials
	CleanupFreq       time.Duration

	RedisAddr      string // empty disables the record cache
	RedisDB        int
	RedisPass      string
	RecordCacheTTL time.Duration

	NATSURL      string // empty disables record events
	EventSubject string // prefix; the event type is appended
	EventStream  string
}

// Load loads configuration from environment variables and .env file if present.
func Load() *Config {
	// load .env silently (no error if missing)
	_ = godotenv.Load()

	return &Config{
		ServiceName:      GetEnv("SERVICE_NAME", "sugar-adapter"),
		Env:              GetEnv("ENV", "dev"),
		LogLevel:         GetEnv("LOG_LEVEL", "info"),
		Port:             GetEnvInt("SUGAR_ADAPTER_PORT", 9030),
		HTTPReadTimeout:  GetEnvDuration("HTTP_READ_TIMEOUT", 10*time.Second),
		HTTPWriteTimeout: GetEnvDuration("HTTP_WRITE_TIMEOUT", 60*time.Second),
		HTTPIdleTimeout:  GetEnvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		HTTPBodyLimit:    GetEnvInt("HTTP_BODY_LIMIT", 4*1024*1024),

		SugarURL:          GetEnv("SUGAR_URL", ""),
		SugarUsername:     GetEnv("SUGAR_USERNAME", ""),
		SugarPassword:     GetEnv("SUGAR_PASSWORD", ""),
		SugarClientID:     GetEnv("SUGAR_CLIENT_ID", "sugar"),
		SugarClientSecret: GetEnv("SUGAR_CLIENT_SECRET", ""),
		SugarPlatform:     GetEnv("SUGAR_PLATFORM", "base"),
		SugarTimeout:      GetEnvDuration("SUGAR_TIMEOUT", 30*time.Second),
		SugarRetryMax:     GetEnvInt("SUGAR_RETRY_MAX", 0),
		SugarRPS:          GetEnvFloat("SUGAR_RPS", 0),
		SugarBurst:        GetEnvInt("SUGAR_BURST", 5),

		SessionKeepAlive:     GetEnvDuration("SESSION_KEEPALIVE", 0),
		SessionRefreshMargin: GetEnvDuration("SESSION_REFRESH_MARGIN", 2*time.Minute),

		CredentialsSecret: GetEnv("SUGAR_CREDENTIALS_SECRET", ""),
		AWSRegion:         GetEnv("AWS_REGION", "us-east-2"),
		CacheTTL:          GetEnvDuration("CACHE_TTL", 1*time.Hour),
		CleanupFreq:       GetEnvDuration("CACHE_CLEANUP_FREQ", 10*time.Minute),

		RedisAddr:      GetEnv("REDIS_ADDR", ""),
		RedisDB:        GetEnvInt("REDIS_DB", 0),
		RedisPass:      GetEnv("REDIS_PASS", ""),
		RecordCacheTTL: GetEnvDuration("RECORD_CACHE_TTL", 5*time.Minute),

		NATSURL:      GetEnv("NATS_URL", ""),
		EventSubject: GetEnv("EVENT_SUBJECT", "evt.sugar"),
		EventStream:  GetEnv("EVENT_STREAM", "SUGAR_EVENTS"),
	}
}

// Validate reports configuration that would stop the service from logging in.
func (c *Config) Validate() error {
	if c.SugarURL == "" {
		return errors.New("SUGAR_URL is required")
	}
	u, err := url.Parse(c.SugarURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("SUGAR_URL %q must be an absolute http(s) URL", c.SugarURL)
	}
	if c.CredentialsSecret == "" && (c.SugarUsername == "" || c.SugarPassword == "") {
		return errors.New("either SUGAR_CREDENTIALS_SECRET or SUGAR_USERNAME and SUGAR_PASSWORD must be set")
	}
	if c.SugarRetryMax < 0 {
		return fmt.Errorf("SUGAR_RETRY_MAX must not be negative, got %d", c.SugarRetryMax)
	}
	return nil
}
