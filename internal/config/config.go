// Package config provides environment configuration for the relay.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/capitalize-ai/operator-relay/internal/policy"
)

// Config holds all configuration for the application.
type Config struct {
	// Environment
	Env string

	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration
	AllowedOrigins    []string

	// Storage
	BoltPath      string
	SweepInterval time.Duration

	// Telegram
	TelegramToken       string
	TelegramPollTimeout time.Duration
	OperatorIDs         []string

	// NATS audit stream
	NATSEnabled  bool
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string
	AuditMaxAge  time.Duration

	// Web sessions
	JWTSecret     string
	JWTExpiration time.Duration

	// Delivery retries
	DeliveryMaxAttempts     int
	DeliveryInitialInterval time.Duration
	DeliveryMaxInterval     time.Duration

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel  string
	LogFormat string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool

	// Policy
	PolicyFile          string
	VerificationType    string
	VerificationTimeout time.Duration
	MaxVerificationFail int
	TempBanDuration     time.Duration
	BanNoticeInterval   time.Duration
	QuietHoursEnabled   bool
	QuietHoursStart     int
	QuietHoursEnd       int
	QuietHoursTimezone  string
	AutoReplyEnabled    bool
	AutoReplyMessage    string
	SensitiveWordMode   string
	SensitiveWords      []string
}

// Load reads configuration from environment variables. A .env file in the
// working directory is loaded first when present; real environment
// variables win.
func Load() *Config {
	_ = godotenv.Load()

	def := policy.Default()
	return &Config{
		Env: getEnv("ENV", "production"),

		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		AllowedOrigins:    getListEnv("ALLOWED_ORIGINS", nil),

		// Storage
		BoltPath:      getEnv("BOLT_PATH", "relay.db"),
		SweepInterval: getPositiveDurationEnv("SWEEP_INTERVAL", 30*time.Second),

		// Telegram
		TelegramToken:       getEnv("TELEGRAM_TOKEN", ""),
		TelegramPollTimeout: getDurationEnv("TELEGRAM_POLL_TIMEOUT", 15*time.Second),
		OperatorIDs:         getListEnv("OPERATOR_IDS", nil),

		// NATS
		NATSEnabled:  getBoolEnv("NATS_ENABLED", false),
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),
		AuditMaxAge:  getDurationEnv("AUDIT_MAX_AGE", 90*24*time.Hour),

		// JWT
		JWTSecret:     getEnv("JWT_SECRET", "development-secret-change-in-production"),
		JWTExpiration: getDurationEnv("JWT_EXPIRATION", 24*time.Hour),

		// Delivery
		DeliveryMaxAttempts:     getIntEnv("DELIVERY_MAX_ATTEMPTS", 4),
		DeliveryInitialInterval: getDurationEnv("DELIVERY_INITIAL_INTERVAL", 500*time.Millisecond),
		DeliveryMaxInterval:     getDurationEnv("DELIVERY_MAX_INTERVAL", 5*time.Second),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 30),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),

		// Policy
		PolicyFile:          getEnv("POLICY_FILE", ""),
		VerificationType:    getEnv("VERIFICATION_TYPE", string(def.Verification.Kind)),
		VerificationTimeout: getSecondsEnv("VERIFICATION_TIMEOUT", def.Verification.Timeout),
		MaxVerificationFail: getIntEnv("MAX_VERIFICATION_FAILS", def.Verification.MaxFails),
		TempBanDuration:     getSecondsEnv("TEMP_BAN_DURATION", def.Verification.BanDuration),
		BanNoticeInterval:   getSecondsEnv("BAN_NOTICE_INTERVAL", def.Verification.BanNoticeInterval),
		QuietHoursEnabled:   getBoolEnv("QUIET_HOURS_ENABLED", false),
		QuietHoursStart:     getIntEnv("QUIET_HOURS_START", def.QuietHours.Start),
		QuietHoursEnd:       getIntEnv("QUIET_HOURS_END", def.QuietHours.End),
		QuietHoursTimezone:  getEnv("QUIET_HOURS_TIMEZONE", "Local"),
		AutoReplyEnabled:    getBoolEnv("AUTO_REPLY_ENABLED", false),
		AutoReplyMessage:    getEnv("AUTO_REPLY_MESSAGE", def.AutoReply.Message),
		SensitiveWordMode:   getEnv("SENSITIVE_WORD_MODE", string(def.Moderation.Mode)),
		SensitiveWords:      getListEnv("SENSITIVE_WORDS", nil),
	}
}

// Development reports whether ENV selects development mode.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// Policy builds the relay policy from the environment and, when POLICY_FILE
// is set, overlays the YAML file on top. It rereads the file on every call.
func (c *Config) Policy() (policy.Policy, error) {
	p := policy.Default()

	kind, err := policy.ParseChallengeKind(c.VerificationType)
	if err != nil {
		return p, err
	}
	loc, err := time.LoadLocation(c.QuietHoursTimezone)
	if err != nil {
		return p, fmt.Errorf("invalid QUIET_HOURS_TIMEZONE: %w", err)
	}

	p.Verification = policy.Verification{
		Kind:              kind,
		Timeout:           c.VerificationTimeout,
		MaxFails:          c.MaxVerificationFail,
		BanDuration:       c.TempBanDuration,
		BanNoticeInterval: c.BanNoticeInterval,
	}
	p.Moderation = policy.Moderation{
		Mode:  policy.ParseMode(c.SensitiveWordMode),
		Words: append([]string(nil), c.SensitiveWords...),
	}
	p.QuietHours = policy.QuietHours{
		Enabled:  c.QuietHoursEnabled,
		Start:    c.QuietHoursStart,
		End:      c.QuietHoursEnd,
		Location: loc,
	}
	p.AutoReply = policy.AutoReply{
		Enabled: c.AutoReplyEnabled,
		Message: c.AutoReplyMessage,
	}

	if c.PolicyFile != "" {
		return policy.LoadFile(c.PolicyFile, p)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getPositiveDurationEnv is getDurationEnv for intervals; zero and negative
// values fall back to the default.
func getPositiveDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if d := getDurationEnv(key, defaultValue); d > 0 {
		return d
	}
	return defaultValue
}

// getSecondsEnv reads a plain number of seconds. Go duration strings such
// as "90s" are accepted too.
func getSecondsEnv(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	return defaultValue
}

// getListEnv splits a comma separated value, dropping blanks.
func getListEnv(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
