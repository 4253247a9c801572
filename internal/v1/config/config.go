package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// Config holds validated environment configuration
type Config struct {
	// Required variables
	Port        string
	RedisAddr   string
	DatabaseURL string

	// Optional variables with defaults
	GoEnv           string
	LogLevel        string
	RedisPassword   string
	DevelopmentMode bool
	AllowedOrigins  string

	// Auth. One of AuthJWTSecret or AuthProviderURL must be set unless
	// SKIP_AUTH=true (development only).
	AuthJWTSecret   string
	AuthProviderURL string
	SkipAuth        bool

	// Scheduling buffers (milliseconds)
	ExecBufferMs int64
	SeekBufferMs int64

	// Room defaults
	AudienceDelaySecondsDefault float64

	// Chat retention
	ChatMaxMessages int64
	ChatTTLSec      int64

	// SFU capacities
	RoomMaxStage int64
	RoomMaxTable int64

	// Presence
	PresenceBroadcastEveryMs int64

	// Token buckets: capacity + refill tokens/second, per surface
	ConnBucketCapacity float64
	ConnBucketRefill   float64
	CmdBucketCapacity  float64
	CmdBucketRefill    float64
	ChatBucketCapacity float64
	ChatBucketRefill   float64

	// Connection-rate formatted limit for the HTTP ingress (ulule format, e.g. "100-M")
	RateLimitWsIP string

	// LiveKit SFU (optional; token events fail with livekit_not_configured when unset)
	LiveKitURL       string
	LiveKitAPIKey    string
	LiveKitAPISecret string
}

// ValidateEnv validates all required environment variables and returns a Config object
// Returns an error if any required variable is missing or invalid
func ValidateEnv() (*Config, error) {
	cfg := &Config{}
	var errors []string

	// Required: PORT (valid port number)
	cfg.Port = os.Getenv("PORT")
	if cfg.Port == "" {
		errors = append(errors, "PORT is required")
	} else {
		port, err := strconv.Atoi(cfg.Port)
		if err != nil || port < 1 || port > 65535 {
			errors = append(errors, fmt.Sprintf("PORT must be a valid port number between 1 and 65535 (got '%s')", cfg.Port))
		}
	}

	// Required: REDIS_ADDR (format: host:port)
	cfg.RedisAddr = os.Getenv("REDIS_ADDR")
	if cfg.RedisAddr == "" {
		errors = append(errors, "REDIS_ADDR is required")
	} else if !isValidHostPort(cfg.RedisAddr) {
		errors = append(errors, fmt.Sprintf("REDIS_ADDR must be in format 'host:port' (got '%s')", cfg.RedisAddr))
	}
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	// Required: DATABASE_URL
	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		errors = append(errors, "DATABASE_URL is required")
	}

	// Auth configuration
	cfg.AuthJWTSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.AuthProviderURL = os.Getenv("AUTH_PROVIDER_URL")
	cfg.SkipAuth = os.Getenv("SKIP_AUTH") == "true"
	if cfg.AuthJWTSecret != "" && len(cfg.AuthJWTSecret) < 32 {
		errors = append(errors, fmt.Sprintf("AUTH_JWT_SECRET must be at least 32 characters (got %d)", len(cfg.AuthJWTSecret)))
	}
	if !cfg.SkipAuth && cfg.AuthJWTSecret == "" && cfg.AuthProviderURL == "" {
		errors = append(errors, "one of AUTH_JWT_SECRET or AUTH_PROVIDER_URL is required unless SKIP_AUTH=true")
	}

	// Optional: GO_ENV (defaults to "production")
	cfg.GoEnv = os.Getenv("GO_ENV")
	if cfg.GoEnv == "" {
		cfg.GoEnv = "production"
	}

	// Optional: LOG_LEVEL (defaults to "info")
	cfg.LogLevel = os.Getenv("LOG_LEVEL")
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}

	cfg.DevelopmentMode = os.Getenv("DEVELOPMENT_MODE") == "true"
	cfg.AllowedOrigins = os.Getenv("ALLOWED_ORIGINS")

	// Scheduling buffers
	cfg.ExecBufferMs = getEnvInt64(&errors, "EXEC_BUFFER_MS", 2000)
	cfg.SeekBufferMs = getEnvInt64(&errors, "SEEK_BUFFER_MS", 2500)

	cfg.AudienceDelaySecondsDefault = getEnvFloat(&errors, "AUDIENCE_DELAY_SECONDS_DEFAULT", 0)
	if cfg.AudienceDelaySecondsDefault < 0 {
		errors = append(errors, "AUDIENCE_DELAY_SECONDS_DEFAULT must be non-negative")
	}

	cfg.ChatMaxMessages = getEnvInt64(&errors, "CHAT_MAX_MESSAGES", 200)
	cfg.ChatTTLSec = getEnvInt64(&errors, "CHAT_TTL_SEC", 21600)

	cfg.RoomMaxStage = getEnvInt64(&errors, "ROOM_MAX_STAGE", 20)
	cfg.RoomMaxTable = getEnvInt64(&errors, "ROOM_MAX_TABLE", 8)

	cfg.PresenceBroadcastEveryMs = getEnvInt64(&errors, "PRESENCE_BROADCAST_EVERY_MS", 2000)

	cfg.ConnBucketCapacity = getEnvFloat(&errors, "CONN_BUCKET_CAPACITY", 20)
	cfg.ConnBucketRefill = getEnvFloat(&errors, "CONN_BUCKET_REFILL_PER_SEC", 1)
	cfg.CmdBucketCapacity = getEnvFloat(&errors, "CMD_BUCKET_CAPACITY", 10)
	cfg.CmdBucketRefill = getEnvFloat(&errors, "CMD_BUCKET_REFILL_PER_SEC", 2)
	cfg.ChatBucketCapacity = getEnvFloat(&errors, "CHAT_BUCKET_CAPACITY", 5)
	cfg.ChatBucketRefill = getEnvFloat(&errors, "CHAT_BUCKET_REFILL_PER_SEC", 1)

	cfg.RateLimitWsIP = getEnvOrDefault("RATE_LIMIT_WS_IP", "100-M")

	// LiveKit (optional as a unit; partial configuration is an error)
	cfg.LiveKitURL = os.Getenv("LIVEKIT_URL")
	cfg.LiveKitAPIKey = os.Getenv("LIVEKIT_API_KEY")
	cfg.LiveKitAPISecret = os.Getenv("LIVEKIT_API_SECRET")
	configured := 0
	for _, v := range []string{cfg.LiveKitURL, cfg.LiveKitAPIKey, cfg.LiveKitAPISecret} {
		if v != "" {
			configured++
		}
	}
	if configured != 0 && configured != 3 {
		errors = append(errors, "LIVEKIT_URL, LIVEKIT_API_KEY and LIVEKIT_API_SECRET must be set together")
	}

	if len(errors) > 0 {
		return nil, fmt.Errorf("environment validation failed:\n  - %s", strings.Join(errors, "\n  - "))
	}

	logValidatedConfig(cfg)

	return cfg, nil
}

// LiveKitConfigured reports whether SFU token issuance is available.
func (c *Config) LiveKitConfigured() bool {
	return c.LiveKitURL != "" && c.LiveKitAPIKey != "" && c.LiveKitAPISecret != ""
}

// isValidHostPort checks if a string is in the format "host:port"
func isValidHostPort(addr string) bool {
	parts := strings.Split(addr, ":")
	if len(parts) != 2 {
		return false
	}

	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return false
	}

	if parts[0] == "" {
		return false
	}

	return true
}

// logValidatedConfig logs the validated configuration with secrets redacted
func logValidatedConfig(cfg *Config) {
	slog.Info("Environment configuration validated successfully")
	slog.Info("Configuration",
		"port", cfg.Port,
		"redis_addr", cfg.RedisAddr,
		"database_url", redactSecret(cfg.DatabaseURL),
		"auth_jwt_secret", redactSecret(cfg.AuthJWTSecret),
		"auth_provider_url", cfg.AuthProviderURL,
		"go_env", cfg.GoEnv,
		"log_level", cfg.LogLevel,
		"development_mode", cfg.DevelopmentMode,
		"exec_buffer_ms", cfg.ExecBufferMs,
		"seek_buffer_ms", cfg.SeekBufferMs,
		"livekit_configured", cfg.LiveKitConfigured(),
	)
}

// getEnvOrDefault returns the value of the environment variable or a default value if not set
func getEnvOrDefault(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt64(errs *[]string, key string, defaultValue int64) int64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil || n < 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be a non-negative integer (got '%s')", key, value))
		return defaultValue
	}
	return n
}

func getEnvFloat(errs *[]string, key string, defaultValue float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s must be a number (got '%s')", key, value))
		return defaultValue
	}
	return f
}

// redactSecret redacts a secret by showing only the first 8 characters
func redactSecret(secret string) string {
	if len(secret) <= 8 {
		return "***"
	}
	return secret[:8] + "***"
}
