package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all proxy configuration values, loaded from the process
// environment (and an optional .env file) rather than from the persisted
// ~/.relayplane/config.json, which governs routing/budget/cache policy
// instead (see package rpconfig).
type Config struct {
	// Server
	Addr            string
	Env             string
	GracefulTimeout time.Duration

	// Redis — optional; absence degrades mesh-sync to memory-only mode.
	RedisURL string

	// RelayPlane cloud API, used only by the mesh-sync local mirror.
	APIURL string

	// Optional Postgres DSN for the telemetry mirror. The mirror itself is
	// an external collaborator out of core scope; only the DSN is plumbed.
	TelemetryDB string

	// ConfigPath overrides the default ~/.relayplane/config.json location.
	ConfigPath string

	// Authentication
	APIKeyHeader string

	// Rate limiting
	RateLimitEnabled bool
	RateLimitRPM     int // requests per minute per key
	RateLimitBurst   int

	// Timeouts
	DefaultTimeout   time.Duration
	ProviderTimeouts map[string]time.Duration

	// Body limits
	MaxBodyBytes int64

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables and optional .env file.
func Load() *Config {
	_ = godotenv.Load()

	gracefulSec := getEnvInt("GATEWAY_GRACEFUL_TIMEOUT_SEC", 15)
	defaultTimeoutSec := getEnvInt("GATEWAY_DEFAULT_TIMEOUT_SEC", 120)

	host := getEnv("RELAYPLANE_PROXY_HOST", "127.0.0.1")
	port := getEnv("RELAYPLANE_PROXY_PORT", "8080")

	home, _ := os.UserHomeDir()
	defaultConfigPath := filepath.Join(home, ".relayplane", "config.json")

	cfg := &Config{
		Addr:             host + ":" + port,
		Env:              getEnv("ENV", "development"),
		GracefulTimeout:  time.Duration(gracefulSec) * time.Second,
		RedisURL:         getEnv("REDIS_URL", ""),
		APIURL:           getEnv("RELAYPLANE_API_URL", "https://api.relayplane.com"),
		TelemetryDB:      getEnv("RELAYPLANE_TELEMETRY_DB", ""),
		ConfigPath:       getEnv("RELAYPLANE_CONFIG_PATH", defaultConfigPath),
		APIKeyHeader:     getEnv("API_KEY_HEADER", "Authorization"),
		RateLimitEnabled: getEnvBool("RATE_LIMIT_ENABLED", true),
		RateLimitRPM:     getEnvInt("RATE_LIMIT_RPM", 60),
		RateLimitBurst:   getEnvInt("RATE_LIMIT_BURST", 10),
		DefaultTimeout:   time.Duration(defaultTimeoutSec) * time.Second,
		MaxBodyBytes:     int64(getEnvInt("GATEWAY_MAX_BODY_BYTES", 1*1024*1024)),
		LogLevel:         getEnv("LOG_LEVEL", "info"),
		ProviderTimeouts: map[string]time.Duration{
			"openai":    time.Duration(getEnvInt("PROVIDER_TIMEOUT_OPENAI_SEC", 60)) * time.Second,
			"anthropic": time.Duration(getEnvInt("PROVIDER_TIMEOUT_ANTHROPIC_SEC", 60)) * time.Second,
			"google":    time.Duration(getEnvInt("PROVIDER_TIMEOUT_GOOGLE_SEC", 60)) * time.Second,
			"azure":     time.Duration(getEnvInt("PROVIDER_TIMEOUT_AZURE_SEC", 60)) * time.Second,
			"xai":       time.Duration(getEnvInt("PROVIDER_TIMEOUT_XAI_SEC", 60)) * time.Second,
			"deepseek":  time.Duration(getEnvInt("PROVIDER_TIMEOUT_DEEPSEEK_SEC", 60)) * time.Second,
			"groq":      time.Duration(getEnvInt("PROVIDER_TIMEOUT_GROQ_SEC", 30)) * time.Second,
		},
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// ProviderTimeout returns the configured timeout for a given provider.
func (c *Config) ProviderTimeout(provider string) time.Duration {
	if t, ok := c.ProviderTimeouts[provider]; ok {
		return t
	}
	return c.DefaultTimeout
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
