package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Security  SecurityConfig  `json:"security"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Cache     CacheConfig     `json:"cache"`
	Tracing   TracingConfig   `json:"tracing"`
	Logging   LoggingConfig   `json:"logging"`
	Bot       BotConfig       `json:"bot"`
	Realtime  RealtimeConfig  `json:"realtime"`
	Features  map[string]bool `json:"features"`
}

// ServerConfig holds server-related configuration.
type ServerConfig struct {
	Port     string `json:"port"`
	Host     string `json:"host"`
	CertFile string `json:"cert_file"`
	KeyFile  string `json:"key_file"`
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	Path string `json:"path"`
	// Upper bound for a single business operation against the store, in milliseconds.
	TimeoutMS int `json:"timeout_ms"`
}

// Timeout returns the store timeout as a duration.
func (c DatabaseConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// SecurityConfig holds security-related configuration.
type SecurityConfig struct {
	// Max request body size in bytes (default: 1MB)
	MaxRequestBodySize int64 `json:"max_request_body_size"`
	// Allowed CORS origins (comma-separated)
	AllowedOrigins string `json:"allowed_origins"`
}

// Origins splits AllowedOrigins into a list.
func (c SecurityConfig) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.AllowedOrigins, ",") {
		if o = strings.TrimSpace(o); o != "" {
			out = append(out, o)
		}
	}
	return out
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	Enabled bool `json:"enabled"`
	Rate    int  `json:"rate"`
	Window  int  `json:"window"` // in seconds
}

// CacheConfig holds read-model cache configuration. An empty RedisAddr
// selects the in-process cache.
type CacheConfig struct {
	Enabled       bool   `json:"enabled"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       int    `json:"redis_db"`
	TTLSeconds    int    `json:"ttl_seconds"`
}

// TTL returns the cache entry lifetime.
func (c CacheConfig) TTL() time.Duration {
	return time.Duration(c.TTLSeconds) * time.Second
}

// TracingConfig holds tracing configuration.
type TracingConfig struct {
	Enabled     bool   `json:"enabled"`
	Endpoint    string `json:"endpoint"`
	ServiceName string `json:"service_name"`
	Environment string `json:"environment"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level       string `json:"level"`
	Development bool   `json:"development"`
}

// BotConfig holds fallbacks used until a bot configuration is saved.
type BotConfig struct {
	DefaultLocationName string  `json:"default_location_name"`
	DefaultLat          float64 `json:"default_lat"`
	DefaultLon          float64 `json:"default_lon"`
	EquivalentInPoints  int64   `json:"equivalent_in_points"`
}

// RealtimeConfig holds realtime notifier configuration.
type RealtimeConfig struct {
	SendBuffer     int `json:"send_buffer"`
	WriteTimeoutMS int `json:"write_timeout_ms"`
	PingIntervalMS int `json:"ping_interval_ms"`
}

// LoadConfig loads configuration from defaults, an optional JSON file and
// environment variables, in increasing order of precedence. A .env file in
// the working directory is loaded into the environment first when present.
func LoadConfig(configFile string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(configFile, cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	overrideFromEnv(cfg)

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port: "8080",
		},
		Database: DatabaseConfig{
			Path:      "./bottle_rewards.db",
			TimeoutMS: 5000,
		},
		Security: SecurityConfig{
			MaxRequestBodySize: 1 << 20,
			AllowedOrigins:     "*",
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			Rate:    100,
			Window:  60,
		},
		Cache: CacheConfig{
			Enabled:    true,
			TTLSeconds: 30,
		},
		Tracing: TracingConfig{
			ServiceName: "bottle-rewards-api",
			Environment: "development",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Bot: BotConfig{
			DefaultLocationName: "Home base",
			EquivalentInPoints:  1,
		},
		Realtime: RealtimeConfig{
			SendBuffer:     16,
			WriteTimeoutMS: 5000,
			PingIntervalMS: 30000,
		},
		Features: map[string]bool{},
	}
}

// loadFromFile loads configuration from a JSON file.
func loadFromFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	return json.Unmarshal(data, cfg)
}

// overrideFromEnv overrides configuration with environment variables.
func overrideFromEnv(cfg *Config) {
	cfg.Server.Port = getEnv("SERVER_PORT", cfg.Server.Port)
	cfg.Server.Host = getEnv("SERVER_HOST", cfg.Server.Host)
	cfg.Server.CertFile = getEnv("SERVER_CERT_FILE", cfg.Server.CertFile)
	cfg.Server.KeyFile = getEnv("SERVER_KEY_FILE", cfg.Server.KeyFile)

	cfg.Database.Path = getEnv("DATABASE_PATH", cfg.Database.Path)
	cfg.Database.TimeoutMS = getEnvInt("DATABASE_TIMEOUT_MS", cfg.Database.TimeoutMS)

	cfg.Security.MaxRequestBodySize = getEnvInt64("MAX_REQUEST_BODY_SIZE", cfg.Security.MaxRequestBodySize)
	cfg.Security.AllowedOrigins = getEnv("ALLOWED_ORIGINS", cfg.Security.AllowedOrigins)

	cfg.RateLimit.Enabled = getEnvBool("RATE_LIMIT_ENABLED", cfg.RateLimit.Enabled)
	cfg.RateLimit.Rate = getEnvInt("RATE_LIMIT_RATE", cfg.RateLimit.Rate)
	cfg.RateLimit.Window = getEnvInt("RATE_LIMIT_WINDOW", cfg.RateLimit.Window)

	cfg.Cache.Enabled = getEnvBool("CACHE_ENABLED", cfg.Cache.Enabled)
	cfg.Cache.RedisAddr = getEnv("REDIS_ADDR", cfg.Cache.RedisAddr)
	cfg.Cache.RedisPassword = getEnv("REDIS_PASSWORD", cfg.Cache.RedisPassword)
	cfg.Cache.RedisDB = getEnvInt("REDIS_DB", cfg.Cache.RedisDB)
	cfg.Cache.TTLSeconds = getEnvInt("CACHE_TTL_SECONDS", cfg.Cache.TTLSeconds)

	cfg.Tracing.Enabled = getEnvBool("TRACING_ENABLED", cfg.Tracing.Enabled)
	cfg.Tracing.Endpoint = getEnv("TRACING_ENDPOINT", cfg.Tracing.Endpoint)
	cfg.Tracing.ServiceName = getEnv("TRACING_SERVICE_NAME", cfg.Tracing.ServiceName)
	cfg.Tracing.Environment = getEnv("TRACING_ENVIRONMENT", cfg.Tracing.Environment)

	cfg.Logging.Level = getEnv("LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Development = getEnvBool("LOG_DEVELOPMENT", cfg.Logging.Development)

	cfg.Bot.DefaultLocationName = getEnv("BOT_DEFAULT_LOCATION_NAME", cfg.Bot.DefaultLocationName)
	cfg.Bot.DefaultLat = getEnvFloat("BOT_DEFAULT_LAT", cfg.Bot.DefaultLat)
	cfg.Bot.DefaultLon = getEnvFloat("BOT_DEFAULT_LON", cfg.Bot.DefaultLon)
	cfg.Bot.EquivalentInPoints = getEnvInt64("BOT_EQUIVALENT_IN_POINTS", cfg.Bot.EquivalentInPoints)

	cfg.Realtime.SendBuffer = getEnvInt("REALTIME_SEND_BUFFER", cfg.Realtime.SendBuffer)
	cfg.Realtime.WriteTimeoutMS = getEnvInt("REALTIME_WRITE_TIMEOUT_MS", cfg.Realtime.WriteTimeoutMS)
	cfg.Realtime.PingIntervalMS = getEnvInt("REALTIME_PING_INTERVAL_MS", cfg.Realtime.PingIntervalMS)

	// FEATURES="balance_cache=false,realtime_claims=true"
	if raw := os.Getenv("FEATURES"); raw != "" {
		if cfg.Features == nil {
			cfg.Features = map[string]bool{}
		}
		for _, pair := range strings.Split(raw, ",") {
			name, value, ok := strings.Cut(strings.TrimSpace(pair), "=")
			if !ok || name == "" {
				continue
			}
			cfg.Features[name] = parseBool(value)
		}
	}
}

// getEnv gets an environment variable or returns the default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvBool gets a boolean environment variable or returns the default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return parseBool(value)
	}
	return defaultValue
}

func parseBool(value string) bool {
	return strings.ToLower(value) == "true" || value == "1"
}

// getEnvInt gets an integer environment variable or returns the default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvInt64 gets an int64 environment variable or returns the default value.
func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

// getEnvFloat gets a float environment variable or returns the default value.
func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// Validate validates the configuration and returns any errors.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("both cert file and key file are required for TLS")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}
	if c.Database.TimeoutMS <= 0 {
		return fmt.Errorf("database timeout must be positive")
	}
	if c.RateLimit.Enabled {
		if c.RateLimit.Rate <= 0 {
			return fmt.Errorf("rate limit rate must be positive")
		}
		if c.RateLimit.Window <= 0 {
			return fmt.Errorf("rate limit window must be positive")
		}
	}
	if c.Cache.Enabled && c.Cache.TTLSeconds <= 0 {
		return fmt.Errorf("cache ttl must be positive")
	}
	if c.Bot.DefaultLat < -90 || c.Bot.DefaultLat > 90 || c.Bot.DefaultLon < -180 || c.Bot.DefaultLon > 180 {
		return fmt.Errorf("bot default location is out of range")
	}
	if c.Bot.EquivalentInPoints < 1 {
		return fmt.Errorf("bot equivalent in points must be at least 1")
	}
	if c.Realtime.SendBuffer <= 0 {
		return fmt.Errorf("realtime send buffer must be positive")
	}
	return nil
}
