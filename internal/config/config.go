// Package config holds all application configuration as explicit option
// structs. Every field has a documented default; only JWT.Secret is required.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config is the root configuration passed into cmd wiring.
type Config struct {
	App          App
	HTTP         HTTP
	Postgres     Postgres
	Redis        Redis
	JWT          JWT
	Session      Session
	Security     Security
	SecurityLogs SecurityLogs
}

// App identifies the service.
type App struct {
	Name    string // default "suoke-auth-service"
	BaseURL string // default "https://suoke.life"
	Env     string // development | production
}

// HTTP configures the server and its pre-auth rate limiter.
type HTTP struct {
	Port      string
	RateRPS   float64
	RateBurst int
}

// Postgres configures the relational store.
type Postgres struct {
	URL string
}

// Redis configures the key-value cache.
type Redis struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// JWT configures the token authority.
type JWT struct {
	Secret             string
	AccessTokenExpiry  time.Duration // default 24h
	RefreshTokenExpiry time.Duration // default 7d
	ResetTokenExpiry   time.Duration // default 30m
	Issuer             string        // default App.Name
	Audience           string        // default App.BaseURL
}

// Session configures the session manager.
type Session struct {
	CacheTTL              time.Duration // default 1h
	DefaultDuration       time.Duration // default 24h
	TrustedDeviceDuration time.Duration // default 30d
	TempTwoFactorTTL      time.Duration // default 5m
	TempDeviceVerifyTTL   time.Duration // default 15m
	CleanupInterval       time.Duration // default 10m
}

// Security configures device verification codes.
type Security struct {
	DeviceVerificationCodeTTL time.Duration // default 15m
	MaxCodeAttempts           int           // default 5
	SMSThrottle               time.Duration // default 1m
}

// SecurityLogs bounds the security event stream.
type SecurityLogs struct {
	RetentionDays      int // default 30
	MaxUserEvents      int // default 100
	HighPriorityEvents []string
}

var ErrMissingJWTSecret = errors.New("config: JWT_SECRET is required")

// Load reads configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		App: App{
			Name:    getEnv("APP_NAME", "suoke-auth-service"),
			BaseURL: getEnv("APP_BASE_URL", "https://suoke.life"),
			Env:     getEnv("APP_ENV", "development"),
		},
		HTTP: HTTP{
			Port:      getEnv("PORT", "8080"),
			RateRPS:   getEnvAsFloat("HTTP_RATE_RPS", 5),
			RateBurst: getEnvAsInt("HTTP_RATE_BURST", 10),
		},
		Postgres: Postgres{
			URL: os.Getenv("DATABASE_URL"),
		},
		Redis: Redis{
			Addr:     getEnv("REDIS_ADDR", "localhost:6379"),
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       getEnvAsInt("REDIS_DB", 0),
			PoolSize: getEnvAsInt("REDIS_POOL_SIZE", 10),
		},
		JWT: JWT{
			Secret:             os.Getenv("JWT_SECRET"),
			AccessTokenExpiry:  getEnvAsSeconds("JWT_ACCESS_TOKEN_EXPIRY", 86400),
			RefreshTokenExpiry: getEnvAsSeconds("JWT_REFRESH_TOKEN_EXPIRY", 604800),
			ResetTokenExpiry:   getEnvAsSeconds("JWT_RESET_TOKEN_EXPIRY", 1800),
		},
		Session: Session{
			CacheTTL:              getEnvAsSeconds("SESSION_CACHE_TTL", 3600),
			DefaultDuration:       getEnvAsSeconds("SESSION_DEFAULT_DURATION", 86400),
			TrustedDeviceDuration: getEnvAsSeconds("SESSION_TRUSTED_DEVICE_DURATION", 2592000),
			TempTwoFactorTTL:      getEnvAsSeconds("SESSION_TEMP_2FA_TTL", 300),
			TempDeviceVerifyTTL:   getEnvAsSeconds("SESSION_TEMP_DEVICE_VERIFY_TTL", 900),
			CleanupInterval:       getEnvAsSeconds("SESSION_CLEANUP_INTERVAL", 600),
		},
		Security: Security{
			DeviceVerificationCodeTTL: getEnvAsSeconds("SECURITY_DEVICE_VERIFICATION_CODE_TTL", 900),
			MaxCodeAttempts:           getEnvAsInt("SECURITY_MAX_CODE_ATTEMPTS", 5),
			SMSThrottle:               getEnvAsSeconds("SECURITY_SMS_THROTTLE", 60),
		},
		SecurityLogs: SecurityLogs{
			RetentionDays:      getEnvAsInt("SECURITY_LOGS_RETENTION_DAYS", 30),
			MaxUserEvents:      getEnvAsInt("SECURITY_LOGS_MAX_USER_EVENTS", 100),
			HighPriorityEvents: getEnvAsList("SECURITY_LOGS_HIGH_PRIORITY_EVENTS"),
		},
	}

	cfg.JWT.Issuer = getEnv("JWT_ISSUER", cfg.App.Name)
	cfg.JWT.Audience = getEnv("JWT_AUDIENCE", cfg.App.BaseURL)

	if cfg.JWT.Secret == "" {
		return Config{}, ErrMissingJWTSecret
	}

	return cfg, nil
}

func getEnv(name, defaultVal string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return defaultVal
}

func getEnvAsInt(name string, defaultVal int) int {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.Atoi(valStr)
	if err != nil {
		return defaultVal
	}
	return val
}

func getEnvAsFloat(name string, defaultVal float64) float64 {
	valStr := os.Getenv(name)
	if valStr == "" {
		return defaultVal
	}
	val, err := strconv.ParseFloat(valStr, 64)
	if err != nil {
		return defaultVal
	}
	return val
}

// getEnvAsSeconds reads an integer number of seconds, matching how the
// deployed configuration expresses every TTL.
func getEnvAsSeconds(name string, defaultSec int) time.Duration {
	return time.Duration(getEnvAsInt(name, defaultSec)) * time.Second
}

func getEnvAsList(name string) []string {
	valStr := os.Getenv(name)
	if valStr == "" {
		return nil
	}
	parts := strings.Split(valStr, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
