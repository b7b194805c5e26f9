package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	AppName     string
	AppVersion  string
	Environment string
	HTTPAddr    string

	OTLPEndpoint string

	DBType            string
	DBHost            string
	DBPort            string
	DBName            string
	DBUser            string
	DBPassword        string
	DBSSLMode         string
	DBMaxIdleConn     int
	DBMaxOpenConn     int
	DBConnMaxLifetime int
	DBConnMaxIdleTime int
	DBAutoMigrate     bool

	Redis     RedisConfig
	Quota     QuotaConfig
	Platform  PlatformConfig
	Scheduler SchedulerConfig
	Events    EventsConfig
	RateLimit RateLimitConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// Enabled reports whether a redis endpoint is configured.
func (c RedisConfig) Enabled() bool {
	return strings.TrimSpace(c.Addr) != ""
}

type QuotaConfig struct {
	// Backend is "db" or "redis".
	Backend  string
	Timezone string
}

type PlatformConfig struct {
	BaseURL      string
	TokenURL     string
	ClientID     string
	ClientSecret string
}

type SchedulerConfig struct {
	Enabled       bool
	PollInterval  time.Duration
	SweepInterval time.Duration
	FireTimeout   time.Duration
	FireLock      bool
	NodeID        int64
	// Jobs limits the sweep to the named jobs; empty runs all of them.
	Jobs []string
}

// RateLimitConfig bounds manual rotations per owner. It needs redis.
type RateLimitConfig struct {
	Enabled     bool
	RotateRate  float64
	RotateBurst int
}

type EventsConfig struct {
	KafkaBrokers []string
	Topic        string
}

// Load loads configuration from environment variables and .env file.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		AppName:           getenv("APP_SERVICE", "headliner"),
		AppVersion:        getenv("APP_VERSION", "0.1.0"),
		Environment:       getenv("ENVIRONMENT", "development"),
		HTTPAddr:          getenv("HTTP_ADDR", ":8080"),
		OTLPEndpoint:      getenv("OTLP_ENDPOINT", "localhost:4317"),
		DBType:            getenv("DATABASE_TYPE", "postgres"),
		DBHost:            getenv("DATABASE_HOST", "localhost"),
		DBPort:            getenv("DATABASE_PORT", "5432"),
		DBName:            getenv("DATABASE_NAME", "headliner"),
		DBUser:            getenv("DATABASE_USER", "postgres"),
		DBPassword:        getenv("DATABASE_PASSWORD", ""),
		DBSSLMode:         getenv("DATABASE_SSLMODE", "disable"),
		DBMaxIdleConn:     int(getenvInt64("DATABASE_MAX_IDLE_CONN", 5)),
		DBMaxOpenConn:     int(getenvInt64("DATABASE_MAX_OPEN_CONN", 20)),
		DBConnMaxLifetime: int(getenvInt64("DATABASE_CONN_MAX_LIFETIME", 1800)),
		DBConnMaxIdleTime: int(getenvInt64("DATABASE_CONN_MAX_IDLE_TIME", 300)),
		DBAutoMigrate:     getenvBool("DATABASE_AUTO_MIGRATE", true),
		Redis: RedisConfig{
			Addr:     strings.TrimSpace(getenv("REDIS_ADDR", "")),
			Password: strings.TrimSpace(getenv("REDIS_PASSWORD", "")),
			DB:       int(getenvInt64("REDIS_DB", 0)),
		},
		Quota: QuotaConfig{
			Backend:  strings.ToLower(getenv("QUOTA_BACKEND", "db")),
			Timezone: getenv("QUOTA_TIMEZONE", "America/Los_Angeles"),
		},
		Platform: PlatformConfig{
			BaseURL:      strings.TrimRight(getenv("PLATFORM_BASE_URL", "https://www.googleapis.com/youtube/v3"), "/"),
			TokenURL:     getenv("PLATFORM_TOKEN_URL", "https://oauth2.googleapis.com/token"),
			ClientID:     strings.TrimSpace(getenv("PLATFORM_CLIENT_ID", "")),
			ClientSecret: strings.TrimSpace(getenv("PLATFORM_CLIENT_SECRET", "")),
		},
		Scheduler: SchedulerConfig{
			Enabled:       getenvBool("SCHEDULER_ENABLED", true),
			PollInterval:  getenvDuration("SCHEDULER_POLL_INTERVAL", 5*time.Minute),
			SweepInterval: getenvDuration("SCHEDULER_SWEEP_INTERVAL", time.Minute),
			FireTimeout:   getenvDuration("SCHEDULER_FIRE_TIMEOUT", 45*time.Second),
			FireLock:      getenvBool("SCHEDULER_FIRE_LOCK", false),
			NodeID:        getenvInt64("NODE_ID", 1),
			Jobs:          splitList(getenv("SCHEDULER_JOBS", "")),
		},
		Events: EventsConfig{
			KafkaBrokers: splitList(getenv("KAFKA_BROKERS", "")),
			Topic:        getenv("KAFKA_EXPERIMENT_TOPIC", "headliner.experiments"),
		},
		RateLimit: RateLimitConfig{
			Enabled:     getenvBool("RATE_LIMIT_ENABLED", false),
			RotateRate:  getenvFloat("RATE_LIMIT_ROTATE_RATE", 1.0/60),
			RotateBurst: int(getenvInt64("RATE_LIMIT_ROTATE_BURST", 3)),
		},
	}

	return cfg
}

func (c Config) IsProduction() bool {
	return strings.EqualFold(strings.TrimSpace(c.Environment), "production")
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return def
	}
	switch value {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return def
	}
}

func getenvInt64(key string, def int64) int64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvFloat(key string, def float64) float64 {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}
	return parsed
}

func getenvDuration(key string, def time.Duration) time.Duration {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return def
	}
	parsed, err := time.ParseDuration(value)
	if err != nil || parsed <= 0 {
		return def
	}
	return parsed
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
