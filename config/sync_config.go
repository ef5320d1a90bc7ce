package config

import (
	"os"
	"strconv"
	"strings"
)

type Config struct {
	Port        string
	Environment string
	LogLevel    string

	// Local storage
	StorageDriver string // sqlite | redis | memory
	StoragePath   string
	RedisURL      string

	// Backend
	BackendProvider string // postgres | mongo
	DatabaseURL     string
	MongoDBURL      string
	MongoDBName     string
	BreakerEnabled  bool

	// Auth
	JWTSecret string

	// Sync
	SyncMaxAttempts int
	SyncTables      []string
	StartOnline     bool
}

func Load() (*Config, error) {
	return &Config{
		Port:        getEnv("PORT", "8787"),
		Environment: getEnv("ENV", "development"),
		LogLevel:    getEnv("LOG_LEVEL", "info"),

		// Local storage
		StorageDriver: getEnv("STORAGE_DRIVER", "sqlite"),
		StoragePath:   getEnv("STORAGE_PATH", "fitsync.db"),
		RedisURL:      getEnv("REDIS_URL", ""),

		// Backend
		BackendProvider: getEnv("BACKEND_PROVIDER", "postgres"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		MongoDBURL:      getEnv("MONGODB_URL", ""),
		MongoDBName:     getEnv("MONGODB_DATABASE", "fitsync"),
		BreakerEnabled:  getEnvBool("BREAKER_ENABLED", true),

		// Auth
		JWTSecret: getEnv("JWT_SECRET", ""),

		// Sync
		SyncMaxAttempts: getEnvInt("SYNC_MAX_ATTEMPTS", 5),
		SyncTables:      getEnvSlice("SYNC_TABLES", []string{"workouts", "activities", "goals"}),
		StartOnline:     getEnvBool("START_ONLINE", true),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvSlice(key string, defaultValue []string) []string {
	if value := os.Getenv(key); value != "" {
		return strings.Split(value, ",")
	}
	return defaultValue
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
