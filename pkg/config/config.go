// Package config holds server configuration loaded from the
// environment, plus YAML deployment profiles for policy defaults.
package config

import "os"

// Config holds server configuration.
type Config struct {
	Port        string
	LogLevel    string
	StoreDriver string // "memory" | "sqlite" | "postgres"
	DatabaseURL string
	RedisAddr   string
	KeyID       string
	KeySeed     string // hex-encoded 32-byte Ed25519 seed
	ProfilesDir string
	Profile     string
	OTLPTarget  string
}

// Load loads configuration from environment variables.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	driver := os.Getenv("STORE_DRIVER")
	if driver == "" {
		driver = "memory"
	}

	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" && driver == "postgres" {
		dbURL = "postgres://eatp@localhost:5432/eatp?sslmode=disable"
	}
	if dbURL == "" && driver == "sqlite" {
		dbURL = "file:eatp.db"
	}

	keyID := os.Getenv("EATP_KEY_ID")
	if keyID == "" {
		keyID = "eatp-signing-key-1"
	}

	return &Config{
		Port:        port,
		LogLevel:    logLevel,
		StoreDriver: driver,
		DatabaseURL: dbURL,
		RedisAddr:   os.Getenv("REDIS_ADDR"),
		KeyID:       keyID,
		KeySeed:     os.Getenv("EATP_KEY_SEED"),
		ProfilesDir: os.Getenv("EATP_PROFILES_DIR"),
		Profile:     os.Getenv("EATP_PROFILE"),
		OTLPTarget:  os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}
}
