package config

import (
	"os"

	"github.com/joho/godotenv"
)

type Config struct {
	Addr        string
	DatabaseURL string
	RedisURL    string
	CORSOrigin  string
}

func Load() *Config {
	// Missing .env is fine; env vars may be set by the environment directly.
	_ = godotenv.Load()

	return &Config{
		Addr:        ":" + getEnv("PORT", "4000"),
		DatabaseURL: getEnv("DATABASE_URL", "estimatex.db"),
		RedisURL:    getEnv("REDIS_URL", "redis://localhost:6379"),
		CORSOrigin:  getEnv("CORS_ORIGIN", "*"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
