package config

import (
	"os"

	"github.com/joho/godotenv"
)

// Config holds every external setting the service needs. All values come from
// the environment; a .env file is loaded first when present.
type Config struct {
	Port string

	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string

	RedisHost     string
	RedisPort     string
	RedisPassword string

	KafkaBroker string
	KafkaTopic  string

	JWTSecret string

	StripeSecretKey     string
	StripeWebhookSecret string

	// BaseURL is the public origin used to build checkout success/cancel URLs.
	BaseURL string
}

func Load() *Config {
	// Missing .env is fine; containers set the environment directly.
	_ = godotenv.Load()

	return &Config{
		Port: getEnv("PORT", "8080"),

		DBHost:     getEnv("DB_HOST", "localhost"),
		DBPort:     getEnv("DB_PORT", "5432"),
		DBUser:     getEnv("DB_USER", "postgres"),
		DBPassword: getEnv("DB_PASSWORD", "postgres"),
		DBName:     getEnv("DB_NAME", "bandstore"),

		RedisHost:     getEnv("REDIS_HOST", "localhost"),
		RedisPort:     getEnv("REDIS_PORT", "6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),

		KafkaBroker: getEnv("KAFKA_BROKER", ""),
		KafkaTopic:  getEnv("KAFKA_TOPIC", "order_events"),

		JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),

		StripeSecretKey:     getEnv("STRIPE_SECRET_KEY", ""),
		StripeWebhookSecret: getEnv("STRIPE_WEBHOOK_SECRET", ""),

		BaseURL: getEnv("BASE_URL", "http://localhost:8080"),
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
