package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

type App struct {
	Port               string
	DBDriver           string
	DBHost             string
	DBPort             string
	DBUser             string
	DBPassword         string
	DBName             string
	SQLitePath         string
	AdminEmail         string
	ReminderWindowDays int
	ReminderInterval   time.Duration
	NotifyWebhookURL   string
	NotifyMaxRetries   int
	OpenLibraryURL     string
}

func Load() App {
	return App{
		Port:               getEnv("APP_PORT", "8080"),
		DBDriver:           getEnv("DB_DRIVER", "postgres"),
		DBHost:             getEnv("DB_HOST", "postgres"),
		DBPort:             getEnv("DB_PORT", "5432"),
		DBUser:             getEnv("DB_USER", "program"),
		DBPassword:         getEnv("DB_PASSWORD", "test"),
		DBName:             getEnv("DB_NAME", "circulation"),
		SQLitePath:         getEnv("SQLITE_PATH", "circulation.db"),
		AdminEmail:         os.Getenv("SEED_ADMIN_EMAIL"),
		ReminderWindowDays: getInt("REMINDER_WINDOW_DAYS", 2),
		ReminderInterval:   getDuration("REMINDER_INTERVAL", 24*time.Hour),
		NotifyWebhookURL:   os.Getenv("NOTIFY_WEBHOOK_URL"),
		NotifyMaxRetries:   getInt("NOTIFY_MAX_RETRIES", 5),
		OpenLibraryURL:     getEnv("OPEN_LIBRARY_URL", "https://openlibrary.org/"),
	}
}

// PostgresDSN builds the connection string for the postgres driver.
func (a App) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable TimeZone=UTC",
		a.DBHost, a.DBUser, a.DBPassword, a.DBName, a.DBPort)
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		slog.Warn("invalid integer env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	v, err := time.ParseDuration(raw)
	if err != nil || v <= 0 {
		slog.Warn("invalid duration env, using default", "key", key, "value", raw, "default", defaultValue)
		return defaultValue
	}
	return v
}
