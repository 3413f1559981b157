package config

import (
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// LoadEnvFiles loads .env files from the working directory, the data
// directory and ~/.config/dosewatch. Variables already set win.
func LoadEnvFiles(dataDir string) error {
	envPaths := []string{"./.env"}
	if dataDir != "" {
		envPaths = append(envPaths, filepath.Join(dataDir, ".env"))
	}
	if home, err := os.UserHomeDir(); err == nil {
		envPaths = append(envPaths, filepath.Join(home, ".config", "dosewatch", ".env"))
	}

	var existing []string
	for _, path := range envPaths {
		if _, err := os.Stat(path); err == nil {
			existing = append(existing, path)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// getEnvWithFallback returns the first non-empty variable among keys.
func getEnvWithFallback(keys ...string) string {
	for _, key := range keys {
		if val := os.Getenv(key); val != "" {
			return val
		}
	}
	return ""
}

func getEnvDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

var envAliases = map[string][]string{
	"DOSEWATCH_NOTIFY_TELEGRAM_BOT_TOKEN": {"TELEGRAM_BOT_TOKEN"},
	"DOSEWATCH_NOTIFY_DISCORD_TOKEN":      {"DISCORD_BOT_TOKEN", "DISCORD_TOKEN"},
	"DOSEWATCH_STORAGE_POSTGRES_DSN":      {"DATABASE_URL"},
	"DOSEWATCH_STORAGE_REDIS_ADDR":        {"REDIS_ADDR"},
}

// ResolveEnvWithAliases reads canonicalKey, then its legacy aliases.
func ResolveEnvWithAliases(canonicalKey string) string {
	return getEnvWithFallback(append([]string{canonicalKey}, envAliases[canonicalKey]...)...)
}
