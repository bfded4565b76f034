package config

import (
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables understood on top of the config file.
const (
	EnvBotToken         = "BOT_TOKEN"
	EnvConnectionString = "CONNECTION_STRING"
	EnvConfigPath       = "TASKER_CONFIG"
)

// LoadDotEnv loads .env files into the process environment without overriding
// variables that are already set. A missing file is not an error.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// ApplyEnv overlays environment values onto cfg. Environment wins over the file.
func ApplyEnv(cfg *Config) {
	if cfg == nil {
		return
	}
	if v := strings.TrimSpace(os.Getenv(EnvBotToken)); v != "" {
		cfg.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvConnectionString)); v != "" {
		cfg.Storage.DSN = v
		if strings.TrimSpace(cfg.Storage.Driver) == "" {
			cfg.Storage.Driver = "postgres"
		}
	}
}
