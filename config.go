package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds runtime settings read from the environment (and an optional .env file)
type Config struct {
	Port            string
	UploadDir       string
	SessionRoot     string
	SessionName     string
	LogLevel        string
	UploadRetention time.Duration
	UploadMemory    int64
}

// SessionFolder is where the credentials for the configured session live
func (c Config) SessionFolder() string {
	return filepath.Join(c.SessionRoot, c.SessionName)
}

// LoadConfig reads the configuration. A missing .env file is not an error.
func LoadConfig(envFile string) (Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return Config{}, fmt.Errorf("failed to load %s: %w", envFile, err)
		}
	}

	cfg := Config{
		Port:        getEnv("PORT", "8080"),
		UploadDir:   getEnv("UPLOAD_DIR", "uploads"),
		SessionRoot: getEnv("SESSION_ROOT", "sessions"),
		SessionName: getEnv("SESSION_NAME", "sessionName"),
		LogLevel:    getEnv("LOG_LEVEL", "INFO"),
	}

	if v := os.Getenv("UPLOAD_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return Config{}, fmt.Errorf("invalid UPLOAD_RETENTION %q: %w", v, err)
		}
		if d < 0 {
			return Config{}, fmt.Errorf("invalid UPLOAD_RETENTION %q: must not be negative", v)
		}
		cfg.UploadRetention = d
	}

	memoryMB := 32
	if v := os.Getenv("UPLOAD_MEMORY_MB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return Config{}, fmt.Errorf("invalid UPLOAD_MEMORY_MB %q", v)
		}
		memoryMB = n
	}
	cfg.UploadMemory = int64(memoryMB) << 20

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
