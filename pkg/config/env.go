package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// LoadEnv loads environment variables from .env file
func LoadEnv(logger *logrus.Logger) {
	files := []string{".env", ".env.dev"}
	loaded := make([]string, 0, len(files))
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Overload(file); err != nil {
			if logger != nil {
				logger.WithError(err).Warnf("Failed to load %s", file)
			}
			continue
		}
		loaded = append(loaded, file)
	}
	if len(loaded) == 0 {
		if logger != nil {
			logger.Debug("No local env files loaded; relying on process environment")
		}
	} else {
		if logger != nil {
			logger.Debugf("Loaded env files: %s", strings.Join(loaded, ", "))
		}
	}
}

// GetEnv gets an environment variable with a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// GetEnvInt gets an integer environment variable with a default value
func GetEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// GetEnvBool gets a boolean environment variable with a default value.
// Accepts true|1|yes|on and false|0|no|off, case-insensitively.
func GetEnvBool(key string, defaultValue bool) bool {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	switch value {
	case "true", "1", "yes", "on":
		return true
	case "false", "0", "no", "off":
		return false
	}
	return defaultValue
}

// GetEnvMillis reads a duration expressed in milliseconds. The literal
// "infinity" maps to zero, which callers treat as "no timeout" the same way
// net/http does.
func GetEnvMillis(key string, defaultValue time.Duration) time.Duration {
	value := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	if value == "" {
		return defaultValue
	}
	if value == "infinity" {
		return 0
	}
	if parsed, err := strconv.Atoi(value); err == nil && parsed >= 0 {
		return time.Duration(parsed) * time.Millisecond
	}
	return defaultValue
}

// GetLogLevel gets the log level from environment
func GetLogLevel() logrus.Level {
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		return logrus.DebugLevel
	case "warn":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// RequireEnv fetches a variable and exits the process if it is empty.
func RequireEnv(key string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		logrus.Fatalf("environment variable %s is required but not set", key)
	}
	return value
}

// Env identifies the runtime environment (prod, dev, test).
type Env string

const (
	EnvProd Env = "prod"
	EnvDev  Env = "dev"
	EnvTest Env = "test"
)

// GetAppEnv reads APP_ENV, defaulting to prod.
func GetAppEnv() Env {
	switch strings.ToLower(GetEnv("APP_ENV", "prod")) {
	case "dev", "development":
		return EnvDev
	case "test":
		return EnvTest
	default:
		return EnvProd
	}
}

// IsDevLike reports whether the environment is dev or test.
func (e Env) IsDevLike() bool {
	return e == EnvDev || e == EnvTest
}

// Settings is the resolved service configuration.
type Settings struct {
	Host string
	Port string
	Env  Env

	SSEConnectTimeout    time.Duration
	SSERecvTimeout       time.Duration // zero means no receive timeout
	SSEKeepaliveInterval time.Duration

	LicenseKey             string
	LicenseManagerAPIKey   string
	LicenseManagerAPIURL   string
	LicenseRefreshInterval time.Duration

	NotificationsEnabled    bool
	TelemetryLoggingEnabled bool
}

// Load resolves Settings from the environment. Required variables that are
// missing produce an error so the caller can fail fast at startup; in dev and
// test the license credentials may be absent (the validator substitutes a
// development state).
func Load() (Settings, error) {
	s := Settings{
		Host: GetEnv("HOST", "0.0.0.0"),
		Port: GetEnv("PORT", "4000"),
		Env:  GetAppEnv(),

		SSEConnectTimeout:    GetEnvMillis("SSE_CONNECT_TIMEOUT", 30*time.Second),
		SSERecvTimeout:       GetEnvMillis("SSE_RECV_TIMEOUT", 0),
		SSEKeepaliveInterval: time.Duration(GetEnvInt("SSE_KEEPALIVE_INTERVAL", 30)) * time.Second,

		LicenseKey:             GetEnv("LICENSE_KEY", ""),
		LicenseManagerAPIKey:   GetEnv("LICENSE_MANAGER_API_KEY", ""),
		LicenseManagerAPIURL:   GetEnv("LICENSE_MANAGER_API_URL", "https://lm.wanderer.ltd/api"),
		LicenseRefreshInterval: GetEnvMillis("LICENSE_REFRESH_INTERVAL", time.Hour),

		NotificationsEnabled:    GetEnvBool("NOTIFICATIONS_ENABLED", true),
		TelemetryLoggingEnabled: GetEnvBool("TELEMETRY_LOGGING_ENABLED", false),
	}

	if !s.Env.IsDevLike() {
		if s.LicenseKey == "" {
			return Settings{}, fmt.Errorf("environment variable LICENSE_KEY is required but not set")
		}
		if s.LicenseManagerAPIKey == "" {
			return Settings{}, fmt.Errorf("environment variable LICENSE_MANAGER_API_KEY is required but not set")
		}
	}
	return s, nil
}
