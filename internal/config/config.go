package config

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Auth     AuthConfig
	Log      LogConfig
}

type ServerConfig struct {
	Host            string
	Port            string
	AllowedOrigins  []string
	MaxMessageSize  int64
	ShutdownTimeout time.Duration
}

// Addr is the listen address in host:port form.
func (c ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

type DatabaseConfig struct {
	Driver string
	DSN    string
}

type AuthConfig struct {
	JWTSecret string
	TokenTTL  time.Duration
}

type LogConfig struct {
	File        string
	Environment string
}

// ClientConfig is what the terminal client needs to reach the server.
type ClientConfig struct {
	ServerHost string
	ServerPort string
}

func (c ClientConfig) BaseURL() string {
	return "http://" + net.JoinHostPort(c.ServerHost, c.ServerPort)
}

// Load reads an optional .env file and then the process environment.
// It reports whether a .env file was found so the caller can log it.
func Load() (*Config, bool) {
	found := godotenv.Load() == nil

	return &Config{
		Server: ServerConfig{
			Host:            getEnv("SERVER_HOST", "0.0.0.0"),
			Port:            getEnv("SERVER_PORT", "5000"),
			AllowedOrigins:  splitList(getEnv("ALLOWED_ORIGINS", "*")),
			MaxMessageSize:  int64(getEnvAsInt("MAX_MESSAGE_SIZE", 4096)),
			ShutdownTimeout: getEnvAsDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "sqlite3"),
			DSN:    getEnv("DB_DSN", "./data/database.db"),
		},
		Auth: AuthConfig{
			JWTSecret: getEnv("JWT_SECRET", "change-me-in-production"),
			TokenTTL:  getEnvAsDuration("TOKEN_TTL", 24*time.Hour),
		},
		Log: LogConfig{
			File:        getEnv("LOG_FILE", ""),
			Environment: getEnv("APP_ENV", "development"),
		},
	}, found
}

func LoadClient() *ClientConfig {
	_ = godotenv.Load()

	return &ClientConfig{
		ServerHost: getEnv("CLIENT_SERVER_HOST", "127.0.0.1"),
		ServerPort: getEnv("CLIENT_SERVER_PORT", "5000"),
	}
}

func (c LogConfig) IsProduction() bool {
	return c.Environment == "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getEnvAsInt(key string, fallback int) int {
	if value, err := strconv.Atoi(getEnv(key, "")); err == nil && value > 0 {
		return value
	}
	return fallback
}

func getEnvAsDuration(key string, fallback time.Duration) time.Duration {
	if value, err := time.ParseDuration(getEnv(key, "")); err == nil && value > 0 {
		return value
	}
	return fallback
}

func splitList(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
