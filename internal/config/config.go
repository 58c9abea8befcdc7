package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

type Config struct {
	Environment         string
	EncryptionKeyBase64 string
	APIToken            string
	Store               string
	SQLitePath          string
	DBHost              string
	DBPort              string
	DBUsername          string
	DBPassword          string
	DBName              string
	DBSSLMode           string
	Port                string
	Timezone            string
	AccountsFile        string
	LogLevel            string
	// MaxConns is the default connection cap of accounts that do not set their own.
	MaxConns int
}

func NewConfig() (*Config, error) {
	env := os.Getenv("VMAIL_ENV")
	if env == "" {
		env = "development"
	}

	if env == "development" {
		if err := godotenv.Load(); err != nil {
			fmt.Println("Warning: .env file not found, using environment variables")
		}
	}

	maxConns, err := strconv.Atoi(getEnvOrDefault("VMAIL_MAX_CONNS", "3"))
	if err != nil {
		return nil, fmt.Errorf("VMAIL_MAX_CONNS must be a number: %w", err)
	}

	config := &Config{
		Environment:         env,
		EncryptionKeyBase64: os.Getenv("VMAIL_ENCRYPTION_KEY_BASE64"),
		APIToken:            os.Getenv("VMAIL_API_TOKEN"),
		Store:               getEnvOrDefault("VMAIL_STORE", StorePostgres),
		SQLitePath:          getEnvOrDefault("VMAIL_SQLITE_PATH", "vmail.db"),
		DBHost:              getEnvOrDefault("VMAIL_DB_HOST", "localhost"),
		DBPort:              getEnvOrDefault("VMAIL_DB_PORT", "5432"),
		DBUsername:          getEnvOrDefault("VMAIL_DB_USER", "vmail"),
		DBPassword:          os.Getenv("VMAIL_DB_PASSWORD"),
		DBName:              getEnvOrDefault("VMAIL_DB_NAME", "vmail"),
		DBSSLMode:           getEnvOrDefault("VMAIL_DB_SSLMODE", "disable"),
		Port:                getEnvOrDefault("PORT", "11764"),
		Timezone:            getEnvOrDefault("TZ", "UTC"),
		AccountsFile:        getEnvOrDefault("VMAIL_ACCOUNTS_FILE", "accounts.yaml"),
		LogLevel:            getEnvOrDefault("VMAIL_LOG_LEVEL", "info"),
		MaxConns:            maxConns,
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return config, nil
}

func (c *Config) Validate() error {
	if c.EncryptionKeyBase64 == "" {
		return fmt.Errorf("VMAIL_ENCRYPTION_KEY_BASE64 is required")
	}

	if c.APIToken == "" {
		return fmt.Errorf("VMAIL_API_TOKEN is required")
	}

	switch c.Store {
	case StorePostgres:
		if c.DBPassword == "" {
			return fmt.Errorf("VMAIL_DB_PASSWORD is required")
		}
	case StoreSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("VMAIL_SQLITE_PATH is required")
		}
	default:
		return fmt.Errorf("VMAIL_STORE must be %q or %q, got %q", StorePostgres, StoreSQLite, c.Store)
	}

	if c.MaxConns < 0 {
		return fmt.Errorf("VMAIL_MAX_CONNS must not be negative")
	}

	return nil
}

// GetDatabaseURL builds the PostgreSQL connection URL, escaping the credentials.
func (c *Config) GetDatabaseURL() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.DBUsername, c.DBPassword),
		Host:     net.JoinHostPort(c.DBHost, c.DBPort),
		Path:     "/" + c.DBName,
		RawQuery: "sslmode=" + url.QueryEscape(c.DBSSLMode),
	}
	return u.String()
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
