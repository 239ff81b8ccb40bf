// pkg/config/database.go
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/snowflakedb/gosnowflake"
)

// PoolConfig bounds a database/sql connection pool. Zero values keep the
// driver defaults.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func loadPoolConfig(prefix string, def PoolConfig) PoolConfig {
	return PoolConfig{
		MaxOpenConns:    getEnvAsInt(prefix+"_MAX_OPEN_CONNS", def.MaxOpenConns),
		MaxIdleConns:    getEnvAsInt(prefix+"_MAX_IDLE_CONNS", def.MaxIdleConns),
		ConnMaxLifetime: getEnvAsDuration(prefix+"_CONN_MAX_LIFETIME", def.ConnMaxLifetime),
		ConnMaxIdleTime: getEnvAsDuration(prefix+"_CONN_MAX_IDLE_TIME", def.ConnMaxIdleTime),
	}
}

// SnowflakeConfig holds the connection to the staging schema the extracts
// can be read from instead of CSV files
type SnowflakeConfig struct {
	User          string
	Password      string
	Account       string
	Warehouse     string
	Database      string
	Schema        string // holds TICKETS, COMMENTS and TIME_ENTRIES
	Role          string
	Authenticator gosnowflake.AuthType

	Pool PoolConfig
	// QueryTimeout bounds each page of a staging read
	QueryTimeout time.Duration
}

// PostgresConfig holds the target database connection. The same database
// carries the data schemas and the bookkeeping schema.
type PostgresConfig struct {
	// URL, when set, takes precedence over the discrete fields
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	Pool             PoolConfig
	StatementTimeout time.Duration
}

// LoadSnowflakeConfig reads SNOWFLAKE_* variables. User, password, account
// and warehouse are required.
func LoadSnowflakeConfig() (*SnowflakeConfig, error) {
	var missing []string
	get := func(key string) string {
		v := os.Getenv(key)
		if v == "" {
			missing = append(missing, key)
		}
		return v
	}

	cfg := &SnowflakeConfig{
		User:          get("SNOWFLAKE_USER"),
		Password:      get("SNOWFLAKE_PASSWORD"),
		Account:       get("SNOWFLAKE_ACCOUNT"),
		Warehouse:     get("SNOWFLAKE_WAREHOUSE"),
		Database:      strings.ToUpper(getEnv("SNOWFLAKE_DATABASE", "HELPDESK_STAGING")),
		Schema:        strings.ToUpper(getEnv("SNOWFLAKE_SCHEMA", "EXTRACTS")),
		Role:          getEnv("SNOWFLAKE_ROLE", ""),
		Authenticator: parseAuthenticator(getEnv("SNOWFLAKE_AUTHENTICATOR", "snowflake")),
		Pool: loadPoolConfig("SNOWFLAKE", PoolConfig{
			MaxOpenConns:    4,
			MaxIdleConns:    2,
			ConnMaxLifetime: 10 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
		}),
		QueryTimeout: getEnvAsDuration("SNOWFLAKE_QUERY_TIMEOUT", 5*time.Minute),
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("snowflake source needs %s", strings.Join(missing, ", "))
	}
	return cfg, nil
}

func parseAuthenticator(name string) gosnowflake.AuthType {
	switch strings.ToLower(name) {
	case "oauth":
		return gosnowflake.AuthTypeOAuth
	case "externalbrowser":
		return gosnowflake.AuthTypeExternalBrowser
	case "username_password_mfa":
		return gosnowflake.AuthTypeUsernamePasswordMFA
	case "jwt":
		return gosnowflake.AuthTypeJwt
	case "okta":
		return gosnowflake.AuthTypeOkta
	default:
		return gosnowflake.AuthTypeSnowflake
	}
}

// LoadPostgresConfig reads POSTGRES_URL, or the discrete POSTGRES_* variables
// when no URL is given
func LoadPostgresConfig() (*PostgresConfig, error) {
	cfg := &PostgresConfig{
		URL:      os.Getenv("POSTGRES_URL"),
		Host:     getEnv("POSTGRES_HOST", "localhost"),
		Port:     getEnvAsInt("POSTGRES_PORT", 5432),
		User:     os.Getenv("POSTGRES_USER"),
		Password: os.Getenv("POSTGRES_PASSWORD"),
		Database: os.Getenv("POSTGRES_DB"),
		SSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),
		Pool: loadPoolConfig("POSTGRES", PoolConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnMaxIdleTime: 10 * time.Minute,
		}),
		StatementTimeout: getEnvAsDuration("POSTGRES_STATEMENT_TIMEOUT", 5*time.Minute),
	}

	if cfg.URL != "" {
		return cfg, nil
	}
	switch {
	case cfg.User == "":
		return nil, errors.New("POSTGRES_USER environment variable is required")
	case cfg.Password == "":
		return nil, errors.New("POSTGRES_PASSWORD environment variable is required")
	case cfg.Database == "":
		return nil, errors.New("POSTGRES_DB environment variable is required")
	}
	return cfg, nil
}

// ConnectionString returns the DSN handed to the pgx driver
func (c *PostgresConfig) ConnectionString() string {
	if c.URL != "" {
		return c.URL
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Redacted describes the target without credentials, for logs
func (c *PostgresConfig) Redacted() string {
	if c.URL != "" {
		if at := strings.LastIndex(c.URL, "@"); at >= 0 {
			return c.URL[at+1:]
		}
		return "postgres"
	}
	return fmt.Sprintf("%s:%d/%s", c.Host, c.Port, c.Database)
}
