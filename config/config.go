/*
Package config loads the rates service configuration.

PURPOSE:
  One typed Config assembled from defaults, an optional .env file and the
  process environment, in increasing order of precedence. Command-line
  flags are applied on top by cmd/server.

ENVIRONMENT:
  APP_NAME, APP_ENV
  HTTP_HOST, HTTP_PORT, HTTP_READ_TIMEOUT, HTTP_WRITE_TIMEOUT,
  HTTP_IDLE_TIMEOUT, HTTP_ALLOWED_ORIGINS (comma separated)
  STORE_DRIVER (memory | sqlite | postgres), STORE_SQLITE_PATH
  DATABASE_URL, DB_HOST, DB_PORT, DB_USER, DB_PASSWORD, DB_NAME,
  DB_SSLMODE, DB_MAX_CONNS
  LOG_LEVEL
  AUDITOR_ENABLED, AUDITOR_INTERVAL

SEE ALSO:
  - cmd/server/main.go: Flag overrides and wiring
  - logger/logger.go: Consumes App.Env and Log.Level
*/
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type Config struct {
	App     AppConfig
	HTTP    HTTPConfig
	Store   StoreConfig
	DB      DBConfig
	Log     LogConfig
	Auditor AuditorConfig
}

type AppConfig struct {
	Name string
	Env  string // development, staging, production
}

func (c AppConfig) IsDevelopment() bool { return c.Env == "development" }

type HTTPConfig struct {
	Host           string
	Port           int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration
	AllowedOrigins []string
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StoreConfig struct {
	Driver     string
	SQLitePath string
}

// DBConfig configures the postgres driver. URL, when set, wins over the
// individual fields.
type DBConfig struct {
	URL      string
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	SSLMode  string
	MaxConns int
}

// DSN returns the connection string, URL-encoding the credentials.
func (c DBConfig) DSN() string {
	if c.URL != "" {
		return c.URL
	}
	u := &url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.User, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + c.SSLMode,
	}
	return u.String()
}

type LogConfig struct {
	Level string
}

type AuditorConfig struct {
	Enabled  bool
	Interval time.Duration
}

// Load reads .env files (missing ones are ignored) and the environment.
// Variables already present in the environment are never overwritten by a
// file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		_ = godotenv.Load(f)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		App: AppConfig{
			Name: v.GetString("APP_NAME"),
			Env:  v.GetString("APP_ENV"),
		},
		HTTP: HTTPConfig{
			Host:           v.GetString("HTTP_HOST"),
			Port:           v.GetInt("HTTP_PORT"),
			ReadTimeout:    v.GetDuration("HTTP_READ_TIMEOUT"),
			WriteTimeout:   v.GetDuration("HTTP_WRITE_TIMEOUT"),
			IdleTimeout:    v.GetDuration("HTTP_IDLE_TIMEOUT"),
			AllowedOrigins: splitList(v.GetString("HTTP_ALLOWED_ORIGINS")),
		},
		Store: StoreConfig{
			Driver:     strings.ToLower(strings.TrimSpace(v.GetString("STORE_DRIVER"))),
			SQLitePath: v.GetString("STORE_SQLITE_PATH"),
		},
		DB: DBConfig{
			URL:      strings.TrimSpace(v.GetString("DATABASE_URL")),
			Host:     v.GetString("DB_HOST"),
			Port:     v.GetInt("DB_PORT"),
			User:     v.GetString("DB_USER"),
			Password: v.GetString("DB_PASSWORD"),
			Name:     v.GetString("DB_NAME"),
			SSLMode:  v.GetString("DB_SSLMODE"),
			MaxConns: v.GetInt("DB_MAX_CONNS"),
		},
		Log: LogConfig{
			Level: strings.ToLower(v.GetString("LOG_LEVEL")),
		},
		Auditor: AuditorConfig{
			Enabled:  v.GetBool("AUDITOR_ENABLED"),
			Interval: v.GetDuration("AUDITOR_INTERVAL"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "rates")
	v.SetDefault("APP_ENV", "development")

	v.SetDefault("HTTP_HOST", "0.0.0.0")
	v.SetDefault("HTTP_PORT", 8080)
	v.SetDefault("HTTP_READ_TIMEOUT", "15s")
	v.SetDefault("HTTP_WRITE_TIMEOUT", "15s")
	v.SetDefault("HTTP_IDLE_TIMEOUT", "60s")
	v.SetDefault("HTTP_ALLOWED_ORIGINS", "*")

	v.SetDefault("STORE_DRIVER", DriverSQLite)
	v.SetDefault("STORE_SQLITE_PATH", "rates.db")

	v.SetDefault("DB_HOST", "localhost")
	v.SetDefault("DB_PORT", 5432)
	v.SetDefault("DB_USER", "postgres")
	v.SetDefault("DB_PASSWORD", "")
	v.SetDefault("DB_NAME", "rates")
	v.SetDefault("DB_SSLMODE", "disable")
	v.SetDefault("DB_MAX_CONNS", 10)

	v.SetDefault("LOG_LEVEL", "info")

	v.SetDefault("AUDITOR_ENABLED", true)
	v.SetDefault("AUDITOR_INTERVAL", "5m")
}

// Validate checks values that flags may also have changed.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case DriverMemory, DriverSQLite, DriverPostgres:
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("config: invalid HTTP port %d", c.HTTP.Port)
	}
	if c.Auditor.Enabled && c.Auditor.Interval <= 0 {
		return fmt.Errorf("config: auditor interval must be positive, got %s", c.Auditor.Interval)
	}
	if c.DB.MaxConns <= 0 {
		c.DB.MaxConns = 1
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
