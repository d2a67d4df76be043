/*
Package config loads the server configuration from environment
variables, with an optional .env file for local development.

DESIGN:
  - Every knob has a default so a bare `loadzone-server` starts with a
    local sqlite file and no external integrations.
  - SMTP_PASSWORD_FILE takes precedence over SMTP_PASSWORD so the
    credential can come from a Docker secret.
  - Durations use Go syntax ("10m", "1h30m").
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full server configuration.
type Config struct {
	Port   int
	DBPath string

	SweepInterval   time.Duration
	RetentionWindow time.Duration
	WarnWindow      time.Duration
	MaxBookHours    int
	QueueLimit      int

	AdminEmails []string
	CORSOrigins []string
	SeedPath    string

	NATSURL     string
	NATSSubject string

	SMTPHost     string
	SMTPPort     int
	SMTPUsername string
	SMTPPassword string
	SMTPFrom     string
	// When set, every outgoing mail is redirected here instead of the
	// real recipient. Used in staging.
	SMTPTestRecipient string
}

// Load reads configuration from environment variables only.
func Load() (*Config, error) {
	return LoadWithFile("")
}

// LoadWithFile loads an optional .env file first, then the environment.
// A missing .env file is not an error.
func LoadWithFile(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	cfg := &Config{
		DBPath:      getEnvOrDefault("DB_PATH", "loadzone.db"),
		SeedPath:    os.Getenv("SEED_PATH"),
		AdminEmails: splitList(os.Getenv("ADMIN_EMAILS")),
		CORSOrigins: splitList(getEnvOrDefault("CORS_ORIGINS", "*")),

		NATSURL:     os.Getenv("NATS_URL"),
		NATSSubject: getEnvOrDefault("NATS_SUBJECT", "loadzone.events"),

		SMTPHost:          os.Getenv("SMTP_HOST"),
		SMTPUsername:      os.Getenv("SMTP_USERNAME"),
		SMTPFrom:          os.Getenv("SMTP_FROM"),
		SMTPTestRecipient: os.Getenv("SMTP_TEST_RECIPIENT"),
	}

	var err error
	if cfg.Port, err = intEnv("PORT", 8080); err != nil {
		return nil, err
	}
	if cfg.MaxBookHours, err = intEnv("MAX_BOOK_HOURS", 24); err != nil {
		return nil, err
	}
	if cfg.QueueLimit, err = intEnv("QUEUE_LIMIT", 10); err != nil {
		return nil, err
	}
	if cfg.SMTPPort, err = intEnv("SMTP_PORT", 587); err != nil {
		return nil, err
	}
	if cfg.SweepInterval, err = durationEnv("SWEEP_INTERVAL", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.RetentionWindow, err = durationEnv("RETENTION_WINDOW", time.Hour); err != nil {
		return nil, err
	}
	if cfg.WarnWindow, err = durationEnv("WARN_WINDOW", time.Hour); err != nil {
		return nil, err
	}

	cfg.SMTPPassword, err = smtpPassword()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT must be in 1..65535, got %d", c.Port)
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.RetentionWindow <= 0 {
		return fmt.Errorf("RETENTION_WINDOW must be positive")
	}
	if c.MaxBookHours <= 0 {
		return fmt.Errorf("MAX_BOOK_HOURS must be positive")
	}
	if c.SMTPEnabled() && c.SMTPFrom == "" {
		return fmt.Errorf("SMTP_FROM is required when SMTP_HOST is set")
	}
	return nil
}

// SMTPEnabled reports whether outgoing mail is configured.
func (c *Config) SMTPEnabled() bool { return c.SMTPHost != "" }

// NATSEnabled reports whether event publishing to NATS is configured.
func (c *Config) NATSEnabled() bool { return c.NATSURL != "" }

// smtpPassword resolves the mail credential, preferring a secrets file.
func smtpPassword() (string, error) {
	if file := os.Getenv("SMTP_PASSWORD_FILE"); file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("failed to read SMTP password file: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	return os.Getenv("SMTP_PASSWORD"), nil
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func intEnv(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return n, nil
}

func durationEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like \"10m\", got %q", key, v)
	}
	return d, nil
}

// splitList splits a comma separated list, trimming blanks.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
