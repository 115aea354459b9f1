// Package config reads portal settings from PORTAL_* environment variables,
// with an optional .env file in the working directory.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dukerupert/portal/internal/backup"
)

type Config struct {
	Port     string
	DBPath   string
	BaseURL  string
	LogLevel string
	// LogFormat is "text" or "json".
	LogFormat string

	SecretKey    string
	SecureCookie bool
	WSOrigins    []string

	PostmarkToken string
	FromEmail     string
	SupportEmail  string

	StripeSecretKey     string
	StripeWebhookSecret string

	SweepSchedule string
	OTPExpiry     time.Duration
	OTPCooldown   time.Duration
	RevealWindow  time.Duration

	BackupS3Endpoint    string
	BackupS3Bucket      string
	BackupS3Region      string
	BackupS3AccessKey   string
	BackupS3SecretKey   string
	BackupPassphrase    string
	BackupSchedule      string
	BackupRetentionDays int

	// VAPID keys sign web push requests. When unset the server generates a
	// pair and keeps it in the settings table.
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	VAPIDSubscriber string
}

// Load reads .env if present, then the environment. Variables already set in
// the environment win over .env.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv builds a Config from the current environment only.
func FromEnv() (*Config, error) {
	port := getEnv("PORTAL_PORT", "8080")
	cfg := &Config{
		Port:      port,
		DBPath:    getEnv("PORTAL_DB_PATH", "portal.db"),
		BaseURL:   strings.TrimRight(getEnv("PORTAL_BASE_URL", "http://localhost:"+port), "/"),
		LogLevel:  getEnv("PORTAL_LOG_LEVEL", "info"),
		LogFormat: getEnv("PORTAL_LOG_FORMAT", "text"),

		SecretKey: os.Getenv("PORTAL_SECRET_KEY"),
		WSOrigins: getEnvAsList("PORTAL_WS_ORIGINS"),

		PostmarkToken: os.Getenv("PORTAL_POSTMARK_TOKEN"),
		FromEmail:     os.Getenv("PORTAL_FROM_EMAIL"),
		SupportEmail:  os.Getenv("PORTAL_SUPPORT_EMAIL"),

		StripeSecretKey:     os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret: os.Getenv("STRIPE_WEBHOOK_SECRET"),

		SweepSchedule: getEnv("PORTAL_SWEEP_SCHEDULE", "@hourly"),

		VAPIDPublicKey:  os.Getenv("PORTAL_VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("PORTAL_VAPID_PRIVATE_KEY"),

		BackupS3Endpoint:  os.Getenv("PORTAL_BACKUP_S3_ENDPOINT"),
		BackupS3Bucket:    os.Getenv("PORTAL_BACKUP_S3_BUCKET"),
		BackupS3Region:    getEnv("PORTAL_BACKUP_S3_REGION", "us-east-1"),
		BackupS3AccessKey: os.Getenv("PORTAL_BACKUP_S3_ACCESS_KEY"),
		BackupS3SecretKey: os.Getenv("PORTAL_BACKUP_S3_SECRET_KEY"),
		BackupSchedule:    getEnv("PORTAL_BACKUP_SCHEDULE", backup.DefaultSchedule),
	}
	cfg.BackupPassphrase = getEnv("PORTAL_BACKUP_PASSPHRASE", cfg.SecretKey)
	cfg.VAPIDSubscriber = getEnv("PORTAL_VAPID_SUBSCRIBER", vapidSubscriber(cfg.SupportEmail))

	var err error
	if cfg.SecureCookie, err = getEnvAsBool("PORTAL_SECURE_COOKIE", strings.HasPrefix(cfg.BaseURL, "https://")); err != nil {
		return nil, err
	}
	if cfg.OTPExpiry, err = getEnvAsDuration("PORTAL_OTP_EXPIRY", 600*time.Second); err != nil {
		return nil, err
	}
	if cfg.OTPCooldown, err = getEnvAsDuration("PORTAL_OTP_COOLDOWN", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.RevealWindow, err = getEnvAsDuration("PORTAL_REVEAL_WINDOW", 10*time.Minute); err != nil {
		return nil, err
	}
	if cfg.BackupRetentionDays, err = getEnvAsInt("PORTAL_BACKUP_RETENTION_DAYS", backup.DefaultRetentionDays); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("PORTAL_LOG_FORMAT must be text or json, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// Backup is the snapshot configuration. The passphrase defaults to the
// secret key.
func (c *Config) Backup() backup.Config {
	return backup.Config{
		S3: backup.S3Config{
			Endpoint:  c.BackupS3Endpoint,
			Bucket:    c.BackupS3Bucket,
			Region:    c.BackupS3Region,
			AccessKey: c.BackupS3AccessKey,
			SecretKey: c.BackupS3SecretKey,
		},
		Passphrase:    c.BackupPassphrase,
		Schedule:      c.BackupSchedule,
		RetentionDays: c.BackupRetentionDays,
	}
}

func vapidSubscriber(supportEmail string) string {
	if supportEmail == "" {
		return ""
	}
	return "mailto:" + supportEmail
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvAsBool(key string, fallback bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvAsInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

// getEnvAsDuration accepts Go durations ("90s", "10m") or a bare number of
// seconds.
func getEnvAsDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func getEnvAsList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
