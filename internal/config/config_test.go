package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joho/godotenv"
)

func TestDefaults(t *testing.T) {
	for _, k := range []string{"PORTAL_PORT", "PORTAL_BASE_URL", "PORTAL_OTP_EXPIRY", "PORTAL_SECURE_COOKIE", "PORTAL_LOG_FORMAT", "PORTAL_WS_ORIGINS"} {
		t.Setenv(k, "")
	}
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Addr() != ":8080" {
		t.Errorf("Addr = %q, want :8080", cfg.Addr())
	}
	if cfg.BaseURL != "http://localhost:8080" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.OTPExpiry != 600*time.Second || cfg.OTPCooldown != 60*time.Second {
		t.Errorf("otp = %v / %v, want 10m0s / 1m0s", cfg.OTPExpiry, cfg.OTPCooldown)
	}
	if cfg.SecureCookie {
		t.Error("SecureCookie = true for an http base URL")
	}
	if cfg.WSOrigins != nil {
		t.Errorf("WSOrigins = %v, want nil", cfg.WSOrigins)
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("PORTAL_PORT", "9000")
	t.Setenv("PORTAL_BASE_URL", "https://portal.example.com/")
	t.Setenv("PORTAL_OTP_EXPIRY", "300")
	t.Setenv("PORTAL_REVEAL_WINDOW", "15m")
	t.Setenv("PORTAL_WS_ORIGINS", "portal.example.com, admin.example.com")
	t.Setenv("PORTAL_LOG_FORMAT", "json")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.BaseURL != "https://portal.example.com" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if !cfg.SecureCookie {
		t.Error("SecureCookie = false for an https base URL")
	}
	if cfg.OTPExpiry != 5*time.Minute {
		t.Errorf("OTPExpiry = %v, want 5m0s", cfg.OTPExpiry)
	}
	if cfg.RevealWindow != 15*time.Minute {
		t.Errorf("RevealWindow = %v, want 15m0s", cfg.RevealWindow)
	}
	if len(cfg.WSOrigins) != 2 || cfg.WSOrigins[1] != "admin.example.com" {
		t.Errorf("WSOrigins = %v", cfg.WSOrigins)
	}
}

func TestInvalidValues(t *testing.T) {
	t.Setenv("PORTAL_OTP_COOLDOWN", "soon")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for bad duration")
	}
	t.Setenv("PORTAL_OTP_COOLDOWN", "")
	t.Setenv("PORTAL_LOG_FORMAT", "xml")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for bad log format")
	}
}

func TestDotEnvDoesNotOverrideEnvironment(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("PORTAL_DB_PATH=from-file.db\nPORTAL_SUPPORT_EMAIL=help@example.com\n"), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("PORTAL_DB_PATH", "from-env.db")
	t.Setenv("PORTAL_SUPPORT_EMAIL", "")
	os.Unsetenv("PORTAL_SUPPORT_EMAIL")

	if err := godotenv.Load(path); err != nil {
		t.Fatalf("load .env: %v", err)
	}
	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.DBPath != "from-env.db" {
		t.Errorf("DBPath = %q, want from-env.db", cfg.DBPath)
	}
	if cfg.SupportEmail != "help@example.com" {
		t.Errorf("SupportEmail = %q, want help@example.com", cfg.SupportEmail)
	}
}

func TestBackupConfig(t *testing.T) {
	t.Setenv("PORTAL_SECRET_KEY", "column-key")
	t.Setenv("PORTAL_BACKUP_PASSPHRASE", "")
	t.Setenv("PORTAL_BACKUP_S3_BUCKET", "portal-backups")
	t.Setenv("PORTAL_BACKUP_S3_REGION", "")
	t.Setenv("PORTAL_BACKUP_RETENTION_DAYS", "7")
	t.Setenv("PORTAL_BACKUP_SCHEDULE", "0 3 * * *")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	b := cfg.Backup()
	if b.Passphrase != "column-key" {
		t.Errorf("Passphrase = %q, want the secret key", b.Passphrase)
	}
	if b.S3.Bucket != "portal-backups" || b.S3.Region != "us-east-1" {
		t.Errorf("S3 = %+v", b.S3)
	}
	if b.RetentionDays != 7 || b.Schedule != "0 3 * * *" {
		t.Errorf("retention = %d, schedule = %q", b.RetentionDays, b.Schedule)
	}

	t.Setenv("PORTAL_BACKUP_RETENTION_DAYS", "a week")
	if _, err := FromEnv(); err == nil {
		t.Error("expected error for bad retention")
	}
}

func TestVAPIDSubscriberFromSupportEmail(t *testing.T) {
	t.Setenv("PORTAL_SUPPORT_EMAIL", "help@example.com")
	t.Setenv("PORTAL_VAPID_SUBSCRIBER", "")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.VAPIDSubscriber != "mailto:help@example.com" {
		t.Errorf("VAPIDSubscriber = %q", cfg.VAPIDSubscriber)
	}

	t.Setenv("PORTAL_VAPID_SUBSCRIBER", "https://portal.example.com")
	if cfg, _ = FromEnv(); cfg.VAPIDSubscriber != "https://portal.example.com" {
		t.Errorf("VAPIDSubscriber override = %q", cfg.VAPIDSubscriber)
	}
}
