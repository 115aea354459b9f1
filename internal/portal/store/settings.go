package store

import (
	"database/sql"
	"fmt"
	"sort"
	"time"
)

// Well-known setting keys.
const (
	SettingCredentialSalt  = "credential_salt"
	SettingSupportEmail    = "support_email"
	SettingOTPExpiry       = "otp_expiry_seconds"
	SettingOTPCooldown     = "otp_resend_cooldown_seconds"
	SettingSweepSchedule   = "sweep_schedule"
	SettingMaintenanceMode = "maintenance_mode"
	SettingVAPIDKeys       = "vapid_keys"
)

type SettingsStore struct {
	db DBTX
}

func NewSettingsStore(db DBTX) *SettingsStore {
	return &SettingsStore{db: db}
}

// Get returns the value for key, or "" and false when unset.
func (s *SettingsStore) Get(key string) (string, bool, error) {
	var value string
	err := s.db.QueryRow(`SELECT value FROM settings WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get setting %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SettingsStore) GetAll() (map[string]string, error) {
	rows, err := s.db.Query(`SELECT key, value FROM settings ORDER BY key`)
	if err != nil {
		return nil, fmt.Errorf("get all settings: %w", err)
	}
	defer rows.Close()

	settings := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan setting: %w", err)
		}
		settings[key] = value
	}
	return settings, rows.Err()
}

func (s *SettingsStore) Set(key, value string) error {
	return setSetting(s.db, key, value)
}

// SetMultiple writes all values in one transaction when the store is bound
// to a *sql.DB, so a failed write leaves no partial update.
func (s *SettingsStore) SetMultiple(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	db, ok := s.db.(*sql.DB)
	if !ok {
		for _, k := range keys {
			if err := setSetting(s.db, k, values[k]); err != nil {
				return err
			}
		}
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()
	for _, k := range keys {
		if err := setSetting(tx, k, values[k]); err != nil {
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit settings: %w", err)
	}
	return nil
}

// GetOrInit returns the stored value for key, writing init() first if unset.
func (s *SettingsStore) GetOrInit(key string, init func() (string, error)) (string, error) {
	value, ok, err := s.Get(key)
	if err != nil {
		return "", err
	}
	if ok {
		return value, nil
	}
	value, err = init()
	if err != nil {
		return "", fmt.Errorf("init setting %q: %w", key, err)
	}
	if _, err := s.db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?) ON CONFLICT(key) DO NOTHING`,
		key, value, time.Now().UTC(),
	); err != nil {
		return "", fmt.Errorf("init setting %q: %w", key, err)
	}
	// Another writer may have won the insert.
	value, _, err = s.Get(key)
	return value, err
}

func setSetting(db DBTX, key, value string) error {
	_, err := db.Exec(
		`INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("set setting %q: %w", key, err)
	}
	return nil
}
