package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/dukerupert/portal/internal/portal/model"
)

// OTPStore persists hashed one-time codes. Callers supply now so expiry and
// cooldown checks share one clock with the service layer.
type OTPStore struct {
	db DBTX
}

func NewOTPStore(db DBTX) *OTPStore {
	return &OTPStore{db: db}
}

func scanOTP(s scanner) (*model.OTPCode, error) {
	var c model.OTPCode
	var usedAt, verifiedAt sql.NullTime
	err := s.Scan(
		&c.ID, &c.Email, &c.Purpose, &c.CodeHash, &c.ExpiresAt,
		&c.Attempts, &usedAt, &verifiedAt, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.UsedAt = timePtr(usedAt)
	c.VerifiedAt = timePtr(verifiedAt)
	return &c, nil
}

const otpCols = `id, email, purpose, code_hash, expires_at, attempts, used_at, verified_at, created_at`

// Create stores a new code hash valid for ttl. Pending codes for the same
// email and purpose are invalidated first so only one code is live.
func (s *OTPStore) Create(email, purpose, codeHash string, now time.Time, ttl time.Duration) (*model.OTPCode, error) {
	email = normalizeEmail(email)
	now = now.UTC()

	_, err := s.db.Exec(
		`UPDATE otp_codes SET used_at = ? WHERE email = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?`,
		now, email, purpose, now,
	)
	if err != nil {
		return nil, fmt.Errorf("invalidate previous codes: %w", err)
	}

	result, err := s.db.Exec(
		`INSERT INTO otp_codes (email, purpose, code_hash, expires_at, created_at) VALUES (?, ?, ?, ?, ?)`,
		email, purpose, codeHash, now.Add(ttl), now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert otp code: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("last insert id: %w", err)
	}
	row := s.db.QueryRow(`SELECT `+otpCols+` FROM otp_codes WHERE id = ?`, id)
	c, err := scanOTP(row)
	if err != nil {
		return nil, fmt.Errorf("get otp code: %w", err)
	}
	return c, nil
}

// Latest returns the most recently issued code regardless of state, or nil.
func (s *OTPStore) Latest(email, purpose string) (*model.OTPCode, error) {
	row := s.db.QueryRow(
		`SELECT `+otpCols+` FROM otp_codes WHERE email = ? AND purpose = ? ORDER BY created_at DESC, id DESC LIMIT 1`,
		normalizeEmail(email), purpose,
	)
	c, err := scanOTP(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest otp code: %w", err)
	}
	return c, nil
}

// Active returns the live (unused, unexpired) code, or nil.
func (s *OTPStore) Active(email, purpose string, now time.Time) (*model.OTPCode, error) {
	row := s.db.QueryRow(
		`SELECT `+otpCols+` FROM otp_codes
		 WHERE email = ? AND purpose = ? AND used_at IS NULL AND expires_at > ?
		 ORDER BY created_at DESC, id DESC LIMIT 1`,
		normalizeEmail(email), purpose, now.UTC(),
	)
	c, err := scanOTP(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active otp code: %w", err)
	}
	return c, nil
}

// IncrementAttempts increments the attempt count and returns the new value.
func (s *OTPStore) IncrementAttempts(id int64) (int, error) {
	_, err := s.db.Exec(`UPDATE otp_codes SET attempts = attempts + 1 WHERE id = ?`, id)
	if err != nil {
		return 0, fmt.Errorf("increment attempts: %w", err)
	}
	var attempts int
	err = s.db.QueryRow(`SELECT attempts FROM otp_codes WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("read attempts: %w", err)
	}
	return attempts, nil
}

// Invalidate burns a code without verifying it.
func (s *OTPStore) Invalidate(id int64, now time.Time) error {
	_, err := s.db.Exec(`UPDATE otp_codes SET used_at = ? WHERE id = ? AND used_at IS NULL`, now.UTC(), id)
	if err != nil {
		return fmt.Errorf("invalidate otp code: %w", err)
	}
	return nil
}

// MarkVerified consumes a code. It reports false if the code was already used.
func (s *OTPStore) MarkVerified(id int64, now time.Time) (bool, error) {
	now = now.UTC()
	result, err := s.db.Exec(
		`UPDATE otp_codes SET used_at = ?, verified_at = ? WHERE id = ? AND used_at IS NULL`,
		now, now, id,
	)
	if err != nil {
		return false, fmt.Errorf("mark otp verified: %w", err)
	}
	return affectedOne(result)
}

// VerifiedSince reports whether any code for email and purpose was verified
// at or after since.
func (s *OTPStore) VerifiedSince(email, purpose string, since time.Time) (bool, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM otp_codes WHERE email = ? AND purpose = ? AND verified_at IS NOT NULL AND verified_at >= ?`,
		normalizeEmail(email), purpose, since.UTC(),
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check verified otp: %w", err)
	}
	return n > 0, nil
}

// DeleteExpired removes codes that expired before now. Verified codes are
// kept until their verification is older than verifiedBefore, since
// VerifiedSince reads them.
func (s *OTPStore) DeleteExpired(now, verifiedBefore time.Time) (int64, error) {
	result, err := s.db.Exec(
		`DELETE FROM otp_codes WHERE expires_at <= ? AND (verified_at IS NULL OR verified_at < ?)`,
		now.UTC(), verifiedBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired otp codes: %w", err)
	}
	count, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return count, nil
}
