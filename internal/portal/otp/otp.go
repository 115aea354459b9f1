// Package otp issues and checks short-lived numeric codes sent by email.
// Codes are stored as bcrypt hashes; only the recipient ever sees the digits.
package otp

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/portal/store"
)

const (
	PurposeLogin       = "login"
	PurposeCredentials = "credentials"

	CodeLength      = 6
	MaxAttempts     = 5
	DefaultExpiry   = 600 * time.Second
	DefaultCooldown = 60 * time.Second
	// DefaultRevealWindow is how long a verified credentials code unlocks
	// the credential fetch.
	DefaultRevealWindow = 10 * time.Minute
)

var (
	ErrCooldown        = errors.New("please wait before requesting another code")
	ErrInvalidCode     = errors.New("invalid or expired code")
	ErrTooManyAttempts = errors.New("too many incorrect attempts, request a new code")
	ErrInvalidPurpose  = errors.New("unknown code purpose")
	ErrInvalidEmail    = errors.New("email is required")
)

// Sender delivers a code to its recipient.
type Sender interface {
	SendOTP(ctx context.Context, to, code, purpose string, expiresIn time.Duration) error
}

type SendResult struct {
	ExpiresIn  time.Duration
	RetryAfter time.Duration
}

type Service struct {
	codes    *store.OTPStore
	sender   Sender
	logger   *slog.Logger
	now      func() time.Time
	expiry   time.Duration
	cooldown time.Duration
	reveal   time.Duration
	hashCost int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func WithExpiry(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.expiry = d
		}
	}
}

func WithCooldown(d time.Duration) Option {
	return func(s *Service) {
		if d >= 0 {
			s.cooldown = d
		}
	}
}

// WithRevealWindow sets how long verified codes are retained by Cleanup.
func WithRevealWindow(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.reveal = d
		}
	}
}

// WithHashCost sets the bcrypt cost for stored codes.
func WithHashCost(cost int) Option {
	return func(s *Service) { s.hashCost = cost }
}

// NewService returns an OTP service. A nil sender logs codes instead of
// mailing them, which is only suitable for local development.
func NewService(codes *store.OTPStore, sender Sender, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		codes:    codes,
		sender:   sender,
		logger:   logger.With("component", "otp"),
		now:      time.Now,
		expiry:   DefaultExpiry,
		cooldown: DefaultCooldown,
		reveal:   DefaultRevealWindow,
		hashCost: bcrypt.DefaultCost,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Expiry() time.Duration { return s.expiry }

func validPurpose(p string) bool {
	return p == PurposeLogin || p == PurposeCredentials
}

// generateCode returns a 6-digit numeric code (100000-999999).
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}

// Send issues a new code for email and purpose. Within the cooldown of the
// previous code it returns ErrCooldown with RetryAfter set.
func (s *Service) Send(ctx context.Context, email, purpose string) (*SendResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, ErrInvalidEmail
	}
	if !validPurpose(purpose) {
		return nil, ErrInvalidPurpose
	}
	now := s.now()

	latest, err := s.codes.Latest(email, purpose)
	if err != nil {
		return nil, err
	}
	if latest != nil {
		if elapsed := now.Sub(latest.CreatedAt); elapsed < s.cooldown {
			wait := (s.cooldown - elapsed).Round(time.Second)
			if wait < time.Second {
				wait = time.Second
			}
			return &SendResult{RetryAfter: wait}, ErrCooldown
		}
	}

	code, err := generateCode()
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash code: %w", err)
	}
	issued, err := s.codes.Create(email, purpose, string(hash), now, s.expiry)
	if err != nil {
		return nil, err
	}

	if s.sender == nil {
		s.logger.Warn("email disabled, code logged", "email", email, "purpose", purpose, "code", code)
	} else if err := s.sender.SendOTP(ctx, email, code, purpose, s.expiry); err != nil {
		if ierr := s.codes.Invalidate(issued.ID, now); ierr != nil {
			s.logger.Error("invalidate unsent code", "error", ierr)
		}
		return nil, fmt.Errorf("send code: %w", err)
	}

	metrics.OTPSent.WithLabelValues(purpose).Inc()
	s.logger.Info("code issued", "email", email, "purpose", purpose)
	return &SendResult{ExpiresIn: s.expiry, RetryAfter: s.cooldown}, nil
}

// Verify consumes the live code for email and purpose if it matches. Wrong,
// expired and already-used codes all return ErrInvalidCode.
func (s *Service) Verify(ctx context.Context, email, purpose, code string) error {
	email = strings.ToLower(strings.TrimSpace(email))
	code = strings.TrimSpace(code)
	if !validPurpose(purpose) {
		return ErrInvalidPurpose
	}
	now := s.now()

	active, err := s.codes.Active(email, purpose, now)
	if err != nil {
		return err
	}
	if active == nil {
		metrics.OTPVerifications.WithLabelValues(purpose, "invalid").Inc()
		return ErrInvalidCode
	}
	if active.Attempts >= MaxAttempts {
		if err := s.codes.Invalidate(active.ID, now); err != nil {
			s.logger.Error("invalidate locked code", "error", err)
		}
		metrics.OTPVerifications.WithLabelValues(purpose, "locked").Inc()
		return ErrTooManyAttempts
	}

	if len(code) != CodeLength || bcrypt.CompareHashAndPassword([]byte(active.CodeHash), []byte(code)) != nil {
		attempts, err := s.codes.IncrementAttempts(active.ID)
		if err != nil {
			s.logger.Error("increment attempts", "error", err)
		}
		if attempts >= MaxAttempts {
			if err := s.codes.Invalidate(active.ID, now); err != nil {
				s.logger.Error("invalidate locked code", "error", err)
			}
			metrics.OTPVerifications.WithLabelValues(purpose, "locked").Inc()
			return ErrTooManyAttempts
		}
		metrics.OTPVerifications.WithLabelValues(purpose, "invalid").Inc()
		return ErrInvalidCode
	}

	ok, err := s.codes.MarkVerified(active.ID, now)
	if err != nil {
		return err
	}
	if !ok {
		metrics.OTPVerifications.WithLabelValues(purpose, "invalid").Inc()
		return ErrInvalidCode
	}
	metrics.OTPVerifications.WithLabelValues(purpose, "success").Inc()
	s.logger.Info("code verified", "email", email, "purpose", purpose)
	return nil
}

// RecentlyVerified reports whether a code for email and purpose was verified
// within window.
func (s *Service) RecentlyVerified(ctx context.Context, email, purpose string, window time.Duration) (bool, error) {
	return s.codes.VerifiedSince(email, purpose, s.now().Add(-window))
}

// Cleanup deletes expired codes and returns how many were removed. Codes
// verified within the reveal window survive so the reveal stays unlocked.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	now := s.now()
	return s.codes.DeleteExpired(now, now.Add(-s.reveal))
}
