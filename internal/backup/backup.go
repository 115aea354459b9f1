// Package backup takes encrypted snapshots of the portal database and keeps
// them in S3-compatible object storage.
package backup

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite"

	"github.com/dukerupert/portal/internal/metrics"
	"github.com/dukerupert/portal/internal/portal/model"
	"github.com/dukerupert/portal/internal/portal/store"
)

const (
	DefaultSchedule      = "@daily"
	DefaultRetentionDays = 30
	DefaultPrefix        = "portal"
)

var (
	ErrNotConfigured = errors.New("backup not configured")
	ErrInProgress    = errors.New("a backup is already running")
	ErrNotFound      = errors.New("backup not found")
	ErrIncomplete    = errors.New("backup did not complete")
)

// s3Client is an interface for testability.
type s3Client interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, input *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	DeleteObject(ctx context.Context, input *s3.DeleteObjectInput, opts ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// S3Config holds S3-compatible storage configuration.
type S3Config struct {
	Endpoint  string
	Bucket    string
	Region    string
	AccessKey string
	SecretKey string
}

func (c S3Config) complete() bool {
	return c.Bucket != "" && c.AccessKey != "" && c.SecretKey != ""
}

type Config struct {
	S3 S3Config
	// Passphrase encrypts every snapshot. Backups are disabled without one.
	Passphrase    string
	Schedule      string
	RetentionDays int
	Prefix        string
}

type State string

const (
	StateIdle     State = "idle"
	StateRunning  State = "running"
	StateDisabled State = "disabled"
	StateError    State = "error"
)

type Status struct {
	State      State      `json:"state"`
	Schedule   string     `json:"schedule,omitempty"`
	LastBackup *time.Time `json:"last_backup,omitempty"`
	Error      string     `json:"error,omitempty"`
	InProgress bool       `json:"in_progress"`
}

// StatusCallback is called whenever the backup state changes.
type StatusCallback func(Status)

type Manager struct {
	mu       sync.RWMutex
	cfg      Config
	status   Status
	callback StatusCallback

	db     *sql.DB
	store  *store.BackupStore
	client s3Client
	logger *slog.Logger
	cron   *cron.Cron
}

// NewManager builds a manager. Without complete S3 settings and a passphrase
// it stays disabled and every operation returns ErrNotConfigured.
func NewManager(cfg Config, db *sql.DB, bs *store.BackupStore, logger *slog.Logger, callback StatusCallback) *Manager {
	var client s3Client
	if cfg.S3.complete() {
		client = newS3Client(cfg.S3)
	}
	return newManager(cfg, db, bs, client, logger, callback)
}

func newManager(cfg Config, db *sql.DB, bs *store.BackupStore, client s3Client, logger *slog.Logger, callback StatusCallback) *Manager {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultPrefix
	}
	m := &Manager{
		cfg:      cfg,
		db:       db,
		store:    bs,
		callback: callback,
		logger:   logger.With("component", "backup"),
		status:   Status{State: StateDisabled},
	}
	if client != nil && cfg.Passphrase != "" {
		m.client = client
		m.status = Status{State: StateIdle, Schedule: cfg.Schedule}
		if last, err := bs.LatestCompleted(); err == nil && last != nil {
			m.status.LastBackup = last.CompletedAt
		}
	}
	return m
}

func newS3Client(cfg S3Config) *s3.Client {
	opts := s3.Options{
		Region:       cfg.Region,
		Credentials:  credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		UsePathStyle: true,
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	return s3.New(opts)
}

func (m *Manager) Enabled() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client != nil
}

// Start schedules backups followed by retention cleanup. A disabled manager
// does nothing.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		m.logger.Info("backups disabled")
		return nil
	}
	if m.cron != nil {
		return nil
	}
	c := cron.New()
	if _, err := c.AddFunc(m.cfg.Schedule, m.scheduled); err != nil {
		return fmt.Errorf("parse backup schedule %q: %w", m.cfg.Schedule, err)
	}
	c.Start()
	m.cron = c
	m.logger.Info("backup scheduler started", "schedule", m.cfg.Schedule, "bucket", m.cfg.S3.Bucket)
	return nil
}

// Stop halts the schedule and waits for a running backup to finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	c := m.cron
	m.cron = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func (m *Manager) setStatus(s Status) {
	m.mu.Lock()
	s.Schedule = m.cfg.Schedule
	if s.LastBackup == nil {
		s.LastBackup = m.status.LastBackup
	}
	m.status = s
	m.mu.Unlock()
	if m.callback != nil {
		m.callback(s)
	}
}

func (m *Manager) scheduled() {
	ctx := context.Background()
	if _, err := m.RunNow(ctx); err != nil {
		m.logger.Error("scheduled backup failed", "error", err)
	}
	if _, err := m.Cleanup(ctx); err != nil {
		m.logger.Error("backup cleanup failed", "error", err)
	}
}

// List returns the most recent backup records.
func (m *Manager) List(limit int) ([]model.Backup, error) {
	return m.store.List(limit)
}

// RunNow snapshots the database, encrypts it and uploads it.
func (m *Manager) RunNow(ctx context.Context) (*model.Backup, error) {
	m.mu.Lock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	if client == nil {
		m.mu.Unlock()
		return nil, ErrNotConfigured
	}
	if m.status.InProgress {
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	m.status.InProgress = true
	m.mu.Unlock()

	m.setStatus(Status{State: StateRunning, InProgress: true})

	start := time.Now().UTC()
	filename := fmt.Sprintf("portal-%s.db.enc", start.Format("20060102T150405.000Z"))
	key := m.cfg.Prefix + "/" + filename

	record, err := m.store.Create(filename, key)
	if err != nil {
		m.fail(0, err)
		return nil, fmt.Errorf("create backup record: %w", err)
	}

	size, err := m.upload(ctx, client, bucket, record)
	if err != nil {
		m.fail(record.ID, err)
		return nil, err
	}

	if err := m.store.UpdateCompleted(record.ID, size); err != nil {
		m.fail(record.ID, err)
		return nil, err
	}
	now := time.Now().UTC()
	record.Status = model.BackupCompleted
	record.SizeBytes = size
	record.CompletedAt = &now

	metrics.Backups.WithLabelValues("completed").Inc()
	metrics.LastBackup.Set(float64(now.Unix()))
	m.setStatus(Status{State: StateIdle, LastBackup: &now})
	m.logger.Info("backup completed", "id", record.ID, "key", key, "bytes", size, "duration", time.Since(start))
	return record, nil
}

func (m *Manager) upload(ctx context.Context, client s3Client, bucket string, record *model.Backup) (int64, error) {
	tmpDir, err := os.MkdirTemp("", "portal-backup-")
	if err != nil {
		return 0, fmt.Errorf("create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "snapshot.db")
	if _, err := m.db.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return 0, fmt.Errorf("snapshot database: %w", err)
	}
	plain, err := os.ReadFile(snapshot)
	if err != nil {
		return 0, fmt.Errorf("read snapshot: %w", err)
	}

	m.mu.RLock()
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()
	sealed, err := Encrypt(plain, passphrase)
	if err != nil {
		return 0, err
	}

	if err := m.store.UpdateStatus(record.ID, model.BackupUploading, ""); err != nil {
		return 0, err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(bucket),
		Key:           aws.String(record.S3Key),
		Body:          bytes.NewReader(sealed),
		ContentLength: aws.Int64(int64(len(sealed))),
	})
	if err != nil {
		return 0, fmt.Errorf("upload to s3: %w", err)
	}
	return int64(len(sealed)), nil
}

func (m *Manager) fail(id int64, err error) {
	if id > 0 {
		if uerr := m.store.UpdateStatus(id, model.BackupFailed, err.Error()); uerr != nil {
			m.logger.Error("record backup failure", "id", id, "error", uerr)
		}
	}
	metrics.Backups.WithLabelValues("failed").Inc()
	m.setStatus(Status{State: StateError, Error: err.Error()})
}

func (m *Manager) completed(id int64) (*model.Backup, error) {
	record, err := m.store.GetByID(id)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, ErrNotFound
	}
	if record.Status != model.BackupCompleted {
		return nil, ErrIncomplete
	}
	return record, nil
}

// Download streams an encrypted backup from object storage.
func (m *Manager) Download(ctx context.Context, id int64) (io.ReadCloser, *model.Backup, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	m.mu.RUnlock()
	if client == nil {
		return nil, nil, ErrNotConfigured
	}

	record, err := m.completed(id)
	if err != nil {
		return nil, nil, err
	}
	result, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(record.S3Key),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("download from s3: %w", err)
	}
	return result.Body, record, nil
}

// Restore downloads and decrypts a backup into dst and checks its integrity.
// dst must not exist; the live database is never touched.
func (m *Manager) Restore(ctx context.Context, id int64, dst string) error {
	body, _, err := m.Download(ctx, id)
	if err != nil {
		return err
	}
	sealed, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	m.mu.RLock()
	passphrase := m.cfg.Passphrase
	m.mu.RUnlock()
	plain, err := Decrypt(sealed, passphrase)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create restore target: %w", err)
	}
	if _, err := f.Write(plain); err != nil {
		f.Close()
		os.Remove(dst)
		return fmt.Errorf("write restore target: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(dst)
		return err
	}

	if err := integrityCheck(dst); err != nil {
		os.Remove(dst)
		return err
	}
	m.logger.Info("backup restored", "id", id, "path", dst)
	return nil
}

func integrityCheck(path string) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return fmt.Errorf("open restored db: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

// Cleanup deletes backups older than the retention period and returns how
// many records were removed.
func (m *Manager) Cleanup(ctx context.Context) (int, error) {
	m.mu.RLock()
	client := m.client
	bucket := m.cfg.S3.Bucket
	retention := m.cfg.RetentionDays
	m.mu.RUnlock()
	if client == nil {
		return 0, nil
	}

	before := time.Now().UTC().AddDate(0, 0, -retention)
	keys, err := m.store.DeleteOlderThan(before)
	if err != nil {
		return 0, fmt.Errorf("delete old backups: %w", err)
	}
	for _, key := range keys {
		if _, err := client.DeleteObject(ctx, &s3.DeleteObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String(key),
		}); err != nil {
			m.logger.Warn("delete backup object", "key", key, "error", err)
		}
	}
	if len(keys) > 0 {
		m.logger.Info("old backups removed", "count", len(keys), "retention_days", retention)
	}
	return len(keys), nil
}
