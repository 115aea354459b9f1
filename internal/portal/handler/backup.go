package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/dukerupert/portal/internal/backup"
	"github.com/dukerupert/portal/internal/portal/model"
)

// Backups takes and serves database snapshots.
type Backups interface {
	Status() backup.Status
	List(limit int) ([]model.Backup, error)
	RunNow(ctx context.Context) (*model.Backup, error)
	Download(ctx context.Context, id int64) (io.ReadCloser, *model.Backup, error)
}

type BackupHandler struct {
	backups Backups
	logger  *slog.Logger
}

func NewBackupHandler(backups Backups, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{backups: backups, logger: logger}
}

func (h *BackupHandler) backupError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backup.ErrNotConfigured):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, backup.ErrInProgress), errors.Is(err, backup.ErrIncomplete):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backup.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		h.logger.Error("backup operation failed", "error", err)
		writeError(w, http.StatusInternalServerError, "backup failed")
	}
}

// List returns {status, backups}.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	list, err := h.backups.List(queryInt(r, "limit"))
	if err != nil {
		h.backupError(w, err)
		return
	}
	if list == nil {
		list = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": h.backups.Status(), "backups": list})
}

// Run takes a backup synchronously.
func (h *BackupHandler) Run(w http.ResponseWriter, r *http.Request) {
	b, err := h.backups.RunNow(r.Context())
	if err != nil {
		h.backupError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, b)
}

// Download streams the encrypted snapshot as stored.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	id, err := parseIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid backup id")
		return
	}
	body, b, err := h.backups.Download(r.Context(), id)
	if err != nil {
		h.backupError(w, err)
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", b.Filename))
	if b.SizeBytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(b.SizeBytes, 10))
	}
	if _, err := io.Copy(w, body); err != nil {
		h.logger.Warn("backup download interrupted", "id", id, "error", err)
	}
}
