package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gryphonracing/rosterlink/internal/backup"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/store"
)

type BackupRunner interface {
	Status() backup.Status
	RunNow(ctx context.Context) (*model.Backup, error)
}

// BackupHandler exposes snapshot status, history and manual runs.
type BackupHandler struct {
	runner  BackupRunner
	backups *store.BackupStore
	logger  *slog.Logger
}

func NewBackupHandler(runner BackupRunner, backups *store.BackupStore, logger *slog.Logger) *BackupHandler {
	return &BackupHandler{runner: runner, backups: backups, logger: logger}
}

type backupListResponse struct {
	Status  backup.Status  `json:"status"`
	Backups []model.Backup `json:"backups"`
}

func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 500 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 500"})
			return
		}
		limit = n
	}

	list, err := h.backups.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("list backups", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "list backups failed"})
		return
	}
	if list == nil {
		list = []model.Backup{}
	}
	writeJSON(w, http.StatusOK, backupListResponse{Status: h.runner.Status(), Backups: list})
}

func (h *BackupHandler) RunNow(w http.ResponseWriter, r *http.Request) {
	b, err := h.runner.RunNow(r.Context())
	switch {
	case errors.Is(err, backup.ErrDisabled):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	case errors.Is(err, backup.ErrInProgress):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	case err != nil:
		h.logger.Error("manual backup failed", "error", err)
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": "backup failed"})
		return
	}
	h.logger.Info("manual backup completed", "id", b.ID, "key", b.S3Key, "size", b.SizeBytes)
	writeJSON(w, http.StatusCreated, b)
}
