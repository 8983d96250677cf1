package handler

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gryphonracing/rosterlink/internal/database"
	"github.com/gryphonracing/rosterlink/internal/events"
	"github.com/gryphonracing/rosterlink/internal/model"
	"github.com/gryphonracing/rosterlink/internal/reconcile"
	"github.com/gryphonracing/rosterlink/internal/roster"
	"github.com/gryphonracing/rosterlink/internal/sentinel"
	"github.com/gryphonracing/rosterlink/internal/store"
)

type Reconciler interface {
	RunAll(ctx context.Context) (reconcile.Report, error)
	RunAccounts(ctx context.Context, accountIDs []uint64) (reconcile.Report, error)
}

type Importer interface {
	Import(ctx context.Context) (roster.Result, error)
}

// Linker edits account links on behalf of an operator.
type Linker interface {
	Relink(ctx context.Context, email string, accountID uint64) (reconcile.Report, error)
	Unlink(ctx context.Context, accountID uint64) (reconcile.Report, error)
}

// AdminHandler serves the operator API.
type AdminHandler struct {
	db         *sql.DB
	records    *store.VerificationStore
	flags      *store.FlagStore
	reconciler Reconciler
	importer   Importer
	linker     Linker
	hub        *events.Hub
	logger     *slog.Logger
}

func NewAdminHandler(db *sql.DB, records *store.VerificationStore, flags *store.FlagStore, reconciler Reconciler, importer Importer, linker Linker, hub *events.Hub, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		db:         db,
		records:    records,
		flags:      flags,
		reconciler: reconciler,
		importer:   importer,
		linker:     linker,
		hub:        hub,
		logger:     logger,
	}
}

func (h *AdminHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.PingContext(ctx); err != nil {
		h.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	total, linked, err := h.records.Count(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	version, err := database.SchemaVersion(h.db)
	if err != nil {
		h.logger.Warn("read schema version", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "schema": version, "records": total, "linked": linked})
}

func (h *AdminHandler) ReconcileAll(w http.ResponseWriter, r *http.Request) {
	report, err := h.reconciler.RunAll(r.Context())
	if err != nil {
		h.writeError(w, "reconcile", err)
		return
	}
	h.hub.Publish(events.NewEvent("reconcile", "finished", report))
	writeJSON(w, http.StatusOK, report)
}

type reconcileAccountsRequest struct {
	AccountIDs []json.Number `json:"account_ids"`
}

func (h *AdminHandler) ReconcileAccounts(w http.ResponseWriter, r *http.Request) {
	var req reconcileAccountsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if len(req.AccountIDs) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_ids is required"})
		return
	}
	ids := make([]uint64, 0, len(req.AccountIDs))
	for _, n := range req.AccountIDs {
		id, err := parseAccountID(string(n))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id " + string(n)})
			return
		}
		ids = append(ids, id)
	}

	report, err := h.reconciler.RunAccounts(r.Context(), ids)
	if err != nil {
		h.writeError(w, "reconcile accounts", err)
		return
	}
	h.hub.Publish(events.NewEvent("reconcile", "finished", report))
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) ImportRoster(w http.ResponseWriter, r *http.Request) {
	res, err := h.importer.Import(r.Context())
	if err != nil {
		h.writeError(w, "import roster", err)
		return
	}
	h.hub.Publish(events.NewEvent("roster", "imported", res))
	writeJSON(w, http.StatusOK, res)
}

func (h *AdminHandler) GetRecord(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	rec, err := h.records.Get(r.Context(), email)
	if err != nil {
		h.writeError(w, "get record", err)
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "record not found"})
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type linkRequest struct {
	Email     string      `json:"email"`
	AccountID json.Number `json:"account_id"`
}

func (h *AdminHandler) Relink(w http.ResponseWriter, r *http.Request) {
	var req linkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	id, err := parseAccountID(string(req.AccountID))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "account_id must be a positive integer"})
		return
	}

	report, err := h.linker.Relink(r.Context(), req.Email, id)
	if err != nil {
		h.writeError(w, "relink", err)
		return
	}
	h.hub.Publish(events.NewEvent("link", "updated", map[string]any{"email": req.Email, "account_id": id}))
	writeJSON(w, http.StatusOK, report)
}

func (h *AdminHandler) Unlink(w http.ResponseWriter, r *http.Request) {
	id, err := parseAccountID(r.PathValue("accountID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid account id"})
		return
	}

	report, err := h.linker.Unlink(r.Context(), id)
	if err != nil {
		h.writeError(w, "unlink", err)
		return
	}
	h.hub.Publish(events.NewEvent("link", "deleted", map[string]any{"account_id": id}))
	writeJSON(w, http.StatusOK, report)
}

type flagResponse struct {
	Name      string    `json:"name"`
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (h *AdminHandler) ListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := h.flags.List(r.Context())
	if err != nil {
		h.writeError(w, "list flags", err)
		return
	}
	out := make([]flagResponse, 0, len(flags))
	for _, f := range flags {
		out = append(out, flagResponse{Name: f.Name, Type: string(f.Value.Kind), Value: f.Value.String(), UpdatedAt: f.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

type setFlagRequest struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
}

func (h *AdminHandler) SetFlag(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	var req setFlagRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON"})
		return
	}
	if name == "" || len(req.Value) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "name and value are required"})
		return
	}

	// Accept both "true" and true.
	raw := string(req.Value)
	var s string
	if err := json.Unmarshal(req.Value, &s); err == nil {
		raw = s
	}
	v, err := model.DecodeFlag(req.Type, raw)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	if err := h.flags.Set(r.Context(), name, v); err != nil {
		h.writeError(w, "set flag", err)
		return
	}
	h.logger.Info("flag updated", "name", name, "type", v.Kind, "value", v.String())
	resp := flagResponse{Name: name, Type: string(v.Kind), Value: v.String(), UpdatedAt: time.Now().UTC()}
	h.hub.Publish(events.NewEvent("flag", "updated", resp))
	writeJSON(w, http.StatusOK, resp)
}

func parseAccountID(s string) (uint64, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		return 0, strconv.ErrRange
	}
	return id, nil
}

// writeError maps sentinel errors to HTTP statuses.
func (h *AdminHandler) writeError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	msg := op + " failed"
	switch {
	case errors.Is(err, sentinel.ErrValidation), errors.Is(err, sentinel.ErrWrongFlagType):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, sentinel.ErrNotFound):
		status, msg = http.StatusNotFound, err.Error()
	case errors.Is(err, roster.ErrEmptySnapshot):
		status, msg = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, sentinel.ErrExternalAPI):
		status = http.StatusBadGateway
	case errors.Is(err, sentinel.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if status >= 500 {
		h.logger.Error(op+" failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
