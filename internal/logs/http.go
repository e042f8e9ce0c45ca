// ABOUTME: HTTP handlers for the log tree, guarded deletion, and streaming download
// ABOUTME: Deletions are audited with the caller identity from the request context

package logs

import (
	"encoding/json"
	"errors"
	"log/slog"
	"mime"
	"net/http"
	"path"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/store"
)

// Handlers exposes a Manager over HTTP
type Handlers struct {
	mgr    *Manager
	audit  store.AuditStore
	logger *slog.Logger
}

// NewHandlers creates the log handlers. audit may be nil.
func NewHandlers(mgr *Manager, audit store.AuditStore, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{mgr: mgr, audit: audit, logger: logger.With("component", "logs")}
}

// Tree handles GET /api/logs/tree
func (h *Handlers) Tree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.mgr.Tree()
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(tree)
}

// Delete handles POST /api/logs/delete?path=
func (h *Handlers) Delete(w http.ResponseWriter, r *http.Request) {
	rel := r.URL.Query().Get("path")
	if err := h.mgr.Delete(rel); err != nil {
		h.writeError(w, err)
		return
	}

	actor := "anonymous"
	if id := auth.FromContext(r.Context()); id != nil {
		actor = id.UserID
	}
	h.logger.Info("log file deleted", "path", rel, "user_id", actor)
	if h.audit != nil {
		err := h.audit.AppendAuditLog(r.Context(), &store.AuditEntry{
			ActorID:    actor,
			Action:     store.AuditDeleteLog,
			TargetType: "log",
			TargetID:   rel,
		})
		if err != nil {
			h.logger.Warn("writing audit entry", "error", err)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"msg": "deleted"})
}

// Download handles GET /api/logs/download?path=
func (h *Handlers) Download(w http.ResponseWriter, r *http.Request) {
	f, fi, err := h.mgr.Open(r.URL.Query().Get("path"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	defer func() { _ = f.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{
		"filename": path.Base(fi.Name()),
	}))
	http.ServeContent(w, r, fi.Name(), fi.ModTime(), f)
}

func (h *Handlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTooRecent):
		auth.WriteError(w, http.StatusConflict, "LOG_TOO_RECENT", err.Error())
	case errors.Is(err, ErrInvalidPath), errors.Is(err, ErrIsDirectory):
		auth.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
	case errors.Is(err, ErrNotFound):
		auth.WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	default:
		h.logger.Error("log operation failed", "error", err)
		auth.WriteError(w, http.StatusInternalServerError, "INTERNAL", "log operation failed")
	}
}
