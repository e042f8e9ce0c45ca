// ABOUTME: Login, token renewal, and logout endpoints
// ABOUTME: Issue bearer tokens, bind session records, and write audit entries

package auth

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/crypto/bcrypt"

	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
)

// maxRequestBody bounds login and renew payloads
const maxRequestBody = 64 << 10

// TokenIssuer verifies and mints bearer tokens
type TokenIssuer interface {
	TokenVerifier
	Mint(subject string, expiresIn time.Duration) (string, time.Time, error)
}

// Handlers serves the /api/auth endpoints
type Handlers struct {
	auth     *Authenticator
	tokens   TokenIssuer
	users    store.UserStore
	audit    store.AuditStore
	tokenTTL time.Duration
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandlers creates the auth endpoints
func NewHandlers(a *Authenticator, tokens TokenIssuer, users store.UserStore, audit store.AuditStore, tokenTTL time.Duration, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		auth:     a,
		tokens:   tokens,
		users:    users,
		audit:    audit,
		tokenTTL: tokenTTL,
		validate: validator.New(),
		logger:   logger.With("component", "auth_handlers"),
	}
}

type loginRequest struct {
	Username string `json:"username" validate:"required,max=128"`
	Password string `json:"password" validate:"required,max=1024"`
}

// TokenResponse is returned by login and renew
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	User      Identity  `json:"user"`
}

var (
	dummyHashOnce sync.Once
	dummyHash     []byte
)

// compareDummy burns the same bcrypt time as a real check so unknown
// usernames are not distinguishable by latency.
func compareDummy(password string) {
	dummyHashOnce.Do(func() {
		dummyHash, _ = bcrypt.GenerateFromPassword([]byte("fleet-gateway-dummy"), bcrypt.DefaultCost)
	})
	_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
}

// Login handles POST /api/auth/login
func (h *Handlers) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "username and password are required")
		return
	}

	ctx := r.Context()
	user, err := h.users.GetUserByUsername(ctx, req.Username)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		h.logger.Error("looking up user", "error", err)
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "identity lookup failed")
		return
	}
	if user == nil || user.PasswordHash == "" {
		compareDummy(req.Password)
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "invalid username or password")
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "invalid username or password")
		return
	}
	if !user.Active() {
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "account disabled")
		return
	}

	id := IdentityFromUser(user)

	// An explicit login replaces whatever identity the session held
	handle, isNew, err := h.handleFor(r)
	if err != nil {
		h.logger.Error("generating session handle", "error", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}
	err = h.auth.sessions.Update(ctx, handle, func(rec *session.Record) error {
		rec.Bind(id.UserID, id.Username, id.DisplayName)
		return nil
	})
	if err != nil {
		h.logger.Error("binding session", "error", err)
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "session unavailable")
		return
	}

	resp, err := h.issue(id)
	if err != nil {
		h.logger.Error("generating token", "error", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	if isNew {
		session.SetCookie(w, r, h.auth.cookieName, handle, h.auth.sessionTTL)
	}
	h.recordAudit(r, id.UserID, store.AuditLogin, "user", id.UserID, nil)
	h.logger.Info("user logged in", "user_id", id.UserID, "username", id.Username)

	writeJSON(w, http.StatusOK, resp)
}

// Renew handles POST /api/auth/renew. A Valid or Renewable token whose
// subject still resolves is exchanged for a fresh one.
func (h *Handlers) Renew(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r.Header.Get("Authorization"))
	if !ok || token == "" {
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "bearer token required")
		return
	}

	verdict := h.tokens.Verify(token)
	if verdict.Status == Invalid {
		WriteError(w, http.StatusUnauthorized, string(CodeExpired), "token cannot be renewed, log in again")
		return
	}

	handle, isNew, err := h.handleFor(r)
	if err != nil {
		h.logger.Error("generating session handle", "error", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	id, err := h.auth.binder.bindSubject(r.Context(), handle, verdict.Subject)
	switch {
	case err == nil:
	case errors.Is(err, ErrSubjectMismatch), errors.Is(err, ErrUnknownSubject):
		WriteError(w, http.StatusUnauthorized, string(CodeExpired), "token cannot be renewed, log in again")
		return
	default:
		h.logger.Warn("renewal lookup failed", "error", err)
		WriteError(w, http.StatusUnauthorized, string(CodeUnauthorized), "identity lookup failed")
		return
	}

	resp, err := h.issue(id)
	if err != nil {
		h.logger.Error("generating token", "error", err)
		WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
		return
	}

	if isNew {
		session.SetCookie(w, r, h.auth.cookieName, handle, h.auth.sessionTTL)
	}
	h.recordAudit(r, id.UserID, store.AuditRenewToken, "user", id.UserID, map[string]any{
		"previous_status": verdict.Status.String(),
	})

	writeJSON(w, http.StatusOK, resp)
}

// Logout handles POST /api/auth/logout. It always succeeds.
func (h *Handlers) Logout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle := session.HandleFromRequest(r, h.auth.cookieName)
	if handle != "" {
		rec, err := h.auth.sessions.Get(ctx, handle)
		if err == nil && rec.Bound() {
			h.recordAudit(r, rec.UserID, store.AuditLogout, "session", rec.UserID, nil)
		}
		if err := h.auth.sessions.Delete(ctx, handle); err != nil {
			h.logger.Warn("deleting session", "error", err)
		}
	}
	session.ClearCookie(w, h.auth.cookieName)
	w.WriteHeader(http.StatusNoContent)
}

// handleFor returns the request's session handle or a new one
func (h *Handlers) handleFor(r *http.Request) (string, bool, error) {
	if handle := session.HandleFromRequest(r, h.auth.cookieName); handle != "" {
		return handle, false, nil
	}
	handle, err := session.NewHandle()
	return handle, true, err
}

func (h *Handlers) issue(id Identity) (TokenResponse, error) {
	token, expiresAt, err := h.tokens.Mint(id.UserID, h.tokenTTL)
	if err != nil {
		return TokenResponse{}, err
	}
	return TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		User:      id,
	}, nil
}

// recordAudit appends an audit entry; failures are logged and never fail the request
func (h *Handlers) recordAudit(r *http.Request, actorID string, action store.AuditAction, targetType, targetID string, detail map[string]any) {
	if h.audit == nil {
		return
	}
	if detail == nil {
		detail = map[string]any{}
	}
	detail["remote_addr"] = r.RemoteAddr
	err := h.audit.AppendAuditLog(r.Context(), &store.AuditEntry{
		ActorID:    actorID,
		Action:     action,
		TargetType: targetType,
		TargetID:   targetID,
		Detail:     detail,
	})
	if err != nil {
		h.logger.Warn("writing audit entry", "action", action, "error", err)
	}
}
