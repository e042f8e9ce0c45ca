// ABOUTME: Credential resolution strategies evaluated in fixed priority order
// ABOUTME: Bearer token first, then the legacy header, then an already bound session

package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/2389/fleet-gateway/internal/session"
)

// Errors raised inside session updates to abort binding
var (
	ErrSubjectMismatch = errors.New("token subject does not match session identity")
	errNoSession       = errors.New("no bound session")
)

// Attempt is the per-request state handed to each strategy
type Attempt struct {
	RouteID string
	Path    string
	Exempt  bool
	Header  http.Header

	// Handle is the session handle for this caller. When the request carried
	// none a fresh one is generated and NewHandle is set.
	Handle    string
	NewHandle bool
}

// Strategy resolves one credential form. ok is false when the request does
// not carry that credential and the next strategy should be tried.
type Strategy interface {
	Name() string
	Resolve(ctx context.Context, a *Attempt) (d Decision, ok bool)
}

// binder resolves a subject through the directory and binds it to a session
// while holding the handle exclusively.
type binder struct {
	directory Directory
	sessions  session.Store
}

// bindSubject rejects a subject that differs from an identity already bound to handle.
func (b *binder) bindSubject(ctx context.Context, handle, subject string) (Identity, error) {
	var id Identity
	err := b.sessions.Update(ctx, handle, func(rec *session.Record) error {
		if rec.Bound() && rec.UserID != subject {
			return ErrSubjectMismatch
		}
		resolved, err := b.directory.LookupUser(ctx, subject)
		if err != nil {
			return err
		}
		rec.Bind(resolved.UserID, resolved.Username, resolved.DisplayName)
		id = resolved
		return nil
	})
	return id, err
}

func (b *binder) bindLegacy(ctx context.Context, handle, token string) (Identity, error) {
	var id Identity
	err := b.sessions.Update(ctx, handle, func(rec *session.Record) error {
		resolved, err := b.directory.LookupLegacyToken(ctx, token)
		if err != nil {
			return err
		}
		rec.Bind(resolved.UserID, resolved.Username, resolved.DisplayName)
		id = resolved
		return nil
	})
	return id, err
}

// BearerStrategy authenticates "Authorization: Bearer <jwt>"
type BearerStrategy struct {
	verifier TokenVerifier
	binder   *binder
}

// Name implements Strategy.
func (s *BearerStrategy) Name() string { return "bearer" }

// Resolve implements Strategy.
func (s *BearerStrategy) Resolve(ctx context.Context, a *Attempt) (Decision, bool) {
	token, ok := bearerToken(a.Header.Get("Authorization"))
	if !ok {
		return Decision{}, false
	}

	verdict := s.verifier.Verify(token)
	switch verdict.Status {
	case Renewable:
		return renewalRequired("token expired, renew it"), true
	case Valid:
	default:
		return rejected(CodeExpired, "invalid or expired token"), true
	}

	id, err := s.binder.bindSubject(ctx, a.Handle, verdict.Subject)
	switch {
	case err == nil:
		return authorized(id), true
	case errors.Is(err, ErrSubjectMismatch):
		return rejected(CodeExpired, "token does not match session"), true
	case errors.Is(err, ErrUnknownSubject):
		return rejected(CodeExpired, "user no longer exists"), true
	default:
		return lookupFailed(err), true
	}
}

// LegacyHeaderStrategy authenticates the older single-token header
type LegacyHeaderStrategy struct {
	header string
	binder *binder
}

// Name implements Strategy.
func (s *LegacyHeaderStrategy) Name() string { return "legacy" }

// Resolve implements Strategy.
func (s *LegacyHeaderStrategy) Resolve(ctx context.Context, a *Attempt) (Decision, bool) {
	token := strings.TrimSpace(a.Header.Get(s.header))
	if token == "" {
		return Decision{}, false
	}

	id, err := s.binder.bindLegacy(ctx, a.Handle, token)
	switch {
	case err == nil:
		return authorized(id), true
	case errors.Is(err, ErrUnknownSubject):
		return rejected(CodeExpired, "unknown or disabled token, log in again"), true
	default:
		return lookupFailed(err), true
	}
}

// SessionStrategy accepts callers whose session already holds an identity.
// It always applies and so must be last.
type SessionStrategy struct {
	sessions session.Store
}

// Name implements Strategy.
func (s *SessionStrategy) Name() string { return "session" }

// Resolve implements Strategy.
func (s *SessionStrategy) Resolve(ctx context.Context, a *Attempt) (Decision, bool) {
	if a.NewHandle {
		return rejected(CodeExpired, "session expired, log in again"), true
	}

	var id Identity
	err := s.sessions.Update(ctx, a.Handle, func(rec *session.Record) error {
		if !rec.Bound() {
			return errNoSession
		}
		id = Identity{UserID: rec.UserID, Username: rec.Username, DisplayName: rec.DisplayName}
		return nil
	})
	switch {
	case err == nil:
		return authorized(id), true
	case errors.Is(err, errNoSession):
		return rejected(CodeExpired, "session expired, log in again"), true
	default:
		return lookupFailed(err), true
	}
}

// bearerToken extracts the token of a Bearer Authorization header.
// ok is false when the header is absent or uses another scheme.
func bearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}
