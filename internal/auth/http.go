// ABOUTME: HTTP middleware that drives the authentication state machine per route
// ABOUTME: Writes rejections as JSON, issues session cookies, and attaches identity to context

package auth

import (
	"net/http"

	"github.com/2389/fleet-gateway/internal/session"
)

// Middleware authenticates requests for one route. Rejections and renewal
// requests are answered with 401 and the handler never runs. For authorized
// requests the reload hooks run, the identity is attached to the context and
// the handler is invoked after every session lock has been released.
func (a *Authenticator) Middleware(route RouteInfo) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := a.Authenticate(r.Context(), route, r)

			if d.Outcome != Authorized {
				WriteError(w, http.StatusUnauthorized, string(d.Code), d.Message)
				return
			}

			if d.IssueCookie {
				session.SetCookie(w, r, a.cookieName, d.Handle, a.sessionTTL)
			}

			ctx := r.Context()
			if d.Identity != nil {
				a.reload(ctx, *d.Identity)
				ctx = WithIdentity(ctx, *d.Identity)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
