// ABOUTME: Session handle transport over HTTP cookies
// ABOUTME: Reads, issues, and clears the opaque handle cookie

package session

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"
)

// DefaultCookieName is used when no cookie name is configured
const DefaultCookieName = "fleet_session"

// NewHandle returns a fresh random session handle
func NewHandle() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating session handle: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HandleFromRequest returns the session handle carried by the request, or ""
func HandleFromRequest(r *http.Request, cookieName string) string {
	cookie, err := r.Cookie(cookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// SetCookie issues the handle cookie
func SetCookie(w http.ResponseWriter, r *http.Request, cookieName, handle string, ttl time.Duration) {
	c := &http.Cookie{
		Name:     cookieName,
		Value:    handle,
		Path:     "/",
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	}
	if ttl > 0 {
		c.MaxAge = int(ttl.Seconds())
	}
	http.SetCookie(w, c)
}

// ClearCookie expires the handle cookie
func ClearCookie(w http.ResponseWriter, cookieName string) {
	http.SetCookie(w, &http.Cookie{
		Name:     cookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
	})
}
