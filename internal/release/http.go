// ABOUTME: HTTP handler exposing the cached release check
// ABOUTME: ?force=true bypasses the cache and refetches the metadata

package release

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/2389/fleet-gateway/internal/auth"
)

// Handler serves GET /api/release
func (c *Checker) Handler(w http.ResponseWriter, r *http.Request) {
	force := false
	if v := r.URL.Query().Get("force"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			auth.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "force must be a boolean")
			return
		}
		force = b
	}

	info, err := c.Check(r.Context(), force)
	if err != nil {
		if errors.Is(err, ErrNoURL) {
			auth.WriteError(w, http.StatusNotFound, "RELEASE_DISABLED", "release checks are not configured")
			return
		}
		c.logger.Warn("release check failed", "error", err)
		auth.WriteError(w, http.StatusBadGateway, "RELEASE_UNAVAILABLE", "release information unavailable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(info)
}
