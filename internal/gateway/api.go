// ABOUTME: Local API handlers served by the gateway itself
// ABOUTME: Caller identity, node listing, and the unauthenticated status probe

package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/nodes"
)

// NodeInfo is the public view of a node; the secret is never exposed
type NodeInfo struct {
	ID      string       `json:"id"`
	Name    string       `json:"name"`
	BaseURL string       `json:"base_url"`
	Source  nodes.Source `json:"source"`
}

// StatusResponse is returned by the open status probe
type StatusResponse struct {
	Status  string    `json:"status"`
	Version string    `json:"version"`
	Nodes   int       `json:"nodes"`
	Uptime  string    `json:"uptime"`
	Started time.Time `json:"started"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// handleMe returns the authenticated caller
func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, auth.MustFromContext(r.Context()))
}

// handleListNodes returns the registry contents
func (g *Gateway) handleListNodes(w http.ResponseWriter, r *http.Request) {
	list := g.registry.List()
	out := make([]NodeInfo, 0, len(list))
	for _, n := range list {
		out = append(out, NodeInfo{ID: n.ID, Name: n.Name, BaseURL: n.BaseURL, Source: n.Source})
	}
	writeJSON(w, http.StatusOK, map[string]any{"nodes": out})
}

// handleOpenStatus is reachable without credentials through the exempt prefix
func (g *Gateway) handleOpenStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: g.version,
		Nodes:   g.registry.Len(),
		Uptime:  time.Since(g.started).Round(time.Second).String(),
		Started: g.started.UTC(),
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady reports ready once at least one node can be forwarded to
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.registry.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no nodes registered"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d nodes)", n)
}
