// ABOUTME: Contract tests for the HTTP route table to detect breaking API changes.
// ABOUTME: Pins route ids, patterns, exemption and forwarding class of every route.

package contract

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/gateway"
)

type routeContract struct {
	pattern string
	exempt  bool
	class   gateway.Class
}

// expectedRoutes defines the contract for the HTTP API surface.
// Callers and nodes depend on these; a removed or reclassified route fails here.
var expectedRoutes = map[string]routeContract{
	"auth.login":    {"POST /api/auth/login", true, gateway.Local},
	"auth.renew":    {"POST /api/auth/renew", true, gateway.Local},
	"auth.logout":   {"POST /api/auth/logout", true, gateway.Local},
	"me":            {"GET /api/me", false, gateway.Local},
	"nodes.list":    {"GET /api/nodes", false, gateway.Local},
	"logs.tree":     {"GET /api/logs/tree", false, gateway.ForwardBuffered},
	"logs.delete":   {"POST /api/logs/delete", false, gateway.ForwardBuffered},
	"logs.download": {"GET /api/logs/download", false, gateway.ForwardStream},
	"release":       {"GET /api/release", false, gateway.Local},
	"open.status":   {"GET /api/open/status", false, gateway.Local},
}

func newGateway(t *testing.T) *gateway.Gateway {
	t.Helper()
	dir := t.TempDir()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  http_addr: "127.0.0.1:0"
database:
  path: %q
auth:
  jwt_secret: "contract-test-secret-contract-test-secret"
logs:
  dir: %q
`, filepath.Join(dir, "gateway.db"), dir)))
	require.NoError(t, err)

	gw, err := gateway.New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gw.Shutdown(context.Background()) })
	return gw
}

func TestRouteSurface(t *testing.T) {
	gw := newGateway(t)

	actual := make(map[string]gateway.Route)
	for _, r := range gw.Routes() {
		actual[r.ID] = r
	}

	for id, want := range expectedRoutes {
		t.Run(id, func(t *testing.T) {
			got, ok := actual[id]
			if !assert.True(t, ok, "route %s should exist", id) {
				return
			}
			assert.Equal(t, want.pattern, got.Pattern)
			assert.Equal(t, want.exempt, got.Exempt)
			assert.Equal(t, want.class.String(), got.Class.String())
		})
	}

	for id := range actual {
		if _, ok := expectedRoutes[id]; !ok {
			t.Logf("INFO: route %s not in contract (consider adding)", id)
		}
	}
}
