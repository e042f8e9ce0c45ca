// ABOUTME: Tests for the gateway Prometheus collectors and their hook adapters
// ABOUTME: Each test uses a private registry so series never leak between tests

package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/forward"
	"github.com/2389/fleet-gateway/internal/nodes"
	"github.com/2389/fleet-gateway/internal/session"
)

func TestObserveDecision(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveDecision(auth.RouteInfo{ID: "nodes"}, auth.Decision{Outcome: auth.Authorized, Strategy: "bearer"})
	m.ObserveDecision(auth.RouteInfo{ID: "nodes"}, auth.Decision{Outcome: auth.Authorized, Strategy: "bearer"})
	m.ObserveDecision(auth.RouteInfo{ID: "nodes"}, auth.Decision{Outcome: auth.RenewalRequired, Code: auth.CodeRenewable, Strategy: "bearer"})
	m.ObserveDecision(auth.RouteInfo{ID: "login", Exempt: true}, auth.Decision{Outcome: auth.Authorized, Exempt: true})

	if got := testutil.ToFloat64(m.AuthDecisions.WithLabelValues("nodes", "authorized", "", "bearer")); got != 2 {
		t.Errorf("authorized bearer = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.AuthDecisions.WithLabelValues("nodes", "renewal_required", "AUTH_RENEWABLE", "bearer")); got != 1 {
		t.Errorf("renewal_required = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AuthDecisions.WithLabelValues("login", "authorized", "", "exempt")); got != 1 {
		t.Errorf("exempt = %v, want 1", got)
	}
}

func TestObserveForward(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveForward("node-a", forward.Buffered, "2xx", 20*time.Millisecond)
	m.ObserveForward("node-a", forward.Streamed, "unreachable", time.Second)

	if got := testutil.ToFloat64(m.Forwards.WithLabelValues("node-a", "buffered", "2xx")); got != 1 {
		t.Errorf("buffered 2xx = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Forwards.WithLabelValues("node-a", "streamed", "unreachable")); got != 1 {
		t.Errorf("streamed unreachable = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(m.ForwardDuration); n != 2 {
		t.Errorf("duration series = %d, want 2", n)
	}
}

func TestObserveForward_UnknownNodesDoNotGrowSeries(t *testing.T) {
	m := New(prometheus.NewRegistry())
	p := forward.New(nodes.NewRegistry(nil), forward.Config{Observe: m.ObserveForward})

	for i := 0; i < 500; i++ {
		id := fmt.Sprintf("ghost-%d", i)
		req := httptest.NewRequest(http.MethodGet, "/api/logs/tree?node_id="+id, nil)
		if _, err := p.Forward(req.Context(), id, req, forward.Buffered); !errors.Is(err, forward.ErrUnknownNode) {
			t.Fatalf("Forward(%s) error = %v, want ErrUnknownNode", id, err)
		}
	}

	if n := testutil.CollectAndCount(m.Forwards); n != 1 {
		t.Errorf("forward series = %d, want 1", n)
	}
	if got := testutil.ToFloat64(m.Forwards.WithLabelValues(forward.UnknownNodeLabel, "buffered", "unknown_target")); got != 500 {
		t.Errorf("unknown_target = %v, want 500", got)
	}
}

func TestWatchSessions(t *testing.T) {
	defer goleak.VerifyNone(t)

	m := New(prometheus.NewRegistry())
	store := session.NewMemoryStore(time.Hour, 0)
	defer store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	for _, h := range []string{"a", "b", "c"} {
		_ = store.Update(ctx, h, func(r *session.Record) error {
			r.Bind("u-"+h, h, h)
			return nil
		})
	}

	done := make(chan struct{})
	go func() {
		m.WatchSessions(ctx, store, 10*time.Millisecond, nil)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(m.ActiveSessions) != 3 {
		if time.Now().After(deadline) {
			t.Fatalf("active sessions = %v, want 3", testutil.ToFloat64(m.ActiveSessions))
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	<-done
}

func TestHandler(t *testing.T) {
	m := New(NewRegistry())
	m.SetNodes(4)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "fleet_gateway_nodes 4") {
		t.Errorf("nodes gauge missing from output")
	}
	if !strings.Contains(body, "go_goroutines") {
		t.Errorf("runtime collector missing from output")
	}
}
