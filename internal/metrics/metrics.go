// ABOUTME: Prometheus collectors for authentication decisions, forwarding, sessions and nodes
// ABOUTME: Hooks plug into the authenticator, proxy and registry callbacks

package metrics

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/forward"
	"github.com/2389/fleet-gateway/internal/session"
)

const namespace = "fleet_gateway"

// Metrics holds all gateway collectors
type Metrics struct {
	AuthDecisions    *prometheus.CounterVec
	Forwards         *prometheus.CounterVec
	ForwardDuration  *prometheus.HistogramVec
	ActiveSessions   prometheus.Gauge
	Nodes            prometheus.Gauge
	ReloadHookErrors prometheus.Counter
	LastSeenUpdates  prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewRegistry returns a registry with the Go runtime and process collectors
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// New creates and registers all metrics with reg
func New(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		AuthDecisions: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_decisions_total",
				Help:      "Authentication decisions by route, outcome, code and strategy",
			},
			[]string{"route", "outcome", "code", "strategy"},
		),
		Forwards: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forwards_total",
				Help:      "Forwarded requests by node, mode and outcome",
			},
			[]string{"node", "mode", "outcome"}, // outcome=2xx/4xx/unknown_target/unreachable/...
		),
		ForwardDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "forward_duration_seconds",
				Help:      "Time until the node response headers (streamed) or body (buffered) arrived",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"mode"},
		),
		ActiveSessions: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of live session records",
			},
		),
		Nodes: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "nodes",
				Help:      "Number of nodes in the registry",
			},
		),
		ReloadHookErrors: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reload_hook_errors_total",
				Help:      "Post-authorization reload hooks that returned an error",
			},
		),
		LastSeenUpdates: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "last_seen_updates_total",
				Help:      "User last-seen timestamps recorded after authorization",
			},
		),
		gatherer: reg,
	}
}

// ObserveDecision is an auth decision observer
func (m *Metrics) ObserveDecision(route auth.RouteInfo, d auth.Decision) {
	strategy := d.Strategy
	if d.Exempt {
		strategy = "exempt"
	}
	m.AuthDecisions.WithLabelValues(route.ID, d.Outcome.String(), string(d.Code), strategy).Inc()
}

// ObserveForward matches forward.Config.Observe
func (m *Metrics) ObserveForward(nodeID string, mode forward.Mode, outcome string, elapsed time.Duration) {
	m.Forwards.WithLabelValues(nodeID, mode.String(), outcome).Inc()
	m.ForwardDuration.WithLabelValues(mode.String()).Observe(elapsed.Seconds())
}

// SetNodes matches nodes.Registry.OnChange
func (m *Metrics) SetNodes(n int) {
	m.Nodes.Set(float64(n))
}

// WatchSessions samples the session count every interval until ctx ends
func (m *Metrics) WatchSessions(ctx context.Context, store session.Store, interval time.Duration, logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	sample := func() {
		n, err := store.Len(ctx)
		if err != nil {
			if ctx.Err() == nil {
				logger.Debug("sampling session count", "error", err)
			}
			return
		}
		m.ActiveSessions.Set(float64(n))
	}

	sample()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sample()
		}
	}
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
