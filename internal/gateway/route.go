// ABOUTME: Route table binding each API route to its exemption flag and forward class
// ABOUTME: Dispatch authenticates, then either forwards to a node or runs the local handler

package gateway

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/forward"
)

// Class decides what happens to a request that names a node
type Class int

const (
	// Local routes always run on the gateway; node_id is refused
	Local Class = iota
	// ForwardBuffered routes forward with the whole response read first
	ForwardBuffered
	// ForwardStream routes relay the node response as it arrives
	ForwardStream
)

func (c Class) String() string {
	switch c {
	case ForwardBuffered:
		return "forward_buffered"
	case ForwardStream:
		return "forward_stream"
	default:
		return "local"
	}
}

// mode returns the forwarding mode for forwardable classes
func (c Class) mode() (forward.Mode, bool) {
	switch c {
	case ForwardBuffered:
		return forward.Buffered, true
	case ForwardStream:
		return forward.Streamed, true
	default:
		return 0, false
	}
}

// Route is one entry of the route table. Exemption and class are fixed
// when the route is registered.
type Route struct {
	ID      string
	Pattern string // http.ServeMux pattern, e.g. "GET /api/logs/tree"
	Exempt  bool
	Class   Class
	Handler http.Handler
}

// Errors returned by Router.Handle
var (
	ErrInvalidRoute   = errors.New("invalid route")
	ErrDuplicateRoute = errors.New("duplicate route id")
)

// Forwarder relays a request to a node
type Forwarder interface {
	Serve(w http.ResponseWriter, r *http.Request, nodeID string, mode forward.Mode)
}

// Router owns the route table and the mux it is served from
type Router struct {
	mux     *http.ServeMux
	auth    *auth.Authenticator
	forward Forwarder
	routes  []Route
	ids     map[string]bool
	logger  *slog.Logger
}

// NewRouter creates an empty route table
func NewRouter(a *auth.Authenticator, f Forwarder, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		mux:     http.NewServeMux(),
		auth:    a,
		forward: f,
		ids:     make(map[string]bool),
		logger:  logger.With("component", "router"),
	}
}

// Handle registers a route behind the authentication middleware
func (rt *Router) Handle(route Route) error {
	if route.ID == "" || route.Pattern == "" || route.Handler == nil {
		return fmt.Errorf("%w: id, pattern and handler are required", ErrInvalidRoute)
	}
	if _, ok := route.Class.mode(); !ok && route.Class != Local {
		return fmt.Errorf("%w: %q has unknown class %d", ErrInvalidRoute, route.ID, route.Class)
	}
	if rt.ids[route.ID] {
		return fmt.Errorf("%w: %q", ErrDuplicateRoute, route.ID)
	}
	rt.ids[route.ID] = true
	rt.routes = append(rt.routes, route)

	mw := rt.auth.Middleware(auth.RouteInfo{ID: route.ID, Exempt: route.Exempt})
	rt.mux.Handle(route.Pattern, mw(rt.dispatch(route)))
	rt.logger.Debug("route registered", "route", route.ID, "pattern", route.Pattern,
		"exempt", route.Exempt, "class", route.Class)
	return nil
}

// HandleInfra registers an endpoint outside the route table, without authentication
func (rt *Router) HandleInfra(pattern string, h http.Handler) {
	rt.mux.Handle(pattern, h)
}

// Routes returns the registered routes in registration order
func (rt *Router) Routes() []Route {
	return append([]Route(nil), rt.routes...)
}

func (rt *Router) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	rt.mux.ServeHTTP(w, r)
}

// dispatch runs after authentication succeeded
func (rt *Router) dispatch(route Route) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		nodeID := r.URL.Query().Get(forward.NodeIDParam)
		if nodeID == "" {
			route.Handler.ServeHTTP(w, r)
			return
		}
		mode, ok := route.Class.mode()
		if !ok || rt.forward == nil {
			auth.WriteError(w, http.StatusBadRequest, "NOT_FORWARDABLE",
				fmt.Sprintf("route %s cannot be forwarded to a node", route.ID))
			return
		}
		rt.forward.Serve(w, r, nodeID, mode)
	})
}
