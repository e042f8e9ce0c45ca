// ABOUTME: Per-request authentication state machine over the ordered strategies
// ABOUTME: Produces Authorized, RenewalRequired, or Rejected and runs reload hooks

package auth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/2389/fleet-gateway/internal/session"
)

// Outcome is the terminal state of authenticating one request
type Outcome int

const (
	Rejected Outcome = iota
	Authorized
	RenewalRequired
)

func (o Outcome) String() string {
	switch o {
	case Authorized:
		return "authorized"
	case RenewalRequired:
		return "renewal_required"
	default:
		return "rejected"
	}
}

// Decision is the result of Authenticate
type Decision struct {
	Outcome  Outcome
	Code     Code
	Message  string
	Identity *Identity
	Exempt   bool

	// Strategy names the strategy that decided; empty for exempt routes
	Strategy string

	// Handle is the caller's session handle and IssueCookie reports that it
	// is new and must be sent back with Set-Cookie.
	Handle      string
	IssueCookie bool

	err error
}

// Err returns the underlying lookup failure, if any
func (d Decision) Err() error { return d.err }

func authorized(id Identity) Decision {
	return Decision{Outcome: Authorized, Identity: &id}
}

func rejected(code Code, msg string) Decision {
	return Decision{Outcome: Rejected, Code: code, Message: msg}
}

func renewalRequired(msg string) Decision {
	return Decision{Outcome: RenewalRequired, Code: CodeRenewable, Message: msg}
}

// lookupFailed covers directory and session store failures; the caller may retry
func lookupFailed(err error) Decision {
	d := rejected(CodeUnauthorized, "identity lookup failed")
	d.err = err
	return d
}

// RouteInfo is what the state machine needs to know about the matched route
type RouteInfo struct {
	ID     string
	Exempt bool
}

// ReloadFunc runs after every authorized request that resolved an identity,
// before the route handler. Errors are logged and do not reject the request.
type ReloadFunc func(ctx context.Context, id Identity) error

// Config for an Authenticator
type Config struct {
	Verifier       TokenVerifier
	Directory      Directory
	Sessions       session.Store
	LegacyHeader   string
	ExemptPrefixes []string
	CookieName     string
	SessionTTL     time.Duration
	Logger         *slog.Logger
}

// Authenticator drives the strategies for each request
type Authenticator struct {
	strategies     []Strategy
	binder         *binder
	sessions       session.Store
	exemptPrefixes []string
	cookieName     string
	sessionTTL     time.Duration
	reloads        []ReloadFunc
	observers      []func(RouteInfo, Decision)
	logger         *slog.Logger
}

// NewAuthenticator builds the state machine with the fixed strategy order
// bearer, legacy header, session.
func NewAuthenticator(cfg Config) *Authenticator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	cookieName := cfg.CookieName
	if cookieName == "" {
		cookieName = session.DefaultCookieName
	}
	legacyHeader := cfg.LegacyHeader
	if legacyHeader == "" {
		legacyHeader = "X-Fleet-Token"
	}

	b := &binder{directory: cfg.Directory, sessions: cfg.Sessions}
	return &Authenticator{
		strategies: []Strategy{
			&BearerStrategy{verifier: cfg.Verifier, binder: b},
			&LegacyHeaderStrategy{header: legacyHeader, binder: b},
			&SessionStrategy{sessions: cfg.Sessions},
		},
		binder:         b,
		sessions:       cfg.Sessions,
		exemptPrefixes: append([]string(nil), cfg.ExemptPrefixes...),
		cookieName:     cookieName,
		sessionTTL:     cfg.SessionTTL,
		logger:         logger.With("component", "auth"),
	}
}

// OnAuthorized registers a reload hook. Hooks run in registration order.
// Register hooks before serving.
func (a *Authenticator) OnAuthorized(fn ReloadFunc) {
	a.reloads = append(a.reloads, fn)
}

// OnDecision registers an observer called with every decision.
// Register observers before serving.
func (a *Authenticator) OnDecision(fn func(RouteInfo, Decision)) {
	a.observers = append(a.observers, fn)
}

// Strategies returns the strategy names in evaluation order
func (a *Authenticator) Strategies() []string {
	names := make([]string, len(a.strategies))
	for i, s := range a.strategies {
		names[i] = s.Name()
	}
	return names
}

// CookieName is the session cookie this authenticator reads and issues
func (a *Authenticator) CookieName() string { return a.cookieName }

// IsExempt reports whether route or path bypasses authentication.
// Prefixes match exactly: "/api/open/" matches "/api/open/x" but not "/api/opened".
func (a *Authenticator) IsExempt(route RouteInfo, path string) bool {
	if route.Exempt {
		return true
	}
	for _, p := range a.exemptPrefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// Authenticate runs the state machine for r. It touches neither the
// directory nor the session store for exempt routes. Any session lock taken
// is released before it returns.
func (a *Authenticator) Authenticate(ctx context.Context, route RouteInfo, r *http.Request) Decision {
	d := a.authenticate(ctx, route, r)
	for _, obs := range a.observers {
		obs(route, d)
	}
	return d
}

func (a *Authenticator) authenticate(ctx context.Context, route RouteInfo, r *http.Request) Decision {
	if a.IsExempt(route, r.URL.Path) {
		return Decision{Outcome: Authorized, Exempt: true}
	}

	att := &Attempt{
		RouteID: route.ID,
		Path:    r.URL.Path,
		Header:  r.Header,
		Handle:  session.HandleFromRequest(r, a.cookieName),
	}
	if att.Handle == "" {
		h, err := session.NewHandle()
		if err != nil {
			a.logger.Error("generating session handle", "error", err)
			return rejected(CodeUnauthorized, "internal error")
		}
		att.Handle = h
		att.NewHandle = true
	}

	for _, s := range a.strategies {
		d, ok := s.Resolve(ctx, att)
		if !ok {
			continue
		}
		d.Strategy = s.Name()
		d.Handle = att.Handle
		d.IssueCookie = att.NewHandle && d.Outcome == Authorized
		if d.err != nil {
			a.logger.Warn("authentication lookup failed",
				"route", route.ID,
				"strategy", d.Strategy,
				"error", d.err,
			)
		}
		return d
	}

	return rejected(CodeUnauthorized, "authentication required")
}

// reload runs the registered hooks for an authorized identity
func (a *Authenticator) reload(ctx context.Context, id Identity) {
	for _, fn := range a.reloads {
		if err := fn(ctx, id); err != nil {
			a.logger.Warn("reload hook failed", "user_id", id.UserID, "error", err)
		}
	}
}
