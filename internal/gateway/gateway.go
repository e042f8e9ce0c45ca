// ABOUTME: Gateway orchestrator wiring authentication, sessions, nodes and forwarding
// ABOUTME: Manages HTTP and gRPC servers, tsnet listeners, background workers and shutdown

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/config"
	"github.com/2389/fleet-gateway/internal/forward"
	"github.com/2389/fleet-gateway/internal/logs"
	"github.com/2389/fleet-gateway/internal/metrics"
	"github.com/2389/fleet-gateway/internal/nodes"
	"github.com/2389/fleet-gateway/internal/release"
	"github.com/2389/fleet-gateway/internal/session"
	"github.com/2389/fleet-gateway/internal/store"
)

// sessionSampleInterval is how often the active session gauge is refreshed
const sessionSampleInterval = 30 * time.Second

// Gateway owns every server component
type Gateway struct {
	config   *config.Config
	store    *store.SQLiteStore
	sessions session.Store
	registry *nodes.Registry
	auth     *auth.Authenticator
	verifier *auth.JWTVerifier
	proxy    *forward.Proxy
	router   *Router
	metrics  *metrics.Metrics
	release  *release.Checker
	lastSeen *lastSeenRecorder

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	version string
	started time.Time
	logger  *slog.Logger

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// Option customizes New
type Option func(*options)

type options struct {
	version string
}

// WithVersion sets the version reported by the status probe and release check
func WithVersion(v string) Option {
	return func(o *options) { o.version = v }
}

// New builds a Gateway from cfg. Nothing listens until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	o := options{version: "dev"}
	for _, opt := range opts {
		opt(&o)
	}

	sqlStore, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	g := &Gateway{
		config:  cfg,
		store:   sqlStore,
		version: o.version,
		started: time.Now(),
		logger:  logger.With("component", "gateway"),
	}

	if err := g.build(logger); err != nil {
		g.closeComponents()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) build(logger *slog.Logger) error {
	cfg := g.config

	sessions, err := newSessionStore(cfg.Sessions)
	if err != nil {
		return err
	}
	g.sessions = sessions

	g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret),
		auth.WithRenewalWindow(cfg.Auth.RenewalWindow()))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	g.auth = auth.NewAuthenticator(auth.Config{
		Verifier:       g.verifier,
		Directory:      auth.NewStoreDirectory(g.store),
		Sessions:       sessions,
		LegacyHeader:   cfg.Auth.LegacyHeader,
		ExemptPrefixes: cfg.Auth.ExemptPrefixes,
		CookieName:     cfg.Sessions.CookieName,
		SessionTTL:     cfg.Sessions.TTL,
		Logger:         logger,
	})

	g.grpcServer, g.health = newGRPCServer()
	setServing(g.health, false)

	g.registry = nodes.NewRegistry(logger)
	g.registry.OnChange(func(n int) { setServing(g.health, n > 0) })

	if cfg.Metrics.Enabled {
		g.metrics = metrics.New(metrics.NewRegistry())
		g.auth.OnDecision(g.metrics.ObserveDecision)
		g.registry.OnChange(g.metrics.SetNodes)
	}

	g.lastSeen = newLastSeenRecorder(g.store, time.Minute)
	g.auth.OnAuthorized(func(ctx context.Context, id auth.Identity) error {
		recorded, err := g.lastSeen.record(ctx, id.UserID)
		if err != nil {
			if g.metrics != nil {
				g.metrics.ReloadHookErrors.Inc()
			}
			return err
		}
		if recorded && g.metrics != nil {
			g.metrics.LastSeenUpdates.Inc()
		}
		return nil
	})

	if err := g.registry.SyncStore(context.Background(), g.store); err != nil {
		return fmt.Errorf("loading nodes from store: %w", err)
	}
	if cfg.Nodes.File != "" {
		if err := g.registry.ReloadFile(cfg.Nodes.File); err != nil {
			return fmt.Errorf("loading nodes file: %w", err)
		}
	}

	fwdCfg := forward.Config{
		SecretHeader:     cfg.Forwarding.SecretHeader,
		LegacyHeader:     cfg.Auth.LegacyHeader,
		MaxBufferedBytes: cfg.Forwarding.MaxBufferedBytes,
		Timeout:          cfg.Forwarding.Timeout,
		DialTimeout:      cfg.Forwarding.DialTimeout,
		Logger:           logger,
	}
	if cfg.Tailscale.Enabled && cfg.Tailscale.DialNodes {
		fwdCfg.Dial = g.dialTailnet
	}
	if g.metrics != nil {
		fwdCfg.Observe = g.metrics.ObserveForward
	}
	g.proxy = forward.New(g.registry, fwdCfg)

	g.release = release.NewChecker(release.Config{
		URL:       cfg.Release.URL,
		CacheFile: cfg.Release.CacheFile,
		CacheTTL:  cfg.Release.CacheTTL,
		Current:   g.version,
		Logger:    logger,
	})

	g.router = NewRouter(g.auth, g.proxy, logger)
	if err := g.registerRoutes(logger); err != nil {
		return err
	}

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

func newSessionStore(cfg config.SessionsConfig) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s, err := session.NewRedisStore(ctx, session.RedisConfig{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
			TTL:       cfg.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("connecting session store: %w", err)
		}
		return s, nil
	default:
		return session.NewMemoryStore(cfg.TTL, cfg.CleanupInterval), nil
	}
}

// registerRoutes builds the route table
func (g *Gateway) registerRoutes(logger *slog.Logger) error {
	authHandlers := auth.NewHandlers(g.auth, g.verifier, g.store, g.store, g.config.Auth.TokenTTL, logger)
	logHandlers := logs.NewHandlers(logs.NewManager(g.config.Logs.Dir, g.config.Logs.MinAge), g.store, logger)

	routes := []Route{
		{ID: "auth.login", Pattern: "POST /api/auth/login", Exempt: true, Class: Local, Handler: http.HandlerFunc(authHandlers.Login)},
		{ID: "auth.renew", Pattern: "POST /api/auth/renew", Exempt: true, Class: Local, Handler: http.HandlerFunc(authHandlers.Renew)},
		{ID: "auth.logout", Pattern: "POST /api/auth/logout", Exempt: true, Class: Local, Handler: http.HandlerFunc(authHandlers.Logout)},
		{ID: "me", Pattern: "GET /api/me", Class: Local, Handler: http.HandlerFunc(g.handleMe)},
		{ID: "nodes.list", Pattern: "GET /api/nodes", Class: Local, Handler: http.HandlerFunc(g.handleListNodes)},
		{ID: "logs.tree", Pattern: "GET /api/logs/tree", Class: ForwardBuffered, Handler: http.HandlerFunc(logHandlers.Tree)},
		{ID: "logs.delete", Pattern: "POST /api/logs/delete", Class: ForwardBuffered, Handler: http.HandlerFunc(logHandlers.Delete)},
		{ID: "logs.download", Pattern: "GET /api/logs/download", Class: ForwardStream, Handler: http.HandlerFunc(logHandlers.Download)},
		{ID: "release", Pattern: "GET /api/release", Class: Local, Handler: http.HandlerFunc(g.release.Handler)},
		// Exempt through the configured /api/open/ prefix, not the flag
		{ID: "open.status", Pattern: "GET /api/open/status", Class: Local, Handler: http.HandlerFunc(g.handleOpenStatus)},
	}
	for _, route := range routes {
		if err := g.router.Handle(route); err != nil {
			return err
		}
	}

	g.router.HandleInfra("GET /health", http.HandlerFunc(g.handleHealth))
	g.router.HandleInfra("GET /health/ready", http.HandlerFunc(g.handleReady))
	if g.metrics != nil {
		g.router.HandleInfra("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return nil
}

// Handler returns the HTTP handler serving the route table
func (g *Gateway) Handler() http.Handler {
	return g.router
}

// Registry returns the node registry
func (g *Gateway) Registry() *nodes.Registry {
	return g.registry
}

// Routes returns the registered route table
func (g *Gateway) Routes() []Route {
	return g.router.Routes()
}

// dialTailnet reaches nodes through the embedded tailscale node
func (g *Gateway) dialTailnet(ctx context.Context, network, addr string) (net.Conn, error) {
	if g.tsnetServer == nil {
		return nil, errors.New("tailscale is not running")
	}
	return g.tsnetServer.Dial(ctx, network, addr)
}

// startBackground launches workers that live until Shutdown
func (g *Gateway) startBackground() {
	ctx, cancel := context.WithCancel(context.Background())
	g.bgCancel = cancel

	if g.config.Nodes.File != "" && g.config.Nodes.Watch {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			if err := g.registry.WatchFile(ctx, g.config.Nodes.File); err != nil {
				g.logger.Error("nodes file watcher stopped", "error", err)
			}
		}()
	}

	if g.config.Nodes.SyncInterval > 0 {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			g.registry.PollStore(ctx, g.store, g.config.Nodes.SyncInterval)
		}()
	}

	if g.metrics != nil {
		g.bgWG.Add(1)
		go func() {
			defer g.bgWG.Done()
			g.metrics.WatchSessions(ctx, g.sessions, sessionSampleInterval, g.logger)
		}()
	}
}

func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run starts serving and blocks until ctx is canceled or a server fails
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	g.startBackground()
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return g.Shutdown(ctx)
}

func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "fleet-gateway", "tailscale"), nil
}

func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	if g.config.Server.GRPCAddr != "" {
		_, port, err := net.SplitHostPort(g.config.Server.GRPCAddr)
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("parsing server.grpc_addr: %w", err)
		}
		grpcLn, err = g.tsnetServer.Listen("tcp", ":"+port)
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
		}
	}

	httpLn, err = g.createTailscaleHTTPListener(tsCfg)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		_ = g.tsnetServer.Close()
		return nil, nil, err
	}
	return grpcLn, httpLn, nil
}

func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		g.logger.Info("enabling HTTPS with Tailscale certs on :443")
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			_ = ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		return tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		}), nil
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the servers, then the background workers and the stores
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	shutdownGRPCServer(ctx, g.grpcServer, g.health)

	if g.bgCancel != nil {
		g.bgCancel()
		g.bgWG.Wait()
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// closeComponents releases the session and persistent stores
func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.lastSeen != nil {
		g.lastSeen.close()
	}
	if g.sessions != nil {
		errs = appendCloseError(errs, "session store close", g.sessions.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}
