// ABOUTME: Forwarding proxy that re-issues an authenticated request against a remote node
// ABOUTME: Swaps the caller credential for the node secret and maps transport failures to errors

package forward

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/nodes"
)

// Errors returned by Forward
var (
	ErrUnknownNode      = errors.New("unknown target node")
	ErrNodeUnreachable  = errors.New("node unreachable")
	ErrResponseTooLarge = errors.New("node response too large")
)

// NodeIDParam is the query parameter that routes a request to a node
const NodeIDParam = "node_id"

// UserHeader carries the caller's user id to the node
const UserHeader = "X-Fleet-User"

// UnknownNodeLabel replaces the node id passed to Config.Observe when the id
// is not registered, so callers cannot mint new label values
const UnknownNodeLabel = "unknown"

// hopByHopHeaders are removed in both directions
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Resolver maps node ids to descriptors
type Resolver interface {
	Lookup(id string) (nodes.Node, bool)
}

// DialFunc dials a node address
type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

// Config for a Proxy
type Config struct {
	// SecretHeader carries the node-scoped secret
	SecretHeader string
	// LegacyHeader is the caller credential header stripped before forwarding
	LegacyHeader string

	MaxBufferedBytes int64
	// Timeout bounds a whole buffered call and the wait for response headers
	Timeout     time.Duration
	DialTimeout time.Duration

	// Dial overrides the network dialer, e.g. to reach nodes over the tailnet
	Dial DialFunc

	// Observe is called once per Forward with the outcome label. nodeID is
	// UnknownNodeLabel for ids missing from the registry.
	Observe func(nodeID string, mode Mode, outcome string, elapsed time.Duration)

	Logger *slog.Logger
}

// Proxy forwards requests to nodes. It never retries.
type Proxy struct {
	resolver Resolver
	client   *http.Client
	cfg      Config
	logger   *slog.Logger
}

// New creates a Proxy
func New(resolver Resolver, cfg Config) *Proxy {
	if cfg.SecretHeader == "" {
		cfg.SecretHeader = "X-Fleet-Node-Token"
	}
	if cfg.LegacyHeader == "" {
		cfg.LegacyHeader = "X-Fleet-Token"
	}
	if cfg.MaxBufferedBytes <= 0 {
		cfg.MaxBufferedBytes = 10 << 20
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	dial := cfg.Dial
	if dial == nil {
		d := &net.Dialer{Timeout: cfg.DialTimeout, KeepAlive: 30 * time.Second}
		dial = d.DialContext
	} else {
		custom := dial
		dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
			ctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
			defer cancel()
			return custom(ctx, network, addr)
		}
	}

	transport := &http.Transport{
		DialContext:           dial,
		ResponseHeaderTimeout: cfg.Timeout,
		TLSHandshakeTimeout:   10 * time.Second,
		IdleConnTimeout:       90 * time.Second,
		MaxIdleConnsPerHost:   8,
		// Bodies are relayed byte for byte
		DisableCompression: true,
	}

	return &Proxy{
		resolver: resolver,
		client: &http.Client{
			Transport: transport,
			// Redirects from a node are relayed, not followed
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		logger: logger.With("component", "forward"),
	}
}

// Forward re-issues r against the node. The returned Result must be relayed
// or closed. The caller's context bounds the outbound call, so a caller
// that goes away aborts it.
func (p *Proxy) Forward(ctx context.Context, nodeID string, r *http.Request, mode Mode) (*Result, error) {
	start := time.Now()
	res, err := p.forward(ctx, nodeID, r, mode)
	if p.cfg.Observe != nil {
		label := nodeID
		if errors.Is(err, ErrUnknownNode) {
			label = UnknownNodeLabel
		}
		p.cfg.Observe(label, mode, outcomeLabel(res, err), time.Since(start))
	}
	return res, err
}

func (p *Proxy) forward(ctx context.Context, nodeID string, r *http.Request, mode Mode) (*Result, error) {
	node, ok := p.resolver.Lookup(nodeID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownNode, nodeID)
	}

	target, err := targetURL(node.BaseURL, r.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", ErrNodeUnreachable, nodeID, err)
	}

	if mode == Buffered {
		// The body is fully read before forward returns
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.cfg.Timeout)
		defer cancel()
	}

	var body io.Reader = http.NoBody
	if r.Body != nil && r.Body != http.NoBody && r.ContentLength != 0 {
		body = r.Body
	}

	out, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("building request for %q: %w", nodeID, err)
	}
	out.ContentLength = r.ContentLength
	if body == http.NoBody {
		out.ContentLength = 0
	}
	out.Header = p.outboundHeader(r, node)

	resp, err := p.client.Do(out)
	if err != nil {
		p.logger.Warn("node unreachable", "node_id", nodeID, "mode", mode, "error", err)
		return nil, fmt.Errorf("%w: %q: %v", ErrNodeUnreachable, nodeID, err)
	}

	header := resp.Header.Clone()
	removeHopByHop(header)

	if mode == Streamed {
		return &Result{
			Mode:   Streamed,
			Status: resp.StatusCode,
			Header: header,
			Stream: resp.Body,
		}, nil
	}

	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, p.cfg.MaxBufferedBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %q: reading body: %v", ErrNodeUnreachable, nodeID, err)
	}
	if int64(len(data)) > p.cfg.MaxBufferedBytes {
		return nil, fmt.Errorf("%w: %q exceeds %d bytes", ErrResponseTooLarge, nodeID, p.cfg.MaxBufferedBytes)
	}
	header.Del("Content-Length")

	return &Result{
		Mode:   Buffered,
		Status: resp.StatusCode,
		Header: header,
		Body:   data,
	}, nil
}

// outboundHeader copies the inbound headers minus hop-by-hop and caller
// credentials, then adds the node secret, the caller id and X-Forwarded-*.
func (p *Proxy) outboundHeader(r *http.Request, node nodes.Node) http.Header {
	h := r.Header.Clone()
	if h == nil {
		h = http.Header{}
	}
	removeHopByHop(h)
	h.Del("Authorization")
	h.Del("Cookie")
	h.Del(p.cfg.LegacyHeader)

	h.Set(p.cfg.SecretHeader, node.Secret)
	if id := auth.FromContext(r.Context()); id != nil {
		h.Set(UserHeader, id.UserID)
	} else {
		h.Del(UserHeader)
	}

	clientIP, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || clientIP == "" {
		clientIP = r.RemoteAddr
	}
	if prior := h.Get("X-Forwarded-For"); prior != "" {
		h.Set("X-Forwarded-For", prior+", "+clientIP)
	} else {
		h.Set("X-Forwarded-For", clientIP)
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", r.Host)
	return h
}

// removeHopByHop strips hop-by-hop headers, including any listed in Connection
func removeHopByHop(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

// targetURL joins the node base URL with the inbound path and query, minus node_id
func targetURL(base string, in *url.URL) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("parsing base url: %w", err)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/" + strings.TrimLeft(in.Path, "/")
	u.RawPath = ""

	q := in.Query()
	q.Del(NodeIDParam)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func outcomeLabel(res *Result, err error) string {
	switch {
	case err == nil:
		return fmt.Sprintf("%dxx", res.Status/100)
	case errors.Is(err, ErrUnknownNode):
		return "unknown_target"
	case errors.Is(err, ErrResponseTooLarge):
		return "too_large"
	default:
		return "unreachable"
	}
}

// WriteError maps a Forward error to a JSON response
func WriteError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrUnknownNode):
		auth.WriteError(w, http.StatusNotFound, "UNKNOWN_TARGET", "unknown node")
	case errors.Is(err, ErrResponseTooLarge):
		auth.WriteError(w, http.StatusBadGateway, "RESPONSE_TOO_LARGE", "node response exceeds the buffered limit")
	case errors.Is(err, ErrNodeUnreachable):
		auth.WriteError(w, http.StatusBadGateway, "NODE_UNREACHABLE", "node unreachable")
	default:
		auth.WriteError(w, http.StatusBadGateway, "FORWARD_FAILED", "forwarding failed")
	}
}

// Serve forwards r to nodeID and relays the result to w
func (p *Proxy) Serve(w http.ResponseWriter, r *http.Request, nodeID string, mode Mode) {
	res, err := p.Forward(r.Context(), nodeID, r, mode)
	if err != nil {
		WriteError(w, err)
		return
	}
	if _, err := res.Relay(w); err != nil {
		// Headers are already sent; the connection is simply cut short
		p.logger.Debug("relay interrupted", "node_id", nodeID, "mode", mode, "error", err)
	}
}
