// ABOUTME: Tests for the forwarding proxy against httptest node servers
// ABOUTME: Covers unknown and unreachable nodes, verbatim relays, header rewriting, and stream cancellation

package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/nodes"
)

func registryWith(t *testing.T, ns ...nodes.Node) *nodes.Registry {
	t.Helper()
	r := nodes.NewRegistry(nil)
	require.NoError(t, r.Replace(nodes.SourceStore, ns))
	return r
}

func nodeAt(id, url string) nodes.Node {
	return nodes.Node{ID: id, BaseURL: url, Secret: "node-secret-" + id}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) auth.ErrorBody {
	t.Helper()
	var body auth.ErrorBody
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	return body
}

func TestForward_UnknownNode(t *testing.T) {
	p := New(registryWith(t), Config{})

	req := httptest.NewRequest(http.MethodGet, "/api/logs/tree?node_id=agent-7", nil)
	_, err := p.Forward(req.Context(), "agent-7", req, Buffered)
	require.ErrorIs(t, err, ErrUnknownNode)

	rec := httptest.NewRecorder()
	WriteError(rec, err)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "UNKNOWN_TARGET", decodeError(t, rec).Code)
}

func TestForward_UnknownNodesShareOneLabel(t *testing.T) {
	labels := make(map[string]int)
	p := New(registryWith(t), Config{
		Observe: func(nodeID string, _ Mode, outcome string, _ time.Duration) {
			assert.Equal(t, "unknown_target", outcome)
			labels[nodeID]++
		},
	})

	for i := 0; i < 200; i++ {
		id := fmt.Sprintf("agent-%d", i)
		req := httptest.NewRequest(http.MethodGet, "/api/logs/tree?node_id="+id, nil)
		_, err := p.Forward(req.Context(), id, req, Buffered)
		require.ErrorIs(t, err, ErrUnknownNode)
	}

	assert.Equal(t, map[string]int{UnknownNodeLabel: 200}, labels)
}

func TestForward_UnreachableNode(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	deadURL := dead.URL
	dead.Close()

	var outcome string
	p := New(registryWith(t, nodeAt("agent-1", deadURL)), Config{
		DialTimeout: time.Second,
		Observe: func(_ string, _ Mode, o string, _ time.Duration) {
			outcome = o
		},
	})

	for _, mode := range []Mode{Buffered, Streamed} {
		req := httptest.NewRequest(http.MethodGet, "/api/logs/tree?node_id=agent-1", nil)
		_, err := p.Forward(req.Context(), "agent-1", req, mode)
		require.ErrorIs(t, err, ErrNodeUnreachable, "mode %s", mode)
		assert.Equal(t, "unreachable", outcome)

		rec := httptest.NewRecorder()
		WriteError(rec, err)
		assert.Equal(t, http.StatusBadGateway, rec.Code)
		assert.Equal(t, "NODE_UNREACHABLE", decodeError(t, rec).Code)
	}
}

func TestForward_RelaysNodeErrorsVerbatim(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Node-Marker", "yes")
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"file too recent"}`)
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})

	req := httptest.NewRequest(http.MethodPost, "/api/logs/delete?node_id=agent-1&path=a.log", nil)
	rec := httptest.NewRecorder()
	p.Serve(rec, req, "agent-1", Buffered)

	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `{"error":"file too recent"}`, rec.Body.String())
	assert.Equal(t, "yes", rec.Header().Get("X-Node-Marker"))
	assert.Equal(t, "27", rec.Header().Get("Content-Length"))
}

func TestForward_RewritesRequest(t *testing.T) {
	type seen struct {
		method, path, query, body string
		header                    http.Header
	}
	got := make(chan seen, 1)

	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		got <- seen{r.Method, r.URL.Path, r.URL.RawQuery, string(b), r.Header.Clone()}
		w.WriteHeader(http.StatusOK)
	}))
	defer node.Close()

	// Base URL with a path prefix
	p := New(registryWith(t, nodeAt("agent-1", node.URL+"/agent/")), Config{LegacyHeader: "X-Fleet-Token"})

	req := httptest.NewRequest(http.MethodPost, "/api/logs/delete?path=x.log&node_id=agent-1", strings.NewReader(`{"k":1}`))
	req.Header.Set("Authorization", "Bearer caller-token")
	req.Header.Set("X-Fleet-Token", "caller-legacy")
	req.Header.Set("Cookie", "fleet_session=abc")
	req.Header.Set("Connection", "keep-alive, X-Private")
	req.Header.Set("X-Private", "hop")
	req.Header.Set("X-Fleet-User", "spoofed")
	req.Header.Set("X-Custom", "kept")
	req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "user-42"}))

	res, err := p.Forward(req.Context(), "agent-1", req, Buffered)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, res.Status)

	s := <-got
	assert.Equal(t, http.MethodPost, s.method)
	assert.Equal(t, "/agent/api/logs/delete", s.path)
	assert.Equal(t, "path=x.log", s.query)
	assert.Equal(t, `{"k":1}`, s.body)

	assert.Empty(t, s.header.Get("Authorization"))
	assert.Empty(t, s.header.Get("X-Fleet-Token"))
	assert.Empty(t, s.header.Get("Cookie"))
	assert.Empty(t, s.header.Get("X-Private"))
	assert.Equal(t, "node-secret-agent-1", s.header.Get("X-Fleet-Node-Token"))
	assert.Equal(t, "user-42", s.header.Get("X-Fleet-User"))
	assert.Equal(t, "kept", s.header.Get("X-Custom"))
	assert.Equal(t, "192.0.2.1", s.header.Get("X-Forwarded-For"))
	assert.Equal(t, "http", s.header.Get("X-Forwarded-Proto"))
	assert.Equal(t, "example.com", s.header.Get("X-Forwarded-Host"))
}

func TestForward_RedirectIsRelayed(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/logs/tree", nil)
	res, err := p.Forward(req.Context(), "agent-1", req, Buffered)
	require.NoError(t, err)
	assert.Equal(t, http.StatusFound, res.Status)
	assert.Equal(t, "/elsewhere", res.Header.Get("Location"))
}

func TestForward_BufferedLimit(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("x", 2048))
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{MaxBufferedBytes: 1024})
	req := httptest.NewRequest(http.MethodGet, "/api/logs/tree", nil)
	_, err := p.Forward(req.Context(), "agent-1", req, Buffered)
	require.ErrorIs(t, err, ErrResponseTooLarge)

	// The same body streams without a limit
	res, err := p.Forward(req.Context(), "agent-1", req, Streamed)
	require.NoError(t, err)
	rec := httptest.NewRecorder()
	n, err := res.Relay(rec)
	require.NoError(t, err)
	assert.EqualValues(t, 2048, n)
}

func TestForward_BufferedTimeout(t *testing.T) {
	release := make(chan struct{})
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer node.Close()
	defer close(release)

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{Timeout: 50 * time.Millisecond})
	req := httptest.NewRequest(http.MethodGet, "/api/logs/tree", nil)

	start := time.Now()
	_, err := p.Forward(req.Context(), "agent-1", req, Buffered)
	require.ErrorIs(t, err, ErrNodeUnreachable)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestForward_StreamPreservesDownloadHeaders(t *testing.T) {
	payload := strings.Repeat("0123456789", 10000)
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Disposition", `attachment; filename="agent.log"`)
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", "100000")
		_, _ = io.WriteString(w, payload)
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/logs/download?path=agent.log", nil)
	rec := httptest.NewRecorder()
	p.Serve(rec, req, "agent-1", Streamed)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="agent.log"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "100000", rec.Header().Get("Content-Length"))
	assert.Equal(t, payload, rec.Body.String())
	assert.True(t, rec.Flushed)
}

func TestForward_StreamCallerDisconnectClosesNodeConnection(t *testing.T) {
	nodeDone := make(chan struct{})
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(nodeDone)
		chunk := []byte(strings.Repeat("z", 4096))
		rc := http.NewResponseController(w)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			_ = rc.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/logs/download", nil).WithContext(ctx)
	res, err := p.Forward(ctx, "agent-1", req, Streamed)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	_, err = io.ReadFull(res.Stream, buf)
	require.NoError(t, err)

	// Caller goes away mid-stream
	cancel()
	_ = res.Close()

	select {
	case <-nodeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("node connection still open after caller disconnect")
	}
}

func TestServe_ClientDisconnectReleasesNode(t *testing.T) {
	nodeDone := make(chan struct{})
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(nodeDone)
		w.Header().Set("Content-Type", "application/octet-stream")
		chunk := []byte(strings.Repeat("z", 4096))
		rc := http.NewResponseController(w)
		for {
			if _, err := w.Write(chunk); err != nil {
				return
			}
			_ = rc.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(time.Millisecond):
			}
		}
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})
	serveDone := make(chan struct{})
	gw := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer close(serveDone)
		p.Serve(w, r, "agent-1", Streamed)
	}))
	defer gw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, gw.URL+"/api/logs/download?node_id=agent-1", nil)
	require.NoError(t, err)

	resp, err := gw.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	buf := make([]byte, 8192)
	_, err = io.ReadFull(resp.Body, buf)
	require.NoError(t, err)

	// Client hangs up mid-download; nothing else releases the relay
	cancel()

	select {
	case <-serveDone:
	case <-time.After(3 * time.Second):
		t.Fatal("Serve still relaying after client disconnect")
	}
	select {
	case <-nodeDone:
	case <-time.After(3 * time.Second):
		t.Fatal("node handler still running after client disconnect")
	}
}

func TestForward_StreamRelayStopsOnWriteError(t *testing.T) {
	node := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, strings.Repeat("y", 100000))
	}))
	defer node.Close()

	p := New(registryWith(t, nodeAt("agent-1", node.URL)), Config{})
	req := httptest.NewRequest(http.MethodGet, "/api/logs/download", nil)
	res, err := p.Forward(req.Context(), "agent-1", req, Streamed)
	require.NoError(t, err)

	w := &failingWriter{header: http.Header{}}
	_, err = res.Relay(w)
	require.Error(t, err)
	assert.Nil(t, res.Stream, "stream must be released after relay")
}

// failingWriter accepts headers but fails every body write
type failingWriter struct {
	header http.Header
}

func (f *failingWriter) Header() http.Header       { return f.header }
func (f *failingWriter) WriteHeader(int)           {}
func (f *failingWriter) Write([]byte) (int, error) { return 0, errors.New("caller gone") }

func TestTargetURL(t *testing.T) {
	tests := []struct {
		base, in, want string
	}{
		{"http://n:9100", "/api/logs/tree?node_id=a", "http://n:9100/api/logs/tree"},
		{"http://n:9100/", "/api/x?b=2&node_id=a&a=1", "http://n:9100/api/x?a=1&b=2"},
		{"https://n/prefix", "/api/x", "https://n/prefix/api/x"},
	}
	for _, tt := range tests {
		req := httptest.NewRequest(http.MethodGet, tt.in, nil)
		got, err := targetURL(tt.base, req.URL)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "buffered", Buffered.String())
	assert.Equal(t, "streamed", Streamed.String())
}
