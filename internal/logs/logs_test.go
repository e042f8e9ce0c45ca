// ABOUTME: Tests for log tree listing, guarded deletion, download, and their HTTP handlers
// ABOUTME: Uses temporary directories with controlled modification times

package logs

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/fleet-gateway/internal/auth"
	"github.com/2389/fleet-gateway/internal/store"
)

// newLogDir creates:
//
//	old.log        (2 days old, 10 bytes)
//	fresh.log      (1 hour old, 5 bytes)
//	agent/run.log  (3 days old, 100 bytes)
func newLogDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	now := time.Now()

	write := func(rel string, size int, age time.Duration) {
		p := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, make([]byte, size), 0o644))
		mt := now.Add(-age)
		require.NoError(t, os.Chtimes(p, mt, mt))
	}
	write("old.log", 10, 48*time.Hour)
	write("fresh.log", 5, time.Hour)
	write("agent/run.log", 100, 72*time.Hour)
	return dir
}

func TestTree(t *testing.T) {
	m := NewManager(newLogDir(t), 24*time.Hour)

	tree, err := m.Tree()
	require.NoError(t, err)
	assert.True(t, tree.Dir)
	assert.EqualValues(t, 115, tree.Size)

	require.Len(t, tree.Children, 3)
	assert.Equal(t, "agent", tree.Children[0].Name, "directories sort first")
	assert.Equal(t, "fresh.log", tree.Children[1].Name)
	assert.Equal(t, "old.log", tree.Children[2].Name)

	agent := tree.Children[0]
	require.Len(t, agent.Children, 1)
	assert.Equal(t, "agent/run.log", agent.Children[0].Path)
	assert.EqualValues(t, 100, agent.Size)
	assert.Equal(t, "100 B", agent.Children[0].SizeHuman)
}

func TestDelete(t *testing.T) {
	dir := newLogDir(t)
	m := NewManager(dir, 24*time.Hour)

	require.NoError(t, m.Delete("old.log"))
	_, err := os.Stat(filepath.Join(dir, "old.log"))
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, m.Delete("agent/run.log"))

	err = m.Delete("fresh.log")
	assert.ErrorIs(t, err, ErrTooRecent)
	_, statErr := os.Stat(filepath.Join(dir, "fresh.log"))
	assert.NoError(t, statErr, "recent file must survive")

	assert.ErrorIs(t, m.Delete("missing.log"), ErrNotFound)
	assert.ErrorIs(t, m.Delete("agent"), ErrIsDirectory)
}

func TestDelete_RejectsEscapes(t *testing.T) {
	dir := newLogDir(t)
	outside := filepath.Join(filepath.Dir(dir), "outside.log")
	require.NoError(t, os.WriteFile(outside, []byte("x"), 0o644))
	old := time.Now().Add(-72 * time.Hour)
	require.NoError(t, os.Chtimes(outside, old, old))
	t.Cleanup(func() { _ = os.Remove(outside) })

	m := NewManager(dir, 0)
	for _, p := range []string{"", "..", "../outside.log", "agent/../../outside.log", `..\outside.log`} {
		err := m.Delete(p)
		assert.ErrorIs(t, err, ErrInvalidPath, "path %q", p)
	}

	// A symlink pointing out of the directory is not followed
	require.NoError(t, os.Symlink(outside, filepath.Join(dir, "link.log")))
	_, _, err := m.Open("link.log")
	assert.Error(t, err)

	_, err = os.Stat(outside)
	assert.NoError(t, err)
}

func TestOpen(t *testing.T) {
	m := NewManager(newLogDir(t), 24*time.Hour)

	f, fi, err := m.Open("agent/run.log")
	require.NoError(t, err)
	defer f.Close()
	assert.EqualValues(t, 100, fi.Size())

	_, _, err = m.Open("agent")
	assert.ErrorIs(t, err, ErrIsDirectory)
}

func TestNoDirectoryConfigured(t *testing.T) {
	m := NewManager("", time.Hour)
	_, err := m.Tree()
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestHandlers(t *testing.T) {
	dir := newLogDir(t)
	audit := store.NewMockStore()
	h := NewHandlers(NewManager(dir, 24*time.Hour), audit, nil)

	t.Run("tree", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Tree(rec, httptest.NewRequest(http.MethodGet, "/api/logs/tree", nil))
		require.Equal(t, http.StatusOK, rec.Code)

		var tree Entry
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&tree))
		assert.Len(t, tree.Children, 3)
	})

	t.Run("delete too recent", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Delete(rec, httptest.NewRequest(http.MethodPost, "/api/logs/delete?path=fresh.log", nil))
		assert.Equal(t, http.StatusConflict, rec.Code)

		var body auth.ErrorBody
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, "LOG_TOO_RECENT", body.Code)
		assert.Contains(t, body.Msg, "younger than")
	})

	t.Run("delete audited", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/logs/delete?path=old.log", nil)
		req = req.WithContext(auth.WithIdentity(req.Context(), auth.Identity{UserID: "user-9"}))
		rec := httptest.NewRecorder()
		h.Delete(rec, req)
		require.Equal(t, http.StatusOK, rec.Code)

		entries, err := audit.ListAuditLog(context.Background(), store.AuditFilter{})
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, store.AuditDeleteLog, entries[0].Action)
		assert.Equal(t, "user-9", entries[0].ActorID)
		assert.Equal(t, "old.log", entries[0].TargetID)
	})

	t.Run("delete bad path", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Delete(rec, httptest.NewRequest(http.MethodPost, "/api/logs/delete?path=../x", nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("download", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/logs/download?path=agent/run.log", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, `attachment; filename=run.log`, rec.Header().Get("Content-Disposition"))
		assert.Equal(t, "100", rec.Header().Get("Content-Length"))
		assert.Equal(t, 100, rec.Body.Len())
	})

	t.Run("download missing", func(t *testing.T) {
		rec := httptest.NewRecorder()
		h.Download(rec, httptest.NewRequest(http.MethodGet, "/api/logs/download?path=nope.log", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}
