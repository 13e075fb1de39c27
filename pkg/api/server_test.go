package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumgate/stratumgate/pkg/config"
	"github.com/stratumgate/stratumgate/pkg/control"
	"github.com/stratumgate/stratumgate/pkg/log"
	"github.com/stratumgate/stratumgate/pkg/storage"
)

func TestMain(m *testing.M) {
	log.Init(log.Config{Level: log.ErrorLevel, JSONOutput: true, Output: io.Discard})
	os.Exit(m.Run())
}

type nopReloader struct{}

func (nopReloader) ReloadPort(int) error { return nil }

func newTestServer(t *testing.T) *Server {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc := control.NewService(store, nopReloader{}, config.Default())
	return NewServer(svc, "secret")
}

func doJSON(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set(TokenHeader, token)
	}
	w := httptest.NewRecorder()
	srv.Router().ServeHTTP(w, req)
	return w
}

func TestAuthRequired(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/health", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/health", "secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestMetricsBypassesAuth(t *testing.T) {
	srv := newTestServer(t)
	w := doJSON(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAddUserAndFreeRange(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/admin/add-user", "secret", map[string]interface{}{
		"tg_id": 100, "username": "alice", "port": 4001, "login": "alice-login",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Same port conflicts.
	w = doJSON(t, srv, http.MethodPost, "/admin/add-user", "secret", map[string]interface{}{
		"tg_id": 101, "username": "bob", "port": 4001, "login": "bob-login",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Out-of-range port is a validation error.
	w = doJSON(t, srv, http.MethodPost, "/admin/add-user", "secret", map[string]interface{}{
		"tg_id": 102, "username": "carol", "port": 99, "login": "carol-login",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(t, srv, http.MethodGet, "/freerange", "secret", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		FreePorts []int `json:"free_ports"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.NotContains(t, out.FreePorts, 4001)
	assert.Contains(t, out.FreePorts, 4002)
}

func TestModeRoutes(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/admin/add-user", "secret", map[string]interface{}{
		"tg_id": 100, "username": "alice", "port": 4001, "login": "alice-login",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/users/100/modes", "secret", map[string]interface{}{
		"name": "Day", "host": "pool.example", "port": 3333, "alias": "acct",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var added struct {
		ID int64 `json:"id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &added))

	w = doJSON(t, srv, http.MethodPost, "/users/100/modes/"+jsonID(added.ID)+"/activate", "secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// Unknown tenant maps to 404.
	w = doJSON(t, srv, http.MethodGet, "/users/999/modes", "secret", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	// Malformed tg_id is a 400.
	w = doJSON(t, srv, http.MethodGet, "/users/abc/modes", "secret", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestReloadPortRoute(t *testing.T) {
	srv := newTestServer(t)

	w := doJSON(t, srv, http.MethodPost, "/proxy/reload-port", "secret", map[string]interface{}{"port": 4001})
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, srv, http.MethodPost, "/proxy/reload-port", "secret", map[string]interface{}{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func jsonID(id int64) string {
	data, _ := json.Marshal(id)
	return string(data)
}
