package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/tradelib/internal/config"
	"github.com/aristath/tradelib/internal/di"
)

// newTestServer wires a sandbox container and mounts the full router.
func newTestServer(t *testing.T) (*Server, *di.Container) {
	t.Helper()

	cfg := &config.Config{
		DataDir:             t.TempDir(),
		Port:                8080,
		Backend:             config.BackendSandbox,
		MinTradeNotional:    1.0,
		SandboxStartingCash: 100000,
		Backup:              &config.BackupConfig{Dir: t.TempDir(), Retain: 3},
	}

	container, err := di.Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(container.Close)

	srv := New(Config{
		Port:      cfg.Port,
		Log:       zerolog.Nop(),
		Config:    cfg,
		DevMode:   true,
		Container: container,
	})
	return srv, container
}

func doGET(t *testing.T, handler http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	srv, _ := newTestServer(t)

	for _, path := range []string{"/health", "/api/health"} {
		rec := doGET(t, srv.Router(), path)
		require.Equal(t, http.StatusOK, rec.Code, path)

		var body map[string]interface{}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "healthy", body["status"])
		assert.Equal(t, "tradelib", body["service"])
		assert.Equal(t, "sandbox", body["backend"])
	}
}

func TestUnknownRouteReturns404(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doGET(t, srv.Router(), "/api/nonsense")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestModuleRoutesMounted(t *testing.T) {
	srv, _ := newTestServer(t)

	// One representative route per module proves the handler wiring.
	paths := []string{
		"/api/portfolio",
		"/api/portfolio/positions",
		"/api/trades",
		"/api/performance",
	}
	for _, path := range paths {
		rec := doGET(t, srv.Router(), path)
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestSystemInfo(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doGET(t, srv.Router(), "/api/system/info")
	require.Equal(t, http.StatusOK, rec.Code)

	var info SystemInfoResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, "tradelib", info.Service)
	assert.Equal(t, "sandbox", info.Backend)
	assert.Len(t, info.Databases, 3)
	assert.GreaterOrEqual(t, info.UptimeSeconds, 0.0)
}

func TestCreateBackupEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodPost, "/api/backup", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.NotEmpty(t, result["archive"])
	assert.Equal(t, false, result["uploaded"])
}

func TestListBackupsWithoutRemote(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doGET(t, srv.Router(), "/api/backups")
	require.Equal(t, http.StatusOK, rec.Code)

	var body BackupListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.RemoteConfigured)
	assert.Empty(t, body.Backups)
}

func TestCORSPreflight(t *testing.T) {
	srv, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodOptions, "/api/portfolio", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
