package httpserver_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/proxyfleet/proxyfleet/internal/adapter/httpserver"
	"github.com/proxyfleet/proxyfleet/internal/artifacts"
	"github.com/proxyfleet/proxyfleet/internal/domain"
	"github.com/proxyfleet/proxyfleet/internal/engine"
	"github.com/proxyfleet/proxyfleet/internal/genconf"
	"github.com/proxyfleet/proxyfleet/internal/metrics"
	"github.com/proxyfleet/proxyfleet/internal/ports"
	"github.com/proxyfleet/proxyfleet/internal/store"
	"github.com/proxyfleet/proxyfleet/internal/supervisor"
)

const testKey = "test-api-key"

type stubSupervisor struct {
	mu     sync.Mutex
	states map[string]supervisor.Status
}

func (s *stubSupervisor) Spawn(name, binary string, args []string, stdoutPath, stderrPath string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states[name] = supervisor.StatusAlive
	return nil
}

func (s *stubSupervisor) Terminate(name string, graceful os.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.states, name)
	return nil
}

func (s *stubSupervisor) Status(name string) supervisor.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.states[name]
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	dir := t.TempDir()
	st, err := store.New(dir)
	require.NoError(t, err)

	layout := artifacts.NewLayout(dir)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()

	eng := engine.New(engine.Deps{
		Store:   st,
		Ports:   ports.NewAllocator(43000, 43010),
		Layout:  layout,
		Sup:     &stubSupervisor{states: make(map[string]supervisor.Status)},
		Forward: genconf.NewForwardRenderer(layout),
		Tunnel:  genconf.NewTunnelRenderer(layout),
		Creds:   artifacts.NewCredentialProvider(layout),
		Certs:   artifacts.NewCertificateProvider(layout),
		Metrics: m,
		Binaries: engine.Binaries{
			Forward: "/usr/bin/3proxy",
			Tunnel:  "/usr/bin/sniproxy",
		},
		Logger: logger,
	})

	gin.SetMode(gin.TestMode)
	router := gin.New()
	api := httpserver.NewAPI(eng, m, logger)
	api.RegisterRoutes(router, func(c *gin.Context) {
		if c.GetHeader("X-Api-Key") != testKey {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"ok": false})
			return
		}
		c.Next()
	})
	return router
}

type envelope struct {
	Ok    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Error string          `json:"error"`
	Kind  string          `json:"kind"`
}

func do(t *testing.T, router *gin.Engine, method, path string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("X-Api-Key", testKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	var env envelope
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func createBody(name string) map[string]any {
	return map[string]any{"name": name, "kind": "forward_proxy"}
}

func TestAuthRequired(t *testing.T) {
	router := newTestRouter(t)

	req := httptest.NewRequest(http.MethodGet, "/instances", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// Health and metrics stay open for probes and scrapers.
	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateAndGet(t *testing.T) {
	router := newTestRouter(t)

	rec, env := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code, env.Error)
	require.True(t, env.Ok)

	var view engine.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "alpha", view.Name)
	assert.Equal(t, domain.DesiredStopped, view.Desired)
	assert.Equal(t, domain.ObservedStopped, view.Observed)
	assert.NotZero(t, view.ListenPort)

	rec, env = do(t, router, http.MethodGet, "/instances/alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, "alpha", view.Name)
}

func TestCreateValidation(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodPost, "/instances", map[string]any{"kind": "forward_proxy"})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing name is rejected by binding")

	rec, env := do(t, router, http.MethodPost, "/instances", map[string]any{
		"name": "bad name", "kind": "forward_proxy",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, string(domain.ErrInvalidName), env.Kind)
}

func TestCreateConflict(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, string(domain.ErrAlreadyExists), env.Kind)
}

func TestStartStopRestart(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := do(t, router, http.MethodPost, "/instances/alpha/start", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)
	var view engine.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, domain.ObservedRunning, view.Observed)
	assert.Equal(t, domain.DesiredRunning, view.Desired)

	rec, env = do(t, router, http.MethodPost, "/instances/alpha/restart", nil)
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	rec, env = do(t, router, http.MethodPost, "/instances/alpha/stop", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.Equal(t, domain.DesiredStopped, view.Desired)
}

func TestUpdateFlags(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, env := do(t, router, http.MethodPut, "/instances/alpha", map[string]any{
		"flags": map[string]any{"tls_enabled": true},
	})
	require.Equal(t, http.StatusOK, rec.Code, env.Error)

	var view engine.View
	require.NoError(t, json.Unmarshal(env.Data, &view))
	assert.True(t, view.Flags.TLSEnabled)
}

func TestDeleteAndNotFound(t *testing.T) {
	router := newTestRouter(t)

	rec, _ := do(t, router, http.MethodPost, "/instances", createBody("alpha"))
	require.Equal(t, http.StatusCreated, rec.Code)

	rec, _ = do(t, router, http.MethodDelete, "/instances/alpha", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, env := do(t, router, http.MethodGet, "/instances/alpha", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, string(domain.ErrNotFound), env.Kind)

	rec, _ = do(t, router, http.MethodDelete, "/instances/alpha", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestList(t *testing.T) {
	router := newTestRouter(t)

	for i := 0; i < 3; i++ {
		rec, _ := do(t, router, http.MethodPost, "/instances", createBody(fmt.Sprintf("inst-%d", i)))
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec, env := do(t, router, http.MethodGet, "/instances", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []engine.View
	require.NoError(t, json.Unmarshal(env.Data, &views))
	assert.Len(t, views, 3)
}
