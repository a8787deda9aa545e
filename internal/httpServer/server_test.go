package httpServer

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helvethink/deploy-orchestrator/pkg/config"
	"github.com/helvethink/deploy-orchestrator/pkg/controller"
	"github.com/helvethink/deploy-orchestrator/pkg/store"
)

func serve(t *testing.T, cfg config.Server) http.Handler {
	t.Helper()

	c := &controller.Controller{
		Config: config.New(),
		Store:  store.NewLocalStore(),
	}

	srv := NewServer(context.Background(), c, cfg)
	require.NotNil(t, srv.Handler)

	return srv.Handler
}

func get(h http.Handler, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(method, path, strings.NewReader("{}")))

	return w
}

func TestNewServer(t *testing.T) {
	cfg := config.New().Server
	h := serve(t, cfg)

	w := get(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Metrics at")
	assert.Contains(t, w.Body.String(), "API at")
	assert.NotContains(t, w.Body.String(), "Webhook at")

	assert.Equal(t, http.StatusOK, get(h, http.MethodGet, "/health/live").Code)
	assert.Equal(t, http.StatusOK, get(h, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodGet, "/unknown").Code)
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodPost, "/webhook").Code)

	// no acting user
	assert.Equal(t, http.StatusBadRequest, get(h, http.MethodPost, "/api/v1/deployments").Code)
}

func TestNewServerDisabledEndpoints(t *testing.T) {
	cfg := config.New().Server
	cfg.API.Enabled = false
	cfg.Metrics.Enabled = false

	h := serve(t, cfg)

	w := get(h, http.MethodGet, "/")
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), "Metrics at")

	assert.Equal(t, http.StatusNotFound, get(h, http.MethodGet, "/metrics").Code)
	assert.Equal(t, http.StatusNotFound, get(h, http.MethodPost, "/api/v1/deployments").Code)
}
