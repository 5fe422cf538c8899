package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/integrator/internal/app"
	"github.com/ternarybob/integrator/internal/common"
)

func newTestServer(t *testing.T, origins []string) *Server {
	t.Helper()
	cfg := common.NewDefaultConfig()
	cfg.Storage.SharedOutputDir = t.TempDir()
	cfg.Storage.LocalOutputDir = t.TempDir()
	cfg.Storage.ScratchDir = t.TempDir()
	cfg.Server.ShutdownTimeout = "2s"
	cfg.WebSocket.AllowedOrigins = origins

	application, err := app.New(cfg, arbor.NewLogger())
	require.NoError(t, err)
	t.Cleanup(func() { application.Close() })

	return New(application)
}

func TestRoutes(t *testing.T) {
	s := newTestServer(t, []string{"*"})

	tests := []struct {
		method string
		path   string
		status int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodGet, "/api/version", http.StatusOK},
		{http.MethodGet, "/api/pipeline/jobs", http.StatusOK},
		{http.MethodGet, "/api/pipeline/jobs/J404", http.StatusNotFound},
		{http.MethodGet, "/api/pipeline/progress/J404", http.StatusNotFound},
		{http.MethodGet, "/api/pipeline/download/J404", http.StatusNotFound},
		{http.MethodPost, "/api/pipeline/mine/J404", http.StatusNotFound},
		{http.MethodGet, "/api/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
		})
	}
}

func TestCORS_Preflight(t *testing.T) {
	s := newTestServer(t, []string{"https://ui.example.com"})

	req := httptest.NewRequest(http.MethodOptions, "/api/pipeline/execute", nil)
	req.Header.Set("Origin", "https://ui.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ui.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://other.example.com")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
