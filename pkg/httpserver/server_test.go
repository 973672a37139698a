package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

func TestConfigDefaultsAndValidate(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, "/metrics", cfg.MetricsPath)
	assert.Equal(t, "/healthz", cfg.HealthzPath)
	assert.Equal(t, "/readyz", cfg.ReadyzPath)
	assert.Error(t, cfg.validate())

	cfg.Port = 8080
	assert.NoError(t, cfg.validate())
}

func TestServer_Endpoints(t *testing.T) {
	ready := errors.New("sink down")
	check := func(context.Context) error { return ready }

	routes := map[string]http.Handler{
		"/boom": http.HandlerFunc(func(http.ResponseWriter, *http.Request) { panic("boom") }),
	}
	log := logger.NewNop()
	srv, err := New(Config{Port: 8080}, check, log, routes,
		RecoverMiddleware(log), RequestIDMiddleware, CORSMiddleware())
	require.NoError(t, err)

	do := func(path string, hdr map[string]string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		for k, v := range hdr {
			req.Header.Set(k, v)
		}
		rec := httptest.NewRecorder()
		srv.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := do("/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))

	rec = do("/readyz", map[string]string{RequestIDHeader: "abc"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "sink down")
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))

	ready = nil
	rec = do("/readyz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do("/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do("/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
