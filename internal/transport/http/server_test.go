package http

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/xiaot623/reviewflow/internal/service/servicetest"
)

func TestServerAPIKey(t *testing.T) {
	f := servicetest.New(t)
	f.Config.APIKey = "secret"
	e := NewServer(f.Config, f.Service, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-User-ID", "alice")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing key")

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-API-Key", "wrong")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/runs", nil)
	req.Header.Set("X-User-ID", "alice")
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServerRoutes(t *testing.T) {
	f := servicetest.New(t)
	e := NewServer(f.Config, f.Service, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/runs/run_missing", nil)
	req.Header.Set("X-User-ID", "alice")
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "validation_error")
}
