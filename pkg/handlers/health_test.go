package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
)

type stubPoolStats struct {
	stats datasource.ConnectionStats
}

func (s stubPoolStats) GetStats() datasource.ConnectionStats { return s.stats }

func TestHealthHandler_Health_WithoutConnManager(t *testing.T) {
	handler := NewHealthHandler(&config.Config{Version: "test-version", Env: "test"}, nil, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Nil(t, response.Connections)
}

func TestHealthHandler_Health_WithConnManager(t *testing.T) {
	pools := stubPoolStats{stats: datasource.ConnectionStats{TotalPools: 3, TTLMinutes: 30, OldestIdleSeconds: 12}}
	handler := NewHealthHandler(&config.Config{Version: "test-version", Env: "test"}, pools, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.Health(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var response HealthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	require.NotNil(t, response.Connections)
	assert.Equal(t, 3, response.Connections.TotalPools)
	assert.Equal(t, 30, response.Connections.TTLMinutes)
	assert.Equal(t, 12, response.Connections.OldestIdleSeconds)
}

func TestHealthHandler_Ping(t *testing.T) {
	handler := NewHealthHandler(&config.Config{Version: "1.2.3", Env: "test"}, nil, zap.NewNop())

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var response PingResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&response))
	assert.Equal(t, "ok", response.Status)
	assert.Equal(t, "1.2.3", response.Version)
	assert.Equal(t, "sqlrest-gateway", response.Service)
	assert.Equal(t, "test", response.Environment)
	assert.NotEmpty(t, response.GoVersion)
}
