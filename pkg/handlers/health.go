package handlers

import (
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/sqlrest-gateway/pkg/adapters/datasource"
	"github.com/ekaya-inc/sqlrest-gateway/pkg/config"
)

// PoolStatsProvider reports datasource pool statistics.
// Implemented by *datasource.ConnectionManager.
type PoolStatsProvider interface {
	GetStats() datasource.ConnectionStats
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string             `json:"status"`
	Connections *ConnectionsHealth `json:"connections,omitempty"`
}

// ConnectionsHealth summarizes the per-project datasource pools.
type ConnectionsHealth struct {
	TotalPools        int `json:"total_pools"`
	TTLMinutes        int `json:"ttl_minutes"`
	OldestIdleSeconds int `json:"oldest_idle_seconds"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health check and ping endpoints.
type HealthHandler struct {
	cfg    *config.Config
	pools  PoolStatsProvider
	logger *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. pools may be nil.
func NewHealthHandler(cfg *config.Config, pools PoolStatsProvider, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, pools: pools, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
}

// Health handles GET /health requests.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{Status: "ok"}
	if h.pools != nil {
		stats := h.pools.GetStats()
		response.Connections = &ConnectionsHealth{
			TotalPools:        stats.TotalPools,
			TTLMinutes:        stats.TTLMinutes,
			OldestIdleSeconds: stats.OldestIdleSeconds,
		}
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     "sqlrest-gateway",
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
