package api

import (
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/observability"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/service/gateway"
	"github.com/Jh-justinHarmon/tgif-brain.8825.systems/internal/types"
)

const (
	serviceName = "maestra-backend"
	brainID     = "maestra"
)

// DependencyStatus reports one backing service.
type DependencyStatus struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// HealthResponse is the response of GET /health.
type HealthResponse struct {
	Status        string                      `json:"status"`
	Service       string                      `json:"service"`
	Version       string                      `json:"version"`
	BrainID       string                      `json:"brain_id"`
	Mode          string                      `json:"mode"`
	UptimeSeconds int64                       `json:"uptime_seconds"`
	Port          string                      `json:"port"`
	Timestamp     time.Time                   `json:"timestamp"`
	Dependencies  map[string]DependencyStatus `json:"dependencies"`
}

// MetricsResponse is the response of GET /metrics.
type MetricsResponse struct {
	Service string `json:"service"`
	Version string `json:"version"`
	observability.Summary
}

// Health handles GET /health.
func (s *Server) Health(c echo.Context) error {
	hub := DependencyStatus{Status: "ok"}
	status := "healthy"
	if _, err := s.store.List(c.Request().Context(), types.ListFilter{Status: types.StatusActive}); err != nil {
		hub = DependencyStatus{Status: "error", Error: err.Error()}
		status = "degraded"
	}

	return c.JSON(http.StatusOK, HealthResponse{
		Status:        status,
		Service:       serviceName,
		Version:       gateway.Version,
		BrainID:       brainID,
		Mode:          s.mode,
		UptimeSeconds: int64(s.metrics.Uptime().Seconds()),
		Port:          s.port,
		Timestamp:     time.Now().UTC(),
		Dependencies:  map[string]DependencyStatus{"conversation_hub": hub},
	})
}

// TGIFHealth handles GET /tgif/health.
func (s *Server) TGIFHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "healthy",
		"surface": tgifSurface,
		"mode":    tgifMode,
	})
}

// Metrics handles GET /metrics.
func (s *Server) Metrics(c echo.Context) error {
	active, err := s.store.List(c.Request().Context(), types.ListFilter{Status: types.StatusActive})
	if err != nil {
		return c.JSON(errorResponse(err))
	}
	return c.JSON(http.StatusOK, MetricsResponse{
		Service: serviceName,
		Version: gateway.Version,
		Summary: s.metrics.Summary(len(active)),
	})
}
