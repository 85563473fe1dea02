package http

import (
	"context"
	"net/http"
	"time"

	"github.com/krobus00/market-bridge/internal/config"
	"github.com/krobus00/market-bridge/internal/entity"
)

const readinessTimeout = 2 * time.Second

type HealthResponse struct {
	Status          string    `json:"status"`
	Score           int       `json:"score"`
	ProductionReady bool      `json:"production_ready"`
	Service         string    `json:"service"`
	Version         string    `json:"version,omitempty"`
	Symbols         int       `json:"symbols"`
	Timestamp       time.Time `json:"timestamp"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	report := h.report()
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:          report.Status,
		Score:           report.Score,
		ProductionReady: report.ProductionReady,
		Service:         config.ServiceName,
		Version:         config.ServiceVersion,
		Symbols:         len(h.deps.MarketData.Symbols()),
		Timestamp:       time.Now().UTC(),
	})
}

// Status returns the full health report.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.report())
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readyz fails while the bridge is unhealthy or a readiness check fails.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	report := h.report()
	if report.Status == entity.HealthStatusUnhealthy {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": report.Status, "issues": report.Issues})
		return
	}

	if h.deps.Ready != nil {
		ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
		defer cancel()
		if err := h.deps.Ready(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not_ready", "error": err.Error()})
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (h *Handler) report() entity.HealthReport {
	if h.deps.Health == nil {
		return entity.HealthReport{Score: 100, Status: entity.HealthStatusHealthy, ComputedAt: time.Now().UTC()}
	}
	return h.deps.Health.Report()
}
