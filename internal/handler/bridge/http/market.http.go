package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/krobus00/market-bridge/internal/entity"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

// MarketData serves GET /api/market_data[?symbol=X].
func (h *Handler) MarketData(w http.ResponseWriter, r *http.Request) {
	symbol := r.URL.Query().Get("symbol")

	payload, err := h.deps.MarketData.MarketData(r.Context(), symbol)
	if err != nil {
		switch {
		case errors.Is(err, entity.ErrSymbolNotFound):
			writeError(w, http.StatusNotFound, "symbol not found")
		case errors.Is(err, entity.ErrCircuitOpen):
			writeError(w, http.StatusServiceUnavailable, "temporarily degraded: circuit breaker open")
		default:
			h.log.WithField("symbol", symbol).Errorf("market data poll failed: %v", err)
			writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *Handler) Symbols(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"symbols": h.deps.MarketData.Symbols()})
}

// History serves GET /api/market_data/{symbol}/history?limit=N from the
// persisted snapshot history.
func (h *Handler) History(w http.ResponseWriter, r *http.Request) {
	symbol := entity.SymbolKey(chi.URLParam(r, "symbol"))

	limit := uint64(defaultHistoryLimit)
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.ParseUint(raw, 10, 64)
		if err != nil || parsed == 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(parsed, maxHistoryLimit)
	}

	snapshots, err := h.deps.History.Latest(r.Context(), symbol, limit)
	if err != nil {
		h.log.WithField("symbol", symbol).Errorf("load snapshot history: %v", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if snapshots == nil {
		snapshots = []entity.Snapshot{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"symbol":    symbol,
		"snapshots": snapshots,
	})
}
