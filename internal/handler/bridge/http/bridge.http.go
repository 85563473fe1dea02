package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/hub"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	defaultHeartbeatInterval = 30 * time.Second
	defaultWriteTimeout      = 10 * time.Second
)

type MarketDataService interface {
	MarketData(ctx context.Context, symbol string) ([]byte, error)
	Symbols() []string
}

type HistoryReader interface {
	Latest(ctx context.Context, symbol string, limit uint64) ([]entity.Snapshot, error)
}

type CommandService interface {
	Submit(ctx context.Context, cmd entity.TradeCommand) (entity.TradeResponse, error)
	Status(ctx context.Context, commandID string) (entity.JournalEntry, error)
}

type Distributor interface {
	Subscribe(symbols []string) (*hub.Subscriber, error)
	SetSymbols(sub *hub.Subscriber, symbols []string) error
	Unsubscribe(sub *hub.Subscriber)
}

type HealthReporter interface {
	Report() entity.HealthReport
	RecordRequest()
	RecordError()
}

type Config struct {
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

type Dependencies struct {
	MarketData MarketDataService
	Commands   CommandService
	Hub        Distributor
	Health     HealthReporter
	// History is optional; the history route is only mounted when set.
	History HistoryReader
	// Ready reports whether the bridge can serve traffic. Nil means ready.
	Ready func(ctx context.Context) error
}

type Handler struct {
	cfg  Config
	deps Dependencies
	log  *logrus.Entry
}

func NewBridgeHTTPHandler(cfg Config, deps Dependencies) *Handler {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = defaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	return &Handler{
		cfg:  cfg,
		deps: deps,
		log:  logrus.WithField("component", "bridge_http"),
	}
}

func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	r.Get("/healthz", h.Healthz)
	r.Get("/readyz", h.Readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// The command channel counts executions itself, for every source.
		r.Post("/trade/execute", h.ExecuteTrade)

		r.Group(func(r chi.Router) {
			r.Use(h.countRequests)

			r.Get("/market_data", h.MarketData)
			if h.deps.History != nil {
				r.Get("/market_data/{symbol}/history", h.History)
			}
			r.Get("/symbols", h.Symbols)
			r.Get("/stream", h.Stream)
			r.Get("/trade/status/{command_id}", h.TradeStatus)
		})
	})

	r.Get("/ws/market_data", h.MarketDataSocket)
	r.Get("/ws/live_data/{symbol}", h.LiveDataSocket)

	return r
}

// countRequests feeds the health monitor's request and error rates. A 503 is
// the degraded answer to an open circuit, which the breaker already reports.
func (h *Handler) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.deps.Health == nil {
			next.ServeHTTP(w, r)
			return
		}

		h.deps.Health.RecordRequest()
		writer := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(writer, r)
		if writer.status >= http.StatusInternalServerError && writer.status != http.StatusServiceUnavailable {
			h.deps.Health.RecordError()
		}
	})
}

type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.status = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{"error": message})
}
