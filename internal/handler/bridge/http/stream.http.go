package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"github.com/krobus00/market-bridge/internal/entity"
	"github.com/krobus00/market-bridge/internal/service/hub"
	"github.com/sirupsen/logrus"
)

const maxClientMessageBytes = 4 << 10

const (
	ClientMessageSubscribe = "subscribe"
	ClientMessageHeartbeat = "heartbeat"

	ServerMessageHeartbeatAck = "heartbeat_ack"
	ServerMessageSubscribed   = "subscribed"
	ServerMessageError        = "error"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type ClientMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

type ServerMessage struct {
	Type      string    `json:"type"`
	Symbols   []string  `json:"symbols,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func parseSymbols(raw string) []string {
	var symbols []string
	for _, part := range strings.Split(raw, ",") {
		if symbol := entity.SymbolKey(part); symbol != "" {
			symbols = append(symbols, symbol)
		}
	}
	return symbols
}

// MarketDataSocket serves /ws/market_data?symbols=A,B. An empty filter
// subscribes to every symbol.
func (h *Handler) MarketDataSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, parseSymbols(r.URL.Query().Get("symbols")))
}

func (h *Handler) LiveDataSocket(w http.ResponseWriter, r *http.Request) {
	h.serveSocket(w, r, parseSymbols(chi.URLParam(r, "symbol")))
}

// wsConn serializes data frames. Control frames go through WriteControl,
// which gorilla allows concurrently with other writers.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	mu           sync.Mutex
}

func (c *wsConn) write(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsConn) writeJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(payload)
}

func (c *wsConn) ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.writeTimeout))
}

func (h *Handler) serveSocket(w http.ResponseWriter, r *http.Request, symbols []string) {
	sub, err := h.deps.Hub.Subscribe(symbols)
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "bridge shutting down")
		return
	}
	defer h.deps.Hub.Unsubscribe(sub)

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warnf("websocket upgrade failed: %v", err)
		return
	}
	ws := &wsConn{conn: conn, writeTimeout: h.cfg.WriteTimeout}
	defer conn.Close()

	log := h.log.WithFields(logrus.Fields{
		"subscriber": sub.ID,
		"symbols":    symbols,
	})
	log.Info("websocket subscriber connected")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		h.writePump(ctx, ws, sub)
		// Unblocks readPump.
		_ = conn.Close()
	}()
	go func() {
		defer wg.Done()
		h.pingPump(ctx, ws)
	}()

	h.readPump(ctx, ws, sub)
	cancel()
	_ = conn.Close()
	wg.Wait()

	log.WithField("dropped", sub.Dropped()).Info("websocket subscriber disconnected")
}

func (h *Handler) readPump(ctx context.Context, ws *wsConn, sub *hub.Subscriber) {
	idle := 2 * h.cfg.HeartbeatInterval
	ws.conn.SetReadLimit(maxClientMessageBytes)
	_ = ws.conn.SetReadDeadline(time.Now().Add(idle))
	ws.conn.SetPongHandler(func(string) error {
		return ws.conn.SetReadDeadline(time.Now().Add(idle))
	})

	for ctx.Err() == nil {
		_, raw, err := ws.conn.ReadMessage()
		if err != nil {
			return
		}
		_ = ws.conn.SetReadDeadline(time.Now().Add(idle))

		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			_ = ws.writeJSON(ServerMessage{Type: ServerMessageError, Message: "invalid message", Timestamp: time.Now().UTC()})
			continue
		}

		switch strings.ToLower(msg.Type) {
		case ClientMessageHeartbeat:
			_ = ws.writeJSON(ServerMessage{Type: ServerMessageHeartbeatAck, Timestamp: time.Now().UTC()})
		case ClientMessageSubscribe:
			symbols := parseSymbols(strings.Join(msg.Symbols, ","))
			if err := h.deps.Hub.SetSymbols(sub, symbols); err != nil {
				return
			}
			_ = ws.writeJSON(ServerMessage{Type: ServerMessageSubscribed, Symbols: symbols, Timestamp: time.Now().UTC()})
		default:
			_ = ws.writeJSON(ServerMessage{Type: ServerMessageError, Message: fmt.Sprintf("unsupported message type %q", msg.Type), Timestamp: time.Now().UTC()})
		}
	}
}

func (h *Handler) writePump(ctx context.Context, ws *wsConn, sub *hub.Subscriber) {
	for {
		msg, err := sub.Next(ctx)
		if err != nil {
			return
		}
		if err := ws.write(msg.Payload); err != nil {
			return
		}
	}
}

func (h *Handler) pingPump(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.ping(); err != nil {
				return
			}
		}
	}
}

// Stream serves Server-Sent Events on /api/stream?symbols=A,B. Each event
// carries the same payload as the websocket feed.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	sub, err := h.deps.Hub.Subscribe(parseSymbols(r.URL.Query().Get("symbols")))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "bridge shutting down")
		return
	}
	defer h.deps.Hub.Unsubscribe(sub)

	rc := http.NewResponseController(w)
	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		waitCtx, cancel := context.WithTimeout(r.Context(), h.cfg.HeartbeatInterval)
		msg, err := sub.Next(waitCtx)
		cancel()

		switch {
		case err == nil:
			_, err = fmt.Fprintf(w, "event: %s\nid: %d\ndata: %s\n\n", msg.Type, msg.Version, msg.Payload)
		case errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil:
			_, err = fmt.Fprint(w, ": heartbeat\n\n")
		default:
			return
		}
		if err != nil {
			return
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}
