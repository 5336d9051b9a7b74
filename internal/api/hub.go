package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/firebot/sim-engine/internal/dispatch"
	"github.com/firebot/sim-engine/internal/metrics"
	"github.com/firebot/sim-engine/internal/model"
)

// WSMessage is one streamed update: a strategy snapshot or a consensus signal.
type WSMessage struct {
	Type       string        `json:"type"`
	Sequence   int64         `json:"sequence,omitempty"`
	StrategyID string        `json:"strategy_id,omitempty"`
	Symbol     string        `json:"symbol"`
	Timestamp  time.Time     `json:"timestamp"`
	Status     string        `json:"status,omitempty"`
	Equity     string        `json:"equity,omitempty"`
	Drawdown   string        `json:"drawdown,omitempty"`
	Fills      int           `json:"fills,omitempty"`
	Signal     *model.Signal `json:"signal,omitempty"`
}

// Message types.
const (
	MsgSnapshot  = "snapshot"
	MsgConsensus = "consensus"
)

// Hub manages WebSocket connections and broadcasts per-bar results to all
// connected clients.
type Hub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewHub creates a new WebSocket hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop until ctx is done. Must be called
// in a goroutine. All writes to connections happen here.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()

		case <-ping.C:
			// Keep connections alive through proxies.
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Broadcast queues msg for every client. A full queue drops msg.
func (h *Hub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Buffer full: drop rather than block the dispatcher.
	}
}

// OnBar implements dispatch.Observer.
func (h *Hub) OnBar(_ context.Context, br dispatch.BarReport) error {
	for _, res := range br.Results {
		h.Broadcast(WSMessage{
			Type:       MsgSnapshot,
			Sequence:   br.Sequence,
			StrategyID: res.StrategyID,
			Symbol:     br.Symbol,
			Timestamp:  br.Timestamp,
			Status:     string(res.Status),
			Equity:     res.Snapshot.Equity.String(),
			Drawdown:   res.Snapshot.Drawdown.String(),
			Fills:      len(res.Fills),
			Signal:     res.Signal,
		})
	}
	return nil
}

// PublishSignal broadcasts an ensemble consensus signal.
func (h *Hub) PublishSignal(_ context.Context, sig model.Signal) error {
	h.Broadcast(WSMessage{
		Type:      MsgConsensus,
		Symbol:    sig.Symbol,
		Timestamp: sig.Timestamp,
		Signal:    &sig,
	})
	return nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // the stream is read-only
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Clients never send data; reads only service pongs and detect close.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}
