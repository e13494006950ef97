package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"watermeter/backend/services/meter-service/internal/metrics"
	"watermeter/backend/services/meter-service/internal/service"
)

// Hub fans counter change events out to connected dashboards.
type Hub struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	closed       bool
	ctx          context.Context
	wg           sync.WaitGroup
	logger       *zap.Logger
	writeTimeout time.Duration
	pingInterval time.Duration
	upgrader     websocket.Upgrader
}

// NewHub builds hub. Connections live until ctx is cancelled or the peer disconnects.
func NewHub(ctx context.Context, writeTimeout, pingInterval time.Duration, logger *zap.Logger) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		ctx:          ctx,
		logger:       logger,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// HandleWS is HTTP handler for the /api/ws endpoint.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	if h.ctx.Err() != nil {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	connection := NewConnection(uuid.NewString(), conn, h.writeTimeout, h.pingInterval, h.logger, h.remove)
	if !h.add(connection) {
		_ = conn.Close()
		return
	}

	go func() {
		defer h.wg.Done()
		connection.Start(h.ctx)
	}()
	h.logger.Info("dashboard connected", zap.String("conn_id", connection.ID()), zap.String("remote_addr", r.RemoteAddr))
}

// CounterChanged broadcasts event to every connection.
func (h *Hub) CounterChanged(event service.CounterEvent) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to encode counter event", zap.Error(err))
		return
	}
	h.Broadcast(payload)
}

// Broadcast enqueues msg on every connection.
func (h *Hub) Broadcast(msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, conn := range h.connections {
		conn.Send(msg)
	}
}

// Len reports the number of connected dashboards.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Wait blocks until every connection goroutine has exited and rejects new
// connections. Cancel the hub context first.
func (h *Hub) Wait() {
	h.mu.Lock()
	h.closed = true
	h.mu.Unlock()
	h.wg.Wait()
}

// add registers conn unless the hub is shutting down.
func (h *Hub) add(conn *Connection) bool {
	h.mu.Lock()
	if h.closed || h.ctx.Err() != nil {
		h.mu.Unlock()
		return false
	}
	h.connections[conn.ID()] = conn
	h.wg.Add(1)
	n := len(h.connections)
	h.mu.Unlock()
	metrics.SetWSClients(n)
	return true
}

func (h *Hub) remove(id string) {
	h.mu.Lock()
	delete(h.connections, id)
	n := len(h.connections)
	h.mu.Unlock()
	metrics.SetWSClients(n)
	h.logger.Info("dashboard disconnected", zap.String("conn_id", id))
}
