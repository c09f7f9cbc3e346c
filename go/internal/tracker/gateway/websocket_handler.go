package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for the item feed
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	stats             func() map[string]interface{}
}

// NewWebSocketHandler creates a new WebSocket handler. stats feeds the stats
// endpoint; nil serves the connection manager's stats.
func NewWebSocketHandler(cm *ConnectionManager, stats func() map[string]interface{}) *WebSocketHandler {
	if stats == nil {
		stats = cm.GetConnectionStats
	}
	return &WebSocketHandler{
		connectionManager: cm,
		stats:             stats,
	}
}

// HandleFeedConnection upgrades the request and hands it to a new session.
// Every client gets its own independent feed; there is nothing to select.
func (h *WebSocketHandler) HandleFeedConnection(w http.ResponseWriter, r *http.Request) {
	if err := h.connectionManager.Accept(w, r); err != nil {
		if errors.Is(err, ErrShuttingDown) {
			log.Debug().Str("remote_addr", r.RemoteAddr).Msg("rejected connection during shutdown")
			return
		}
		log.Error().
			Err(err).
			Str("remote_addr", r.RemoteAddr).
			Msg("failed to accept WebSocket connection")
	}
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	stats := h.stats()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		log.Error().Err(err).Msg("failed to write connection stats")
	}
}

// RegisterRoutes registers WebSocket routes with an HTTP mux. The tracker client
// dials the bare host, so the feed is served on the root path with /ws as an alias.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", h.HandleFeedConnection)
	mux.HandleFunc("GET /ws", h.HandleFeedConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleConnectionStats)
}
