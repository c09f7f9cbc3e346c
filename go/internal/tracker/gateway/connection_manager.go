package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/autotracker/go/internal/tracker/catalog"
	"github.com/mcdev12/autotracker/go/internal/tracker/snapshot"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// ErrShuttingDown is returned by Accept once Shutdown has been called.
var ErrShuttingDown = errors.New("connection manager is shutting down")

// ConnectionManager accepts websocket connections and runs one Session per connection
type ConnectionManager struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	config        ConnectionConfig
	sessionConfig SessionConfig
	catalog       catalog.Catalog
	clock         clockwork.Clock
	metrics       MetricsCollector
	mirror        SnapshotMirror

	// Sessions run under ctx, not the request context, which ends when the handler returns.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  1024, // inbound frames are discarded anyway
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     OriginChecker([]string{"*"}),
	}
}

// OriginChecker builds a websocket origin check from a CORS origin list.
// Requests without an Origin header (non-browser clients) are always allowed.
func OriginChecker(allowedOrigins []string) func(r *http.Request) bool {
	c := cors.New(cors.Options{AllowedOrigins: allowedOrigins})
	return func(r *http.Request) bool {
		if r.Header.Get("Origin") == "" {
			return true
		}
		return c.OriginAllowed(r)
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig, sessionConfig SessionConfig, cat catalog.Catalog, metrics MetricsCollector, mirror SnapshotMirror) *ConnectionManager {
	if metrics == nil {
		metrics = &NoOpMetricsCollector{}
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = DefaultConnectionConfig().CheckOrigin
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &ConnectionManager{
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:        config,
		sessionConfig: sessionConfig,
		catalog:       cat,
		clock:         clockwork.NewRealClock(),
		metrics:       metrics,
		mirror:        mirror,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Accept upgrades the request and starts a session for it. The session runs in
// its own goroutine until the peer leaves or Shutdown is called.
func (cm *ConnectionManager) Accept(w http.ResponseWriter, r *http.Request) error {
	if cm.ctx.Err() != nil {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return ErrShuttingDown
	}

	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error response.
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	id := uuid.New().String()
	sender := newWSSender(id, conn, cm.config)
	session := NewSession(sender, snapshot.NewGenerator(cm.catalog), cm.sessionConfig,
		WithSessionID(id),
		WithClock(cm.clock),
		WithMetrics(cm.metrics),
		WithMirror(cm.mirror),
		WithLogger(log.With().Str("remote_addr", r.RemoteAddr).Logger()),
	)

	if !cm.registerSession(session) {
		_ = sender.Close()
		return ErrShuttingDown
	}

	sender.start()
	go func() {
		defer cm.wg.Done()
		defer cm.unregisterSession(session)
		if err := session.Run(cm.ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Str("session_id", session.ID()).Msg("session ended with error")
		}
	}()

	log.Info().
		Str("session_id", id).
		Str("remote_addr", r.RemoteAddr).
		Msg("WebSocket connection established")

	return nil
}

// registerSession adds a session and reserves a slot in the wait group.
// It refuses once shutdown has started so Wait never races with Add.
func (cm *ConnectionManager) registerSession(s *Session) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.ctx.Err() != nil {
		return false
	}
	cm.sessions[s.ID()] = s
	cm.wg.Add(1)

	log.Debug().
		Str("session_id", s.ID()).
		Int("total_connections", len(cm.sessions)).
		Msg("session registered")
	return true
}

func (cm *ConnectionManager) unregisterSession(s *Session) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if _, exists := cm.sessions[s.ID()]; exists {
		delete(cm.sessions, s.ID())
		log.Debug().
			Str("session_id", s.ID()).
			Int("total_connections", len(cm.sessions)).
			Msg("session unregistered")
	}
}

// Shutdown stops accepting connections and cancels every running session.
func (cm *ConnectionManager) Shutdown() {
	cm.mu.Lock()
	cm.cancel()
	n := len(cm.sessions)
	cm.mu.Unlock()

	log.Info().Int("sessions", n).Msg("connection manager shutting down")
}

// Wait blocks until every session has released its connection or ctx expires.
func (cm *ConnectionManager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		cm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for sessions: %w", ctx.Err())
	}
}

// ActiveSessions returns the number of live sessions.
func (cm *ConnectionManager) ActiveSessions() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.sessions)
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() map[string]interface{} {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	var generated, delivered uint64
	for _, s := range cm.sessions {
		generated += s.Generated()
		delivered += s.Delivered()
	}

	return map[string]interface{}{
		"total_connections":   len(cm.sessions),
		"catalog_items":       len(cm.catalog),
		"snapshots_generated": generated,
		"snapshots_delivered": delivered,
	}
}
