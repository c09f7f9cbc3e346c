// Package gateway serves the synthetic item-count feed over websockets. Each
// accepted connection gets its own Session that pushes a fresh snapshot every tick.
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/mcdev12/autotracker/go/internal/tracker/catalog"
	"github.com/rs/zerolog/log"
)

// Service is the item feed gateway: it accepts tracker connections and runs a
// broadcast session for each of them
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler
	mirror            SnapshotMirror
	shutdownTimeout   time.Duration

	stopOnce sync.Once
	stopErr  error
}

// Config holds configuration for the feed gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	SessionConfig    SessionConfig
	Catalog          catalog.Catalog
	// ShutdownTimeout bounds how long Stop waits for sessions to release their connections.
	ShutdownTimeout time.Duration
}

// DefaultConfig returns default configuration for the feed gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
		SessionConfig:    DefaultSessionConfig(),
		Catalog:          catalog.Default(),
		ShutdownTimeout:  5 * time.Second,
	}
}

// NewService creates a new feed gateway service. metrics and mirror may be nil.
func NewService(config Config, metrics MetricsCollector, mirror SnapshotMirror) (*Service, error) {
	if err := config.Catalog.Validate(); err != nil {
		return nil, fmt.Errorf("invalid catalog: %w", err)
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = DefaultConfig().ShutdownTimeout
	}

	connectionManager := NewConnectionManager(config.ConnectionConfig, config.SessionConfig, config.Catalog, metrics, mirror)

	s := &Service{
		connectionManager: connectionManager,
		mirror:            mirror,
		shutdownTimeout:   config.ShutdownTimeout,
	}
	s.wsHandler = NewWebSocketHandler(connectionManager, s.GetStats)
	return s, nil
}

// Start blocks until ctx is cancelled, then stops the service
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting tracker feed service")

	<-ctx.Done()

	log.Info().Msg("tracker feed service shutting down")
	return s.Stop()
}

// Stop cancels all sessions and waits for them to release their connections.
// Later calls return the first call's result.
func (s *Service) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop() })
	return s.stopErr
}

func (s *Service) stop() error {
	s.connectionManager.Shutdown()

	waitCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	var stopErr error
	if err := s.connectionManager.Wait(waitCtx); err != nil {
		log.Error().Err(err).Msg("sessions did not stop in time")
		stopErr = err
	}

	if s.mirror != nil {
		if err := s.mirror.Close(); err != nil {
			log.Error().Err(err).Msg("failed to close snapshot mirror")
		}
	}

	log.Info().Msg("tracker feed service stopped")
	return stopErr
}

// RegisterRoutes registers the WebSocket HTTP routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("tracker feed routes registered")
}

// GetStats returns statistics about the feed service
func (s *Service) GetStats() map[string]interface{} {
	stats := s.connectionManager.GetConnectionStats()
	stats["service"] = "tracker_feed"
	return stats
}
