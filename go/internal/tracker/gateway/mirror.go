package gateway

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// SnapshotMirror receives a copy of every delivered payload.
// Mirror failures never affect the session that produced the payload.
type SnapshotMirror interface {
	Publish(ctx context.Context, sessionID string, payload []byte) error
	Close() error
}

// NATSMirrorConfig holds configuration for the NATS snapshot mirror
type NATSMirrorConfig struct {
	URL           string
	SubjectPrefix string // e.g., "tracker.item_counts"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultNATSMirrorConfig returns default NATS mirror configuration
func DefaultNATSMirrorConfig() NATSMirrorConfig {
	return NATSMirrorConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "tracker.item_counts",
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// NATSMirror publishes each delivered snapshot on <prefix>.<session id>.
type NATSMirror struct {
	nc     *nats.Conn
	config NATSMirrorConfig
}

// NewNATSMirror connects to NATS
func NewNATSMirror(config NATSMirrorConfig) (*NATSMirror, error) {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = DefaultNATSMirrorConfig().SubjectPrefix
	}

	opts := []nats.Option{
		nats.Name("tracker-feed"),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	log.Info().
		Str("url", nc.ConnectedUrl()).
		Str("subject_prefix", config.SubjectPrefix).
		Msg("snapshot mirror connected to NATS")

	return &NATSMirror{nc: nc, config: config}, nil
}

func (m *NATSMirror) Publish(ctx context.Context, sessionID string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	subject := mirrorSubject(m.config.SubjectPrefix, sessionID)
	if err := m.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", subject, err)
	}
	return nil
}

// Close drains pending publishes and closes the NATS connection.
func (m *NATSMirror) Close() error {
	if err := m.nc.Drain(); err != nil {
		m.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}

func mirrorSubject(prefix, sessionID string) string {
	return prefix + "." + sessionID
}
