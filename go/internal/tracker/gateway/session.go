package gateway

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/autotracker/go/internal/tracker/snapshot"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Sender is the connection a session pushes snapshots to.
type Sender interface {
	// Send writes one text frame.
	Send(ctx context.Context, payload []byte) error
	// Done is closed once the peer is no longer reachable.
	Done() <-chan struct{}
	// Close releases the connection. It must be safe to call more than once.
	Close() error
}

// SessionState is the lifecycle state of a session
type SessionState int32

const (
	SessionRunning SessionState = iota
	SessionClosed
)

func (s SessionState) String() string {
	if s == SessionClosed {
		return "closed"
	}
	return "running"
}

// CloseReason records why a session ended.
type CloseReason string

const (
	CloseReasonPeerGone     CloseReason = "peer_gone"
	CloseReasonSendFailed   CloseReason = "send_failed"
	CloseReasonTooManyFails CloseReason = "too_many_failures"
	CloseReasonShutdown     CloseReason = "shutdown"
)

// SessionConfig holds the per-connection loop settings.
type SessionConfig struct {
	TickInterval time.Duration
	// MaxConsecutiveFailures escalates a run of transient failures to terminal.
	// Zero means never escalate.
	MaxConsecutiveFailures int
}

// DefaultSessionConfig returns the reference cadence of two snapshots per second.
func DefaultSessionConfig() SessionConfig {
	return SessionConfig{
		TickInterval:           500 * time.Millisecond,
		MaxConsecutiveFailures: 0,
	}
}

// EncodeFunc turns a snapshot into a wire payload.
type EncodeFunc func(snapshot.Snapshot) ([]byte, error)

// Session drives the generate/encode/send/wait loop for exactly one connection.
type Session struct {
	id        string
	sender    Sender
	generator *snapshot.Generator
	config    SessionConfig
	clock     clockwork.Clock
	metrics   MetricsCollector
	mirror    SnapshotMirror
	encode    EncodeFunc
	logger    zerolog.Logger

	connectedAt time.Time

	state     atomic.Int32
	generated atomic.Uint64
	delivered atomic.Uint64
	failures  atomic.Uint64
}

// SessionOption customizes a Session.
type SessionOption func(*Session)

// WithClock sets the clock that paces ticks.
func WithClock(clock clockwork.Clock) SessionOption {
	return func(s *Session) { s.clock = clock }
}

// WithMetrics sets the collector; nil keeps the no-op default.
func WithMetrics(metrics MetricsCollector) SessionOption {
	return func(s *Session) {
		if metrics != nil {
			s.metrics = metrics
		}
	}
}

// WithMirror publishes every delivered payload to mirror.
func WithMirror(mirror SnapshotMirror) SessionOption {
	return func(s *Session) { s.mirror = mirror }
}

// WithEncoder replaces the wire encoder.
func WithEncoder(encode EncodeFunc) SessionOption {
	return func(s *Session) { s.encode = encode }
}

// WithSessionID overrides the generated session id.
func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithLogger sets the base logger; the session id is added to it.
func WithLogger(logger zerolog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// NewSession creates a session in the Running state. The generator must not be shared.
func NewSession(sender Sender, generator *snapshot.Generator, config SessionConfig, opts ...SessionOption) *Session {
	if config.TickInterval <= 0 {
		config.TickInterval = DefaultSessionConfig().TickInterval
	}

	s := &Session{
		id:        uuid.New().String(),
		sender:    sender,
		generator: generator,
		config:    config,
		clock:     clockwork.NewRealClock(),
		metrics:   &NoOpMetricsCollector{},
		encode:    snapshot.Encode,
		logger:    log.Logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.connectedAt = s.clock.Now()
	s.logger = s.logger.With().Str("session_id", s.id).Logger()
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() SessionState { return SessionState(s.state.Load()) }

// Generated is the number of snapshots built so far.
func (s *Session) Generated() uint64 { return s.generated.Load() }

// Delivered is the number of snapshots the sender accepted.
func (s *Session) Delivered() uint64 { return s.delivered.Load() }

// Failures is the number of ticks that ended in a send or encode error.
func (s *Session) Failures() uint64 { return s.failures.Load() }

// Run pushes snapshots until the connection ends or ctx is cancelled. It returns nil
// when the connection ended and ctx.Err() on shutdown. The sender is always closed
// before Run returns.
func (s *Session) Run(ctx context.Context) error {
	reason := CloseReasonPeerGone
	s.metrics.SessionOpened()
	s.logger.Info().Dur("tick_interval", s.config.TickInterval).Msg("session started")

	defer func() {
		s.state.Store(int32(SessionClosed))
		if closeErr := s.sender.Close(); closeErr != nil {
			s.logger.Debug().Err(closeErr).Msg("error closing connection")
		}
		s.metrics.SessionClosed(reason)
		s.logger.Info().
			Str("reason", string(reason)).
			Uint64("generated", s.Generated()).
			Uint64("delivered", s.Delivered()).
			Dur("connected_for", s.clock.Since(s.connectedAt)).
			Msg("session closed")
	}()

	consecutive := 0
	for {
		select {
		case <-ctx.Done():
			reason = CloseReasonShutdown
			return ctx.Err()
		case <-s.sender.Done():
			return nil
		default:
		}

		tickErr := s.tick(ctx)
		if ctx.Err() != nil {
			reason = CloseReasonShutdown
			return ctx.Err()
		}

		kind := ClassifySendError(tickErr)
		if kind != ErrorKindNone {
			s.failures.Add(1)
			s.metrics.SendFailed(kind)
		}

		switch kind {
		case ErrorKindNone:
			consecutive = 0

		case ErrorKindShutdown:
			reason = CloseReasonShutdown
			return tickErr

		case ErrorKindTerminal:
			reason = CloseReasonSendFailed
			s.logger.Info().Err(tickErr).Msg("connection gone, stopping session")
			return nil

		case ErrorKindTransient:
			consecutive++
			s.logger.Warn().
				Err(tickErr).
				Int("consecutive_failures", consecutive).
				Msg("failed to push snapshot, skipping tick")
			if s.config.MaxConsecutiveFailures > 0 && consecutive >= s.config.MaxConsecutiveFailures {
				reason = CloseReasonTooManyFails
				s.logger.Warn().Int("limit", s.config.MaxConsecutiveFailures).Msg("too many consecutive failures, stopping session")
				return nil
			}
		}

		if err := s.wait(ctx); err != nil {
			if ctx.Err() != nil {
				reason = CloseReasonShutdown
				return err
			}
			return nil
		}
	}
}

// tick generates, encodes and sends one snapshot.
func (s *Session) tick(ctx context.Context) error {
	snap := s.generator.Generate()
	s.generated.Add(1)
	s.metrics.SnapshotGenerated()

	payload, err := s.encode(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	if err := s.sender.Send(ctx, payload); err != nil {
		return fmt.Errorf("send snapshot: %w", err)
	}

	s.delivered.Add(1)
	s.metrics.SnapshotDelivered()
	s.logger.Debug().RawJSON("payload", payload).Msg("sent snapshot")

	if s.mirror != nil {
		if err := s.mirror.Publish(ctx, s.id, payload); err != nil {
			s.logger.Warn().Err(err).Msg("failed to mirror snapshot")
		}
	}
	return nil
}

// wait blocks for one tick interval. It returns ctx.Err() on shutdown and
// ErrConnectionClosed when the peer goes away first.
func (s *Session) wait(ctx context.Context) error {
	timer := s.clock.NewTimer(s.config.TickInterval)
	defer stopAndDrainTimer(timer)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.sender.Done():
		return ErrConnectionClosed
	case <-timer.Chan():
		return nil
	}
}

// stopAndDrainTimer stops a timer and drains its channel if it already fired.
func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
