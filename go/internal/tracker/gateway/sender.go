package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// wsSender adapts a gorilla websocket connection to the Sender interface.
// Only the session goroutine writes data frames; the pumps use control frames.
type wsSender struct {
	id     string
	conn   *websocket.Conn
	config ConnectionConfig

	done      chan struct{}
	doneOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newWSSender(id string, conn *websocket.Conn, config ConnectionConfig) *wsSender {
	return &wsSender{
		id:     id,
		conn:   conn,
		config: config,
		done:   make(chan struct{}),
	}
}

// start launches the read and ping pumps
func (s *wsSender) start() {
	go s.readPump()
	go s.pingPump()
}

func (s *wsSender) Send(ctx context.Context, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-s.done:
		return ErrConnectionClosed
	default:
	}

	if err := s.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout)); err != nil {
		s.markDone()
		return errors.Join(ErrConnectionClosed, fmt.Errorf("set write deadline: %w", err))
	}
	// gorilla keeps the first write error and returns it on every later write,
	// so a failed write, timeouts included, ends the connection.
	if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		s.markDone()
		return errors.Join(ErrConnectionClosed, err)
	}
	return nil
}

func (s *wsSender) Done() <-chan struct{} {
	return s.done
}

// Close sends a normal closure frame and closes the socket. Safe to call repeatedly.
func (s *wsSender) Close() error {
	s.closeOnce.Do(func() {
		s.markDone()
		deadline := time.Now().Add(s.config.WriteTimeout)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye")
		if err := s.conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil &&
			!errors.Is(err, websocket.ErrCloseSent) {
			log.Debug().Err(err).Str("session_id", s.id).Msg("failed to send close frame")
		}
		s.closeErr = s.conn.Close()
	})
	return s.closeErr
}

func (s *wsSender) markDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// readPump discards inbound frames and notices when the peer goes away.
// The feed is push-only, so nothing read here is interpreted.
func (s *wsSender) readPump() {
	defer s.markDone()

	s.conn.SetReadLimit(s.config.MaxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	})

	for {
		if _, _, err := s.conn.NextReader(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				log.Debug().
					Err(err).
					Str("session_id", s.id).
					Msg("unexpected websocket close")
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}
}

// pingPump keeps the read deadline alive on idle peers.
func (s *wsSender) pingPump() {
	if s.config.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(s.config.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Str("session_id", s.id).Msg("failed to send ping")
				s.markDone()
				return
			}
		}
	}
}
