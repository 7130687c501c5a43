// Package signaling terminates the relay's WebSocket endpoint: it upgrades
// connections, authenticates them, and pumps parsed events into the relay
// engine.
package signaling

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/arcline/chat-relay/internal/auth"
	"github.com/arcline/chat-relay/internal/config"
	"github.com/arcline/chat-relay/internal/metrics"
	"github.com/arcline/chat-relay/internal/protocol"
	"github.com/arcline/chat-relay/internal/ratelimit"
	"github.com/arcline/chat-relay/internal/relay"
	"github.com/arcline/chat-relay/internal/roster"
)

// wsWriteWait bounds every frame write, including control frames.
const wsWriteWait = 10 * time.Second

type Server struct {
	cfg      config.Config
	engine   *relay.Engine
	verifier auth.Verifier
	metrics  *metrics.Metrics
	log      *slog.Logger
	upgrader websocket.Upgrader

	// clock feeds per-connection rate limiters; swapped in tests.
	clock ratelimit.Clock
}

// New builds the WebSocket server. verifier may be nil only when cfg.AuthMode
// is none.
func New(cfg config.Config, engine *relay.Engine, verifier auth.Verifier, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:      cfg,
		engine:   engine,
		verifier: verifier,
		metrics:  m,
		log:      logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin policy is enforced by the HTTP middleware in front of
			// this handler, where it also covers the REST routes.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clock: ratelimit.RealClock{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn.SetReadLimit(s.cfg.MaxEventBytes)

	if s.cfg.AuthMode != config.AuthModeNone {
		if err := s.authenticate(conn, r); err != nil {
			s.metrics.Inc(metrics.EventAuthFailure)
			s.log.Info("websocket auth failed", "remote", r.RemoteAddr, "error", err)
			s.closeWith(conn, websocket.ClosePolicyViolation, "unauthorized")
			_ = conn.Close()
			return
		}
	}

	s.serve(conn, r)
}

// authenticate checks credentials from the upgrade query string, falling
// back to a first-message {"type":"auth"} handshake for clients that cannot
// control the upgrade URL.
func (s *Server) authenticate(conn *websocket.Conn, r *http.Request) error {
	cred, err := auth.CredentialFromQuery(s.cfg.AuthMode, r.URL.Query())
	if errors.Is(err, auth.ErrMissingCredentials) {
		cred, err = s.credentialFromFirstMessage(conn)
	}
	if err != nil {
		return err
	}
	return s.verifier.Verify(cred)
}

func (s *Server) credentialFromFirstMessage(conn *websocket.Conn) (string, error) {
	if err := conn.SetReadDeadline(time.Now().Add(s.cfg.AuthTimeout)); err != nil {
		return "", err
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading auth message: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var msg auth.WireAuthMessage
	if err := dec.Decode(&msg); err != nil {
		return "", fmt.Errorf("malformed auth message: %w", err)
	}
	if msg.Type != string(protocol.EventAuth) {
		return "", fmt.Errorf("first message type %q, want auth", msg.Type)
	}
	return auth.CredentialFromAuthMessage(s.cfg.AuthMode, msg)
}

func (s *Server) serve(conn *websocket.Conn, r *http.Request) {
	sess := roster.NewSession(&wsConn{conn: conn}, s.cfg.SendQueueDepth)
	s.engine.HandleConnect(sess)
	defer func() {
		s.engine.HandleDisconnect(sess)
		sess.Close()
	}()

	s.log.Debug("websocket connected", "remote", r.RemoteAddr, "session", sess.ID())

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))
	})

	go s.pingLoop(conn, sess)

	// Burst equals the sustained rate: one second of headroom. A non-positive
	// rate disables limiting.
	var limiter *ratelimit.EventLimiter
	if s.cfg.MaxEventsPerSecond > 0 {
		limiter = ratelimit.NewEventLimiter(s.clock, int64(s.cfg.MaxEventsPerSecond), int64(s.cfg.MaxEventsPerSecond))
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			s.log.Debug("websocket read ended", "session", sess.ID(), "error", err)
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.WSIdleTimeout))

		if limiter != nil && !limiter.Allow() {
			s.metrics.Inc(metrics.EventRateLimited)
			s.log.Info("websocket rate limit exceeded", "session", sess.ID(), "identity", sess.Identity())
			s.closeWith(conn, websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		ev, err := protocol.Parse(data)
		if err != nil {
			// Malformed chatter gets an in-band error, not a disconnect.
			sess.Enqueue(protocol.MessageError(protocol.ErrCodeBadRequest, err.Error()))
			continue
		}

		if err := s.engine.HandleEvent(sess, ev); err != nil {
			s.closeWith(conn, websocket.ClosePolicyViolation, err.Error())
			return
		}
	}
}

func (s *Server) pingLoop(conn *websocket.Conn, sess *roster.Session) {
	ticker := time.NewTicker(s.cfg.WSPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				sess.Close()
				return
			}
		case <-sess.Done():
			return
		}
	}
}

// closeWith sends a close frame; WriteControl is safe against the session's
// writer goroutine.
func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(wsWriteWait)
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
}

// wsConn adapts *websocket.Conn to the roster's writer interface. gorilla
// permits one data-frame writer at a time, so writes are serialized here.
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) WriteText(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}
