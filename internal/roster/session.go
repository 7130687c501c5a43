package roster

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Conn is the transport a Session writes to. *websocket.Conn is adapted to
// this interface by the signaling server so the roster stays independent of
// the wire library.
type Conn interface {
	WriteText(data []byte) error
	Close() error
}

// Session is one live client connection. Outbound events go through a
// bounded queue drained by a single writer goroutine, so concurrent relay
// fan-out never interleaves frames or blocks on a slow peer.
type Session struct {
	id          string
	conn        Conn
	connectedAt time.Time

	out    chan []byte
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	identity string
}

// NewSession wraps conn and starts its writer goroutine. queueDepth bounds
// the outbound queue; a session whose queue fills up is closed.
func NewSession(conn Conn, queueDepth int) *Session {
	if queueDepth <= 0 {
		queueDepth = 1
	}
	s := &Session{
		id:          uuid.NewString(),
		conn:        conn,
		connectedAt: time.Now(),
		out:         make(chan []byte, queueDepth),
		closed:      make(chan struct{}),
	}
	go s.writeLoop()
	return s
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Identity returns the bound identity, or "" before the first join.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

func (s *Session) setIdentity(identity string) {
	s.mu.Lock()
	s.identity = identity
	s.mu.Unlock()
}

// Enqueue queues data for delivery. It reports false when the session is
// closed or its queue is full; a full queue also closes the session.
func (s *Session) Enqueue(data []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}

	select {
	case s.out <- data:
		return true
	default:
		s.Close()
		return false
	}
}

// Close shuts the session down. Safe to call multiple times and from any
// goroutine; the underlying connection is closed exactly once.
func (s *Session) Close() {
	s.once.Do(func() {
		close(s.closed)
		_ = s.conn.Close()
	})
}

// Done is closed when the session has been shut down.
func (s *Session) Done() <-chan struct{} {
	return s.closed
}

func (s *Session) writeLoop() {
	for {
		select {
		case data := <-s.out:
			if err := s.conn.WriteText(data); err != nil {
				s.Close()
				return
			}
		case <-s.closed:
			return
		}
	}
}
