package ws

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/protocol"
	"github.com/M4F-S/codex-live/internal/session"
	"github.com/M4F-S/codex-live/internal/types"
)

// SupervisorConfig tunes connection lifecycle handling.
type SupervisorConfig struct {
	StaleThreshold time.Duration
	EvictThreshold time.Duration
	SendBuffer     int
	WriteTimeout   time.Duration
	MaxFrameBytes  int64
}

func (cfg SupervisorConfig) withDefaults() SupervisorConfig {
	if cfg.StaleThreshold == 0 {
		cfg.StaleThreshold = 30 * time.Second
	}
	if cfg.EvictThreshold == 0 {
		cfg.EvictThreshold = 60 * time.Second
	}
	if cfg.SendBuffer == 0 {
		cfg.SendBuffer = 64
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes == 0 {
		cfg.MaxFrameBytes = 1 << 20
	}
	return cfg
}

type peerBinding struct {
	session *session.Session
	peer    types.PeerID
}

// Supervisor owns the connection table and routes decoded frames to the
// session coordinator for the document each connection joined. Messages
// other than ping are rejected until join_document succeeds.
type Supervisor struct {
	coord  *session.Coordinator
	logger zerolog.Logger
	cfg    SupervisorConfig

	mu       sync.Mutex
	conns    map[types.ConnectionID]*Connection
	bindings map[types.ConnectionID]peerBinding
	closed   bool
}

// NewSupervisor constructs a supervisor routing into the coordinator.
func NewSupervisor(coord *session.Coordinator, logger zerolog.Logger, cfg SupervisorConfig) *Supervisor {
	return &Supervisor{
		coord:    coord,
		logger:   logger,
		cfg:      cfg.withDefaults(),
		conns:    make(map[types.ConnectionID]*Connection),
		bindings: make(map[types.ConnectionID]peerBinding),
	}
}

// Attach registers a freshly upgraded transport and starts its pumps.
func (s *Supervisor) Attach(conn *Connection) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.CloseWithReason(closeGoingAway, "Server shutting down")
		return
	}
	s.conns[conn.ID()] = conn
	connectionsGauge.Set(float64(len(s.conns)))
	s.mu.Unlock()

	go conn.Run(s.handleFrame)
}

// handleFrame decodes one inbound payload and dispatches it. Validation
// failures produce an error reply; the connection stays open.
func (s *Supervisor) handleFrame(conn *Connection, payload []byte) {
	msg, derr := protocol.Decode(payload)
	if derr != nil {
		framesRejected.WithLabelValues(string(derr.Kind)).Inc()
		_ = conn.SendText(derr.Frame())
		return
	}

	sess, peer, joined := s.binding(conn.ID())

	switch msg.Type {
	case protocol.TypePing:
		if joined {
			sess.Touch(conn.ID())
		}
		if frame, err := protocol.Event(protocol.TypePong, nil, peer); err == nil {
			_ = conn.SendText(frame)
		}
		return

	case protocol.TypeJoinDocument:
		if joined {
			_ = conn.SendText(protocol.Errorf(protocol.KindAlreadyJoined, "connection already joined a document").Frame())
			return
		}
		newSess, jerr := s.coord.Join(conn, *msg.Join)
		if jerr != nil {
			_ = conn.SendText(jerr.Frame())
			return
		}
		s.mu.Lock()
		s.bindings[conn.ID()] = peerBinding{session: newSess, peer: msg.Join.UserID}
		s.mu.Unlock()
		return
	}

	if !joined {
		_ = conn.SendText(protocol.Errorf(protocol.KindNotJoined, "join a document before sending %s", msg.Type).Frame())
		return
	}

	switch msg.Type {
	case protocol.TypeOperation:
		op := *msg.Operation
		op.Peer = peer
		if perr := sess.SubmitOperation(conn.ID(), op); perr != nil {
			_ = conn.SendText(perr.Frame())
		}
	case protocol.TypeCursorUpdate:
		if perr := sess.UpdateCursor(conn.ID(), *msg.Cursor); perr != nil {
			_ = conn.SendText(perr.Frame())
		}
	case protocol.TypeSelectionUpdate:
		if perr := sess.UpdateSelection(conn.ID(), *msg.Selection); perr != nil {
			_ = conn.SendText(perr.Frame())
		}
	case protocol.TypeGetMetrics:
		sess.Touch(conn.ID())
		if frame, err := protocol.Event(protocol.TypeMetrics, sess.Metrics(), peer); err == nil {
			_ = conn.SendText(frame)
		}
	case protocol.TypeGetDocumentState:
		sess.Touch(conn.ID())
		if frame, err := protocol.Event(protocol.TypeDocumentState, sess.State(), peer); err == nil {
			_ = conn.SendText(frame)
		}
	default:
		_ = conn.SendText(protocol.Errorf(protocol.KindUnknownMessageType, "unhandled message type %q", msg.Type).Frame())
	}
}

func (s *Supervisor) binding(connID types.ConnectionID) (*session.Session, types.PeerID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.bindings[connID]
	if !ok {
		return nil, "", false
	}
	return b.session, b.peer, true
}

// detach is invoked from the connection's onClose hook.
func (s *Supervisor) detach(connID types.ConnectionID) {
	s.mu.Lock()
	delete(s.conns, connID)
	b, joined := s.bindings[connID]
	delete(s.bindings, connID)
	connectionsGauge.Set(float64(len(s.conns)))
	s.mu.Unlock()

	if joined {
		b.session.Leave(connID)
	}
}

// Shutdown closes every connection with 1001. Idempotent; session teardown
// is handled by the coordinator's own Shutdown.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*Connection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason(closeGoingAway, "Server shutting down")
	}
}

// NewConnectionID mints a fresh connection handle.
func NewConnectionID() types.ConnectionID {
	return types.ConnectionID(uuid.NewString())
}
