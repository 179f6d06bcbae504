// Package session hosts the per-document coordinators. Each document is
// owned by exactly one Session whose critical section serializes replicated
// text merges, awareness updates, and peer set changes, so per-document
// linearizability holds while distinct documents proceed in parallel.
package session

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/protocol"
	"github.com/M4F-S/codex-live/internal/types"
)

// Outbound is the transport surface a session needs from a connection. The
// websocket layer implements it; tests substitute fakes.
type Outbound interface {
	ID() types.ConnectionID
	SendText(payload []byte) error
	CloseWithReason(code int, reason string)
}

// Options tunes session lifecycle and capacity bounds.
type Options struct {
	StaleThreshold        time.Duration
	EvictThreshold        time.Duration
	SessionCleanupDelay   time.Duration
	ColorPalette          []string
	MaxConcurrentSessions int
	MaxPeersPerSession    int
}

func (o Options) withDefaults() Options {
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 30 * time.Second
	}
	if o.EvictThreshold <= 0 {
		o.EvictThreshold = 60 * time.Second
	}
	if len(o.ColorPalette) == 0 {
		o.ColorPalette = DefaultPalette
	}
	return o
}

// DefaultPalette is the fallback peer color set.
var DefaultPalette = []string{
	"#e6194b", "#3cb44b", "#ffe119", "#4363d8", "#f58231",
	"#911eb4", "#46f0f0", "#f032e6", "#bcf60c", "#fabebe",
}

// Hooks let collaborators observe applied state without entering the
// session's critical section. Implementations must not block.
type Hooks struct {
	// OnOperation fires after an operation has been merged and fanned out.
	OnOperation func(docID types.DocumentID, op types.Operation)
	// OnEvent fires for every broadcast frame so a relay can republish it
	// to other instances. origin is skipped on the far side.
	OnEvent func(docID types.DocumentID, origin types.PeerID, opID types.OperationID, frame []byte)
}

// Coordinator owns the session table. The table lock is held only for
// lookups and inserts; sessions are then driven under their own locks.
type Coordinator struct {
	mu       sync.Mutex
	sessions map[types.DocumentID]*Session
	opts     Options
	hooks    Hooks
	logger   zerolog.Logger
	closed   bool
}

// NewCoordinator constructs a coordinator with the provided options.
func NewCoordinator(opts Options, hooks Hooks, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		sessions: make(map[types.DocumentID]*Session),
		opts:     opts.withDefaults(),
		hooks:    hooks,
		logger:   logger,
	}
}

// Join binds a connection to the document's session, creating the session on
// first join. Capacity violations return an error without mutating state.
func (c *Coordinator) Join(conn Outbound, join protocol.JoinDocument) (*Session, *protocol.Error) {
	// Two attempts cover the race where the session we looked up finishes
	// its empty-session cleanup before the join lands.
	for attempt := 0; attempt < 2; attempt++ {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return nil, protocol.Errorf(protocol.KindDocumentNotFound, "coordinator is shut down")
		}

		s, ok := c.sessions[join.DocumentID]
		if !ok {
			if c.opts.MaxConcurrentSessions > 0 && len(c.sessions) >= c.opts.MaxConcurrentSessions {
				c.mu.Unlock()
				return nil, protocol.Errorf(protocol.KindCapacity, "session limit reached (%d)", c.opts.MaxConcurrentSessions)
			}
			s = newSession(c, join.DocumentID, "")
			c.sessions[join.DocumentID] = s
			sessionsGauge.Set(float64(len(c.sessions)))
		}
		c.mu.Unlock()

		err := s.join(conn, join)
		if err == nil {
			return s, nil
		}
		if err.Kind == protocol.KindDocumentNotFound && attempt == 0 {
			c.remove(join.DocumentID, s)
			continue
		}
		return nil, err
	}
	return nil, protocol.Errorf(protocol.KindDocumentNotFound, "document %s session is gone", join.DocumentID)
}

// Session looks up the live session for a document.
func (c *Coordinator) Session(docID types.DocumentID) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[docID]
	return s, ok
}

// Restore seeds a session from a snapshot blob before any peer joins, used
// when rehydrating documents from durable history at boot.
func (c *Coordinator) Restore(docID types.DocumentID, snapshot []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.sessions[docID]; ok {
		return protocol.Errorf(protocol.KindAlreadyJoined, "document %s already has a live session", docID)
	}

	s := newSession(c, docID, "")
	if snapshot != nil {
		if err := s.rt.Restore(snapshot); err != nil {
			return err
		}
	}
	c.sessions[docID] = s
	sessionsGauge.Set(float64(len(c.sessions)))
	return nil
}

// Documents snapshots the ids of live sessions.
func (c *Coordinator) Documents() []types.DocumentID {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]types.DocumentID, 0, len(c.sessions))
	for docID := range c.sessions {
		out = append(out, docID)
	}
	return out
}

// BroadcastLocal delivers a relayed frame to the document's local peers,
// skipping connections bound to the originating peer id. Used by the
// cross-instance bridge.
func (c *Coordinator) BroadcastLocal(docID types.DocumentID, frame []byte, skip types.PeerID) int {
	s, ok := c.Session(docID)
	if !ok {
		return 0
	}
	return s.broadcastRelayed(frame, skip)
}

// Shutdown closes every connection with 1001 and drains all sessions. It is
// idempotent.
func (c *Coordinator) Shutdown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.sessions = make(map[types.DocumentID]*Session)
	sessionsGauge.Set(0)
	c.mu.Unlock()

	for _, s := range sessions {
		s.shutdown(closeGoingAway, "Server shutting down")
	}
}

func (c *Coordinator) remove(docID types.DocumentID, s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if current, ok := c.sessions[docID]; ok && current == s {
		delete(c.sessions, docID)
		sessionsGauge.Set(float64(len(c.sessions)))
	}
}
