package session

import (
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/M4F-S/codex-live/internal/awareness"
	"github.com/M4F-S/codex-live/internal/crdt"
	"github.com/M4F-S/codex-live/internal/protocol"
	"github.com/M4F-S/codex-live/internal/types"
)

const (
	closeGoingAway     = 1001
	closeInternalError = 1011
)

type peerState int

const (
	stateJoined peerState = iota
	stateActive
	stateIdle
	stateEvicted
)

type binding struct {
	conn        Outbound
	peer        types.PeerID
	displayName string
	color       string
	site        types.SiteID
	state       peerState
	joinedAt    time.Time
	lastTraffic time.Time
}

// DocMetrics is the per-document counter snapshot served to peers.
type DocMetrics struct {
	DocumentID   types.DocumentID `json:"documentId"`
	TotalOps     uint64           `json:"totalOps"`
	PeakPeers    int              `json:"peakPeers"`
	ActiveConns  int              `json:"activeConnections"`
	LastActivity time.Time        `json:"lastActivity"`
	Size         int              `json:"size"`
}

// DocumentState is the payload of document_state events.
type DocumentState struct {
	DocumentID  types.DocumentID  `json:"documentId"`
	Content     string            `json:"content"`
	Users       []awareness.Entry `json:"users"`
	VectorClock types.VectorClock `json:"vectorClock"`
}

// Session owns one document: its replicated text, awareness roster, and the
// set of bound connections. All state transitions run under s.mu, the
// document's single-writer critical section.
type Session struct {
	coord *Coordinator
	doc   types.DocumentID

	mu           sync.Mutex
	rt           *crdt.Text
	aw           *awareness.Registry
	peers        map[types.ConnectionID]*binding
	nextSite     types.SiteID
	createdAt    time.Time
	lastActivity time.Time
	totalOps     uint64
	peakPeers    int
	cleanupTimer *time.Timer
	sweepStop    chan struct{}
	detached     bool
}

func newSession(c *Coordinator, docID types.DocumentID, initial string) *Session {
	s := &Session{
		coord:     c,
		doc:       docID,
		rt:        crdt.New(0, initial),
		aw:        awareness.NewRegistry(),
		peers:     make(map[types.ConnectionID]*binding),
		createdAt: time.Now().UTC(),
		sweepStop: make(chan struct{}),
	}
	s.lastActivity = s.createdAt
	go s.sweepLoop()
	return s
}

// DocumentID returns the document this session owns.
func (s *Session) DocumentID() types.DocumentID { return s.doc }

func (s *Session) join(conn Outbound, join protocol.JoinDocument) *protocol.Error {
	now := time.Now().UTC()

	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindDocumentNotFound, "document %s session is gone", s.doc)
	}
	if _, ok := s.peers[conn.ID()]; ok {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindAlreadyJoined, "connection already joined document %s", s.doc)
	}
	if max := s.coord.opts.MaxPeersPerSession; max > 0 && len(s.peers) >= max {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindCapacity, "document %s is full (%d peers)", s.doc, max)
	}

	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}

	s.nextSite++
	b := &binding{
		conn:        conn,
		peer:        join.UserID,
		displayName: join.UserName,
		color:       pickColor(s.coord.opts.ColorPalette, join.UserID),
		site:        s.nextSite,
		state:       stateJoined,
		joinedAt:    now,
		lastTraffic: now,
	}
	s.peers[conn.ID()] = b
	if len(s.peers) > s.peakPeers {
		s.peakPeers = len(s.peers)
	}
	s.lastActivity = now

	existing := s.aw.Entries()
	s.aw.Upsert(b.peer, b.displayName, b.color, now)

	state := DocumentState{
		DocumentID:  s.doc,
		Content:     s.rt.Content(),
		Users:       existing,
		VectorClock: s.rt.Clock(),
	}
	roster := s.aw.Entries()
	s.mu.Unlock()

	peersGauge.WithLabelValues(string(s.doc)).Set(float64(len(roster)))

	if frame, err := protocol.Event(protocol.TypeDocumentState, state, ""); err == nil {
		_ = conn.SendText(frame)
	}
	if frame, err := protocol.Event(protocol.TypePresenceInfo, map[string]any{"users": roster}, ""); err == nil {
		_ = conn.SendText(frame)
	}

	joined := map[string]any{
		"userId":   string(b.peer),
		"userName": b.displayName,
		"color":    b.color,
	}
	s.broadcastEvent(protocol.TypeUserJoined, joined, b.peer, conn.ID())

	s.coord.logger.Info().
		Str("document", string(s.doc)).
		Str("peer", string(b.peer)).
		Str("connection", string(conn.ID())).
		Uint32("site", uint32(b.site)).
		Msg("peer joined document")
	return nil
}

// Leave removes the connection binding. When the peer's last connection
// departs the peer goes offline and user_left is broadcast; when the
// session's connection set becomes empty a cleanup timer is armed.
func (s *Session) Leave(connID types.ConnectionID) {
	now := time.Now().UTC()

	s.mu.Lock()
	b, ok := s.peers[connID]
	if !ok {
		s.mu.Unlock()
		return
	}
	delete(s.peers, connID)
	b.state = stateEvicted

	lastOfPeer := true
	for _, other := range s.peers {
		if other.peer == b.peer {
			lastOfPeer = false
			break
		}
	}
	if lastOfPeer {
		s.aw.MarkOffline(b.peer, now)
	}
	empty := len(s.peers) == 0
	if empty && s.cleanupTimer == nil && !s.detached {
		delay := s.coord.opts.SessionCleanupDelay
		s.cleanupTimer = time.AfterFunc(delay, func() { s.destroyIfEmpty() })
	}
	s.lastActivity = now
	rosterLen := s.aw.Len()
	s.mu.Unlock()

	peersGauge.WithLabelValues(string(s.doc)).Set(float64(rosterLen))

	if lastOfPeer {
		left := map[string]any{"userId": string(b.peer), "userName": b.displayName}
		s.broadcastEvent(protocol.TypeUserLeft, left, b.peer, connID)
	}

	s.coord.logger.Info().
		Str("document", string(s.doc)).
		Str("peer", string(b.peer)).
		Str("connection", string(connID)).
		Msg("peer left document")
}

// SubmitOperation validates and merges a peer-submitted operation, then fans
// the applied operation out to every other connection of the document.
// Duplicate operation ids are ignored without a broadcast.
func (s *Session) SubmitOperation(connID types.ConnectionID, op types.Operation) *protocol.Error {
	now := time.Now().UTC()

	s.mu.Lock()
	b, ok := s.peers[connID]
	if !ok {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindNotJoined, "connection has not joined document %s", s.doc)
	}
	s.markTraffic(b, now)

	applied, commitErr := s.commit(&op, b.site)
	if commitErr != nil {
		s.mu.Unlock()
		if commitErr.Kind.Fatal() {
			s.detach(commitErr)
		}
		return commitErr
	}
	if !applied {
		s.mu.Unlock()
		return nil
	}

	s.totalOps++
	s.lastActivity = now
	opsCounter.WithLabelValues(string(s.doc), string(op.Kind)).Inc()
	s.mu.Unlock()

	s.broadcastEventOp(protocol.TypeOperationReceived, map[string]any{"operation": protocol.WireOperationData(op)}, op.Peer, op.ID, connID)

	if s.coord.hooks.OnOperation != nil {
		s.coord.hooks.OnOperation(s.doc, op)
	}
	return nil
}

// commit merges under s.mu, translating replicated-text failures into the
// protocol error taxonomy. A panic inside the merge is an InternalMerge bug,
// fatal to this session only.
func (s *Session) commit(op *types.Operation, site types.SiteID) (applied bool, perr *protocol.Error) {
	defer func() {
		if r := recover(); r != nil {
			applied = false
			perr = protocol.Errorf(protocol.KindInternalMerge, "merge invariant violated: %v", r)
			s.coord.logger.Error().
				Str("document", string(s.doc)).
				Str("operation", string(op.ID)).
				Str("kind", string(op.Kind)).
				Int("position", op.Position).
				Interface("panic", r).
				Msg("internal merge failure")
		}
	}()

	stamped, ok, err := s.rt.Commit(*op, site)
	if err != nil {
		if errors.Is(err, crdt.ErrMalformedOperation) {
			return false, protocol.Errorf(protocol.KindInvalidOperation, "%v", err)
		}
		return false, protocol.Errorf(protocol.KindInternalMerge, "%v", err)
	}
	if !ok {
		return false, nil
	}
	*op = stamped
	return true, nil
}

// UpdateCursor clamps and stores the peer's caret, then notifies the others.
func (s *Session) UpdateCursor(connID types.ConnectionID, cur protocol.CursorUpdate) *protocol.Error {
	now := time.Now().UTC()

	s.mu.Lock()
	b, ok := s.peers[connID]
	if !ok {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindNotJoined, "connection has not joined document %s", s.doc)
	}
	s.markTraffic(b, now)
	diff, accepted := s.aw.SetCursor(b.peer, cur.Position, s.rt.Len(), now)
	s.mu.Unlock()

	if !accepted || diff.Empty() {
		return nil
	}
	entry := diff.Updated[0]
	data := map[string]any{
		"userId": string(entry.Peer),
		"cursor": entry.Cursor,
		"color":  entry.Color,
	}
	s.broadcastEvent(protocol.TypeCursorChanged, data, entry.Peer, connID)
	return nil
}

// UpdateSelection normalizes, clamps, and stores the peer's selection, then
// notifies the others.
func (s *Session) UpdateSelection(connID types.ConnectionID, sel protocol.SelectionUpdate) *protocol.Error {
	now := time.Now().UTC()

	s.mu.Lock()
	b, ok := s.peers[connID]
	if !ok {
		s.mu.Unlock()
		return protocol.Errorf(protocol.KindNotJoined, "connection has not joined document %s", s.doc)
	}
	s.markTraffic(b, now)
	diff, accepted := s.aw.SetSelection(b.peer, sel.Start, sel.End, s.rt.Len(), now)
	s.mu.Unlock()

	if !accepted || diff.Empty() {
		return nil
	}
	entry := diff.Updated[0]
	data := map[string]any{
		"userId":    string(entry.Peer),
		"selection": entry.Selection,
		"color":     entry.Color,
	}
	s.broadcastEvent(protocol.TypeSelectionChanged, data, entry.Peer, connID)
	return nil
}

// Touch records non-mutating peer traffic (pings, state reads).
func (s *Session) Touch(connID types.ConnectionID) {
	now := time.Now().UTC()
	s.mu.Lock()
	if b, ok := s.peers[connID]; ok {
		s.markTraffic(b, now)
		s.aw.Touch(b.peer, now)
	}
	s.mu.Unlock()
}

// State snapshots the document for document_state replies.
func (s *Session) State() DocumentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DocumentState{
		DocumentID:  s.doc,
		Content:     s.rt.Content(),
		Users:       s.aw.Entries(),
		VectorClock: s.rt.Clock(),
	}
}

// Metrics snapshots the per-document counters.
func (s *Session) Metrics() DocMetrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return DocMetrics{
		DocumentID:   s.doc,
		TotalOps:     s.totalOps,
		PeakPeers:    s.peakPeers,
		ActiveConns:  len(s.peers),
		LastActivity: s.lastActivity,
		Size:         s.rt.Len(),
	}
}

// Snapshot exposes the replicated text snapshot for the archive worker.
func (s *Session) Snapshot() ([]byte, types.VectorClock, types.OperationID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := s.rt.Snapshot()
	if err != nil {
		return nil, nil, "", err
	}
	return data, s.rt.Clock(), s.rt.LastOperation(), nil
}

// OpCount reports how many operations the session has applied in total.
func (s *Session) OpCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt.OpCount()
}

// ApplyHistory merges a previously recorded operation during rehydration.
func (s *Session) ApplyHistory(op types.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.rt.ApplyRemote(op); err != nil {
		return err
	}
	if op.Site > s.nextSite {
		s.nextSite = op.Site
	}
	s.totalOps++
	return nil
}

func (s *Session) markTraffic(b *binding, now time.Time) {
	b.lastTraffic = now
	if b.state == stateJoined || b.state == stateIdle {
		b.state = stateActive
	}
}

// broadcastEvent fans an event out to every connection except skip. The
// submitter never receives its own echo; it already applied locally.
func (s *Session) broadcastEvent(msgType protocol.MessageType, data any, origin types.PeerID, skip types.ConnectionID) {
	s.broadcastEventOp(msgType, data, origin, "", skip)
}

func (s *Session) broadcastEventOp(msgType protocol.MessageType, data any, origin types.PeerID, opID types.OperationID, skip types.ConnectionID) {
	frame, err := protocol.Event(msgType, data, origin)
	if err != nil {
		s.coord.logger.Error().Err(err).Str("document", string(s.doc)).Msg("failed to encode event")
		return
	}

	s.mu.Lock()
	recipients := make([]Outbound, 0, len(s.peers))
	for connID, b := range s.peers {
		if connID == skip {
			continue
		}
		recipients = append(recipients, b.conn)
	}
	s.mu.Unlock()

	for _, conn := range recipients {
		if err := conn.SendText(frame); err != nil {
			s.coord.logger.Debug().Err(err).Str("document", string(s.doc)).Msg("fan-out send failed")
		}
	}
	broadcastCounter.WithLabelValues(string(s.doc), string(msgType)).Add(float64(len(recipients)))

	if s.coord.hooks.OnEvent != nil {
		s.coord.hooks.OnEvent(s.doc, origin, opID, frame)
	}
}

// broadcastRelayed delivers a frame that originated on another instance.
func (s *Session) broadcastRelayed(frame []byte, skip types.PeerID) int {
	s.mu.Lock()
	recipients := make([]Outbound, 0, len(s.peers))
	for _, b := range s.peers {
		if skip != "" && b.peer == skip {
			continue
		}
		recipients = append(recipients, b.conn)
	}
	s.mu.Unlock()

	sent := 0
	for _, conn := range recipients {
		if err := conn.SendText(frame); err == nil {
			sent++
		}
	}
	return sent
}

// sweepLoop ages the awareness roster and compacts tombstones when the
// session has at most one live replica lagging behind the authority.
func (s *Session) sweepLoop() {
	interval := s.coord.opts.StaleThreshold / 2
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			s.mu.Lock()
			for _, b := range s.peers {
				if b.state == stateActive && now.Sub(b.lastTraffic) > s.coord.opts.StaleThreshold {
					b.state = stateIdle
				}
			}
			diff := s.aw.Sweep(now, s.coord.opts.StaleThreshold, s.coord.opts.EvictThreshold)
			compact := len(s.peers) <= 1
			var min types.VectorClock
			if compact {
				min = s.rt.Clock()
			}
			s.mu.Unlock()

			for _, entry := range diff.Updated {
				s.broadcastEvent(protocol.TypePresenceInfo, map[string]any{"users": []awareness.Entry{entry}}, entry.Peer, "")
			}
			for _, entry := range diff.Removed {
				left := map[string]any{"userId": string(entry.Peer), "userName": entry.DisplayName}
				s.broadcastEvent(protocol.TypeUserLeft, left, entry.Peer, "")
			}
			if compact {
				s.mu.Lock()
				s.rt.Compact(min)
				s.mu.Unlock()
			}
		}
	}
}

func (s *Session) destroyIfEmpty() {
	s.mu.Lock()
	if len(s.peers) > 0 || s.detached {
		s.cleanupTimer = nil
		s.mu.Unlock()
		return
	}
	s.detached = true
	s.mu.Unlock()

	close(s.sweepStop)
	s.coord.remove(s.doc, s)
	peersGauge.DeleteLabelValues(string(s.doc))
	s.coord.logger.Info().Str("document", string(s.doc)).Msg("session destroyed")
}

// detach tears the session down after an internal merge failure: every
// connection is closed with 1011 and the session is removed. Other sessions
// are unaffected.
func (s *Session) detach(cause *protocol.Error) {
	s.coord.logger.Error().
		Str("document", string(s.doc)).
		Str("kind", string(cause.Kind)).
		Str("cause", cause.Message).
		Msg("detaching session after internal merge failure")
	s.shutdown(closeInternalError, "Internal merge failure")
}

func (s *Session) shutdown(code int, reason string) {
	s.mu.Lock()
	if s.detached {
		s.mu.Unlock()
		return
	}
	s.detached = true
	conns := make([]Outbound, 0, len(s.peers))
	for _, b := range s.peers {
		conns = append(conns, b.conn)
		b.state = stateEvicted
	}
	s.peers = make(map[types.ConnectionID]*binding)
	if s.cleanupTimer != nil {
		s.cleanupTimer.Stop()
		s.cleanupTimer = nil
	}
	s.mu.Unlock()

	close(s.sweepStop)
	for _, conn := range conns {
		conn.CloseWithReason(code, reason)
	}
	s.coord.remove(s.doc, s)
	peersGauge.DeleteLabelValues(string(s.doc))
}

func pickColor(palette []string, peer types.PeerID) string {
	if len(palette) == 0 {
		return "#888888"
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(peer))
	return palette[h.Sum32()%uint32(len(palette))]
}
