package crdt

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/M4F-S/codex-live/internal/types"
)

var (
	// ErrMalformedOperation is returned for ops that fail structural
	// validation. The session stays up; only the op is rejected.
	ErrMalformedOperation = errors.New("malformed operation")

	// ErrRestoreNotFresh is returned when Restore is invoked on a text that
	// has already accumulated state.
	ErrRestoreNotFresh = errors.New("restore requires a fresh replica")
)

// Text is one replica of the convergent document buffer. Every replica that
// has observed the same causal set of operations materializes the same
// string, regardless of delivery order.
//
// Insert positions are resolved against the sender's causal view of the
// document; concurrent insertions at the same visible position are ordered by
// (site, lamport) ascending. Deletes tombstone nodes in place.
type Text struct {
	mu      sync.RWMutex
	site    types.SiteID
	lamport uint64
	clock   types.VectorClock
	nodes   []*Node
	seen    map[types.OperationID]struct{}
	log     []types.Operation
}

// New constructs a replica for the given site seeded with initial content.
// Seed characters carry the zero identity, which every clock has observed.
func New(site types.SiteID, initial string) *Text {
	t := &Text{
		site:  site,
		clock: make(types.VectorClock),
		seen:  make(map[types.OperationID]struct{}),
	}
	for i, r := range []rune(initial) {
		t.nodes = append(t.nodes, &Node{Index: i, Rune: r})
	}
	return t
}

// Site returns the replica's site identifier.
func (t *Text) Site() types.SiteID { return t.site }

// ApplyLocal generates an operation stamped with the replica's own site and
// next lamport, applies it, and returns it for broadcast. Out-of-range
// positions are clamped into [0, len]; delete lengths are truncated at end of
// text.
func (t *Text) ApplyLocal(kind types.OpKind, pos int, content string, length int) (types.Operation, error) {
	op := types.Operation{
		Kind:     kind,
		Position: pos,
		Content:  content,
		Length:   length,
		ID:       types.OperationID(uuid.NewString()),
		Time:     time.Now().UTC(),
	}
	stamped, applied, err := t.Commit(op, t.site)
	if err != nil {
		return types.Operation{}, err
	}
	if !applied {
		return types.Operation{}, fmt.Errorf("%w: duplicate operation id", ErrMalformedOperation)
	}
	return stamped, nil
}

// Commit applies an unstamped operation on behalf of the given site, as the
// session coordinator does for client submissions. The op keeps its caller
// supplied id (for end-to-end dedupe) and receives the site, next lamport,
// and the clock snapshot. Duplicate ids report applied=false without any
// state change.
func (t *Text) Commit(op types.Operation, site types.SiteID) (types.Operation, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Kind {
	case types.OpInsert:
		if op.Content == "" {
			return types.Operation{}, false, fmt.Errorf("%w: insert without content", ErrMalformedOperation)
		}
	case types.OpDelete:
		if op.Length <= 0 {
			return types.Operation{}, false, fmt.Errorf("%w: delete without length", ErrMalformedOperation)
		}
	case types.OpRetain:
	default:
		return types.Operation{}, false, fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}

	if op.ID == "" {
		op.ID = types.OperationID(uuid.NewString())
	}
	if _, ok := t.seen[op.ID]; ok {
		return types.Operation{}, false, nil
	}

	t.lamport++
	op.Site = site
	op.Lamport = t.lamport
	t.clock.Observe(site, t.lamport)
	op.Clock = t.clock.Clone()
	if op.Time.IsZero() {
		op.Time = time.Now().UTC()
	}

	switch op.Kind {
	case types.OpInsert:
		op.Position = t.insertAt(op.Clock, op.Position, op.Content, site, op.Lamport)
	case types.OpDelete:
		op.Position, op.Length = t.deleteAt(op.Clock, op.Position, op.Length, site, op.Lamport)
	case types.OpRetain:
		op.Position = clamp(op.Position, 0, t.visibleLen())
	}

	t.seen[op.ID] = struct{}{}
	t.log = append(t.log, op)
	return op, true, nil
}

// ApplyRemote merges an operation produced by another replica. It is
// idempotent: duplicates by operation id or by an already-observed
// (site, lamport) pair report applied=false and leave all state unchanged.
func (t *Text) ApplyRemote(op types.Operation) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch op.Kind {
	case types.OpInsert:
		if op.Content == "" {
			return false, fmt.Errorf("%w: insert without content", ErrMalformedOperation)
		}
	case types.OpDelete:
		if op.Length <= 0 {
			return false, fmt.Errorf("%w: delete without length", ErrMalformedOperation)
		}
	case types.OpRetain:
	default:
		return false, fmt.Errorf("%w: unknown kind %q", ErrMalformedOperation, op.Kind)
	}

	if _, ok := t.seen[op.ID]; ok {
		return false, nil
	}
	if op.Lamport != 0 && t.clock[op.Site] >= op.Lamport {
		return false, nil
	}

	clock := op.Clock
	if clock == nil {
		clock = t.clock.Clone()
	}

	switch op.Kind {
	case types.OpInsert:
		t.insertAt(clock, op.Position, op.Content, op.Site, op.Lamport)
	case types.OpDelete:
		t.deleteAt(clock, op.Position, op.Length, op.Site, op.Lamport)
	}

	t.clock.Observe(op.Site, op.Lamport)
	if op.Lamport > t.lamport {
		t.lamport = op.Lamport
	}
	t.seen[op.ID] = struct{}{}
	t.log = append(t.log, op)
	applyCounter.WithLabelValues(string(op.Kind)).Inc()
	return true, nil
}

// insertAt places content between the sender-visible neighbors at pos,
// skipping past concurrent insertions with a smaller (site, lamport) so that
// every replica settles on the same ordering. It returns the clamped position.
func (t *Text) insertAt(clock types.VectorClock, pos int, content string, site types.SiteID, lamport uint64) int {
	pos = clamp(pos, 0, t.countVisibleTo(clock))

	// Physical index just after the pos-th sender-visible node.
	idx := 0
	remaining := pos
	for idx < len(t.nodes) && remaining > 0 {
		if t.nodes[idx].visibleTo(clock) {
			remaining--
		}
		idx++
	}

	// Concurrent inserts landed in the same gap: keep (site, lamport)
	// ascending, left to right.
	for idx < len(t.nodes) {
		n := t.nodes[idx]
		if clock.Knows(n.InsSite, n.InsLamport) {
			break
		}
		if !n.OrderedBefore(site, lamport) {
			break
		}
		idx++
	}

	runes := []rune(content)
	fresh := make([]*Node, len(runes))
	for i, r := range runes {
		fresh[i] = &Node{InsSite: site, InsLamport: lamport, Index: i, Rune: r}
	}
	t.nodes = append(t.nodes[:idx], append(fresh, t.nodes[idx:]...)...)
	return pos
}

// deleteAt tombstones up to length sender-visible nodes starting at pos.
// It returns the clamped position and the number of nodes actually covered.
func (t *Text) deleteAt(clock types.VectorClock, pos, length int, site types.SiteID, lamport uint64) (int, int) {
	visible := t.countVisibleTo(clock)
	pos = clamp(pos, 0, visible)
	if length > visible-pos {
		length = visible - pos
	}

	covered := 0
	seen := 0
	for _, n := range t.nodes {
		if covered == length {
			break
		}
		if !n.visibleTo(clock) {
			continue
		}
		if seen >= pos {
			switch {
			case !n.Deleted:
				n.Deleted = true
				n.DelSite = site
				n.DelLamport = lamport
			case lamport < n.DelLamport || (lamport == n.DelLamport && site < n.DelSite):
				// Concurrent deletes of the same node: keep the smaller
				// stamp so replicas agree on the tombstone identity.
				n.DelSite = site
				n.DelLamport = lamport
			}
			covered++
		}
		seen++
	}
	return pos, covered
}

// Content materializes the current document string.
func (t *Text) Content() string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	buf := make([]rune, 0, len(t.nodes))
	for _, n := range t.nodes {
		if !n.Deleted {
			buf = append(buf, n.Rune)
		}
	}
	return string(buf)
}

// Len returns the number of visible characters.
func (t *Text) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.visibleLen()
}

// Clock returns a copy of the replica's vector clock.
func (t *Text) Clock() types.VectorClock {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.clock.Clone()
}

// Operations returns the causally ordered log of applied operations, used to
// bring late joiners up to date.
func (t *Text) Operations() []types.Operation {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]types.Operation(nil), t.log...)
}

// OpCount reports how many operations have been applied on this replica.
func (t *Text) OpCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.log)
}

// LastOperation returns the id of the most recently applied operation.
func (t *Text) LastOperation() types.OperationID {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.log) == 0 {
		return ""
	}
	return t.log[len(t.log)-1].ID
}

// Compact reaps tombstones whose deletion has been observed by every live
// peer, as witnessed by the session's minimum clock.
func (t *Text) Compact(min types.VectorClock) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.nodes[:0]
	reaped := 0
	for _, n := range t.nodes {
		if n.Deleted && min.Knows(n.InsSite, n.InsLamport) && min.Knows(n.DelSite, n.DelLamport) {
			reaped++
			continue
		}
		kept = append(kept, n)
	}
	t.nodes = kept
	if reaped > 0 {
		tombstonesReaped.Add(float64(reaped))
	}
	return reaped
}

type snapshotPayload struct {
	Nodes []Node            `json:"nodes"`
	Clock types.VectorClock `json:"vector_clock"`
}

// Snapshot serializes the full replica state, tombstones included. The blob
// is self-sufficient: Restore on a fresh replica reproduces content and clock.
func (t *Text) Snapshot() ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	payload := snapshotPayload{
		Nodes: make([]Node, len(t.nodes)),
		Clock: t.clock.Clone(),
	}
	for i, n := range t.nodes {
		payload.Nodes[i] = *n
	}
	return json.Marshal(payload)
}

// Restore hydrates a freshly constructed replica from a snapshot blob.
func (t *Text) Restore(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if len(t.log) > 0 || t.lamport > 0 {
		return ErrRestoreNotFresh
	}

	var payload snapshotPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	t.nodes = make([]*Node, len(payload.Nodes))
	for i := range payload.Nodes {
		n := payload.Nodes[i]
		t.nodes[i] = &n
	}
	t.clock = payload.Clock
	if t.clock == nil {
		t.clock = make(types.VectorClock)
	}
	for _, lamport := range t.clock {
		if lamport > t.lamport {
			t.lamport = lamport
		}
	}
	return nil
}

func (t *Text) visibleLen() int {
	count := 0
	for _, n := range t.nodes {
		if !n.Deleted {
			count++
		}
	}
	return count
}

func (t *Text) countVisibleTo(clock types.VectorClock) int {
	count := 0
	for _, n := range t.nodes {
		if n.visibleTo(clock) {
			count++
		}
	}
	return count
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
