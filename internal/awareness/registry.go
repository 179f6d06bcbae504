// Package awareness tracks per-peer soft state for a document: presence,
// cursor, and selection. Awareness is broadcast to peers but is not part of
// the convergent document state.
package awareness

import (
	"sort"
	"sync"
	"time"

	"github.com/M4F-S/codex-live/internal/types"
)

// CursorState is a peer's caret position.
type CursorState struct {
	Position  int       `json:"position"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SelectionState is a peer's normalized selection range, start <= end.
type SelectionState struct {
	Start     int       `json:"start"`
	End       int       `json:"end"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Entry is the soft state held for one peer of a document.
type Entry struct {
	Peer        types.PeerID    `json:"user_id"`
	DisplayName string          `json:"user_name"`
	Color       string          `json:"color"`
	Cursor      *CursorState    `json:"cursor,omitempty"`
	Selection   *SelectionState `json:"selection,omitempty"`
	Online      bool            `json:"online"`
	LastSeen    time.Time       `json:"last_seen"`
}

// Diff describes the effect of one registry mutation. The session translates
// diffs into broadcast events.
type Diff struct {
	Added   []Entry
	Updated []Entry
	Removed []Entry
}

// Empty reports whether the mutation changed nothing observable.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Updated) == 0 && len(d.Removed) == 0
}

// Registry holds the awareness roster for one document. Writes are issued by
// the owning session coordinator; the sweeper runs on its timer goroutine, so
// the roster keeps its own lock.
type Registry struct {
	mu      sync.RWMutex
	entries map[types.PeerID]*Entry
}

// NewRegistry constructs an empty roster.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.PeerID]*Entry)}
}

// Upsert records a peer coming online, creating the entry on first join.
func (r *Registry) Upsert(peer types.PeerID, displayName, color string, now time.Time) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		entry = &Entry{Peer: peer, DisplayName: displayName, Color: color}
		r.entries[peer] = entry
		entry.Online = true
		entry.LastSeen = now
		return Diff{Added: []Entry{*entry}}
	}

	entry.DisplayName = displayName
	entry.Online = true
	entry.LastSeen = now
	return Diff{Updated: []Entry{*entry}}
}

// SetCursor clamps the position into [0, textLen] and records it.
func (r *Registry) SetCursor(peer types.PeerID, pos, textLen int, now time.Time) (Diff, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		return Diff{}, false
	}

	entry.Cursor = &CursorState{Position: clamp(pos, 0, textLen), UpdatedAt: now}
	entry.Online = true
	entry.LastSeen = now
	return Diff{Updated: []Entry{*entry}}, true
}

// SetSelection normalizes the range so start <= end, clamps both endpoints
// into [0, textLen], and records it.
func (r *Registry) SetSelection(peer types.PeerID, start, end, textLen int, now time.Time) (Diff, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		return Diff{}, false
	}

	if start > end {
		start, end = end, start
	}
	entry.Selection = &SelectionState{
		Start:     clamp(start, 0, textLen),
		End:       clamp(end, 0, textLen),
		UpdatedAt: now,
	}
	entry.Online = true
	entry.LastSeen = now
	return Diff{Updated: []Entry{*entry}}, true
}

// Touch refreshes the last-seen timestamp for any peer traffic.
func (r *Registry) Touch(peer types.PeerID, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[peer]; ok {
		entry.LastSeen = now
		entry.Online = true
	}
}

// MarkOffline flips the peer to offline without removing the entry.
func (r *Registry) MarkOffline(peer types.PeerID, now time.Time) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok || !entry.Online {
		return Diff{}
	}
	entry.Online = false
	entry.LastSeen = now
	return Diff{Updated: []Entry{*entry}}
}

// Remove drops the entry entirely.
func (r *Registry) Remove(peer types.PeerID) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[peer]
	if !ok {
		return Diff{}
	}
	delete(r.entries, peer)
	return Diff{Removed: []Entry{*entry}}
}

// Sweep transitions peers idle past stale to offline and removes peers idle
// past stale+evict, returning the combined diff.
func (r *Registry) Sweep(now time.Time, stale, evict time.Duration) Diff {
	r.mu.Lock()
	defer r.mu.Unlock()

	var diff Diff
	for peer, entry := range r.entries {
		idle := now.Sub(entry.LastSeen)
		switch {
		case idle > stale+evict:
			diff.Removed = append(diff.Removed, *entry)
			delete(r.entries, peer)
		case idle > stale && entry.Online:
			entry.Online = false
			diff.Updated = append(diff.Updated, *entry)
		}
	}
	return diff
}

// Entries returns the roster ordered by peer id for stable presentation.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Peer < out[j].Peer })
	return out
}

// Len reports the roster size.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
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
