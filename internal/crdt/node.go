package crdt

import "github.com/M4F-S/codex-live/internal/types"

// Node is a single character element of the replicated text. Nodes are never
// removed on delete; they are tombstoned so that late-arriving concurrent
// operations can still resolve positions, and reaped later by Compact.
type Node struct {
	InsSite    types.SiteID `json:"ins_site"`
	InsLamport uint64       `json:"ins_lamport"`
	Index      int          `json:"index"`
	Rune       rune         `json:"rune"`
	Deleted    bool         `json:"deleted,omitempty"`
	DelSite    types.SiteID `json:"del_site,omitempty"`
	DelLamport uint64       `json:"del_lamport,omitempty"`
}

// OrderedBefore reports whether n's insertion identity precedes the
// (site, lamport) pair in the total tie-break order.
func (n Node) OrderedBefore(site types.SiteID, lamport uint64) bool {
	if n.InsLamport != lamport {
		return n.InsLamport < lamport
	}
	return n.InsSite < site
}

// visibleTo reports whether the node is part of the document as seen by a
// replica holding the given clock: its insertion has been observed and no
// observed operation has deleted it.
func (n Node) visibleTo(clock types.VectorClock) bool {
	if !clock.Knows(n.InsSite, n.InsLamport) {
		return false
	}
	if n.Deleted && clock.Knows(n.DelSite, n.DelLamport) {
		return false
	}
	return true
}
