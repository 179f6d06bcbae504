package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// DocumentID identifies a collaborative document.
type DocumentID string

// PeerID is the opaque identity a peer supplies at join time. A single peer
// may hold multiple concurrent connections.
type PeerID string

// ConnectionID is the locally unique handle for one transport connection.
type ConnectionID string

// SiteID is the process-unique replica identifier allocated per connection.
// Site ids are never reused within a document session.
type SiteID uint32

// OperationID is a globally unique identifier for an operation.
type OperationID string

// OpKind enumerates the operation variants carried on the wire.
type OpKind string

const (
	OpInsert OpKind = "insert"
	OpDelete OpKind = "delete"
	OpRetain OpKind = "retain"
)

// Operation is one edit stamped with its CRDT identity. The pair
// (Site, Lamport) totally orders concurrent operations.
type Operation struct {
	Kind     OpKind      `json:"type"`
	Position int         `json:"position"`
	Content  string      `json:"content,omitempty"`
	Length   int         `json:"length,omitempty"`
	Site     SiteID      `json:"site"`
	Lamport  uint64      `json:"lamport"`
	ID       OperationID `json:"operation_id"`
	Peer     PeerID      `json:"user_id"`
	Clock    VectorClock `json:"vector_clock,omitempty"`
	Time     time.Time   `json:"timestamp"`
}

// Before reports whether op precedes other in the (site, lamport) total
// order used for tie-breaking concurrent operations.
func (op Operation) Before(other Operation) bool {
	if op.Lamport != other.Lamport {
		return op.Lamport < other.Lamport
	}
	return op.Site < other.Site
}

// VectorClock keeps logical time for each site participating in a document.
type VectorClock map[SiteID]uint64

// Bump increments the vector clock for a site.
func (vc VectorClock) Bump(site SiteID) {
	vc[site] = vc[site] + 1
}

// Observe raises the site entry to at least lamport.
func (vc VectorClock) Observe(site SiteID, lamport uint64) {
	if vc[site] < lamport {
		vc[site] = lamport
	}
}

// Merge merges another vector clock into the receiver by taking the max value
// for each entry.
func (vc VectorClock) Merge(other VectorClock) {
	for site, value := range other {
		if current, ok := vc[site]; !ok || value > current {
			vc[site] = value
		}
	}
}

// Dominates reports whether every entry of other is covered by the receiver.
func (vc VectorClock) Dominates(other VectorClock) bool {
	for site, value := range other {
		if vc[site] < value {
			return false
		}
	}
	return true
}

// Knows reports whether the clock has observed lamport from site. The zero
// lamport is known to every clock; it stamps seed content.
func (vc VectorClock) Knows(site SiteID, lamport uint64) bool {
	return lamport == 0 || vc[site] >= lamport
}

// Clone returns an independent copy of the clock.
func (vc VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(vc))
	for site, value := range vc {
		out[site] = value
	}
	return out
}

// HistoryRecord stores a durable representation of an applied operation.
type HistoryRecord struct {
	LSN       int64       `json:"lsn,omitempty"`
	Operation OperationID `json:"operation_id"`
	Document  DocumentID  `json:"document_id"`
	Peer      PeerID      `json:"peer_id"`
	Payload   []byte      `json:"payload"`
	Clock     VectorClock `json:"vector_clock"`
	CreatedAt time.Time   `json:"created_at"`
}

// NewHistoryRecord encodes an operation into its durable representation.
func NewHistoryRecord(docID DocumentID, op Operation) (HistoryRecord, error) {
	payload, err := json.Marshal(op)
	if err != nil {
		return HistoryRecord{}, fmt.Errorf("encode operation: %w", err)
	}
	return HistoryRecord{
		Operation: op.ID,
		Document:  docID,
		Peer:      op.Peer,
		Payload:   payload,
		Clock:     op.Clock.Clone(),
		CreatedAt: op.Time,
	}, nil
}

// DecodeOperation unpacks the operation carried in the record payload.
func (r HistoryRecord) DecodeOperation() (Operation, error) {
	var op Operation
	if err := json.Unmarshal(r.Payload, &op); err != nil {
		return Operation{}, fmt.Errorf("decode operation payload: %w", err)
	}
	return op, nil
}

// MarshalBinary serializes a HistoryRecord to JSON for byte-oriented storage.
func (r HistoryRecord) MarshalBinary() ([]byte, error) {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	return json.Marshal(r)
}

// UnmarshalBinary deserializes a HistoryRecord from its JSON representation.
func (r *HistoryRecord) UnmarshalBinary(data []byte) error {
	if err := json.Unmarshal(data, r); err != nil {
		return fmt.Errorf("decode history record: %w", err)
	}
	return nil
}
