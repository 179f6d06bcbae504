// Package protocol is the single place that parses and validates the JSON
// wire frames exchanged with peers. Inbound frames decode into one tagged
// variant; outbound events share one envelope shape.
package protocol

import (
	"encoding/json"
	"math"
	"time"

	"github.com/M4F-S/codex-live/internal/types"
)

// MessageType tags a wire frame.
type MessageType string

// Client to server frame types.
const (
	TypeJoinDocument     MessageType = "join_document"
	TypeOperation        MessageType = "operation"
	TypeCursorUpdate     MessageType = "cursor_update"
	TypeSelectionUpdate  MessageType = "selection_update"
	TypePing             MessageType = "ping"
	TypeGetMetrics       MessageType = "get_metrics"
	TypeGetDocumentState MessageType = "get_document_state"
)

// Server to client frame types.
const (
	TypeDocumentState     MessageType = "document_state"
	TypePresenceInfo      MessageType = "presence_info"
	TypeUserJoined        MessageType = "user_joined"
	TypeUserLeft          MessageType = "user_left"
	TypeCursorChanged     MessageType = "cursor_changed"
	TypeSelectionChanged  MessageType = "selection_changed"
	TypeOperationReceived MessageType = "operation_received"
	TypeMetrics           MessageType = "metrics"
	TypePong              MessageType = "pong"
	TypeError             MessageType = "error"
)

// JoinDocument carries the identity a peer presents when joining.
type JoinDocument struct {
	UserID     types.PeerID
	DocumentID types.DocumentID
	UserName   string
}

// CursorUpdate is a caret move.
type CursorUpdate struct {
	Position int
}

// SelectionUpdate is a selection change, not yet normalized.
type SelectionUpdate struct {
	Start int
	End   int
}

// Inbound is the decoded tagged variant for one client frame. Exactly one of
// the payload pointers is set, matching Type.
type Inbound struct {
	Type      MessageType
	Join      *JoinDocument
	Operation *types.Operation
	Cursor    *CursorUpdate
	Selection *SelectionUpdate
}

type wireOperation struct {
	Type        *string  `json:"type"`
	Position    *float64 `json:"position"`
	UserID      *string  `json:"userId"`
	Content     *string  `json:"content"`
	Length      *float64 `json:"length"`
	OperationID *string  `json:"operationId"`
	Timestamp   *string  `json:"timestamp"`
}

type wireCursor struct {
	Position *float64 `json:"position"`
}

type wireSelection struct {
	Start *float64 `json:"start"`
	End   *float64 `json:"end"`
}

type inboundFrame struct {
	Type       *string        `json:"type"`
	UserID     *string        `json:"userId"`
	DocumentID *string        `json:"documentId"`
	UserName   *string        `json:"userName"`
	Operation  *wireOperation `json:"operation"`
	Cursor     *wireCursor    `json:"cursor"`
	Selection  *wireSelection `json:"selection"`
}

// Decode parses one frame and validates the required fields for its type.
func Decode(data []byte) (Inbound, *Error) {
	var frame inboundFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return Inbound{}, Errorf(KindMalformedFrame, "invalid JSON frame: %v", err)
	}
	if frame.Type == nil {
		return Inbound{}, Errorf(KindMalformedFrame, "frame is missing a string 'type'")
	}

	msgType := MessageType(*frame.Type)
	switch msgType {
	case TypePing, TypeGetMetrics, TypeGetDocumentState:
		return Inbound{Type: msgType}, nil

	case TypeJoinDocument:
		if frame.UserID == nil || *frame.UserID == "" {
			return Inbound{}, missing("userId")
		}
		if frame.DocumentID == nil || *frame.DocumentID == "" {
			return Inbound{}, missing("documentId")
		}
		if frame.UserName == nil || *frame.UserName == "" {
			return Inbound{}, missing("userName")
		}
		return Inbound{Type: msgType, Join: &JoinDocument{
			UserID:     types.PeerID(*frame.UserID),
			DocumentID: types.DocumentID(*frame.DocumentID),
			UserName:   *frame.UserName,
		}}, nil

	case TypeOperation:
		if frame.Operation == nil {
			return Inbound{}, missing("operation")
		}
		op, derr := decodeOperation(frame.Operation)
		if derr != nil {
			return Inbound{}, derr
		}
		return Inbound{Type: msgType, Operation: op}, nil

	case TypeCursorUpdate:
		if frame.Cursor == nil {
			return Inbound{}, missing("cursor")
		}
		pos, ok := intValue(frame.Cursor.Position)
		if !ok {
			return Inbound{}, Errorf(KindInvalidOperation, "cursor.position must be a finite integer")
		}
		return Inbound{Type: msgType, Cursor: &CursorUpdate{Position: pos}}, nil

	case TypeSelectionUpdate:
		if frame.Selection == nil {
			return Inbound{}, missing("selection")
		}
		start, okStart := intValue(frame.Selection.Start)
		end, okEnd := intValue(frame.Selection.End)
		if !okStart || !okEnd {
			return Inbound{}, Errorf(KindInvalidOperation, "selection endpoints must be finite integers")
		}
		return Inbound{Type: msgType, Selection: &SelectionUpdate{Start: start, End: end}}, nil

	default:
		return Inbound{}, Errorf(KindUnknownMessageType, "unknown message type %q", *frame.Type)
	}
}

func decodeOperation(wire *wireOperation) (*types.Operation, *Error) {
	if wire.Type == nil {
		return nil, missing("operation.type")
	}
	if wire.Position == nil {
		return nil, missing("operation.position")
	}
	if wire.UserID == nil || *wire.UserID == "" {
		return nil, missing("operation.userId")
	}
	if wire.OperationID == nil || *wire.OperationID == "" {
		return nil, missing("operation.operationId")
	}

	pos, ok := intValue(wire.Position)
	if !ok {
		return nil, Errorf(KindInvalidOperation, "operation.position must be a finite integer")
	}

	op := &types.Operation{
		Kind:     types.OpKind(*wire.Type),
		Position: pos,
		Peer:     types.PeerID(*wire.UserID),
		ID:       types.OperationID(*wire.OperationID),
	}

	switch op.Kind {
	case types.OpInsert:
		if wire.Content == nil || *wire.Content == "" {
			return nil, Errorf(KindInvalidOperation, "insert operation requires content")
		}
		op.Content = *wire.Content
	case types.OpDelete:
		length, okLen := intValue(wire.Length)
		if !okLen || length < 1 {
			return nil, Errorf(KindInvalidOperation, "delete operation requires a positive length")
		}
		op.Length = length
	case types.OpRetain:
	default:
		return nil, Errorf(KindInvalidOperation, "unknown operation type %q", *wire.Type)
	}

	if wire.Timestamp != nil {
		if ts, err := time.Parse(time.RFC3339Nano, *wire.Timestamp); err == nil {
			op.Time = ts
		}
	}
	return op, nil
}

func intValue(v *float64) (int, bool) {
	if v == nil {
		return 0, false
	}
	f := *v
	if math.IsInf(f, 0) || math.IsNaN(f) || f != math.Trunc(f) {
		return 0, false
	}
	return int(f), true
}

func missing(field string) *Error {
	return Errorf(KindMissingField, "required field %q is missing", field)
}

// Envelope is the outbound event shape shared by all server frames.
type Envelope struct {
	Type      MessageType `json:"type"`
	Data      any         `json:"data,omitempty"`
	UserID    string      `json:"userId,omitempty"`
	Timestamp string      `json:"timestamp"`
}

// Event builds an outbound envelope with the current timestamp.
func Event(msgType MessageType, data any, userID types.PeerID) ([]byte, error) {
	return json.Marshal(Envelope{
		Type:      msgType,
		Data:      data,
		UserID:    string(userID),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
}

// WireOperationData renders an applied operation the way the protocol carries it
// inside operation_received events: the client-facing field names plus the
// CRDT stamps replicas need to merge.
func WireOperationData(op types.Operation) map[string]any {
	data := map[string]any{
		"type":        string(op.Kind),
		"position":    op.Position,
		"userId":      string(op.Peer),
		"operationId": string(op.ID),
		"site":        uint32(op.Site),
		"lamport":     op.Lamport,
		"timestamp":   op.Time.UTC().Format(time.RFC3339Nano),
	}
	if op.Kind == types.OpInsert {
		data["content"] = op.Content
	}
	if op.Kind == types.OpDelete {
		data["length"] = op.Length
	}
	if op.Clock != nil {
		data["vectorClock"] = op.Clock
	}
	return data
}
