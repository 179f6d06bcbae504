package protocol

import (
	"encoding/json"
	"testing"

	"github.com/M4F-S/codex-live/internal/types"
)

func TestDecodeJoinDocument(t *testing.T) {
	frame := []byte(`{"type":"join_document","userId":"u1","documentId":"d1","userName":"Ada"}`)
	msg, derr := Decode(frame)
	if derr != nil {
		t.Fatalf("Decode: %v", derr)
	}
	if msg.Type != TypeJoinDocument || msg.Join == nil {
		t.Fatalf("decoded = %+v", msg)
	}
	if msg.Join.UserID != "u1" || msg.Join.DocumentID != "d1" || msg.Join.UserName != "Ada" {
		t.Fatalf("join = %+v", msg.Join)
	}
}

func TestDecodeJoinMissingFields(t *testing.T) {
	cases := []string{
		`{"type":"join_document","documentId":"d1","userName":"Ada"}`,
		`{"type":"join_document","userId":"u1","userName":"Ada"}`,
		`{"type":"join_document","userId":"u1","documentId":"d1"}`,
	}
	for _, frame := range cases {
		_, derr := Decode([]byte(frame))
		if derr == nil {
			t.Fatalf("frame %s decoded without error", frame)
		}
		if derr.Kind != KindMissingField {
			t.Fatalf("kind = %s, want MissingField", derr.Kind)
		}
	}
}

func TestDecodeOperation(t *testing.T) {
	frame := []byte(`{"type":"operation","operation":{"type":"insert","position":4,"userId":"u1","content":"hi","operationId":"op-1","timestamp":"2024-06-01T12:00:00Z"}}`)
	msg, derr := Decode(frame)
	if derr != nil {
		t.Fatalf("Decode: %v", derr)
	}
	op := msg.Operation
	if op.Kind != types.OpInsert || op.Position != 4 || op.Content != "hi" || op.ID != "op-1" {
		t.Fatalf("operation = %+v", op)
	}
	if op.Time.IsZero() {
		t.Fatal("timestamp not parsed")
	}
}

func TestDecodeOperationValidation(t *testing.T) {
	cases := []struct {
		name  string
		frame string
		kind  ErrorKind
	}{
		{"missing operation", `{"type":"operation"}`, KindMissingField},
		{"missing position", `{"type":"operation","operation":{"type":"insert","userId":"u1","content":"x","operationId":"o"}}`, KindMissingField},
		{"missing userId", `{"type":"operation","operation":{"type":"insert","position":0,"content":"x","operationId":"o"}}`, KindMissingField},
		{"missing operationId", `{"type":"operation","operation":{"type":"insert","position":0,"userId":"u1","content":"x"}}`, KindMissingField},
		{"insert without content", `{"type":"operation","operation":{"type":"insert","position":0,"userId":"u1","operationId":"o"}}`, KindInvalidOperation},
		{"delete without length", `{"type":"operation","operation":{"type":"delete","position":0,"userId":"u1","operationId":"o"}}`, KindInvalidOperation},
		{"fractional position", `{"type":"operation","operation":{"type":"insert","position":1.5,"userId":"u1","content":"x","operationId":"o"}}`, KindInvalidOperation},
		{"unknown op type", `{"type":"operation","operation":{"type":"swap","position":0,"userId":"u1","operationId":"o"}}`, KindInvalidOperation},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, derr := Decode([]byte(tc.frame))
			if derr == nil {
				t.Fatal("decoded without error")
			}
			if derr.Kind != tc.kind {
				t.Fatalf("kind = %s, want %s", derr.Kind, tc.kind)
			}
		})
	}
}

func TestDecodeCursorAndSelection(t *testing.T) {
	msg, derr := Decode([]byte(`{"type":"cursor_update","cursor":{"position":7}}`))
	if derr != nil || msg.Cursor == nil || msg.Cursor.Position != 7 {
		t.Fatalf("cursor decode = %+v err=%v", msg, derr)
	}

	msg, derr = Decode([]byte(`{"type":"selection_update","selection":{"start":2,"end":9}}`))
	if derr != nil || msg.Selection == nil || msg.Selection.Start != 2 || msg.Selection.End != 9 {
		t.Fatalf("selection decode = %+v err=%v", msg, derr)
	}

	if _, derr = Decode([]byte(`{"type":"cursor_update","cursor":{"position":1.25}}`)); derr == nil {
		t.Fatal("fractional cursor accepted")
	}
}

func TestDecodeUnknownType(t *testing.T) {
	_, derr := Decode([]byte(`{"type":"teleport"}`))
	if derr == nil || derr.Kind != KindUnknownMessageType {
		t.Fatalf("derr = %v", derr)
	}
}

func TestDecodeMalformedFrames(t *testing.T) {
	for _, frame := range []string{`not json`, `{"no":"type"}`, `42`} {
		_, derr := Decode([]byte(frame))
		if derr == nil || derr.Kind != KindMalformedFrame {
			t.Fatalf("frame %q: derr = %v", frame, derr)
		}
	}
}

func TestErrorFrameShape(t *testing.T) {
	e := Errorf(KindNotJoined, "join first")
	var env struct {
		Type      string            `json:"type"`
		Data      map[string]string `json:"data"`
		Timestamp string            `json:"timestamp"`
	}
	if err := json.Unmarshal(e.Frame(), &env); err != nil {
		t.Fatalf("unmarshal error frame: %v", err)
	}
	if env.Type != "error" || env.Data["error"] != "join first" || env.Timestamp == "" {
		t.Fatalf("error envelope = %+v", env)
	}
}

func TestEventEnvelope(t *testing.T) {
	frame, err := Event(TypePong, nil, "u1")
	if err != nil {
		t.Fatalf("Event: %v", err)
	}
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	if env.Type != TypePong || env.UserID != "u1" || env.Timestamp == "" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestWireOperationDataFields(t *testing.T) {
	op := types.Operation{
		Kind:     types.OpInsert,
		Position: 2,
		Content:  "hey",
		Site:     3,
		Lamport:  9,
		ID:       "op-9",
		Peer:     "u2",
		Clock:    types.VectorClock{3: 9},
	}
	data := WireOperationData(op)
	if data["content"] != "hey" || data["operationId"] != "op-9" {
		t.Fatalf("wire data = %+v", data)
	}
	if _, ok := data["length"]; ok {
		t.Fatal("insert carries a length field")
	}
}
