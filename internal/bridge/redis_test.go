package bridge

import (
	"encoding/json"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/M4F-S/codex-live/internal/types"
)

type fakeFanout struct {
	frames []struct {
		doc   types.DocumentID
		frame []byte
		skip  types.PeerID
	}
}

func (f *fakeFanout) BroadcastLocal(docID types.DocumentID, frame []byte, skip types.PeerID) int {
	f.frames = append(f.frames, struct {
		doc   types.DocumentID
		frame []byte
		skip  types.PeerID
	}{docID, frame, skip})
	return 1
}

func relayMessage(t *testing.T, msg redisMessage) *redis.Message {
	t.Helper()
	encoded, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &redis.Message{Payload: string(encoded)}
}

func TestProcessDeliversLocally(t *testing.T) {
	local := &fakeFanout{}
	r := NewRelay(nil, local, zerolog.Nop())

	msg := relayMessage(t, redisMessage{
		DocumentID:  "doc-1",
		OperationID: "op-1",
		PeerID:      "alice",
		Frame:       []byte(`{"type":"operation_received"}`),
	})
	if err := r.process(msg); err != nil {
		t.Fatalf("process: %v", err)
	}

	if len(local.frames) != 1 {
		t.Fatalf("fanout count = %d", len(local.frames))
	}
	if local.frames[0].doc != "doc-1" || local.frames[0].skip != "alice" {
		t.Fatalf("fanout = %+v", local.frames[0])
	}
}

func TestProcessDeduplicatesByOperation(t *testing.T) {
	local := &fakeFanout{}
	r := NewRelay(nil, local, zerolog.Nop())

	msg := relayMessage(t, redisMessage{
		DocumentID:  "doc-1",
		OperationID: "op-1",
		Frame:       []byte(`{}`),
	})
	if err := r.process(msg); err != nil {
		t.Fatalf("first process: %v", err)
	}
	if err := r.process(msg); err != nil {
		t.Fatalf("second process: %v", err)
	}

	if len(local.frames) != 1 {
		t.Fatalf("duplicate relayed: fanout count = %d", len(local.frames))
	}
}

func TestProcessAllowsFramesWithoutOperationID(t *testing.T) {
	local := &fakeFanout{}
	r := NewRelay(nil, local, zerolog.Nop())

	msg := relayMessage(t, redisMessage{DocumentID: "doc-1", Frame: []byte(`{}`)})
	if err := r.process(msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	if err := r.process(msg); err != nil {
		t.Fatalf("process: %v", err)
	}
	// Awareness frames carry no operation id and are never deduplicated.
	if len(local.frames) != 2 {
		t.Fatalf("fanout count = %d, want 2", len(local.frames))
	}
}

func TestProcessRejectsIncompletePayload(t *testing.T) {
	r := NewRelay(nil, &fakeFanout{}, zerolog.Nop())
	if err := r.process(&redis.Message{Payload: `{"document_id":""}`}); err == nil {
		t.Fatal("incomplete payload accepted")
	}
	if err := r.process(&redis.Message{Payload: `not json`}); err == nil {
		t.Fatal("malformed payload accepted")
	}
}

func TestMarkedOperationIsDuplicate(t *testing.T) {
	r := NewRelay(nil, &fakeFanout{}, zerolog.Nop())
	r.markSeen("doc-1", "op-1")
	if !r.isDuplicate("doc-1", "op-1") {
		t.Fatal("own operation not considered a duplicate")
	}
}
