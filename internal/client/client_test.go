package client

import (
	"testing"
	"time"

	"github.com/M4F-S/codex-live/internal/types"
)

func testClient(content string) *Client {
	return &Client{
		opts:    Options{PendingTTL: time.Minute},
		content: []rune(content),
	}
}

func TestApplyRemoteInsert(t *testing.T) {
	c := testClient("hello")
	got := c.applyRemote(types.Operation{Kind: types.OpInsert, Position: 5, Content: " world", ID: "op-1"})
	if got != "hello world" {
		t.Fatalf("content = %q", got)
	}
}

func TestApplyRemoteDeleteClamped(t *testing.T) {
	c := testClient("abc")
	got := c.applyRemote(types.Operation{Kind: types.OpDelete, Position: 2, Length: 10, ID: "op-1"})
	if got != "ab" {
		t.Fatalf("content = %q", got)
	}
}

func TestApplyRemoteSkipsOwnEcho(t *testing.T) {
	c := testClient("x")
	c.pending = append(c.pending, pendingOp{
		op:       types.Operation{Kind: types.OpInsert, Position: 1, Content: "y", ID: "mine"},
		deadline: time.Now().Add(time.Minute),
	})

	got := c.applyRemote(types.Operation{Kind: types.OpInsert, Position: 0, Content: "zzz", ID: "mine"})
	if got != "x" {
		t.Fatalf("own echo mutated buffer: %q", got)
	}
	if len(c.pending) != 1 {
		t.Fatalf("pending = %d", len(c.pending))
	}
}

func TestApplyRemoteRebasesAgainstPendingInsert(t *testing.T) {
	// Local buffer already holds an unacknowledged insert at position 2; a
	// remote edit composed without it must shift right past it.
	c := testClient("ABheadC")
	c.pending = append(c.pending, pendingOp{
		op: types.Operation{
			Kind: types.OpInsert, Position: 2, Content: "head", ID: "local-1",
			Site: 2, Lamport: 1,
		},
		deadline: time.Now().Add(time.Minute),
	})

	got := c.applyRemote(types.Operation{
		Kind: types.OpInsert, Position: 3, Content: "!", ID: "remote-1",
		Site: 1, Lamport: 1,
	})
	if got != "ABheadC!" {
		t.Fatalf("content = %q, want %q", got, "ABheadC!")
	}
}

func TestApplyRemoteRebasesPendingTheOtherWay(t *testing.T) {
	c := testClient("XABC")
	c.pending = append(c.pending, pendingOp{
		op: types.Operation{
			Kind: types.OpInsert, Position: 0, Content: "X", ID: "local-1",
			Site: 2, Lamport: 1,
		},
		deadline: time.Now().Add(time.Minute),
	})

	c.applyRemote(types.Operation{
		Kind: types.OpInsert, Position: 0, Content: "YY", ID: "remote-1",
		Site: 1, Lamport: 1,
	})

	// The remote insert won the tie (smaller site), so the still-pending
	// local op now points past it.
	if got := c.pending[0].op.Position; got != 2 {
		t.Fatalf("rebased pending position = %d, want 2", got)
	}
	if got := string(c.content); got != "YYXABC" {
		t.Fatalf("content = %q, want %q", got, "YYXABC")
	}
}

func TestExpiredPendingDropped(t *testing.T) {
	c := testClient("ab")
	c.pending = append(c.pending, pendingOp{
		op:       types.Operation{Kind: types.OpInsert, Position: 0, Content: "x", ID: "stale"},
		deadline: time.Now().Add(-time.Second),
	})

	c.applyRemote(types.Operation{Kind: types.OpInsert, Position: 2, Content: "!", ID: "remote"})
	if len(c.pending) != 0 {
		t.Fatalf("expired pending survived: %d", len(c.pending))
	}
}
