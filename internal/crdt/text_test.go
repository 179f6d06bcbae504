package crdt

import (
	"testing"

	"github.com/M4F-S/codex-live/internal/types"
)

func mustLocal(t *testing.T, txt *Text, kind types.OpKind, pos int, content string, length int) types.Operation {
	t.Helper()
	op, err := txt.ApplyLocal(kind, pos, content, length)
	if err != nil {
		t.Fatalf("ApplyLocal(%s, %d): %v", kind, pos, err)
	}
	return op
}

func mustRemote(t *testing.T, txt *Text, op types.Operation) {
	t.Helper()
	applied, err := txt.ApplyRemote(op)
	if err != nil {
		t.Fatalf("ApplyRemote(%s): %v", op.ID, err)
	}
	if !applied {
		t.Fatalf("ApplyRemote(%s): expected applied", op.ID)
	}
}

func TestConcurrentInsertsTieBreakBySite(t *testing.T) {
	p1 := New(1, "ABC")
	p2 := New(2, "ABC")

	op1 := mustLocal(t, p1, types.OpInsert, 1, "X", 0)
	op2 := mustLocal(t, p2, types.OpInsert, 1, "Y", 0)

	mustRemote(t, p1, op2)
	mustRemote(t, p2, op1)

	if got := p1.Content(); got != "AXYBC" {
		t.Fatalf("p1 content = %q, want %q", got, "AXYBC")
	}
	if got := p2.Content(); got != "AXYBC" {
		t.Fatalf("p2 content = %q, want %q", got, "AXYBC")
	}
}

func TestSequentialDeletesShiftPosition(t *testing.T) {
	p1 := New(1, "ABCDEF")
	p2 := New(2, "ABCDEF")

	op1 := mustLocal(t, p1, types.OpDelete, 1, "", 1) // removes B
	mustRemote(t, p2, op1)

	op2 := mustLocal(t, p2, types.OpDelete, 1, "", 1) // removes C
	mustRemote(t, p1, op2)

	if got := p1.Content(); got != "ADEF" {
		t.Fatalf("p1 content = %q, want %q", got, "ADEF")
	}
	if got := p2.Content(); got != "ADEF" {
		t.Fatalf("p2 content = %q, want %q", got, "ADEF")
	}
}

func TestConcurrentDeleteOverlap(t *testing.T) {
	p1 := New(1, "HELLO WORLD")
	p2 := New(2, "HELLO WORLD")

	op1 := mustLocal(t, p1, types.OpDelete, 0, "", 6)
	op2 := mustLocal(t, p2, types.OpDelete, 6, "", 5)

	mustRemote(t, p1, op2)
	mustRemote(t, p2, op1)

	if got := p1.Content(); got != "" {
		t.Fatalf("p1 content = %q, want empty", got)
	}
	if got := p2.Content(); got != "" {
		t.Fatalf("p2 content = %q, want empty", got)
	}
}

func TestApplyRemoteIsIdempotent(t *testing.T) {
	p1 := New(1, "abc")
	p2 := New(2, "abc")

	op := mustLocal(t, p1, types.OpInsert, 3, "!", 0)
	mustRemote(t, p2, op)

	before := p2.Content()
	clockBefore := p2.Clock()

	applied, err := p2.ApplyRemote(op)
	if err != nil {
		t.Fatalf("second ApplyRemote: %v", err)
	}
	if applied {
		t.Fatal("duplicate op was applied")
	}
	if got := p2.Content(); got != before {
		t.Fatalf("content changed on duplicate: %q -> %q", before, got)
	}
	after := p2.Clock()
	for site, v := range clockBefore {
		if after[site] != v {
			t.Fatalf("clock changed on duplicate for site %d: %d -> %d", site, v, after[site])
		}
	}
}

func TestSizeArithmetic(t *testing.T) {
	txt := New(1, "hello")

	mustLocal(t, txt, types.OpInsert, 2, "XYZ", 0)
	if got := txt.Len(); got != 8 {
		t.Fatalf("len after insert = %d, want 8", got)
	}

	// Delete spanning past end of text truncates to [p, len).
	op := mustLocal(t, txt, types.OpDelete, 6, "", 100)
	if op.Length != 2 {
		t.Fatalf("truncated delete length = %d, want 2", op.Length)
	}
	if got := txt.Len(); got != 6 {
		t.Fatalf("len after delete = %d, want 6", got)
	}
}

func TestPositionClamping(t *testing.T) {
	txt := New(1, "ab")

	op := mustLocal(t, txt, types.OpInsert, -5, "<", 0)
	if op.Position != 0 {
		t.Fatalf("clamped position = %d, want 0", op.Position)
	}
	op = mustLocal(t, txt, types.OpInsert, 99, ">", 0)
	if op.Position != 3 {
		t.Fatalf("clamped position = %d, want 3", op.Position)
	}
	if got := txt.Content(); got != "<ab>" {
		t.Fatalf("content = %q, want %q", got, "<ab>")
	}
}

func TestMalformedOperationsRejected(t *testing.T) {
	txt := New(1, "abc")

	if _, err := txt.ApplyLocal(types.OpInsert, 0, "", 0); err == nil {
		t.Fatal("insert without content accepted")
	}
	if _, err := txt.ApplyLocal(types.OpDelete, 0, "", 0); err == nil {
		t.Fatal("delete without length accepted")
	}
	if _, err := txt.ApplyRemote(types.Operation{Kind: "bogus", ID: "x"}); err == nil {
		t.Fatal("unknown kind accepted")
	}
	// Rejections must not consume state.
	if got := txt.Content(); got != "abc" {
		t.Fatalf("content changed by rejected ops: %q", got)
	}
	if got := txt.OpCount(); got != 0 {
		t.Fatalf("op count = %d after rejections, want 0", got)
	}
}

func TestRetainConsumesLamportOnly(t *testing.T) {
	txt := New(1, "abc")

	op := mustLocal(t, txt, types.OpRetain, 1, "", 0)
	if op.Lamport != 1 {
		t.Fatalf("retain lamport = %d, want 1", op.Lamport)
	}
	if got := txt.Content(); got != "abc" {
		t.Fatalf("retain changed content: %q", got)
	}

	next := mustLocal(t, txt, types.OpInsert, 0, "x", 0)
	if next.Lamport != 2 {
		t.Fatalf("lamport after retain = %d, want 2", next.Lamport)
	}
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
	src := New(1, "seed")
	mustLocal(t, src, types.OpInsert, 4, "ling", 0)
	mustLocal(t, src, types.OpDelete, 0, "", 1)

	blob, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := New(2, "")
	if err := dst.Restore(blob); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	if got, want := dst.Content(), src.Content(); got != want {
		t.Fatalf("restored content = %q, want %q", got, want)
	}
	srcClock, dstClock := src.Clock(), dst.Clock()
	if len(srcClock) != len(dstClock) {
		t.Fatalf("restored clock = %v, want %v", dstClock, srcClock)
	}
	for site, v := range srcClock {
		if dstClock[site] != v {
			t.Fatalf("restored clock = %v, want %v", dstClock, srcClock)
		}
	}
}

func TestRestoreRequiresFreshReplica(t *testing.T) {
	src := New(1, "x")
	mustLocal(t, src, types.OpInsert, 1, "y", 0)
	blob, err := src.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	dst := New(2, "")
	mustLocal(t, dst, types.OpInsert, 0, "z", 0)
	if err := dst.Restore(blob); err == nil {
		t.Fatal("Restore on a dirty replica succeeded")
	}
}

func TestOperationsLogOrder(t *testing.T) {
	txt := New(1, "")
	first := mustLocal(t, txt, types.OpInsert, 0, "a", 0)
	second := mustLocal(t, txt, types.OpInsert, 1, "b", 0)

	ops := txt.Operations()
	if len(ops) != 2 {
		t.Fatalf("log length = %d, want 2", len(ops))
	}
	if ops[0].ID != first.ID || ops[1].ID != second.ID {
		t.Fatal("log not in apply order")
	}
}

func TestCompactReapsObservedTombstones(t *testing.T) {
	txt := New(1, "abcdef")
	mustLocal(t, txt, types.OpDelete, 1, "", 2)

	reaped := txt.Compact(txt.Clock())
	if reaped != 2 {
		t.Fatalf("reaped = %d, want 2", reaped)
	}
	if got := txt.Content(); got != "adef" {
		t.Fatalf("content after compact = %q, want %q", got, "adef")
	}

	// Tombstones not covered by the minimum clock survive.
	mustLocal(t, txt, types.OpDelete, 0, "", 1)
	if reaped := txt.Compact(types.VectorClock{}); reaped != 0 {
		t.Fatalf("reaped = %d with empty min clock, want 0", reaped)
	}
}

func TestConvergenceUnderInterleavedDelivery(t *testing.T) {
	p1 := New(1, "base")
	p2 := New(2, "base")

	a := mustLocal(t, p1, types.OpInsert, 4, "-one", 0)
	b := mustLocal(t, p2, types.OpInsert, 4, "-two", 0)
	c := mustLocal(t, p1, types.OpDelete, 0, "", 2)

	// p2 sees p1's ops out of order relative to its own edit; p1 sees p2's
	// op after both of its own.
	mustRemote(t, p2, a)
	mustRemote(t, p2, c)
	mustRemote(t, p1, b)

	// Redelivery is a no-op.
	if applied, _ := p2.ApplyRemote(a); applied {
		t.Fatal("redelivered op applied twice")
	}

	if p1.Content() != p2.Content() {
		t.Fatalf("replicas diverged: %q vs %q", p1.Content(), p2.Content())
	}
}

func TestCommitDeduplicatesByOperationID(t *testing.T) {
	txt := New(0, "")

	op := types.Operation{Kind: types.OpInsert, Position: 0, Content: "hi", ID: "op-1"}
	_, applied, err := txt.Commit(op, 1)
	if err != nil || !applied {
		t.Fatalf("first commit: applied=%v err=%v", applied, err)
	}
	_, applied, err = txt.Commit(op, 2)
	if err != nil {
		t.Fatalf("second commit: %v", err)
	}
	if applied {
		t.Fatal("duplicate operation id was committed")
	}
	if got := txt.Content(); got != "hi" {
		t.Fatalf("content = %q, want %q", got, "hi")
	}
}
