package awareness

import (
	"testing"
	"time"
)

func TestCursorClamping(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert("alice", "Alice", "#fff", now)

	diff, ok := r.SetCursor("alice", 99, 5, now)
	if !ok || len(diff.Updated) != 1 {
		t.Fatalf("SetCursor diff = %+v ok=%v", diff, ok)
	}
	if got := diff.Updated[0].Cursor.Position; got != 5 {
		t.Fatalf("clamped cursor = %d, want 5", got)
	}

	diff, _ = r.SetCursor("alice", -3, 5, now)
	if got := diff.Updated[0].Cursor.Position; got != 0 {
		t.Fatalf("clamped cursor = %d, want 0", got)
	}
}

func TestSelectionNormalizedAndClamped(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert("bob", "Bob", "#000", now)

	diff, ok := r.SetSelection("bob", 9, 2, 6, now)
	if !ok {
		t.Fatal("selection rejected")
	}
	sel := diff.Updated[0].Selection
	if sel.Start != 2 || sel.End != 6 {
		t.Fatalf("selection = [%d,%d], want [2,6]", sel.Start, sel.End)
	}
	if sel.Start > sel.End {
		t.Fatal("selection not normalized")
	}
}

func TestUnknownPeerRejected(t *testing.T) {
	r := NewRegistry()
	if _, ok := r.SetCursor("ghost", 1, 10, time.Now()); ok {
		t.Fatal("cursor accepted for unknown peer")
	}
	if _, ok := r.SetSelection("ghost", 1, 2, 10, time.Now()); ok {
		t.Fatal("selection accepted for unknown peer")
	}
}

func TestUpsertDiffs(t *testing.T) {
	r := NewRegistry()
	now := time.Now()

	diff := r.Upsert("alice", "Alice", "#fff", now)
	if len(diff.Added) != 1 || len(diff.Updated) != 0 {
		t.Fatalf("first upsert diff = %+v", diff)
	}
	diff = r.Upsert("alice", "Alice B", "#fff", now)
	if len(diff.Added) != 0 || len(diff.Updated) != 1 {
		t.Fatalf("second upsert diff = %+v", diff)
	}
	if diff.Updated[0].DisplayName != "Alice B" {
		t.Fatalf("display name = %q", diff.Updated[0].DisplayName)
	}
}

func TestSweepTransitions(t *testing.T) {
	r := NewRegistry()
	base := time.Now()
	r.Upsert("idle", "Idle", "#111", base)
	r.Upsert("fresh", "Fresh", "#222", base)

	stale := 30 * time.Second
	evict := 60 * time.Second

	// Keep fresh alive, let idle cross the stale threshold.
	r.Touch("fresh", base.Add(40*time.Second))
	diff := r.Sweep(base.Add(45*time.Second), stale, evict)
	if len(diff.Updated) != 1 || diff.Updated[0].Peer != "idle" {
		t.Fatalf("stale sweep diff = %+v", diff)
	}
	if diff.Updated[0].Online {
		t.Fatal("stale peer still online")
	}
	if len(diff.Removed) != 0 {
		t.Fatalf("premature removal: %+v", diff)
	}

	// Past stale+evict the entry is removed entirely.
	diff = r.Sweep(base.Add(2*time.Minute), stale, evict)
	removed := false
	for _, entry := range diff.Removed {
		if entry.Peer == "idle" {
			removed = true
		}
	}
	if !removed {
		t.Fatalf("idle peer not evicted: %+v", diff)
	}
	if r.Len() > 1 {
		t.Fatalf("roster size = %d after eviction", r.Len())
	}
}

func TestMarkOfflineIsIdempotent(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert("carol", "Carol", "#333", now)

	diff := r.MarkOffline("carol", now)
	if len(diff.Updated) != 1 {
		t.Fatalf("first MarkOffline diff = %+v", diff)
	}
	diff = r.MarkOffline("carol", now)
	if !diff.Empty() {
		t.Fatalf("second MarkOffline diff = %+v", diff)
	}
}

func TestEntriesOrdered(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	r.Upsert("zed", "Zed", "#1", now)
	r.Upsert("amy", "Amy", "#2", now)

	entries := r.Entries()
	if len(entries) != 2 || entries[0].Peer != "amy" || entries[1].Peer != "zed" {
		t.Fatalf("entries = %+v", entries)
	}
}
