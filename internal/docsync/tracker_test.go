package docsync

import (
	"errors"
	"testing"
	"time"
)

func TestTrackerDirtyLifecycle(t *testing.T) {
	clock := NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	tr := NewTracker(clock)

	if tr.IsDirty("doc-1") {
		t.Fatal("unknown document must not be dirty")
	}
	tr.MarkDirty("doc-1")
	tr.MarkDirty("doc-1")
	if !tr.IsDirty("doc-1") {
		t.Fatal("expected doc-1 dirty")
	}
	if state := tr.Get("doc-1"); state.Status != StatusIdle {
		t.Fatalf("expected Idle before any sync, got %s", state.Status)
	}

	clock.Advance(time.Minute)
	tr.MarkSynced("doc-1")
	state := tr.Get("doc-1")
	if state.Dirty {
		t.Fatal("expected clean after MarkSynced")
	}
	if !state.LastSyncedAt.Equal(clock.Now()) {
		t.Fatalf("expected LastSyncedAt %s, got %s", clock.Now(), state.LastSyncedAt)
	}
}

func TestTrackerSingleFlight(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkDirty("doc-1")
	if !tr.BeginSync("doc-1") {
		t.Fatal("first BeginSync must win")
	}
	if tr.BeginSync("doc-1") {
		t.Fatal("second BeginSync while syncing must be refused")
	}
	tr.FinishSync("doc-1", nil)
	if state := tr.Get("doc-1"); state.Status != StatusSucceeded || state.Dirty {
		t.Fatalf("unexpected state after success: %+v", state)
	}
	tr.MarkDirty("doc-1")
	if !tr.BeginSync("doc-1") {
		t.Fatal("BeginSync must be available again after FinishSync")
	}
	tr.FinishSync("doc-1", errors.New("send failed"))
	state := tr.Get("doc-1")
	if state.Status != StatusFailed {
		t.Fatalf("expected Failed, got %s", state.Status)
	}
	if !state.Dirty {
		t.Fatal("a failed sync must leave the document dirty")
	}
}

func TestTrackerAllDirtyIDsSortedAndEvict(t *testing.T) {
	tr := NewTracker(nil)
	tr.MarkDirty("zulu")
	tr.MarkDirty("alpha")
	tr.MarkDirty("mike")
	tr.MarkSynced("mike")

	ids := tr.AllDirtyIDs()
	if len(ids) != 2 || ids[0] != "alpha" || ids[1] != "zulu" {
		t.Fatalf("unexpected dirty set %v", ids)
	}

	tr.Evict("alpha")
	if tr.Len() != 2 {
		t.Fatalf("expected 2 tracked documents after evict, got %d", tr.Len())
	}
	if tr.IsDirty("alpha") {
		t.Fatal("evicted document must not report dirty")
	}
}
