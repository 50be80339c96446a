package docsync

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
)

func TestBuildQueueBackendFromDSNRouting(t *testing.T) {
	dir := t.TempDir()

	backend, err := BuildQueueBackendFromDSN("")
	if err != nil || backend != nil {
		t.Fatalf("empty DSN should yield a memory-only queue, got %v backend %v", err, backend)
	}
	backend, err = BuildQueueBackendFromDSN("memory://")
	if err != nil || backend != nil {
		t.Fatalf("memory DSN should yield a memory-only queue, got %v backend %v", err, backend)
	}

	backend, err = BuildQueueBackendFromDSN(filepath.Join(dir, "queue.json"))
	if err != nil {
		t.Fatalf("bare path DSN: %v", err)
	}
	if _, ok := backend.(*JSONFileQueueBackend); !ok {
		t.Fatalf("expected JSON file backend, got %T", backend)
	}

	backend, err = BuildQueueBackendFromDSN("file://" + filepath.Join(dir, "queue2.json"))
	if err != nil {
		t.Fatalf("file DSN: %v", err)
	}
	if _, ok := backend.(*JSONFileQueueBackend); !ok {
		t.Fatalf("expected JSON file backend, got %T", backend)
	}

	backend, err = BuildQueueBackendFromDSN("sqlite://" + filepath.Join(dir, "queue.db"))
	if err != nil {
		t.Fatalf("sqlite DSN: %v", err)
	}
	sqlite, ok := backend.(*SQLiteQueueBackend)
	if !ok {
		t.Fatalf("expected SQLite backend, got %T", backend)
	}
	if err := sqlite.Close(); err != nil {
		t.Fatalf("close sqlite backend: %v", err)
	}

	if _, err := BuildQueueBackendFromDSN("redis://localhost:6379/0"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected ErrNotImplemented for redis, got %v", err)
	}
	if _, err := BuildQueueBackendFromDSN("carrierpigeon://coop"); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported scheme error, got %v", err)
	}
}

func TestRegisteredFactoryTakesPrecedence(t *testing.T) {
	marker := &JSONFileQueueBackend{}
	RegisterQueueBackendFactory("testfake", func(dsn string) (QueueBackend, error) {
		return marker, nil
	})
	backend, err := BuildQueueBackendFromDSN("testfake://anything")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if backend != QueueBackend(marker) {
		t.Fatalf("expected registered factory to serve the scheme, got %T", backend)
	}
}

func TestSQLiteBackendRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "queue.db")
	backend, err := NewSQLiteQueueBackend(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	snapshot, err := backend.Load()
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if snapshot != nil {
		t.Fatalf("expected no snapshot before the first save, got %+v", snapshot)
	}

	want := &queueSnapshot{
		Items: []SyncQueueItem{{
			ID:         "item-1",
			EntityType: EntityTypeDocument,
			EntityID:   "doc-1",
			Operation:  OpUpdate,
			Payload:    []byte("state"),
			Status:     ItemPending,
		}},
		TotalFailedAttempts: 2,
	}
	if err := backend.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	// Second save exercises the upsert path.
	want.TotalFailedAttempts = 3
	if err := backend.Save(want); err != nil {
		t.Fatalf("re-save: %v", err)
	}

	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || len(got.Items) != 1 {
		t.Fatalf("unexpected snapshot %+v", got)
	}
	if got.Items[0].ID != "item-1" || string(got.Items[0].Payload) != "state" {
		t.Fatalf("unexpected item %+v", got.Items[0])
	}
	if got.TotalFailedAttempts != 3 {
		t.Fatalf("expected failure counter 3, got %d", got.TotalFailedAttempts)
	}
}
