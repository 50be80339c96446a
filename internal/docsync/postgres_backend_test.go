package docsync

import (
	"os"
	"testing"
)

func TestPostgresBackendRoundTrip(t *testing.T) {
	dsn := os.Getenv("DOCSYNC_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DOCSYNC_TEST_POSTGRES_DSN not set")
	}
	backend, err := NewPostgresQueueBackend(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer backend.Close()

	want := &queueSnapshot{
		Items: []SyncQueueItem{{
			ID:         "item-pg-1",
			EntityType: EntityTypeDocument,
			EntityID:   "doc-1",
			Operation:  OpUpdate,
			Status:     ItemPending,
		}},
		TotalFailedAttempts: 1,
	}
	if err := backend.Save(want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := backend.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got == nil || len(got.Items) != 1 || got.Items[0].ID != "item-pg-1" {
		t.Fatalf("unexpected snapshot %+v", got)
	}
}
