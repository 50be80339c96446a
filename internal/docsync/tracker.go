package docsync

import (
	"sort"
	"sync"
	"time"
)

type SyncStatus string

const (
	StatusIdle      SyncStatus = "idle"
	StatusSyncing   SyncStatus = "syncing"
	StatusSucceeded SyncStatus = "succeeded"
	StatusFailed    SyncStatus = "failed"
)

// DocumentSyncState is the per-document bookkeeping record. Status may show
// StatusSyncing for at most one in-flight operation per document.
type DocumentSyncState struct {
	DocumentID   string     `json:"documentId"`
	Dirty        bool       `json:"dirty"`
	LastSyncedAt time.Time  `json:"lastSyncedAt"`
	Status       SyncStatus `json:"status"`
}

// Tracker is pure in-memory dirty-state bookkeeping layered over the CRDT
// engine. None of its operations fail; entries are created lazily on first
// access and evicted when a document closes.
type Tracker struct {
	mu    sync.Mutex
	docs  map[string]*DocumentSyncState
	clock Clock
}

func NewTracker(clock Clock) *Tracker {
	if clock == nil {
		clock = SystemClock()
	}
	return &Tracker{
		docs:  map[string]*DocumentSyncState{},
		clock: clock,
	}
}

// Get returns a copy of the document's state, creating it on first use.
func (t *Tracker) Get(documentID string) DocumentSyncState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.getLocked(documentID)
}

// MarkDirty flags local unsynced edits. Idempotent.
func (t *Tracker) MarkDirty(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.getLocked(documentID).Dirty = true
}

// MarkSynced clears the dirty flag and records the sync time.
func (t *Tracker) MarkSynced(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.getLocked(documentID)
	doc.Dirty = false
	doc.Status = StatusSucceeded
	doc.LastSyncedAt = t.clock.Now().UTC()
}

func (t *Tracker) IsDirty(documentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc, ok := t.docs[documentID]
	return ok && doc.Dirty
}

// AllDirtyIDs returns the IDs of every dirty document, sorted for stable
// sweep order.
func (t *Tracker) AllDirtyIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]string, 0, len(t.docs))
	for id, doc := range t.docs {
		if doc.Dirty {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// BeginSync transitions the document to StatusSyncing. Returns false if a
// sync is already in flight for it.
func (t *Tracker) BeginSync(documentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.getLocked(documentID)
	if doc.Status == StatusSyncing {
		return false
	}
	doc.Status = StatusSyncing
	return true
}

// FinishSync records the outcome of an in-flight sync. A nil err also
// clears the dirty flag.
func (t *Tracker) FinishSync(documentID string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	doc := t.getLocked(documentID)
	if err != nil {
		doc.Status = StatusFailed
		return
	}
	doc.Status = StatusSucceeded
	doc.Dirty = false
	doc.LastSyncedAt = t.clock.Now().UTC()
}

// Evict drops the document's state when it is closed.
func (t *Tracker) Evict(documentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.docs, documentID)
}

// Len reports how many documents are tracked.
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.docs)
}

func (t *Tracker) getLocked(documentID string) *DocumentSyncState {
	doc, ok := t.docs[documentID]
	if !ok {
		doc = &DocumentSyncState{DocumentID: documentID, Status: StatusIdle}
		t.docs[documentID] = doc
	}
	return doc
}
