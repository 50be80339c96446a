package docsync

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type ItemStatus string

const (
	ItemPending ItemStatus = "pending"
	ItemSynced  ItemStatus = "synced"
	ItemFailed  ItemStatus = "failed"
)

type Operation string

const OpUpdate Operation = "update"

// EntityTypeDocument is the only entity type the engine currently handles.
const EntityTypeDocument = "document"

// SyncQueueItem is one pending mutation intent. Items survive process
// restarts when the queue is built with a durable backend.
type SyncQueueItem struct {
	ID            string     `json:"id"`
	EntityType    string     `json:"entityType"`
	EntityID      string     `json:"entityId"`
	Operation     Operation  `json:"operation"`
	Payload       []byte     `json:"payload,omitempty"`
	Revision      int        `json:"revision,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	RetryCount    int        `json:"retryCount"`
	Priority      int        `json:"priority"`
	Status        ItemStatus `json:"status"`
	NextAttemptAt time.Time  `json:"nextAttemptAt"`
	LastError     string     `json:"lastError,omitempty"`
}

type QueueStats struct {
	Pending             int `json:"pending"`
	Failed              int `json:"failed"`
	TotalFailedAttempts int `json:"totalFailedAttempts"`
}

// RetryPolicy controls failure backoff. The delay after the n-th failure is
// BaseDelay * 2^n, capped at MaxDelay. An item whose retry count exceeds
// MaxRetries becomes terminally failed.
type RetryPolicy struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		BaseDelay:  2 * time.Second,
		MaxDelay:   5 * time.Minute,
		MaxRetries: 5,
	}
}

func (p RetryPolicy) delay(retryCount int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < retryCount; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// queueSnapshot is the persisted form of the queue.
type queueSnapshot struct {
	Items               []SyncQueueItem `json:"items"`
	TotalFailedAttempts int             `json:"totalFailedAttempts"`
}

// QueueBackend persists queue snapshots. Save must be durable before it
// returns. A nil backend leaves the queue memory-only (tests, opt-out).
type QueueBackend interface {
	Load() (*queueSnapshot, error)
	Save(*queueSnapshot) error
	Close() error
}

type QueueOptions struct {
	Backend  QueueBackend
	Policy   RetryPolicy
	Capacity int
	Clock    Clock
}

// Queue is the durable sync queue. Every mutation is persisted through the
// backend before the call returns, so a crash after a successful MarkSynced
// never resurrects the item.
type Queue struct {
	mu                  sync.Mutex
	items               map[string]*SyncQueueItem
	totalFailedAttempts int
	backend             QueueBackend
	policy              RetryPolicy
	capacity            int
	clock               Clock
	closed              bool
}

func NewQueue(opts QueueOptions) (*Queue, error) {
	policy := opts.Policy
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultRetryPolicy().BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultRetryPolicy().MaxDelay
	}
	if policy.MaxRetries <= 0 {
		policy.MaxRetries = DefaultRetryPolicy().MaxRetries
	}
	capacity := opts.Capacity
	if capacity <= 0 {
		capacity = 1024
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	q := &Queue{
		items:    map[string]*SyncQueueItem{},
		backend:  opts.Backend,
		policy:   policy,
		capacity: capacity,
		clock:    clock,
	}
	if q.backend != nil {
		snapshot, err := q.backend.Load()
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			q.totalFailedAttempts = snapshot.TotalFailedAttempts
			for i := range snapshot.Items {
				item := snapshot.Items[i]
				if item.ID == "" || item.Status == ItemSynced {
					continue
				}
				q.items[item.ID] = &item
			}
		}
	}
	return q, nil
}

// Enqueue adds a mutation intent. It is idempotent with respect to
// (EntityType, EntityID, Operation): a second intent for the same key while
// one is still pending coalesces into it: the latest payload wins and the
// original CreatedAt is preserved for fairness ordering. Each coalesce
// bumps the item revision so a dispatch that raced with it cannot retire
// the newer payload.
func (q *Queue) Enqueue(item SyncQueueItem) (SyncQueueItem, error) {
	if strings.TrimSpace(item.EntityType) == "" || strings.TrimSpace(item.EntityID) == "" {
		return SyncQueueItem{}, ErrInvalidInput
	}
	if item.Operation == "" {
		item.Operation = OpUpdate
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return SyncQueueItem{}, ErrQueueClosed
	}
	now := q.clock.Now().UTC()
	for _, existing := range q.items {
		if existing.Status != ItemPending {
			continue
		}
		if existing.EntityType == item.EntityType && existing.EntityID == item.EntityID && existing.Operation == item.Operation {
			prior := *existing
			existing.Payload = item.Payload
			existing.Revision++
			if err := q.saveLocked(); err != nil {
				*existing = prior
				return SyncQueueItem{}, err
			}
			return *existing, nil
		}
	}
	if q.pendingCountLocked() >= q.capacity {
		return SyncQueueItem{}, ErrQueueFull
	}
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.Status = ItemPending
	item.Revision = 0
	item.RetryCount = 0
	item.NextAttemptAt = item.CreatedAt
	stored := item
	q.items[stored.ID] = &stored
	if err := q.saveLocked(); err != nil {
		delete(q.items, stored.ID)
		return SyncQueueItem{}, err
	}
	return stored, nil
}

// NextBatchReadyForRetry returns pending items whose retry-eligibility
// timestamp is at or before now, ordered by (Priority, CreatedAt).
func (q *Queue) NextBatchReadyForRetry(now time.Time) []SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	batch := make([]SyncQueueItem, 0, len(q.items))
	for _, item := range q.items {
		if item.Status != ItemPending {
			continue
		}
		if item.NextAttemptAt.After(now) {
			continue
		}
		batch = append(batch, *item)
	}
	sort.Slice(batch, func(i, j int) bool {
		if batch[i].Priority != batch[j].Priority {
			return batch[i].Priority < batch[j].Priority
		}
		return batch[i].CreatedAt.Before(batch[j].CreatedAt)
	})
	return batch
}

// MarkSynced retires the revision of the item that was actually
// transmitted. When a newer payload coalesced in after dispatch the item
// survives with fresh retry state and retired is false; the caller must
// leave the document dirty so the newer revision goes out on the next
// drain. Marking an already-synced (or unknown) item is a no-op.
func (q *Queue) MarkSynced(id string, revision int) (retired bool, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return true, nil
	}
	if item.Revision != revision {
		prior := *item
		item.RetryCount = 0
		item.LastError = ""
		item.NextAttemptAt = q.clock.Now().UTC()
		if err := q.saveLocked(); err != nil {
			*item = prior
			return false, err
		}
		return false, nil
	}
	removed := *item
	delete(q.items, id)
	if err := q.saveLocked(); err != nil {
		q.items[id] = &removed
		return false, err
	}
	return true, nil
}

// MarkFailed records a failed attempt. Retryable failures increment the
// retry count and push NextAttemptAt out by exponential backoff; once the
// count exceeds the policy ceiling the item goes terminal. Non-retryable
// failures go terminal immediately without consuming a retry slot. Returns
// whether the item is now terminal.
func (q *Queue) MarkFailed(id string, reason error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return false, fmt.Errorf("%w: queue item %s", ErrNotFound, id)
	}
	prior := *item
	priorTotal := q.totalFailedAttempts
	q.totalFailedAttempts++
	if reason != nil {
		item.LastError = reason.Error()
	}
	terminal := false
	switch {
	case IsNonRetryable(reason):
		item.Status = ItemFailed
		terminal = true
	default:
		item.RetryCount++
		if item.RetryCount > q.policy.MaxRetries {
			item.Status = ItemFailed
			terminal = true
		} else {
			item.NextAttemptAt = q.clock.Now().UTC().Add(q.policy.delay(item.RetryCount))
		}
	}
	if err := q.saveLocked(); err != nil {
		*item = prior
		q.totalFailedAttempts = priorTotal
		return false, err
	}
	return terminal, nil
}

// Clear removes terminally failed items, or every item when onlyTerminal
// is false.
func (q *Queue) Clear(onlyTerminal bool) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	prior := q.items
	q.items = map[string]*SyncQueueItem{}
	if onlyTerminal {
		for id, item := range prior {
			if item.Status != ItemFailed {
				q.items[id] = item
			}
		}
	}
	if err := q.saveLocked(); err != nil {
		q.items = prior
		return err
	}
	return nil
}

func (q *Queue) Stats() QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := QueueStats{TotalFailedAttempts: q.totalFailedAttempts}
	for _, item := range q.items {
		switch item.Status {
		case ItemPending:
			stats.Pending++
		case ItemFailed:
			stats.Failed++
		}
	}
	return stats
}

// Items returns a copy of every retained item, ordered by (Priority,
// CreatedAt), for inspection surfaces.
func (q *Queue) Items() []SyncQueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]SyncQueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	if q.backend != nil {
		return q.backend.Close()
	}
	return nil
}

func (q *Queue) pendingCountLocked() int {
	n := 0
	for _, item := range q.items {
		if item.Status == ItemPending {
			n++
		}
	}
	return n
}

func (q *Queue) saveLocked() error {
	if q.backend == nil {
		return nil
	}
	snapshot := &queueSnapshot{
		Items:               make([]SyncQueueItem, 0, len(q.items)),
		TotalFailedAttempts: q.totalFailedAttempts,
	}
	for _, item := range q.items {
		snapshot.Items = append(snapshot.Items, *item)
	}
	sort.Slice(snapshot.Items, func(i, j int) bool {
		return snapshot.Items[i].CreatedAt.Before(snapshot.Items[j].CreatedAt)
	})
	return q.backend.Save(snapshot)
}
