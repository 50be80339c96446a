package docsync

import (
	"sync"
	"time"

	"github.com/segmentio/ksuid"
)

type EventType string

const (
	EventStarted        EventType = "sync.started"
	EventSuccess        EventType = "sync.success"
	EventError          EventType = "sync.error"
	EventCompleted      EventType = "sync.completed"
	EventOnline         EventType = "connectivity.online"
	EventOffline        EventType = "connectivity.offline"
	EventQueueProcessed EventType = "queue.processed"
)

// SyncEvent is one entry in the totally ordered engine event stream. Seq is
// assigned by the log and strictly increases; consumers reconstruct sync
// outcomes from the stream alone.
type SyncEvent struct {
	Seq           int64     `json:"seq"`
	Type          EventType `json:"type"`
	DocumentID    string    `json:"documentId,omitempty"`
	ItemID        string    `json:"itemId,omitempty"`
	Error         string    `json:"error,omitempty"`
	Terminal      bool      `json:"terminal,omitempty"`
	Processed     int       `json:"processed,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// EventLog is a bounded, replayable event log with fan-out subscriptions.
// Appends never block: a subscriber that falls behind loses events from its
// channel, never from the log itself.
type EventLog struct {
	mu        sync.Mutex
	seq       int64
	maxStored int
	events    []SyncEvent
	nextSub   int
	subs      map[int]chan SyncEvent
	clock     Clock
}

func NewEventLog(maxStored int, clock Clock) *EventLog {
	if maxStored <= 0 {
		maxStored = 4096
	}
	if clock == nil {
		clock = SystemClock()
	}
	return &EventLog{
		maxStored: maxStored,
		subs:      map[int]chan SyncEvent{},
		clock:     clock,
	}
}

// Append stamps ev with the next sequence number and timestamp, stores it,
// and fans it out to subscribers.
func (l *EventLog) Append(ev SyncEvent) SyncEvent {
	l.mu.Lock()
	l.seq++
	ev.Seq = l.seq
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.clock.Now().UTC()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = ksuid.New().String()
	}
	l.events = append(l.events, ev)
	if len(l.events) > l.maxStored {
		l.events = append([]SyncEvent(nil), l.events[len(l.events)-l.maxStored:]...)
	}
	for _, ch := range l.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	l.mu.Unlock()
	return ev
}

// Since returns retained events with Seq > after, oldest first, at most
// limit entries (limit <= 0 means no limit).
func (l *EventLog) Since(after int64, limit int) []SyncEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]SyncEvent, 0, len(l.events))
	for _, ev := range l.events {
		if ev.Seq <= after {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// Subscribe registers a buffered listener. The returned cancel func must be
// called to release the subscription.
func (l *EventLog) Subscribe(buffer int) (<-chan SyncEvent, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan SyncEvent, buffer)
	l.mu.Lock()
	id := l.nextSub
	l.nextSub++
	l.subs[id] = ch
	l.mu.Unlock()
	cancel := func() {
		l.mu.Lock()
		if _, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(ch)
		}
		l.mu.Unlock()
	}
	return ch, cancel
}

// LastSeq returns the sequence number of the newest event.
func (l *EventLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}
