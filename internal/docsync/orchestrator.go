package docsync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/draftpad/docsync/internal/connectivity"
)

type Logger interface {
	Printf(format string, args ...any)
}

// UpdateSender transmits an encoded document update to the server, over
// the real-time transport or a request/response channel.
type UpdateSender interface {
	SendUpdate(ctx context.Context, documentID string, update []byte) error
}

type OrchestratorOptions struct {
	Queue        *Queue
	Engine       CRDTEngine
	Sender       UpdateSender
	Connectivity *connectivity.Monitor
	Tracker      *Tracker
	Cache        *ContentCache
	Events       *EventLog
	Clock        Clock
	Logger       Logger

	// QueueInterval is the queue worker tick (default 10s); AutoSyncInterval
	// is the dirty-document sweep tick (default 30s).
	QueueInterval    time.Duration
	AutoSyncInterval time.Duration

	// DisableLoops skips the background loops so callers (tests) drive
	// ProcessQueueOnce and SweepOnce directly.
	DisableLoops bool
}

// Orchestrator is the coordination core: it drains the durable queue on a
// connectivity-gated interval, sweeps dirty documents on the fast path,
// reacts to online/offline transitions, and records a totally ordered
// event stream. It is the sole writer of the queue and the tracker.
type Orchestrator struct {
	queue   *Queue
	tracker *Tracker
	engine  CRDTEngine
	sender  UpdateSender
	monitor *connectivity.Monitor
	cache   *ContentCache
	events  *EventLog
	clock   Clock
	logger  Logger

	queueInterval    time.Duration
	autoSyncInterval time.Duration

	online        atomic.Bool
	workerRunning atomic.Bool
	inflight      mapset.Set[string]

	done      chan struct{}
	unsubConn func()
	wg        sync.WaitGroup
	closeOnce sync.Once
}

func NewOrchestrator(opts OrchestratorOptions) (*Orchestrator, error) {
	if opts.Queue == nil || opts.Engine == nil || opts.Sender == nil {
		return nil, ErrInvalidInput
	}
	clock := opts.Clock
	if clock == nil {
		clock = SystemClock()
	}
	tracker := opts.Tracker
	if tracker == nil {
		tracker = NewTracker(clock)
	}
	events := opts.Events
	if events == nil {
		events = NewEventLog(0, clock)
	}
	queueInterval := opts.QueueInterval
	if queueInterval <= 0 {
		queueInterval = 10 * time.Second
	}
	autoSyncInterval := opts.AutoSyncInterval
	if autoSyncInterval <= 0 {
		autoSyncInterval = 30 * time.Second
	}
	o := &Orchestrator{
		queue:            opts.Queue,
		tracker:          tracker,
		engine:           opts.Engine,
		sender:           opts.Sender,
		monitor:          opts.Connectivity,
		cache:            opts.Cache,
		events:           events,
		clock:            clock,
		logger:           opts.Logger,
		queueInterval:    queueInterval,
		autoSyncInterval: autoSyncInterval,
		inflight:         mapset.NewSet[string](),
		done:             make(chan struct{}),
	}
	if o.monitor != nil {
		o.online.Store(o.monitor.Current().Online)
	}
	if !opts.DisableLoops {
		if o.monitor != nil {
			ch, cancel := o.monitor.Subscribe(8)
			o.unsubConn = cancel
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				o.connectivityLoop(ch)
			}()
		}
		o.wg.Add(2)
		go func() {
			defer o.wg.Done()
			o.queueLoop()
		}()
		go func() {
			defer o.wg.Done()
			o.sweepLoop()
		}()
	}
	return o, nil
}

// NoteDirty is the entry point a local edit funnels through: it marks the
// document dirty and records a durable mutation intent. Repeated calls for
// the same document coalesce in the queue.
func (o *Orchestrator) NoteDirty(documentID string) error {
	o.tracker.MarkDirty(documentID)
	_, err := o.queue.Enqueue(SyncQueueItem{
		EntityType: EntityTypeDocument,
		EntityID:   documentID,
		Operation:  OpUpdate,
	})
	return err
}

// ApplyRemote merges an inbound peer update through the CRDT engine and
// refreshes the content cache.
func (o *Orchestrator) ApplyRemote(documentID string, update []byte) error {
	if err := o.engine.ApplyUpdate(documentID, update); err != nil {
		return err
	}
	if o.cache != nil {
		if err := o.cache.Put(documentID, update); err != nil {
			o.logf("cache write for %s failed: %v", documentID, err)
		}
	}
	return nil
}

// ProcessQueueOnce drains the batch of retry-eligible items sequentially.
// If a drain is already running the call is skipped entirely; one item's
// failure never aborts the rest of the batch.
func (o *Orchestrator) ProcessQueueOnce(ctx context.Context) int {
	if !o.workerRunning.CompareAndSwap(false, true) {
		return 0
	}
	defer o.workerRunning.Store(false)
	batch := o.queue.NextBatchReadyForRetry(o.clock.Now().UTC())
	processed := 0
	// Emitted on every exit, so a cancelled drain still reports its
	// partial count.
	defer func() {
		o.events.Append(SyncEvent{Type: EventQueueProcessed, Processed: processed})
	}()
	for _, item := range batch {
		select {
		case <-ctx.Done():
			return processed
		default:
		}
		o.processItem(ctx, item)
		processed++
	}
	return processed
}

// SweepOnce synchronizes every dirty document directly, bypassing the
// queue. Documents currently owned by the queue path are skipped; a failed
// direct sync falls back to a durable queue intent.
func (o *Orchestrator) SweepOnce(ctx context.Context) int {
	if !o.online.Load() {
		return 0
	}
	synced := 0
	for _, documentID := range o.tracker.AllDirtyIDs() {
		select {
		case <-ctx.Done():
			return synced
		default:
		}
		if o.syncDocumentDirect(ctx, documentID) {
			synced++
		}
	}
	o.events.Append(SyncEvent{Type: EventCompleted, Processed: synced})
	return synced
}

func (o *Orchestrator) processItem(ctx context.Context, item SyncQueueItem) {
	switch item.EntityType {
	case EntityTypeDocument:
		o.syncDocumentItem(ctx, item)
	default:
		reason := NonRetryable(fmt.Errorf("%w: %q", ErrUnknownEntityType, item.EntityType))
		if _, err := o.queue.MarkFailed(item.ID, reason); err != nil {
			o.logf("mark failed %s: %v", item.ID, err)
		}
		o.events.Append(SyncEvent{
			Type:     EventError,
			ItemID:   item.ID,
			Error:    reason.Error(),
			Terminal: true,
		})
	}
}

func (o *Orchestrator) syncDocumentItem(ctx context.Context, item SyncQueueItem) {
	documentID := item.EntityID
	if !o.inflight.Add(documentID) {
		// Another path owns this document; the item stays pending.
		return
	}
	defer o.inflight.Remove(documentID)
	o.tracker.BeginSync(documentID)
	o.events.Append(SyncEvent{Type: EventStarted, DocumentID: documentID, ItemID: item.ID})

	update, err := o.engine.EncodeStateAsUpdate(documentID)
	if err == nil && len(update) > 0 {
		err = o.sender.SendUpdate(ctx, documentID, update)
	}
	retired := true
	if err == nil {
		// An edit that coalesced in while the send was in flight bumped
		// the item revision; the queue then keeps the item pending and
		// the document must stay dirty for the next drain.
		retired, err = o.queue.MarkSynced(item.ID, item.Revision)
	}
	if err != nil {
		terminal, mfErr := o.queue.MarkFailed(item.ID, err)
		if mfErr != nil {
			o.logf("mark failed %s: %v", item.ID, mfErr)
		}
		o.tracker.FinishSync(documentID, err)
		o.events.Append(SyncEvent{
			Type:       EventError,
			DocumentID: documentID,
			ItemID:     item.ID,
			Error:      err.Error(),
			Terminal:   terminal,
		})
		return
	}
	o.ackEngine(documentID)
	o.tracker.FinishSync(documentID, nil)
	if !retired || o.engineDirty(documentID) {
		o.tracker.MarkDirty(documentID)
	}
	if o.cache != nil && len(update) > 0 {
		if cErr := o.cache.Put(documentID, update); cErr != nil {
			o.logf("cache write for %s failed: %v", documentID, cErr)
		}
	}
	o.events.Append(SyncEvent{Type: EventSuccess, DocumentID: documentID, ItemID: item.ID})
}

func (o *Orchestrator) syncDocumentDirect(ctx context.Context, documentID string) bool {
	if !o.inflight.Add(documentID) {
		return false
	}
	defer o.inflight.Remove(documentID)
	o.tracker.BeginSync(documentID)
	o.events.Append(SyncEvent{Type: EventStarted, DocumentID: documentID})

	update, err := o.engine.EncodeStateAsUpdate(documentID)
	if err == nil && len(update) > 0 {
		err = o.sender.SendUpdate(ctx, documentID, update)
	}
	if err != nil {
		o.tracker.FinishSync(documentID, err)
		// Leave a durable intent behind so the queue path retries after a
		// crash or prolonged failure.
		if _, qErr := o.queue.Enqueue(SyncQueueItem{
			EntityType: EntityTypeDocument,
			EntityID:   documentID,
			Operation:  OpUpdate,
		}); qErr != nil {
			o.logf("fallback enqueue for %s failed: %v", documentID, qErr)
		}
		o.events.Append(SyncEvent{Type: EventError, DocumentID: documentID, Error: err.Error()})
		return false
	}
	o.ackEngine(documentID)
	o.tracker.FinishSync(documentID, nil)
	if o.engineDirty(documentID) {
		// An edit landed while the send was in flight; the ack above only
		// covered the encoded blobs, so the remainder needs another pass.
		o.tracker.MarkDirty(documentID)
	}
	if o.cache != nil && len(update) > 0 {
		if cErr := o.cache.Put(documentID, update); cErr != nil {
			o.logf("cache write for %s failed: %v", documentID, cErr)
		}
	}
	o.events.Append(SyncEvent{Type: EventSuccess, DocumentID: documentID})
	return true
}

// engineAck is implemented by engines that buffer local updates and need
// confirmation once a transmission lands, so they stop re-sending them.
type engineAck interface {
	MarkSynced(documentID string)
}

func (o *Orchestrator) ackEngine(documentID string) {
	if ack, ok := o.engine.(engineAck); ok {
		ack.MarkSynced(documentID)
	}
}

func (o *Orchestrator) engineDirty(documentID string) bool {
	dirty, err := o.engine.IsDirty(documentID)
	return err == nil && dirty
}

func (o *Orchestrator) queueLoop() {
	ticker := o.clock.NewTicker(o.queueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.Chan():
			if o.online.Load() {
				o.ProcessQueueOnce(context.Background())
			}
		}
	}
}

func (o *Orchestrator) sweepLoop() {
	ticker := o.clock.NewTicker(o.autoSyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.Chan():
			o.SweepOnce(context.Background())
		}
	}
}

func (o *Orchestrator) connectivityLoop(ch <-chan connectivity.State) {
	for {
		select {
		case <-o.done:
			return
		case st, ok := <-ch:
			if !ok {
				return
			}
			was := o.online.Swap(st.Online)
			switch {
			case !was && st.Online:
				o.events.Append(SyncEvent{Type: EventOnline})
				// One immediate drain outside the normal schedule; the
				// gated tickers resume on their own.
				o.ProcessQueueOnce(context.Background())
			case was && !st.Online:
				o.events.Append(SyncEvent{Type: EventOffline})
			}
		}
	}
}

// Online reports whether the engine currently considers itself connected.
func (o *Orchestrator) Online() bool { return o.online.Load() }

func (o *Orchestrator) QueueStats() QueueStats { return o.queue.Stats() }

func (o *Orchestrator) QueueItems() []SyncQueueItem { return o.queue.Items() }

func (o *Orchestrator) DirtyDocuments() []string { return o.tracker.AllDirtyIDs() }

func (o *Orchestrator) Events() *EventLog { return o.events }

func (o *Orchestrator) Tracker() *Tracker { return o.tracker }

// ClearQueue removes terminally failed items, or everything when
// onlyTerminal is false.
func (o *Orchestrator) ClearQueue(onlyTerminal bool) error {
	return o.queue.Clear(onlyTerminal)
}

// Close cancels the loops and subscriptions. In-flight queue items remain
// in their last durable state.
func (o *Orchestrator) Close() {
	o.closeOnce.Do(func() {
		close(o.done)
		if o.unsubConn != nil {
			o.unsubConn()
		}
		o.wg.Wait()
	})
}

func (o *Orchestrator) logf(format string, args ...any) {
	if o.logger == nil {
		return
	}
	o.logger.Printf(format, args...)
}
