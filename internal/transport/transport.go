package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

type SessionState string

const (
	StateDisconnected SessionState = "disconnected"
	StateConnecting   SessionState = "connecting"
	StateConnected    SessionState = "connected"
	StateError        SessionState = "error"
)

// ErrNotConnected is returned by every send method outside the Connected
// state.
var ErrNotConnected = errors.New("transport: not connected")

type Logger interface {
	Printf(format string, args ...any)
}

// Handlers are per-type callbacks for inbound messages. All are optional;
// every parsed message additionally flows through the generic stream.
type Handlers struct {
	OnUpdate    func(documentID string, update []byte)
	OnSync      func(documentID string, payload SyncPayload)
	OnAwareness func(userID string, presence map[string]any)
	OnCursor    func(userID string, payload CursorPayload)
	OnUserJoin  func(userID string)
	OnUserLeave func(userID string)
}

type Options struct {
	Handlers Handlers
	Logger   Logger

	// PingInterval is the keepalive cadence (default 30s).
	PingInterval time.Duration

	// MessageBuffer bounds the generic inbound stream (default 64). The
	// stream drops when full rather than stalling the read loop.
	MessageBuffer int
}

type ConnectOptions struct {
	ServerURL  string
	DocumentID string
	UserID     string
	AuthToken  string
}

// Transport holds at most one live document session. Connecting again
// tears the previous session down first. It never reconnects on its own.
type Transport struct {
	handlers     Handlers
	logger       Logger
	pingInterval time.Duration
	msgs         chan Message

	mu         sync.Mutex
	state      SessionState
	conn       *websocket.Conn
	documentID string
	userID     string
	cancel     context.CancelFunc
	wg         *sync.WaitGroup
}

func New(opts Options) *Transport {
	pingInterval := opts.PingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	buffer := opts.MessageBuffer
	if buffer <= 0 {
		buffer = 64
	}
	return &Transport{
		handlers:     opts.Handlers,
		logger:       opts.Logger,
		pingInterval: pingInterval,
		msgs:         make(chan Message, buffer),
		state:        StateDisconnected,
	}
}

func (t *Transport) State() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transport) DocumentID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.documentID
}

func (t *Transport) UserID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.userID
}

// Messages is the generic inbound stream. Every successfully parsed frame
// appears here whether or not a typed handler consumed it.
func (t *Transport) Messages() <-chan Message { return t.msgs }

// Connect opens a session for one document and user. Any prior session is
// torn down first. On success the session announces UserJoin
// asynchronously; a dial failure leaves the session in the Error state.
func (t *Transport) Connect(ctx context.Context, opts ConnectOptions) error {
	if opts.ServerURL == "" || opts.DocumentID == "" || opts.UserID == "" {
		return errors.New("transport: server url, document id, and user id are required")
	}
	t.Disconnect()

	t.mu.Lock()
	t.state = StateConnecting
	t.documentID = opts.DocumentID
	t.userID = opts.UserID
	t.mu.Unlock()

	header := http.Header{}
	if opts.AuthToken != "" {
		header.Set("Authorization", "Bearer "+opts.AuthToken)
	}
	conn, _, err := websocket.Dial(ctx, opts.ServerURL, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		t.mu.Lock()
		t.state = StateError
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", opts.ServerURL, err)
	}

	sessionCtx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	t.mu.Lock()
	t.conn = conn
	t.state = StateConnected
	t.cancel = cancel
	t.wg = wg
	t.mu.Unlock()

	wg.Add(2)
	go func() {
		defer wg.Done()
		t.readLoop(sessionCtx, conn)
	}()
	go func() {
		defer wg.Done()
		t.pingLoop(sessionCtx)
	}()
	go func() {
		if err := t.send(sessionCtx, TypeUserJoin, nil); err != nil {
			t.logf("join announcement failed: %v", err)
		}
	}()
	return nil
}

// Disconnect announces UserLeave best-effort and closes the session. It is
// a no-op when no session is live.
func (t *Transport) Disconnect() {
	t.mu.Lock()
	conn := t.conn
	cancel := t.cancel
	wg := t.wg
	t.conn = nil
	t.cancel = nil
	t.wg = nil
	t.state = StateDisconnected
	t.mu.Unlock()
	if conn == nil {
		return
	}
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 2*time.Second)
	if env, err := NewEnvelope(TypeUserLeave, t.DocumentID(), t.UserID(), nil, time.Now()); err == nil {
		if data, err := env.Encode(); err == nil {
			_ = conn.Write(leaveCtx, websocket.MessageText, data)
		}
	}
	leaveCancel()
	_ = conn.Close(websocket.StatusNormalClosure, "session closed")
	if cancel != nil {
		cancel()
	}
	if wg != nil {
		wg.Wait()
	}
}

func (t *Transport) SendUpdate(ctx context.Context, update []byte) error {
	return t.send(ctx, TypeDocumentUpdate, UpdatePayload{Update: update})
}

func (t *Transport) SendSync(ctx context.Context, update, stateVector []byte) error {
	return t.send(ctx, TypeSync, SyncPayload{Update: update, StateVector: stateVector})
}

func (t *Transport) SendAwareness(ctx context.Context, presence map[string]any) error {
	if presence == nil {
		presence = map[string]any{}
	}
	return t.send(ctx, TypeAwareness, presence)
}

func (t *Transport) SendCursor(ctx context.Context, cursor CursorPayload) error {
	return t.send(ctx, TypeCursor, cursor)
}

func (t *Transport) send(ctx context.Context, typ Type, payload any) error {
	t.mu.Lock()
	conn := t.conn
	state := t.state
	documentID := t.documentID
	userID := t.userID
	t.mu.Unlock()
	if state != StateConnected || conn == nil {
		return ErrNotConnected
	}
	env, err := NewEnvelope(typ, documentID, userID, payload, time.Now())
	if err != nil {
		return err
	}
	data, err := env.Encode()
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.mu.Lock()
			if t.conn == conn {
				t.conn = nil
				t.state = StateDisconnected
			}
			t.mu.Unlock()
			return
		}
		msg, err := Parse(data)
		if err != nil {
			// Malformed peer frames are dropped, never surfaced.
			t.logf("dropping inbound frame: %v", err)
			continue
		}
		t.dispatch(ctx, msg)
		select {
		case t.msgs <- msg:
		default:
		}
	}
}

func (t *Transport) dispatch(ctx context.Context, msg Message) {
	env := msg.Envelope
	switch env.Type {
	case TypeDocumentUpdate:
		if t.handlers.OnUpdate != nil && msg.Update != nil {
			t.handlers.OnUpdate(env.DocumentID, msg.Update.Update)
		}
	case TypeSync:
		if t.handlers.OnSync != nil && msg.Sync != nil {
			t.handlers.OnSync(env.DocumentID, *msg.Sync)
		}
	case TypeAwareness:
		if t.handlers.OnAwareness != nil {
			t.handlers.OnAwareness(env.UserID, msg.Awareness)
		}
	case TypeCursor:
		if t.handlers.OnCursor != nil && msg.Cursor != nil {
			t.handlers.OnCursor(env.UserID, *msg.Cursor)
		}
	case TypeUserJoin:
		if t.handlers.OnUserJoin != nil {
			t.handlers.OnUserJoin(env.UserID)
		}
	case TypeUserLeave:
		if t.handlers.OnUserLeave != nil {
			t.handlers.OnUserLeave(env.UserID)
		}
	case TypePing:
		if err := t.send(ctx, TypePong, nil); err != nil && !errors.Is(err, ErrNotConnected) {
			t.logf("pong failed: %v", err)
		}
	}
}

func (t *Transport) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(t.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := t.send(ctx, TypePing, nil); err != nil {
				if errors.Is(err, ErrNotConnected) {
					return
				}
				t.logf("keepalive failed: %v", err)
			}
		}
	}
}

func (t *Transport) logf(format string, args ...any) {
	if t.logger == nil {
		return
	}
	t.logger.Printf(format, args...)
}
