package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

type serverSession struct {
	conn   *websocket.Conn
	header http.Header
}

// startWSServer accepts one websocket connection and hands it to the test.
func startWSServer(t *testing.T) (*httptest.Server, string, <-chan serverSession) {
	t.Helper()
	sessions := make(chan serverSession, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		// Accept hijacks the connection, so it outlives the handler.
		sessions <- serverSession{conn: conn, header: r.Header.Clone()}
	}))
	t.Cleanup(srv.Close)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return srv, wsURL, sessions
}

func readEnvelope(t *testing.T, conn *websocket.Conn) Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("server read: %v", err)
	}
	msg, err := Parse(data)
	if err != nil {
		t.Fatalf("server parse: %v", err)
	}
	return msg.Envelope
}

func TestSendRequiresConnected(t *testing.T) {
	tr := New(Options{})
	if err := tr.SendUpdate(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := tr.SendCursor(context.Background(), CursorPayload{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", tr.State())
	}

	// A dial in progress is not connected either.
	tr.mu.Lock()
	tr.state = StateConnecting
	tr.mu.Unlock()
	if err := tr.SendCursor(context.Background(), CursorPayload{}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}
	if err := tr.SendUpdate(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected while connecting, got %v", err)
	}
}

func TestConnectAnnouncesJoinThenSendsTypedFrames(t *testing.T) {
	_, wsURL, sessions := startWSServer(t)
	tr := New(Options{})
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := tr.Connect(ctx, ConnectOptions{
		ServerURL:  wsURL,
		DocumentID: "doc-1",
		UserID:     "user-1",
		AuthToken:  "sekrit",
	})
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if tr.State() != StateConnected {
		t.Fatalf("expected Connected, got %s", tr.State())
	}

	session := <-sessions
	if got := session.header.Get("Authorization"); got != "Bearer sekrit" {
		t.Fatalf("expected bearer auth header, got %q", got)
	}

	join := readEnvelope(t, session.conn)
	if join.Type != TypeUserJoin || join.DocumentID != "doc-1" || join.UserID != "user-1" {
		t.Fatalf("expected UserJoin announcement, got %+v", join)
	}

	if err := tr.SendCursor(ctx, CursorPayload{X: 1, Y: 2}); err != nil {
		t.Fatalf("send cursor: %v", err)
	}
	cursor := readEnvelope(t, session.conn)
	if cursor.Type != TypeCursor {
		t.Fatalf("expected Cursor frame, got %s", cursor.Type)
	}

	if err := tr.SendUpdate(ctx, []byte("delta")); err != nil {
		t.Fatalf("send update: %v", err)
	}
	update := readEnvelope(t, session.conn)
	if update.Type != TypeDocumentUpdate {
		t.Fatalf("expected DocumentUpdate frame, got %s", update.Type)
	}
}

func TestInboundDispatchAndMalformedFramesDropped(t *testing.T) {
	_, wsURL, sessions := startWSServer(t)

	var mu sync.Mutex
	var updates [][]byte
	tr := New(Options{
		Handlers: Handlers{
			OnUpdate: func(documentID string, update []byte) {
				mu.Lock()
				updates = append(updates, update)
				mu.Unlock()
			},
		},
	})
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, ConnectOptions{ServerURL: wsURL, DocumentID: "doc-1", UserID: "user-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	session := <-sessions
	readEnvelope(t, session.conn) // consume the join announcement

	// Garbage first: the session must survive it without surfacing anything.
	if err := session.conn.Write(ctx, websocket.MessageText, []byte(`{"nope`)); err != nil {
		t.Fatalf("server write: %v", err)
	}
	env, err := NewEnvelope(TypeDocumentUpdate, "doc-1", "peer-1", UpdatePayload{Update: []byte("peer delta")}, time.Now())
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	data, _ := env.Encode()
	if err := session.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(updates)
		mu.Unlock()
		if n == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for inbound update dispatch")
		}
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	if string(updates[0]) != "peer delta" {
		t.Fatalf("unexpected dispatched update %q", updates[0])
	}
	mu.Unlock()

	// The generic stream carries the parsed frame too, and only that one.
	select {
	case msg := <-tr.Messages():
		if msg.Envelope.Type != TypeDocumentUpdate || msg.Envelope.UserID != "peer-1" {
			t.Fatalf("unexpected generic stream message %+v", msg.Envelope)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("expected the frame on the generic stream")
	}
	select {
	case msg := <-tr.Messages():
		t.Fatalf("malformed frame leaked to the stream: %+v", msg.Envelope)
	default:
	}

	if tr.State() != StateConnected {
		t.Fatalf("session must survive malformed frames, state %s", tr.State())
	}
}

func TestInboundPingAnsweredWithPong(t *testing.T) {
	_, wsURL, sessions := startWSServer(t)
	tr := New(Options{})
	defer tr.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, ConnectOptions{ServerURL: wsURL, DocumentID: "doc-1", UserID: "user-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	session := <-sessions
	readEnvelope(t, session.conn)

	ping, err := NewEnvelope(TypePing, "doc-1", "server", nil, time.Now())
	if err != nil {
		t.Fatalf("build ping: %v", err)
	}
	data, _ := ping.Encode()
	if err := session.conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("server write: %v", err)
	}
	pong := readEnvelope(t, session.conn)
	if pong.Type != TypePong {
		t.Fatalf("expected Pong, got %s", pong.Type)
	}
}

func TestDisconnectAnnouncesLeave(t *testing.T) {
	_, wsURL, sessions := startWSServer(t)
	tr := New(Options{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, ConnectOptions{ServerURL: wsURL, DocumentID: "doc-1", UserID: "user-1"}); err != nil {
		t.Fatalf("connect: %v", err)
	}
	session := <-sessions
	readEnvelope(t, session.conn)

	tr.Disconnect()
	leave := readEnvelope(t, session.conn)
	if leave.Type != TypeUserLeave || leave.UserID != "user-1" {
		t.Fatalf("expected UserLeave, got %+v", leave)
	}
	if tr.State() != StateDisconnected {
		t.Fatalf("expected Disconnected, got %s", tr.State())
	}
	if err := tr.SendUpdate(context.Background(), []byte("x")); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected after disconnect, got %v", err)
	}
}

func TestDialFailureEntersErrorState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no websockets here", http.StatusNotFound)
	}))
	defer srv.Close()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")

	tr := New(Options{})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tr.Connect(ctx, ConnectOptions{ServerURL: wsURL, DocumentID: "doc-1", UserID: "user-1"}); err == nil {
		t.Fatal("expected dial failure")
	}
	if tr.State() != StateError {
		t.Fatalf("expected Error state, got %s", tr.State())
	}
}
