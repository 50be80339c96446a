package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/draftpad/docsync/internal/connectivity"
	"github.com/draftpad/docsync/internal/docsync"
	"github.com/draftpad/docsync/internal/httpapi"
	"github.com/draftpad/docsync/internal/transport"
	"github.com/draftpad/docsync/internal/watcher"
)

func main() {
	_ = godotenv.Load()

	once := flag.Bool("once", false, "drain the queue once and exit")
	flag.Parse()

	addr := os.Getenv("DOCSYNC_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	cacheDir := os.Getenv("DOCSYNC_CACHE_DIR")
	if cacheDir == "" {
		cacheDir = "docsync-cache"
	}

	cache, err := docsync.NewContentCache(cacheDir)
	if err != nil {
		log.Fatalf("failed to open content cache: %v", err)
	}

	backend, err := buildQueueBackendFromEnv()
	if err != nil {
		log.Fatalf("failed to initialize queue backend: %v", err)
	}
	queue, err := docsync.NewQueue(docsync.QueueOptions{
		Backend: backend,
		Policy: docsync.RetryPolicy{
			BaseDelay:  durationEnv("DOCSYNC_RETRY_BASE_DELAY", 0),
			MaxDelay:   durationEnv("DOCSYNC_RETRY_MAX_DELAY", 0),
			MaxRetries: intEnv("DOCSYNC_MAX_RETRIES", 0),
		},
		Capacity: intEnv("DOCSYNC_QUEUE_CAPACITY", 0),
	})
	if err != nil {
		log.Fatalf("failed to open sync queue: %v", err)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			log.Printf("queue close failed: %v", err)
		}
	}()

	monitor := connectivity.NewSystemMonitor(log.Default())
	defer monitor.Close()

	engine := docsync.NewUpdateBuffer()

	serverURL := strings.TrimSpace(os.Getenv("DOCSYNC_SERVER_URL"))
	documentID := strings.TrimSpace(os.Getenv("DOCSYNC_DOCUMENT_ID"))
	userID := strings.TrimSpace(os.Getenv("DOCSYNC_USER_ID"))
	authToken := os.Getenv("DOCSYNC_AUTH_TOKEN")

	var orch *docsync.Orchestrator
	session := transport.New(transport.Options{
		Logger:       log.Default(),
		PingInterval: durationEnv("DOCSYNC_PING_INTERVAL", 0),
		Handlers: transport.Handlers{
			OnUpdate: func(docID string, update []byte) {
				if orch == nil {
					return
				}
				if err := orch.ApplyRemote(docID, update); err != nil {
					log.Printf("apply remote update for %s failed: %v", docID, err)
				}
			},
			OnUserJoin:  func(uid string) { log.Printf("peer joined: %s", uid) },
			OnUserLeave: func(uid string) { log.Printf("peer left: %s", uid) },
		},
	})
	defer session.Disconnect()

	var sender docsync.UpdateSender
	if serverURL != "" {
		sender = &sessionSender{session: session}
	} else {
		log.Printf("DOCSYNC_SERVER_URL not set, updates are acknowledged locally")
		sender = localSender{}
	}

	orch, err = docsync.NewOrchestrator(docsync.OrchestratorOptions{
		Queue:            queue,
		Engine:           engine,
		Sender:           sender,
		Connectivity:     monitor,
		Cache:            cache,
		Logger:           log.Default(),
		QueueInterval:    durationEnv("DOCSYNC_QUEUE_INTERVAL", 0),
		AutoSyncInterval: durationEnv("DOCSYNC_AUTOSYNC_INTERVAL", 0),
		DisableLoops:     *once,
	})
	if err != nil {
		log.Fatalf("failed to build orchestrator: %v", err)
	}
	defer orch.Close()

	if *once {
		processed := orch.ProcessQueueOnce(context.Background())
		stats := orch.QueueStats()
		log.Printf("drained %d item(s), %d pending, %d failed", processed, stats.Pending, stats.Failed)
		return
	}

	if serverURL != "" {
		connectWhenOnline(monitor, session, transport.ConnectOptions{
			ServerURL:  serverURL,
			DocumentID: documentID,
			UserID:     userID,
			AuthToken:  authToken,
		})
	}

	w, err := watcher.New(cache.Dir(), func(docID string) {
		if err := orch.NoteDirty(docID); err != nil {
			log.Printf("enqueue for %s failed: %v", docID, err)
		}
	}, log.Default())
	if err != nil {
		log.Fatalf("failed to watch cache dir: %v", err)
	}
	defer w.Close()

	api := httpapi.NewServerWithConfig(orch, monitor, httpapi.ServerConfig{
		AuthToken:    os.Getenv("DOCSYNC_API_TOKEN"),
		MaxBodyBytes: int64Env("DOCSYNC_MAX_BODY_BYTES", 0),
	})
	srv := &http.Server{Addr: addr, Handler: api}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("docsync listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server shutdown failed: %v", err)
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server failed: %v", err)
		}
	}
}

// sessionSender routes orchestrator transmissions through the live
// document session.
type sessionSender struct {
	session *transport.Transport
}

func (s *sessionSender) SendUpdate(ctx context.Context, documentID string, update []byte) error {
	return s.session.SendUpdate(ctx, update)
}

// localSender acknowledges sends without a server, for standalone and dev
// runs where durability alone matters.
type localSender struct{}

func (localSender) SendUpdate(ctx context.Context, documentID string, update []byte) error {
	return nil
}

// connectWhenOnline dials the session on startup if the link is already
// up, then redials on every offline-to-online transition. The transport
// itself never reconnects.
func connectWhenOnline(monitor *connectivity.Monitor, session *transport.Transport, opts transport.ConnectOptions) {
	dial := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := session.Connect(ctx, opts); err != nil {
			log.Printf("connect to %s failed: %v", opts.ServerURL, err)
		}
	}
	if monitor.Current().Online {
		dial()
	}
	ch, _ := monitor.Subscribe(8)
	go func() {
		for st := range ch {
			if st.Online && session.State() != transport.StateConnected {
				dial()
			}
		}
	}()
}

func buildQueueBackendFromEnv() (docsync.QueueBackend, error) {
	dsn := strings.TrimSpace(os.Getenv("DOCSYNC_QUEUE_DSN"))
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DOCSYNC_QUEUE_FILE"))
	}
	return docsync.BuildQueueBackendFromDSN(dsn)
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
