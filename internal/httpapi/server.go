// Package httpapi exposes a small local observability surface over the
// sync engine: status, the event feed, the queue contents, and a manual
// sync trigger.
package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/segmentio/ksuid"

	"github.com/draftpad/docsync/internal/connectivity"
	"github.com/draftpad/docsync/internal/docsync"
)

type ServerConfig struct {
	// AuthToken, when set, is required as "Authorization: Bearer <token>"
	// on every route except /health.
	AuthToken string

	MaxBodyBytes int64
}

type Server struct {
	orch    *docsync.Orchestrator
	monitor *connectivity.Monitor
	cfg     ServerConfig
}

func NewServer(orch *docsync.Orchestrator, monitor *connectivity.Monitor) *Server {
	return NewServerWithConfig(orch, monitor, ServerConfig{})
}

func NewServerWithConfig(orch *docsync.Orchestrator, monitor *connectivity.Monitor, cfg ServerConfig) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	return &Server{orch: orch, monitor: monitor, cfg: cfg}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	correlationID := getCorrelationID(r)
	if s.cfg.AuthToken != "" {
		if r.Header.Get("Authorization") != "Bearer "+s.cfg.AuthToken {
			writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid bearer token", correlationID)
			return
		}
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

	switch {
	case r.URL.Path == "/v1/sync/status" && r.Method == http.MethodGet:
		s.handleStatus(w, r)
	case r.URL.Path == "/v1/sync/events" && r.Method == http.MethodGet:
		s.handleEvents(w, r, correlationID)
	case r.URL.Path == "/v1/sync/queue" && r.Method == http.MethodGet:
		s.handleQueue(w, r)
	case r.URL.Path == "/v1/sync/queue/clear" && r.Method == http.MethodPost:
		s.handleQueueClear(w, r, correlationID)
	case r.URL.Path == "/v1/sync/trigger" && r.Method == http.MethodPost:
		s.handleTrigger(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	link := connectivity.LinkNone
	if s.monitor != nil {
		link = s.monitor.Current().Link
	}
	stats := s.orch.QueueStats()
	writeJSON(w, http.StatusOK, struct {
		Online         bool                  `json:"online"`
		Link           connectivity.LinkType `json:"link"`
		DirtyDocuments []string              `json:"dirtyDocuments"`
		Queue          docsync.QueueStats    `json:"queue"`
		LastEventSeq   int64                 `json:"lastEventSeq"`
	}{
		Online:         s.orch.Online(),
		Link:           link,
		DirtyDocuments: s.orch.DirtyDocuments(),
		Queue:          stats,
		LastEventSeq:   s.orch.Events().LastSeq(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request, correlationID string) {
	q := r.URL.Query()
	after := int64(0)
	if raw := q.Get("after"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || v < 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "after must be a non-negative integer", correlationID)
			return
		}
		after = v
	}
	limit := 100
	if raw := q.Get("limit"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_argument", "limit must be a positive integer", correlationID)
			return
		}
		limit = v
	}
	events := s.orch.Events().Since(after, limit)
	writeJSON(w, http.StatusOK, struct {
		Events  []docsync.SyncEvent `json:"events"`
		LastSeq int64               `json:"lastSeq"`
	}{Events: events, LastSeq: s.orch.Events().LastSeq()})
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, struct {
		Items []docsync.SyncQueueItem `json:"items"`
		Stats docsync.QueueStats      `json:"stats"`
	}{Items: s.orch.QueueItems(), Stats: s.orch.QueueStats()})
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request, correlationID string) {
	onlyTerminal := true
	if raw := r.URL.Query().Get("all"); raw == "true" {
		onlyTerminal = false
	}
	if err := s.orch.ClearQueue(onlyTerminal); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", err.Error(), correlationID)
		return
	}
	writeJSON(w, http.StatusOK, s.orch.QueueStats())
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	drained := s.orch.ProcessQueueOnce(r.Context())
	swept := s.orch.SweepOnce(r.Context())
	writeJSON(w, http.StatusAccepted, struct {
		Drained   int   `json:"drained"`
		Swept     int   `json:"swept"`
		ElapsedMS int64 `json:"elapsedMs"`
		Online    bool  `json:"online"`
	}{
		Drained:   drained,
		Swept:     swept,
		ElapsedMS: time.Since(start).Milliseconds(),
		Online:    s.orch.Online(),
	})
}

func getCorrelationID(r *http.Request) string {
	if id := r.Header.Get("X-Correlation-Id"); id != "" {
		return id
	}
	return ksuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}
