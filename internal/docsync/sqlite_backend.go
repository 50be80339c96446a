package docsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	sqliteQueueTableName       = "docsync_queue"
	sqliteQueueKey             = "default"
	sqliteQueueOperationWindow = 5 * time.Second
)

// SQLiteQueueBackend persists queue snapshots in a local SQLite database,
// the natural durable store for a client-side engine.
type SQLiteQueueBackend struct {
	path     string
	queueKey string

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewSQLiteQueueBackend(path string) (*SQLiteQueueBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &SQLiteQueueBackend{path: path, queueKey: sqliteQueueKey}, nil
}

func (b *SQLiteQueueBackend) Load() (*queueSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE queue_key = ?", sqliteQueueTableName)
	var payload string
	err := b.db.QueryRowContext(ctx, query, b.queueKey).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal([]byte(payload), &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *SQLiteQueueBackend) Save(snapshot *queueSnapshot) error {
	if snapshot == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, snapshot, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT (queue_key)
		DO UPDATE SET snapshot = excluded.snapshot, updated_at = CURRENT_TIMESTAMP`, sqliteQueueTableName)
	_, err = b.db.ExecContext(ctx, query, b.queueKey, string(payload))
	return err
}

func (b *SQLiteQueueBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *SQLiteQueueBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := sql.Open("sqlite3", b.path)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), sqliteQueueOperationWindow)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
			)`, sqliteQueueTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
