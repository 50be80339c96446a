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

	_ "github.com/lib/pq"
)

const (
	postgresQueueTableName       = "docsync_queue"
	postgresQueueKey             = "default"
	postgresQueueOperationWindow = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresQueueBackend persists queue snapshots in Postgres for
// deployments where several engine instances share server-side storage.
type PostgresQueueBackend struct {
	dsn      string
	queueKey string
	openDB   sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresQueueBackend(dsn string) (*PostgresQueueBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresQueueBackend{
		dsn:      dsn,
		queueKey: postgresQueueKey,
		openDB:   sql.Open,
	}, nil
}

func (b *PostgresQueueBackend) Load() (*queueSnapshot, error) {
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOperationWindow)
	defer cancel()

	query := fmt.Sprintf("SELECT snapshot FROM %s WHERE queue_key = $1", postgresQueueTableName)
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

func (b *PostgresQueueBackend) Save(snapshot *queueSnapshot) error {
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
	ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOperationWindow)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (queue_key, snapshot, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (queue_key)
		DO UPDATE SET snapshot = EXCLUDED.snapshot, updated_at = NOW()`, postgresQueueTableName)
	_, err = b.db.ExecContext(ctx, query, b.queueKey, string(payload))
	return err
}

func (b *PostgresQueueBackend) Close() error {
	if b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *PostgresQueueBackend) ensureReady() error {
	b.initOnce.Do(func() {
		db, err := b.openDB("postgres", b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresQueueOperationWindow)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				queue_key TEXT PRIMARY KEY,
				snapshot TEXT NOT NULL,
				updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQueueTableName)
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			b.initErr = err
			return
		}
		b.db = db
	})
	return b.initErr
}
