package docsync

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// JSONFileQueueBackend persists queue snapshots to a single JSON file with
// an atomic tmp+rename write.
type JSONFileQueueBackend struct {
	path string
}

func NewJSONFileQueueBackend(path string) (*JSONFileQueueBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	return &JSONFileQueueBackend{path: path}, nil
}

func (b *JSONFileQueueBackend) Load() (*queueSnapshot, error) {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot queueSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileQueueBackend) Save(snapshot *queueSnapshot) error {
	if snapshot == nil {
		return nil
	}
	data, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	dir := filepath.Dir(b.path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, b.path)
}

func (b *JSONFileQueueBackend) Close() error { return nil }
