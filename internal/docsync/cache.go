package docsync

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

const cacheFileSuffix = ".crdt"

// CacheFileName maps a document ID to its on-disk cache file name. The ID
// is hex encoded so the mapping is reversible and filesystem safe.
func CacheFileName(documentID string) string {
	return hex.EncodeToString([]byte(documentID)) + cacheFileSuffix
}

// DocumentIDFromCacheFile inverts CacheFileName.
func DocumentIDFromCacheFile(name string) (string, bool) {
	name = filepath.Base(name)
	if !strings.HasSuffix(name, cacheFileSuffix) {
		return "", false
	}
	raw, err := hex.DecodeString(strings.TrimSuffix(name, cacheFileSuffix))
	if err != nil {
		return "", false
	}
	return string(raw), true
}

// ContentCache is the durable document content cache keyed by document ID.
// Writes are atomic; byte-size accounting backs cache-size reporting.
type ContentCache struct {
	mu    sync.Mutex
	dir   string
	sizes map[string]int64
}

func NewContentCache(dir string) (*ContentCache, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	c := &ContentCache{dir: dir, sizes: map[string]int64{}}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		docID, ok := DocumentIDFromCacheFile(entry.Name())
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		c.sizes[docID] = info.Size()
	}
	return c, nil
}

// Dir returns the cache directory, for watchers.
func (c *ContentCache) Dir() string { return c.dir }

func (c *ContentCache) Put(documentID string, content []byte) error {
	if strings.TrimSpace(documentID) == "" {
		return ErrInvalidInput
	}
	path := filepath.Join(c.dir, CacheFileName(documentID))
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, content, 0o644); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		return err
	}
	c.mu.Lock()
	c.sizes[documentID] = int64(len(content))
	c.mu.Unlock()
	return nil
}

func (c *ContentCache) Get(documentID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(c.dir, CacheFileName(documentID)))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: cached content for %s", ErrNotFound, documentID)
	}
	return data, err
}

func (c *ContentCache) Delete(documentID string) error {
	err := os.Remove(filepath.Join(c.dir, CacheFileName(documentID)))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	c.mu.Lock()
	delete(c.sizes, documentID)
	c.mu.Unlock()
	return nil
}

// Len reports the number of cached documents.
func (c *ContentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sizes)
}

// Size reports the total cached bytes across all documents.
func (c *ContentCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	var total int64
	for _, n := range c.sizes {
		total += n
	}
	return total
}
