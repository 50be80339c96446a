package docsync

import (
	"errors"
	"testing"
)

func TestCacheFileNameRoundTrip(t *testing.T) {
	name := CacheFileName("doc/with:odd chars")
	id, ok := DocumentIDFromCacheFile(name)
	if !ok || id != "doc/with:odd chars" {
		t.Fatalf("round trip failed: %q %v", id, ok)
	}
	if _, ok := DocumentIDFromCacheFile("not-a-cache-file.txt"); ok {
		t.Fatal("expected foreign file names to be rejected")
	}
	if _, ok := DocumentIDFromCacheFile("zzzz.crdt"); ok {
		t.Fatal("expected undecodable names to be rejected")
	}
}

func TestContentCachePutGetDelete(t *testing.T) {
	cache, err := NewContentCache(t.TempDir())
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := cache.Put("doc-1", []byte("hello")); err != nil {
		t.Fatalf("put: %v", err)
	}
	got, err := cache.Get("doc-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got) != "hello" {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := cache.Get("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := cache.Delete("doc-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := cache.Get("doc-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestContentCacheTracksSizeAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewContentCache(dir)
	if err != nil {
		t.Fatalf("open cache: %v", err)
	}
	if err := cache.Put("doc-1", []byte("12345")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := cache.Put("doc-2", []byte("123")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if cache.Len() != 2 || cache.Size() != 8 {
		t.Fatalf("unexpected accounting len=%d size=%d", cache.Len(), cache.Size())
	}
	// Overwrite replaces the old size rather than adding to it.
	if err := cache.Put("doc-1", []byte("1")); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
	if cache.Size() != 4 {
		t.Fatalf("expected size 4 after overwrite, got %d", cache.Size())
	}

	reopened, err := NewContentCache(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if reopened.Len() != 2 || reopened.Size() != 4 {
		t.Fatalf("expected accounting rebuilt from disk, len=%d size=%d", reopened.Len(), reopened.Size())
	}
}
