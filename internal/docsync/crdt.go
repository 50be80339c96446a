package docsync

import (
	"bytes"
	"sync"
)

// CRDTEngine is the external merge library the orchestrator drives. Update
// and state-vector blobs are opaque byte sequences; the engine only decides
// when and in what order to call these operations, never how bytes merge.
type CRDTEngine interface {
	// CurrentStateVector returns the compact summary of updates this
	// replica has already seen for the document.
	CurrentStateVector(documentID string) ([]byte, error)
	// EncodeStateAsUpdate returns the pending local update blob, or nil
	// when there is nothing to sync.
	EncodeStateAsUpdate(documentID string) ([]byte, error)
	// ApplyUpdate merges a remote update blob into the document.
	ApplyUpdate(documentID string, update []byte) error
	// IsDirty reports whether local unsynced mutations exist.
	IsDirty(documentID string) (bool, error)
}

// UpdateBuffer is a CRDTEngine adapter for editors that hand the engine
// pre-encoded update blobs. It buffers local updates per document until a
// successful sync drains them, and keeps a running state vector as the
// concatenation boundary marker. It performs no merging of its own.
type UpdateBuffer struct {
	mu      sync.Mutex
	pending map[string][][]byte
	encoded map[string]int
	applied map[string]int
}

func NewUpdateBuffer() *UpdateBuffer {
	return &UpdateBuffer{
		pending: map[string][][]byte{},
		encoded: map[string]int{},
		applied: map[string]int{},
	}
}

// RecordLocalUpdate buffers an opaque local edit blob for the document.
func (b *UpdateBuffer) RecordLocalUpdate(documentID string, update []byte) {
	if len(update) == 0 {
		return
	}
	b.mu.Lock()
	b.pending[documentID] = append(b.pending[documentID], append([]byte(nil), update...))
	b.mu.Unlock()
}

// MarkSynced drops the blobs covered by the last EncodeStateAsUpdate call
// once that transmission is confirmed. Blobs recorded after the encode are
// not covered and stay pending.
func (b *UpdateBuffer) MarkSynced(documentID string) {
	b.mu.Lock()
	n := b.encoded[documentID]
	delete(b.encoded, documentID)
	blobs := b.pending[documentID]
	if n >= len(blobs) {
		delete(b.pending, documentID)
	} else {
		b.pending[documentID] = blobs[n:]
	}
	b.mu.Unlock()
}

func (b *UpdateBuffer) CurrentStateVector(documentID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.applied[documentID]
	return []byte{byte(n >> 24), byte(n >> 16), byte(n >> 8), byte(n)}, nil
}

func (b *UpdateBuffer) EncodeStateAsUpdate(documentID string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	blobs := b.pending[documentID]
	b.encoded[documentID] = len(blobs)
	if len(blobs) == 0 {
		return nil, nil
	}
	var buf bytes.Buffer
	for _, blob := range blobs {
		buf.Write(blob)
	}
	return buf.Bytes(), nil
}

func (b *UpdateBuffer) ApplyUpdate(documentID string, update []byte) error {
	if len(update) == 0 {
		return nil
	}
	b.mu.Lock()
	b.applied[documentID]++
	b.mu.Unlock()
	return nil
}

func (b *UpdateBuffer) IsDirty(documentID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending[documentID]) > 0, nil
}
