package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"
)

// MemoryStore holds node data in an in-process byte buffer.
type MemoryStore struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

// NewMemory creates an empty in-memory store.
func NewMemory() *MemoryStore {
	return &MemoryStore{}
}

// Write appends p to the buffer.
func (s *MemoryStore) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("memory store is closed")
	}
	return s.buf.Write(p)
}

// Size returns the number of bytes written so far.
func (s *MemoryStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.buf.Len())
}

// Reader returns an independent reader over a snapshot of the buffer.
func (s *MemoryStore) Reader() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("memory store is closed")
	}
	// Snapshot so later writes do not show through an open reader
	snapshot := make([]byte, s.buf.Len())
	copy(snapshot, s.buf.Bytes())
	return io.NopCloser(bytes.NewReader(snapshot)), nil
}

// Close releases the buffer.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf.Reset()
	return nil
}
