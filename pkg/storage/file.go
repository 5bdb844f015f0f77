package storage

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// FileStore backs node data with a temporary file on local disk.
// The file lives for the duration of the session and is removed on Close.
type FileStore struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	size   int64
	closed bool
}

// NewFile creates a file-backed store in dir. An empty dir uses the OS temp
// directory.
func NewFile(dir string) (*FileStore, error) {
	f, err := os.CreateTemp(dir, "dfms-node-*.dat")
	if err != nil {
		return nil, fmt.Errorf("failed to create backing file: %w", err)
	}
	return &FileStore{f: f, path: f.Name()}, nil
}

// Path returns the location of the backing file.
func (s *FileStore) Path() string {
	return s.path
}

// Write appends p to the backing file.
func (s *FileStore) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, fmt.Errorf("file store is closed")
	}
	n, err := s.f.Write(p)
	s.size += int64(n)
	if err != nil {
		return n, fmt.Errorf("failed to write to backing file: %w", err)
	}
	return n, nil
}

// Size returns the number of bytes written so far.
func (s *FileStore) Size() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Reader opens an independent read stream over the backing file.
func (s *FileStore) Reader() (io.ReadCloser, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("file store is closed")
	}
	if err := s.f.Sync(); err != nil {
		return nil, fmt.Errorf("failed to sync backing file: %w", err)
	}
	r, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to open backing file: %w", err)
	}
	return r, nil
}

// Close closes and removes the backing file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	closeErr := s.f.Close()
	if err := os.Remove(s.path); err != nil && closeErr == nil {
		closeErr = err
	}
	return closeErr
}
