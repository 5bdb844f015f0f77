// Package storage provides the byte-buffer backends a node writes its data
// into. A node owns exactly one Store for the lifetime of its session; the
// engine composes a store with application logic instead of baking the
// storage medium into the node type.
package storage

import "io"

// Store is the byte-buffer contract backing a single node.
// Writes are append-only and serialized by the owning node; Reader exposes
// the full content written so far as an independent read stream.
type Store interface {
	// Write appends p to the buffer and returns the number of bytes accepted
	Write(p []byte) (int, error)

	// Size returns the total number of bytes written so far
	Size() int64

	// Reader returns a fresh reader over the full buffer content.
	// Each call returns an independent stream positioned at the start.
	Reader() (io.ReadCloser, error)

	// Close releases the buffer and any backing resources.
	// The store must not be used after Close.
	Close() error
}

// Kind selects a storage backend in a node descriptor.
type Kind string

const (
	// KindMemory backs the node with an in-process byte buffer
	KindMemory Kind = "memory"

	// KindFile backs the node with a temporary file on local disk
	KindFile Kind = "file"
)

// New creates a store of the given kind. dir is only used by file-backed
// stores; an empty dir falls back to the OS temp directory.
func New(kind Kind, dir string) (Store, error) {
	switch kind {
	case KindFile:
		return NewFile(dir)
	default:
		return NewMemory(), nil
	}
}
