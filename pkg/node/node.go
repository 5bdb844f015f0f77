// Package node implements the data-holding execution units of the dataflow
// graph: the plain data node state machine, the container (AND-join) node,
// and the application-consumer node. Nodes are push-driven: writers inject
// data, completion publishes a lifecycle event on the session's event
// channel, and registered consumers react to the event.
//
// Storage backend and derived-value algorithm are injected capabilities
// rather than node subtypes; see the storage and checksum packages.
package node

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnwangfeng/dfms/pkg/checksum"
	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/storage"
)

// State is a node's lifecycle state.
type State string

const (
	StateInitialized State = "INITIALIZED"
	StateWriting     State = "WRITING"
	StateCompleted   State = "COMPLETE"
	StateError       State = "ERROR"
	StateExpired     State = "EXPIRED"
)

// Terminal reports whether s is a terminal lifecycle state.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateError || s == StateExpired
}

// Node is the read surface shared by every node flavor, local or proxied.
type Node interface {
	// ObjectID is the logical, pipeline-level identifier; conceptually
	// equivalent instances may share it
	ObjectID() string

	// InstanceID is globally unique for one run
	InstanceID() string

	// State returns the current lifecycle state
	State() State

	// IsContainer reports whether the node is an AND-join container
	IsContainer() bool

	// Checksum returns the running derived value over the node's data
	Checksum() uint32

	// Open acquires a read descriptor over the node's finalized content.
	// Legal only once the node is COMPLETE.
	Open() (string, error)

	// Read returns the remaining content of an open descriptor
	Read(desc string) ([]byte, error)

	// Close releases a read descriptor
	Close(desc string) error
}

// Consumer is a downstream party that can be registered on a producer: it
// is addressable and receives the producer's lifecycle events.
type Consumer interface {
	event.Subscriber
}

// Container extends Node with an ordered collection of child references.
type Container interface {
	Node

	// Children returns the child nodes in registration order
	Children() []Node
}

// Options configures a data node at construction time.
type Options struct {
	// ExpectedSize, when positive, auto-finalizes the node as soon as that
	// many bytes have been written
	ExpectedSize int64

	// Store is the byte-buffer backend; defaults to an in-memory store
	Store storage.Store

	// Accumulator folds writes into the derived value; defaults to CRC32
	Accumulator checksum.Accumulator

	// Logger used for lifecycle logging; defaults to a no-op logger
	Logger *zap.Logger
}

// DataNode is the atomic data-holding unit of the graph. Within one node all
// operations are internally serialized; callers must still honor the
// single-writer contract (two writers interleaving into one node is not
// detected beyond state checks).
type DataNode struct {
	oid string
	uid string

	mu           sync.Mutex
	state        State
	expectedSize int64
	bytesWritten int64
	store        storage.Store
	sum          checksum.Accumulator
	cause        error
	consumers    []string
	descriptors  map[string]io.ReadCloser

	channel *event.Channel
	logger  *zap.Logger
}

// NewDataNode creates a node in the INITIALIZED state. The event channel is
// shared by reference with every node of the session; the node uses it but
// does not own it.
func NewDataNode(oid, uid string, channel *event.Channel, opts Options) *DataNode {
	store := opts.Store
	if store == nil {
		store = storage.NewMemory()
	}
	sum := opts.Accumulator
	if sum == nil {
		sum = checksum.NewCRC32()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DataNode{
		oid:          oid,
		uid:          uid,
		state:        StateInitialized,
		expectedSize: opts.ExpectedSize,
		store:        store,
		sum:          sum,
		descriptors:  make(map[string]io.ReadCloser),
		channel:      channel,
		logger:       logger,
	}
}

// ObjectID returns the logical identifier.
func (n *DataNode) ObjectID() string { return n.oid }

// InstanceID returns the globally unique instance identifier.
func (n *DataNode) InstanceID() string { return n.uid }

// IsContainer reports false for plain data nodes.
func (n *DataNode) IsContainer() bool { return false }

// State returns the current lifecycle state.
func (n *DataNode) State() State {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Checksum returns the running derived value.
func (n *DataNode) Checksum() uint32 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.sum.Sum()
}

// BytesWritten returns the monotonic write counter.
func (n *DataNode) BytesWritten() int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.bytesWritten
}

// Cause returns the error that moved the node into ERROR, if any.
func (n *DataNode) Cause() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.cause
}

// Write appends p to the node's buffer and folds it into the derived value.
// The first write moves the node from INITIALIZED to WRITING. When an
// expected size is configured and reached, the node finalizes itself and
// publishes its COMPLETE event before returning.
func (n *DataNode) Write(ctx context.Context, p []byte) (int, error) {
	n.mu.Lock()
	switch n.state {
	case StateInitialized:
		n.state = StateWriting
	case StateWriting:
	case StateError:
		n.mu.Unlock()
		return 0, fmt.Errorf("write on %s: %w", n.uid, dfmserrors.ErrNodeFailed)
	default:
		state := n.state
		n.mu.Unlock()
		return 0, fmt.Errorf("write on %s in state %s: %w", n.uid, state, dfmserrors.ErrInvalidStateTransition)
	}

	written, err := n.store.Write(p)
	if written > 0 {
		n.bytesWritten += int64(written)
		n.sum.Fold(p[:written])
	}
	if err != nil {
		n.state = StateError
		n.cause = err
		n.mu.Unlock()
		n.publish(ctx, event.KindError)
		return written, fmt.Errorf("write on %s: %w", n.uid, err)
	}

	finalize := n.expectedSize > 0 && n.bytesWritten >= n.expectedSize
	if finalize {
		n.state = StateCompleted
	}
	n.mu.Unlock()

	if finalize {
		n.logger.Debug("node reached expected size, auto-finalizing",
			zap.String("uid", n.uid), zap.Int64("bytes", n.bytesWritten))
		n.publish(ctx, event.KindComplete)
	}
	return written, nil
}

// SetCompleted finalizes the node and publishes its COMPLETE event exactly
// once. Legal from WRITING, or from INITIALIZED for zero-byte nodes.
func (n *DataNode) SetCompleted(ctx context.Context) error {
	n.mu.Lock()
	switch n.state {
	case StateInitialized, StateWriting:
		n.state = StateCompleted
	case StateError:
		n.mu.Unlock()
		return fmt.Errorf("finalize on %s: %w", n.uid, dfmserrors.ErrNodeFailed)
	default:
		state := n.state
		n.mu.Unlock()
		return fmt.Errorf("finalize on %s in state %s: %w", n.uid, state, dfmserrors.ErrInvalidStateTransition)
	}
	n.mu.Unlock()

	n.publish(ctx, event.KindComplete)
	return nil
}

// SetError moves the node into ERROR from any non-terminal state and
// publishes an ERROR event instead of COMPLETE. Calls on a node that is
// already terminal are ignored.
func (n *DataNode) SetError(ctx context.Context, cause error) {
	n.mu.Lock()
	if n.state.Terminal() {
		n.mu.Unlock()
		return
	}
	n.state = StateError
	n.cause = cause
	n.mu.Unlock()

	n.logger.Warn("node failed", zap.String("uid", n.uid), zap.Error(cause))
	n.publish(ctx, event.KindError)
}

// AddConsumer registers a downstream consumer. Notification order is the
// registration order; registering the same consumer twice fails.
func (n *DataNode) AddConsumer(consumer Consumer) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, id := range n.consumers {
		if id == consumer.InstanceID() {
			return fmt.Errorf("consumer %s on %s: %w", consumer.InstanceID(), n.uid, dfmserrors.ErrDuplicateConsumer)
		}
	}
	n.consumers = append(n.consumers, consumer.InstanceID())
	n.channel.Subscribe(n.uid, consumer)
	return nil
}

// Consumers returns the registered consumer instance IDs in order.
func (n *DataNode) Consumers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.consumers))
	copy(out, n.consumers)
	return out
}

// Open acquires a read descriptor over the finalized content.
func (n *DataNode) Open() (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	switch n.state {
	case StateCompleted:
	case StateError:
		return "", fmt.Errorf("open on %s: %w", n.uid, dfmserrors.ErrNodeFailed)
	default:
		return "", fmt.Errorf("open on %s in state %s: %w", n.uid, n.state, dfmserrors.ErrInvalidStateTransition)
	}
	reader, err := n.store.Reader()
	if err != nil {
		return "", fmt.Errorf("open on %s: %w", n.uid, err)
	}
	desc := uuid.NewString()
	n.descriptors[desc] = reader
	return desc, nil
}

// Read returns the remaining content behind an open descriptor.
func (n *DataNode) Read(desc string) ([]byte, error) {
	n.mu.Lock()
	reader, ok := n.descriptors[desc]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read on %s: %w", n.uid, dfmserrors.ErrInvalidDescriptor)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("read on %s: %w", n.uid, err)
	}
	return data, nil
}

// Close releases a read descriptor. Close is safe to call on every exit
// path; a descriptor can be closed once.
func (n *DataNode) Close(desc string) error {
	n.mu.Lock()
	reader, ok := n.descriptors[desc]
	delete(n.descriptors, desc)
	n.mu.Unlock()
	if !ok {
		return fmt.Errorf("close on %s: %w", n.uid, dfmserrors.ErrInvalidDescriptor)
	}
	return reader.Close()
}

// Destroy expires the node: outstanding descriptors are closed, the buffer
// is released, and the node refuses all further operations. It reports
// whether the node was still mid-write.
func (n *DataNode) Destroy() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	wasWriting := n.state == StateWriting
	if n.state != StateExpired {
		n.state = StateExpired
	}
	for desc, reader := range n.descriptors {
		_ = reader.Close()
		delete(n.descriptors, desc)
	}
	_ = n.store.Close()
	return wasWriting
}

func (n *DataNode) publish(ctx context.Context, kind event.Kind) {
	if n.channel == nil {
		return
	}
	n.channel.Publish(ctx, event.New(n.uid, kind))
}
