package node

import (
	"context"
	"hash/crc32"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
)

func testChannel() *event.Channel {
	return event.NewChannel(event.ChannelConfig{MaxRetries: 3, RetryWait: time.Millisecond}, zap.NewNop())
}

// sink records the lifecycle events a producer publishes.
type sink struct {
	id string

	mu       sync.Mutex
	received []event.Event
}

func (s *sink) InstanceID() string { return s.id }

func (s *sink) Notify(ctx context.Context, ev event.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.received = append(s.received, ev)
	return nil
}

func (s *sink) events() []event.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]event.Event, len(s.received))
	copy(out, s.received)
	return out
}

func TestDataNode_Lifecycle(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	assert.Equal(t, StateInitialized, n.State())
	assert.False(t, n.IsContainer())

	_, err := n.Write(ctx, []byte("some data"))
	require.NoError(t, err)
	assert.Equal(t, StateWriting, n.State())
	assert.Equal(t, int64(9), n.BytesWritten())

	require.NoError(t, n.SetCompleted(ctx))
	assert.Equal(t, StateCompleted, n.State())
	assert.True(t, n.State().Terminal())
}

func TestDataNode_WriteAfterCompleteRejected(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	_, err := n.Write(ctx, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, n.SetCompleted(ctx))

	_, err = n.Write(ctx, []byte("too late"))
	require.Error(t, err)
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidStateTransition)
	assert.Equal(t, int64(4), n.BytesWritten())
}

func TestDataNode_FinalizeTwiceRejected(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	require.NoError(t, n.SetCompleted(ctx))

	err := n.SetCompleted(ctx)
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidStateTransition)
}

func TestDataNode_ExpectedSizeAutoCompletes(t *testing.T) {
	ctx := context.Background()
	ch := testChannel()
	n := NewDataNode("A", "uid-a", ch, Options{ExpectedSize: 5})
	consumer := &sink{id: "c"}
	require.NoError(t, n.AddConsumer(consumer))

	_, err := n.Write(ctx, []byte("123"))
	require.NoError(t, err)
	assert.Equal(t, StateWriting, n.State())
	assert.Empty(t, consumer.events())

	_, err = n.Write(ctx, []byte("45"))
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, n.State())

	events := consumer.events()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindComplete, events[0].Kind)
	assert.Equal(t, "uid-a", events[0].SourceID)
}

func TestDataNode_CompletePublishesExactlyOnce(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	consumer := &sink{id: "c"}
	require.NoError(t, n.AddConsumer(consumer))

	_, err := n.Write(ctx, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, n.SetCompleted(ctx))
	assert.Error(t, n.SetCompleted(ctx))

	assert.Len(t, consumer.events(), 1)
}

func TestDataNode_ChecksumMatchesContent(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	_, err := n.Write(ctx, []byte("chunk one "))
	require.NoError(t, err)
	_, err = n.Write(ctx, []byte("chunk two"))
	require.NoError(t, err)

	assert.Equal(t, crc32.ChecksumIEEE([]byte("chunk one chunk two")), n.Checksum())
}

func TestDataNode_ZeroByteCompletion(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	require.NoError(t, n.SetCompleted(ctx))

	data, err := AllContents(n)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestDataNode_Descriptors(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	_, err := n.Write(ctx, []byte("readable"))
	require.NoError(t, err)

	// not readable before completion
	_, err = n.Open()
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidStateTransition)

	require.NoError(t, n.SetCompleted(ctx))

	desc, err := n.Open()
	require.NoError(t, err)
	data, err := n.Read(desc)
	require.NoError(t, err)
	assert.Equal(t, "readable", string(data))

	// a drained descriptor reads empty, not an error
	data, err = n.Read(desc)
	require.NoError(t, err)
	assert.Empty(t, data)

	require.NoError(t, n.Close(desc))
	_, err = n.Read(desc)
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidDescriptor)
	assert.ErrorIs(t, n.Close(desc), dfmserrors.ErrInvalidDescriptor)
}

func TestDataNode_IndependentDescriptors(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	_, err := n.Write(ctx, []byte("shared"))
	require.NoError(t, err)
	require.NoError(t, n.SetCompleted(ctx))

	d1, err := n.Open()
	require.NoError(t, err)
	d2, err := n.Open()
	require.NoError(t, err)
	require.NotEqual(t, d1, d2)

	data1, err := n.Read(d1)
	require.NoError(t, err)
	data2, err := n.Read(d2)
	require.NoError(t, err)
	assert.Equal(t, data1, data2)

	require.NoError(t, n.Close(d1))
	require.NoError(t, n.Close(d2))
}

func TestDataNode_SetErrorPublishesErrorEvent(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	consumer := &sink{id: "c"}
	require.NoError(t, n.AddConsumer(consumer))

	_, err := n.Write(ctx, []byte("partial"))
	require.NoError(t, err)
	n.SetError(ctx, assert.AnError)

	assert.Equal(t, StateError, n.State())
	assert.ErrorIs(t, n.Cause(), assert.AnError)

	events := consumer.events()
	require.Len(t, events, 1)
	assert.Equal(t, event.KindError, events[0].Kind)

	// operations on a failed node surface the failure
	_, err = n.Write(ctx, []byte("more"))
	assert.ErrorIs(t, err, dfmserrors.ErrNodeFailed)
	_, err = n.Open()
	assert.ErrorIs(t, err, dfmserrors.ErrNodeFailed)

	// SetError on a terminal node is a no-op
	n.SetError(ctx, assert.AnError)
	assert.Len(t, consumer.events(), 1)
}

func TestDataNode_DuplicateConsumerRejected(t *testing.T) {
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	consumer := &sink{id: "c"}
	require.NoError(t, n.AddConsumer(consumer))

	err := n.AddConsumer(consumer)
	assert.ErrorIs(t, err, dfmserrors.ErrDuplicateConsumer)
	assert.Equal(t, []string{"c"}, n.Consumers())
}

func TestDataNode_DestroyReportsMidWrite(t *testing.T) {
	ctx := context.Background()

	idle := NewDataNode("A", "uid-a", testChannel(), Options{})
	assert.False(t, idle.Destroy())
	assert.Equal(t, StateExpired, idle.State())

	writing := NewDataNode("B", "uid-b", testChannel(), Options{})
	_, err := writing.Write(ctx, []byte("unfinished"))
	require.NoError(t, err)
	assert.True(t, writing.Destroy())

	done := NewDataNode("C", "uid-c", testChannel(), Options{})
	require.NoError(t, done.SetCompleted(ctx))
	assert.False(t, done.Destroy())
}

func TestDataNode_DestroyClosesDescriptors(t *testing.T) {
	ctx := context.Background()
	n := NewDataNode("A", "uid-a", testChannel(), Options{})
	_, err := n.Write(ctx, []byte("data"))
	require.NoError(t, err)
	require.NoError(t, n.SetCompleted(ctx))

	desc, err := n.Open()
	require.NoError(t, err)
	n.Destroy()

	_, err = n.Read(desc)
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidDescriptor)
	_, err = n.Open()
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidStateTransition)
}
