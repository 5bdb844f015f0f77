package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
)

// ContainerNode groups an ordered collection of child nodes and derives its
// own completion from theirs: it becomes COMPLETE exactly once, after every
// child has completed, in whatever order the completions arrive. A single
// child ERROR fails the container immediately without waiting for the rest.
//
// The container holds non-owning references to its children; it owns no
// byte buffer of its own.
type ContainerNode struct {
	oid string
	uid string

	mu        sync.Mutex
	state     State
	children  []Node
	childDone map[string]bool
	pending   int
	cause     error
	consumers []string

	channel *event.Channel
	logger  *zap.Logger
}

// NewContainerNode creates an empty container in the INITIALIZED state.
func NewContainerNode(oid, uid string, channel *event.Channel, logger *zap.Logger) *ContainerNode {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ContainerNode{
		oid:       oid,
		uid:       uid,
		state:     StateInitialized,
		childDone: make(map[string]bool),
		channel:   channel,
		logger:    logger,
	}
}

// ObjectID returns the logical identifier.
func (c *ContainerNode) ObjectID() string { return c.oid }

// InstanceID returns the globally unique instance identifier.
func (c *ContainerNode) InstanceID() string { return c.uid }

// IsContainer reports true.
func (c *ContainerNode) IsContainer() bool { return true }

// State returns the current lifecycle state.
func (c *ContainerNode) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Checksum returns zero: containers hold no data of their own.
func (c *ContainerNode) Checksum() uint32 { return 0 }

// Cause returns the error that failed the container, if any.
func (c *ContainerNode) Cause() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cause
}

// Children returns the child nodes in registration order.
func (c *ContainerNode) Children() []Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Node, len(c.children))
	copy(out, c.children)
	return out
}

// AddChild registers a child and subscribes the container to its lifecycle
// events. A child can be registered at most once, and only while the
// container has not yet transitioned.
func (c *ContainerNode) AddChild(child Node) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateInitialized {
		return fmt.Errorf("add child to %s in state %s: %w", c.uid, c.state, dfmserrors.ErrInvalidStateTransition)
	}
	for _, existing := range c.children {
		if existing.InstanceID() == child.InstanceID() {
			return fmt.Errorf("child %s on %s: %w", child.InstanceID(), c.uid, dfmserrors.ErrDuplicateConsumer)
		}
	}
	c.children = append(c.children, child)
	c.pending++
	c.channel.Subscribe(child.InstanceID(), c)
	return nil
}

// AddConsumer registers a downstream consumer of the container itself.
func (c *ContainerNode) AddConsumer(consumer Consumer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range c.consumers {
		if id == consumer.InstanceID() {
			return fmt.Errorf("consumer %s on %s: %w", consumer.InstanceID(), c.uid, dfmserrors.ErrDuplicateConsumer)
		}
	}
	c.consumers = append(c.consumers, consumer.InstanceID())
	c.channel.Subscribe(c.uid, consumer)
	return nil
}

// Notify receives a child lifecycle event. On each first-seen child
// completion the outstanding counter is decremented under the container's
// lock; the zero crossing transitions the container exactly once. Duplicate
// deliveries of the same child event are ignored.
func (c *ContainerNode) Notify(ctx context.Context, ev event.Event) error {
	switch ev.Kind {
	case event.KindError:
		c.failFast(ctx, ev.SourceID)
		return nil
	case event.KindComplete:
	default:
		return nil
	}

	c.mu.Lock()
	if c.state != StateInitialized || c.childDone[ev.SourceID] || !c.isChild(ev.SourceID) {
		c.mu.Unlock()
		return nil
	}
	c.childDone[ev.SourceID] = true
	c.pending--
	complete := c.pending == 0
	if complete {
		c.state = StateCompleted
	}
	c.mu.Unlock()

	if complete {
		c.logger.Debug("container barrier reached", zap.String("uid", c.uid))
		c.channel.Publish(ctx, event.New(c.uid, event.KindComplete))
	}
	return nil
}

// failFast moves the container to ERROR on the first child failure. Already
// complete children keep their data; only the container's own propagation
// switches to the error path.
func (c *ContainerNode) failFast(ctx context.Context, childID string) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.cause = fmt.Errorf("child %s of %s failed: %w", childID, c.uid, dfmserrors.ErrNodeFailed)
	c.mu.Unlock()

	c.logger.Warn("container failed fast on child error",
		zap.String("uid", c.uid), zap.String("child", childID))
	c.channel.Publish(ctx, event.New(c.uid, event.KindError))
}

// SetError fails the container explicitly (session abort path).
func (c *ContainerNode) SetError(ctx context.Context, cause error) {
	c.mu.Lock()
	if c.state.Terminal() {
		c.mu.Unlock()
		return
	}
	c.state = StateError
	c.cause = cause
	c.mu.Unlock()
	c.channel.Publish(ctx, event.New(c.uid, event.KindError))
}

// Open always fails: a container holds no readable data.
func (c *ContainerNode) Open() (string, error) {
	return "", fmt.Errorf("open on container %s: %w", c.uid, dfmserrors.ErrInvalidStateTransition)
}

// Read always fails: a container holds no readable data.
func (c *ContainerNode) Read(string) ([]byte, error) {
	return nil, fmt.Errorf("read on container %s: %w", c.uid, dfmserrors.ErrInvalidDescriptor)
}

// Close always fails: a container holds no readable data.
func (c *ContainerNode) Close(string) error {
	return fmt.Errorf("close on container %s: %w", c.uid, dfmserrors.ErrInvalidDescriptor)
}

// Destroy expires the container. Children are owned by their managers and
// are not destroyed here.
func (c *ContainerNode) Destroy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = StateExpired
	return false
}

func (c *ContainerNode) isChild(uid string) bool {
	for _, child := range c.children {
		if child.InstanceID() == uid {
			return true
		}
	}
	return false
}
