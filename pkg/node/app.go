package node

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
)

// Output is the write surface application logic gets over its own node.
type Output interface {
	Write(ctx context.Context, p []byte) (int, error)
}

// Logic is one unit of application behavior embedded in an AppNode. Run is
// invoked with read access to the producer's finalized content and write
// access to the consuming node's own buffer. Run is called at most once per
// producer completion; a non-nil error fails the consuming node.
type Logic interface {
	Run(ctx context.Context, producer Node, out Output) error
}

// LogicFunc adapts a plain function to the Logic interface.
type LogicFunc func(ctx context.Context, producer Node, out Output) error

// Run implements Logic.
func (f LogicFunc) Run(ctx context.Context, producer Node, out Output) error {
	return f(ctx, producer, out)
}

// AppNode is a consumer node: a data node whose completion is driven by
// consuming another node's output through embedded application logic rather
// than by direct external writes.
type AppNode struct {
	*DataNode

	logic Logic

	appMu     sync.Mutex
	producers map[string]Node
	fired     map[string]bool
}

// NewAppNode creates a consumer node wrapping the given logic.
func NewAppNode(oid, uid string, channel *event.Channel, logic Logic, opts Options) *AppNode {
	return &AppNode{
		DataNode:  NewDataNode(oid, uid, channel, opts),
		logic:     logic,
		producers: make(map[string]Node),
		fired:     make(map[string]bool),
	}
}

// ProducerNode is a node that accepts downstream consumer registrations.
type ProducerNode interface {
	Node
	AddConsumer(Consumer) error
}

// Connect wires a producer to a consumer: the consumer subscribes to the
// producer's lifecycle events and remembers the producer reference for read
// access when the trigger fires.
func Connect(producer ProducerNode, consumer *AppNode) error {
	if err := producer.AddConsumer(consumer); err != nil {
		return err
	}
	consumer.BindProducer(producer)
	return nil
}

// BindProducer registers a producer reference for read access when its
// completion event arrives. Wiring helpers and managers call this when the
// producer lives on another manager and events arrive through a forwarder.
func (a *AppNode) BindProducer(producer Node) {
	a.appMu.Lock()
	defer a.appMu.Unlock()
	a.producers[producer.InstanceID()] = producer
}

// Producers returns the instance IDs of the producers this node consumes.
func (a *AppNode) Producers() []string {
	a.appMu.Lock()
	defer a.appMu.Unlock()
	ids := make([]string, 0, len(a.producers))
	for id := range a.producers {
		ids = append(ids, id)
	}
	return ids
}

// Notify receives a producer lifecycle event. A COMPLETE event triggers the
// embedded logic exactly once for that producer, even under concurrent
// duplicate delivery; an ERROR event converts this node to ERROR without
// running the logic, so failure propagates downstream through the same
// channel as success.
func (a *AppNode) Notify(ctx context.Context, ev event.Event) error {
	a.appMu.Lock()
	producer, known := a.producers[ev.SourceID]
	if !known {
		a.appMu.Unlock()
		return fmt.Errorf("event from unknown producer %s: %w", ev.SourceID, dfmserrors.ErrUnknownNode)
	}
	if a.fired[ev.SourceID] {
		a.appMu.Unlock()
		return nil
	}
	a.fired[ev.SourceID] = true
	a.appMu.Unlock()

	if ev.Kind == event.KindError {
		a.SetError(ctx, fmt.Errorf("producer %s failed: %w", ev.SourceID, dfmserrors.ErrNodeFailed))
		return nil
	}

	a.logger.Debug("consumer triggered",
		zap.String("uid", a.uid), zap.String("producer", ev.SourceID))

	if err := a.logic.Run(ctx, producer, a); err != nil {
		a.SetError(ctx, fmt.Errorf("application logic on %s: %w", a.uid, err))
		return nil
	}
	if !a.State().Terminal() {
		if err := a.SetCompleted(ctx); err != nil {
			return err
		}
	}
	return nil
}

// AllContents reads a node's complete finalized content through the
// open/read/close descriptor protocol, releasing the descriptor on every
// exit path.
func AllContents(n Node) ([]byte, error) {
	desc, err := n.Open()
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = n.Close(desc)
	}()
	return n.Read(desc)
}
