package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/graph"
	"github.com/cnwangfeng/dfms/pkg/node"
)

// call issues one request/reply round trip and decodes the envelope.
func call(ctx context.Context, t Transport, subject string, req, out interface{}) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", subject, err)
	}
	raw, err := t.Request(ctx, subject, payload)
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("failed to decode reply from %s: %w", subject, err)
	}
	if env.Error != "" {
		return errFromEnvelope(env)
	}
	if out != nil && env.Body != nil {
		if err := json.Unmarshal(env.Body, out); err != nil {
			return fmt.Errorf("failed to decode body from %s: %w", subject, err)
		}
	}
	return nil
}

// ManagerClient is the client stub for a remote manager's surface. It
// implements the same interface the in-process manager does, so the
// coordinator drives local and remote managers uniformly.
type ManagerClient struct {
	id        string
	prefix    string
	transport Transport
}

// NewManagerClient creates a stub for the manager with the given ID,
// resolving its subject prefix through discovery.
func NewManagerClient(id string, transport Transport, discovery Discovery) (*ManagerClient, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if discovery == nil {
		return nil, fmt.Errorf("discovery cannot be nil")
	}
	prefix, err := discovery.Resolve(id)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve manager %s: %w", id, err)
	}
	return &ManagerClient{id: id, prefix: prefix, transport: transport}, nil
}

// ID returns the remote manager's identifier.
func (c *ManagerClient) ID() string { return c.id }

func (c *ManagerClient) subject(op string) string { return c.prefix + "." + op }

// Reserve asks the remote manager to set aside capacity for a session.
func (c *ManagerClient) Reserve(ctx context.Context, sessionID string, count int) error {
	return call(ctx, c.transport, c.subject(opReserve), reserveRequest{SessionID: sessionID, Count: count}, nil)
}

// Release drops an outstanding reservation.
func (c *ManagerClient) Release(ctx context.Context, sessionID string) error {
	return call(ctx, c.transport, c.subject(opRelease), releaseRequest{SessionID: sessionID}, nil)
}

// Register creates a node on the remote manager.
func (c *ManagerClient) Register(ctx context.Context, sessionID string, spec graph.NodeSpec) (string, error) {
	var resp registerResponse
	if err := call(ctx, c.transport, c.subject(opRegister), registerRequest{SessionID: sessionID, Spec: spec}, &resp); err != nil {
		return "", err
	}
	return resp.UID, nil
}

// Connect wires two nodes hosted by the remote manager.
func (c *ManagerClient) Connect(ctx context.Context, producerUID, consumerUID string) error {
	return call(ctx, c.transport, c.subject(opConnect), connectRequest{ProducerUID: producerUID, ConsumerUID: consumerUID}, nil)
}

// Forward subscribes a consumer on another manager to a producer hosted by
// the remote manager.
func (c *ManagerClient) Forward(ctx context.Context, producerUID, consumerUID, consumerHost string) error {
	return call(ctx, c.transport, c.subject(opForward), forwardRequest{
		ProducerUID: producerUID, ConsumerUID: consumerUID, ConsumerHost: consumerHost,
	}, nil)
}

// BindProducer gives a consumer on the remote manager read access to a
// producer hosted elsewhere.
func (c *ManagerClient) BindProducer(ctx context.Context, consumerUID, producerUID, producerHost string) error {
	return call(ctx, c.transport, c.subject(opBind), bindRequest{
		ConsumerUID: consumerUID, ProducerUID: producerUID, ProducerHost: producerHost,
	}, nil)
}

// AddChild registers a child under a container hosted by the remote
// manager.
func (c *ManagerClient) AddChild(ctx context.Context, containerUID, childUID, childHost string) error {
	return call(ctx, c.transport, c.subject(opChild), childRequest{
		ContainerUID: containerUID, ChildUID: childUID, ChildHost: childHost,
	}, nil)
}

// Write injects data into a node hosted by the remote manager.
func (c *ManagerClient) Write(ctx context.Context, uid string, p []byte) (int, error) {
	var resp writeResponse
	if err := call(ctx, c.transport, c.subject(opWrite), writeRequest{UID: uid, Data: p}, &resp); err != nil {
		return 0, err
	}
	return resp.Written, nil
}

// Finalize completes a node hosted by the remote manager.
func (c *ManagerClient) Finalize(ctx context.Context, uid string) error {
	return call(ctx, c.transport, c.subject(opFinalize), uidRequest{UID: uid}, nil)
}

// Fail moves a node hosted by the remote manager into the ERROR state.
func (c *ManagerClient) Fail(ctx context.Context, uid string, cause string) error {
	return call(ctx, c.transport, c.subject(opFail), failRequest{UID: uid, Cause: cause}, nil)
}

// Lookup fetches a snapshot of a remote node's observable state.
func (c *ManagerClient) Lookup(ctx context.Context, uid string) (NodeInfo, error) {
	var resp NodeInfo
	err := call(ctx, c.transport, c.subject(opLookup), uidRequest{UID: uid}, &resp)
	return resp, err
}

// ShutdownSession tears down a session on the remote manager.
func (c *ManagerClient) ShutdownSession(ctx context.Context, sessionID string) (int, error) {
	var resp shutdownResponse
	if err := call(ctx, c.transport, c.subject(opShutdown), shutdownRequest{SessionID: sessionID}, &resp); err != nil {
		return 0, err
	}
	return resp.Status, nil
}

// Forwarder delivers lifecycle events to a consumer hosted by another
// manager. It sits in a producer's subscription list like any local
// consumer; the channel's bounded retry applies to the remote hop.
type Forwarder struct {
	consumerUID string
	subject     string
	transport   Transport
}

// InstanceID implements event.Subscriber.
func (f *Forwarder) InstanceID() string { return f.consumerUID }

// Notify implements event.Subscriber.
func (f *Forwarder) Notify(ctx context.Context, ev event.Event) error {
	return call(ctx, f.transport, f.subject, notifyRequest{ConsumerUID: f.consumerUID, Event: ev}, nil)
}

// NodeProxy is a non-owning read reference to a node hosted by another
// manager. State and checksum reads go to the hosting manager; the
// open/read/close protocol fetches the finalized content once per open
// descriptor.
type NodeProxy struct {
	uid         string
	oid         string
	isContainer bool
	prefix      string
	transport   Transport
	logger      *zap.Logger

	mu          sync.Mutex
	descriptors map[string][]byte
}

// NewNodeProxy resolves a proxy for uid on the manager served at prefix,
// fetching the node's identity eagerly.
func NewNodeProxy(uid, prefix string, transport Transport, logger *zap.Logger) (*NodeProxy, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &NodeProxy{
		uid:         uid,
		prefix:      prefix,
		transport:   transport,
		logger:      logger,
		descriptors: make(map[string][]byte),
	}
	var resp NodeInfo
	if err := call(context.Background(), transport, prefix+"."+opLookup, uidRequest{UID: uid}, &resp); err != nil {
		return nil, fmt.Errorf("failed to resolve node %s: %w", uid, err)
	}
	p.oid = resp.OID
	p.isContainer = resp.IsContainer
	return p, nil
}

// ObjectID returns the logical identifier.
func (p *NodeProxy) ObjectID() string { return p.oid }

// InstanceID returns the instance identifier.
func (p *NodeProxy) InstanceID() string { return p.uid }

// IsContainer reports whether the remote node is a container.
func (p *NodeProxy) IsContainer() bool { return p.isContainer }

// State fetches the remote node's current lifecycle state.
func (p *NodeProxy) State() node.State {
	resp, err := p.lookup()
	if err != nil {
		p.logger.Warn("remote state lookup failed", zap.String("uid", p.uid), zap.Error(err))
		return node.StateError
	}
	return resp.State
}

// Checksum fetches the remote node's derived value.
func (p *NodeProxy) Checksum() uint32 {
	resp, err := p.lookup()
	if err != nil {
		p.logger.Warn("remote checksum lookup failed", zap.String("uid", p.uid), zap.Error(err))
		return 0
	}
	return resp.Checksum
}

func (p *NodeProxy) lookup() (NodeInfo, error) {
	var resp NodeInfo
	err := call(context.Background(), p.transport, p.prefix+"."+opLookup, uidRequest{UID: p.uid}, &resp)
	return resp, err
}

// Open fetches the remote node's finalized content and hands out a
// descriptor over the local copy.
func (p *NodeProxy) Open() (string, error) {
	var resp contentsResponse
	if err := call(context.Background(), p.transport, p.prefix+"."+opContents, uidRequest{UID: p.uid}, &resp); err != nil {
		return "", err
	}
	desc := uuid.NewString()
	p.mu.Lock()
	p.descriptors[desc] = resp.Data
	p.mu.Unlock()
	return desc, nil
}

// Read returns the content behind an open descriptor.
func (p *NodeProxy) Read(desc string) ([]byte, error) {
	p.mu.Lock()
	data, ok := p.descriptors[desc]
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("read on proxy %s: %w", p.uid, dfmserrors.ErrInvalidDescriptor)
	}
	return data, nil
}

// Close releases a descriptor.
func (p *NodeProxy) Close(desc string) error {
	p.mu.Lock()
	_, ok := p.descriptors[desc]
	delete(p.descriptors, desc)
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("close on proxy %s: %w", p.uid, dfmserrors.ErrInvalidDescriptor)
	}
	return nil
}

// Remotes resolves cross-manager references for a local manager. It
// implements the manager package's Remotes interface.
type Remotes struct {
	transport Transport
	discovery Discovery
	logger    *zap.Logger
}

// NewRemotes creates a remote reference resolver.
func NewRemotes(transport Transport, discovery Discovery, logger *zap.Logger) (*Remotes, error) {
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	if discovery == nil {
		return nil, fmt.Errorf("discovery cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Remotes{transport: transport, discovery: discovery, logger: logger}, nil
}

// Subscriber returns an event forwarder delivering to consumerUID on host.
func (r *Remotes) Subscriber(host, consumerUID string) (event.Subscriber, error) {
	prefix, err := r.discovery.Resolve(host)
	if err != nil {
		return nil, err
	}
	return &Forwarder{
		consumerUID: consumerUID,
		subject:     prefix + "." + opNotify,
		transport:   r.transport,
	}, nil
}

// Proxy returns a read proxy for uid hosted on host.
func (r *Remotes) Proxy(host, uid string) (node.Node, error) {
	prefix, err := r.discovery.Resolve(host)
	if err != nil {
		return nil, err
	}
	return NewNodeProxy(uid, prefix, r.transport, r.logger)
}
