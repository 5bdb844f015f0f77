// Package manager implements the per-process node registry: it owns the
// live nodes of one or more sessions, instantiates them from graph
// descriptors, wires local and cross-manager subscriptions, and handles
// session teardown. All operations are safe for concurrent use; operations
// on one node are serialized by the node itself.
package manager

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/cnwangfeng/dfms/pkg/apps"
	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/graph"
	"github.com/cnwangfeng/dfms/pkg/node"
	"github.com/cnwangfeng/dfms/pkg/storage"
)

// Remotes resolves references to nodes hosted by other managers. It is
// implemented by the remote transport layer; a manager without remotes can
// only serve single-process graphs.
type Remotes interface {
	// Subscriber returns an event forwarder delivering to consumerUID on the
	// given manager
	Subscriber(host, consumerUID string) (event.Subscriber, error)

	// Proxy returns a read proxy for a node hosted by the given manager
	Proxy(host, uid string) (node.Node, error)
}

// Config configures a manager.
type Config struct {
	// ID identifies the manager across the deployment
	ID string

	// Capacity bounds the number of live plus reserved nodes. Zero means
	// the default of 1024.
	Capacity int

	// StorageDir is where file-backed stores place their data; empty uses
	// the OS temp directory
	StorageDir string

	// Channel tunes event delivery for the sessions this manager hosts
	Channel event.ChannelConfig
}

// DefaultConfig returns a manager configuration with sensible defaults.
func DefaultConfig(id string) Config {
	return Config{
		ID:       id,
		Capacity: 1024,
		Channel:  event.DefaultChannelConfig(),
	}
}

type managed interface {
	node.Node
	Destroy() bool
}

type entry struct {
	n       managed
	session string
}

// Manager owns the nodes of one or more sessions on this process.
type Manager struct {
	config   Config
	registry *apps.Registry
	remotes  Remotes
	logger   *zap.Logger

	mu       sync.RWMutex
	nodes    map[string]entry
	sessions map[string][]string
	channels map[string]*event.Channel
	reserved map[string]int
}

// New creates a manager. The registry supplies application logic for app
// nodes; remotes may be nil for single-process deployments.
func New(config Config, registry *apps.Registry, remotes Remotes, logger *zap.Logger) (*Manager, error) {
	if config.ID == "" {
		return nil, fmt.Errorf("manager id cannot be empty")
	}
	if registry == nil {
		return nil, fmt.Errorf("logic registry cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.Capacity <= 0 {
		config.Capacity = DefaultConfig(config.ID).Capacity
	}
	return &Manager{
		config:   config,
		registry: registry,
		remotes:  remotes,
		logger:   logger.With(zap.String("manager", config.ID)),
		nodes:    make(map[string]entry),
		sessions: make(map[string][]string),
		channels: make(map[string]*event.Channel),
		reserved: make(map[string]int),
	}, nil
}

// ID returns the manager identifier.
func (m *Manager) ID() string { return m.config.ID }

// Reserve sets aside capacity for count nodes of a session ahead of their
// registration. It fails with ResourceUnavailable when the manager cannot
// host that many additional nodes.
func (m *Manager) Reserve(ctx context.Context, sessionID string, count int) error {
	if count <= 0 {
		return fmt.Errorf("reservation count must be positive")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inUse := len(m.nodes)
	for _, r := range m.reserved {
		inUse += r
	}
	if inUse+count > m.config.Capacity {
		return fmt.Errorf("manager %s cannot host %d more nodes: %w",
			m.config.ID, count, dfmserrors.ErrResourceUnavailable)
	}
	m.reserved[sessionID] += count
	m.logger.Info("reserved session capacity",
		zap.String("session", sessionID), zap.Int("count", count))
	return nil
}

// Release drops an outstanding reservation, e.g. after an aborted
// submission.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reserved, sessionID)
	m.logger.Info("released session reservation", zap.String("session", sessionID))
	return nil
}

// Register instantiates a node from its descriptor under the given session
// and returns the new instance ID. Registered nodes consume the session's
// reservation first, then free capacity.
func (m *Manager) Register(ctx context.Context, sessionID string, spec graph.NodeSpec) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reserved[sessionID] <= 0 && len(m.nodes) >= m.config.Capacity {
		return "", fmt.Errorf("manager %s is full: %w", m.config.ID, dfmserrors.ErrResourceUnavailable)
	}

	channel, ok := m.channels[sessionID]
	if !ok {
		channel = event.NewChannel(m.config.Channel, m.logger)
		m.channels[sessionID] = channel
	}

	uid := uuid.NewString()
	var built managed
	switch spec.Kind {
	case graph.KindContainer:
		built = node.NewContainerNode(spec.OID, uid, channel, m.logger)
	case graph.KindApp:
		logic, err := m.registry.Create(spec.App, spec.AppConfig)
		if err != nil {
			return "", fmt.Errorf("failed to build logic for %s: %w", spec.OID, err)
		}
		opts, err := m.nodeOptions(spec)
		if err != nil {
			return "", err
		}
		built = node.NewAppNode(spec.OID, uid, channel, logic, opts)
	case graph.KindData, "":
		opts, err := m.nodeOptions(spec)
		if err != nil {
			return "", err
		}
		built = node.NewDataNode(spec.OID, uid, channel, opts)
	default:
		return "", fmt.Errorf("unknown node kind %q for %s", spec.Kind, spec.OID)
	}

	if m.reserved[sessionID] > 0 {
		m.reserved[sessionID]--
	}
	m.nodes[uid] = entry{n: built, session: sessionID}
	m.sessions[sessionID] = append(m.sessions[sessionID], uid)
	m.logger.Info("registered node",
		zap.String("session", sessionID),
		zap.String("oid", spec.OID),
		zap.String("uid", uid),
		zap.String("kind", string(spec.Kind)))
	return uid, nil
}

func (m *Manager) nodeOptions(spec graph.NodeSpec) (node.Options, error) {
	store, err := storage.New(spec.Storage, m.config.StorageDir)
	if err != nil {
		return node.Options{}, fmt.Errorf("failed to build store for %s: %w", spec.OID, err)
	}
	return node.Options{
		ExpectedSize: spec.ExpectedSize,
		Store:        store,
		Logger:       m.logger,
	}, nil
}

// Lookup returns the live node with the given instance ID.
func (m *Manager) Lookup(ctx context.Context, uid string) (node.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.nodes[uid]
	if !ok {
		return nil, fmt.Errorf("instance %s on %s: %w", uid, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	return e.n, nil
}

// Write injects data into a hosted node.
func (m *Manager) Write(ctx context.Context, uid string, p []byte) (int, error) {
	w, err := m.writable(uid)
	if err != nil {
		return 0, err
	}
	return w.Write(ctx, p)
}

// Finalize completes a hosted node.
func (m *Manager) Finalize(ctx context.Context, uid string) error {
	w, err := m.writable(uid)
	if err != nil {
		return err
	}
	return w.SetCompleted(ctx)
}

// Fail moves a hosted node into the ERROR state.
func (m *Manager) Fail(ctx context.Context, uid string, cause string) error {
	m.mu.RLock()
	e, ok := m.nodes[uid]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s on %s: %w", uid, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	type failer interface {
		SetError(ctx context.Context, cause error)
	}
	f, ok := e.n.(failer)
	if !ok {
		return fmt.Errorf("instance %s cannot fail: %w", uid, dfmserrors.ErrInvalidStateTransition)
	}
	f.SetError(ctx, fmt.Errorf("%s", cause))
	return nil
}

type writableNode interface {
	Write(ctx context.Context, p []byte) (int, error)
	SetCompleted(ctx context.Context) error
}

func (m *Manager) writable(uid string) (writableNode, error) {
	m.mu.RLock()
	e, ok := m.nodes[uid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("instance %s on %s: %w", uid, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	w, ok := e.n.(writableNode)
	if !ok {
		return nil, fmt.Errorf("instance %s holds no writable buffer: %w", uid, dfmserrors.ErrInvalidStateTransition)
	}
	return w, nil
}

// Notify delivers a lifecycle event to a hosted consumer. This is the entry
// point for events forwarded from other managers.
func (m *Manager) Notify(ctx context.Context, consumerUID string, ev event.Event) error {
	m.mu.RLock()
	e, ok := m.nodes[consumerUID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s on %s: %w", consumerUID, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	sub, ok := e.n.(event.Subscriber)
	if !ok {
		return fmt.Errorf("instance %s consumes no events: %w", consumerUID, dfmserrors.ErrInvalidStateTransition)
	}
	return sub.Notify(ctx, ev)
}

// Connect wires a locally hosted producer to a locally hosted consumer.
func (m *Manager) Connect(ctx context.Context, producerUID, consumerUID string) error {
	producer, err := m.producerNode(producerUID)
	if err != nil {
		return err
	}
	m.mu.RLock()
	ce, ok := m.nodes[consumerUID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s on %s: %w", consumerUID, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	app, ok := ce.n.(*node.AppNode)
	if !ok {
		return fmt.Errorf("instance %s embeds no application logic: %w", consumerUID, dfmserrors.ErrInvalidStateTransition)
	}
	return node.Connect(producer, app)
}

// Forward subscribes a remotely hosted consumer to a local producer's
// lifecycle events.
func (m *Manager) Forward(ctx context.Context, producerUID, consumerUID, consumerHost string) error {
	if m.remotes == nil {
		return fmt.Errorf("manager %s has no remote transport", m.config.ID)
	}
	producer, err := m.producerNode(producerUID)
	if err != nil {
		return err
	}
	sub, err := m.remotes.Subscriber(consumerHost, consumerUID)
	if err != nil {
		return fmt.Errorf("failed to resolve consumer %s on %s: %w", consumerUID, consumerHost, err)
	}
	return producer.AddConsumer(sub)
}

// BindProducer gives a locally hosted consumer read access to a remotely
// hosted producer, complementing a Forward call on the producer's manager.
func (m *Manager) BindProducer(ctx context.Context, consumerUID, producerUID, producerHost string) error {
	if m.remotes == nil {
		return fmt.Errorf("manager %s has no remote transport", m.config.ID)
	}
	m.mu.RLock()
	ce, ok := m.nodes[consumerUID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s on %s: %w", consumerUID, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	app, ok := ce.n.(*node.AppNode)
	if !ok {
		return fmt.Errorf("instance %s embeds no application logic: %w", consumerUID, dfmserrors.ErrInvalidStateTransition)
	}
	proxy, err := m.remotes.Proxy(producerHost, producerUID)
	if err != nil {
		return fmt.Errorf("failed to resolve producer %s on %s: %w", producerUID, producerHost, err)
	}
	app.BindProducer(proxy)
	return nil
}

// AddChild registers a child under a locally hosted container. A remote
// child is referenced through a proxy; its completion events still need a
// Forward registration on the child's own manager.
func (m *Manager) AddChild(ctx context.Context, containerUID, childUID, childHost string) error {
	m.mu.RLock()
	ce, ok := m.nodes[containerUID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("instance %s on %s: %w", containerUID, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	container, ok := ce.n.(*node.ContainerNode)
	if !ok {
		return fmt.Errorf("instance %s is not a container: %w", containerUID, dfmserrors.ErrInvalidStateTransition)
	}

	if childHost == "" || childHost == m.config.ID {
		m.mu.RLock()
		che, ok := m.nodes[childUID]
		m.mu.RUnlock()
		if !ok {
			return fmt.Errorf("instance %s on %s: %w", childUID, m.config.ID, dfmserrors.ErrUnknownNode)
		}
		return container.AddChild(che.n)
	}

	if m.remotes == nil {
		return fmt.Errorf("manager %s has no remote transport", m.config.ID)
	}
	proxy, err := m.remotes.Proxy(childHost, childUID)
	if err != nil {
		return fmt.Errorf("failed to resolve child %s on %s: %w", childUID, childHost, err)
	}
	return container.AddChild(proxy)
}

func (m *Manager) producerNode(uid string) (node.ProducerNode, error) {
	m.mu.RLock()
	e, ok := m.nodes[uid]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("instance %s on %s: %w", uid, m.config.ID, dfmserrors.ErrUnknownNode)
	}
	producer, ok := e.n.(node.ProducerNode)
	if !ok {
		return nil, fmt.Errorf("instance %s accepts no consumers: %w", uid, dfmserrors.ErrInvalidStateTransition)
	}
	return producer, nil
}

// Session returns the instance IDs registered under a session, in
// registration order.
func (m *Manager) Session(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	uids := make([]string, len(m.sessions[sessionID]))
	copy(uids, m.sessions[sessionID])
	return uids
}

// ShutdownSession destroys every node owned under the session, releasing
// buffers and unregistering the instances. The returned status code is zero
// for a clean teardown and non-zero when any node was still mid-write
// (forced teardown).
func (m *Manager) ShutdownSession(ctx context.Context, sessionID string) (int, error) {
	m.mu.Lock()
	uids := m.sessions[sessionID]
	delete(m.sessions, sessionID)
	delete(m.channels, sessionID)
	delete(m.reserved, sessionID)
	entries := make([]entry, 0, len(uids))
	for _, uid := range uids {
		if e, ok := m.nodes[uid]; ok {
			entries = append(entries, e)
			delete(m.nodes, uid)
		}
	}
	m.mu.Unlock()

	status := 0
	for _, e := range entries {
		if e.n.Destroy() {
			status = 1
		}
	}
	m.logger.Info("session torn down",
		zap.String("session", sessionID),
		zap.Int("nodes", len(entries)),
		zap.Int("status", status))
	return status, nil
}
