package remote

import (
	"context"
	"hash/crc32"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cnwangfeng/dfms/pkg/apps"
	"github.com/cnwangfeng/dfms/pkg/coordinator"
	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/graph"
	"github.com/cnwangfeng/dfms/pkg/manager"
	"github.com/cnwangfeng/dfms/pkg/node"
)

// cluster is a set of managers served over one loopback transport, the way
// a NATS deployment would wire them, but inside the test binary.
type cluster struct {
	transport *Loopback
	discovery *StaticDiscovery
	managers  map[string]*manager.Manager
	clients   map[string]*ManagerClient
}

func newCluster(t *testing.T, ids ...string) *cluster {
	t.Helper()
	c := &cluster{
		transport: NewLoopback(),
		discovery: NewStaticDiscovery(nil),
		managers:  make(map[string]*manager.Manager),
		clients:   make(map[string]*ManagerClient),
	}
	for _, id := range ids {
		remotes, err := NewRemotes(c.transport, c.discovery, zap.NewNop())
		require.NoError(t, err)

		cfg := manager.Config{
			ID:       id,
			Capacity: 32,
			Channel:  event.ChannelConfig{MaxRetries: 3, RetryWait: time.Millisecond},
		}
		mgr, err := manager.New(cfg, apps.NewRegistry(), remotes, zap.NewNop())
		require.NoError(t, err)
		c.managers[id] = mgr

		server, err := NewServer(mgr, c.transport, c.discovery, zap.NewNop())
		require.NoError(t, err)
		require.NoError(t, server.Start())
		t.Cleanup(func() { _ = server.Stop() })

		client, err := NewManagerClient(id, c.transport, c.discovery)
		require.NoError(t, err)
		c.clients[id] = client
	}
	return c
}

func (c *cluster) apis() []coordinator.ManagerAPI {
	out := make([]coordinator.ManagerAPI, 0, len(c.clients))
	for _, client := range c.clients {
		out = append(out, client)
	}
	return out
}

func TestManagerClient_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a")
	client := c.clients["a"]

	require.NoError(t, client.Reserve(ctx, "s1", 2))
	uid, err := client.Register(ctx, "s1", graph.NodeSpec{OID: "n", Kind: graph.KindData})
	require.NoError(t, err)
	require.NotEmpty(t, uid)

	written, err := client.Write(ctx, uid, []byte("over the wire"))
	require.NoError(t, err)
	assert.Equal(t, 13, written)
	require.NoError(t, client.Finalize(ctx, uid))

	info, err := client.Lookup(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, "n", info.OID)
	assert.Equal(t, node.StateCompleted, info.State)
	assert.Equal(t, int64(13), info.BytesWritten)
	assert.Equal(t, crc32.ChecksumIEEE([]byte("over the wire")), info.Checksum)

	status, err := client.ShutdownSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0, status)
}

func TestManagerClient_ErrorIdentitySurvivesWire(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a")
	client := c.clients["a"]

	err := client.Finalize(ctx, "no-such-uid")
	require.Error(t, err)
	assert.ErrorIs(t, err, dfmserrors.ErrUnknownNode)

	uid, err := client.Register(ctx, "s1", graph.NodeSpec{OID: "n", Kind: graph.KindData})
	require.NoError(t, err)
	require.NoError(t, client.Finalize(ctx, uid))
	err = client.Finalize(ctx, uid)
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidStateTransition)

	// one node is already live under s1
	require.NoError(t, client.Reserve(ctx, "big", 31))
	err = client.Reserve(ctx, "bigger", 1)
	assert.ErrorIs(t, err, dfmserrors.ErrResourceUnavailable)
}

func TestNodeProxy_ReadsRemoteContent(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a")
	client := c.clients["a"]

	uid, err := client.Register(ctx, "s1", graph.NodeSpec{OID: "n", Kind: graph.KindData})
	require.NoError(t, err)
	_, err = client.Write(ctx, uid, []byte("proxied bytes"))
	require.NoError(t, err)
	require.NoError(t, client.Finalize(ctx, uid))

	prefix, err := c.discovery.Resolve("a")
	require.NoError(t, err)
	proxy, err := NewNodeProxy(uid, prefix, c.transport, zap.NewNop())
	require.NoError(t, err)

	assert.Equal(t, "n", proxy.ObjectID())
	assert.Equal(t, uid, proxy.InstanceID())
	assert.False(t, proxy.IsContainer())
	assert.Equal(t, node.StateCompleted, proxy.State())
	assert.Equal(t, crc32.ChecksumIEEE([]byte("proxied bytes")), proxy.Checksum())

	data, err := node.AllContents(proxy)
	require.NoError(t, err)
	assert.Equal(t, "proxied bytes", string(data))

	_, err = proxy.Read("never-opened")
	assert.ErrorIs(t, err, dfmserrors.ErrInvalidDescriptor)
}

func TestCrossManagerPipeline(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a", "b")
	coord := coordinator.New(zap.NewNop())

	// producer on a, consumer on b
	g := &graph.Graph{
		Name: "split-crc",
		Nodes: []graph.NodeSpec{
			{OID: "in", Kind: graph.KindData, Host: "a"},
			{OID: "crc", Kind: graph.KindApp, Host: "b", App: "crc"},
		},
		Consumes: []graph.Edge{{From: "in", To: "crc"}},
	}
	sessionID, accepted, err := coord.Submit(ctx, g, c.apis())
	require.NoError(t, err)
	require.True(t, accepted)

	input := []byte("bytes that cross a manager boundary")
	_, err = coord.Write(ctx, sessionID, "in", input)
	require.NoError(t, err)
	require.NoError(t, coord.Finalize(ctx, sessionID, "in"))

	// the completion hopped a -> b and triggered the consumer there
	_, uid, err := coord.Resolve(sessionID, "crc")
	require.NoError(t, err)
	result, err := c.managers["b"].Lookup(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, node.StateCompleted, result.State())

	data, err := node.AllContents(result)
	require.NoError(t, err)
	expected := strconv.FormatUint(uint64(crc32.ChecksumIEEE(input)), 10)
	assert.Equal(t, expected, string(data))

	statuses, err := coord.Shutdown(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"a": 0, "b": 0}, statuses)
}

func TestCrossManagerContainerJoin(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a", "b")
	coord := coordinator.New(zap.NewNop())

	// children split across managers, barrier and sum on b
	g := &graph.Graph{
		Name: "split-sum",
		Nodes: []graph.NodeSpec{
			{OID: "c1", Kind: graph.KindData, Host: "a"},
			{OID: "c2", Kind: graph.KindData, Host: "b"},
			{OID: "join", Kind: graph.KindContainer, Host: "b"},
			{OID: "sum", Kind: graph.KindApp, Host: "b", App: "sum-checksum"},
		},
		Children: []graph.Edge{{From: "join", To: "c1"}, {From: "join", To: "c2"}},
		Consumes: []graph.Edge{{From: "join", To: "sum"}},
	}
	sessionID, accepted, err := coord.Submit(ctx, g, c.apis())
	require.NoError(t, err)
	require.True(t, accepted)

	left := []byte("left partition")
	right := []byte("right partition")
	_, err = coord.Write(ctx, sessionID, "c1", left)
	require.NoError(t, err)
	_, err = coord.Write(ctx, sessionID, "c2", right)
	require.NoError(t, err)
	require.NoError(t, coord.Finalize(ctx, sessionID, "c1"))
	require.NoError(t, coord.Finalize(ctx, sessionID, "c2"))

	_, uid, err := coord.Resolve(sessionID, "sum")
	require.NoError(t, err)
	result, err := c.managers["b"].Lookup(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, node.StateCompleted, result.State())

	expected := uint64(crc32.ChecksumIEEE(left)) + uint64(crc32.ChecksumIEEE(right))
	data, err := node.AllContents(result)
	require.NoError(t, err)
	assert.Equal(t, strconv.FormatUint(expected, 10), string(data))
}

func TestCrossManagerErrorPropagation(t *testing.T) {
	ctx := context.Background()
	c := newCluster(t, "a", "b")
	coord := coordinator.New(zap.NewNop())

	g := &graph.Graph{
		Name: "doomed",
		Nodes: []graph.NodeSpec{
			{OID: "in", Kind: graph.KindData, Host: "a"},
			{OID: "crc", Kind: graph.KindApp, Host: "b", App: "crc"},
		},
		Consumes: []graph.Edge{{From: "in", To: "crc"}},
	}
	sessionID, accepted, err := coord.Submit(ctx, g, c.apis())
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, coord.Abort(ctx, sessionID, "deadline exceeded"))

	_, uid, err := coord.Resolve(sessionID, "crc")
	require.NoError(t, err)
	downstream, err := c.managers["b"].Lookup(ctx, uid)
	require.NoError(t, err)
	assert.Equal(t, node.StateError, downstream.State())
}

func TestLoopback_NoResponder(t *testing.T) {
	l := NewLoopback()
	_, err := l.Request(context.Background(), "nobody.home", nil)
	assert.Error(t, err)
}

func TestStaticDiscovery_FallsBackToConvention(t *testing.T) {
	d := NewStaticDiscovery(map[string]string{"special": "custom.prefix"})

	prefix, err := d.Resolve("special")
	require.NoError(t, err)
	assert.Equal(t, "custom.prefix", prefix)

	prefix, err = d.Resolve("plain")
	require.NoError(t, err)
	assert.Equal(t, SubjectPrefix("plain"), prefix)

	_, err = d.Resolve("")
	assert.Error(t, err)

	d.Add("plain", "override")
	prefix, err = d.Resolve("plain")
	require.NoError(t, err)
	assert.Equal(t, "override", prefix)
}
