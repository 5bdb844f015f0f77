package coordinator

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
	dfmserrors "github.com/cnwangfeng/dfms/pkg/errors"
	"github.com/cnwangfeng/dfms/pkg/event"
	"github.com/cnwangfeng/dfms/pkg/graph"
	"github.com/cnwangfeng/dfms/pkg/manager"
	"github.com/cnwangfeng/dfms/pkg/node"
)

func testManager(t *testing.T, id string, capacity int) *manager.Manager {
	t.Helper()
	cfg := manager.Config{
		ID:       id,
		Capacity: capacity,
		Channel:  event.ChannelConfig{MaxRetries: 3, RetryWait: time.Millisecond},
	}
	m, err := manager.New(cfg, apps.NewRegistry(), nil, zap.NewNop())
	require.NoError(t, err)
	return m
}

// decliner is a manager stub that refuses every reservation.
type decliner struct {
	id string
}

func (d *decliner) ID() string { return d.id }

func (d *decliner) Reserve(ctx context.Context, sessionID string, count int) error {
	return dfmserrors.ErrResourceUnavailable
}

func (d *decliner) Release(ctx context.Context, sessionID string) error { return nil }

func (d *decliner) Register(ctx context.Context, sessionID string, spec graph.NodeSpec) (string, error) {
	return "", dfmserrors.ErrResourceUnavailable
}

func (d *decliner) Connect(ctx context.Context, producerUID, consumerUID string) error { return nil }

func (d *decliner) Forward(ctx context.Context, producerUID, consumerUID, consumerHost string) error {
	return nil
}

func (d *decliner) BindProducer(ctx context.Context, consumerUID, producerUID, producerHost string) error {
	return nil
}

func (d *decliner) AddChild(ctx context.Context, containerUID, childUID, childHost string) error {
	return nil
}

func (d *decliner) Write(ctx context.Context, uid string, p []byte) (int, error) { return 0, nil }

func (d *decliner) Finalize(ctx context.Context, uid string) error { return nil }

func (d *decliner) Fail(ctx context.Context, uid string, cause string) error { return nil }

func (d *decliner) ShutdownSession(ctx context.Context, sessionID string) (int, error) {
	return 0, nil
}

func pipelineGraph(host string) *graph.Graph {
	return &graph.Graph{
		Name: "crc-pipeline",
		Nodes: []graph.NodeSpec{
			{OID: "in", Kind: graph.KindData, Host: host},
			{OID: "crc", Kind: graph.KindApp, Host: host, App: "crc"},
		},
		Consumes: []graph.Edge{{From: "in", To: "crc"}},
	}
}

func TestCoordinator_SubmitAndRun(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	sessionID, accepted, err := c.Submit(ctx, pipelineGraph("m1"), []ManagerAPI{m})
	require.NoError(t, err)
	require.True(t, accepted)
	require.NotEmpty(t, sessionID)

	input := []byte("end to end payload")
	written, err := c.Write(ctx, sessionID, "in", input)
	require.NoError(t, err)
	assert.Equal(t, len(input), written)
	require.NoError(t, c.Finalize(ctx, sessionID, "in"))

	_, uid, err := c.Resolve(sessionID, "crc")
	require.NoError(t, err)
	result, err := m.Lookup(ctx, uid)
	require.NoError(t, err)
	require.Equal(t, node.StateCompleted, result.State())

	data, err := node.AllContents(result)
	require.NoError(t, err)
	expected := strconv.FormatUint(uint64(crc32.ChecksumIEEE(input)), 10)
	assert.Equal(t, expected, string(data))
}

func TestCoordinator_SubmitRejectsInvalidGraph(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	g := pipelineGraph("m1")
	g.Consumes = append(g.Consumes, graph.Edge{From: "crc", To: "crc"})
	_, accepted, err := c.Submit(ctx, g, []ManagerAPI{m})
	assert.False(t, accepted)
	assert.ErrorIs(t, err, dfmserrors.ErrGraphConstruction)
}

func TestCoordinator_SubmitRejectsUnknownHost(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	_, accepted, err := c.Submit(ctx, pipelineGraph("elsewhere"), []ManagerAPI{m})
	assert.False(t, accepted)
	assert.ErrorIs(t, err, dfmserrors.ErrGraphConstruction)
}

func TestCoordinator_DeclinedReservationLeavesNothingBehind(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 2)
	c := New(zap.NewNop())

	g := &graph.Graph{
		Name: "split",
		Nodes: []graph.NodeSpec{
			{OID: "a", Kind: graph.KindData, Host: "m1"},
			{OID: "b", Kind: graph.KindData, Host: "m2"},
		},
	}
	sessionID, accepted, err := c.Submit(ctx, g, []ManagerAPI{m, &decliner{id: "m2"}})
	require.Error(t, err)
	assert.False(t, accepted)
	assert.ErrorIs(t, err, dfmserrors.ErrResourceUnavailable)

	// nothing registered, reservation released
	assert.Empty(t, m.Session(sessionID))
	assert.NoError(t, m.Reserve(ctx, "fresh", 2))
}

func TestCoordinator_FailedCommitRollsBack(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	g := &graph.Graph{
		Name: "broken",
		Nodes: []graph.NodeSpec{
			{OID: "in", Kind: graph.KindData, Host: "m1"},
			{OID: "app", Kind: graph.KindApp, Host: "m1", App: "no-such-logic"},
		},
		Consumes: []graph.Edge{{From: "in", To: "app"}},
	}
	sessionID, accepted, err := c.Submit(ctx, g, []ManagerAPI{m})
	require.Error(t, err)
	assert.False(t, accepted)

	assert.Empty(t, m.Session(sessionID))
	assert.NoError(t, m.Reserve(ctx, "fresh", 8))
}

func TestCoordinator_AbortCascadesThroughGraph(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	sessionID, accepted, err := c.Submit(ctx, pipelineGraph("m1"), []ManagerAPI{m})
	require.NoError(t, err)
	require.True(t, accepted)

	require.NoError(t, c.Abort(ctx, sessionID, "user cancelled"))

	for _, oid := range []string{"in", "crc"} {
		_, uid, err := c.Resolve(sessionID, oid)
		require.NoError(t, err)
		n, err := m.Lookup(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, node.StateError, n.State(), oid)
	}
}

func TestCoordinator_ShutdownCollectsStatuses(t *testing.T) {
	ctx := context.Background()
	m := testManager(t, "m1", 8)
	c := New(zap.NewNop())

	sessionID, accepted, err := c.Submit(ctx, pipelineGraph("m1"), []ManagerAPI{m})
	require.NoError(t, err)
	require.True(t, accepted)

	// leave "in" mid-write so the teardown is forced
	_, err = c.Write(ctx, sessionID, "in", []byte("partial"))
	require.NoError(t, err)

	statuses, err := c.Shutdown(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m1": 1}, statuses)

	// the session is gone
	_, _, err = c.Resolve(sessionID, "in")
	assert.ErrorIs(t, err, dfmserrors.ErrUnknownNode)
	_, err = c.Shutdown(ctx, sessionID)
	assert.ErrorIs(t, err, dfmserrors.ErrUnknownNode)
}

func TestCoordinator_TwoManagersSameProcess(t *testing.T) {
	// Without a remote transport both managers must still serve a graph
	// whose edges stay host-local.
	ctx := context.Background()
	m1 := testManager(t, "m1", 8)
	m2 := testManager(t, "m2", 8)
	c := New(zap.NewNop())

	g := &graph.Graph{
		Name: "parallel",
		Nodes: []graph.NodeSpec{
			{OID: "in1", Kind: graph.KindData, Host: "m1"},
			{OID: "crc1", Kind: graph.KindApp, Host: "m1", App: "crc"},
			{OID: "in2", Kind: graph.KindData, Host: "m2"},
			{OID: "crc2", Kind: graph.KindApp, Host: "m2", App: "crc"},
		},
		Consumes: []graph.Edge{
			{From: "in1", To: "crc1"},
			{From: "in2", To: "crc2"},
		},
	}
	sessionID, accepted, err := c.Submit(ctx, g, []ManagerAPI{m1, m2})
	require.NoError(t, err)
	require.True(t, accepted)

	_, err = c.Write(ctx, sessionID, "in1", []byte("left lane"))
	require.NoError(t, err)
	_, err = c.Write(ctx, sessionID, "in2", []byte("right lane"))
	require.NoError(t, err)
	require.NoError(t, c.Finalize(ctx, sessionID, "in1"))
	require.NoError(t, c.Finalize(ctx, sessionID, "in2"))

	for oid, mgr := range map[string]*manager.Manager{"crc1": m1, "crc2": m2} {
		_, uid, err := c.Resolve(sessionID, oid)
		require.NoError(t, err)
		n, err := mgr.Lookup(ctx, uid)
		require.NoError(t, err)
		assert.Equal(t, node.StateCompleted, n.State(), oid)
	}

	statuses, err := c.Shutdown(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"m1": 0, "m2": 0}, statuses)
}
