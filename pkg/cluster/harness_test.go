package cluster

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/resources"
	"github.com/salahayoub/vpncluster/pkg/storage"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

const testClusterName = "corp-vpn"

// testNode is a full node: engine, table and coordinator over an in-memory
// transport and a real bbolt store. Node ids double as addresses.
type testNode struct {
	id    string
	raft  *raft.Raft
	table *membership.Table
	coord *Coordinator
	trans *transport.InmemTransport
	store *storage.BoltStore
}

type testCluster struct {
	t       *testing.T
	network *transport.InmemNetwork
	nodes   map[string]*testNode
	voters  []raft.Server
}

func testCoordinatorConfig(id string) Config {
	return Config{
		NodeID:            id,
		ClusterName:       testClusterName,
		Address:           id,
		Region:            "eu-west",
		HeartbeatInterval: 50 * time.Millisecond,
		LivenessWindow:    400 * time.Millisecond,
		RequestTimeout:    3 * time.Second,
		ForwardTimeout:    80 * time.Millisecond,
		JoinRetryInterval: 50 * time.Millisecond,
		Sampler:           resources.Static{CPUPercent: 10},
	}
}

// newTestCluster creates n bootstrap voters n1..nN without starting them.
func newTestCluster(t *testing.T, n int) *testCluster {
	t.Helper()
	c := &testCluster{t: t, network: transport.NewInmemNetwork(), nodes: make(map[string]*testNode)}
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("n%d", i)
		c.voters = append(c.voters, raft.Server{ID: id, Address: id})
	}
	for _, v := range c.voters {
		c.add(v.ID, true, testCoordinatorConfig(v.ID))
	}
	t.Cleanup(c.shutdown)
	return c
}

// add creates a node. A node that does not bootstrap starts with an empty
// configuration and joins through its seeds.
func (c *testCluster) add(id string, bootstrap bool, conf Config) *testNode {
	c.t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(c.t.TempDir(), "raft.db"))
	require.NoError(c.t, err)
	trans := c.network.NewTransport(id)
	table := membership.NewTable(testClusterName, nil, nil)

	rc := raft.Config{
		ID:               id,
		Address:          id,
		ElectionTimeout:  200 * time.Millisecond,
		HeartbeatTimeout: 30 * time.Millisecond,
	}
	if bootstrap {
		rc.Bootstrap = true
		rc.Peers = c.voters
	}
	r, err := raft.NewRaft(rc, store, store, table, trans, nil)
	require.NoError(c.t, err)

	coord, err := New(conf, r, table, trans)
	require.NoError(c.t, err)

	node := &testNode{id: id, raft: r, table: table, coord: coord, trans: trans, store: store}
	c.nodes[id] = node
	return node
}

func (c *testCluster) start(ids ...string) {
	c.t.Helper()
	if len(ids) == 0 {
		for id := range c.nodes {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		require.NoError(c.t, c.nodes[id].raft.Start())
		require.NoError(c.t, c.nodes[id].coord.Start())
	}
}

func (c *testCluster) stop(id string) {
	node := c.nodes[id]
	node.coord.Stop()
	node.raft.Stop()
	node.trans.Close()
	node.store.Close()
}

func (c *testCluster) shutdown() {
	for id := range c.nodes {
		c.stop(id)
	}
}

func (c *testCluster) leader() *testNode {
	c.t.Helper()
	var found *testNode
	require.Eventually(c.t, func() bool {
		found = nil
		for _, node := range c.nodes {
			if node.raft.State() == raft.Leader &&
				(found == nil || node.raft.CurrentTerm() > found.raft.CurrentTerm()) {
				found = node
			}
		}
		return found != nil
	}, 5*time.Second, 10*time.Millisecond, "no leader elected")
	return found
}

func (c *testCluster) follower() *testNode {
	leader := c.leader()
	for _, node := range c.nodes {
		if node != leader && node.raft.GetConfiguration().IsVoter(node.id) {
			return node
		}
	}
	c.t.Fatal("no follower")
	return nil
}

// waitActive waits until every listed node's table shows all ids active.
func (c *testCluster) waitActive(ids []string, on ...*testNode) {
	c.t.Helper()
	for _, node := range on {
		require.Eventually(c.t, func() bool {
			for _, id := range ids {
				n, ok := node.table.Node(id)
				if !ok || n.Status != api.StatusActive {
					return false
				}
			}
			return true
		}, 10*time.Second, 20*time.Millisecond, "%s never saw %v active", node.id, ids)
	}
}

func (c *testCluster) all() []*testNode {
	out := make([]*testNode, 0, len(c.nodes))
	for _, node := range c.nodes {
		out = append(out, node)
	}
	return out
}

func ctxTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
