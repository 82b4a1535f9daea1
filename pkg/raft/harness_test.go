package raft

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/storage"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

// recordingFSM keeps every applied command in order.
type recordingFSM struct {
	mu       sync.Mutex
	commands []string
	configs  int
}

func (f *recordingFSM) Apply(entry *api.LogEntry) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	if entry.Type == api.LogConfiguration {
		f.configs++
		return nil
	}
	f.commands = append(f.commands, string(entry.Data))
	return len(f.commands)
}

func (f *recordingFSM) Snapshot() (io.ReadCloser, error) {
	f.mu.Lock()
	data, err := json.Marshal(f.commands)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (f *recordingFSM) Restore(rc io.ReadCloser) error {
	var commands []string
	if err := json.NewDecoder(rc).Decode(&commands); err != nil {
		return err
	}
	f.mu.Lock()
	f.commands = commands
	f.mu.Unlock()
	return nil
}

func (f *recordingFSM) Commands() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

// testNode is one engine with a real bbolt store and snapshot directory.
type testNode struct {
	id    string
	dir   string
	raft  *Raft
	trans *transport.InmemTransport
	store *storage.BoltStore
	snaps *FileSnapshotStore
	fsm   *recordingFSM
	conf  Config
}

// testCluster runs engines over an InmemNetwork. Node ids double as addresses.
type testCluster struct {
	t       *testing.T
	network *transport.InmemNetwork
	nodes   map[string]*testNode
}

func testConfig(id string) Config {
	return Config{
		ID:                id,
		Address:           id,
		ElectionTimeout:   200 * time.Millisecond,
		HeartbeatTimeout:  30 * time.Millisecond,
		MaxAppendEntries:  16,
		TrailingLogs:      1024,
		SnapshotChunkSize: 64,
	}
}

// newTestCluster bootstraps n voters n1..nN. opts adjust every node's config.
func newTestCluster(t *testing.T, n int, opts ...func(*Config)) *testCluster {
	t.Helper()
	c := &testCluster{t: t, network: transport.NewInmemNetwork(), nodes: make(map[string]*testNode)}

	var peers []Server
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("n%d", i)
		peers = append(peers, Server{ID: id, Address: id})
	}
	for _, p := range peers {
		conf := testConfig(p.ID)
		conf.Bootstrap = true
		conf.Peers = peers
		for _, opt := range opts {
			opt(&conf)
		}
		c.add(conf)
	}
	t.Cleanup(c.shutdown)
	return c
}

// add creates a node from conf without starting it.
func (c *testCluster) add(conf Config) *testNode {
	c.t.Helper()
	node := &testNode{id: conf.ID, dir: c.t.TempDir(), conf: conf}
	c.open(node)
	c.nodes[conf.ID] = node
	return node
}

func (c *testCluster) open(node *testNode) {
	c.t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(node.dir, "raft.db"))
	if err != nil {
		c.t.Fatalf("Failed to open BoltStore for %s: %v", node.id, err)
	}
	snaps, err := NewFileSnapshotStore(filepath.Join(node.dir, "snapshots"))
	if err != nil {
		c.t.Fatalf("Failed to open snapshot store for %s: %v", node.id, err)
	}
	trans := c.network.NewTransport(node.id)
	fsm := &recordingFSM{}

	r, err := NewRaft(node.conf, store, store, fsm, trans, snaps)
	if err != nil {
		c.t.Fatalf("Failed to create Raft node %s: %v", node.id, err)
	}
	node.raft, node.trans, node.store, node.snaps, node.fsm = r, trans, store, snaps, fsm
}

func (c *testCluster) start(ids ...string) {
	c.t.Helper()
	if len(ids) == 0 {
		for id := range c.nodes {
			ids = append(ids, id)
		}
	}
	for _, id := range ids {
		if err := c.nodes[id].raft.Start(); err != nil {
			c.t.Fatalf("Failed to start %s: %v", id, err)
		}
	}
}

// stop shuts a node down and releases its store and transport.
func (c *testCluster) stop(id string) {
	node := c.nodes[id]
	node.raft.Stop()
	node.trans.Close()
	node.store.Close()
}

// restart reopens a stopped node from its directory.
func (c *testCluster) restart(id string) *testNode {
	c.t.Helper()
	node := c.nodes[id]
	c.open(node)
	if err := node.raft.Start(); err != nil {
		c.t.Fatalf("Failed to restart %s: %v", id, err)
	}
	return node
}

func (c *testCluster) shutdown() {
	for _, node := range c.nodes {
		node.raft.Stop()
		node.trans.Close()
		node.store.Close()
	}
}

// leader waits for a node that believes it leads and returns the one with
// the highest term.
func (c *testCluster) leader(timeout time.Duration) *testNode {
	c.t.Helper()
	var found *testNode
	waitFor(c.t, timeout, "a leader to be elected", func() bool {
		found = nil
		for _, node := range c.nodes {
			if node.raft.State() != Leader {
				continue
			}
			if found == nil || node.raft.CurrentTerm() > found.raft.CurrentTerm() {
				found = node
			}
		}
		return found != nil
	})
	return found
}

func (c *testCluster) followers(leader *testNode) []*testNode {
	var out []*testNode
	for _, node := range c.nodes {
		if node != leader {
			out = append(out, node)
		}
	}
	return out
}

// waitApplied waits until every listed node applied at least index.
func (c *testCluster) waitApplied(index uint64, nodes ...*testNode) {
	c.t.Helper()
	for _, node := range nodes {
		node := node
		waitFor(c.t, 5*time.Second, fmt.Sprintf("%s to apply index %d", node.id, index), func() bool {
			return node.raft.LastApplied() >= index
		})
	}
}

func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out after %v waiting for %s", timeout, what)
}
