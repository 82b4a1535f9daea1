package raft

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/storage"
)

// roleAndTerm reads role and term under one lock acquisition.
func (r *Raft) roleAndTerm() (NodeState, uint64) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state, r.currentTerm
}

func applyWithRetry(t *testing.T, c *testCluster, cmd string) ApplyResult {
	t.Helper()
	var lastErr error
	for attempt := 0; attempt < 10; attempt++ {
		leader := c.leader(5 * time.Second)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		res, err := leader.raft.Apply(ctx, []byte(cmd))
		cancel()
		if err == nil {
			return res
		}
		lastErr = err
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("Failed to apply %q: %v", cmd, lastErr)
	return ApplyResult{}
}

// TestSingleNode_ElectsItselfAndCommitsAtIndexOne covers a fresh one-node
// cluster: it leads in term 1 right after Start and its first command is
// entry 1 with no preceding NOOP.
func TestSingleNode_ElectsItselfAndCommitsAtIndexOne(t *testing.T) {
	c := newTestCluster(t, 1)
	c.start()
	node := c.nodes["n1"]

	if node.raft.State() != Leader {
		t.Fatalf("State() = %v right after Start, want Leader", node.raft.State())
	}
	if term := node.raft.CurrentTerm(); term != 1 {
		t.Errorf("CurrentTerm() = %d, want 1", term)
	}

	res, err := node.raft.Apply(context.Background(), []byte("A"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	if res.Index != 1 || res.Term != 1 {
		t.Errorf("Apply() = index %d term %d, want index 1 term 1", res.Index, res.Term)
	}
	if res.Response != 1 {
		t.Errorf("Apply() response = %v, want 1", res.Response)
	}
	if got := node.raft.CommitIndex(); got != 1 {
		t.Errorf("CommitIndex() = %d, want 1", got)
	}
	if got := node.fsm.Commands(); len(got) != 1 || got[0] != "A" {
		t.Errorf("applied commands = %v, want [A]", got)
	}
}

func TestSingleNode_RestartReplaysCommittedEntries(t *testing.T) {
	c := newTestCluster(t, 1)
	c.start()
	node := c.nodes["n1"]

	for _, cmd := range []string{"A", "B", "C"} {
		if _, err := node.raft.Apply(context.Background(), []byte(cmd)); err != nil {
			t.Fatalf("Apply(%s) error = %v", cmd, err)
		}
	}
	termBefore := node.raft.CurrentTerm()

	c.stop("n1")
	node = c.restart("n1")

	c.waitApplied(3, node)
	if got := strings.Join(node.fsm.Commands(), ","); got != "A,B,C" {
		t.Errorf("commands after restart = %s, want A,B,C", got)
	}
	if got := node.raft.CurrentTerm(); got <= termBefore {
		t.Errorf("CurrentTerm() after restart = %d, want > %d", got, termBefore)
	}
	if node.raft.VotedFor() != "n1" {
		t.Errorf("VotedFor() = %q, want n1", node.raft.VotedFor())
	}
}

func TestApply_NotLeaderCarriesHint(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	leader := c.leader(5 * time.Second)

	var follower *testNode
	waitFor(t, 5*time.Second, "followers to learn the leader", func() bool {
		for _, f := range c.followers(leader) {
			if f.raft.Leader() != leader.id {
				return false
			}
			follower = f
		}
		return true
	})

	_, err := follower.raft.Apply(context.Background(), []byte("x"))
	if !errors.Is(err, ErrNotLeader) {
		t.Fatalf("Apply() on follower error = %v, want ErrNotLeader", err)
	}
	var nle *NotLeaderError
	if !errors.As(err, &nle) {
		t.Fatalf("Apply() error %T is not *NotLeaderError", err)
	}
	if nle.LeaderHint != leader.id {
		t.Errorf("LeaderHint = %q, want %q", nle.LeaderHint, leader.id)
	}
}

func TestCluster_ReplicatesToAllNodes(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()

	var last ApplyResult
	for i := 0; i < 20; i++ {
		last = applyWithRetry(t, c, fmt.Sprintf("cmd-%d", i))
	}

	nodes := make([]*testNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		nodes = append(nodes, n)
	}
	c.waitApplied(last.Index, nodes...)

	want := strings.Join(c.leader(time.Second).fsm.Commands(), ",")
	for _, n := range nodes {
		if got := strings.Join(n.fsm.Commands(), ","); got != want {
			t.Errorf("%s applied %s, want %s", n.id, got, want)
		}
		entry, err := n.store.GetLog(last.Index)
		if err != nil {
			t.Fatalf("%s GetLog(%d) error = %v", n.id, last.Index, err)
		}
		if entry.Term != last.Term {
			t.Errorf("%s entry %d has term %d, want %d", n.id, last.Index, entry.Term, last.Term)
		}
	}
}

// TestElectionSafety_OneLeaderPerTerm samples every node's role while leaders
// are repeatedly isolated and checks no term ever has two leaders.
func TestElectionSafety_OneLeaderPerTerm(t *testing.T) {
	c := newTestCluster(t, 5)
	c.start()

	var mu sync.Mutex
	leaders := make(map[uint64]string)
	var violation string

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			default:
			}
			for id, n := range c.nodes {
				state, term := n.raft.roleAndTerm()
				if state != Leader {
					continue
				}
				mu.Lock()
				if prev, ok := leaders[term]; ok && prev != id && violation == "" {
					violation = fmt.Sprintf("term %d led by %s and %s", term, prev, id)
				}
				leaders[term] = id
				mu.Unlock()
			}
			time.Sleep(2 * time.Millisecond)
		}
	}()

	for round := 0; round < 2; round++ {
		leader := c.leader(5 * time.Second)
		c.network.Isolate(leader.id)
		time.Sleep(600 * time.Millisecond)
		c.network.Rejoin(leader.id)
	}
	c.leader(5 * time.Second)
	close(done)
	wg.Wait()

	if violation != "" {
		t.Fatal(violation)
	}
}

// TestIsolatedLeader_RejectsWritesAndRejoins isolates the leader of a
// three-node cluster. The majority elects a new leader and keeps
// committing, the old leader stops accepting writes once its lease expires,
// and after the partition heals it steps down and converges.
func TestIsolatedLeader_RejectsWritesAndRejoins(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()

	applyWithRetry(t, c, "before")
	old := c.leader(5 * time.Second)
	oldTerm := old.raft.CurrentTerm()
	// A randomized election timeout lies in [T, 2T): one expiry to notice
	// the silence and at most one more for a split vote.
	bound := 2*(2*old.raft.config.ElectionTimeout) + 200*time.Millisecond
	isolatedAt := time.Now()
	c.network.Isolate(old.id)

	var newLeader *testNode
	waitFor(t, 5*time.Second, "a new leader in the majority", func() bool {
		for _, n := range c.followers(old) {
			if n.raft.State() == Leader && n.raft.CurrentTerm() > oldTerm {
				newLeader = n
				return true
			}
		}
		return false
	})
	if elapsed := time.Since(isolatedAt); elapsed > bound {
		t.Errorf("new leader elected %v after the partition, want within %v", elapsed, bound)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	res, err := newLeader.raft.Apply(ctx, []byte("after"))
	cancel()
	if err != nil {
		t.Fatalf("Apply() on new leader error = %v", err)
	}

	// The lease is LeaseTimeout (the election timeout) long.
	time.Sleep(old.raft.config.LeaseTimeout + 50*time.Millisecond)
	if old.raft.State() == Leader {
		_, err := old.raft.Apply(context.Background(), []byte("lost"))
		if !errors.Is(err, ErrUnavailable) {
			t.Errorf("Apply() on isolated leader error = %v, want ErrUnavailable", err)
		}
	}

	c.network.Rejoin(old.id)
	c.waitApplied(res.Index, old)
	waitFor(t, 5*time.Second, "the old leader to step down", func() bool {
		return old.raft.State() != Leader || old.raft.CurrentTerm() > oldTerm
	})

	got := strings.Join(old.fsm.Commands(), ",")
	if !strings.HasPrefix(got, "before,after") {
		t.Errorf("old leader applied %s, want prefix before,after", got)
	}
	for _, cmd := range old.fsm.Commands() {
		if cmd == "lost" {
			t.Error("rejected write was applied")
		}
	}
}

// TestAppendEntries_TruncatesConflictingSuffix drives a follower whose
// uncommitted tail comes from a deposed leader. The first request fails the
// consistency check with a hint that skips the whole conflicting term; the
// retry replaces the tail.
func TestAppendEntries_TruncatesConflictingSuffix(t *testing.T) {
	c := newTestCluster(t, 3)
	node := c.nodes["n2"]

	stale := []*api.LogEntry{
		{Index: 1, Term: 1, Type: api.LogCommand, Data: []byte("a")},
		{Index: 2, Term: 1, Type: api.LogCommand, Data: []byte("b")},
		{Index: 3, Term: 2, Type: api.LogCommand, Data: []byte("stale-1")},
		{Index: 4, Term: 2, Type: api.LogCommand, Data: []byte("stale-2")},
	}
	if err := node.store.StoreLogs(stale); err != nil {
		t.Fatalf("StoreLogs() error = %v", err)
	}

	resp := node.raft.handleAppendEntries(&api.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "n1",
		PrevLogIndex: 3,
		PrevLogTerm:  3,
		Entries:      []*api.LogEntry{{Index: 4, Term: 3, Type: api.LogCommand, Data: []byte("new-2")}},
	})
	if resp.Success {
		t.Fatal("AppendEntries with mismatched prev term succeeded")
	}
	if resp.ConflictIndex != 3 {
		t.Errorf("ConflictIndex = %d, want 3 (first index of term 2)", resp.ConflictIndex)
	}
	if resp.Term != 3 {
		t.Errorf("response term = %d, want 3", resp.Term)
	}

	resp = node.raft.handleAppendEntries(&api.AppendEntriesRequest{
		Term:         3,
		LeaderID:     "n1",
		PrevLogIndex: 2,
		PrevLogTerm:  1,
		Entries: []*api.LogEntry{
			{Index: 3, Term: 3, Type: api.LogCommand, Data: []byte("new-1")},
		},
		LeaderCommit: 3,
	})
	if !resp.Success {
		t.Fatalf("AppendEntries at the matching prefix failed: %+v", resp)
	}
	if resp.LastLogIndex != 3 {
		t.Errorf("LastLogIndex = %d, want 3", resp.LastLogIndex)
	}

	entry, err := node.store.GetLog(3)
	if err != nil || entry.Term != 3 || string(entry.Data) != "new-1" {
		t.Errorf("entry 3 = %+v (err %v), want term 3 new-1", entry, err)
	}
	if _, err := node.store.GetLog(4); !errors.Is(err, storage.ErrLogNotFound) {
		t.Errorf("GetLog(4) error = %v, want ErrLogNotFound", err)
	}
	if got := strings.Join(node.fsm.Commands(), ","); got != "a,b,new-1" {
		t.Errorf("applied %s, want a,b,new-1", got)
	}
	if node.raft.Leader() != "n1" {
		t.Errorf("Leader() = %q, want n1", node.raft.Leader())
	}
}

func TestAppendEntries_ShortLogHintsLastIndex(t *testing.T) {
	c := newTestCluster(t, 3)
	node := c.nodes["n2"]

	resp := node.raft.handleAppendEntries(&api.AppendEntriesRequest{
		Term:         1,
		LeaderID:     "n1",
		PrevLogIndex: 7,
		PrevLogTerm:  1,
	})
	if resp.Success {
		t.Fatal("AppendEntries past the end of an empty log succeeded")
	}
	if resp.ConflictIndex != 1 {
		t.Errorf("ConflictIndex = %d, want 1", resp.ConflictIndex)
	}
}

func TestRequestVote(t *testing.T) {
	c := newTestCluster(t, 3)
	node := c.nodes["n1"]
	if err := node.store.StoreLogs([]*api.LogEntry{{Index: 1, Term: 2, Type: api.LogNoop}}); err != nil {
		t.Fatalf("StoreLogs() error = %v", err)
	}
	if err := node.store.SetState(2, ""); err != nil {
		t.Fatalf("SetState() error = %v", err)
	}
	node.raft.currentTerm = 2

	tests := []struct {
		name    string
		req     *api.VoteRequest
		granted bool
	}{
		{"stale term", &api.VoteRequest{Term: 1, CandidateID: "n2", LastLogIndex: 5, LastLogTerm: 2}, false},
		{"candidate log behind by term", &api.VoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 9, LastLogTerm: 1}, false},
		{"up to date candidate", &api.VoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 1, LastLogTerm: 2}, true},
		{"same candidate again", &api.VoteRequest{Term: 3, CandidateID: "n2", LastLogIndex: 1, LastLogTerm: 2}, true},
		{"second candidate same term", &api.VoteRequest{Term: 3, CandidateID: "n3", LastLogIndex: 4, LastLogTerm: 2}, false},
		{"second candidate next term", &api.VoteRequest{Term: 4, CandidateID: "n3", LastLogIndex: 4, LastLogTerm: 2}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := node.raft.handleVoteRequest(tt.req)
			if resp.VoteGranted != tt.granted {
				t.Errorf("VoteGranted = %v, want %v", resp.VoteGranted, tt.granted)
			}
			if resp.Term < tt.req.Term && tt.req.Term >= 2 {
				t.Errorf("response term %d below request term %d", resp.Term, tt.req.Term)
			}
		})
	}

	term, vote, err := node.store.State()
	if err != nil {
		t.Fatalf("State() error = %v", err)
	}
	if term != 4 || vote != "n3" {
		t.Errorf("persisted state = (%d, %q), want (4, n3)", term, vote)
	}
}

func TestIsLogUpToDate(t *testing.T) {
	tests := []struct {
		name                string
		candTerm, candIndex uint64
		ourTerm, ourIndex   uint64
		want                bool
	}{
		{"higher term shorter log", 3, 1, 2, 10, true},
		{"lower term longer log", 1, 10, 2, 1, false},
		{"same term longer", 2, 5, 2, 4, true},
		{"same term equal", 2, 4, 2, 4, true},
		{"same term shorter", 2, 3, 2, 4, false},
		{"both empty", 0, 0, 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isLogUpToDate(tt.candTerm, tt.candIndex, tt.ourTerm, tt.ourIndex); got != tt.want {
				t.Errorf("isLogUpToDate() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"missing id", func(c *Config) { c.ID = "" }, "node id is required"},
		{"heartbeat too slow", func(c *Config) { c.HeartbeatTimeout = c.ElectionTimeout }, "heartbeat timeout"},
		{"lease too long", func(c *Config) { c.LeaseTimeout = 2 * c.ElectionTimeout }, "lease timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conf := DefaultConfig("n1")
			tt.mutate(&conf)
			err := conf.withDefaults().validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("validate() error = %v, want nil", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validate() error = %v, want it to mention %q", err, tt.wantErr)
			}
		})
	}
}

// failingLogStore fails every write once armed.
type failingLogStore struct {
	*storage.BoltStore
	mu    sync.Mutex
	armed bool
}

func (f *failingLogStore) arm() {
	f.mu.Lock()
	f.armed = true
	f.mu.Unlock()
}

func (f *failingLogStore) StoreLogs(logs []*api.LogEntry) error {
	f.mu.Lock()
	armed := f.armed
	f.mu.Unlock()
	if armed {
		return errors.New("disk full")
	}
	return f.BoltStore.StoreLogs(logs)
}

func TestStorageFailure_StopsEngine(t *testing.T) {
	c := newTestCluster(t, 1)
	node := c.nodes["n1"]
	node.raft.Stop()

	store := &failingLogStore{BoltStore: node.store}
	node.trans.Close()
	node.trans = c.network.NewTransport("n1-retry")
	r, err := NewRaft(node.conf, store, node.store, node.fsm, node.trans, node.snaps)
	if err != nil {
		t.Fatalf("NewRaft() error = %v", err)
	}
	node.raft = r
	if err := r.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if _, err := r.Apply(context.Background(), []byte("ok")); err != nil {
		t.Fatalf("Apply() before failure error = %v", err)
	}

	store.arm()
	_, err = r.Apply(context.Background(), []byte("lost"))
	if !errors.Is(err, ErrStorageFailure) {
		t.Fatalf("Apply() error = %v, want ErrStorageFailure", err)
	}
	if !errors.Is(r.Err(), ErrStorageFailure) {
		t.Errorf("Err() = %v, want ErrStorageFailure", r.Err())
	}
	if r.State() == Leader {
		t.Error("engine still leads after a storage failure")
	}
	if _, err := r.Apply(context.Background(), []byte("again")); !errors.Is(err, ErrStorageFailure) {
		t.Errorf("second Apply() error = %v, want ErrStorageFailure", err)
	}
}

func TestApply_ContextDeadlineMapsToTimeout(t *testing.T) {
	c := newTestCluster(t, 3)
	c.start()
	applyWithRetry(t, c, "warm-up")
	leader := c.leader(5 * time.Second)

	for _, f := range c.followers(leader) {
		c.network.Disconnect(leader.id, f.id)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := leader.raft.Apply(ctx, []byte("slow"))
	if err == nil {
		t.Fatal("Apply() without a reachable majority succeeded")
	}
	if !errors.Is(err, ErrTimeout) && !errors.Is(err, ErrUnavailable) {
		t.Errorf("Apply() error = %v, want ErrTimeout or ErrUnavailable", err)
	}
}

func TestStop_FailsPendingAndIsIdempotent(t *testing.T) {
	c := newTestCluster(t, 1)
	c.start()
	node := c.nodes["n1"]

	if err := node.raft.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if err := node.raft.Stop(); err != nil {
		t.Fatalf("second Stop() error = %v", err)
	}
	if _, err := node.raft.Apply(context.Background(), []byte("x")); !errors.Is(err, ErrStopped) {
		t.Errorf("Apply() after Stop error = %v, want ErrStopped", err)
	}
	if err := node.raft.Start(); !errors.Is(err, ErrStopped) {
		t.Errorf("Start() after Stop error = %v, want ErrStopped", err)
	}
}
