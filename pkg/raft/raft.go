// Package raft implements the consensus engine that keeps cluster membership
// and shared configuration in agreement across nodes.
//
// # Thread Safety Guarantees
//
// The Raft struct is safe for concurrent use by multiple goroutines. Inbound
// RPCs and election timer events are processed by a single main loop
// goroutine. While leader, one replicator goroutine per follower owns that
// follower's next index; replicators and vote collectors re-acquire the mutex
// to apply what they learned. Network I/O never happens while the mutex is
// held. Disk writes do, so durable state is in place before a reply leaves.
//
// File Organization:
// - raft.go: Core types, interfaces, Raft struct, NewRaft, public getters, Start/Stop, main loop
// - election.go: Leader election (startElection, handleVoteRequest, becomeLeader, stepDownToFollower)
// - replication.go: Per-follower replicators, handleAppendEntries, advanceCommitIndex
// - lease.go: Leader lease that gates client writes
// - apply.go: Proposals, pending futures and entry application
// - membership.go: Voter/non-voter configuration, AddNonVoter, RemoveServer, promotion
// - snapshot_store.go: Compressed file snapshots and staged installs
// - snapshot_ops.go: Snapshot creation, chunked transfer and installation
package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"golang.org/x/time/rate"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

// Sentinel errors for Raft operations. Callers use errors.Is() since most of
// them reach the caller wrapped.
var (
	ErrNotLeader       = errors.New("node is not the leader")
	ErrUnavailable     = errors.New("leader has no contact with a majority")
	ErrLeadershipLost  = errors.New("leadership lost before the entry was applied")
	ErrStorageFailure  = errors.New("log storage failure")
	ErrStopped         = errors.New("raft node is stopped")
	ErrTimeout         = errors.New("operation timed out")
	ErrNoSnapshotStore = errors.New("no snapshot store configured")
	ErrSnapshotFailed  = errors.New("snapshot operation failed")
)

// Keys for engine state kept in the StableStore next to term and vote.
var (
	keyCommitHint      = []byte("commitHint")
	keyBootstrapConfig = []byte("bootstrapConfig")
)

// NodeState represents the current role of a Raft node in the consensus protocol.
// Transitions: Follower → Candidate (on election timeout) → Leader (on majority vote)
//
//	Any state → Follower (on discovering higher term)
type NodeState int

const (
	Follower  NodeState = iota // Passive: responds to RPCs, doesn't initiate
	Candidate                  // Actively seeking votes to become leader
	Leader                     // Handles client requests, replicates logs to followers
)

// String returns a human-readable representation of the NodeState.
func (s NodeState) String() string {
	switch s {
	case Follower:
		return "Follower"
	case Candidate:
		return "Candidate"
	case Leader:
		return "Leader"
	default:
		return "Unknown"
	}
}

// Server identifies a cluster member in the bootstrap configuration.
type Server struct {
	ID      string
	Address string
}

// Config holds the configuration for a Raft node.
type Config struct {
	ID      string // Unique identifier for this node (must be stable across restarts)
	Address string // Address other nodes reach this node's transport on

	// Bootstrap seeds an empty node with a voting configuration made of
	// itself and Peers. Nodes that join an existing cluster leave it unset
	// and start with an empty configuration.
	Bootstrap bool
	Peers     []Server

	// ElectionTimeout is the base timeout before starting an election.
	// Randomized to [ElectionTimeout, 2*ElectionTimeout).
	ElectionTimeout time.Duration

	// HeartbeatTimeout controls how often a replicator sends an empty
	// AppendEntries when it has nothing else to send.
	HeartbeatTimeout time.Duration

	// LeaseTimeout is how long the leader keeps accepting writes after it
	// last heard from a majority of voters.
	LeaseTimeout time.Duration

	// MaxAppendEntries caps the entries carried by one AppendEntries RPC.
	MaxAppendEntries int

	// MaxBackoff caps the retry delay of a replicator after transport errors.
	MaxBackoff time.Duration

	// SnapshotThreshold triggers an automatic snapshot once this many applied
	// entries accumulated since the last one. Zero disables automatic snapshots.
	SnapshotThreshold uint64

	// TrailingLogs is the number of entries kept behind a snapshot so slow
	// followers can still catch up from the log.
	TrailingLogs uint64

	// SnapshotChunkSize controls the size of InstallSnapshot chunks.
	SnapshotChunkSize int

	// SnapshotRateLimit bounds snapshot transfer in bytes per second. Zero
	// means unlimited.
	SnapshotRateLimit int

	Logger  hclog.Logger
	Metrics *metrics.Registry
}

// DefaultSnapshotChunkSize is the default chunk size for InstallSnapshot RPC (1MB).
const DefaultSnapshotChunkSize = 1024 * 1024

// DefaultConfig returns a Config with production defaults for the node id.
func DefaultConfig(id string) Config {
	return Config{
		ID:                id,
		ElectionTimeout:   300 * time.Millisecond,
		HeartbeatTimeout:  50 * time.Millisecond,
		MaxAppendEntries:  64,
		SnapshotThreshold: 8192,
		TrailingLogs:      1024,
		SnapshotChunkSize: DefaultSnapshotChunkSize,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig(c.ID)
	if c.ElectionTimeout == 0 {
		c.ElectionTimeout = def.ElectionTimeout
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = c.ElectionTimeout / 6
	}
	if c.LeaseTimeout == 0 {
		c.LeaseTimeout = c.ElectionTimeout
	}
	if c.MaxAppendEntries <= 0 {
		c.MaxAppendEntries = def.MaxAppendEntries
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = c.ElectionTimeout / 2
	}
	if c.SnapshotChunkSize <= 0 {
		c.SnapshotChunkSize = def.SnapshotChunkSize
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

func (c Config) validate() error {
	var problems []string
	if c.ID == "" {
		problems = append(problems, "node id is required")
	}
	if c.HeartbeatTimeout >= c.ElectionTimeout {
		problems = append(problems, fmt.Sprintf("heartbeat timeout (%v) must be less than election timeout (%v)",
			c.HeartbeatTimeout, c.ElectionTimeout))
	}
	if c.LeaseTimeout > c.ElectionTimeout {
		problems = append(problems, fmt.Sprintf("lease timeout (%v) must not exceed election timeout (%v)",
			c.LeaseTimeout, c.ElectionTimeout))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid raft config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// LogStore provides persistent storage for the replicated log.
// Implementations must be crash-safe: a write returns only once it is durable.
type LogStore interface {
	FirstIndex() (uint64, error)
	LastIndex() (uint64, error)
	GetLog(index uint64) (*api.LogEntry, error)
	GetRange(start, end uint64) ([]*api.LogEntry, error)
	StoreLogs(logs []*api.LogEntry) error
	// AppendEntries appends entries received from a leader, truncating any
	// conflicting suffix in the same write.
	AppendEntries(entries []*api.LogEntry) error
	// CompactTo drops the prefix up to index and records (index, term) as
	// the log base.
	CompactTo(index, term uint64) error
	CompactedBase() (index, term uint64)
}

// StableStore provides persistent storage for Raft's critical state.
// SetState must write term and vote atomically; a node that crashed between
// the two could otherwise vote twice in the same term.
type StableStore interface {
	Get(key []byte) ([]byte, error)
	Set(key []byte, val []byte) error
	GetUint64(key []byte) (uint64, error)
	SetUint64(key []byte, val uint64) error
	State() (term uint64, votedFor string, err error)
	SetState(term uint64, votedFor string) error
}

// StateMachine is the application-specific state that Raft replicates.
// Apply receives command entries and configuration entries in log order.
// It must be deterministic: every replica applying the same entries reaches
// the same state.
type StateMachine interface {
	Apply(entry *api.LogEntry) interface{}
	Snapshot() (io.ReadCloser, error)
	Restore(rc io.ReadCloser) error
}

// Raft implements the core consensus algorithm.
type Raft struct {
	// Persistent state (must be persisted before responding to RPCs)
	currentTerm uint64
	votedFor    string

	// Volatile state on all servers
	state       NodeState
	commitIndex uint64 // Highest log entry known to be committed
	lastApplied uint64 // Highest log entry applied to state machine

	// Volatile state on leaders (reinitialized after each election)
	matchIndex   map[string]uint64 // Highest log index known to be replicated on each peer
	replicators  map[string]*replicator
	leaderCtx    context.Context
	leaderCancel context.CancelFunc
	futures      map[uint64]*applyFuture
	lease        *LeaseState
	lastContact  map[string]time.Time

	leaderID string

	// clusterConfig is the configuration as of lastApplied. On the leader,
	// latestConfig is the newest configuration in the log, committed or not.
	clusterConfig     ClusterConfig
	latestConfig      ClusterConfig
	latestConfigIndex uint64
	configApplied     chan struct{} // closed and replaced whenever a configuration entry applies

	// Snapshot state
	snapshotStore     SnapshotStore
	lastSnapshotIndex uint64
	lastSnapshotTerm  uint64
	snapshotting      bool
	pendingSnapshot   *PendingSnapshot // Follower-side snapshot installation
	snapshotLimiter   *rate.Limiter    // Shared by outgoing transfers; nil when unlimited

	// Dependencies
	logStore     LogStore
	stableStore  StableStore
	stateMachine StateMachine
	transport    transport.Transport
	config       Config
	logger       hclog.Logger
	metrics      *metrics.Registry

	// Event channels and timers
	rpcChan       <-chan transport.RPC
	stopChan      chan struct{}
	doneChan      chan struct{}
	failChan      chan struct{}
	snapshotChan  chan struct{}
	electionTimer *time.Timer

	// ctx is cancelled by Stop and bounds every background goroutine.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// Election tracking
	votesReceived map[string]bool
	electionTerm  uint64

	fatalErr error

	mu      sync.RWMutex
	running bool
	stopped bool
}

// NewRaft creates a new Raft node. It loads persisted state from StableStore,
// restores the state machine from any existing snapshot, and initializes the
// node as a Follower. The node won't participate in consensus until Start() is called.
func NewRaft(config Config, logStore LogStore, stableStore StableStore,
	stateMachine StateMachine, trans transport.Transport, snapshotStore SnapshotStore) (*Raft, error) {

	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}

	currentTerm, votedFor, err := stableStore.State()
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted term and vote: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Raft{
		currentTerm: currentTerm,
		votedFor:    votedFor,
		state:       Follower,

		matchIndex:  make(map[string]uint64),
		replicators: make(map[string]*replicator),
		futures:     make(map[uint64]*applyFuture),
		lease:       NewLeaseState(config.LeaseTimeout),
		lastContact: make(map[string]time.Time),

		configApplied: make(chan struct{}),

		snapshotStore:   snapshotStore,
		snapshotLimiter: newSnapshotLimiter(config),

		logStore:     logStore,
		stableStore:  stableStore,
		stateMachine: stateMachine,
		transport:    trans,
		config:       config,
		logger:       config.Logger.Named("raft").With("id", config.ID),
		metrics:      config.Metrics,

		rpcChan:      trans.Consumer(),
		stopChan:     make(chan struct{}),
		doneChan:     make(chan struct{}),
		failChan:     make(chan struct{}),
		snapshotChan: make(chan struct{}, 1),

		ctx:    ctx,
		cancel: cancel,

		votesReceived: make(map[string]bool),
	}

	clusterConfig, err := r.loadBootstrapConfig()
	if err != nil {
		cancel()
		return nil, err
	}

	if snapshotStore != nil {
		meta, rc, err := snapshotStore.Open()
		switch {
		case err == nil:
			restoreErr := stateMachine.Restore(rc)
			rc.Close()
			if restoreErr != nil {
				cancel()
				return nil, fmt.Errorf("failed to restore state machine from snapshot: %w", restoreErr)
			}
			r.lastSnapshotIndex = meta.LastIncludedIndex
			r.lastSnapshotTerm = meta.LastIncludedTerm
			r.commitIndex = meta.LastIncludedIndex
			r.lastApplied = meta.LastIncludedIndex
			clusterConfig = meta.Configuration.Clone()
		case errors.Is(err, ErrNoSnapshot):
		default:
			cancel()
			return nil, fmt.Errorf("failed to open snapshot for restore: %w", err)
		}
	}
	r.clusterConfig = clusterConfig
	r.latestConfig = clusterConfig.Clone()

	// Entries up to the commit hint were committed before the restart; they
	// are replayed into the state machine by Start.
	hint, err := stableStore.GetUint64(keyCommitHint)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to load commit hint: %w", err)
	}
	lastIndex, err := logStore.LastIndex()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to read last log index: %w", err)
	}
	if hint > lastIndex {
		hint = lastIndex
	}
	if hint > r.commitIndex {
		r.commitIndex = hint
	}

	r.syncTransportPeers(r.clusterConfig)
	return r, nil
}

// loadBootstrapConfig returns the configuration the node starts from before
// any snapshot or configuration entry is applied.
func (r *Raft) loadBootstrapConfig() (ClusterConfig, error) {
	stored, err := r.stableStore.Get(keyBootstrapConfig)
	if err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to load bootstrap configuration: %w", err)
	}
	if len(stored) > 0 {
		cfg, _, err := DecodeConfig(stored)
		if err != nil {
			return ClusterConfig{}, fmt.Errorf("failed to decode bootstrap configuration: %w", err)
		}
		return cfg, nil
	}

	if !r.config.Bootstrap {
		return ClusterConfig{}, nil
	}

	cfg := ClusterConfig{Members: []ClusterMember{{ID: r.config.ID, Address: r.config.Address, State: Voter}}}
	for _, peer := range r.config.Peers {
		if peer.ID == r.config.ID {
			continue
		}
		cfg.Members = append(cfg.Members, ClusterMember{ID: peer.ID, Address: peer.Address, State: Voter})
	}
	if err := r.stableStore.Set(keyBootstrapConfig, EncodeConfig(cfg, nil)); err != nil {
		return ClusterConfig{}, fmt.Errorf("failed to persist bootstrap configuration: %w", err)
	}
	return cfg, nil
}

// State returns the current node state (Follower, Candidate, Leader).
func (r *Raft) State() NodeState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Leader returns the current known leader ID (empty if unknown).
func (r *Raft) Leader() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

// LeaderAddress returns the address of the known leader, if any.
func (r *Raft) LeaderAddress() (id, addr string) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.leaderID == "" {
		return "", ""
	}
	if m, ok := r.latestConfig.Member(r.leaderID); ok {
		return r.leaderID, m.Address
	}
	if m, ok := r.clusterConfig.Member(r.leaderID); ok {
		return r.leaderID, m.Address
	}
	return r.leaderID, ""
}

// CurrentTerm returns the current term of the node.
func (r *Raft) CurrentTerm() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.currentTerm
}

// VotedFor returns the candidate ID that received vote in current term.
func (r *Raft) VotedFor() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.votedFor
}

// ID returns the node id.
func (r *Raft) ID() string {
	return r.config.ID
}

// MatchIndex returns the matchIndex map for testing purposes.
func (r *Raft) MatchIndex() map[string]uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make(map[string]uint64, len(r.matchIndex))
	for k, v := range r.matchIndex {
		result[k] = v
	}
	return result
}

// LastSnapshotIndex returns the lastIncludedIndex of the most recent snapshot.
func (r *Raft) LastSnapshotIndex() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnapshotIndex
}

// LastSnapshotTerm returns the lastIncludedTerm of the most recent snapshot.
func (r *Raft) LastSnapshotTerm() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSnapshotTerm
}

// GetConfiguration returns a copy of the committed cluster configuration.
func (r *Raft) GetConfiguration() ClusterConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clusterConfig.Clone()
}

// IsVoter reports whether nodeID votes in the committed configuration.
func (r *Raft) IsVoter(nodeID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clusterConfig.IsVoter(nodeID)
}

// GetVoters returns the voting members of the committed configuration.
func (r *Raft) GetVoters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clusterConfig.Voters()
}

// GetNonVoters returns the non-voting members of the committed configuration.
func (r *Raft) GetNonVoters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.clusterConfig.NonVoters()
}

// CommitIndex returns the highest log index known to be committed.
func (r *Raft) CommitIndex() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.commitIndex
}

// LastApplied returns the highest log index applied to the state machine.
func (r *Raft) LastApplied() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastApplied
}

// LastIndex returns the index of the last entry in the local log.
func (r *Raft) LastIndex() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	last, _, err := r.getLastLogInfo()
	if err != nil {
		return 0
	}
	return last
}

// Err returns the storage error that stopped the engine, if any.
func (r *Raft) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.fatalErr
}

func calculateQuorum(voters int) int {
	return voters/2 + 1
}

// Start begins the main loop. A node that is the only voter of its
// configuration becomes leader right away.
func (r *Raft) Start() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return nil
	}
	if r.stopped {
		r.mu.Unlock()
		return ErrStopped
	}
	r.running = true

	// Replay entries committed before a restart.
	r.applyEntries()

	r.electionTimer = time.NewTimer(r.randomElectionTimeout())
	if voters := r.clusterConfig.Voters(); len(voters) == 1 && voters[0] == r.config.ID {
		r.startElection()
	}
	r.updateMetrics()
	r.mu.Unlock()

	r.wg.Add(1)
	go r.runSnapshots()
	go r.run()
	return nil
}

// Stop shuts the node down and waits for its goroutines to exit.
func (r *Raft) Stop() error {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	wasRunning := r.running
	r.running = false
	if r.state == Leader {
		r.stopLeadership(ErrStopped)
	}
	if r.pendingSnapshot != nil {
		r.pendingSnapshot.Abort()
		r.pendingSnapshot = nil
	}
	r.mu.Unlock()

	close(r.stopChan)
	r.cancel()
	if wasRunning {
		<-r.doneChan
	}
	r.wg.Wait()

	r.mu.Lock()
	r.failFutures(ErrStopped)
	r.mu.Unlock()
	return nil
}

// run is the main event loop.
func (r *Raft) run() {
	defer close(r.doneChan)
	defer r.electionTimer.Stop()

	for {
		select {
		case <-r.stopChan:
			return

		case <-r.failChan:
			r.logger.Error("stopping after storage failure", "error", r.Err())
			return

		case <-r.electionTimer.C:
			r.mu.Lock()
			if r.state != Leader && r.clusterConfig.IsVoter(r.config.ID) {
				r.startElection()
			}
			r.resetElectionTimer()
			r.mu.Unlock()

		case rpc, ok := <-r.rpcChan:
			if !ok {
				r.logger.Info("transport consumer closed, stopping main loop")
				return
			}
			r.handleRPC(rpc)
		}
	}
}

// handleRPC dispatches an inbound consensus RPC.
func (r *Raft) handleRPC(rpc transport.RPC) {
	switch req := rpc.Request.(type) {
	case *api.VoteRequest:
		rpc.Respond(r.handleVoteRequest(req), nil)
	case *api.AppendEntriesRequest:
		rpc.Respond(r.handleAppendEntries(req), nil)
	case *api.InstallSnapshotRequest:
		rpc.Respond(r.handleInstallSnapshot(req), nil)
	default:
		rpc.Respond(nil, fmt.Errorf("unexpected consensus request %T", req))
	}
}

// fail records a storage error and stops the engine. Pending writes fail
// with ErrStorageFailure. Callers hold r.mu.
func (r *Raft) fail(err error) {
	if r.fatalErr != nil {
		return
	}
	r.fatalErr = fmt.Errorf("%w: %v", ErrStorageFailure, err)
	r.logger.Error("log store write failed", "error", err)
	if r.state == Leader {
		r.stopLeadership(ErrStorageFailure)
	}
	r.state = Follower
	r.failFutures(ErrStorageFailure)
	close(r.failChan)
}

// updateMetrics publishes role, term and log progress. Callers hold r.mu.
func (r *Raft) updateMetrics() {
	r.metrics.UpdateRaftState(r.currentTerm, strings.ToLower(r.state.String()), r.commitIndex, r.lastApplied)
}

// NotLeaderError is returned when an operation requires leadership.
// LeaderHint names the leader this node knows about, if any.
type NotLeaderError struct {
	LeaderHint string
}

func (e *NotLeaderError) Error() string {
	if e.LeaderHint == "" {
		return ErrNotLeader.Error()
	}
	return fmt.Sprintf("%s (leader: %s)", ErrNotLeader.Error(), e.LeaderHint)
}

// Is enables errors.Is(err, ErrNotLeader) to match NotLeaderError.
func (e *NotLeaderError) Is(target error) bool {
	return target == ErrNotLeader
}
