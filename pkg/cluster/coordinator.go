// Package cluster coordinates a VPN node's membership in the cluster. It sits
// on top of the consensus engine and the membership table, serves the
// membership RPCs and runs the node's background loops.
//
// # Thread Safety Guarantees
//
// Coordinator is safe for concurrent use. Writes are executed on the leader;
// any other node forwards them one hop. Every inbound membership RPC is
// handled on its own goroutine so a write waiting for commit never holds up
// heartbeats or status queries.
//
// File Organization:
//   - coordinator.go: Config, Coordinator, lifecycle and the client operations
//   - forward.go: Leader execution, forwarding and result codes
//   - rpc.go: Handlers for inbound membership RPCs
//   - loops.go: Heartbeat sender, liveness sweeper and self-registration
package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/resources"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

// Sentinel errors returned by the coordinator.
var (
	// ErrRejected wraps a command the leader committed but the membership
	// table refused, or a request the leader could not accept.
	ErrRejected = errors.New("request rejected")
	// ErrClusterMismatch is returned when a node asks to join another cluster.
	ErrClusterMismatch = errors.New("cluster name mismatch")
	ErrStopped         = errors.New("coordinator is stopped")
	ErrAlreadyStarted  = errors.New("coordinator already started")
)

// Defaults for Config fields left zero.
const (
	DefaultHeartbeatInterval = time.Second
	DefaultLivenessWindow    = 5 * time.Second
	DefaultRequestTimeout    = 5 * time.Second
	DefaultForwardTimeout    = transport.DefaultRPCTimeout * 4 / 5
	DefaultJoinRetryInterval = time.Second
)

// Config holds the identity of the local node and the timing of the
// coordinator's loops.
type Config struct {
	NodeID      string
	ClusterName string
	Address     string // Transport address other nodes reach this node on
	Name        string
	Region      string
	Version     string
	Metadata    map[string]string

	// Seeds are addresses of existing members a node that knows no leader
	// sends its join request to.
	Seeds []string

	// HeartbeatInterval is how often resources are sampled and sent to
	// every other member.
	HeartbeatInterval time.Duration

	// LivenessWindow is how long a member may stay silent before it is
	// marked suspected.
	LivenessWindow time.Duration

	// RemovalGrace, when positive, lets the leader remove members that stayed
	// suspected for this long.
	RemovalGrace time.Duration

	// RequestTimeout bounds client operations whose context has no deadline,
	// including their retries.
	RequestTimeout time.Duration

	// ForwardTimeout bounds how long the leader waits for a forwarded write
	// to commit. Keep it below the transport's RPC timeout so the caller gets
	// a timeout code instead of a dropped call.
	ForwardTimeout time.Duration

	JoinRetryInterval time.Duration

	Sampler resources.Sampler
	Logger  hclog.Logger
	Metrics *metrics.Registry
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = c.NodeID
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.LivenessWindow <= 0 {
		c.LivenessWindow = DefaultLivenessWindow
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.ForwardTimeout <= 0 {
		c.ForwardTimeout = DefaultForwardTimeout
	}
	if c.JoinRetryInterval <= 0 {
		c.JoinRetryInterval = DefaultJoinRetryInterval
	}
	if c.Sampler == nil {
		c.Sampler = resources.Static{}
	}
	if c.Logger == nil {
		c.Logger = hclog.NewNullLogger()
	}
	return c
}

func (c Config) validate() error {
	var problems []string
	if c.NodeID == "" {
		problems = append(problems, "node id is required")
	}
	if c.Address == "" {
		problems = append(problems, "address is required")
	}
	if c.LivenessWindow <= c.HeartbeatInterval {
		problems = append(problems, fmt.Sprintf("liveness window (%v) must exceed the heartbeat interval (%v)",
			c.LivenessWindow, c.HeartbeatInterval))
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid cluster config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Coordinator ties the consensus engine, the membership table and the
// transport's membership service together.
type Coordinator struct {
	config    Config
	raft      *raft.Raft
	table     *membership.Table
	transport transport.Transport
	logger    hclog.Logger
	metrics   *metrics.Registry

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool
	left    bool // this node left on purpose and must not re-register
}

// New creates a coordinator. table must be the state machine r applies to.
func New(config Config, r *raft.Raft, table *membership.Table, trans transport.Transport) (*Coordinator, error) {
	config = config.withDefaults()
	if err := config.validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		config:    config,
		raft:      r,
		table:     table,
		transport: trans,
		logger:    config.Logger.Named("cluster"),
		metrics:   config.Metrics,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// Start serves membership RPCs and starts the background loops.
func (c *Coordinator) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return ErrStopped
	}
	if c.started {
		return ErrAlreadyStarted
	}
	c.started = true

	c.spawn(c.serve)
	c.spawn(c.runHeartbeats)
	c.spawn(c.runSweeper)
	c.spawn(c.runRegistration)
	c.logger.Info("coordinator started", "node", c.config.NodeID, "cluster", c.config.ClusterName)
	return nil
}

// Stop cancels the loops and waits for in-flight handlers. It is idempotent.
func (c *Coordinator) Stop() error {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil
	}
	c.stopped = true
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.logger.Info("coordinator stopped")
	return nil
}

func (c *Coordinator) spawn(f func()) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		f()
	}()
}

// Self returns the record this node registers itself with.
func (c *Coordinator) Self() api.NodeInfo {
	return api.NodeInfo{
		NodeID:   c.config.NodeID,
		Name:     c.config.Name,
		Address:  c.config.Address,
		Role:     api.RoleObserver,
		Status:   api.StatusJoining,
		Metadata: c.config.Metadata,
		Version:  c.config.Version,
		Region:   c.config.Region,
	}.Clone()
}

// CurrentLeader returns the leader this node knows about.
func (c *Coordinator) CurrentLeader() (string, bool) {
	id := c.raft.Leader()
	return id, id != ""
}

// ClusterStatus returns the membership table with the consensus view laid
// over it: the leader, the term, and each node's role.
func (c *Coordinator) ClusterStatus() api.ClusterState {
	state := c.table.State()
	state.LeaderID = c.raft.Leader()
	state.Term = c.raft.CurrentTerm()

	cfg := c.raft.GetConfiguration()
	candidate := c.raft.State() == raft.Candidate
	for i := range state.Nodes {
		n := &state.Nodes[i]
		switch {
		case n.NodeID == state.LeaderID:
			n.Role = api.RoleLeader
		case n.NodeID == c.config.NodeID && candidate:
			n.Role = api.RoleCandidate
		case cfg.IsVoter(n.NodeID):
			n.Role = api.RoleFollower
		default:
			n.Role = api.RoleObserver
		}
	}
	return state
}

// SyncState returns the cluster state when it is newer than version.
func (c *Coordinator) SyncState(version uint64) (api.ClusterState, bool) {
	if c.table.Version() <= version {
		return api.ClusterState{}, false
	}
	return c.ClusterStatus(), true
}

// Config returns one shared configuration value from the local table.
func (c *Coordinator) Config(key string) (string, bool) {
	return c.table.Config(key)
}

// SubmitCommand commits payload through the leader and returns its log
// index. A payload that is not a membership command is opaque to the table;
// a membership command that the table would refuse is rejected before it is
// proposed. Retryable failures are retried until ctx ends; the command id
// makes a retry of an already committed membership command a no-op.
func (c *Coordinator) SubmitCommand(ctx context.Context, payload []byte) (uint64, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var index uint64
	err := c.retry(ctx, api.ForwardCommand, func(ctx context.Context) error {
		resp, err := c.dispatch(ctx, api.ForwardCommand, payload)
		if err != nil {
			return err
		}
		index = resp.Index
		return nil
	})
	return index, err
}

func (c *Coordinator) submit(ctx context.Context, cmd *membership.Command) (uint64, error) {
	payload, err := cmd.Encode()
	if err != nil {
		return 0, err
	}
	return c.SubmitCommand(ctx, payload)
}

// SetConfig sets a shared configuration key.
func (c *Coordinator) SetConfig(ctx context.Context, key, value string) (uint64, error) {
	return c.submit(ctx, membership.ConfigSet(key, value))
}

// DeleteConfig deletes a shared configuration key.
func (c *Coordinator) DeleteConfig(ctx context.Context, key string) (uint64, error) {
	return c.submit(ctx, membership.ConfigDelete(key))
}

// Join adds node to the cluster as a non-voter. The leader promotes it once
// it has caught up. A node that knows no leader sends the request to its
// seeds. The returned state includes the new node.
func (c *Coordinator) Join(ctx context.Context, node api.NodeInfo) (api.ClusterState, error) {
	if node.NodeID == "" || node.Address == "" {
		return api.ClusterState{}, fmt.Errorf("%w: node id and address are required", ErrRejected)
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := membership.NodeJoined(node).Encode()
	if err != nil {
		return api.ClusterState{}, err
	}

	var state *api.ClusterState
	err = c.retry(ctx, api.ForwardJoin, func(ctx context.Context) error {
		if _, ok := c.CurrentLeader(); !ok && len(c.config.Seeds) > 0 {
			s, err := c.joinViaSeeds(ctx, node)
			state = s
			return err
		}
		resp, err := c.dispatch(ctx, api.ForwardJoin, payload)
		if err != nil {
			return err
		}
		state = decodeState(resp.ResponsePayload)
		return nil
	})
	if err != nil {
		return api.ClusterState{}, err
	}
	c.logger.Info("node joined the cluster", "node", node.NodeID, "address", node.Address)
	if state == nil {
		return c.ClusterStatus(), nil
	}
	return *state, nil
}

// joinViaSeeds asks each seed in turn to relay the join to its leader.
func (c *Coordinator) joinViaSeeds(ctx context.Context, node api.NodeInfo) (*api.ClusterState, error) {
	req := &api.JoinClusterRequest{Node: node, ClusterName: c.config.ClusterName, Timestamp: timeNow()}
	var lastErr error = &raft.NotLeaderError{}
	for _, seed := range c.config.Seeds {
		if seed == c.config.Address {
			continue
		}
		resp, err := c.transport.SendJoinCluster(ctx, seed, req)
		if err != nil {
			lastErr = fmt.Errorf("join via seed %s: %w", seed, err)
			continue
		}
		if err := codeError(resp.Code, resp.Message, resp.LeaderHint); err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return nil, err
			}
			continue
		}
		return resp.State, nil
	}
	return nil, lastErr
}

// Leave removes nodeID from the voters and marks it departed. A node leaving
// itself stops re-registering.
func (c *Coordinator) Leave(ctx context.Context, nodeID string) error {
	if nodeID == c.config.NodeID {
		c.mu.Lock()
		c.left = true
		c.mu.Unlock()
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := membership.NodeLeft(nodeID).Encode()
	if err != nil {
		return err
	}
	return c.retry(ctx, api.ForwardLeave, func(ctx context.Context) error {
		if _, ok := c.CurrentLeader(); !ok && len(c.config.Seeds) > 0 {
			return c.leaveViaSeeds(ctx, nodeID)
		}
		_, err := c.dispatch(ctx, api.ForwardLeave, payload)
		return err
	})
}

func (c *Coordinator) leaveViaSeeds(ctx context.Context, nodeID string) error {
	req := &api.LeaveClusterRequest{NodeID: nodeID, Timestamp: timeNow()}
	var lastErr error = &raft.NotLeaderError{}
	for _, seed := range c.config.Seeds {
		if seed == c.config.Address {
			continue
		}
		resp, err := c.transport.SendLeaveCluster(ctx, seed, req)
		if err != nil {
			lastErr = fmt.Errorf("leave via seed %s: %w", seed, err)
			continue
		}
		if err := codeError(resp.Code, resp.Message, resp.LeaderHint); err != nil {
			lastErr = err
			if !IsRetryable(err) {
				return err
			}
			continue
		}
		return nil
	}
	return lastErr
}

// RemoveNode deletes a node from the configuration and the table.
func (c *Coordinator) RemoveNode(ctx context.Context, nodeID string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload, err := membership.NodeRemoved(nodeID).Encode()
	if err != nil {
		return err
	}
	return c.retry(ctx, api.ForwardRemove, func(ctx context.Context) error {
		_, err := c.dispatch(ctx, api.ForwardRemove, payload)
		return err
	})
}

// withTimeout applies RequestTimeout to a context without a deadline.
func (c *Coordinator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.config.RequestTimeout)
}

// retry runs fn until it succeeds, fails with a non-retryable error, or ctx
// ends. The last error is returned so callers can still classify it.
func (c *Coordinator) retry(ctx context.Context, op string, fn func(context.Context) error) error {
	for attempt := 1; ; attempt++ {
		err := fn(ctx)
		if err == nil || !IsRetryable(err) {
			return err
		}
		c.logger.Debug("retrying", "op", op, "attempt", attempt, "error", err)

		select {
		case <-time.After(retryBackoff(attempt)):
		case <-ctx.Done():
			return err
		case <-c.ctx.Done():
			return ErrStopped
		}
	}
}

// retryBackoff doubles from 20ms up to 500ms.
func retryBackoff(attempt int) time.Duration {
	d := 20 * time.Millisecond << min(attempt-1, 5)
	return min(d, 500*time.Millisecond)
}

func decodeState(data []byte) *api.ClusterState {
	if len(data) == 0 {
		return nil
	}
	var state api.ClusterState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil
	}
	return &state
}

// timeNow is a variable for testing purposes.
var timeNow = time.Now
