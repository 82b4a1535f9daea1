package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

// InmemNetwork connects InmemTransports inside one process and lets tests cut
// links between them.
type InmemNetwork struct {
	mu       sync.RWMutex
	nodes    map[string]*InmemTransport
	blocked  map[[2]string]bool // directed (from, to) address pairs
	isolated map[string]bool
}

// NewInmemNetwork creates an empty network.
func NewInmemNetwork() *InmemNetwork {
	return &InmemNetwork{
		nodes:    make(map[string]*InmemTransport),
		blocked:  make(map[[2]string]bool),
		isolated: make(map[string]bool),
	}
}

// NewTransport attaches a transport listening on addr.
func (n *InmemNetwork) NewTransport(addr string) *InmemTransport {
	t := &InmemTransport{
		network:            n,
		addr:               addr,
		timeout:            DefaultRPCTimeout,
		consumer:           make(chan RPC, defaultConsumerBufferSize),
		membershipConsumer: make(chan RPC, defaultConsumerBufferSize),
		peers:              newAddressBook(),
		shutdown:           make(chan struct{}),
	}
	n.mu.Lock()
	n.nodes[addr] = t
	n.mu.Unlock()
	return t
}

// Disconnect drops traffic between a and b in both directions.
func (n *InmemNetwork) Disconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked[[2]string{a, b}] = true
	n.blocked[[2]string{b, a}] = true
}

// Reconnect restores traffic between a and b.
func (n *InmemNetwork) Reconnect(a, b string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.blocked, [2]string{a, b})
	delete(n.blocked, [2]string{b, a})
}

// Isolate cuts addr off from every other node.
func (n *InmemNetwork) Isolate(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.isolated[addr] = true
}

// Rejoin undoes Isolate.
func (n *InmemNetwork) Rejoin(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.isolated, addr)
}

// Heal removes every partition.
func (n *InmemNetwork) Heal() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.blocked = make(map[[2]string]bool)
	n.isolated = make(map[string]bool)
}

func (n *InmemNetwork) route(from, to string) (*InmemTransport, error) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.isolated[from] || n.isolated[to] || n.blocked[[2]string{from, to}] {
		return nil, fmt.Errorf("%w: %s -> %s", ErrUnreachable, from, to)
	}
	peer, ok := n.nodes[to]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectionFailed, to)
	}
	return peer, nil
}

func (n *InmemNetwork) detach(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.nodes, addr)
}

// InmemTransport implements Transport over an InmemNetwork. Consumer channels
// are never closed; consumers stop on their own shutdown signal.
type InmemTransport struct {
	network *InmemNetwork
	addr    string
	timeout time.Duration

	consumer           chan RPC
	membershipConsumer chan RPC

	peers *addressBook

	shutdown  chan struct{}
	closeOnce sync.Once
}

// SetTimeout changes the per-RPC deadline. Call it before the transport is used.
func (t *InmemTransport) SetTimeout(d time.Duration) {
	t.timeout = d
}

func (t *InmemTransport) Consumer() <-chan RPC           { return t.consumer }
func (t *InmemTransport) MembershipConsumer() <-chan RPC { return t.membershipConsumer }
func (t *InmemTransport) LocalAddr() string              { return t.addr }

func (t *InmemTransport) SetPeer(id, addr string) {
	t.peers.set(id, addr)
}

func (t *InmemTransport) RemovePeer(id string) {
	t.peers.remove(id)
}

func (t *InmemTransport) PeerAddr(id string) (string, bool) {
	return t.peers.get(id)
}

// send routes req to target's consumer (consensus or membership) and waits
// for the reply.
func sendInmem[Resp api.Response](t *InmemTransport, ctx context.Context, target string, membership bool, req api.Request) (Resp, error) {
	var zero Resp
	select {
	case <-t.shutdown:
		return zero, ErrTransportClosed
	default:
	}

	peer, err := t.network.route(t.addr, t.peers.resolve(target))
	if err != nil {
		return zero, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	consumer := peer.consumer
	if membership {
		consumer = peer.membershipConsumer
	}
	resp, err := deliver[Resp](ctx, consumer, peer.shutdown, req)
	if err != nil {
		return zero, err
	}

	// A link cut while the request was in flight loses the reply.
	if _, err := t.network.route(peer.addr, t.addr); err != nil {
		return zero, err
	}
	return resp, nil
}

func (t *InmemTransport) SendRequestVote(ctx context.Context, target string, req *api.VoteRequest) (*api.VoteResponse, error) {
	return sendInmem[*api.VoteResponse](t, ctx, target, false, req)
}

func (t *InmemTransport) SendAppendEntries(ctx context.Context, target string, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error) {
	return sendInmem[*api.AppendEntriesResponse](t, ctx, target, false, req)
}

func (t *InmemTransport) SendInstallSnapshot(ctx context.Context, target string, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error) {
	return sendInmem[*api.InstallSnapshotResponse](t, ctx, target, false, req)
}

func (t *InmemTransport) SendJoinCluster(ctx context.Context, target string, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	return sendInmem[*api.JoinClusterResponse](t, ctx, target, true, req)
}

func (t *InmemTransport) SendLeaveCluster(ctx context.Context, target string, req *api.LeaveClusterRequest) (*api.LeaveClusterResponse, error) {
	return sendInmem[*api.LeaveClusterResponse](t, ctx, target, true, req)
}

func (t *InmemTransport) SendHeartbeat(ctx context.Context, target string, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	return sendInmem[*api.HeartbeatResponse](t, ctx, target, true, req)
}

func (t *InmemTransport) SendSyncState(ctx context.Context, target string, req *api.SyncStateRequest) (*api.SyncStateResponse, error) {
	return sendInmem[*api.SyncStateResponse](t, ctx, target, true, req)
}

func (t *InmemTransport) SendForward(ctx context.Context, target string, req *api.ForwardMessage) (*api.ForwardResponse, error) {
	return sendInmem[*api.ForwardResponse](t, ctx, target, true, req)
}

func (t *InmemTransport) SendGetClusterStatus(ctx context.Context, target string, req *api.StatusRequest) (*api.StatusResponse, error) {
	return sendInmem[*api.StatusResponse](t, ctx, target, true, req)
}

// Close detaches the transport from its network.
func (t *InmemTransport) Close() error {
	t.closeOnce.Do(func() {
		close(t.shutdown)
		t.network.detach(t.addr)
	})
	return nil
}

var _ Transport = (*InmemTransport)(nil)
