package transport

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// GRPCConfig configures a GRPCTransport.
type GRPCConfig struct {
	ListenAddr string

	// AdvertiseAddr is reported by LocalAddr. Defaults to the bound listener address.
	AdvertiseAddr string

	// RPCTimeout bounds every outbound call. Defaults to DefaultRPCTimeout.
	RPCTimeout time.Duration

	Logger  hclog.Logger
	Metrics *metrics.Registry

	ServerOptions []grpc.ServerOption
}

// GRPCTransport implements Transport using gRPC for network communication.
// It serves both the consensus and the membership service on one listener.
// It is safe for concurrent use by multiple goroutines.
type GRPCTransport struct {
	localAddr string
	timeout   time.Duration
	logger    hclog.Logger
	metrics   *metrics.Registry

	consumer           chan RPC
	membershipConsumer chan RPC

	peers *addressBook

	// Connection pool: map[addr]*grpc.ClientConn
	connPool sync.Map

	server   *grpc.Server
	listener net.Listener

	shutdown   chan struct{}
	shutdownMu sync.Mutex
}

// NewGRPCTransport creates a new GRPCTransport listening on cfg.ListenAddr and
// starts serving immediately.
func NewGRPCTransport(cfg GRPCConfig) (*GRPCTransport, error) {
	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return nil, err
	}

	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
	localAddr := cfg.AdvertiseAddr
	if localAddr == "" {
		localAddr = listener.Addr().String()
	}

	t := &GRPCTransport{
		localAddr:          localAddr,
		timeout:            cfg.RPCTimeout,
		logger:             cfg.Logger.Named("transport"),
		metrics:            cfg.Metrics,
		consumer:           make(chan RPC, defaultConsumerBufferSize),
		membershipConsumer: make(chan RPC, defaultConsumerBufferSize),
		peers:              newAddressBook(),
		shutdown:           make(chan struct{}),
		listener:           listener,
	}

	t.server = grpc.NewServer(cfg.ServerOptions...)
	api.RegisterConsensusServer(t.server, t)
	api.RegisterMembershipServer(t.server, t)

	go func() {
		if err := t.server.Serve(listener); err != nil {
			t.logger.Debug("grpc server stopped", "error", err)
		}
	}()

	t.logger.Info("transport listening", "addr", listener.Addr().String())
	return t, nil
}

// Consumer returns the channel of inbound consensus RPCs.
func (t *GRPCTransport) Consumer() <-chan RPC {
	return t.consumer
}

// MembershipConsumer returns the channel of inbound membership RPCs.
func (t *GRPCTransport) MembershipConsumer() <-chan RPC {
	return t.membershipConsumer
}

// LocalAddr returns the address on which this transport listens.
func (t *GRPCTransport) LocalAddr() string {
	return t.localAddr
}

// SetPeer records the address of a node id. A changed address drops the
// connection pooled for the old one.
func (t *GRPCTransport) SetPeer(id, addr string) {
	if old, changed := t.peers.set(id, addr); changed && old != "" {
		t.dropConn(old)
	}
}

// RemovePeer forgets a node id and closes its pooled connection.
func (t *GRPCTransport) RemovePeer(id string) {
	if addr, ok := t.peers.remove(id); ok {
		t.dropConn(addr)
	}
}

// PeerAddr returns the known address of a node id.
func (t *GRPCTransport) PeerAddr(id string) (string, bool) {
	return t.peers.get(id)
}

func (t *GRPCTransport) dropConn(addr string) {
	if val, ok := t.connPool.LoadAndDelete(addr); ok {
		val.(*grpc.ClientConn).Close()
	}
}

// getOrCreateConn returns an existing connection from the pool or creates a new one.
// Uses LoadOrStore to handle the race condition where multiple goroutines try to
// connect to the same peer simultaneously - only one connection is kept.
func (t *GRPCTransport) getOrCreateConn(target string) (*grpc.ClientConn, error) {
	select {
	case <-t.shutdown:
		return nil, ErrTransportClosed
	default:
	}

	addr := t.peers.resolve(target)
	if val, ok := t.connPool.Load(addr); ok {
		return val.(*grpc.ClientConn), nil
	}

	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(api.CodecName)),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrConnectionFailed, addr, err)
	}

	actual, loaded := t.connPool.LoadOrStore(addr, conn)
	if loaded {
		conn.Close()
		return actual.(*grpc.ClientConn), nil
	}
	return conn, nil
}

// call runs fn against the pooled connection for target under the RPC deadline.
func call[Resp any](t *GRPCTransport, ctx context.Context, target, method string, fn func(context.Context, *grpc.ClientConn) (*Resp, error)) (*Resp, error) {
	conn, err := t.getOrCreateConn(target)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	start := time.Now()
	resp, err := fn(ctx, conn)
	t.metrics.RecordRPC(method, err, time.Since(start))
	if err != nil {
		return nil, fmt.Errorf("%s to %s: %w", method, target, err)
	}
	return resp, nil
}

func (t *GRPCTransport) SendRequestVote(ctx context.Context, target string, req *api.VoteRequest) (*api.VoteResponse, error) {
	return call(t, ctx, target, "RequestVote", func(ctx context.Context, cc *grpc.ClientConn) (*api.VoteResponse, error) {
		return api.NewConsensusClient(cc).RequestVote(ctx, req)
	})
}

func (t *GRPCTransport) SendAppendEntries(ctx context.Context, target string, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error) {
	return call(t, ctx, target, "AppendEntries", func(ctx context.Context, cc *grpc.ClientConn) (*api.AppendEntriesResponse, error) {
		return api.NewConsensusClient(cc).AppendEntries(ctx, req)
	})
}

func (t *GRPCTransport) SendInstallSnapshot(ctx context.Context, target string, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error) {
	return call(t, ctx, target, "InstallSnapshot", func(ctx context.Context, cc *grpc.ClientConn) (*api.InstallSnapshotResponse, error) {
		return api.NewConsensusClient(cc).InstallSnapshot(ctx, req)
	})
}

func (t *GRPCTransport) SendJoinCluster(ctx context.Context, target string, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	return call(t, ctx, target, "JoinCluster", func(ctx context.Context, cc *grpc.ClientConn) (*api.JoinClusterResponse, error) {
		return api.NewMembershipClient(cc).JoinCluster(ctx, req)
	})
}

func (t *GRPCTransport) SendLeaveCluster(ctx context.Context, target string, req *api.LeaveClusterRequest) (*api.LeaveClusterResponse, error) {
	return call(t, ctx, target, "LeaveCluster", func(ctx context.Context, cc *grpc.ClientConn) (*api.LeaveClusterResponse, error) {
		return api.NewMembershipClient(cc).LeaveCluster(ctx, req)
	})
}

func (t *GRPCTransport) SendHeartbeat(ctx context.Context, target string, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	return call(t, ctx, target, "Heartbeat", func(ctx context.Context, cc *grpc.ClientConn) (*api.HeartbeatResponse, error) {
		return api.NewMembershipClient(cc).Heartbeat(ctx, req)
	})
}

func (t *GRPCTransport) SendSyncState(ctx context.Context, target string, req *api.SyncStateRequest) (*api.SyncStateResponse, error) {
	return call(t, ctx, target, "SyncState", func(ctx context.Context, cc *grpc.ClientConn) (*api.SyncStateResponse, error) {
		return api.NewMembershipClient(cc).SyncState(ctx, req)
	})
}

func (t *GRPCTransport) SendForward(ctx context.Context, target string, req *api.ForwardMessage) (*api.ForwardResponse, error) {
	return call(t, ctx, target, "ForwardToLeader", func(ctx context.Context, cc *grpc.ClientConn) (*api.ForwardResponse, error) {
		return api.NewMembershipClient(cc).ForwardToLeader(ctx, req)
	})
}

func (t *GRPCTransport) SendGetClusterStatus(ctx context.Context, target string, req *api.StatusRequest) (*api.StatusResponse, error) {
	return call(t, ctx, target, "GetClusterStatus", func(ctx context.Context, cc *grpc.ClientConn) (*api.StatusResponse, error) {
		return api.NewMembershipClient(cc).GetClusterStatus(ctx, req)
	})
}

// Close shuts down the transport and releases all resources.
// It stops the gRPC server gracefully, closes all pooled connections,
// and closes the consumer channels. This method is safe to call multiple times.
func (t *GRPCTransport) Close() error {
	t.shutdownMu.Lock()
	defer t.shutdownMu.Unlock()

	select {
	case <-t.shutdown:
		return nil
	default:
	}

	close(t.shutdown)

	// GracefulStop waits for in-flight handlers, which all select on shutdown.
	if t.server != nil {
		t.server.GracefulStop()
	}

	t.connPool.Range(func(key, value interface{}) bool {
		if conn, ok := value.(*grpc.ClientConn); ok {
			conn.Close()
		}
		t.connPool.Delete(key)
		return true
	})

	close(t.consumer)
	close(t.membershipConsumer)

	return nil
}

// Compile-time checks.
var (
	_ Transport            = (*GRPCTransport)(nil)
	_ api.ConsensusServer  = (*GRPCTransport)(nil)
	_ api.MembershipServer = (*GRPCTransport)(nil)
)

// ---- inbound handlers (api.ConsensusServer) ----

func (t *GRPCTransport) RequestVote(ctx context.Context, req *api.VoteRequest) (*api.VoteResponse, error) {
	return deliver[*api.VoteResponse](ctx, t.consumer, t.shutdown, req)
}

func (t *GRPCTransport) AppendEntries(ctx context.Context, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error) {
	return deliver[*api.AppendEntriesResponse](ctx, t.consumer, t.shutdown, req)
}

func (t *GRPCTransport) InstallSnapshot(ctx context.Context, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error) {
	return deliver[*api.InstallSnapshotResponse](ctx, t.consumer, t.shutdown, req)
}

// ---- inbound handlers (api.MembershipServer) ----

func (t *GRPCTransport) JoinCluster(ctx context.Context, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error) {
	return deliver[*api.JoinClusterResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func (t *GRPCTransport) LeaveCluster(ctx context.Context, req *api.LeaveClusterRequest) (*api.LeaveClusterResponse, error) {
	return deliver[*api.LeaveClusterResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func (t *GRPCTransport) Heartbeat(ctx context.Context, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error) {
	return deliver[*api.HeartbeatResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func (t *GRPCTransport) SyncState(ctx context.Context, req *api.SyncStateRequest) (*api.SyncStateResponse, error) {
	return deliver[*api.SyncStateResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func (t *GRPCTransport) ForwardToLeader(ctx context.Context, req *api.ForwardMessage) (*api.ForwardResponse, error) {
	return deliver[*api.ForwardResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func (t *GRPCTransport) GetClusterStatus(ctx context.Context, req *api.StatusRequest) (*api.StatusResponse, error) {
	return deliver[*api.StatusResponse](ctx, t.membershipConsumer, t.shutdown, req)
}

func unexpectedResponse(v any) error {
	return fmt.Errorf("unexpected response type: %T", v)
}
