// Package transport carries the consensus and membership RPCs between nodes.
// It defines the Transport interface plus a gRPC implementation and an
// in-memory implementation with partition controls for tests.
//
// Inbound requests are not handled here. They are delivered as RPC values on
// two consumer channels: Consumer for consensus traffic, read by the engine's
// main loop, and MembershipConsumer for the cluster coordinator. The receiver
// answers on RPC.RespChan.
//
// Outbound calls address peers by node id. The transport resolves ids through
// its address book (SetPeer/RemovePeer); a target that is not in the book is
// used as a network address, which is how a new node reaches its seeds before
// it knows their ids.
//
// Thread Safety: Implementations of Transport must be safe for concurrent use
// by multiple goroutines.
package transport

import (
	"context"
	"errors"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

// Error variables for transport operations.
var (
	// ErrTransportClosed is returned when operations are attempted on a closed transport.
	ErrTransportClosed = errors.New("transport is closed")
	// ErrConnectionFailed is returned when a connection to a peer cannot be established.
	ErrConnectionFailed = errors.New("failed to connect to peer")
	// ErrUnreachable is returned by the in-memory transport across a partition.
	ErrUnreachable = errors.New("peer unreachable")
)

// DefaultRPCTimeout bounds each outbound RPC when no timeout is configured.
// It must stay below the election timeout.
const DefaultRPCTimeout = 100 * time.Millisecond

// defaultConsumerBufferSize is the default buffer size for the consumer channels.
const defaultConsumerBufferSize = 256

// Transport defines the interface for node-to-node communication.
type Transport interface {
	// Consumer returns the channel of inbound consensus RPCs.
	Consumer() <-chan RPC

	// MembershipConsumer returns the channel of inbound membership RPCs.
	MembershipConsumer() <-chan RPC

	// LocalAddr returns the address on which this transport listens.
	LocalAddr() string

	// SetPeer records the address of a node id.
	SetPeer(id, addr string)

	// RemovePeer forgets a node id and releases its pooled connection.
	RemovePeer(id string)

	// PeerAddr returns the known address of a node id.
	PeerAddr(id string) (string, bool)

	SendRequestVote(ctx context.Context, target string, req *api.VoteRequest) (*api.VoteResponse, error)
	SendAppendEntries(ctx context.Context, target string, req *api.AppendEntriesRequest) (*api.AppendEntriesResponse, error)
	SendInstallSnapshot(ctx context.Context, target string, req *api.InstallSnapshotRequest) (*api.InstallSnapshotResponse, error)

	SendJoinCluster(ctx context.Context, target string, req *api.JoinClusterRequest) (*api.JoinClusterResponse, error)
	SendLeaveCluster(ctx context.Context, target string, req *api.LeaveClusterRequest) (*api.LeaveClusterResponse, error)
	SendHeartbeat(ctx context.Context, target string, req *api.HeartbeatRequest) (*api.HeartbeatResponse, error)
	SendSyncState(ctx context.Context, target string, req *api.SyncStateRequest) (*api.SyncStateResponse, error)
	SendForward(ctx context.Context, target string, req *api.ForwardMessage) (*api.ForwardResponse, error)
	SendGetClusterStatus(ctx context.Context, target string, req *api.StatusRequest) (*api.StatusResponse, error)

	// Close shuts down the transport and releases all resources.
	Close() error
}

// RPC represents an incoming RPC request with a channel for the response.
// This decouples the transport layer from its consumers: the transport receives
// requests and puts them on a channel, the consumer processes them and sends
// responses back via RespChan.
type RPC struct {
	Request  api.Request
	RespChan chan RPCResponse
}

// Respond sends the reply. RespChan is buffered so Respond never blocks.
func (r RPC) Respond(resp api.Response, err error) {
	r.RespChan <- RPCResponse{Response: resp, Error: err}
}

// RPCResponse wraps the response and any error from processing an RPC request.
type RPCResponse struct {
	Response api.Response
	Error    error
}

func newRPC(req api.Request) RPC {
	return RPC{Request: req, RespChan: make(chan RPCResponse, 1)}
}

// deliver hands req to a consumer channel and waits for the typed reply.
func deliver[Resp api.Response](ctx context.Context, consumer chan<- RPC, shutdown <-chan struct{}, req api.Request) (Resp, error) {
	var zero Resp
	rpc := newRPC(req)

	select {
	case consumer <- rpc:
	case <-shutdown:
		return zero, ErrTransportClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}

	select {
	case resp := <-rpc.RespChan:
		if resp.Error != nil {
			return zero, resp.Error
		}
		typed, ok := resp.Response.(Resp)
		if !ok {
			return zero, unexpectedResponse(resp.Response)
		}
		return typed, nil
	case <-shutdown:
		return zero, ErrTransportClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}
