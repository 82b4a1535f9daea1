package api

import (
	"context"

	"google.golang.org/grpc"
)

// Fully qualified gRPC service names.
const (
	MembershipServiceName = "vpncluster.Membership"
	ConsensusServiceName  = "vpncluster.Consensus"
)

// MembershipServer is the node-facing cluster management service.
type MembershipServer interface {
	JoinCluster(context.Context, *JoinClusterRequest) (*JoinClusterResponse, error)
	LeaveCluster(context.Context, *LeaveClusterRequest) (*LeaveClusterResponse, error)
	Heartbeat(context.Context, *HeartbeatRequest) (*HeartbeatResponse, error)
	SyncState(context.Context, *SyncStateRequest) (*SyncStateResponse, error)
	ForwardToLeader(context.Context, *ForwardMessage) (*ForwardResponse, error)
	GetClusterStatus(context.Context, *StatusRequest) (*StatusResponse, error)
}

// ConsensusServer carries the Raft RPCs between peers.
type ConsensusServer interface {
	RequestVote(context.Context, *VoteRequest) (*VoteResponse, error)
	AppendEntries(context.Context, *AppendEntriesRequest) (*AppendEntriesResponse, error)
	InstallSnapshot(context.Context, *InstallSnapshotRequest) (*InstallSnapshotResponse, error)
}

// RegisterMembershipServer registers srv on s.
func RegisterMembershipServer(s grpc.ServiceRegistrar, srv MembershipServer) {
	s.RegisterService(&membershipServiceDesc, srv)
}

// RegisterConsensusServer registers srv on s.
func RegisterConsensusServer(s grpc.ServiceRegistrar, srv ConsensusServer) {
	s.RegisterService(&consensusServiceDesc, srv)
}

// unaryHandler adapts a typed server method to grpc.MethodHandler.
func unaryHandler[Req any, Resp any](fullMethod string, call func(srv any, ctx context.Context, req *Req) (*Resp, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv, ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv, ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func membershipMethod(name string) string { return "/" + MembershipServiceName + "/" + name }
func consensusMethod(name string) string  { return "/" + ConsensusServiceName + "/" + name }

var membershipServiceDesc = grpc.ServiceDesc{
	ServiceName: MembershipServiceName,
	HandlerType: (*MembershipServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "JoinCluster",
			Handler: unaryHandler(membershipMethod("JoinCluster"), func(srv any, ctx context.Context, req *JoinClusterRequest) (*JoinClusterResponse, error) {
				return srv.(MembershipServer).JoinCluster(ctx, req)
			}),
		},
		{
			MethodName: "LeaveCluster",
			Handler: unaryHandler(membershipMethod("LeaveCluster"), func(srv any, ctx context.Context, req *LeaveClusterRequest) (*LeaveClusterResponse, error) {
				return srv.(MembershipServer).LeaveCluster(ctx, req)
			}),
		},
		{
			MethodName: "Heartbeat",
			Handler: unaryHandler(membershipMethod("Heartbeat"), func(srv any, ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
				return srv.(MembershipServer).Heartbeat(ctx, req)
			}),
		},
		{
			MethodName: "SyncState",
			Handler: unaryHandler(membershipMethod("SyncState"), func(srv any, ctx context.Context, req *SyncStateRequest) (*SyncStateResponse, error) {
				return srv.(MembershipServer).SyncState(ctx, req)
			}),
		},
		{
			MethodName: "ForwardToLeader",
			Handler: unaryHandler(membershipMethod("ForwardToLeader"), func(srv any, ctx context.Context, req *ForwardMessage) (*ForwardResponse, error) {
				return srv.(MembershipServer).ForwardToLeader(ctx, req)
			}),
		},
		{
			MethodName: "GetClusterStatus",
			Handler: unaryHandler(membershipMethod("GetClusterStatus"), func(srv any, ctx context.Context, req *StatusRequest) (*StatusResponse, error) {
				return srv.(MembershipServer).GetClusterStatus(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vpncluster.proto",
}

var consensusServiceDesc = grpc.ServiceDesc{
	ServiceName: ConsensusServiceName,
	HandlerType: (*ConsensusServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "RequestVote",
			Handler: unaryHandler(consensusMethod("RequestVote"), func(srv any, ctx context.Context, req *VoteRequest) (*VoteResponse, error) {
				return srv.(ConsensusServer).RequestVote(ctx, req)
			}),
		},
		{
			MethodName: "AppendEntries",
			Handler: unaryHandler(consensusMethod("AppendEntries"), func(srv any, ctx context.Context, req *AppendEntriesRequest) (*AppendEntriesResponse, error) {
				return srv.(ConsensusServer).AppendEntries(ctx, req)
			}),
		},
		{
			MethodName: "InstallSnapshot",
			Handler: unaryHandler(consensusMethod("InstallSnapshot"), func(srv any, ctx context.Context, req *InstallSnapshotRequest) (*InstallSnapshotResponse, error) {
				return srv.(ConsensusServer).InstallSnapshot(ctx, req)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "vpncluster.proto",
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// MembershipClient is the client side of MembershipServer.
type MembershipClient struct {
	cc grpc.ClientConnInterface
}

func NewMembershipClient(cc grpc.ClientConnInterface) *MembershipClient {
	return &MembershipClient{cc: cc}
}

func (c *MembershipClient) JoinCluster(ctx context.Context, in *JoinClusterRequest, opts ...grpc.CallOption) (*JoinClusterResponse, error) {
	return invoke[JoinClusterResponse](ctx, c.cc, membershipMethod("JoinCluster"), in, opts)
}

func (c *MembershipClient) LeaveCluster(ctx context.Context, in *LeaveClusterRequest, opts ...grpc.CallOption) (*LeaveClusterResponse, error) {
	return invoke[LeaveClusterResponse](ctx, c.cc, membershipMethod("LeaveCluster"), in, opts)
}

func (c *MembershipClient) Heartbeat(ctx context.Context, in *HeartbeatRequest, opts ...grpc.CallOption) (*HeartbeatResponse, error) {
	return invoke[HeartbeatResponse](ctx, c.cc, membershipMethod("Heartbeat"), in, opts)
}

func (c *MembershipClient) SyncState(ctx context.Context, in *SyncStateRequest, opts ...grpc.CallOption) (*SyncStateResponse, error) {
	return invoke[SyncStateResponse](ctx, c.cc, membershipMethod("SyncState"), in, opts)
}

func (c *MembershipClient) ForwardToLeader(ctx context.Context, in *ForwardMessage, opts ...grpc.CallOption) (*ForwardResponse, error) {
	return invoke[ForwardResponse](ctx, c.cc, membershipMethod("ForwardToLeader"), in, opts)
}

func (c *MembershipClient) GetClusterStatus(ctx context.Context, in *StatusRequest, opts ...grpc.CallOption) (*StatusResponse, error) {
	return invoke[StatusResponse](ctx, c.cc, membershipMethod("GetClusterStatus"), in, opts)
}

// ConsensusClient is the client side of ConsensusServer.
type ConsensusClient struct {
	cc grpc.ClientConnInterface
}

func NewConsensusClient(cc grpc.ClientConnInterface) *ConsensusClient {
	return &ConsensusClient{cc: cc}
}

func (c *ConsensusClient) RequestVote(ctx context.Context, in *VoteRequest, opts ...grpc.CallOption) (*VoteResponse, error) {
	return invoke[VoteResponse](ctx, c.cc, consensusMethod("RequestVote"), in, opts)
}

func (c *ConsensusClient) AppendEntries(ctx context.Context, in *AppendEntriesRequest, opts ...grpc.CallOption) (*AppendEntriesResponse, error) {
	return invoke[AppendEntriesResponse](ctx, c.cc, consensusMethod("AppendEntries"), in, opts)
}

func (c *ConsensusClient) InstallSnapshot(ctx context.Context, in *InstallSnapshotRequest, opts ...grpc.CallOption) (*InstallSnapshotResponse, error) {
	return invoke[InstallSnapshotResponse](ctx, c.cc, consensusMethod("InstallSnapshot"), in, opts)
}
