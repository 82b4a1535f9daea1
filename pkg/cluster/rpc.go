package cluster

import (
	"fmt"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

// serve reads inbound membership RPCs until the coordinator stops or the
// transport closes.
func (c *Coordinator) serve() {
	rpcs := c.transport.MembershipConsumer()
	for {
		select {
		case <-c.ctx.Done():
			return
		case rpc, ok := <-rpcs:
			if !ok {
				return
			}
			c.spawn(func() { c.handleRPC(rpc) })
		}
	}
}

func (c *Coordinator) handleRPC(rpc transport.RPC) {
	switch req := rpc.Request.(type) {
	case *api.JoinClusterRequest:
		rpc.Respond(c.handleJoin(req), nil)
	case *api.LeaveClusterRequest:
		rpc.Respond(c.handleLeave(req), nil)
	case *api.HeartbeatRequest:
		rpc.Respond(c.handleHeartbeat(req), nil)
	case *api.SyncStateRequest:
		rpc.Respond(c.handleSyncState(req), nil)
	case *api.ForwardMessage:
		rpc.Respond(c.handleForward(c.ctx, req), nil)
	case *api.StatusRequest:
		state := c.ClusterStatus()
		rpc.Respond(&api.StatusResponse{State: state, Nodes: state.Nodes, Timestamp: timeNow()}, nil)
	default:
		rpc.Respond(nil, fmt.Errorf("unexpected membership request %T", rpc.Request))
	}
}

// handleJoin commits a join on behalf of a node contacting this one,
// relaying it to the leader when this node does not lead.
func (c *Coordinator) handleJoin(req *api.JoinClusterRequest) *api.JoinClusterResponse {
	if req.ClusterName != "" && req.ClusterName != c.config.ClusterName {
		return &api.JoinClusterResponse{
			Code:    api.CodeError,
			Message: fmt.Sprintf("%s: node wants %q, this is %q", ErrClusterMismatch, req.ClusterName, c.config.ClusterName),
			Term:    c.raft.CurrentTerm(),
		}
	}
	if req.Node.NodeID == "" || req.Node.Address == "" {
		return &api.JoinClusterResponse{Code: api.CodeError, Message: "node id and address are required", Term: c.raft.CurrentTerm()}
	}

	payload, err := membership.NodeJoined(req.Node).Encode()
	if err != nil {
		return &api.JoinClusterResponse{Code: api.CodeError, Message: err.Error(), Term: c.raft.CurrentTerm()}
	}
	fwd := c.handleForward(c.ctx, &api.ForwardMessage{
		FromNodeID:  req.Node.NodeID,
		MessageType: api.ForwardJoin,
		Payload:     payload,
		Timestamp:   req.Timestamp,
	})
	return &api.JoinClusterResponse{
		Success:    fwd.Success,
		Message:    fwd.Message,
		Code:       fwd.Code,
		LeaderHint: fwd.LeaderHint,
		Term:       fwd.Term,
		Index:      fwd.Index,
		State:      decodeState(fwd.ResponsePayload),
	}
}

func (c *Coordinator) handleLeave(req *api.LeaveClusterRequest) *api.LeaveClusterResponse {
	payload, err := membership.NodeLeft(req.NodeID).Encode()
	if err != nil {
		return &api.LeaveClusterResponse{Code: api.CodeError, Message: err.Error(), Term: c.raft.CurrentTerm()}
	}
	fwd := c.handleForward(c.ctx, &api.ForwardMessage{
		FromNodeID:  req.NodeID,
		MessageType: api.ForwardLeave,
		Payload:     payload,
		Timestamp:   req.Timestamp,
	})
	return &api.LeaveClusterResponse{
		Success:    fwd.Success,
		Message:    fwd.Message,
		Code:       fwd.Code,
		LeaderHint: fwd.LeaderHint,
		Term:       fwd.Term,
	}
}

func (c *Coordinator) handleHeartbeat(req *api.HeartbeatRequest) *api.HeartbeatResponse {
	ok := c.table.Heartbeat(req.NodeID, req.Timestamp, req.Resources)
	c.metrics.RecordHeartbeat("received", ok)
	return &api.HeartbeatResponse{
		Success:    ok,
		ServerTime: timeNow(),
		LeaderID:   c.raft.Leader(),
		Term:       c.raft.CurrentTerm(),
	}
}

func (c *Coordinator) handleSyncState(req *api.SyncStateRequest) *api.SyncStateResponse {
	resp := &api.SyncStateResponse{Success: true, Term: c.raft.CurrentTerm()}
	if state, newer := c.SyncState(req.LastKnownVersion); newer {
		resp.State = &state
	}
	return resp
}
