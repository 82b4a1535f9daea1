package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/transport"
)

// maxForwardHops is how many times a forwarded write may be relayed by a
// node that is not the leader.
const maxForwardHops = 1

// IsRetryable reports whether err is a transient failure worth retrying,
// possibly against another node: no leader or the wrong one, a leader
// without a majority, lost leadership, or an unreachable peer.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, raft.ErrNotLeader),
		errors.Is(err, raft.ErrUnavailable),
		errors.Is(err, raft.ErrLeadershipLost),
		errors.Is(err, raft.ErrTimeout),
		errors.Is(err, transport.ErrUnreachable),
		errors.Is(err, transport.ErrConnectionFailed),
		errors.Is(err, context.DeadlineExceeded):
		return true
	}
	if s, ok := status.FromError(err); ok {
		switch s.Code() {
		case codes.Unavailable, codes.DeadlineExceeded:
			return true
		}
	}
	return false
}

// errorCode maps an engine error to the code carried on the wire.
func errorCode(err error) (code, leaderHint string) {
	var nle *raft.NotLeaderError
	switch {
	case err == nil:
		return api.CodeOK, ""
	case errors.As(err, &nle):
		return api.CodeNotLeader, nle.LeaderHint
	case errors.Is(err, raft.ErrNotLeader):
		return api.CodeNotLeader, ""
	case errors.Is(err, raft.ErrUnavailable):
		return api.CodeUnavailable, ""
	case errors.Is(err, raft.ErrLeadershipLost):
		return api.CodeLeadershipLost, ""
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return api.CodeTimeout, ""
	default:
		return api.CodeError, ""
	}
}

// codeError maps a wire code back to the matching sentinel.
func codeError(code, message, leaderHint string) error {
	switch code {
	case api.CodeOK:
		return nil
	case api.CodeNotLeader:
		return &raft.NotLeaderError{LeaderHint: leaderHint}
	case api.CodeUnavailable:
		return fmt.Errorf("%w: %s", raft.ErrUnavailable, message)
	case api.CodeLeadershipLost:
		return fmt.Errorf("%w: %s", raft.ErrLeadershipLost, message)
	case api.CodeTimeout:
		return fmt.Errorf("%w: %s", raft.ErrTimeout, message)
	default:
		return fmt.Errorf("%w: %s", ErrRejected, message)
	}
}

// dispatch runs a write on the leader: locally when this node leads,
// otherwise by forwarding it to the leader it knows.
func (c *Coordinator) dispatch(ctx context.Context, msgType string, payload []byte) (*api.ForwardResponse, error) {
	if c.raft.State() == raft.Leader {
		return c.execute(ctx, msgType, payload)
	}

	leader, ok := c.CurrentLeader()
	if !ok {
		return nil, &raft.NotLeaderError{}
	}
	resp, err := c.transport.SendForward(ctx, leader, &api.ForwardMessage{
		FromNodeID:  c.config.NodeID,
		MessageType: msgType,
		Payload:     payload,
		Timestamp:   timeNow(),
	})
	if err != nil {
		return nil, fmt.Errorf("forward %s to %s: %w", msgType, leader, err)
	}
	return resp, codeError(resp.Code, resp.Message, resp.LeaderHint)
}

// execute commits a write on this node, which is expected to lead. The
// response is what a forwarding node receives; the error is the local view
// of the same outcome. Once the entry commits the write succeeded, whatever
// the table made of it.
func (c *Coordinator) execute(ctx context.Context, msgType string, payload []byte) (*api.ForwardResponse, error) {
	res, err := c.propose(ctx, msgType, payload)
	resp := &api.ForwardResponse{Term: c.raft.CurrentTerm()}
	if err != nil {
		resp.Code, resp.LeaderHint = errorCode(err)
		resp.Message = err.Error()
		return resp, err
	}

	resp.Index, resp.Term = res.Index, res.Term
	if r, ok := res.Response.(*membership.Result); ok && r.Err != nil {
		c.logger.Warn("committed entry left the table unchanged", "type", msgType, "index", res.Index, "error", r.Err)
	}

	resp.Success = true
	resp.Code = api.CodeOK
	if msgType == api.ForwardJoin {
		if data, err := json.Marshal(c.ClusterStatus()); err == nil {
			resp.ResponsePayload = data
		}
	}
	return resp, nil
}

// forwardCommands is the command each membership message must carry.
var forwardCommands = map[string]membership.CommandType{
	api.ForwardJoin:   membership.CmdNodeJoined,
	api.ForwardLeave:  membership.CmdNodeLeft,
	api.ForwardRemove: membership.CmdNodeRemoved,
}

// propose appends the entry for one write and waits for it to apply.
// Membership changes go through the configuration so the voter set and the
// table change in the same entry.
func (c *Coordinator) propose(ctx context.Context, msgType string, payload []byte) (raft.ApplyResult, error) {
	if msgType == api.ForwardCommand {
		if err := checkCommand(payload); err != nil {
			return raft.ApplyResult{}, err
		}
		return c.raft.Apply(ctx, payload)
	}

	cmd, err := membership.DecodeCommand(payload)
	if err != nil {
		return raft.ApplyResult{}, fmt.Errorf("%w: %w", ErrRejected, err)
	}
	typ, known := forwardCommands[msgType]
	if !known {
		return raft.ApplyResult{}, fmt.Errorf("%w: unknown forward type %q", ErrRejected, msgType)
	}
	if cmd.Type != typ {
		return raft.ApplyResult{}, fmt.Errorf("%w: %s message carries a %s command", ErrRejected, msgType, cmd.Type)
	}

	switch msgType {
	case api.ForwardJoin:
		if cmd.Node == nil || cmd.Node.NodeID == "" || cmd.Node.Address == "" {
			return raft.ApplyResult{}, fmt.Errorf("%w: join without node id or address", ErrRejected)
		}
		return c.raft.AddNonVoter(ctx, cmd.Node.NodeID, cmd.Node.Address, payload)
	default:
		if !c.knownNode(cmd.NodeID) {
			return raft.ApplyResult{}, fmt.Errorf("%w: %w %q", ErrRejected, membership.ErrUnknownNode, cmd.NodeID)
		}
		return c.raft.RemoveServer(ctx, cmd.NodeID, payload)
	}
}

// checkCommand rejects a plain command payload that is a membership command
// the table would refuse. Any other payload is opaque and always accepted.
func checkCommand(payload []byte) error {
	cmd, err := membership.DecodeCommand(payload)
	if err != nil {
		return nil
	}
	if cmd.IsNodeCommand() {
		return fmt.Errorf("%w: %s goes through join, leave or remove", ErrRejected, cmd.Type)
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrRejected, err)
	}
	return nil
}

// knownNode reports whether id is in the table or the configuration.
func (c *Coordinator) knownNode(id string) bool {
	if _, ok := c.table.Node(id); ok {
		return true
	}
	_, ok := c.raft.GetConfiguration().Member(id)
	return ok
}

// handleForward answers a ForwardMessage. The leader executes it; any other
// node relays it toward the leader it knows, at most maxForwardHops times,
// and otherwise answers not_leader with its hint.
func (c *Coordinator) handleForward(ctx context.Context, msg *api.ForwardMessage) *api.ForwardResponse {
	if c.raft.State() == raft.Leader {
		ctx, cancel := context.WithTimeout(ctx, c.config.ForwardTimeout)
		defer cancel()
		resp, _ := c.execute(ctx, msg.MessageType, msg.Payload)
		c.metrics.RecordForward(msg.MessageType, resp.Code)
		return resp
	}

	leader, _ := c.CurrentLeader()
	notLeader := &api.ForwardResponse{
		Code:       api.CodeNotLeader,
		Message:    raft.ErrNotLeader.Error(),
		LeaderHint: leader,
		Term:       c.raft.CurrentTerm(),
	}
	if leader == "" || leader == c.config.NodeID || leader == msg.FromNodeID || msg.Hops >= maxForwardHops {
		c.metrics.RecordForward(msg.MessageType, notLeader.Code)
		return notLeader
	}

	relay := *msg
	relay.Hops++
	resp, err := c.transport.SendForward(ctx, leader, &relay)
	if err != nil {
		c.logger.Debug("relay to leader failed", "leader", leader, "type", msg.MessageType, "error", err)
		c.metrics.RecordForward(msg.MessageType, notLeader.Code)
		return notLeader
	}
	c.metrics.RecordForward(msg.MessageType, resp.Code)
	return resp
}
