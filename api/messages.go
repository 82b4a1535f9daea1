package api

import "time"

// Request is the closed set of messages a node can receive. Only types in
// this package implement it, which keeps dispatch switches exhaustive.
type Request interface {
	isRequest()
}

// Response is the closed set of replies to a Request.
type Response interface {
	isResponse()
}

// Result codes carried by membership responses so callers can tell a
// redirect from a retryable failure without parsing messages.
const (
	CodeOK             = "ok"
	CodeNotLeader      = "not_leader"
	CodeUnavailable    = "unavailable"
	CodeLeadershipLost = "leadership_lost"
	CodeTimeout        = "timeout"
	CodeError          = "error"
)

// Forwarded message types understood by ForwardToLeader.
const (
	ForwardCommand = "command"
	ForwardJoin    = "join"
	ForwardLeave   = "leave"
	ForwardRemove  = "remove"
)

// ---- membership service ----

type JoinClusterRequest struct {
	Node        NodeInfo  `codec:"node"`
	ClusterName string    `codec:"cluster"`
	Timestamp   time.Time `codec:"ts"`
}

type JoinClusterResponse struct {
	Success    bool          `codec:"ok"`
	Message    string        `codec:"msg"`
	Code       string        `codec:"code"`
	LeaderHint string        `codec:"leader"`
	Term       uint64        `codec:"term"`
	Index      uint64        `codec:"index"`
	State      *ClusterState `codec:"state"`
}

type LeaveClusterRequest struct {
	NodeID    string    `codec:"id"`
	Timestamp time.Time `codec:"ts"`
}

type LeaveClusterResponse struct {
	Success    bool   `codec:"ok"`
	Message    string `codec:"msg"`
	Code       string `codec:"code"`
	LeaderHint string `codec:"leader"`
	Term       uint64 `codec:"term"`
}

type HeartbeatRequest struct {
	NodeID    string    `codec:"id"`
	Timestamp time.Time `codec:"ts"`
	Resources Resources `codec:"res"`
}

type HeartbeatResponse struct {
	Success    bool      `codec:"ok"`
	ServerTime time.Time `codec:"now"`
	LeaderID   string    `codec:"leader"`
	Term       uint64    `codec:"term"`
}

type SyncStateRequest struct {
	NodeID           string `codec:"id"`
	LastKnownVersion uint64 `codec:"version"`
}

// SyncStateResponse carries the full state only when the responder's
// config version is newer than the requester's.
type SyncStateResponse struct {
	Success bool          `codec:"ok"`
	State   *ClusterState `codec:"state"`
	Term    uint64        `codec:"term"`
}

type ForwardMessage struct {
	FromNodeID  string    `codec:"from"`
	MessageType string    `codec:"type"`
	Payload     []byte    `codec:"payload"`
	Timestamp   time.Time `codec:"ts"`
	Hops        uint32    `codec:"hops"`
}

type ForwardResponse struct {
	Success         bool   `codec:"ok"`
	Message         string `codec:"msg"`
	Code            string `codec:"code"`
	LeaderHint      string `codec:"leader"`
	ResponsePayload []byte `codec:"payload"`
	Term            uint64 `codec:"term"`
	Index           uint64 `codec:"index"`
}

type StatusRequest struct {
	NodeID string `codec:"id"`
}

type StatusResponse struct {
	State     ClusterState `codec:"state"`
	Nodes     []NodeInfo   `codec:"nodes"`
	Timestamp time.Time    `codec:"ts"`
}

// ---- consensus service ----

type VoteRequest struct {
	Term         uint64 `codec:"term"`
	CandidateID  string `codec:"candidate"`
	LastLogIndex uint64 `codec:"last_index"`
	LastLogTerm  uint64 `codec:"last_term"`
}

type VoteResponse struct {
	Term        uint64 `codec:"term"`
	VoteGranted bool   `codec:"granted"`
}

type AppendEntriesRequest struct {
	Term         uint64      `codec:"term"`
	LeaderID     string      `codec:"leader"`
	PrevLogIndex uint64      `codec:"prev_index"`
	PrevLogTerm  uint64      `codec:"prev_term"`
	Entries      []*LogEntry `codec:"entries"`
	LeaderCommit uint64      `codec:"commit"`
}

// AppendEntriesResponse reports the follower's last log index on success.
// On a failed consistency check ConflictIndex is the first index the leader
// should retry from.
type AppendEntriesResponse struct {
	Term          uint64 `codec:"term"`
	Success       bool   `codec:"ok"`
	LastLogIndex  uint64 `codec:"last_index"`
	ConflictIndex uint64 `codec:"conflict"`
}

// InstallSnapshotRequest carries one chunk of a snapshot file. Configuration
// is the encoded ClusterConfiguration at LastIncludedIndex and is only
// required on the first chunk.
type InstallSnapshotRequest struct {
	Term              uint64 `codec:"term"`
	LeaderID          string `codec:"leader"`
	LastIncludedIndex uint64 `codec:"last_index"`
	LastIncludedTerm  uint64 `codec:"last_term"`
	Configuration     []byte `codec:"config"`
	Checksum          string `codec:"checksum"`
	Offset            uint64 `codec:"offset"`
	Data              []byte `codec:"data"`
	Done              bool   `codec:"done"`
}

type InstallSnapshotResponse struct {
	Term    uint64 `codec:"term"`
	Success bool   `codec:"ok"`
}

func (*JoinClusterRequest) isRequest()     {}
func (*LeaveClusterRequest) isRequest()    {}
func (*HeartbeatRequest) isRequest()       {}
func (*SyncStateRequest) isRequest()       {}
func (*ForwardMessage) isRequest()         {}
func (*StatusRequest) isRequest()          {}
func (*VoteRequest) isRequest()            {}
func (*AppendEntriesRequest) isRequest()   {}
func (*InstallSnapshotRequest) isRequest() {}

func (*JoinClusterResponse) isResponse()     {}
func (*LeaveClusterResponse) isResponse()    {}
func (*HeartbeatResponse) isResponse()       {}
func (*SyncStateResponse) isResponse()       {}
func (*ForwardResponse) isResponse()         {}
func (*StatusResponse) isResponse()          {}
func (*VoteResponse) isResponse()            {}
func (*AppendEntriesResponse) isResponse()   {}
func (*InstallSnapshotResponse) isResponse() {}
