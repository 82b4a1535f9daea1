// Package api defines the wire types shared by the consensus engine, the
// transport and the cluster coordinator.
//
// Messages travel over gRPC encoded with the msgpack codec registered in
// codec.go. Log entries and cluster configurations are additionally written to
// disk in protobuf wire format (wire.go) so the on-disk layout does not depend
// on Go struct layout.
package api

import (
	"sort"
	"time"
)

// LogType distinguishes the kinds of entries that can appear in the replicated log.
type LogType int32

const (
	LogCommand       LogType = iota // Opaque payload applied to the state machine
	LogConfiguration                // Cluster membership change
	LogNoop                         // Appended by a new leader to commit earlier terms
)

func (t LogType) String() string {
	switch t {
	case LogCommand:
		return "command"
	case LogConfiguration:
		return "configuration"
	case LogNoop:
		return "noop"
	default:
		return "unknown"
	}
}

// LogEntry is a single record of the replicated log. Index is 1-based and
// contiguous; an entry is never mutated once appended.
type LogEntry struct {
	Index     uint64  `codec:"index"`
	Term      uint64  `codec:"term"`
	Type      LogType `codec:"type"`
	Data      []byte  `codec:"data"`
	Timestamp int64   `codec:"ts"` // unix nanoseconds, assigned by the leader
}

// NodeRole is the consensus role a node reports for itself.
type NodeRole string

const (
	RoleLeader    NodeRole = "leader"
	RoleFollower  NodeRole = "follower"
	RoleCandidate NodeRole = "candidate"
	RoleObserver  NodeRole = "observer"
)

// NodeStatus is the membership lifecycle state of a node.
type NodeStatus string

const (
	StatusJoining   NodeStatus = "joining"
	StatusActive    NodeStatus = "active"
	StatusSuspected NodeStatus = "suspected"
	StatusLeft      NodeStatus = "left"
)

// Resources are the advisory gauges a node reports in its heartbeats.
type Resources struct {
	CPUPercent    float64 `codec:"cpu" json:"cpu_percent"`
	MemoryPercent float64 `codec:"mem" json:"memory_percent"`
	DiskPercent   float64 `codec:"disk" json:"disk_percent"`
	BandwidthBps  uint64  `codec:"bw" json:"bandwidth_bps"`
}

// NodeInfo describes one member of the cluster.
type NodeInfo struct {
	NodeID    string            `codec:"id" json:"node_id"`
	Name      string            `codec:"name" json:"name"`
	Address   string            `codec:"addr" json:"address"`
	Role      NodeRole          `codec:"role" json:"role"`
	Status    NodeStatus        `codec:"status" json:"status"`
	JoinedAt  time.Time         `codec:"joined" json:"joined_at"`
	LastSeen  time.Time         `codec:"seen" json:"last_seen"`
	Resources Resources         `codec:"res" json:"resources"`
	Metadata  map[string]string `codec:"meta" json:"metadata,omitempty"`
	Version   string            `codec:"version" json:"version,omitempty"`
	Region    string            `codec:"region" json:"region,omitempty"`
}

// Clone returns a deep copy of n.
func (n NodeInfo) Clone() NodeInfo {
	out := n
	if n.Metadata != nil {
		out.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// ClusterState is the replicated view of the cluster: membership plus the
// shared configuration map.
type ClusterState struct {
	ClusterName   string            `codec:"name" json:"cluster_name"`
	Nodes         []NodeInfo        `codec:"nodes" json:"nodes"`
	LeaderID      string            `codec:"leader" json:"leader_id"`
	Term          uint64            `codec:"term" json:"term"`
	ConfigVersion uint64            `codec:"version" json:"config_version"`
	ConfigData    map[string]string `codec:"config" json:"config_data"`
	AppliedIndex  uint64            `codec:"applied" json:"applied_index"`
	CreatedAt     time.Time         `codec:"created" json:"created_at"`
	UpdatedAt     time.Time         `codec:"updated" json:"updated_at"`
}

// Clone returns a deep copy of s.
func (s *ClusterState) Clone() *ClusterState {
	if s == nil {
		return nil
	}
	out := *s
	out.Nodes = make([]NodeInfo, len(s.Nodes))
	for i, n := range s.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.ConfigData = make(map[string]string, len(s.ConfigData))
	for k, v := range s.ConfigData {
		out.ConfigData[k] = v
	}
	return &out
}

// Node returns the member with the given id.
func (s *ClusterState) Node(id string) (NodeInfo, bool) {
	i := sort.Search(len(s.Nodes), func(i int) bool { return s.Nodes[i].NodeID >= id })
	if i < len(s.Nodes) && s.Nodes[i].NodeID == id {
		return s.Nodes[i], true
	}
	return NodeInfo{}, false
}
