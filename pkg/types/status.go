// Package types holds shared data structures used across vpncluster packages.
// The daemon's HTTP API and the status command both use them.
package types

import "time"

// StatusResponse is the JSON payload returned by the /status endpoint: the
// consensus view of one node plus what its membership table knows about
// every peer.
type StatusResponse struct {
	NodeID         string           `json:"node_id"`
	ClusterName    string           `json:"cluster_name"`
	Role           string           `json:"role"`
	Term           uint64           `json:"term"`
	CommitIndex    uint64           `json:"commit_index"`
	AppliedIndex   uint64           `json:"applied_index"`
	LeaderID       string           `json:"leader_id"`
	ConfigVersion  uint64           `json:"config_version"`
	Peers          []PeerStatus     `json:"peers"`
	ReplicationLag map[string]int64 `json:"replication_lag"`
}

// PeerStatus tracks what we know about a peer node.
type PeerStatus struct {
	ID         string    `json:"id"`
	Address    string    `json:"address"`
	Role       string    `json:"role"`
	Voter      bool      `json:"voter"`
	Status     string    `json:"status"` // membership status, empty if not registered yet
	MatchIndex uint64    `json:"match_index"`
	LastSeen   time.Time `json:"last_seen"`
}
