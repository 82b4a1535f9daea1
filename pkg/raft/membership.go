// membership.go contains cluster membership functionality including:
// - Voter/non-voter configuration types and their log encoding
// - AddNonVoter and RemoveServer configuration changes
// - Promotion of caught-up non-voters
package raft

import (
	"context"
	"slices"

	"github.com/salahayoub/vpncluster/api"
)

// MembershipState is the voting status of a configuration member.
type MembershipState int

const (
	// NonVoter receives the log but takes no part in elections or commit.
	NonVoter MembershipState = iota
	// Voter takes part in elections and counts towards the commit quorum.
	Voter
)

// String returns a human-readable representation of the MembershipState.
func (s MembershipState) String() string {
	switch s {
	case NonVoter:
		return "NonVoter"
	case Voter:
		return "Voter"
	default:
		return "Unknown"
	}
}

// ClusterMember represents a node in the cluster configuration.
type ClusterMember struct {
	ID      string          `json:"id"`
	Address string          `json:"address"`
	State   MembershipState `json:"state"`
}

// ClusterConfig represents the full cluster membership configuration.
type ClusterConfig struct {
	Members []ClusterMember `json:"members"`
}

// Clone returns a deep copy of the configuration.
func (c ClusterConfig) Clone() ClusterConfig {
	return ClusterConfig{Members: slices.Clone(c.Members)}
}

// Member returns the member with the given id.
func (c ClusterConfig) Member(id string) (ClusterMember, bool) {
	for _, m := range c.Members {
		if m.ID == id {
			return m, true
		}
	}
	return ClusterMember{}, false
}

// IsVoter reports whether id is a voting member.
func (c ClusterConfig) IsVoter(id string) bool {
	m, ok := c.Member(id)
	return ok && m.State == Voter
}

// Voters returns the ids of the voting members in configuration order.
func (c ClusterConfig) Voters() []string {
	return c.idsWith(Voter)
}

// NonVoters returns the ids of the non-voting members in configuration order.
func (c ClusterConfig) NonVoters() []string {
	return c.idsWith(NonVoter)
}

func (c ClusterConfig) idsWith(state MembershipState) []string {
	var ids []string
	for _, m := range c.Members {
		if m.State == state {
			ids = append(ids, m.ID)
		}
	}
	return ids
}

// Equal returns true if two ClusterConfigs have the same members in the same order.
func (c ClusterConfig) Equal(other ClusterConfig) bool {
	return slices.Equal(c.Members, other.Members)
}

// with returns c with m added, or replacing the member with the same id.
func (c ClusterConfig) with(m ClusterMember) ClusterConfig {
	out := c.Clone()
	for i := range out.Members {
		if out.Members[i].ID == m.ID {
			out.Members[i] = m
			return out
		}
	}
	out.Members = append(out.Members, m)
	return out
}

// without returns c with the member id removed.
func (c ClusterConfig) without(id string) ClusterConfig {
	out := ClusterConfig{Members: make([]ClusterMember, 0, len(c.Members))}
	for _, m := range c.Members {
		if m.ID != id {
			out.Members = append(out.Members, m)
		}
	}
	return out
}

// EncodeConfig serializes a configuration and an optional context command
// into the payload of a LogConfiguration entry.
func EncodeConfig(c ClusterConfig, context []byte) []byte {
	wire := &api.ClusterConfiguration{
		Servers: make([]api.ServerInfo, 0, len(c.Members)),
		Context: context,
	}
	for _, m := range c.Members {
		wire.Servers = append(wire.Servers, api.ServerInfo{ID: m.ID, Address: m.Address, Voter: m.State == Voter})
	}
	return api.EncodeConfiguration(wire)
}

// DecodeConfig reverses EncodeConfig.
func DecodeConfig(data []byte) (ClusterConfig, []byte, error) {
	wire, err := api.DecodeConfiguration(data)
	if err != nil {
		return ClusterConfig{}, nil, err
	}
	c := ClusterConfig{Members: make([]ClusterMember, 0, len(wire.Servers))}
	for _, s := range wire.Servers {
		state := NonVoter
		if s.Voter {
			state = Voter
		}
		c.Members = append(c.Members, ClusterMember{ID: s.ID, Address: s.Address, State: state})
	}
	return c, wire.Context, nil
}

// AddNonVoter appends a configuration entry adding id as a non-voter, with
// payload committed in the same entry. An existing member keeps its voting
// state and gets the new address. The leader promotes the node once it has
// caught up.
func (r *Raft) AddNonVoter(ctx context.Context, id, addr string, payload []byte) (ApplyResult, error) {
	return r.changeConfig(ctx, payload, func(c ClusterConfig) ClusterConfig {
		if m, ok := c.Member(id); ok {
			m.Address = addr
			return c.with(m)
		}
		return c.with(ClusterMember{ID: id, Address: addr, State: NonVoter})
	})
}

// RemoveServer appends a configuration entry without id, with payload
// committed in the same entry. Removing the leader makes it step down once
// the entry is applied.
func (r *Raft) RemoveServer(ctx context.Context, id string, payload []byte) (ApplyResult, error) {
	return r.changeConfig(ctx, payload, func(c ClusterConfig) ClusterConfig {
		return c.without(id)
	})
}

// changeConfig appends a configuration entry derived from the latest
// configuration. A change to the voter set waits until no other
// configuration entry is pending, so quorums change one voter at a time.
func (r *Raft) changeConfig(ctx context.Context, payload []byte, mutate func(ClusterConfig) ClusterConfig) (ApplyResult, error) {
	for {
		r.mu.Lock()
		if err := r.checkWritable(); err != nil {
			r.mu.Unlock()
			return ApplyResult{}, err
		}

		next := mutate(r.latestConfig.Clone())
		changesVoters := !slices.Equal(r.latestConfig.Voters(), next.Voters())
		if changesVoters && r.latestConfigIndex > r.lastApplied {
			wait := r.configApplied
			r.mu.Unlock()
			select {
			case <-wait:
				continue
			case <-ctx.Done():
				return ApplyResult{}, contextError(ctx, "waiting for a pending configuration change")
			}
		}

		f, err := r.appendFuture(api.LogConfiguration, EncodeConfig(next, payload))
		r.mu.Unlock()
		if err != nil {
			return ApplyResult{}, err
		}
		return r.waitFuture(ctx, f)
	}
}

// checkAndPromoteNonVoter promotes peer to voter once it has replicated
// everything committed. Only one voter change is in flight at a time.
// Callers hold r.mu.
func (r *Raft) checkAndPromoteNonVoter(peer string) {
	m, ok := r.latestConfig.Member(peer)
	if !ok || m.State != NonVoter {
		return
	}
	if r.latestConfigIndex > r.lastApplied {
		return
	}
	if r.matchIndex[peer] < r.commitIndex {
		return
	}

	m.State = Voter
	r.logger.Info("promoting caught-up non-voter", "peer", peer, "match_index", r.matchIndex[peer])
	r.appendLocal(api.LogConfiguration, EncodeConfig(r.latestConfig.with(m), nil))
}

// trackLatestConfig records the newest configuration among entries received
// from the leader. Callers hold r.mu.
func (r *Raft) trackLatestConfig(entries []*api.LogEntry) {
	for _, entry := range entries {
		if entry.Type != api.LogConfiguration {
			continue
		}
		if cfg, _, err := DecodeConfig(entry.Data); err == nil {
			r.latestConfig = cfg
			r.latestConfigIndex = entry.Index
			r.syncTransportPeers(cfg)
		}
	}
}

// syncTransportPeers points the transport's address book at the members of
// cfg. Departed members are kept so a retiring replicator can still reach
// them. Callers hold r.mu.
func (r *Raft) syncTransportPeers(cfg ClusterConfig) {
	for _, m := range cfg.Members {
		if m.ID != r.config.ID && m.Address != "" {
			r.transport.SetPeer(m.ID, m.Address)
		}
	}
}
