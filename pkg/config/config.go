// Package config holds the daemon configuration and loads it from defaults,
// a YAML file, VPNCLUSTER_ environment variables and command-line overrides,
// in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Config is the complete configuration of one vpn-clusterd node.
type Config struct {
	Node       NodeConfig       `koanf:"node"`
	Cluster    ClusterConfig    `koanf:"cluster"`
	Transport  TransportConfig  `koanf:"transport"`
	Raft       RaftConfig       `koanf:"raft"`
	Membership MembershipConfig `koanf:"membership"`
	HTTP       HTTPConfig       `koanf:"http"`
	Log        LogConfig        `koanf:"log"`
}

// NodeConfig describes the local node. An empty ID is generated on first
// start and persisted in the data directory.
type NodeConfig struct {
	ID       string            `koanf:"id"`
	Name     string            `koanf:"name"`
	Region   string            `koanf:"region"`
	DataDir  string            `koanf:"data_dir"`
	Metadata map[string]string `koanf:"metadata"`
}

type ClusterConfig struct {
	Name string `koanf:"name"`

	// Bootstrap seeds a new cluster from Peers ("id=address" entries). Only
	// the founding nodes set it; later nodes join through Seeds.
	Bootstrap bool     `koanf:"bootstrap"`
	Peers     []string `koanf:"peers"`
	Seeds     []string `koanf:"seeds"`
}

type TransportConfig struct {
	Listen     string        `koanf:"listen"`
	Advertise  string        `koanf:"advertise"`
	RPCTimeout time.Duration `koanf:"rpc_timeout"`
}

type RaftConfig struct {
	ElectionTimeout   time.Duration `koanf:"election_timeout"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	LeaseTimeout      time.Duration `koanf:"lease_timeout"`
	MaxAppendEntries  int           `koanf:"max_append_entries"`
	SnapshotThreshold uint64        `koanf:"snapshot_threshold"`
	TrailingLogs      uint64        `koanf:"trailing_logs"`
	SnapshotChunkSize int           `koanf:"snapshot_chunk_size"`
	SnapshotRateLimit int           `koanf:"snapshot_rate_limit"`
}

type MembershipConfig struct {
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	LivenessWindow    time.Duration `koanf:"liveness_window"`
	RemovalGrace      time.Duration `koanf:"removal_grace"`
	RequestTimeout    time.Duration `koanf:"request_timeout"`
	JoinRetryInterval time.Duration `koanf:"join_retry_interval"`
	// ForwardTimeout bounds the leader's wait on a forwarded write. Zero
	// derives it from transport.rpc_timeout.
	ForwardTimeout time.Duration `koanf:"forward_timeout"`
}

type HTTPConfig struct {
	Listen string `koanf:"listen"` // Empty disables the HTTP API
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// Peer is one bootstrap voter.
type Peer struct {
	ID      string
	Address string
}

// Defaults returns the configuration used for every key no source sets.
func Defaults() map[string]any {
	return map[string]any{
		"cluster.name":                   "vpncluster",
		"transport.listen":               ":7946",
		"transport.rpc_timeout":          "100ms",
		"raft.election_timeout":          "300ms",
		"raft.heartbeat_timeout":         "50ms",
		"raft.max_append_entries":        64,
		"raft.snapshot_threshold":        8192,
		"raft.trailing_logs":             1024,
		"raft.snapshot_chunk_size":       1024 * 1024,
		"membership.heartbeat_interval":  "1s",
		"membership.liveness_window":     "5s",
		"membership.request_timeout":     "5s",
		"membership.join_retry_interval": "1s",
		"http.listen":                    ":8946",
		"log.level":                      "info",
		"log.format":                     "text",
	}
}

// BootstrapPeers parses Cluster.Peers. An entry without "=" uses the address
// as the id.
func (c *Config) BootstrapPeers() ([]Peer, error) {
	peers := make([]Peer, 0, len(c.Cluster.Peers))
	for _, raw := range c.Cluster.Peers {
		entry := strings.TrimSpace(raw)
		if entry == "" {
			continue
		}
		id, addr, found := strings.Cut(entry, "=")
		if !found {
			addr = id
		}
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer %q: want id=address", raw)
		}
		peers = append(peers, Peer{ID: id, Address: addr})
	}
	return peers, nil
}

// AdvertiseAddr is the address other nodes reach this node on.
func (c *Config) AdvertiseAddr() string {
	if c.Transport.Advertise != "" {
		return c.Transport.Advertise
	}
	return c.Transport.Listen
}

// ForwardTimeout is how long the leader waits for a forwarded write to
// commit: membership.forward_timeout, or four fifths of the RPC timeout so
// the leader answers before the forwarding node gives up on the call.
func (c *Config) ForwardTimeout() time.Duration {
	if c.Membership.ForwardTimeout > 0 {
		return c.Membership.ForwardTimeout
	}
	return c.Transport.RPCTimeout * 4 / 5
}

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	if c.Node.DataDir == "" {
		errs = append(errs, "node.data_dir is required")
	}
	if c.Cluster.Name == "" {
		errs = append(errs, "cluster.name is required")
	}
	if c.Transport.Listen == "" {
		errs = append(errs, "transport.listen is required")
	}
	if _, err := c.BootstrapPeers(); err != nil {
		errs = append(errs, "cluster.peers: "+err.Error())
	}
	if !c.Cluster.Bootstrap && len(c.Cluster.Peers) > 0 {
		errs = append(errs, "cluster.peers is only used with cluster.bootstrap")
	}

	if c.Raft.ElectionTimeout <= 0 {
		errs = append(errs, "raft.election_timeout must be positive")
	}
	if c.Raft.HeartbeatTimeout <= 0 || c.Raft.HeartbeatTimeout >= c.Raft.ElectionTimeout {
		errs = append(errs, "raft.heartbeat_timeout must be positive and below raft.election_timeout")
	}
	if c.Transport.RPCTimeout <= 0 || c.Transport.RPCTimeout >= c.Raft.ElectionTimeout {
		errs = append(errs, "transport.rpc_timeout must be positive and below raft.election_timeout")
	}

	if c.Membership.HeartbeatInterval <= 0 {
		errs = append(errs, "membership.heartbeat_interval must be positive")
	}
	if c.Membership.LivenessWindow <= c.Membership.HeartbeatInterval {
		errs = append(errs, "membership.liveness_window must exceed membership.heartbeat_interval")
	}
	if c.Membership.RemovalGrace < 0 {
		errs = append(errs, "membership.removal_grace must not be negative")
	}
	if c.Membership.ForwardTimeout < 0 || (c.Membership.ForwardTimeout > 0 && c.Membership.ForwardTimeout >= c.Transport.RPCTimeout) {
		errs = append(errs, "membership.forward_timeout must be below transport.rpc_timeout")
	}

	if hclog.LevelFromString(c.Log.Level) == hclog.NoLevel {
		errs = append(errs, fmt.Sprintf("log.level %q is not a level", c.Log.Level))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Sprintf("log.format %q must be text or json", c.Log.Format))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
