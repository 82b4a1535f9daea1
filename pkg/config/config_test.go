package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vpncluster.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader("").Load(map[string]any{"node.data_dir": t.TempDir()})
	require.NoError(t, err)

	assert.Equal(t, "vpncluster", cfg.Cluster.Name)
	assert.Equal(t, ":7946", cfg.Transport.Listen)
	assert.Equal(t, 100*time.Millisecond, cfg.Transport.RPCTimeout)
	assert.Equal(t, 300*time.Millisecond, cfg.Raft.ElectionTimeout)
	assert.Equal(t, uint64(8192), cfg.Raft.SnapshotThreshold)
	assert.Equal(t, 5*time.Second, cfg.Membership.LivenessWindow)
	assert.Zero(t, cfg.Membership.RemovalGrace)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Cluster.Bootstrap)
}

func TestLoad_Precedence(t *testing.T) {
	path := writeFile(t, `
node:
  id: from-file
  data_dir: /var/lib/vpncluster
  region: eu-west
  metadata:
    rack: r1
cluster:
  name: corp
  bootstrap: true
  peers: ["n1=10.0.0.1:7946", "n2=10.0.0.2:7946"]
membership:
  heartbeat_interval: 2s
  liveness_window: 10s
log:
  level: debug
`)
	t.Setenv("VPNCLUSTER_MEMBERSHIP__LIVENESS_WINDOW", "12s")
	t.Setenv("VPNCLUSTER_NODE__ID", "from-env")
	t.Setenv("VPNCLUSTER_LOG__FORMAT", "json")

	cfg, err := NewLoader(path).Load(map[string]any{"node.id": "from-flag"})
	require.NoError(t, err)

	assert.Equal(t, "from-flag", cfg.Node.ID, "flags beat env")
	assert.Equal(t, 12*time.Second, cfg.Membership.LivenessWindow, "env beats file")
	assert.Equal(t, 2*time.Second, cfg.Membership.HeartbeatInterval, "file beats defaults")
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "corp", cfg.Cluster.Name)
	assert.Equal(t, map[string]string{"rack": "r1"}, cfg.Node.Metadata)

	peers, err := cfg.BootstrapPeers()
	require.NoError(t, err)
	assert.Equal(t, []Peer{{"n1", "10.0.0.1:7946"}, {"n2", "10.0.0.2:7946"}}, peers)
}

func TestLoad_SeedsFromEnv(t *testing.T) {
	t.Setenv("VPNCLUSTER_CLUSTER__SEEDS", "10.0.0.1:7946,10.0.0.2:7946")
	cfg, err := NewLoader("").Load(map[string]any{"node.data_dir": t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, []string{"10.0.0.1:7946", "10.0.0.2:7946"}, cfg.Cluster.Seeds)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load(nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config file")
}

func TestLoad_InvalidReportsEveryProblem(t *testing.T) {
	path := writeFile(t, `
cluster:
  name: ""
  peers: ["n1=10.0.0.1:7946"]
raft:
  heartbeat_timeout: 1s
log:
  level: loud
  format: xml
`)
	_, err := NewLoader(path).Load(nil)
	require.Error(t, err)
	for _, want := range []string{
		"node.data_dir is required",
		"cluster.name is required",
		"cluster.peers is only used with cluster.bootstrap",
		"raft.heartbeat_timeout",
		`log.level "loud"`,
		`log.format "xml"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestForwardTimeout(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		want      time.Duration
		wantErr   string
	}{
		{"default rpc timeout", nil, 80 * time.Millisecond, ""},
		{"short rpc timeout", map[string]any{"transport.rpc_timeout": "50ms"}, 40 * time.Millisecond, ""},
		{"long rpc timeout", map[string]any{"transport.rpc_timeout": "250ms"}, 200 * time.Millisecond, ""},
		{"explicit", map[string]any{"transport.rpc_timeout": "250ms", "membership.forward_timeout": "150ms"}, 150 * time.Millisecond, ""},
		{"not below rpc timeout", map[string]any{"membership.forward_timeout": "100ms"}, 0, "membership.forward_timeout must be below transport.rpc_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			overrides := map[string]any{"node.data_dir": t.TempDir()}
			for k, v := range tt.overrides {
				overrides[k] = v
			}
			cfg, err := NewLoader("").Load(overrides)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.ForwardTimeout())
			assert.Less(t, cfg.ForwardTimeout(), cfg.Transport.RPCTimeout)
		})
	}
}

func TestBootstrapPeers(t *testing.T) {
	tests := []struct {
		name    string
		peers   []string
		want    []Peer
		wantErr bool
	}{
		{"empty", nil, []Peer{}, false},
		{"id and address", []string{"a=h1:1", " b = h2:2 "}, []Peer{{"a", "h1:1"}, {"b", "h2:2"}}, false},
		{"address only", []string{"h1:1"}, []Peer{{"h1:1", "h1:1"}}, false},
		{"blank entries skipped", []string{"", "a=h1:1"}, []Peer{{"a", "h1:1"}}, false},
		{"missing address", []string{"a="}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := &Config{Cluster: ClusterConfig{Peers: tt.peers}}
			got, err := c.BootstrapPeers()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdvertiseAddr(t *testing.T) {
	c := &Config{Transport: TransportConfig{Listen: ":7946"}}
	assert.Equal(t, ":7946", c.AdvertiseAddr())
	c.Transport.Advertise = "vpn1.example.net:7946"
	assert.Equal(t, "vpn1.example.net:7946", c.AdvertiseAddr())
}
