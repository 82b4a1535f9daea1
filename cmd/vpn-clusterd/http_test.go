package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/cluster"
	"github.com/salahayoub/vpncluster/pkg/membership"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/resources"
	"github.com/salahayoub/vpncluster/pkg/storage"
	"github.com/salahayoub/vpncluster/pkg/transport"
	"github.com/salahayoub/vpncluster/pkg/types"
)

// singleNode starts a one-voter cluster on an in-memory transport and
// returns its HTTP API.
func singleNode(t *testing.T) (*httptest.Server, *cluster.Coordinator) {
	t.Helper()
	store, err := storage.NewBoltStore(filepath.Join(t.TempDir(), raftDBFilename))
	require.NoError(t, err)
	trans := transport.NewInmemNetwork().NewTransport("n1")
	reg := metrics.NewRegistry()
	table := membership.NewTable("corp-vpn", nil, reg)

	r, err := raft.NewRaft(raft.Config{
		ID:               "n1",
		Address:          "n1",
		Bootstrap:        true,
		ElectionTimeout:  100 * time.Millisecond,
		HeartbeatTimeout: 20 * time.Millisecond,
		Metrics:          reg,
	}, store, store, table, trans, nil)
	require.NoError(t, err)

	coord, err := cluster.New(cluster.Config{
		NodeID:            "n1",
		ClusterName:       "corp-vpn",
		Address:           "n1",
		HeartbeatInterval: 50 * time.Millisecond,
		LivenessWindow:    time.Second,
		JoinRetryInterval: 20 * time.Millisecond,
		Sampler:           resources.Static{CPUPercent: 5},
		Metrics:           reg,
	}, r, table, trans)
	require.NoError(t, err)

	require.NoError(t, r.Start())
	require.NoError(t, coord.Start())
	srv := httptest.NewServer(newMux("n1", r, coord, reg))
	t.Cleanup(func() {
		srv.Close()
		coord.Stop()
		r.Stop()
		trans.Close()
		store.Close()
	})

	require.Eventually(t, func() bool {
		n, ok := table.Node("n1")
		return ok && n.Status == api.StatusActive
	}, 5*time.Second, 10*time.Millisecond, "node never registered")
	return srv, coord
}

func do(t *testing.T, method, url, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestConfigHandler(t *testing.T) {
	srv, coord := singleNode(t)

	resp := do(t, http.MethodGet, srv.URL+"/config/dns", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = do(t, http.MethodPut, srv.URL+"/config/dns", "10.8.0.1")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body map[string]uint64
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotZero(t, body["index"])

	value, ok := coord.Config("dns")
	assert.True(t, ok)
	assert.Equal(t, "10.8.0.1", value)

	resp = do(t, http.MethodGet, srv.URL+"/config/dns", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Equal(t, "10.8.0.1", buf.String())

	resp = do(t, http.MethodDelete, srv.URL+"/config/dns", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, ok = coord.Config("dns")
	assert.False(t, ok)
}

func TestConfigHandler_BadRequests(t *testing.T) {
	srv, _ := singleNode(t)

	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodGet, srv.URL+"/config/", "").StatusCode)
	assert.Equal(t, http.StatusMethodNotAllowed, do(t, http.MethodPost, srv.URL+"/config/k", "v").StatusCode)
	assert.Equal(t, http.StatusRequestEntityTooLarge,
		do(t, http.MethodPut, srv.URL+"/config/k", strings.Repeat("x", maxConfigValueBytes+1)).StatusCode)
}

func TestStatusHandler(t *testing.T) {
	srv, _ := singleNode(t)

	resp := do(t, http.MethodGet, srv.URL+"/status", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status types.StatusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))

	assert.Equal(t, "n1", status.NodeID)
	assert.Equal(t, "corp-vpn", status.ClusterName)
	assert.Equal(t, raft.Leader.String(), status.Role)
	assert.Equal(t, "n1", status.LeaderID)
	assert.NotZero(t, status.CommitIndex)
	require.Len(t, status.Peers, 1)
	assert.Equal(t, "n1", status.Peers[0].ID)
	assert.True(t, status.Peers[0].Voter)
	assert.Equal(t, string(api.StatusActive), status.Peers[0].Status)
	assert.Empty(t, status.ReplicationLag)
}

func TestClusterAndMetricsHandlers(t *testing.T) {
	srv, _ := singleNode(t)

	resp := do(t, http.MethodGet, srv.URL+"/cluster", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var state api.ClusterState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "corp-vpn", state.ClusterName)
	require.Len(t, state.Nodes, 1)
	assert.Equal(t, api.RoleLeader, state.Nodes[0].Role)

	resp = do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	assert.Contains(t, buf.String(), "vpncluster_raft_term")
}

func TestWriteError(t *testing.T) {
	tests := []struct {
		err    error
		code   int
		leader string
	}{
		{&raft.NotLeaderError{LeaderHint: "n2"}, http.StatusServiceUnavailable, "n2"},
		{&raft.NotLeaderError{}, http.StatusServiceUnavailable, ""},
		{cluster.ErrRejected, http.StatusBadRequest, ""},
		{raft.ErrTimeout, http.StatusGatewayTimeout, ""},
		{raft.ErrUnavailable, http.StatusServiceUnavailable, ""},
		{raft.ErrStorageFailure, http.StatusInternalServerError, ""},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		writeError(rec, tt.err)
		assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		assert.Equal(t, tt.leader, rec.Header().Get("X-Raft-Leader"))
	}
}
