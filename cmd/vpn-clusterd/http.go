package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/cluster"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/raft"
	"github.com/salahayoub/vpncluster/pkg/types"
)

const (
	defaultWriteTimeout = 5 * time.Second
	maxConfigValueBytes = 64 << 10
)

// newMux routes the HTTP API of a node.
func newMux(nodeID string, r *raft.Raft, coord *cluster.Coordinator, reg *metrics.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/status", NewStatusHandler(r, coord, nodeID))
	mux.Handle("/cluster", NewClusterHandler(coord))
	mux.Handle("/config/", NewConfigHandler(coord))
	mux.Handle("/metrics", reg.Handler())
	return mux
}

// ConfigHandler serves the shared configuration map. Writes go through the
// coordinator, which forwards them to the leader.
type ConfigHandler struct {
	coord *cluster.Coordinator
}

func NewConfigHandler(coord *cluster.Coordinator) *ConfigHandler {
	return &ConfigHandler{coord: coord}
}

// ServeHTTP routes requests to the appropriate handler based on HTTP method.
func (h *ConfigHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/config/")
	if key == "" {
		http.Error(w, "Key is required", http.StatusBadRequest)
		return
	}

	switch r.Method {
	case http.MethodGet:
		value, ok := h.coord.Config(key)
		if !ok {
			http.Error(w, "Key not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte(value))
	case http.MethodPut:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxConfigValueBytes+1))
		if err != nil {
			http.Error(w, "Failed to read request body", http.StatusBadRequest)
			return
		}
		if len(body) > maxConfigValueBytes {
			http.Error(w, "Value too large", http.StatusRequestEntityTooLarge)
			return
		}
		h.write(w, r, func(ctx context.Context) (uint64, error) {
			return h.coord.SetConfig(ctx, key, string(body))
		})
	case http.MethodDelete:
		h.write(w, r, func(ctx context.Context) (uint64, error) {
			return h.coord.DeleteConfig(ctx, key)
		})
	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (h *ConfigHandler) write(w http.ResponseWriter, r *http.Request, fn func(context.Context) (uint64, error)) {
	ctx, cancel := context.WithTimeout(r.Context(), defaultWriteTimeout)
	defer cancel()

	index, err := fn(ctx)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"index": index})
}

// writeError maps a coordinator error to a status code. A node that knows
// no leader answers 503 with the last leader hint it has.
func writeError(w http.ResponseWriter, err error) {
	var nle *raft.NotLeaderError
	switch {
	case errors.As(err, &nle):
		if nle.LeaderHint != "" {
			w.Header().Set("X-Raft-Leader", nle.LeaderHint)
		}
		http.Error(w, "No leader available", http.StatusServiceUnavailable)
	case errors.Is(err, cluster.ErrRejected):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, raft.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		http.Error(w, "Request timed out", http.StatusGatewayTimeout)
	case cluster.IsRetryable(err):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ClusterHandler serves the replicated cluster state on GET /cluster.
type ClusterHandler struct {
	coord *cluster.Coordinator
}

func NewClusterHandler(coord *cluster.Coordinator) *ClusterHandler {
	return &ClusterHandler{coord: coord}
}

func (h *ClusterHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.coord.ClusterStatus())
}

// StatusHandler handles HTTP status requests.
type StatusHandler struct {
	raft   *raft.Raft
	coord  *cluster.Coordinator
	nodeID string
}

// NewStatusHandler creates a new StatusHandler for the local node.
func NewStatusHandler(r *raft.Raft, coord *cluster.Coordinator, nodeID string) *StatusHandler {
	return &StatusHandler{raft: r, coord: coord, nodeID: nodeID}
}

// ServeHTTP handles GET /status requests.
// Returns JSON with the node's role, term and indexes and one entry per
// member of the consensus configuration or the membership table.
func (h *StatusHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.status())
}

func (h *StatusHandler) status() types.StatusResponse {
	state := h.coord.ClusterStatus()
	config := h.raft.GetConfiguration()
	matchIndex := h.raft.MatchIndex()
	commitIndex := h.raft.CommitIndex()
	isLeader := h.raft.State() == raft.Leader

	resp := types.StatusResponse{
		NodeID:         h.nodeID,
		ClusterName:    state.ClusterName,
		Role:           h.raft.State().String(),
		Term:           state.Term,
		CommitIndex:    commitIndex,
		AppliedIndex:   h.raft.LastApplied(),
		LeaderID:       state.LeaderID,
		ConfigVersion:  state.ConfigVersion,
		ReplicationLag: make(map[string]int64),
	}

	seen := make(map[string]bool)
	addPeer := func(id, addr string, info api.NodeInfo, registered bool) {
		peer := types.PeerStatus{
			ID:         id,
			Address:    addr,
			Role:       string(api.RoleObserver),
			Voter:      config.IsVoter(id),
			MatchIndex: matchIndex[id],
		}
		if registered {
			peer.Role = string(info.Role)
			peer.Status = string(info.Status)
			peer.LastSeen = info.LastSeen
		} else if id == state.LeaderID {
			peer.Role = string(api.RoleLeader)
		} else if peer.Voter {
			peer.Role = string(api.RoleFollower)
		}
		resp.Peers = append(resp.Peers, peer)
		seen[id] = true
	}

	for _, m := range config.Members {
		info, ok := state.Node(m.ID)
		addPeer(m.ID, m.Address, info, ok)
		if isLeader && m.ID != h.nodeID {
			resp.ReplicationLag[m.ID] = max(int64(commitIndex)-int64(matchIndex[m.ID]), 0)
		}
	}
	for _, info := range state.Nodes {
		if !seen[info.NodeID] {
			addPeer(info.NodeID, info.Address, info, true)
		}
	}
	return resp
}
