package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initRaftMetrics() {
	r.RaftTerm = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncluster_raft_term",
			Help: "Current election term",
		},
	)

	r.RaftRole = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncluster_raft_role",
			Help: "Node role (1 for current role, 0 otherwise)",
		},
		[]string{"role"}, // leader, follower, candidate
	)

	r.RaftCommitIndex = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncluster_raft_commit_index",
			Help: "Highest log index known to be committed",
		},
	)

	r.RaftAppliedIndex = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncluster_raft_applied_index",
			Help: "Highest log index applied to the state machine",
		},
	)

	r.RaftElectionsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_raft_elections_total",
			Help: "Total number of elections started by this node",
		},
		[]string{"result"}, // started, won, lost
	)

	r.RaftLeaderChanges = promauto.With(r.registry).NewCounter(
		prometheus.CounterOpts{
			Name: "vpncluster_raft_leader_changes_total",
			Help: "Number of times the observed leader changed",
		},
	)

	r.RaftAppendTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_raft_append_entries_total",
			Help: "AppendEntries RPCs sent by the leader, by outcome",
		},
		[]string{"result"}, // success, rejected, error
	)

	r.RaftSnapshotsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_raft_snapshots_total",
			Help: "Snapshot operations, by kind",
		},
		[]string{"kind"}, // taken, sent, installed
	)

	r.RaftLeaseValid = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncluster_raft_lease_valid",
			Help: "Whether the leader has heard from a majority within the lease timeout (1=yes, 0=no)",
		},
	)

	r.RaftSubmitDuration = promauto.With(r.registry).NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vpncluster_raft_submit_duration_seconds",
			Help:    "Time from submitting a command on the leader to its commit",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
	)
}
