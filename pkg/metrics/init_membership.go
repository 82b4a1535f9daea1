package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (r *Registry) initMembershipMetrics() {
	r.MembershipNodes = promauto.With(r.registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vpncluster_membership_nodes",
			Help: "Number of known nodes, by status",
		},
		[]string{"status"}, // joining, active, suspected, left
	)

	r.MembershipConfigVersion = promauto.With(r.registry).NewGauge(
		prometheus.GaugeOpts{
			Name: "vpncluster_membership_config_version",
			Help: "Current cluster configuration version",
		},
	)

	r.MembershipCommandsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_membership_commands_total",
			Help: "Membership commands applied from the log",
		},
		[]string{"type", "result"}, // result: applied, duplicate, rejected
	)
}

func (r *Registry) initTransportMetrics() {
	r.TransportRPCsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_transport_rpcs_total",
			Help: "Outbound RPCs, by method and outcome",
		},
		[]string{"method", "result"}, // result: ok, error
	)

	r.TransportRPCDuration = promauto.With(r.registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "vpncluster_transport_rpc_duration_seconds",
			Help:    "Outbound RPC latency",
			Buckets: []float64{0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"method"},
	)

	r.HeartbeatsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_heartbeats_total",
			Help: "Membership heartbeats, by direction and outcome",
		},
		[]string{"direction", "result"}, // direction: sent, received
	)

	r.ForwardsTotal = promauto.With(r.registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "vpncluster_forwards_total",
			Help: "Requests relayed toward the leader, by type and result code",
		},
		[]string{"type", "code"},
	)
}
