// Package metrics exposes the Prometheus instruments of a node.
//
// Every node owns its own Registry so several nodes can run in one process.
// All recording methods accept a nil *Registry and do nothing, which lets
// libraries take an optional registry without branching at each call site.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds all metrics for a node
type Registry struct {
	// Consensus
	RaftTerm           prometheus.Gauge
	RaftRole           *prometheus.GaugeVec
	RaftCommitIndex    prometheus.Gauge
	RaftAppliedIndex   prometheus.Gauge
	RaftElectionsTotal *prometheus.CounterVec
	RaftLeaderChanges  prometheus.Counter
	RaftAppendTotal    *prometheus.CounterVec
	RaftSnapshotsTotal *prometheus.CounterVec
	RaftLeaseValid     prometheus.Gauge
	RaftSubmitDuration prometheus.Histogram

	// Membership
	MembershipNodes         *prometheus.GaugeVec
	MembershipConfigVersion prometheus.Gauge
	MembershipCommandsTotal *prometheus.CounterVec

	// Transport and coordinator
	TransportRPCsTotal   *prometheus.CounterVec
	TransportRPCDuration *prometheus.HistogramVec
	HeartbeatsTotal      *prometheus.CounterVec
	ForwardsTotal        *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewRegistry creates a new metrics registry with all metrics initialized
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
	}

	r.initRaftMetrics()
	r.initMembershipMetrics()
	r.initTransportMetrics()

	return r
}

// GetPrometheusRegistry returns the underlying Prometheus registry.
func (r *Registry) GetPrometheusRegistry() *prometheus.Registry {
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
