package metrics

import (
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistry(t *testing.T) {
	r := NewRegistry()
	if r == nil {
		t.Fatal("NewRegistry() returned nil")
	}
	if r.RaftTerm == nil || r.MembershipNodes == nil || r.TransportRPCsTotal == nil {
		t.Error("metrics not initialized")
	}
	if r.GetPrometheusRegistry() == nil {
		t.Error("Prometheus registry not initialized")
	}
}

func TestRegistriesAreIndependent(t *testing.T) {
	a, b := NewRegistry(), NewRegistry()
	a.RecordElection("won")

	if got := testutil.ToFloat64(a.RaftElectionsTotal.WithLabelValues("won")); got != 1 {
		t.Errorf("registry a elections = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.RaftElectionsTotal.WithLabelValues("won")); got != 0 {
		t.Errorf("registry b elections = %v, want 0", got)
	}
}

func TestUpdateRaftStateSetsSingleRole(t *testing.T) {
	r := NewRegistry()
	r.UpdateRaftState(5, "candidate", 10, 9)
	r.UpdateRaftState(6, "leader", 12, 12)

	tests := []struct {
		role string
		want float64
	}{
		{"leader", 1},
		{"follower", 0},
		{"candidate", 0},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(r.RaftRole.WithLabelValues(tt.role)); got != tt.want {
			t.Errorf("role %s = %v, want %v", tt.role, got, tt.want)
		}
	}
	if got := testutil.ToFloat64(r.RaftTerm); got != 6 {
		t.Errorf("term = %v, want 6", got)
	}
}

func TestRecordRPC(t *testing.T) {
	r := NewRegistry()
	r.RecordRPC("AppendEntries", nil, 2*time.Millisecond)
	r.RecordRPC("AppendEntries", errors.New("unreachable"), time.Millisecond)

	var m dto.Metric
	c, err := r.TransportRPCsTotal.GetMetricWithLabelValues("AppendEntries", "error")
	if err != nil {
		t.Fatalf("Failed to get metric: %v", err)
	}
	if err := c.Write(&m); err != nil {
		t.Fatalf("Failed to write metric: %v", err)
	}
	if m.Counter.GetValue() != 1 {
		t.Errorf("error counter = %v, want 1", m.Counter.GetValue())
	}
}

func TestUpdateMembershipResetsStaleStatuses(t *testing.T) {
	r := NewRegistry()
	r.UpdateMembership(map[string]int{"active": 2, "suspected": 1}, 3)
	r.UpdateMembership(map[string]int{"active": 3}, 4)

	if got := testutil.CollectAndCount(r.MembershipNodes); got != 1 {
		t.Errorf("status series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(r.MembershipConfigVersion); got != 4 {
		t.Errorf("config version = %v, want 4", got)
	}
}

func TestNilRegistryIsNoop(t *testing.T) {
	var r *Registry
	r.UpdateRaftState(1, "leader", 1, 1)
	r.RecordElection("won")
	r.RecordAppend("success")
	r.SetLeaseValid(true)
	r.RecordRPC("RequestVote", nil, time.Millisecond)
	r.RecordHeartbeat("sent", true)
}

func TestHandlerExposesMetrics(t *testing.T) {
	r := NewRegistry()
	r.RecordSnapshot("taken")

	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	if !strings.Contains(rec.Body.String(), `vpncluster_raft_snapshots_total{kind="taken"} 1`) {
		t.Errorf("snapshot counter missing from exposition:\n%s", rec.Body.String())
	}
}
