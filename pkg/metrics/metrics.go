package metrics

import (
	"time"
)

var roles = []string{"leader", "follower", "candidate"}

// UpdateRaftState records the node's term, role and log progress.
func (r *Registry) UpdateRaftState(term uint64, role string, commitIndex, appliedIndex uint64) {
	if r == nil {
		return
	}
	r.RaftTerm.Set(float64(term))
	for _, known := range roles {
		v := 0.0
		if known == role {
			v = 1
		}
		r.RaftRole.WithLabelValues(known).Set(v)
	}
	r.RaftCommitIndex.Set(float64(commitIndex))
	r.RaftAppliedIndex.Set(float64(appliedIndex))
}

// RecordElection counts an election event: started, won or lost.
func (r *Registry) RecordElection(result string) {
	if r == nil {
		return
	}
	r.RaftElectionsTotal.WithLabelValues(result).Inc()
}

// RecordLeaderChange counts a change of the observed leader.
func (r *Registry) RecordLeaderChange() {
	if r == nil {
		return
	}
	r.RaftLeaderChanges.Inc()
}

// RecordAppend counts an AppendEntries round trip by outcome.
func (r *Registry) RecordAppend(result string) {
	if r == nil {
		return
	}
	r.RaftAppendTotal.WithLabelValues(result).Inc()
}

// RecordSnapshot counts a snapshot taken, sent or installed.
func (r *Registry) RecordSnapshot(kind string) {
	if r == nil {
		return
	}
	r.RaftSnapshotsTotal.WithLabelValues(kind).Inc()
}

// SetLeaseValid records whether the leader currently holds its lease.
func (r *Registry) SetLeaseValid(valid bool) {
	if r == nil {
		return
	}
	if valid {
		r.RaftLeaseValid.Set(1)
	} else {
		r.RaftLeaseValid.Set(0)
	}
}

// ObserveSubmit records the commit latency of a submitted command.
func (r *Registry) ObserveSubmit(d time.Duration) {
	if r == nil {
		return
	}
	r.RaftSubmitDuration.Observe(d.Seconds())
}

// UpdateMembership records node counts by status and the config version.
func (r *Registry) UpdateMembership(byStatus map[string]int, configVersion uint64) {
	if r == nil {
		return
	}
	r.MembershipNodes.Reset()
	for status, n := range byStatus {
		r.MembershipNodes.WithLabelValues(status).Set(float64(n))
	}
	r.MembershipConfigVersion.Set(float64(configVersion))
}

// RecordCommand counts an applied membership command.
func (r *Registry) RecordCommand(cmdType, result string) {
	if r == nil {
		return
	}
	r.MembershipCommandsTotal.WithLabelValues(cmdType, result).Inc()
}

// RecordRPC records an outbound RPC with its duration.
func (r *Registry) RecordRPC(method string, err error, duration time.Duration) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.TransportRPCsTotal.WithLabelValues(method, result).Inc()
	r.TransportRPCDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// RecordHeartbeat counts a heartbeat sent or received.
func (r *Registry) RecordHeartbeat(direction string, ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "error"
	}
	r.HeartbeatsTotal.WithLabelValues(direction, result).Inc()
}

// RecordForward counts a request relayed toward the leader.
func (r *Registry) RecordForward(msgType, code string) {
	if r == nil {
		return
	}
	r.ForwardsTotal.WithLabelValues(msgType, code).Inc()
}
