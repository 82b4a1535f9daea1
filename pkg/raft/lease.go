// lease.go contains the leader lease. The leader accepts client writes only
// while a majority of voters answered it within LeaseTimeout; an isolated
// leader therefore starts rejecting writes with ErrUnavailable before the
// rest of the cluster can elect a replacement.
package raft

import (
	"slices"
	"sync"
	"time"
)

// LeaseState tracks the leader lease.
//
// Thread Safety: LeaseState is safe for concurrent use.
type LeaseState struct {
	mu       sync.RWMutex
	start    time.Time     // Contact time the lease counts from (monotonic)
	duration time.Duration // How long the lease is valid
	valid    bool          // Whether the lease has been renewed since the last invalidation
}

// NewLeaseState creates a new LeaseState with the specified duration.
// The lease starts in an invalid state and must be renewed before use.
func NewLeaseState(duration time.Duration) *LeaseState {
	return &LeaseState{duration: duration}
}

// IsValid returns true if the lease has been renewed and has not expired.
func (l *LeaseState) IsValid() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.valid && time.Since(l.start) < l.duration
}

// Renew makes the lease count from now.
func (l *LeaseState) Renew() {
	l.RenewFrom(time.Now())
}

// RenewFrom makes the lease count from t. An older t than the current start
// is ignored so late responses never shorten the lease.
func (l *LeaseState) RenewFrom(t time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.valid && t.Before(l.start) {
		return
	}
	l.start = t
	l.valid = true
}

// Invalidate marks the lease as invalid.
func (l *LeaseState) Invalidate() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.valid = false
}

// Remaining returns the remaining duration of the lease, 0 once expired.
func (l *LeaseState) Remaining() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.valid {
		return 0
	}
	if remaining := l.duration - time.Since(l.start); remaining > 0 {
		return remaining
	}
	return 0
}

// Duration returns the configured lease duration.
func (l *LeaseState) Duration() time.Duration {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.duration
}

// renewLease moves the lease start to the oldest contact among the most
// recent majority of voters. The leader counts as contacted now. Callers
// hold r.mu.
func (r *Raft) renewLease() {
	voters := r.clusterConfig.Voters()
	if len(voters) == 0 {
		return
	}

	now := time.Now()
	contacts := make([]time.Time, 0, len(voters))
	for _, id := range voters {
		if id == r.config.ID {
			contacts = append(contacts, now)
			continue
		}
		if t, ok := r.lastContact[id]; ok {
			contacts = append(contacts, t)
		}
	}

	quorum := calculateQuorum(len(voters))
	if len(contacts) < quorum {
		return
	}
	slices.SortFunc(contacts, func(a, b time.Time) int { return b.Compare(a) })
	r.lease.RenewFrom(contacts[quorum-1])
	r.metrics.SetLeaseValid(r.lease.IsValid())
}

// leaseValid reports whether the leader may accept writes. Callers hold r.mu.
func (r *Raft) leaseValid() bool {
	r.renewLease()
	valid := r.lease.IsValid()
	r.metrics.SetLeaseValid(valid)
	return valid
}
