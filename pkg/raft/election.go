// election.go contains leader election related functionality including:
// - Election timeout randomization
// - Starting elections and requesting votes
// - Vote request/response handling
// - Leader state transitions
package raft

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

// randomElectionTimeout returns a timeout in [ElectionTimeout, 2*ElectionTimeout).
func (r *Raft) randomElectionTimeout() time.Duration {
	base := r.config.ElectionTimeout
	return base + time.Duration(rand.Int64N(int64(base)))
}

// resetElectionTimer restarts the election timer with a fresh random timeout.
func (r *Raft) resetElectionTimer() {
	if r.electionTimer != nil {
		r.electionTimer.Reset(r.randomElectionTimeout())
	}
}

// spawn runs f in a goroutine tracked by Stop. Callers hold r.mu.
func (r *Raft) spawn(f func()) {
	if r.stopped {
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		f()
	}()
}

// startElection moves to the next term as a Candidate, votes for itself and
// asks every other voter for its vote. Term and vote are persisted together
// before any request leaves the node. Callers hold r.mu.
func (r *Raft) startElection() {
	newTerm := r.currentTerm + 1
	if err := r.stableStore.SetState(newTerm, r.config.ID); err != nil {
		r.fail(err)
		return
	}
	r.currentTerm = newTerm
	r.votedFor = r.config.ID
	r.state = Candidate
	r.leaderID = ""

	r.votesReceived = map[string]bool{r.config.ID: true}
	r.electionTerm = newTerm
	r.lastContact = make(map[string]time.Time)
	r.metrics.RecordElection("started")

	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.fail(err)
		return
	}

	r.logger.Info("starting election", "term", newTerm, "last_index", lastLogIndex, "last_term", lastLogTerm)

	req := &api.VoteRequest{
		Term:         newTerm,
		CandidateID:  r.config.ID,
		LastLogIndex: lastLogIndex,
		LastLogTerm:  lastLogTerm,
	}
	for _, peer := range r.clusterConfig.Voters() {
		if peer == r.config.ID {
			continue
		}
		peer := peer
		r.spawn(func() { r.sendVoteRequest(peer, req) })
	}

	r.checkElectionWon()
	r.updateMetrics()
}

func (r *Raft) sendVoteRequest(peer string, req *api.VoteRequest) {
	ctx, cancel := context.WithTimeout(r.ctx, r.config.ElectionTimeout)
	defer cancel()

	resp, err := r.transport.SendRequestVote(ctx, peer, req)
	if err != nil {
		r.logger.Debug("vote request failed", "peer", peer, "term", req.Term, "error", err)
		return
	}
	r.handleVoteResponse(peer, req.Term, resp)
}

// handleVoteResponse counts a vote. Responses for an election that is no
// longer running are dropped.
func (r *Raft) handleVoteResponse(peer string, term uint64, resp *api.VoteResponse) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resp.Term > r.currentTerm {
		r.stepDownToFollower(resp.Term)
		return
	}
	if r.state != Candidate || r.currentTerm != term || r.electionTerm != term {
		return
	}
	if !resp.VoteGranted {
		return
	}

	r.votesReceived[peer] = true
	r.lastContact[peer] = time.Now()
	r.checkElectionWon()
}

// checkElectionWon promotes the candidate once a majority of the voters in
// its configuration granted their vote. Non-voters never count.
func (r *Raft) checkElectionWon() {
	if r.state != Candidate {
		return
	}
	voters := r.clusterConfig.Voters()
	granted := 0
	for _, id := range voters {
		if r.votesReceived[id] {
			granted++
		}
	}
	if len(voters) > 0 && granted >= calculateQuorum(len(voters)) {
		r.becomeLeader()
	}
}

// handleVoteRequest decides whether to grant a vote. A vote is persisted
// before the grant is returned.
func (r *Raft) handleVoteRequest(req *api.VoteRequest) *api.VoteResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &api.VoteResponse{Term: r.currentTerm}
	if req.Term < r.currentTerm {
		return resp
	}
	if req.Term > r.currentTerm {
		r.stepDownToFollower(req.Term)
		if r.fatalErr != nil {
			return resp
		}
		resp.Term = r.currentTerm
	}

	if r.votedFor != "" && r.votedFor != req.CandidateID {
		return resp
	}

	lastLogIndex, lastLogTerm, err := r.getLastLogInfo()
	if err != nil {
		r.logger.Error("failed to read last log entry", "error", err)
		return resp
	}
	if !isLogUpToDate(req.LastLogTerm, req.LastLogIndex, lastLogTerm, lastLogIndex) {
		return resp
	}

	if r.votedFor != req.CandidateID {
		if err := r.stableStore.SetState(r.currentTerm, req.CandidateID); err != nil {
			r.fail(err)
			return resp
		}
		r.votedFor = req.CandidateID
	}

	r.logger.Debug("granted vote", "candidate", req.CandidateID, "term", r.currentTerm)
	r.resetElectionTimer()
	resp.VoteGranted = true
	return resp
}

// becomeLeader transitions the node to leader state, appends a NOOP when
// earlier-term entries are still uncommitted, and starts one replicator per
// follower.
func (r *Raft) becomeLeader() {
	r.state = Leader
	r.leaderID = r.config.ID
	r.metrics.RecordElection("won")
	r.metrics.RecordLeaderChange()
	r.logger.Info("became leader", "term", r.currentTerm)

	r.matchIndex = make(map[string]uint64)
	r.replicators = make(map[string]*replicator)
	r.leaderCtx, r.leaderCancel = context.WithCancel(r.ctx)

	latest, latestIndex, err := r.recomputeLatestConfig()
	if err != nil {
		r.fail(err)
		return
	}
	r.latestConfig = latest
	r.latestConfigIndex = latestIndex
	r.renewLease()

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		r.fail(err)
		return
	}
	if lastIndex > r.commitIndex {
		if _, err := r.appendLocal(api.LogNoop, nil); err != nil {
			return
		}
	}

	r.syncReplicators()
	r.advanceCommitIndex()
	r.updateMetrics()
}

// stepDownToFollower moves to Follower, adopting newTerm with a cleared vote
// when it is newer. Callers hold r.mu.
func (r *Raft) stepDownToFollower(newTerm uint64) {
	if newTerm > r.currentTerm {
		if err := r.stableStore.SetState(newTerm, ""); err != nil {
			r.fail(err)
			return
		}
		r.currentTerm = newTerm
		r.votedFor = ""
		r.leaderID = ""
	}
	if r.state == Leader {
		r.stopLeadership(ErrLeadershipLost)
	}
	r.state = Follower
	r.updateMetrics()
}

// stopLeadership cancels replicators and fails writes still waiting for
// commit. Callers hold r.mu.
func (r *Raft) stopLeadership(cause error) {
	r.logger.Info("leaving leader state", "term", r.currentTerm, "reason", cause)
	if r.leaderCancel != nil {
		r.leaderCancel()
		r.leaderCancel = nil
	}
	r.replicators = make(map[string]*replicator)
	r.failFutures(cause)
	r.lease.Invalidate()
	r.metrics.SetLeaseValid(false)
	if r.leaderID == r.config.ID {
		r.leaderID = ""
	}
}

// isLogUpToDate determines if the candidate's log is at least as up-to-date as ours.
// Comparison: higher term wins; if terms equal, longer log wins.
func isLogUpToDate(candidateLastTerm, candidateLastIndex, ourLastTerm, ourLastIndex uint64) bool {
	if candidateLastTerm != ourLastTerm {
		return candidateLastTerm > ourLastTerm
	}
	return candidateLastIndex >= ourLastIndex
}
