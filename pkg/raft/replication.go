// replication.go contains log replication functionality including:
// - One replicator goroutine per follower while leader
// - AppendEntries sending, response handling and batch backtracking
// - Follower-side consistency check and append
// - Commit index advancement (Figure-8 rule)
package raft

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

// errNoLongerLeader stops a replicator whose leadership ended.
var errNoLongerLeader = errors.New("no longer leader")

// replicator drives replication to one follower. nextIndex is owned by the
// replicator goroutine; nothing else reads or writes it.
type replicator struct {
	peer      string
	nextIndex uint64
	trigger   chan struct{}
	retire    chan struct{}
}

func (rep *replicator) notify() {
	select {
	case rep.trigger <- struct{}{}:
	default:
	}
}

// syncReplicators starts a replicator for every member of the latest and the
// committed configuration and retires the others. Callers hold r.mu.
func (r *Raft) syncReplicators() {
	if r.state != Leader || r.leaderCtx == nil {
		return
	}

	want := make(map[string]bool)
	for _, m := range r.latestConfig.Members {
		want[m.ID] = true
	}
	for _, m := range r.clusterConfig.Members {
		want[m.ID] = true
	}
	delete(want, r.config.ID)

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		r.logger.Error("failed to read last log index", "error", err)
		return
	}

	for id := range want {
		if _, ok := r.replicators[id]; ok {
			continue
		}
		rep := &replicator{
			peer:      id,
			nextIndex: lastIndex + 1,
			trigger:   make(chan struct{}, 1),
			retire:    make(chan struct{}),
		}
		r.replicators[id] = rep
		ctx := r.leaderCtx
		r.logger.Debug("starting replicator", "peer", id, "next_index", rep.nextIndex)
		r.spawn(func() { r.runReplicator(ctx, rep) })
	}

	for id, rep := range r.replicators {
		if want[id] {
			continue
		}
		r.logger.Debug("retiring replicator", "peer", id)
		close(rep.retire)
		delete(r.replicators, id)
		delete(r.matchIndex, id)
		delete(r.lastContact, id)
	}
}

// triggerReplicators wakes every replicator. Callers hold r.mu.
func (r *Raft) triggerReplicators() {
	for _, rep := range r.replicators {
		rep.notify()
	}
}

// runReplicator sends entries to one follower until it is caught up, then
// heartbeats every HeartbeatTimeout or whenever new entries are triggered.
// Transport errors back off exponentially up to MaxBackoff. A retired
// replicator sends one last round so the follower learns the commit index.
func (r *Raft) runReplicator(ctx context.Context, rep *replicator) {
	ticker := time.NewTicker(r.config.HeartbeatTimeout)
	defer ticker.Stop()

	failures := 0
	for {
		more, err := r.replicateTo(ctx, rep)
		switch {
		case errors.Is(err, errNoLongerLeader) || ctx.Err() != nil:
			return
		case err != nil:
			failures++
			r.logger.Debug("replication failed", "peer", rep.peer, "failures", failures, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-rep.retire:
				return
			case <-time.After(r.backoff(failures)):
			}
			continue
		}
		failures = 0
		if more {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-rep.retire:
			r.replicateTo(ctx, rep)
			return
		case <-rep.trigger:
		case <-ticker.C:
		}
	}
}

// backoff returns the delay after the given number of consecutive failures.
func (r *Raft) backoff(failures int) time.Duration {
	base := 10 * time.Millisecond
	if r.config.HeartbeatTimeout < base {
		base = r.config.HeartbeatTimeout
	}
	shift := failures - 1
	if shift > 16 {
		shift = 16
	}
	d := base << shift
	if d > r.config.MaxBackoff {
		d = r.config.MaxBackoff
	}
	return d
}

// replicateTo sends one AppendEntries (or a snapshot) to the follower and
// reports whether more entries are waiting.
func (r *Raft) replicateTo(ctx context.Context, rep *replicator) (bool, error) {
	r.mu.RLock()
	if r.state != Leader || ctx.Err() != nil {
		r.mu.RUnlock()
		return false, errNoLongerLeader
	}

	term := r.currentTerm
	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		r.mu.RUnlock()
		return false, err
	}
	if rep.nextIndex > lastIndex+1 {
		rep.nextIndex = lastIndex + 1
	}
	if rep.nextIndex == 0 {
		rep.nextIndex = 1
	}

	base, _ := r.logStore.CompactedBase()
	if rep.nextIndex <= base && r.lastSnapshotIndex > 0 {
		r.mu.RUnlock()
		return r.sendSnapshot(ctx, rep)
	}

	prevIndex := rep.nextIndex - 1
	prevTerm, err := r.termAt(prevIndex)
	if err != nil {
		r.mu.RUnlock()
		return false, err
	}

	var entries []*api.LogEntry
	if rep.nextIndex <= lastIndex {
		end := rep.nextIndex + uint64(r.config.MaxAppendEntries) - 1
		if end > lastIndex {
			end = lastIndex
		}
		entries, err = r.logStore.GetRange(rep.nextIndex, end)
		if err != nil {
			r.mu.RUnlock()
			return false, err
		}
	}

	req := &api.AppendEntriesRequest{
		Term:         term,
		LeaderID:     r.config.ID,
		PrevLogIndex: prevIndex,
		PrevLogTerm:  prevTerm,
		Entries:      entries,
		LeaderCommit: r.commitIndex,
	}
	r.mu.RUnlock()

	sent := time.Now()
	resp, err := r.transport.SendAppendEntries(ctx, rep.peer, req)
	if err != nil {
		r.metrics.RecordAppend("error")
		return false, err
	}
	return r.handleAppendEntriesResponse(rep, req, resp, sent)
}

// handleAppendEntriesResponse updates the follower's progress. On a reject it
// backs nextIndex up to the follower's conflict hint.
func (r *Raft) handleAppendEntriesResponse(rep *replicator, req *api.AppendEntriesRequest, resp *api.AppendEntriesResponse, sent time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if resp.Term > r.currentTerm {
		r.logger.Info("follower has newer term, stepping down", "peer", rep.peer, "term", resp.Term)
		r.stepDownToFollower(resp.Term)
		return false, errNoLongerLeader
	}
	if r.state != Leader || r.currentTerm != req.Term {
		return false, errNoLongerLeader
	}

	if sent.After(r.lastContact[rep.peer]) {
		r.lastContact[rep.peer] = sent
	}
	r.renewLease()

	if !resp.Success {
		r.metrics.RecordAppend("rejected")
		next := resp.ConflictIndex
		if next == 0 || next >= rep.nextIndex {
			next = rep.nextIndex - 1
		}
		if next > resp.LastLogIndex+1 {
			next = resp.LastLogIndex + 1
		}
		if next < 1 {
			next = 1
		}
		rep.nextIndex = next
		return true, nil
	}

	r.metrics.RecordAppend("success")
	match := req.PrevLogIndex + uint64(len(req.Entries))
	if match > r.matchIndex[rep.peer] {
		r.matchIndex[rep.peer] = match
	}
	rep.nextIndex = match + 1

	r.advanceCommitIndex()
	r.checkAndPromoteNonVoter(rep.peer)

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		return false, err
	}
	return rep.nextIndex <= lastIndex, nil
}

// handleAppendEntries processes an AppendEntries RPC from a leader. Entries
// are durable before success is returned.
func (r *Raft) handleAppendEntries(req *api.AppendEntriesRequest) *api.AppendEntriesResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &api.AppendEntriesResponse{Term: r.currentTerm}

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		r.logger.Error("failed to read last log index", "error", err)
		return resp
	}
	resp.LastLogIndex = lastIndex

	if req.Term < r.currentTerm {
		return resp
	}
	if req.Term > r.currentTerm || r.state != Follower {
		r.stepDownToFollower(req.Term)
		if r.fatalErr != nil {
			return resp
		}
		resp.Term = r.currentTerm
	}

	if r.leaderID != req.LeaderID {
		r.logger.Info("following leader", "leader", req.LeaderID, "term", req.Term)
		r.leaderID = req.LeaderID
		r.metrics.RecordLeaderChange()
	}
	r.resetElectionTimer()

	if req.PrevLogIndex > lastIndex {
		resp.ConflictIndex = lastIndex + 1
		return resp
	}
	// Everything up to commitIndex is identical on every log, so only the
	// uncommitted part needs the term check.
	if req.PrevLogIndex > r.commitIndex {
		term, err := r.termAt(req.PrevLogIndex)
		if err != nil {
			resp.ConflictIndex = r.commitIndex + 1
			return resp
		}
		if term != req.PrevLogTerm {
			resp.ConflictIndex = r.firstIndexOfTerm(req.PrevLogIndex, term)
			return resp
		}
	}

	if len(req.Entries) > 0 {
		if err := r.logStore.AppendEntries(req.Entries); err != nil {
			r.fail(err)
			return resp
		}
		r.trackLatestConfig(req.Entries)
	}

	lastNew := req.PrevLogIndex + uint64(len(req.Entries))
	if req.LeaderCommit > r.commitIndex {
		commit := min(req.LeaderCommit, lastNew)
		if commit > r.commitIndex {
			r.commitIndex = commit
			r.applyEntries()
		}
	}

	if lastIndex, _, err = r.getLastLogInfo(); err == nil {
		resp.LastLogIndex = lastIndex
	}
	resp.Success = true
	return resp
}

// firstIndexOfTerm walks back from index to the first entry of term, never
// past the committed prefix. The leader skips the whole term on a reject.
func (r *Raft) firstIndexOfTerm(index, term uint64) uint64 {
	floor := r.commitIndex + 1
	if base, _ := r.logStore.CompactedBase(); base+1 > floor {
		floor = base + 1
	}
	for index > floor {
		prev, err := r.termAt(index - 1)
		if err != nil || prev != term {
			break
		}
		index--
	}
	return index
}

// advanceCommitIndex commits the highest index stored on a majority of voters,
// provided that entry belongs to the current term. Older entries commit
// indirectly through it. Callers hold r.mu.
func (r *Raft) advanceCommitIndex() {
	if r.state != Leader {
		return
	}

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		return
	}

	voters := r.clusterConfig.Voters()
	matches := make([]uint64, 0, len(voters))
	for _, id := range voters {
		if id == r.config.ID {
			matches = append(matches, lastIndex)
		} else {
			matches = append(matches, r.matchIndex[id])
		}
	}

	n := quorumMatchIndex(matches)
	if n <= r.commitIndex {
		return
	}
	term, err := r.termAt(n)
	if err != nil {
		r.logger.Error("failed to read term of commit candidate", "index", n, "error", err)
		return
	}
	if term != r.currentTerm {
		return
	}

	r.commitIndex = n
	r.applyEntries()
	r.triggerReplicators()
	r.updateMetrics()
}

// quorumMatchIndex returns the highest index replicated on a majority of the
// given match indexes.
func quorumMatchIndex(matches []uint64) uint64 {
	if len(matches) == 0 {
		return 0
	}
	sorted := slices.Clone(matches)
	slices.SortFunc(sorted, func(a, b uint64) int {
		switch {
		case a > b:
			return -1
		case a < b:
			return 1
		}
		return 0
	})
	return sorted[len(sorted)/2]
}

// getLastLogInfo returns the index and term of the last log entry, falling
// back to the snapshot when the log is empty. Callers hold r.mu.
func (r *Raft) getLastLogInfo() (uint64, uint64, error) {
	lastIndex, err := r.logStore.LastIndex()
	if err != nil {
		return 0, 0, err
	}
	if lastIndex < r.lastSnapshotIndex {
		return r.lastSnapshotIndex, r.lastSnapshotTerm, nil
	}
	term, err := r.termAt(lastIndex)
	if err != nil {
		return 0, 0, err
	}
	return lastIndex, term, nil
}

// termAt returns the term of the entry at index, looking at the snapshot and
// the compaction base for entries no longer in the log.
func (r *Raft) termAt(index uint64) (uint64, error) {
	if index == 0 {
		return 0, nil
	}
	if index == r.lastSnapshotIndex {
		return r.lastSnapshotTerm, nil
	}
	if base, baseTerm := r.logStore.CompactedBase(); index == base {
		return baseTerm, nil
	}
	entry, err := r.logStore.GetLog(index)
	if err != nil {
		return 0, err
	}
	return entry.Term, nil
}
