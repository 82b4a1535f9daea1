// snapshot_ops.go contains snapshot operation functionality including:
// - Taking local snapshots and compacting the log behind them
// - Automatic snapshot triggering based on applied entries
// - Sending chunked, rate-limited InstallSnapshot RPCs to lagging followers
// - Handling InstallSnapshot RPCs from leaders
package raft

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/time/rate"

	"github.com/salahayoub/vpncluster/api"
)

// newSnapshotLimiter returns the limiter shared by all outgoing snapshot
// transfers, or nil when transfers are unlimited.
func newSnapshotLimiter(config Config) *rate.Limiter {
	if config.SnapshotRateLimit <= 0 {
		return nil
	}
	burst := config.SnapshotRateLimit
	if config.SnapshotChunkSize > burst {
		burst = config.SnapshotChunkSize
	}
	return rate.NewLimiter(rate.Limit(config.SnapshotRateLimit), burst)
}

// Snapshot takes a snapshot of the state machine at lastApplied, persists it
// and compacts the log up to TrailingLogs entries behind it. It can be called
// on any node.
func (r *Raft) Snapshot() (*SnapshotMeta, error) {
	r.mu.Lock()
	if r.snapshotStore == nil {
		r.mu.Unlock()
		return nil, ErrNoSnapshotStore
	}
	if !r.running {
		r.mu.Unlock()
		return nil, ErrStopped
	}
	if r.snapshotting || r.pendingSnapshot != nil {
		r.mu.Unlock()
		return nil, ErrSnapshotInProgress
	}
	if r.lastApplied == 0 {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: nothing applied yet", ErrSnapshotFailed)
	}
	if r.lastApplied == r.lastSnapshotIndex {
		r.mu.Unlock()
		return r.snapshotStore.GetMeta()
	}

	index := r.lastApplied
	term, err := r.termAt(index)
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to read term at %d: %w", index, err)
	}

	// The state machine is captured under the lock so it matches lastApplied.
	state, err := r.stateMachine.Snapshot()
	if err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to capture state machine snapshot: %w", err)
	}
	meta := &SnapshotMeta{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Configuration:     r.clusterConfig.Clone(),
	}
	r.snapshotting = true
	r.mu.Unlock()

	err = r.writeSnapshot(meta, state)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.snapshotting = false
	if err != nil {
		return nil, err
	}

	if index > r.lastSnapshotIndex {
		r.lastSnapshotIndex = index
		r.lastSnapshotTerm = term
	}
	r.metrics.RecordSnapshot("taken")
	r.logger.Info("snapshot taken", "index", index, "term", term, "size", meta.Size)
	r.compactLog(index)
	return meta, nil
}

func (r *Raft) writeSnapshot(meta *SnapshotMeta, state io.ReadCloser) error {
	defer state.Close()

	sink, err := r.snapshotStore.Create(meta)
	if err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	if _, err := io.Copy(sink, state); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot data: %w", err)
	}
	if err := sink.Close(); err != nil {
		return fmt.Errorf("failed to finalize snapshot: %w", err)
	}
	return nil
}

// compactLog drops entries older than TrailingLogs behind snapshotIndex.
// Callers hold r.mu.
func (r *Raft) compactLog(snapshotIndex uint64) {
	if snapshotIndex <= r.config.TrailingLogs {
		return
	}
	upTo := snapshotIndex - r.config.TrailingLogs
	if base, _ := r.logStore.CompactedBase(); upTo <= base {
		return
	}
	term, err := r.termAt(upTo)
	if err != nil {
		r.logger.Error("failed to read term for compaction", "index", upTo, "error", err)
		return
	}
	if err := r.logStore.CompactTo(upTo, term); err != nil {
		r.fail(err)
		return
	}
	r.logger.Debug("log compacted", "through", upTo)
}

// CompactLog compacts the log behind the latest snapshot.
func (r *Raft) CompactLog() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lastSnapshotIndex == 0 {
		return ErrNoSnapshot
	}
	r.compactLog(r.lastSnapshotIndex)
	if r.fatalErr != nil {
		return r.fatalErr
	}
	return nil
}

// maybeSnapshot signals the snapshot goroutine once SnapshotThreshold
// entries were applied since the last snapshot. Callers hold r.mu.
func (r *Raft) maybeSnapshot() {
	if r.config.SnapshotThreshold == 0 || r.snapshotStore == nil || r.snapshotting {
		return
	}
	if r.lastApplied-r.lastSnapshotIndex < r.config.SnapshotThreshold {
		return
	}
	select {
	case r.snapshotChan <- struct{}{}:
	default:
	}
}

// runSnapshots takes automatic snapshots off the main loop.
func (r *Raft) runSnapshots() {
	defer r.wg.Done()
	for {
		select {
		case <-r.ctx.Done():
			return
		case <-r.snapshotChan:
			if _, err := r.Snapshot(); err != nil && !errors.Is(err, ErrSnapshotInProgress) {
				r.logger.Warn("automatic snapshot failed", "error", err)
			}
		}
	}
}

// sendSnapshot streams the latest snapshot to a follower whose next index
// was compacted away, then resumes log replication after it.
func (r *Raft) sendSnapshot(ctx context.Context, rep *replicator) (bool, error) {
	if r.snapshotStore == nil {
		return false, ErrNoSnapshotStore
	}
	meta, rc, err := r.snapshotStore.OpenRaw()
	if err != nil {
		return false, fmt.Errorf("failed to open snapshot for %s: %w", rep.peer, err)
	}
	defer rc.Close()

	r.mu.RLock()
	term := r.currentTerm
	leader := r.state == Leader
	r.mu.RUnlock()
	if !leader {
		return false, errNoLongerLeader
	}

	r.logger.Info("sending snapshot", "peer", rep.peer, "index", meta.LastIncludedIndex, "size", meta.Size)
	sent := time.Now()
	configuration := EncodeConfig(meta.Configuration, nil)

	var offset uint64
	for {
		chunk := make([]byte, r.config.SnapshotChunkSize)
		n, err := io.ReadFull(rc, chunk)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return false, fmt.Errorf("failed to read snapshot: %w", err)
		}
		chunk = chunk[:n]
		done := offset+uint64(n) >= uint64(meta.Size)

		if r.snapshotLimiter != nil && n > 0 {
			if err := r.snapshotLimiter.WaitN(ctx, n); err != nil {
				return false, err
			}
		}

		req := &api.InstallSnapshotRequest{
			Term:              term,
			LeaderID:          r.config.ID,
			LastIncludedIndex: meta.LastIncludedIndex,
			LastIncludedTerm:  meta.LastIncludedTerm,
			Configuration:     configuration,
			Checksum:          meta.Checksum,
			Offset:            offset,
			Data:              chunk,
			Done:              done,
		}
		resp, err := r.transport.SendInstallSnapshot(ctx, rep.peer, req)
		if err != nil {
			return false, err
		}
		if resp.Term > term {
			r.mu.Lock()
			r.stepDownToFollower(resp.Term)
			r.mu.Unlock()
			return false, errNoLongerLeader
		}
		if !resp.Success {
			return false, fmt.Errorf("%w: %s rejected chunk at offset %d", ErrSnapshotFailed, rep.peer, offset)
		}

		offset += uint64(n)
		if done {
			break
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != Leader || r.currentTerm != term {
		return false, errNoLongerLeader
	}
	if sent.After(r.lastContact[rep.peer]) {
		r.lastContact[rep.peer] = sent
	}
	if meta.LastIncludedIndex > r.matchIndex[rep.peer] {
		r.matchIndex[rep.peer] = meta.LastIncludedIndex
	}
	rep.nextIndex = meta.LastIncludedIndex + 1
	r.metrics.RecordSnapshot("sent")
	r.logger.Info("snapshot delivered", "peer", rep.peer, "index", meta.LastIncludedIndex)

	r.advanceCommitIndex()
	r.checkAndPromoteNonVoter(rep.peer)
	return true, nil
}

// handleInstallSnapshot processes one InstallSnapshot chunk. Chunks are
// staged until the last one; the completed snapshot replaces the state
// machine wholesale and becomes the new log base.
func (r *Raft) handleInstallSnapshot(req *api.InstallSnapshotRequest) *api.InstallSnapshotResponse {
	r.mu.Lock()
	defer r.mu.Unlock()

	resp := &api.InstallSnapshotResponse{Term: r.currentTerm}
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
		r.leaderID = req.LeaderID
		r.metrics.RecordLeaderChange()
	}
	r.resetElectionTimer()

	if r.snapshotStore == nil || r.snapshotting {
		return resp
	}

	// Everything the snapshot covers is already applied here.
	if req.LastIncludedIndex <= r.lastApplied {
		if r.pendingSnapshot != nil {
			r.pendingSnapshot.Abort()
			r.pendingSnapshot = nil
		}
		resp.Success = true
		return resp
	}

	if req.Offset == 0 {
		if r.pendingSnapshot != nil {
			r.pendingSnapshot.Abort()
			r.pendingSnapshot = nil
		}
		cfg, _, err := DecodeConfig(req.Configuration)
		if err != nil {
			r.logger.Error("rejecting snapshot with malformed configuration", "error", err)
			return resp
		}
		pending, err := r.snapshotStore.BeginInstall(&SnapshotMeta{
			LastIncludedIndex: req.LastIncludedIndex,
			LastIncludedTerm:  req.LastIncludedTerm,
			Configuration:     cfg,
			Checksum:          req.Checksum,
		})
		if err != nil {
			r.logger.Error("failed to stage snapshot", "error", err)
			return resp
		}
		r.pendingSnapshot = pending
	}

	pending := r.pendingSnapshot
	if pending == nil {
		return resp
	}
	meta := pending.Meta()
	if meta.LastIncludedIndex != req.LastIncludedIndex || meta.LastIncludedTerm != req.LastIncludedTerm {
		return resp
	}
	if err := pending.Write(req.Offset, req.Data); err != nil {
		r.logger.Warn("dropping snapshot chunk", "offset", req.Offset, "error", err)
		return resp
	}
	if !req.Done {
		resp.Success = true
		return resp
	}

	r.pendingSnapshot = nil
	if err := pending.Commit(); err != nil {
		r.logger.Error("snapshot install failed", "index", meta.LastIncludedIndex, "error", err)
		return resp
	}
	if err := r.installSnapshot(meta); err != nil {
		r.logger.Error("failed to restore installed snapshot", "index", meta.LastIncludedIndex, "error", err)
		return resp
	}
	resp.Success = true
	return resp
}

// installSnapshot restores the state machine from the snapshot just
// published and resets the log base to it. Callers hold r.mu.
func (r *Raft) installSnapshot(meta *SnapshotMeta) error {
	_, rc, err := r.snapshotStore.Open()
	if err != nil {
		return err
	}
	err = r.stateMachine.Restore(rc)
	rc.Close()
	if err != nil {
		return err
	}

	if err := r.logStore.CompactTo(meta.LastIncludedIndex, meta.LastIncludedTerm); err != nil {
		r.fail(err)
		return err
	}

	r.lastSnapshotIndex = meta.LastIncludedIndex
	r.lastSnapshotTerm = meta.LastIncludedTerm
	if meta.LastIncludedIndex > r.commitIndex {
		r.commitIndex = meta.LastIncludedIndex
	}
	r.lastApplied = meta.LastIncludedIndex
	r.clusterConfig = meta.Configuration.Clone()
	r.latestConfig = meta.Configuration.Clone()
	r.latestConfigIndex = meta.LastIncludedIndex
	r.syncTransportPeers(r.clusterConfig)

	close(r.configApplied)
	r.configApplied = make(chan struct{})

	if err := r.stableStore.SetUint64(keyCommitHint, r.lastApplied); err != nil {
		r.fail(err)
		return err
	}

	r.metrics.RecordSnapshot("installed")
	r.logger.Info("snapshot installed", "index", meta.LastIncludedIndex, "term", meta.LastIncludedTerm)
	r.applyEntries()
	r.updateMetrics()
	return nil
}
