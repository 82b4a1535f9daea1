// apply.go contains log entry application functionality including:
// - Client command submission (Apply) and pending futures
// - Appending entries to the leader's own log
// - Applying committed entries to the state machine in index order
// - Applying configuration entries to update cluster membership
package raft

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/salahayoub/vpncluster/api"
)

// maxApplyBatch bounds the entries read from the log per apply round.
const maxApplyBatch = 256

// ApplyResult describes a committed and applied entry.
type ApplyResult struct {
	Index    uint64
	Term     uint64
	Response interface{} // Value returned by StateMachine.Apply
}

// applyFuture is a proposal waiting for its entry to be applied.
type applyFuture struct {
	index  uint64
	term   uint64
	start  time.Time
	done   chan struct{}
	result interface{}
	err    error
}

func (f *applyFuture) respond(result interface{}, err error) {
	f.result = result
	f.err = err
	close(f.done)
}

// Apply submits a command to be replicated (leader only) and waits until it
// is applied locally or ctx ends. A leader that lost contact with a majority
// rejects the command with ErrUnavailable without appending it.
func (r *Raft) Apply(ctx context.Context, cmd []byte) (ApplyResult, error) {
	return r.propose(ctx, api.LogCommand, cmd)
}

func (r *Raft) propose(ctx context.Context, typ api.LogType, data []byte) (ApplyResult, error) {
	r.mu.Lock()
	f, err := r.appendFuture(typ, data)
	r.mu.Unlock()
	if err != nil {
		return ApplyResult{}, err
	}
	return r.waitFuture(ctx, f)
}

// checkWritable returns why this node cannot append a new entry, if it
// cannot. Callers hold r.mu.
func (r *Raft) checkWritable() error {
	if r.fatalErr != nil {
		return r.fatalErr
	}
	if !r.running {
		return ErrStopped
	}
	if r.state != Leader {
		return &NotLeaderError{LeaderHint: r.leaderID}
	}
	if !r.leaseValid() {
		return ErrUnavailable
	}
	return nil
}

// appendFuture appends an entry and registers a future for it. Callers hold r.mu.
func (r *Raft) appendFuture(typ api.LogType, data []byte) (*applyFuture, error) {
	if err := r.checkWritable(); err != nil {
		return nil, err
	}
	entry, err := r.appendLocal(typ, data)
	if err != nil {
		return nil, err
	}

	f := &applyFuture{
		index: entry.Index,
		term:  entry.Term,
		start: time.Now(),
		done:  make(chan struct{}),
	}
	r.futures[entry.Index] = f

	// A single voter commits on its own.
	r.advanceCommitIndex()
	return f, nil
}

func (r *Raft) waitFuture(ctx context.Context, f *applyFuture) (ApplyResult, error) {
	select {
	case <-f.done:
		r.metrics.ObserveSubmit(time.Since(f.start))
		if f.err != nil {
			return ApplyResult{}, f.err
		}
		return ApplyResult{Index: f.index, Term: f.term, Response: f.result}, nil

	case <-ctx.Done():
		r.mu.Lock()
		if r.futures[f.index] == f {
			delete(r.futures, f.index)
		}
		r.mu.Unlock()
		return ApplyResult{}, contextError(ctx, fmt.Sprintf("entry %d not applied yet", f.index))
	}
}

// contextError maps an expired deadline to ErrTimeout.
func contextError(ctx context.Context, what string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s", ErrTimeout, what)
	}
	return ctx.Err()
}

// failFutures fails every pending proposal. Callers hold r.mu.
func (r *Raft) failFutures(err error) {
	for idx, f := range r.futures {
		delete(r.futures, idx)
		f.respond(nil, err)
	}
}

// appendLocal appends a new entry of the current term to the leader's log.
// A write failure stops the engine. Callers hold r.mu.
func (r *Raft) appendLocal(typ api.LogType, data []byte) (*api.LogEntry, error) {
	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		r.fail(err)
		return nil, r.fatalErr
	}

	entry := &api.LogEntry{
		Index:     lastIndex + 1,
		Term:      r.currentTerm,
		Type:      typ,
		Data:      data,
		Timestamp: time.Now().UnixNano(),
	}
	if err := r.logStore.StoreLogs([]*api.LogEntry{entry}); err != nil {
		r.fail(err)
		return nil, r.fatalErr
	}

	if typ == api.LogConfiguration {
		cfg, _, err := DecodeConfig(data)
		if err == nil {
			r.latestConfig = cfg
			r.latestConfigIndex = entry.Index
			r.syncTransportPeers(cfg)
			r.syncReplicators()
		}
	}
	r.triggerReplicators()
	return entry, nil
}

// applyEntries applies all committed but not yet applied entries to the state machine.
// Entries are applied in strictly increasing index order, each exactly once.
// The commit hint is persisted afterwards so a restart replays them.
// Callers hold r.mu.
func (r *Raft) applyEntries() {
	if r.lastApplied >= r.commitIndex {
		return
	}
	start := r.lastApplied
	removedSelf := false

	for r.lastApplied < r.commitIndex {
		end := min(r.commitIndex, r.lastApplied+maxApplyBatch)
		entries, err := r.logStore.GetRange(r.lastApplied+1, end)
		if err != nil || len(entries) == 0 {
			r.logger.Error("failed to read committed entries", "from", r.lastApplied+1, "to", end, "error", err)
			break
		}

		for _, entry := range entries {
			var result interface{}
			switch entry.Type {
			case api.LogCommand:
				result = r.stateMachine.Apply(entry)
			case api.LogConfiguration:
				result = r.applyConfigEntry(entry)
				if _, ok := r.clusterConfig.Member(r.config.ID); !ok {
					removedSelf = true
				}
			}
			r.lastApplied = entry.Index

			if f, ok := r.futures[entry.Index]; ok {
				delete(r.futures, entry.Index)
				if f.term == entry.Term {
					f.respond(result, nil)
				} else {
					f.respond(nil, ErrLeadershipLost)
				}
			}
		}
	}

	if r.lastApplied == start {
		return
	}
	if err := r.stableStore.SetUint64(keyCommitHint, r.lastApplied); err != nil {
		r.fail(err)
		return
	}

	if removedSelf && r.state == Leader {
		r.logger.Info("removed from the configuration, stepping down")
		r.stopLeadership(ErrLeadershipLost)
		r.state = Follower
	}
	r.updateMetrics()
	r.maybeSnapshot()
}

// applyConfigEntry makes a committed configuration entry the current
// configuration and hands it to the state machine for its context command.
// Callers hold r.mu.
func (r *Raft) applyConfigEntry(entry *api.LogEntry) interface{} {
	cfg, _, err := DecodeConfig(entry.Data)
	if err != nil {
		r.logger.Error("skipping malformed configuration entry", "index", entry.Index, "error", err)
		return nil
	}

	r.clusterConfig = cfg
	if entry.Index >= r.latestConfigIndex {
		r.latestConfig = cfg.Clone()
		r.latestConfigIndex = entry.Index
	}
	r.syncTransportPeers(cfg)

	close(r.configApplied)
	r.configApplied = make(chan struct{})

	r.logger.Info("configuration applied", "index", entry.Index,
		"voters", cfg.Voters(), "non_voters", cfg.NonVoters())

	result := r.stateMachine.Apply(entry)
	if r.state == Leader {
		r.syncReplicators()
	}
	return result
}

// recomputeLatestConfig finds the newest configuration entry past
// lastApplied. The returned index is 0 when there is none. Callers hold r.mu.
func (r *Raft) recomputeLatestConfig() (ClusterConfig, uint64, error) {
	cfg := r.clusterConfig.Clone()
	var index uint64

	lastIndex, _, err := r.getLastLogInfo()
	if err != nil {
		return cfg, 0, err
	}
	if lastIndex <= r.lastApplied {
		return cfg, 0, nil
	}

	entries, err := r.logStore.GetRange(r.lastApplied+1, lastIndex)
	if err != nil {
		return cfg, 0, err
	}
	for _, entry := range entries {
		if entry.Type != api.LogConfiguration {
			continue
		}
		if c, _, err := DecodeConfig(entry.Data); err == nil {
			cfg = c
			index = entry.Index
		}
	}
	return cfg, index, nil
}
