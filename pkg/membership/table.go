// Package membership provides the replicated membership table: the state
// machine the consensus engine applies committed entries to.
//
// # Thread Safety Guarantees
//
// Table is safe for concurrent use by multiple goroutines. A sync.RWMutex
// protects the node map and configuration data:
//
//   - Read operations (State, Node, Snapshot) acquire a read lock
//   - Write operations (Apply, Restore, Heartbeat, Sweep) acquire the write lock
//
// Apply and Restore are called by the engine with its own lock held, so
// Table never calls back into the engine.
//
// Replicated fields change only through Apply. Resource gauges, LastSeen and
// the suspected status are local observations updated by heartbeats and the
// liveness sweep; they may differ between replicas.
package membership

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/salahayoub/vpncluster/api"
	"github.com/salahayoub/vpncluster/pkg/metrics"
	"github.com/salahayoub/vpncluster/pkg/raft"
)

// ErrNilReader indicates that a nil reader was provided to Restore.
var ErrNilReader = errors.New("nil reader provided")

// maxRememberedCommands bounds the command ids kept for deduplication.
const maxRememberedCommands = 4096

// Result is what Apply returns for every membership command.
type Result struct {
	Version   uint64 // ConfigVersion after the command
	Changed   bool
	Duplicate bool
	Opaque    bool // not a membership command; only the applied index moved
	Err       error
}

// OpaqueHandler receives command entries that carry no membership command.
// It is called after the entry is applied, without the table lock held.
type OpaqueHandler func(index uint64, data []byte)

// Table implements raft.StateMachine over api.ClusterState.
type Table struct {
	mu sync.RWMutex

	clusterName  string
	nodes        map[string]*api.NodeInfo
	configData   map[string]string
	version      uint64
	appliedIndex uint64
	opaque       uint64
	onOpaque     OpaqueHandler
	createdAt    time.Time
	updatedAt    time.Time

	// Recently applied command ids, oldest first.
	seen      map[string]struct{}
	seenOrder []string

	// Local liveness bookkeeping.
	watchFrom      time.Time
	suspectedSince map[string]time.Time

	logger  hclog.Logger
	metrics *metrics.Registry
}

var _ raft.StateMachine = (*Table)(nil)

// NewTable creates an empty table for the named cluster. logger and reg may
// be nil.
func NewTable(clusterName string, logger hclog.Logger, reg *metrics.Registry) *Table {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Table{
		clusterName:    clusterName,
		nodes:          make(map[string]*api.NodeInfo),
		configData:     make(map[string]string),
		seen:           make(map[string]struct{}),
		watchFrom:      time.Now(),
		suspectedSince: make(map[string]time.Time),
		logger:         logger.Named("membership"),
		metrics:        reg,
	}
}

// SetOpaqueHandler registers fn for command entries that are not membership
// commands. It must be set before the engine starts applying.
func (t *Table) SetOpaqueHandler(fn OpaqueHandler) {
	t.mu.Lock()
	t.onOpaque = fn
	t.mu.Unlock()
}

// Apply executes the membership command carried by a committed entry.
// Configuration entries carry their command as the configuration context;
// a configuration entry without one (a promotion) only advances the applied
// index. A command entry that is not a command envelope is an opaque
// payload: it is counted and handed to the opaque handler. The return value
// is a *Result, or nil for promotions.
func (t *Table) Apply(entry *api.LogEntry) interface{} {
	data := entry.Data
	if entry.Type == api.LogConfiguration {
		_, payload, err := raft.DecodeConfig(entry.Data)
		if err != nil {
			t.logger.Error("undecodable configuration entry", "index", entry.Index, "error", err)
			t.advance(entry.Index)
			return &Result{Err: err}
		}
		if len(payload) == 0 {
			t.advance(entry.Index)
			return nil
		}
		data = payload
	}

	cmd, err := DecodeCommand(data)
	if err != nil && entry.Type != api.LogConfiguration {
		return t.applyOpaque(entry.Index, data)
	}
	if err != nil {
		t.logger.Warn("rejected configuration context", "index", entry.Index, "error", err)
		t.metrics.RecordCommand("unknown", "rejected")
		t.advance(entry.Index)
		return &Result{Err: err}
	}

	t.mu.Lock()
	res := t.applyLocked(entry.Index, cmd)
	byStatus := t.countByStatusLocked()
	t.mu.Unlock()

	switch {
	case res.Duplicate:
		t.metrics.RecordCommand(string(cmd.Type), "duplicate")
	case res.Err != nil:
		t.metrics.RecordCommand(string(cmd.Type), "rejected")
	default:
		t.metrics.RecordCommand(string(cmd.Type), "applied")
	}
	t.metrics.UpdateMembership(byStatus, res.Version)
	return res
}

func (t *Table) applyOpaque(index uint64, data []byte) *Result {
	t.mu.Lock()
	if index > t.appliedIndex {
		t.appliedIndex = index
	}
	t.opaque++
	version, fn := t.version, t.onOpaque
	t.mu.Unlock()

	t.logger.Trace("opaque command applied", "index", index, "bytes", len(data))
	t.metrics.RecordCommand("opaque", "applied")
	if fn != nil {
		fn(index, data)
	}
	return &Result{Version: version, Opaque: true}
}

// OpaqueCommands returns how many opaque command entries have been applied.
func (t *Table) OpaqueCommands() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.opaque
}

func (t *Table) advance(index uint64) {
	t.mu.Lock()
	if index > t.appliedIndex {
		t.appliedIndex = index
	}
	t.mu.Unlock()
}

// applyLocked mutates the table for one command. Callers hold t.mu.
func (t *Table) applyLocked(index uint64, cmd *Command) *Result {
	if index > t.appliedIndex {
		t.appliedIndex = index
	}
	if _, dup := t.seen[cmd.ID]; dup {
		return &Result{Version: t.version, Duplicate: true}
	}
	t.remember(cmd.ID)

	if err := cmd.Validate(); err != nil {
		return &Result{Version: t.version, Err: err}
	}

	var changed bool
	var err error
	switch cmd.Type {
	case CmdNodeJoined:
		changed = t.joinLocked(cmd)
	case CmdNodeLeft:
		changed, err = t.leaveLocked(cmd.NodeID)
	case CmdNodeRemoved:
		changed, err = t.removeLocked(cmd.NodeID)
	case CmdConfigSet:
		if old, ok := t.configData[cmd.Key]; !ok || old != cmd.Value {
			t.configData[cmd.Key] = cmd.Value
			changed = true
		}
	case CmdConfigDelete:
		if _, ok := t.configData[cmd.Key]; ok {
			delete(t.configData, cmd.Key)
			changed = true
		}
	}

	if changed {
		t.version++
		if t.createdAt.IsZero() {
			t.createdAt = cmd.Timestamp
		}
		t.updatedAt = cmd.Timestamp
		t.logger.Debug("membership command applied", "type", cmd.Type, "index", index, "version", t.version)
	}
	return &Result{Version: t.version, Changed: changed, Err: err}
}

// joinLocked adds a node or refreshes the identity of a known one. A node
// that had left is revived with a new join time.
func (t *Table) joinLocked(cmd *Command) bool {
	in := cmd.Node.Clone()
	existing, ok := t.nodes[in.NodeID]
	if ok && existing.Status != api.StatusLeft {
		if existing.Name == in.Name && existing.Address == in.Address &&
			existing.Version == in.Version && existing.Region == in.Region &&
			maps.Equal(existing.Metadata, in.Metadata) {
			return false
		}
		existing.Name = in.Name
		existing.Address = in.Address
		existing.Version = in.Version
		existing.Region = in.Region
		existing.Metadata = in.Metadata
		return true
	}

	in.Status = api.StatusActive
	in.JoinedAt = cmd.Timestamp
	if in.LastSeen.Before(cmd.Timestamp) {
		in.LastSeen = cmd.Timestamp
	}
	if in.Role == "" || in.Role == api.RoleLeader || in.Role == api.RoleCandidate {
		in.Role = api.RoleObserver
	}
	if ok {
		in.Resources = existing.Resources
	}
	t.nodes[in.NodeID] = &in
	delete(t.suspectedSince, in.NodeID)
	t.logger.Info("node joined", "node", in.NodeID, "address", in.Address)
	return true
}

func (t *Table) leaveLocked(id string) (bool, error) {
	n, ok := t.nodes[id]
	if !ok {
		return false, ErrUnknownNode
	}
	if n.Status == api.StatusLeft {
		return false, nil
	}
	n.Status = api.StatusLeft
	delete(t.suspectedSince, id)
	t.logger.Info("node left", "node", id)
	return true, nil
}

func (t *Table) removeLocked(id string) (bool, error) {
	if _, ok := t.nodes[id]; !ok {
		return false, ErrUnknownNode
	}
	delete(t.nodes, id)
	delete(t.suspectedSince, id)
	t.logger.Info("node removed", "node", id)
	return true, nil
}

// remember records a command id, forgetting the oldest past the bound.
func (t *Table) remember(id string) {
	t.seen[id] = struct{}{}
	t.seenOrder = append(t.seenOrder, id)
	if len(t.seenOrder) > maxRememberedCommands {
		oldest := t.seenOrder[0]
		t.seenOrder = t.seenOrder[1:]
		delete(t.seen, oldest)
	}
}

// Heartbeat records a node's resource gauges and contact time. Reports with
// a timestamp older than the last one seen are ignored. A suspected node
// becomes active again. It returns false for unknown or departed nodes.
func (t *Table) Heartbeat(nodeID string, ts time.Time, res api.Resources) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	n, ok := t.nodes[nodeID]
	if !ok || n.Status == api.StatusLeft {
		return false
	}
	if !ts.After(n.LastSeen) {
		return true
	}
	n.LastSeen = ts
	n.Resources = res
	if n.Status == api.StatusSuspected {
		n.Status = api.StatusActive
		delete(t.suspectedSince, nodeID)
		t.logger.Info("suspected node is alive again", "node", nodeID)
	}
	return true
}

// Sweep marks active nodes silent for longer than window as suspected and
// returns their ids. Silence is counted from the later of the node's last
// contact and the moment this table started watching, so a restarted node
// does not suspect everyone at once.
func (t *Table) Sweep(now time.Time, window time.Duration) []string {
	t.mu.Lock()
	var suspected []string
	for id, n := range t.nodes {
		if n.Status != api.StatusActive {
			continue
		}
		last := n.LastSeen
		if last.Before(t.watchFrom) {
			last = t.watchFrom
		}
		if now.Sub(last) > window {
			n.Status = api.StatusSuspected
			t.suspectedSince[id] = now
			suspected = append(suspected, id)
		}
	}
	byStatus := t.countByStatusLocked()
	version := t.version
	t.mu.Unlock()

	sort.Strings(suspected)
	for _, id := range suspected {
		t.logger.Warn("node suspected", "node", id, "window", window)
	}
	t.metrics.UpdateMembership(byStatus, version)
	return suspected
}

// Expired returns the nodes that have been suspected for longer than grace.
func (t *Table) Expired(now time.Time, grace time.Duration) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var ids []string
	for id, since := range t.suspectedSince {
		if now.Sub(since) > grace {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// State returns a copy of the replicated cluster state with nodes sorted by
// id. LeaderID and Term are left for the caller to fill in.
func (t *Table) State() api.ClusterState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := api.ClusterState{
		ClusterName:   t.clusterName,
		Nodes:         make([]api.NodeInfo, 0, len(t.nodes)),
		ConfigVersion: t.version,
		ConfigData:    make(map[string]string, len(t.configData)),
		AppliedIndex:  t.appliedIndex,
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
	for _, n := range t.nodes {
		s.Nodes = append(s.Nodes, n.Clone())
	}
	sort.Slice(s.Nodes, func(i, j int) bool { return s.Nodes[i].NodeID < s.Nodes[j].NodeID })
	for k, v := range t.configData {
		s.ConfigData[k] = v
	}
	return s
}

// Node returns a copy of one node's record.
func (t *Table) Node(id string) (api.NodeInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return api.NodeInfo{}, false
	}
	return n.Clone(), true
}

// Config returns one shared configuration value.
func (t *Table) Config(key string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v, ok := t.configData[key]
	return v, ok
}

// Version returns the current ConfigVersion.
func (t *Table) Version() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.version
}

// ClusterName returns the name this table was created for.
func (t *Table) ClusterName() string {
	return t.clusterName
}

func (t *Table) countByStatusLocked() map[string]int {
	counts := make(map[string]int)
	for _, n := range t.nodes {
		counts[string(n.Status)]++
	}
	return counts
}

// tableSnapshot is the serialized form of the replicated part of a Table.
type tableSnapshot struct {
	Nodes        []api.NodeInfo    `json:"nodes"`
	ConfigData   map[string]string `json:"config_data"`
	Version      uint64            `json:"version"`
	AppliedIndex uint64            `json:"applied_index"`
	Opaque       uint64            `json:"opaque_commands"`
	CreatedAt    time.Time         `json:"created_at"`
	UpdatedAt    time.Time         `json:"updated_at"`
	Commands     []string          `json:"commands"`
}

// Snapshot returns a reader containing the JSON-encoded table.
// The copy is taken under the read lock and encoded after releasing it.
func (t *Table) Snapshot() (io.ReadCloser, error) {
	state := t.State()
	for i := range state.Nodes {
		// Suspicion is a local observation.
		if state.Nodes[i].Status == api.StatusSuspected {
			state.Nodes[i].Status = api.StatusActive
		}
	}

	t.mu.RLock()
	commands := append([]string(nil), t.seenOrder...)
	opaque := t.opaque
	t.mu.RUnlock()

	data, err := json.Marshal(tableSnapshot{
		Nodes:        state.Nodes,
		ConfigData:   state.ConfigData,
		Version:      state.ConfigVersion,
		AppliedIndex: state.AppliedIndex,
		Opaque:       opaque,
		CreatedAt:    state.CreatedAt,
		UpdatedAt:    state.UpdatedAt,
		Commands:     commands,
	})
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Restore replaces the table with a snapshot. On error the existing state
// is preserved. The reader is closed on success.
func (t *Table) Restore(rc io.ReadCloser) error {
	if rc == nil {
		return ErrNilReader
	}
	data, err := io.ReadAll(rc)
	if err != nil {
		return err
	}

	var snap tableSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return ErrMalformedCommand
	}

	nodes := make(map[string]*api.NodeInfo, len(snap.Nodes))
	for i := range snap.Nodes {
		n := snap.Nodes[i].Clone()
		nodes[n.NodeID] = &n
	}
	if snap.ConfigData == nil {
		snap.ConfigData = make(map[string]string)
	}
	seen := make(map[string]struct{}, len(snap.Commands))
	for _, id := range snap.Commands {
		seen[id] = struct{}{}
	}

	t.mu.Lock()
	t.nodes = nodes
	t.configData = snap.ConfigData
	t.version = snap.Version
	t.appliedIndex = snap.AppliedIndex
	t.opaque = snap.Opaque
	t.createdAt = snap.CreatedAt
	t.updatedAt = snap.UpdatedAt
	t.seen = seen
	t.seenOrder = snap.Commands
	t.watchFrom = time.Now()
	t.suspectedSince = make(map[string]time.Time)
	byStatus := t.countByStatusLocked()
	t.mu.Unlock()

	t.logger.Info("membership table restored", "nodes", len(nodes), "version", snap.Version)
	t.metrics.UpdateMembership(byStatus, snap.Version)
	return rc.Close()
}
