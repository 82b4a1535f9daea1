package raft

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/salahayoub/vpncluster/pkg/storage"
)

func writeTestSnapshot(t *testing.T, store *FileSnapshotStore, index, term uint64, data []byte) *SnapshotMeta {
	t.Helper()
	meta := &SnapshotMeta{
		LastIncludedIndex: index,
		LastIncludedTerm:  term,
		Configuration:     ClusterConfig{Members: []ClusterMember{{ID: "n1", Address: "a1", State: Voter}}},
	}
	sink, err := store.Create(meta)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if _, err := sink.Write(data); err != nil {
		t.Fatalf("sink.Write() error = %v", err)
	}
	if err := sink.Close(); err != nil {
		t.Fatalf("sink.Close() error = %v", err)
	}
	return meta
}

func TestFileSnapshotStore_CreateOpen(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileSnapshotStore() error = %v", err)
	}

	if _, _, err := store.Open(); !errors.Is(err, ErrNoSnapshot) {
		t.Fatalf("Open() on empty store error = %v, want ErrNoSnapshot", err)
	}

	data := bytes.Repeat([]byte("vpn-state "), 500)
	writeTestSnapshot(t, store, 10, 2, data)

	meta, rc, err := store.Open()
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("ReadAll() error = %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("Open() returned %d bytes, want the %d written", len(got), len(data))
	}
	if meta.LastIncludedIndex != 10 || meta.LastIncludedTerm != 2 {
		t.Errorf("meta = (%d, %d), want (10, 2)", meta.LastIncludedIndex, meta.LastIncludedTerm)
	}
	if !meta.Configuration.IsVoter("n1") {
		t.Errorf("meta configuration = %+v, want n1 as voter", meta.Configuration)
	}
	if meta.Size <= 0 || meta.Size >= int64(len(data)) {
		t.Errorf("compressed size = %d, want in (0, %d)", meta.Size, len(data))
	}
	if !strings.HasPrefix(meta.Checksum, "sha256:") {
		t.Errorf("checksum = %q, want sha256 prefix", meta.Checksum)
	}
}

func TestFileSnapshotStore_KeepsOnlyLatest(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore() error = %v", err)
	}

	writeTestSnapshot(t, store, 5, 1, []byte("first"))
	writeTestSnapshot(t, store, 9, 2, []byte("second"))

	files, err := filepath.Glob(filepath.Join(dir, "snapshot-*.dat"))
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 1 || filepath.Base(files[0]) != dataFileName(9, 2) {
		t.Errorf("data files = %v, want only %s", files, dataFileName(9, 2))
	}

	meta, err := store.GetMeta()
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	if meta.LastIncludedIndex != 9 {
		t.Errorf("GetMeta().LastIncludedIndex = %d, want 9", meta.LastIncludedIndex)
	}
}

func TestFileSnapshotStore_DetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileSnapshotStore(dir)
	if err != nil {
		t.Fatalf("NewFileSnapshotStore() error = %v", err)
	}
	meta := writeTestSnapshot(t, store, 3, 1, []byte("payload"))

	meta, err = store.GetMeta()
	if err != nil {
		t.Fatalf("GetMeta() error = %v", err)
	}
	path := filepath.Join(dir, meta.File)
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	raw[len(raw)-1] ^= 0xff
	if err := os.WriteFile(path, raw, 0644); err != nil {
		t.Fatal(err)
	}

	if _, _, err := store.Open(); !errors.Is(err, ErrSnapshotCorrupted) {
		t.Errorf("Open() error = %v, want ErrSnapshotCorrupted", err)
	}
}

// TestPendingSnapshot_ChunkedInstall copies one store's raw snapshot into
// another in chunks, the way InstallSnapshot does.
func TestPendingSnapshot_ChunkedInstall(t *testing.T) {
	src, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dst, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}

	data := []byte(strings.Repeat("0123456789", 300))
	writeTestSnapshot(t, src, 42, 3, data)
	meta, rc, err := src.OpenRaw()
	if err != nil {
		t.Fatalf("OpenRaw() error = %v", err)
	}
	raw, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}

	pending, err := dst.BeginInstall(&SnapshotMeta{
		LastIncludedIndex: meta.LastIncludedIndex,
		LastIncludedTerm:  meta.LastIncludedTerm,
		Configuration:     meta.Configuration,
		Checksum:          meta.Checksum,
	})
	if err != nil {
		t.Fatalf("BeginInstall() error = %v", err)
	}

	if err := pending.Write(7, raw[:10]); !errors.Is(err, ErrSnapshotOffset) {
		t.Fatalf("Write() at a gap error = %v, want ErrSnapshotOffset", err)
	}
	const chunk = 16
	for off := 0; off < len(raw); off += chunk {
		end := min(off+chunk, len(raw))
		if err := pending.Write(uint64(off), raw[off:end]); err != nil {
			t.Fatalf("Write(%d) error = %v", off, err)
		}
	}
	if pending.Written() != uint64(len(raw)) {
		t.Errorf("Written() = %d, want %d", pending.Written(), len(raw))
	}
	if err := pending.Commit(); err != nil {
		t.Fatalf("Commit() error = %v", err)
	}

	got, rc, err := dst.Open()
	if err != nil {
		t.Fatalf("Open() after install error = %v", err)
	}
	restored, _ := io.ReadAll(rc)
	rc.Close()
	if !bytes.Equal(restored, data) {
		t.Error("installed snapshot does not decompress to the original data")
	}
	if got.LastIncludedIndex != 42 || got.Checksum != meta.Checksum {
		t.Errorf("installed meta = %+v", got)
	}
}

func TestPendingSnapshot_RejectsBadChecksum(t *testing.T) {
	store, err := NewFileSnapshotStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pending, err := store.BeginInstall(&SnapshotMeta{LastIncludedIndex: 1, LastIncludedTerm: 1, Checksum: "sha256:00"})
	if err != nil {
		t.Fatal(err)
	}
	if err := pending.Write(0, []byte("not what was promised")); err != nil {
		t.Fatal(err)
	}
	if err := pending.Commit(); !errors.Is(err, ErrSnapshotCorrupted) {
		t.Errorf("Commit() error = %v, want ErrSnapshotCorrupted", err)
	}
	if _, err := store.GetMeta(); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("GetMeta() after rejected install error = %v, want ErrNoSnapshot", err)
	}
}

func TestSnapshot_CompactsBehindTrailingLogs(t *testing.T) {
	c := newTestCluster(t, 1, func(conf *Config) { conf.TrailingLogs = 5 })
	c.start()
	node := c.nodes["n1"]

	for i := 0; i < 20; i++ {
		applyWithRetry(t, c, fmt.Sprintf("cmd-%d", i))
	}

	meta, err := node.raft.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if meta.LastIncludedIndex != 20 {
		t.Errorf("LastIncludedIndex = %d, want 20", meta.LastIncludedIndex)
	}
	if node.raft.LastSnapshotIndex() != 20 {
		t.Errorf("LastSnapshotIndex() = %d, want 20", node.raft.LastSnapshotIndex())
	}

	base, _ := node.store.CompactedBase()
	if base != 15 {
		t.Errorf("compacted base = %d, want 15", base)
	}
	if _, err := node.store.GetLog(10); !errors.Is(err, storage.ErrCompacted) {
		t.Errorf("GetLog(10) error = %v, want ErrCompacted", err)
	}
	if _, err := node.store.GetLog(16); err != nil {
		t.Errorf("GetLog(16) error = %v, retained entries must stay readable", err)
	}

	// Nothing new to capture: the existing snapshot is returned.
	again, err := node.raft.Snapshot()
	if err != nil || again.LastIncludedIndex != 20 {
		t.Errorf("second Snapshot() = %+v, %v", again, err)
	}

	// A restart restores from the snapshot and replays nothing twice.
	c.stop("n1")
	node = c.restart("n1")
	c.waitApplied(20, node)
	if got := node.fsm.Commands(); len(got) != 20 || got[19] != "cmd-19" {
		t.Errorf("commands after restart = %v", got)
	}
}

// TestSnapshotTransfer_CatchesUpLaggingFollower stops a follower, lets the
// leader snapshot and compact far past it, and checks the restarted
// follower is brought up to date through InstallSnapshot.
func TestSnapshotTransfer_CatchesUpLaggingFollower(t *testing.T) {
	c := newTestCluster(t, 3, func(conf *Config) {
		conf.SnapshotThreshold = 10
		conf.TrailingLogs = 2
		conf.SnapshotChunkSize = 32
	})
	c.start()

	applyWithRetry(t, c, "first")
	leader := c.leader(5 * time.Second)
	lagging := c.followers(leader)[0]
	c.waitApplied(leader.raft.CommitIndex(), lagging)
	c.stop(lagging.id)

	var last ApplyResult
	for i := 0; i < 50; i++ {
		last = applyWithRetry(t, c, fmt.Sprintf("cmd-%d", i))
	}
	leader = c.leader(5 * time.Second)
	waitFor(t, 5*time.Second, "the leader to snapshot", func() bool {
		base, _ := leader.store.CompactedBase()
		return leader.raft.LastSnapshotIndex() > 0 && base > 2
	})

	lagging = c.restart(lagging.id)
	c.waitApplied(last.Index, lagging)

	if lagging.raft.LastSnapshotIndex() == 0 {
		t.Error("lagging follower caught up without a snapshot")
	}
	want := strings.Join(leader.fsm.Commands(), ",")
	if got := strings.Join(lagging.fsm.Commands(), ","); got != want {
		t.Errorf("lagging follower state = %s, want %s", got, want)
	}
	if !lagging.raft.GetConfiguration().Equal(leader.raft.GetConfiguration()) {
		t.Errorf("configuration = %+v, want %+v", lagging.raft.GetConfiguration(), leader.raft.GetConfiguration())
	}
}
