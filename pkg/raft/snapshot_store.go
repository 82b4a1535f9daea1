// snapshot_store.go provides snapshot storage for the Raft consensus engine.
//
// # Thread Safety Guarantees
//
// FileSnapshotStore is safe for concurrent use by multiple goroutines.
// Snapshot data is written to a temporary file, renamed into place, and only
// then published by atomically replacing meta.json, so a crash at any point
// leaves the previous snapshot readable. Data files are snappy-compressed;
// the checksum covers the compressed bytes, which are also what
// InstallSnapshot transfers.
package raft

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/golang/snappy"
)

// Error variables for snapshot operations.
var (
	// ErrNoSnapshot is returned when no snapshot exists.
	ErrNoSnapshot = errors.New("no snapshot available")
	// ErrSnapshotCorrupted is returned when snapshot data fails integrity check.
	ErrSnapshotCorrupted = errors.New("snapshot data corrupted")
	// ErrSnapshotInProgress is returned when another snapshot operation is in progress.
	ErrSnapshotInProgress = errors.New("snapshot operation already in progress")
	// ErrSnapshotOffset is returned when an install chunk does not continue the data received so far.
	ErrSnapshotOffset = errors.New("snapshot chunk offset mismatch")
)

// SnapshotMeta contains metadata about a snapshot.
type SnapshotMeta struct {
	// LastIncludedIndex is the index of the last log entry included in the snapshot.
	LastIncludedIndex uint64 `json:"lastIncludedIndex"`
	// LastIncludedTerm is the term of the last log entry included in the snapshot.
	LastIncludedTerm uint64 `json:"lastIncludedTerm"`
	// Configuration is the cluster configuration as of LastIncludedIndex.
	Configuration ClusterConfig `json:"configuration"`
	// Size is the size of the compressed snapshot data in bytes.
	Size int64 `json:"size"`
	// Checksum is the SHA-256 checksum of the compressed snapshot data.
	Checksum string `json:"checksum"`
	// File is the data file name inside the store directory.
	File string `json:"file"`
}

// SnapshotStore provides persistent storage for snapshots.
type SnapshotStore interface {
	// Create starts a new local snapshot. Data written to the sink is the
	// uncompressed state machine snapshot.
	Create(meta *SnapshotMeta) (SnapshotSink, error)

	// Open returns the most recent snapshot with a decompressing reader.
	// Returns ErrNoSnapshot if no snapshot exists.
	Open() (*SnapshotMeta, io.ReadCloser, error)

	// OpenRaw returns the most recent snapshot's stored (compressed) bytes.
	OpenRaw() (*SnapshotMeta, io.ReadCloser, error)

	// GetMeta returns metadata of the most recent snapshot without loading data.
	// Returns ErrNoSnapshot if no snapshot exists.
	GetMeta() (*SnapshotMeta, error)

	// BeginInstall stages a snapshot received from a leader. Chunks are the
	// stored bytes produced by OpenRaw on the sender.
	BeginInstall(meta *SnapshotMeta) (*PendingSnapshot, error)

	// Dir returns the directory where snapshots are stored.
	Dir() string
}

// SnapshotSink is used to write snapshot data.
type SnapshotSink interface {
	io.WriteCloser

	// ID returns a unique identifier for this snapshot.
	ID() string

	// Cancel aborts the snapshot and cleans up resources.
	Cancel() error
}

const (
	metaFileName    = "meta.json"
	metaTempName    = "meta.json.tmp"
	createTempName  = "snapshot.tmp"
	installTempName = "install.tmp"
)

func dataFileName(index, term uint64) string {
	return fmt.Sprintf("snapshot-%d-%d.dat", index, term)
}

// FileSnapshotStore implements SnapshotStore using the filesystem.
// Only the most recent snapshot is retained.
type FileSnapshotStore struct {
	dir      string
	mu       sync.Mutex // Serializes publishing a snapshot
	creating bool
}

// NewFileSnapshotStore creates a new FileSnapshotStore at the specified directory.
// It creates the directory if it doesn't exist and clears leftover temp files.
func NewFileSnapshotStore(dir string) (*FileSnapshotStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	for _, name := range []string{metaTempName, createTempName, installTempName} {
		os.Remove(filepath.Join(dir, name))
	}
	return &FileSnapshotStore{dir: dir}, nil
}

// countingWriter counts bytes passed through to w.
type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}

// FileSnapshotSink implements SnapshotSink for writing snapshot data to a file.
type FileSnapshotSink struct {
	store    *FileSnapshotStore
	meta     *SnapshotMeta
	file     *os.File
	hasher   hash.Hash
	counter  *countingWriter
	snappy   *snappy.Writer
	closed   bool
	canceled bool
}

// Create starts a new snapshot write operation.
func (s *FileSnapshotStore) Create(meta *SnapshotMeta) (SnapshotSink, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creating {
		return nil, ErrSnapshotInProgress
	}

	file, err := os.Create(filepath.Join(s.dir, createTempName))
	if err != nil {
		return nil, fmt.Errorf("failed to create temp snapshot file: %w", err)
	}
	s.creating = true

	hasher := sha256.New()
	counter := &countingWriter{w: io.MultiWriter(file, hasher)}
	return &FileSnapshotSink{
		store:   s,
		meta:    meta,
		file:    file,
		hasher:  hasher,
		counter: counter,
		snappy:  snappy.NewBufferedWriter(counter),
	}, nil
}

// Write compresses p into the snapshot.
func (s *FileSnapshotSink) Write(p []byte) (n int, err error) {
	if s.closed || s.canceled {
		return 0, errors.New("snapshot sink is closed")
	}
	return s.snappy.Write(p)
}

// Close flushes, syncs and publishes the snapshot.
func (s *FileSnapshotSink) Close() error {
	if s.closed || s.canceled {
		return nil
	}
	s.closed = true
	defer s.store.doneCreating()

	tempPath := filepath.Join(s.store.dir, createTempName)
	if err := s.snappy.Close(); err != nil {
		s.file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to flush snapshot data: %w", err)
	}
	if err := syncAndClose(s.file); err != nil {
		os.Remove(tempPath)
		return err
	}

	s.meta.Size = s.counter.n
	s.meta.Checksum = "sha256:" + hex.EncodeToString(s.hasher.Sum(nil))
	return s.store.publish(tempPath, s.meta)
}

// ID returns the unique identifier for this snapshot.
func (s *FileSnapshotSink) ID() string {
	return fmt.Sprintf("%d-%d", s.meta.LastIncludedIndex, s.meta.LastIncludedTerm)
}

// Cancel aborts the snapshot and cleans up resources.
func (s *FileSnapshotSink) Cancel() error {
	if s.closed || s.canceled {
		return nil
	}
	s.canceled = true
	defer s.store.doneCreating()

	s.file.Close()
	return os.Remove(filepath.Join(s.store.dir, createTempName))
}

func (s *FileSnapshotStore) doneCreating() {
	s.mu.Lock()
	s.creating = false
	s.mu.Unlock()
}

func syncAndClose(f *os.File) error {
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync snapshot data: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to close snapshot file: %w", err)
	}
	return nil
}

// publish moves a complete data file into place and makes meta point at it.
func (s *FileSnapshotStore) publish(tempPath string, meta *SnapshotMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	old, _ := s.readMeta()

	meta.File = dataFileName(meta.LastIncludedIndex, meta.LastIncludedTerm)
	if err := os.Rename(tempPath, filepath.Join(s.dir, meta.File)); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename snapshot file: %w", err)
	}

	metaData, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	metaTemp := filepath.Join(s.dir, metaTempName)
	if err := writeFileSync(metaTemp, metaData); err != nil {
		return fmt.Errorf("failed to write metadata: %w", err)
	}
	if err := os.Rename(metaTemp, filepath.Join(s.dir, metaFileName)); err != nil {
		return fmt.Errorf("failed to publish metadata: %w", err)
	}

	if old != nil && old.File != "" && old.File != meta.File {
		os.Remove(filepath.Join(s.dir, old.File))
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	return syncAndClose(f)
}

// snappyReadCloser closes the underlying file of a decompressing reader.
type snappyReadCloser struct {
	*snappy.Reader
	file *os.File
}

func (r *snappyReadCloser) Close() error {
	return r.file.Close()
}

// Open returns the most recent snapshot for reading, after verifying its checksum.
func (s *FileSnapshotStore) Open() (*SnapshotMeta, io.ReadCloser, error) {
	meta, file, err := s.openVerified()
	if err != nil {
		return nil, nil, err
	}
	return meta, &snappyReadCloser{Reader: snappy.NewReader(file), file: file}, nil
}

// OpenRaw returns the stored compressed bytes of the most recent snapshot.
func (s *FileSnapshotStore) OpenRaw() (*SnapshotMeta, io.ReadCloser, error) {
	return s.openVerified()
}

func (s *FileSnapshotStore) openVerified() (*SnapshotMeta, *os.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	meta, err := s.readMeta()
	if err != nil {
		return nil, nil, err
	}

	path := filepath.Join(s.dir, meta.File)
	checksum, err := computeFileChecksum(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, ErrNoSnapshot
		}
		return nil, nil, fmt.Errorf("failed to verify checksum: %w", err)
	}
	if checksum != meta.Checksum {
		return nil, nil, ErrSnapshotCorrupted
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open snapshot file: %w", err)
	}
	return meta, file, nil
}

// GetMeta returns metadata of the most recent snapshot without loading data.
func (s *FileSnapshotStore) GetMeta() (*SnapshotMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.readMeta()
}

func (s *FileSnapshotStore) readMeta() (*SnapshotMeta, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, metaFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoSnapshot
		}
		return nil, fmt.Errorf("failed to read metadata: %w", err)
	}

	var meta SnapshotMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &meta, nil
}

// Dir returns the directory where snapshots are stored.
func (s *FileSnapshotStore) Dir() string {
	return s.dir
}

// PendingSnapshot accumulates InstallSnapshot chunks until the last one
// arrives. Nothing becomes visible before Commit verifies the checksum.
type PendingSnapshot struct {
	store   *FileSnapshotStore
	meta    *SnapshotMeta
	file    *os.File
	hasher  hash.Hash
	written uint64
}

// BeginInstall stages a snapshot received from a leader, replacing any
// earlier staged install.
func (s *FileSnapshotStore) BeginInstall(meta *SnapshotMeta) (*PendingSnapshot, error) {
	file, err := os.Create(filepath.Join(s.dir, installTempName))
	if err != nil {
		return nil, fmt.Errorf("failed to create install file: %w", err)
	}
	return &PendingSnapshot{store: s, meta: meta, file: file, hasher: sha256.New()}, nil
}

// Meta returns the metadata the install was started with.
func (p *PendingSnapshot) Meta() *SnapshotMeta {
	return p.meta
}

// Written returns the number of bytes received so far.
func (p *PendingSnapshot) Written() uint64 {
	return p.written
}

// Write appends a chunk at offset, which must equal the bytes received so far.
func (p *PendingSnapshot) Write(offset uint64, data []byte) error {
	if offset != p.written {
		return fmt.Errorf("%w: got %d, expected %d", ErrSnapshotOffset, offset, p.written)
	}
	if _, err := p.file.Write(data); err != nil {
		return fmt.Errorf("failed to write snapshot chunk: %w", err)
	}
	p.hasher.Write(data)
	p.written += uint64(len(data))
	return nil
}

// Commit verifies the received data and publishes it as the current snapshot.
func (p *PendingSnapshot) Commit() error {
	tempPath := filepath.Join(p.store.dir, installTempName)
	if err := syncAndClose(p.file); err != nil {
		os.Remove(tempPath)
		return err
	}

	checksum := "sha256:" + hex.EncodeToString(p.hasher.Sum(nil))
	if p.meta.Checksum != "" && checksum != p.meta.Checksum {
		os.Remove(tempPath)
		return ErrSnapshotCorrupted
	}
	p.meta.Checksum = checksum
	p.meta.Size = int64(p.written)
	return p.store.publish(tempPath, p.meta)
}

// Abort discards the staged data.
func (p *PendingSnapshot) Abort() {
	p.file.Close()
	os.Remove(filepath.Join(p.store.dir, installTempName))
}

// computeFileChecksum computes the SHA-256 checksum of a file.
func computeFileChecksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(hasher.Sum(nil)), nil
}
