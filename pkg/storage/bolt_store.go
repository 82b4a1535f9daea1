// Package storage provides the persistent log and stable store used by the
// consensus engine.
//
// # Thread Safety Guarantees
//
// BoltStore is safe for concurrent use by multiple goroutines. This safety is provided
// by BoltDB's transaction model:
//
//   - BoltDB allows multiple concurrent read transactions (View)
//   - BoltDB allows only one write transaction (Update) at a time
//   - Read transactions see a consistent snapshot of the database
//
// Every mutating method runs in a single Update transaction, which bbolt
// fsyncs before returning. A method that returns nil has therefore made its
// effect durable, and a method that fails has changed nothing.
//
// The compaction base (index and term of the last entry folded into a
// snapshot) is cached in memory behind a mutex and reloaded on open.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/salahayoub/vpncluster/api"
	"go.etcd.io/bbolt"
)

// Bucket names for BoltDB storage
var (
	logsBucket   = []byte("logs")
	stableBucket = []byte("stable")
)

// Keys in the stable bucket owned by the store itself.
var (
	keyCompactedIndex = []byte("compactedIndex")
	keyCompactedTerm  = []byte("compactedTerm")
	keyCurrentTerm    = []byte("currentTerm")
	keyVotedFor       = []byte("votedFor")
)

// Error types
var (
	ErrLogNotFound = errors.New("log entry not found")
	ErrKeyNotFound = errors.New("key not found")
	// ErrCompacted is returned when accessing a log entry that has been compacted.
	ErrCompacted = errors.New("log entry has been compacted")
	// ErrNonContiguous is returned when an append would leave a gap in the log.
	ErrNonContiguous = errors.New("log entries are not contiguous")
)

// BoltStore implements both the log store and the stable store of the
// consensus engine on a single BoltDB file.
type BoltStore struct {
	db   *bbolt.DB
	path string

	mu             sync.RWMutex
	compactedIndex uint64
	compactedTerm  uint64
}

// NewBoltStore creates a new BoltStore at the specified path.
// It opens or creates the database file and initializes the required buckets.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(logsBucket); err != nil {
			return fmt.Errorf("failed to create logs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(stableBucket); err != nil {
			return fmt.Errorf("failed to create stable bucket: %w", err)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	store := &BoltStore{
		db:   db,
		path: path,
	}

	err = db.View(func(tx *bbolt.Tx) error {
		stable := tx.Bucket(stableBucket)
		store.compactedIndex = getUint64(stable, keyCompactedIndex)
		store.compactedTerm = getUint64(stable, keyCompactedTerm)
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to load compaction base: %w", err)
	}

	return store, nil
}

// Close releases all database resources.
func (b *BoltStore) Close() error {
	return b.db.Close()
}

// Path returns the database file path.
func (b *BoltStore) Path() string {
	return b.path
}

// uint64ToBytes encodes a uint64 value to big-endian bytes.
// Big-endian encoding ensures proper lexicographic ordering of keys.
func uint64ToBytes(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

// bytesToUint64 decodes big-endian bytes to a uint64 value.
func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func getUint64(bucket *bbolt.Bucket, key []byte) uint64 {
	v := bucket.Get(key)
	if len(v) != 8 {
		return 0
	}
	return bytesToUint64(v)
}

// ============================================================================
// Log store
// ============================================================================

// FirstIndex returns the first index present in the log.
// Returns 0 if the log store is empty and no compaction has occurred.
// After compaction, returns max(firstLogEntry, compactedIndex + 1).
func (b *BoltStore) FirstIndex() (uint64, error) {
	var first uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		if key, _ := tx.Bucket(logsBucket).Cursor().First(); key != nil {
			first = bytesToUint64(key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	compacted := b.compactedIndex
	b.mu.RUnlock()

	if compacted > 0 && compacted+1 > first {
		return compacted + 1, nil
	}
	return first, nil
}

// LastIndex returns the last index written to the log store.
// When the log is empty after compaction it returns the compacted index.
func (b *BoltStore) LastIndex() (uint64, error) {
	var last uint64
	err := b.db.View(func(tx *bbolt.Tx) error {
		if key, _ := tx.Bucket(logsBucket).Cursor().Last(); key != nil {
			last = bytesToUint64(key)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	b.mu.RLock()
	compacted := b.compactedIndex
	b.mu.RUnlock()

	if compacted > last {
		return compacted, nil
	}
	return last, nil
}

// StoreLogs stores multiple log entries in a single batch transaction,
// overwriting any entry already present at the same index.
func (b *BoltStore) StoreLogs(logs []*api.LogEntry) error {
	if len(logs) == 0 {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for _, log := range logs {
			if err := bucket.Put(uint64ToBytes(log.Index), api.EncodeLogEntry(log)); err != nil {
				return fmt.Errorf("failed to store log entry: %w", err)
			}
		}
		return nil
	})
}

// AppendEntries writes entries received from a leader after a successful
// consistency check. For each incoming entry, an existing entry at the same
// index with the same term is left in place; an existing entry with a
// different term is deleted together with every entry after it, and the
// incoming entries are written from there. The whole operation is one
// transaction.
func (b *BoltStore) AppendEntries(entries []*api.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}

	b.mu.RLock()
	compacted := b.compactedIndex
	b.mu.RUnlock()

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket)

		last := compacted
		if key, _ := bucket.Cursor().Last(); key != nil && bytesToUint64(key) > last {
			last = bytesToUint64(key)
		}
		if entries[0].Index > last+1 {
			return fmt.Errorf("%w: append at %d with last index %d", ErrNonContiguous, entries[0].Index, last)
		}

		truncated := false
		for i, entry := range entries {
			if i > 0 && entry.Index != entries[i-1].Index+1 {
				return fmt.Errorf("%w: %d follows %d", ErrNonContiguous, entry.Index, entries[i-1].Index)
			}
			if entry.Index <= compacted {
				continue
			}

			if !truncated {
				if existing := bucket.Get(uint64ToBytes(entry.Index)); existing != nil {
					prev, err := api.DecodeLogEntry(existing)
					if err != nil {
						return fmt.Errorf("failed to decode log entry %d: %w", entry.Index, err)
					}
					if prev.Term == entry.Term {
						continue
					}
					if err := deleteFrom(bucket, entry.Index); err != nil {
						return err
					}
					truncated = true
				}
			}

			if err := bucket.Put(uint64ToBytes(entry.Index), api.EncodeLogEntry(entry)); err != nil {
				return fmt.Errorf("failed to store log entry: %w", err)
			}
		}
		return nil
	})
}

// deleteFrom removes every entry with index >= start.
func deleteFrom(bucket *bbolt.Bucket, start uint64) error {
	var keys [][]byte
	c := bucket.Cursor()
	for k, _ := c.Seek(uint64ToBytes(start)); k != nil; k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := bucket.Delete(k); err != nil {
			return fmt.Errorf("failed to delete log entry at index %d: %w", bytesToUint64(k), err)
		}
	}
	return nil
}

// GetLog retrieves a log entry at the specified index.
// Returns ErrLogNotFound if the entry does not exist or index is 0.
// Returns ErrCompacted if the entry has been compacted (index <= compactedIndex).
func (b *BoltStore) GetLog(index uint64) (*api.LogEntry, error) {
	if index == 0 {
		return nil, ErrLogNotFound
	}

	b.mu.RLock()
	compacted := b.compactedIndex
	b.mu.RUnlock()
	if index <= compacted {
		return nil, ErrCompacted
	}

	var entry *api.LogEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(logsBucket).Get(uint64ToBytes(index))
		if val == nil {
			return ErrLogNotFound
		}

		var err error
		entry, err = api.DecodeLogEntry(val)
		if err != nil {
			return fmt.Errorf("failed to deserialize log entry: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// GetRange returns the entries in [start, end] in index order. It stops early
// at the first missing index, so the result is always contiguous.
func (b *BoltStore) GetRange(start, end uint64) ([]*api.LogEntry, error) {
	if start == 0 || start > end {
		return nil, nil
	}

	b.mu.RLock()
	compacted := b.compactedIndex
	b.mu.RUnlock()
	if start <= compacted {
		return nil, ErrCompacted
	}

	var entries []*api.LogEntry
	err := b.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(logsBucket).Cursor()
		next := start
		for k, v := c.Seek(uint64ToBytes(start)); k != nil; k, v = c.Next() {
			idx := bytesToUint64(k)
			if idx > end || idx != next {
				break
			}
			entry, err := api.DecodeLogEntry(v)
			if err != nil {
				return fmt.Errorf("failed to deserialize log entry %d: %w", idx, err)
			}
			entries = append(entries, entry)
			next++
		}
		return nil
	})
	return entries, err
}

// TruncateSuffix removes every entry with index >= index.
func (b *BoltStore) TruncateSuffix(index uint64) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return deleteFrom(tx.Bucket(logsBucket), index)
	})
}

// DeleteRange removes all log entries within the specified min and max range inclusive.
// If min > max, this is a no-op and returns nil.
func (b *BoltStore) DeleteRange(min, max uint64) error {
	if min > max {
		return nil
	}

	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(logsBucket)
		for i := min; i <= max; i++ {
			if err := bucket.Delete(uint64ToBytes(i)); err != nil {
				return fmt.Errorf("failed to delete log entry at index %d: %w", i, err)
			}
		}
		return nil
	})
}

// CompactTo makes (index, term) the new base of the log. If the log holds an
// entry at index with the same term, only the prefix up to index is dropped
// and the suffix is kept; otherwise the whole log is discarded. Entries at or
// below the base are reported as ErrCompacted afterwards.
func (b *BoltStore) CompactTo(index, term uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index <= b.compactedIndex {
		return nil
	}

	err := b.db.Update(func(tx *bbolt.Tx) error {
		logs := tx.Bucket(logsBucket)

		keepSuffix := false
		if v := logs.Get(uint64ToBytes(index)); v != nil {
			entry, err := api.DecodeLogEntry(v)
			if err != nil {
				return fmt.Errorf("failed to decode log entry %d: %w", index, err)
			}
			keepSuffix = entry.Term == term
		}

		var keys [][]byte
		c := logs.Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.Next() {
			if keepSuffix && bytesToUint64(k) > index {
				break
			}
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := logs.Delete(k); err != nil {
				return fmt.Errorf("failed to delete log entry at index %d: %w", bytesToUint64(k), err)
			}
		}

		stable := tx.Bucket(stableBucket)
		if err := stable.Put(keyCompactedIndex, uint64ToBytes(index)); err != nil {
			return err
		}
		return stable.Put(keyCompactedTerm, uint64ToBytes(term))
	})
	if err != nil {
		return err
	}

	b.compactedIndex = index
	b.compactedTerm = term
	return nil
}

// CompactedBase returns the index and term of the last compacted entry.
func (b *BoltStore) CompactedBase() (index, term uint64) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.compactedIndex, b.compactedTerm
}

// ============================================================================
// Stable store
// ============================================================================

// Set stores a key-value pair in the stable bucket.
func (b *BoltStore) Set(key []byte, val []byte) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket(stableBucket).Put(key, val); err != nil {
			return fmt.Errorf("failed to set key: %w", err)
		}
		return nil
	})
}

// Get retrieves a value by key from the stable bucket.
// Returns an empty byte slice if the key does not exist.
func (b *BoltStore) Get(key []byte) ([]byte, error) {
	var val []byte
	err := b.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(stableBucket).Get(key)
		if v == nil {
			val = []byte{}
			return nil
		}
		// Make a copy since BoltDB values are only valid within the transaction
		val = append([]byte(nil), v...)
		return nil
	})
	return val, err
}

// SetUint64 stores a uint64 value encoded as big-endian bytes.
func (b *BoltStore) SetUint64(key []byte, val uint64) error {
	return b.Set(key, uint64ToBytes(val))
}

// GetUint64 retrieves a uint64 value by key from the stable bucket.
// Returns 0 if the key does not exist.
func (b *BoltStore) GetUint64(key []byte) (uint64, error) {
	val, err := b.Get(key)
	if err != nil {
		return 0, err
	}
	if len(val) == 0 {
		return 0, nil
	}
	return bytesToUint64(val), nil
}

// SetState persists the current term and vote in one transaction. The two
// values are never observable separately after a crash.
func (b *BoltStore) SetState(term uint64, votedFor string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		stable := tx.Bucket(stableBucket)
		if err := stable.Put(keyCurrentTerm, uint64ToBytes(term)); err != nil {
			return fmt.Errorf("failed to persist term: %w", err)
		}
		if err := stable.Put(keyVotedFor, []byte(votedFor)); err != nil {
			return fmt.Errorf("failed to persist vote: %w", err)
		}
		return nil
	})
}

// State returns the persisted term and vote. A fresh store reports (0, "").
func (b *BoltStore) State() (term uint64, votedFor string, err error) {
	err = b.db.View(func(tx *bbolt.Tx) error {
		stable := tx.Bucket(stableBucket)
		term = getUint64(stable, keyCurrentTerm)
		votedFor = string(stable.Get(keyVotedFor))
		return nil
	})
	return term, votedFor, err
}
