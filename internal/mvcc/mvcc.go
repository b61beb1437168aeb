// Package mvcc implements the in-memory multi-version key-value store.
//
// Every write appends a new immutable version to the key's history; reads
// under a transaction scan the history newest-first and return the first
// version that belongs to the transaction itself or whose timestamp is at or
// before the transaction's start. Committed
// writes become visible to every later-starting transaction immediately:
// there is no write-write conflict detection and no rollback of committed
// writes. Downstream code depends on these semantics.
package mvcc

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gddisney/Katamari/pkg/logger"
)

// VersionedValue is one immutable version of a key.
type VersionedValue struct {
	Value     any
	Version   int   // 1-based, equals history length at append time
	Timestamp int64 // commit wall-clock time, unix nanoseconds
	TxID      string
}

// Store is a key-value store with snapshot-isolated reads.
type Store struct {
	mu           sync.Mutex
	store        map[string][]VersionedValue
	transactions map[string]int64 // tx id -> start timestamp (unix ns)
	clock        atomic.Int64     // monotone nanosecond clock
}

// NewStore creates an empty MVCC store.
func NewStore() *Store {
	s := &Store{
		store:        make(map[string][]VersionedValue),
		transactions: make(map[string]int64),
	}
	s.clock.Store(time.Now().UnixNano())
	return s
}

// now returns a strictly increasing nanosecond timestamp. Wall-clock time is
// used when it is ahead of the last issued timestamp, so versions stay
// ordered even when several land in the same nanosecond.
func (s *Store) now() int64 {
	for {
		last := s.clock.Load()
		next := time.Now().UnixNano()
		if next <= last {
			next = last + 1
		}
		if s.clock.CompareAndSwap(last, next) {
			return next
		}
	}
}

// Begin starts a new transaction and returns its id.
func (s *Store) Begin() string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	txID := fmt.Sprintf("tx_%d", ts)
	s.transactions[txID] = ts
	return txID
}

// Get returns the value of key visible to the given transaction. An empty
// txID returns the latest version unconditionally. A missing key, or a key
// with no version visible to the transaction, returns ok=false.
func (s *Store) Get(key string, txID string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.store[key]
	if !exists || len(history) == 0 {
		return nil, false
	}

	if txID == "" {
		return history[len(history)-1].Value, true
	}

	startTime, ok := s.transactions[txID]
	if !ok {
		// Unknown transaction: treated as a latest-read, matching the
		// no-op contract for bad tx ids.
		logger.Warn("mvcc: get with unknown transaction", "tx_id", txID, "key", key)
		startTime = s.clock.Load()
	}

	for i := len(history) - 1; i >= 0; i-- {
		// A transaction always sees its own writes, which carry timestamps
		// later than its start.
		if history[i].TxID == txID || history[i].Timestamp <= startTime {
			return history[i].Value, true
		}
	}
	return nil, false
}

// GetVersion returns the full versioned record visible to the transaction.
func (s *Store) GetVersion(key string, txID string) (VersionedValue, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	history, exists := s.store[key]
	if !exists || len(history) == 0 {
		return VersionedValue{}, false
	}

	if txID == "" {
		return history[len(history)-1], true
	}

	startTime, ok := s.transactions[txID]
	if !ok {
		startTime = s.clock.Load()
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].TxID == txID || history[i].Timestamp <= startTime {
			return history[i], true
		}
	}
	return VersionedValue{}, false
}

// Put appends a new version of key owned by txID. The new version's number is
// the history length after the append, and its timestamp is issued under the
// same lock, so a subsequent Get in the same transaction observes the write.
func (s *Store) Put(key string, value any, txID string) VersionedValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	vv := VersionedValue{
		Value:     value,
		Version:   len(s.store[key]) + 1,
		Timestamp: s.now(),
		TxID:      txID,
	}
	s.store[key] = append(s.store[key], vv)
	return vv
}

// Delete removes every version of key. The MVCC history itself is
// append-only; deletion exists for the ORM layer, which owns key liveness.
func (s *Store) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.store, key)
}

// Commit ends a transaction. Committing an unknown id is a logged no-op.
func (s *Store) Commit(txID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.transactions[txID]; !ok {
		logger.Warn("mvcc: commit of unknown transaction", "tx_id", txID)
		return
	}
	delete(s.transactions, txID)
}

// History returns a copy of the version history for key, oldest first.
func (s *Store) History(key string) []VersionedValue {
	s.mu.Lock()
	defer s.mu.Unlock()

	history := s.store[key]
	out := make([]VersionedValue, len(history))
	copy(out, history)
	return out
}

// Keys returns all keys that have at least one version.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.store))
	for k := range s.store {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of keys with at least one version.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.store)
}

// ActiveTransactions returns the number of open transactions.
func (s *Store) ActiveTransactions() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.transactions)
}
