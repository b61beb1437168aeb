// Package orm is the user-facing facade over the Katamari core: the MVCC
// store, the value codec, the full-text index and, when configured for
// persistence, the on-disk engine. It adds per-key write locks, a
// transaction log bracketing every multi-step write, an LRU read cache and a
// TTL expiry scheduler.
//
// Lock acquisition order is per-key lock, then TTL state, then the index
// queue. Nothing acquires in the other direction.
package orm

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/gddisney/Katamari/internal/codec"
	"github.com/gddisney/Katamari/internal/dbm"
	"github.com/gddisney/Katamari/internal/mvcc"
	"github.com/gddisney/Katamari/internal/search"
	kerr "github.com/gddisney/Katamari/pkg/errors"
	"github.com/gddisney/Katamari/pkg/logger"
	"github.com/gddisney/Katamari/pkg/metrics"
)

// Options configures an ORM instance.
type Options struct {
	Schema           map[string]string // field -> TEXT|KEYWORD|DATETIME|NUMERIC|BOOLEAN|ID
	CacheSize        int               // LRU capacity; default 1000
	IndexDir         string            // empty = temporary directory
	Database         string            // base path for the on-disk engine; empty = memory only
	Compression      string            // zlib (default) or zstd
	CompressionLevel int
	TransactionLog   string // default "transaction.log"
}

// SetOptions refine a single Set call.
type SetOptions struct {
	Append bool          // merge into an existing list value
	TTL    time.Duration // 0 = no expiry
}

// ORM is the schema-typed facade over the storage core.
type ORM struct {
	schema  *search.Schema
	store   *mvcc.Store
	index   *search.Index
	indexer *search.Indexer
	proc    *codec.Processor
	db      *dbm.DBM // nil when not persisting
	cache   *lru.Cache[string, any]
	locks   *lockMap
	txlog   *TxLog
	ttl     *ttlScheduler
}

// New builds an ORM from options. Schema misconfiguration is fatal here, not
// at first use.
func New(opts Options) (*ORM, error) {
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1000
	}
	if opts.TransactionLog == "" {
		opts.TransactionLog = "transaction.log"
	}
	if len(opts.Schema) == 0 {
		opts.Schema = map[string]string{"content": "TEXT"}
	}

	schema, err := search.NewSchema(opts.Schema)
	if err != nil {
		return nil, err
	}
	index, err := search.New(opts.IndexDir, schema)
	if err != nil {
		return nil, err
	}
	proc, err := codec.NewProcessor(opts.Compression, opts.CompressionLevel)
	if err != nil {
		index.Close()
		return nil, err
	}
	cache, err := lru.New[string, any](opts.CacheSize)
	if err != nil {
		index.Close()
		return nil, kerr.New(kerr.KindUnknown, "failed to create LRU cache", err)
	}

	o := &ORM{
		schema:  schema,
		store:   mvcc.NewStore(),
		index:   index,
		indexer: search.NewIndexer(index),
		proc:    proc,
		cache:   cache,
		locks:   newLockMap(),
		txlog:   NewTxLog(opts.TransactionLog),
	}
	o.ttl = newTTLScheduler(func(key string) {
		if err := o.Delete(key); err != nil && !kerr.IsNotFound(err) {
			logger.Error("orm: ttl expiry delete failed", "key", key, "error", err)
		}
	})

	if opts.Database != "" {
		db, err := dbm.Open(opts.Database)
		if err != nil {
			o.indexer.Close()
			o.ttl.stop()
			index.Close()
			return nil, err
		}
		o.db = db
		o.loadFromDisk()
	}
	return o, nil
}

// loadFromDisk seeds the MVCC store and index from the on-disk engine.
func (o *ORM) loadFromDisk() {
	for _, key := range o.db.Keys() {
		value, err := o.db.Get(key)
		if err != nil {
			logger.Warn("orm: skipping unreadable record", "key", key, "error", err)
			continue
		}
		tx := o.store.Begin()
		vv := o.store.Put(key, value, tx)
		o.store.Commit(tx)
		o.indexer.EnqueueUpdate(key, o.index.BuildDocument(key, value, vv.Version, time.Unix(0, vv.Timestamp)))
	}
}

// Set stores value under key. The write is bracketed by the transaction log:
// any failure after the log entry rolls back by deleting the logged keys.
func (o *ORM) Set(key string, value any, opts SetOptions) error {
	lock := o.locks.get(key)
	lock.Lock()
	defer lock.Unlock()

	if _, err := o.txlog.Start(key, value, opts.TTL); err != nil {
		metrics.StoreOperations.WithLabelValues("set", "error").Inc()
		return err
	}

	if err := o.applySet(key, value, opts); err != nil {
		metrics.StoreOperations.WithLabelValues("set", "error").Inc()
		if rerr := o.txlog.Rollback(o.deleteUnlocked); rerr != nil {
			logger.Error("orm: rollback failed", "key", key, "error", rerr)
		}
		return err
	}

	if err := o.txlog.Commit(); err != nil {
		return err
	}
	metrics.StoreOperations.WithLabelValues("set", "ok").Inc()
	return nil
}

func (o *ORM) applySet(key string, value any, opts SetOptions) error {
	// A key that expired but has not been swept yet is gone from the
	// writer's point of view as well.
	if o.ttl.expired(key) {
		if err := o.deleteUnlocked(key); err != nil && !kerr.IsNotFound(err) {
			return err
		}
	}

	value = o.parseDateFields(value)

	// Run the value through the codec pipeline; the processed form rides
	// along with map values so readers can verify the checksum.
	if m, ok := value.(map[string]any); ok {
		processed, err := o.proc.Process(m)
		if err != nil {
			return err
		}
		m["file_info"] = processed
	}

	if opts.Append {
		if existing, ok := o.store.Get(key, ""); ok {
			if list, isList := existing.([]any); isList {
				if add, addIsList := value.([]any); addIsList {
					value = append(append([]any{}, list...), add...)
				} else {
					value = append(append([]any{}, list...), value)
				}
			}
		}
	}

	tx := o.store.Begin()
	vv := o.store.Put(key, value, tx)
	o.store.Commit(tx)

	o.cache.Add(key, value)

	if o.db != nil {
		if err := o.db.Set(key, value); err != nil {
			return err
		}
	}

	if opts.TTL > 0 {
		o.ttl.schedule(key, opts.TTL)
	} else {
		o.ttl.cancel(key)
	}

	o.indexer.EnqueueUpdate(key, o.index.BuildDocument(key, value, vv.Version, time.Unix(0, vv.Timestamp)))
	return nil
}

// dateLayouts accepted for DATETIME fields supplied as strings.
var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// parseDateFields converts string values of schema DATETIME fields into
// instants so the index stores them as dates rather than text.
func (o *ORM) parseDateFields(value any) any {
	m, ok := value.(map[string]any)
	if !ok {
		return value
	}
	for name, raw := range m {
		ft, inSchema := o.schema.Type(name)
		if !inSchema || ft != search.FieldDatetime {
			continue
		}
		s, isStr := raw.(string)
		if !isStr {
			continue
		}
		parsed := false
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				m[name] = ts
				parsed = true
				break
			}
		}
		if !parsed {
			logger.Warn("orm: unparseable date field", "field", name, "value", s)
		}
	}
	return m
}

// Get returns the latest value for key. TTL is consulted first
// (expire-on-access), then the LRU cache, then the store.
func (o *ORM) Get(key string) (any, error) {
	if o.ttl.expired(key) {
		if err := o.Delete(key); err != nil && !kerr.IsNotFound(err) {
			return nil, err
		}
		metrics.StoreOperations.WithLabelValues("get", "expired").Inc()
		return nil, kerr.NotFoundKey(key)
	}

	if value, ok := o.cache.Get(key); ok {
		metrics.CacheHits.WithLabelValues("hit").Inc()
		return value, nil
	}
	metrics.CacheHits.WithLabelValues("miss").Inc()

	value, ok := o.store.Get(key, "")
	if !ok {
		return nil, kerr.NotFoundKey(key)
	}
	o.cache.Add(key, value)
	return value, nil
}

// GetTx returns the value of key visible to an MVCC transaction started with
// Begin.
func (o *ORM) GetTx(key, txID string) (any, error) {
	value, ok := o.store.Get(key, txID)
	if !ok {
		return nil, kerr.NotFoundKey(key)
	}
	return value, nil
}

// Begin starts an MVCC read transaction against the underlying store.
func (o *ORM) Begin() string { return o.store.Begin() }

// Commit ends an MVCC transaction.
func (o *ORM) Commit(txID string) { o.store.Commit(txID) }

// Delete removes key from the store, cache, TTL state and (eventually) the
// index. Deleting a missing key returns NotFound.
func (o *ORM) Delete(key string) error {
	lock := o.locks.get(key)
	lock.Lock()
	defer lock.Unlock()
	return o.deleteUnlocked(key)
}

func (o *ORM) deleteUnlocked(key string) error {
	_, existed := o.store.Get(key, "")
	o.store.Delete(key)
	o.cache.Remove(key)
	o.ttl.cancel(key)
	if o.db != nil {
		if err := o.db.Delete(key); err != nil && !kerr.IsNotFound(err) {
			return err
		}
	}
	o.indexer.EnqueueDelete(key)

	if !existed {
		return kerr.NotFoundKey(key)
	}
	metrics.StoreOperations.WithLabelValues("delete", "ok").Inc()
	return nil
}

// Search delegates to the full-text index over all schema fields.
func (o *ORM) Search(query string, opts search.Options) ([]search.Result, error) {
	return o.index.Search(query, opts)
}

// History returns the MVCC version history for key, oldest first.
func (o *ORM) History(key string) []mvcc.VersionedValue {
	return o.store.History(key)
}

// Keys returns all live keys.
func (o *ORM) Keys() []string { return o.store.Keys() }

// Items returns a snapshot of every live key and its latest value.
func (o *ORM) Items() map[string]any {
	items := make(map[string]any)
	for _, key := range o.store.Keys() {
		if value, ok := o.store.Get(key, ""); ok {
			items[key] = value
		}
	}
	return items
}

// Flush blocks until the index has absorbed every queued update. Callers that
// need read-your-write against Search use this.
func (o *ORM) Flush() { o.indexer.Flush() }

// PendingTTL reports the number of scheduled expiry entries; used by tests
// and the stats endpoint.
func (o *ORM) PendingTTL() int { return o.ttl.pending() }

// Close stops background tasks and releases the index and engine.
func (o *ORM) Close() error {
	o.ttl.stop()
	o.indexer.Close()
	var firstErr error
	if err := o.index.Close(); err != nil {
		firstErr = err
	}
	if o.db != nil {
		if err := o.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
