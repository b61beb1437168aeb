package search

import (
	"sync"

	"github.com/gddisney/Katamari/pkg/logger"
	"github.com/gddisney/Katamari/pkg/metrics"
)

// Op is an index maintenance operation.
type Op string

const (
	OpUpdate Op = "update"
	OpDelete Op = "delete"
)

// Update is one queued index mutation.
type Update struct {
	Op  Op
	Key string
	Doc map[string]any // nil for deletes
}

const queueCapacity = 1024

// Indexer drains queued updates into the index in batches: one writer
// acquisition and one commit per drain. Index state may trail the store by up
// to one batch; Flush gives read-your-write when callers need it.
type Indexer struct {
	index   *Index
	queue   chan Update
	flushCh chan chan struct{}
	done    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once
}

// NewIndexer creates and starts the background indexer.
func NewIndexer(index *Index) *Indexer {
	i := &Indexer{
		index:   index,
		queue:   make(chan Update, queueCapacity),
		flushCh: make(chan chan struct{}),
		done:    make(chan struct{}),
	}
	i.wg.Add(1)
	go i.run()
	return i
}

// EnqueueUpdate queues an upsert of doc under key.
func (i *Indexer) EnqueueUpdate(key string, doc map[string]any) {
	i.queue <- Update{Op: OpUpdate, Key: key, Doc: doc}
}

// EnqueueDelete queues a deletion of key.
func (i *Indexer) EnqueueDelete(key string) {
	i.queue <- Update{Op: OpDelete, Key: key}
}

// Flush blocks until every update enqueued before the call is committed.
func (i *Indexer) Flush() {
	ack := make(chan struct{})
	select {
	case i.flushCh <- ack:
		<-ack
	case <-i.done:
	}
}

// Close stops the indexer after draining outstanding updates.
func (i *Indexer) Close() {
	i.once.Do(func() {
		i.Flush()
		close(i.done)
	})
	i.wg.Wait()
}

func (i *Indexer) run() {
	defer i.wg.Done()
	for {
		select {
		case <-i.done:
			i.drainAndApply(nil)
			return
		case u := <-i.queue:
			i.drainAndApply(&u)
		case ack := <-i.flushCh:
			i.drainAndApply(nil)
			close(ack)
		}
	}
}

// drainAndApply collects the first update plus everything currently queued
// and applies them as a single batch.
func (i *Indexer) drainAndApply(first *Update) {
	updates := make([]Update, 0, 16)
	if first != nil {
		updates = append(updates, *first)
	}
	for {
		select {
		case u := <-i.queue:
			updates = append(updates, u)
		default:
			if len(updates) == 0 {
				return
			}
			i.apply(updates)
			return
		}
	}
}

// apply commits one batch. Failures are logged and never crash the process;
// the store stays authoritative and a later write re-indexes the key.
func (i *Indexer) apply(updates []Update) {
	batch := i.index.NewBatch()
	for _, u := range updates {
		switch u.Op {
		case OpUpdate:
			if err := batch.Index(u.Key, u.Doc); err != nil {
				logger.Error("indexer: failed to stage update", "key", u.Key, "error", err)
			}
		case OpDelete:
			batch.Delete(u.Key)
		}
	}
	if err := i.index.ApplyBatch(batch); err != nil {
		logger.Error("indexer: batch apply failed", "size", len(updates), "error", err)
		return
	}
	metrics.IndexBatchSize.Observe(float64(len(updates)))
}
