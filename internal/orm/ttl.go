package orm

import (
	"container/heap"
	"sync"
	"time"

	"github.com/gddisney/Katamari/pkg/logger"
	"github.com/gddisney/Katamari/pkg/metrics"
)

// ttlEntry is one scheduled expiry. Duplicate entries for a key are tolerated
// in the heap; pops validate against the authoritative expiry map.
type ttlEntry struct {
	expireAt time.Time
	key      string
}

type ttlHeap []ttlEntry

func (h ttlHeap) Len() int            { return len(h) }
func (h ttlHeap) Less(i, j int) bool  { return h[i].expireAt.Before(h[j].expireAt) }
func (h ttlHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *ttlHeap) Push(x any)         { *h = append(*h, x.(ttlEntry)) }
func (h *ttlHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	*h = old[:n-1]
	return entry
}

// ttlScheduler owns the expiry min-heap and the authoritative key -> deadline
// map. A background loop sleeps until the earliest deadline (or until a new
// entry re-plans it) and expires keys through the expire callback.
type ttlScheduler struct {
	mu      sync.Mutex
	heap    ttlHeap
	entries map[string]time.Time // authoritative expiry per key

	signal chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	expire func(key string)
}

func newTTLScheduler(expire func(key string)) *ttlScheduler {
	s := &ttlScheduler{
		entries: make(map[string]time.Time),
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		expire:  expire,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// schedule registers (or replaces) the expiry for key and wakes the loop.
func (s *ttlScheduler) schedule(key string, ttl time.Duration) {
	expireAt := time.Now().Add(ttl)
	s.mu.Lock()
	s.entries[key] = expireAt
	heap.Push(&s.heap, ttlEntry{expireAt: expireAt, key: key})
	s.mu.Unlock()
	s.wake()
}

// cancel forgets the expiry for key. Stale heap entries are discarded on pop.
func (s *ttlScheduler) cancel(key string) {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
}

// expired reports whether key has a deadline in the past. Used by the read
// path for expire-on-access: an expired key is missing even before the loop
// fires.
func (s *ttlScheduler) expired(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	deadline, ok := s.entries[key]
	return ok && time.Now().After(deadline)
}

func (s *ttlScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.heap.Len()
}

func (s *ttlScheduler) wake() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *ttlScheduler) stop() {
	close(s.done)
	s.wg.Wait()
}

func (s *ttlScheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			select {
			case <-s.signal:
				continue
			case <-s.done:
				return
			}
		}
		next := s.heap[0]
		s.mu.Unlock()

		wait := time.Until(next.expireAt)
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-s.signal:
				// A new entry may have an earlier deadline; re-plan.
				timer.Stop()
				continue
			case <-s.done:
				timer.Stop()
				return
			}
		}

		s.mu.Lock()
		if s.heap.Len() == 0 {
			s.mu.Unlock()
			continue
		}
		entry := heap.Pop(&s.heap).(ttlEntry)
		deadline, ok := s.entries[entry.key]
		stale := !ok || !deadline.Equal(entry.expireAt)
		if !stale {
			delete(s.entries, entry.key)
		}
		s.mu.Unlock()

		if stale {
			continue
		}
		logger.Debug("ttl: expiring key", "key", entry.key)
		metrics.TTLExpirations.Inc()
		s.expire(entry.key)
	}
}
