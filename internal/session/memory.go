// ABOUTME: In-memory session store with per-handle locking and idle expiry
// ABOUTME: Handles are spread over xxhash-selected shards so unrelated handles never contend

package session

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

const shardCount = 32

// entry guards one handle. mu is held for the whole read-modify-write of
// Update; removed is set when the entry leaves its shard so late waiters retry.
type entry struct {
	mu      sync.Mutex
	rec     *Record
	removed bool
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
}

// MemoryStore is a process-local Store. Records expire after ttl without a touch.
type MemoryStore struct {
	shards [shardCount]*shard
	ttl    time.Duration
	now    func() time.Time

	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// MemoryOption configures a MemoryStore
type MemoryOption func(*MemoryStore)

// WithClock overrides the time source used for touch and expiry
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// NewMemoryStore creates a store whose records expire after ttl of inactivity.
// When cleanupInterval is positive a background goroutine evicts expired
// records; Close stops it.
func NewMemoryStore(ttl, cleanupInterval time.Duration, opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		ttl:  ttl,
		now:  time.Now,
		done: make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[string]*entry)}
	}
	for _, opt := range opts {
		opt(m)
	}

	if cleanupInterval > 0 {
		m.wg.Add(1)
		go m.cleanup(cleanupInterval)
	}
	return m
}

func (m *MemoryStore) shardFor(handle string) *shard {
	return m.shards[xxhash.Sum64String(handle)%shardCount]
}

// acquire returns the locked entry for handle, creating it if needed.
// The shard lock is never held while waiting on an entry lock.
func (m *MemoryStore) acquire(handle string) *entry {
	sh := m.shardFor(handle)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[handle]
		if !ok {
			e = &entry{}
			sh.entries[handle] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		e.mu.Unlock()
	}
}

// release unlocks e, dropping it from its shard first when it holds no record.
func (m *MemoryStore) release(handle string, e *entry) {
	if e.rec == nil {
		sh := m.shardFor(handle)
		sh.mu.Lock()
		if sh.entries[handle] == e {
			delete(sh.entries, handle)
		}
		sh.mu.Unlock()
		e.removed = true
	}
	e.mu.Unlock()
}

func (m *MemoryStore) expired(rec *Record, now time.Time) bool {
	return m.ttl > 0 && now.Sub(rec.TouchedAt) > m.ttl
}

// Update implements Store.
func (m *MemoryStore) Update(ctx context.Context, handle string, fn UpdateFunc) error {
	if handle == "" {
		return ErrEmptyHandle
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	e := m.acquire(handle)
	defer m.release(handle, e)

	now := m.now()
	if e.rec != nil && m.expired(e.rec, now) {
		e.rec = nil
	}

	var working Record
	if e.rec != nil {
		working = *e.rec
	} else {
		working = Record{Handle: handle, CreatedAt: now}
	}

	if err := fn(&working); err != nil {
		return err
	}

	if !working.Bound() {
		e.rec = nil
		return nil
	}
	working.Handle = handle
	working.TouchedAt = now
	e.rec = &working
	return nil
}

// Get implements Store.
func (m *MemoryStore) Get(ctx context.Context, handle string) (*Record, error) {
	if handle == "" {
		return nil, ErrEmptyHandle
	}

	e := m.acquire(handle)
	defer m.release(handle, e)

	if e.rec == nil || m.expired(e.rec, m.now()) {
		e.rec = nil
		return nil, ErrNotFound
	}
	c := *e.rec
	return &c, nil
}

// Delete implements Store.
func (m *MemoryStore) Delete(ctx context.Context, handle string) error {
	if handle == "" {
		return nil
	}

	e := m.acquire(handle)
	e.rec = nil
	m.release(handle, e)
	return nil
}

// Len implements Store. Expired records not yet evicted are not counted.
func (m *MemoryStore) Len(ctx context.Context) (int, error) {
	now := m.now()
	n := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for _, e := range sh.entries {
			if !e.mu.TryLock() {
				// Held by an in-flight update; count it as live
				n++
				continue
			}
			if e.rec != nil && !m.expired(e.rec, now) {
				n++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return n, nil
}

// cleanup runs in a background goroutine, periodically removing expired records.
func (m *MemoryStore) cleanup(interval time.Duration) {
	defer m.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.runCleanup()
		case <-m.done:
			return
		}
	}
}

// runCleanup evicts expired records. Entries busy in an update are skipped
// and picked up on the next pass.
func (m *MemoryStore) runCleanup() int {
	now := m.now()
	evicted := 0
	for _, sh := range m.shards {
		sh.mu.Lock()
		for handle, e := range sh.entries {
			if !e.mu.TryLock() {
				continue
			}
			if e.rec == nil || m.expired(e.rec, now) {
				delete(sh.entries, handle)
				e.rec = nil
				e.removed = true
				evicted++
			}
			e.mu.Unlock()
		}
		sh.mu.Unlock()
	}
	return evicted
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() {
		close(m.done)
	})
	m.wg.Wait()
	return nil
}

// Compile-time check that MemoryStore implements Store
var _ Store = (*MemoryStore)(nil)
