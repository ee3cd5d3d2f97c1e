// ABOUTME: Thread-safe in-memory denylist with per-entry expiry
// ABOUTME: Size-limited with oldest-first eviction and periodic cleanup

package revocation

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// DefaultMaxEntries bounds MemoryStore when no size is given.
const DefaultMaxEntries = 100_000

type entry struct {
	until   time.Time
	element *list.Element
}

// MemoryStore is a Store held in process memory. When full, the entry
// revoked longest ago is evicted.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*entry
	order   *list.List // jtis in revocation order (oldest at front)
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// NewMemoryStore creates a MemoryStore. A background goroutine removes
// expired entries every cleanupInterval (one minute if zero).
func NewMemoryStore(maxSize int, cleanupInterval time.Duration) *MemoryStore {
	if maxSize <= 0 {
		maxSize = DefaultMaxEntries
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	s := &MemoryStore{
		entries: make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go s.cleanup(cleanupInterval)
	return s
}

// Revoke denies jti until the given time.
func (s *MemoryStore) Revoke(ctx context.Context, jti string, until time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !until.After(s.now()) {
		return nil
	}

	if e, ok := s.entries[jti]; ok {
		if until.After(e.until) {
			e.until = until
		}
		s.order.MoveToBack(e.element)
		return nil
	}

	if len(s.entries) >= s.maxSize {
		s.evictOldest()
	}

	s.entries[jti] = &entry{until: until, element: s.order.PushBack(jti)}
	return nil
}

// IsRevoked reports whether jti is denied and not yet expired.
func (s *MemoryStore) IsRevoked(ctx context.Context, jti string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[jti]
	if !ok {
		return false, nil
	}
	return s.now().Before(e.until), nil
}

// Len returns the number of entries, including expired ones not yet
// cleaned up.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// evictOldest must be called with mu held.
func (s *MemoryStore) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	jti, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.entries, jti)
}

func (s *MemoryStore) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.runCleanup()
		case <-s.done:
			return
		}
	}
}

func (s *MemoryStore) runCleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for jti, e := range s.entries {
		if !now.Before(e.until) {
			s.order.Remove(e.element)
			delete(s.entries, jti)
		}
	}
}

// Close stops the background cleanup goroutine. It is safe to call multiple times.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
	return nil
}
