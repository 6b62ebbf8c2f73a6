package idempotency

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Response is a cached answer to an idempotent request.
type Response struct {
	StatusCode int
	Headers    map[string]string
	Body       []byte
	CachedAt   time.Time
}

// Store keeps replayable responses and tracks requests that are still running.
type Store interface {
	// Get returns the cached response for key, if any.
	Get(ctx context.Context, key string) (*Response, bool)
	// Set caches response under key for ttl and releases any in-flight claim on it.
	Set(ctx context.Context, key string, response *Response, ttl time.Duration) error
	// Claim marks key in flight. It returns false when another request holds it.
	Claim(ctx context.Context, key string, ttl time.Duration) bool
	// Release drops an in-flight claim without caching anything.
	Release(ctx context.Context, key string)
}

// MemoryStore is an in-memory Store with LRU eviction.
type MemoryStore struct {
	mu       sync.Mutex
	cache    map[string]*cacheEntry
	lru      *list.List
	inflight map[string]time.Time
	maxSize  int
	now      func() time.Time

	stopCleanup chan struct{}
	cleanupDone chan struct{}
	stopOnce    sync.Once
}

type cacheEntry struct {
	key      string
	response *Response
	expires  time.Time
	element  *list.Element
}

// NewMemoryStore creates a store holding at most 10,000 responses.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithSize(10000)
}

// NewMemoryStoreWithSize creates a store with a custom capacity.
func NewMemoryStoreWithSize(maxSize int) *MemoryStore {
	s := &MemoryStore{
		cache:       make(map[string]*cacheEntry),
		lru:         list.New(),
		inflight:    make(map[string]time.Time),
		maxSize:     maxSize,
		now:         time.Now,
		stopCleanup: make(chan struct{}),
		cleanupDone: make(chan struct{}),
	}
	go s.cleanup(5 * time.Minute)
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Response, bool) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	entry, found := s.cache[key]
	if !found {
		return nil, false
	}
	if now.After(entry.expires) {
		s.remove(entry)
		return nil, false
	}
	s.lru.MoveToFront(entry.element)
	return entry.response, true
}

func (s *MemoryStore) Set(_ context.Context, key string, response *Response, ttl time.Duration) error {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inflight, key)
	if entry, exists := s.cache[key]; exists {
		entry.response = response
		entry.expires = now.Add(ttl)
		s.lru.MoveToFront(entry.element)
		return nil
	}

	// Evict first so the cache never exceeds maxSize.
	if len(s.cache) >= s.maxSize {
		if back := s.lru.Back(); back != nil {
			s.remove(back.Value.(*cacheEntry))
		}
	}

	entry := &cacheEntry{key: key, response: response, expires: now.Add(ttl)}
	entry.element = s.lru.PushFront(entry)
	s.cache[key] = entry
	return nil
}

func (s *MemoryStore) Claim(_ context.Context, key string, ttl time.Duration) bool {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if until, held := s.inflight[key]; held && now.Before(until) {
		return false
	}
	s.inflight[key] = now.Add(ttl)
	return true
}

func (s *MemoryStore) Release(_ context.Context, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, key)
}

// remove drops entry from the cache. Caller must hold mu.
func (s *MemoryStore) remove(entry *cacheEntry) {
	s.lru.Remove(entry.element)
	delete(s.cache, entry.key)
}

func (s *MemoryStore) cleanup(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.stopCleanup:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// sweep removes expired responses and stale claims.
func (s *MemoryStore) sweep() {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, entry := range s.cache {
		if now.After(entry.expires) {
			s.remove(entry)
		}
	}
	for key, until := range s.inflight {
		if now.After(until) {
			delete(s.inflight, key)
		}
	}
}

// Close stops the cleanup goroutine. It is safe to call more than once.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
		<-s.cleanupDone
	})
	return nil
}
