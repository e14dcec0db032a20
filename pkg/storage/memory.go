package storage

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the latest record per session in a map. It is safe for
// concurrent use.
//
// With a TTL, a background goroutine drops records whose decision is older
// than the TTL; Stop must be called to end it.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
	ttl     time.Duration

	ticker   *time.Ticker
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewMemoryStore creates a store without expiry.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// NewMemoryStoreWithTTL creates a store that evicts records older than ttl,
// checking every cleanupInterval (one minute when <= 0). It panics when ttl
// is not positive.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &MemoryStore{
		records: make(map[string]Record),
		ttl:     ttl,
		ticker:  time.NewTicker(cleanupInterval),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.evictLoop()
	return s
}

// Stop ends the eviction goroutine and waits for it. It is a no-op on stores
// without TTL and safe to call more than once.
func (s *MemoryStore) Stop() {
	if s.ticker == nil {
		return
	}
	s.stopOnce.Do(func() {
		close(s.stop)
		<-s.done
		s.ticker.Stop()
	})
}

func (s *MemoryStore) evictLoop() {
	defer close(s.done)
	for {
		select {
		case <-s.ticker.C:
			s.evict(time.Now())
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) evict(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for session, r := range s.records {
		if r.Age(now) > s.ttl {
			delete(s.records, session)
		}
	}
}

// Put replaces the record of r.Session.
func (s *MemoryStore) Put(ctx context.Context, r Record) error {
	if err := ValidateSession(r.Session); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[r.Session] = r
	return nil
}

// GetLatest returns the record of session, if any.
func (s *MemoryStore) GetLatest(ctx context.Context, session string) (Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.records[session]
	return r, ok, nil
}

// Sessions returns the sessions currently held.
func (s *MemoryStore) Sessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for session := range s.records {
		out = append(out, session)
	}
	return out
}

// Len returns the number of records held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Delete removes the record of session and reports whether one existed.
func (s *MemoryStore) Delete(session string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[session]
	delete(s.records, session)
	return ok
}
