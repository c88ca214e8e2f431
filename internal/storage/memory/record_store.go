package memory

import (
	"context"
	"sync"
	"time"

	"github.com/JakeFAU/hostile-scraper/internal/scrape"
)

type recordEntry struct {
	record  scrape.Record
	expires time.Time
}

// RecordStore keeps normalized records per collection with a fixed TTL.
type RecordStore struct {
	mu    sync.RWMutex
	ttl   time.Duration
	clock scrape.Clock
	data  map[string]map[string]recordEntry
}

// NewRecordStore builds a RecordStore. A zero ttl keeps records forever.
func NewRecordStore(ttl time.Duration, clock scrape.Clock) *RecordStore {
	return &RecordStore{
		ttl:   ttl,
		clock: clock,
		data:  make(map[string]map[string]recordEntry),
	}
}

// Get returns the record stored under collection/key if it has not expired.
func (s *RecordStore) Get(_ context.Context, collection, key string) (scrape.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.data[collection][key]
	if !ok || s.expired(entry) {
		return scrape.Record{}, false, nil
	}
	return entry.record.Clone(), true, nil
}

// Put upserts a record and refreshes its expiry.
func (s *RecordStore) Put(_ context.Context, collection, key string, record scrape.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.data[collection]
	if !ok {
		bucket = make(map[string]recordEntry)
		s.data[collection] = bucket
	}
	entry := recordEntry{record: record.Clone()}
	if s.ttl > 0 {
		entry.expires = s.clock.Now().Add(s.ttl)
	}
	bucket[key] = entry
	return nil
}

// Prune removes expired records and returns the count.
func (s *RecordStore) Prune(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, bucket := range s.data {
		for key, entry := range bucket {
			if s.expired(entry) {
				delete(bucket, key)
				removed++
			}
		}
	}
	return removed, nil
}

func (s *RecordStore) expired(e recordEntry) bool {
	return !e.expires.IsZero() && !s.clock.Now().Before(e.expires)
}
