package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory for tests and single-instance runs.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]memoryEntry
}

type memoryEntry struct {
	record    Record
	expiresAt time.Time
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore constructs an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]memoryEntry)}
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, key, fingerprint string, now time.Time, ttl time.Duration) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID(key)
	entry, ok := s.records[id]
	if !ok || !now.Before(entry.expiresAt) {
		rec := Record{Key: key, Fingerprint: fingerprint, Status: StatusPending, CreatedAt: now, UpdatedAt: now}
		s.records[id] = memoryEntry{record: rec, expiresAt: now.Add(ttlOrDefault(ttl))}
		return Reservation{State: ReservationStateNew, Record: rec}, nil
	}
	return reservationFor(entry.record, fingerprint)
}

// SaveResponse implements Store.
func (s *MemoryStore) SaveResponse(_ context.Context, key, fingerprint string, resp Response, now time.Time, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := recordID(key)
	prev, ok := s.records[id]
	if ok && prev.record.Fingerprint != fingerprint {
		return ErrFingerprintMismatch
	}
	s.records[id] = memoryEntry{
		record:    completedRecord(prev.record, key, fingerprint, resp, now),
		expiresAt: now.Add(ttlOrDefault(ttl)),
	}
	return nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.records, recordID(key))
	s.mu.Unlock()
	return nil
}

func reservationFor(rec Record, fingerprint string) (Reservation, error) {
	if rec.Fingerprint != fingerprint {
		return Reservation{}, ErrFingerprintMismatch
	}
	if rec.Status == StatusCompleted {
		return Reservation{State: ReservationStateCompleted, Record: rec}, nil
	}
	return Reservation{State: ReservationStatePending, Record: rec}, nil
}

func ttlOrDefault(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return DefaultTTL
	}
	return ttl
}
