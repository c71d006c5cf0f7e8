package services

import (
	"context"
	"slices"
	"sync"
)

// MemoryDraftStore keeps checkout drafts in process memory. It backs tests and
// single-instance deployments without Redis.
type MemoryDraftStore struct {
	mu     sync.RWMutex
	drafts map[string]CheckoutDraft
}

var _ DraftStore = (*MemoryDraftStore)(nil)

// NewMemoryDraftStore returns an empty store.
func NewMemoryDraftStore() *MemoryDraftStore {
	return &MemoryDraftStore{drafts: make(map[string]CheckoutDraft)}
}

func (s *MemoryDraftStore) Get(_ context.Context, key string) (CheckoutDraft, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	draft, ok := s.drafts[key]
	if !ok {
		return CheckoutDraft{}, false, nil
	}
	return copyDraft(draft), true, nil
}

func (s *MemoryDraftStore) Set(_ context.Context, key string, draft CheckoutDraft) error {
	s.mu.Lock()
	s.drafts[key] = copyDraft(draft)
	s.mu.Unlock()
	return nil
}

func (s *MemoryDraftStore) Clear(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.drafts, key)
	s.mu.Unlock()
	return nil
}

func copyDraft(d CheckoutDraft) CheckoutDraft {
	d.Items = cloneLineItems(d.Items)
	d.DeliveryAddress = cloneAddress(d.DeliveryAddress)
	d.BillingAddress = cloneAddress(d.BillingAddress)
	d.DeliveryDateTime = cloneTime(d.DeliveryDateTime)
	d.NotificationEmails = slices.Clone(d.NotificationEmails)
	return d
}

// MemoryLocker serialises order operations within one process.
type MemoryLocker struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

var _ OrderLocker = (*MemoryLocker)(nil)

// NewMemoryLocker returns a locker with no held keys.
func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{locks: make(map[string]chan struct{})}
}

func (l *MemoryLocker) Lock(ctx context.Context, key string) (Unlocker, error) {
	for {
		l.mu.Lock()
		held, ok := l.locks[key]
		if !ok {
			ch := make(chan struct{})
			l.locks[key] = ch
			l.mu.Unlock()
			return memoryUnlocker{locker: l, key: key, ch: ch}, nil
		}
		l.mu.Unlock()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-held:
		}
	}
}

type memoryUnlocker struct {
	locker *MemoryLocker
	key    string
	ch     chan struct{}
}

func (u memoryUnlocker) Unlock(context.Context) error {
	u.locker.mu.Lock()
	if current, ok := u.locker.locks[u.key]; ok && current == u.ch {
		delete(u.locker.locks, u.key)
		close(u.ch)
	}
	u.locker.mu.Unlock()
	return nil
}
