package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-process Store used by tests and local runs without
// PostgreSQL. Returned attempts are copies.
type MemoryStore struct {
	mu       sync.RWMutex
	attempts map[uuid.UUID]*PurchaseAttempt
	now      func() time.Time
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		attempts: make(map[uuid.UUID]*PurchaseAttempt),
		now:      time.Now,
	}
}

// WithClock overrides the clock used for updated_at.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Insert(_ context.Context, a *PurchaseAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.attempts[a.ID]; exists {
		return fmt.Errorf("failed to insert purchase attempt: duplicate id %s", a.ID)
	}
	s.attempts[a.ID] = a.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch Patch) (*PurchaseAttempt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	patch.Apply(a)
	a.UpdatedAt = s.now()
	return a.Clone(), nil
}

func (s *MemoryStore) FindByID(_ context.Context, id uuid.UUID) (*PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.attempts[id]
	if !ok {
		return nil, ErrNotFound
	}
	return a.Clone(), nil
}

func (s *MemoryStore) FindByPaymentReference(_ context.Context, reference string) (*PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if reference == "" {
		return nil, ErrNotFound
	}
	for _, a := range s.attempts {
		if a.PaymentReference == reference {
			return a.Clone(), nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByState(_ context.Context, state State, updatedBefore time.Time) ([]*PurchaseAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*PurchaseAttempt
	for _, a := range s.attempts {
		if a.State == state && a.UpdatedAt.Before(updatedBefore) {
			out = append(out, a.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (s *MemoryStore) RecentVendedAmounts(_ context.Context, meterNumber string, limit int) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var vended []*PurchaseAttempt
	for _, a := range s.attempts {
		if a.MeterNumber == meterNumber && a.State == StateVended {
			vended = append(vended, a)
		}
	}
	sort.Slice(vended, func(i, j int) bool { return vended[i].CreatedAt.After(vended[j].CreatedAt) })

	var values []float64
	for i, a := range vended {
		if limit > 0 && i >= limit {
			break
		}
		values = append(values, a.GrossAmount.InexactFloat64())
	}
	return values, nil
}
