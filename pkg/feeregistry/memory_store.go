package feeregistry

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStorage implements Storage in memory.
// Thread-safe via RWMutex.
type MemoryStorage struct {
	mu        sync.RWMutex
	baseFee   uint16
	overrides map[string]uint16
	balance   uint64
}

// NewMemoryStorage creates an in-memory fee store with the given base fee.
func NewMemoryStorage(baseFeeBps uint16) *MemoryStorage {
	return &MemoryStorage{
		baseFee:   baseFeeBps,
		overrides: make(map[string]uint16),
	}
}

func (s *MemoryStorage) BaseFee(ctx context.Context) (uint16, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.baseFee, nil
}

func (s *MemoryStorage) SetBaseFee(ctx context.Context, bps uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.baseFee = bps
	return nil
}

func (s *MemoryStorage) Override(ctx context.Context, addr string) (uint16, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bps, ok := s.overrides[addr]
	return bps, ok, nil
}

func (s *MemoryStorage) SetOverride(ctx context.Context, addr string, bps uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[addr] = bps
	return nil
}

func (s *MemoryStorage) Credit(ctx context.Context, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balance += amount
	return nil
}

func (s *MemoryStorage) Debit(ctx context.Context, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if amount > s.balance {
		return fmt.Errorf("debit %d from balance %d", amount, s.balance)
	}
	s.balance -= amount
	return nil
}

func (s *MemoryStorage) Balance(ctx context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.balance, nil
}
