package kiosk

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
)

var (
	// ErrNotFound is returned when no record exists under a key.
	ErrNotFound = errors.New("kiosk: escrow record not found")
	// ErrDuplicateKey is returned when inserting over an existing record.
	ErrDuplicateKey = errors.New("kiosk: escrow key already in use")
	// ErrRecordType is returned when a record's stored type does not match
	// the requested type on retrieval.
	ErrRecordType = errors.New("kiosk: escrow record type mismatch")
)

// Key is the composite key escrow records live under: a record kind, the
// record id, an optional item binding, and the item type tag.
type Key struct {
	Kind    string
	ID      string
	ItemID  string
	TypeTag string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%s/%s/%s", k.Kind, k.ID, k.ItemID, k.TypeTag)
}

// EscrowStore is per-kiosk associative storage for pending offers and
// listings. Records are stored type-erased; retrieval is type-checked and
// fails rather than returning a record as the wrong type.
type EscrowStore struct {
	mu      sync.Mutex
	records map[Key]any
}

// NewEscrowStore creates an empty store.
func NewEscrowStore() *EscrowStore {
	return &EscrowStore{records: make(map[Key]any)}
}

// Put inserts a record. Exactly-once: inserting over a live key fails.
func (s *EscrowStore) Put(key Key, record any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[key]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	s.records[key] = record
	return nil
}

// Len returns the number of live records.
func (s *EscrowStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Keys returns the live keys of the given kind.
func (s *EscrowStore) Keys(kind string) []Key {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []Key
	for k := range s.records {
		if k.Kind == kind {
			keys = append(keys, k)
		}
	}
	return keys
}

// Get retrieves the record under key as a T without removing it.
func Get[T any](s *EscrowStore, key Key) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cast[T](s.records[key], key)
}

// Remove retrieves and deletes the record under key as a T. Removal is
// atomic: a type mismatch leaves the record in place.
func Remove[T any](s *EscrowStore, key Key) (T, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, err := cast[T](s.records[key], key)
	if err != nil {
		return record, err
	}
	delete(s.records, key)
	return record, nil
}

func cast[T any](raw any, key Key) (T, error) {
	var zero T
	if raw == nil {
		return zero, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	record, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %s holds %T, want %s",
			ErrRecordType, key, raw, reflect.TypeFor[T]())
	}
	return record, nil
}
