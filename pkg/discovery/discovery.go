// Package discovery shares listing records for off-core browsing. The offer
// engine publishes here when a listing is created, updated, or delisted;
// storefronts read it. The index is advisory: the escrow store remains the
// source of truth for what is actually purchasable.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Record is a shared listing.
type Record struct {
	ListingID string    `json:"listing_id"`
	KioskID   string    `json:"kiosk_id"`
	ItemID    string    `json:"item_id"`
	ItemType  string    `json:"item_type"`
	Owner     string    `json:"owner"`
	Price     uint64    `json:"price"`
	Total     uint64    `json:"total"` // advertised price + royalty + market fee
	UpdatedAt time.Time `json:"updated_at"`
}

// Index is where listings are shared.
type Index interface {
	Share(ctx context.Context, r Record) error
	Remove(ctx context.Context, listingID string) error
	Browse(ctx context.Context, itemType string) ([]Record, error)
}

// MemoryIndex implements Index in memory.
// Thread-safe via RWMutex.
type MemoryIndex struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryIndex creates an empty index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{records: make(map[string]Record)}
}

// Share upserts a record. Stale writes (older UpdatedAt) are ignored.
func (m *MemoryIndex) Share(ctx context.Context, r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.records[r.ListingID]; ok && prev.UpdatedAt.After(r.UpdatedAt) {
		return nil
	}
	m.records[r.ListingID] = r
	return nil
}

// Remove deletes a record.
func (m *MemoryIndex) Remove(ctx context.Context, listingID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, listingID)
	return nil
}

// Browse returns records of the given item type, cheapest first. An empty
// itemType returns everything.
func (m *MemoryIndex) Browse(ctx context.Context, itemType string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Record
	for _, r := range m.records {
		if itemType == "" || r.ItemType == itemType {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Total < out[j].Total })
	return out, nil
}
