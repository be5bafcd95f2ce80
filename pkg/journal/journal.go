// Package journal keeps an append-only, hash-chained record of marketplace
// activity. Each entry's content hash covers its predecessor, so any
// mutation or reordering of the history is detectable by Verify.
package journal

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
)

// genesisHash seeds the chain before the first entry.
const genesisHash = "genesis"

var (
	// ErrChainBroken is returned by Verify when the hash chain does not hold.
	ErrChainBroken = errors.New("journal: hash chain broken")
)

// Entry is one immutable journal record.
type Entry struct {
	Seq         uint64         `json:"seq"`
	Kind        string         `json:"kind"`
	Actor       string         `json:"actor,omitempty"`
	ContentHash string         `json:"content_hash"`
	PrevHash    string         `json:"prev_hash"`
	At          time.Time      `json:"at"`
	Data        map[string]any `json:"data"`
}

// Store persists journal entries.
type Store interface {
	Persist(e Entry) error
	Load() ([]Entry, error)
}

// Journal is the append-only chain. A nil store keeps the chain in memory
// only.
type Journal struct {
	mu      sync.Mutex
	entries []Entry
	head    string
	clock   func() time.Time
	store   Store
}

// New creates an empty journal.
func New(store Store) *Journal {
	return &Journal{head: genesisHash, clock: time.Now, store: store}
}

// Open loads an existing chain from store and verifies it.
func Open(store Store) (*Journal, error) {
	entries, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("journal: load: %w", err)
	}
	j := &Journal{head: genesisHash, clock: time.Now, store: store, entries: entries}
	if len(entries) > 0 {
		j.head = entries[len(entries)-1].ContentHash
	}
	if err := j.Verify(); err != nil {
		return nil, err
	}
	return j, nil
}

// WithClock overrides the clock for testing.
func (j *Journal) WithClock(clock func() time.Time) *Journal {
	j.clock = clock
	return j
}

// Append adds an entry and returns its sequence number.
func (j *Journal) Append(kind, actor string, data map[string]any) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	seq := uint64(len(j.entries)) + 1
	hash, err := contentHash(seq, kind, data, j.head)
	if err != nil {
		return 0, err
	}

	entry := Entry{
		Seq:         seq,
		Kind:        kind,
		Actor:       actor,
		ContentHash: hash,
		PrevHash:    j.head,
		At:          j.clock().UTC(),
		Data:        data,
	}
	if j.store != nil {
		if err := j.store.Persist(entry); err != nil {
			return 0, fmt.Errorf("journal: persist seq %d: %w", seq, err)
		}
	}
	j.entries = append(j.entries, entry)
	j.head = hash
	return seq, nil
}

// Len returns the number of entries.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Head returns the hash of the latest entry.
func (j *Journal) Head() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head
}

// Entries returns a copy of the chain.
func (j *Journal) Entries() []Entry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]Entry, len(j.entries))
	copy(out, j.entries)
	return out
}

// Verify recomputes every hash in the chain.
func (j *Journal) Verify() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	prev := genesisHash
	for i, e := range j.entries {
		if e.PrevHash != prev {
			return fmt.Errorf("%w: entry %d prev_hash %s, want %s", ErrChainBroken, i+1, e.PrevHash, prev)
		}
		want, err := contentHash(e.Seq, e.Kind, e.Data, e.PrevHash)
		if err != nil {
			return err
		}
		if e.ContentHash != want {
			return fmt.Errorf("%w: entry %d content hash mismatch", ErrChainBroken, i+1)
		}
		prev = e.ContentHash
	}
	return nil
}

// contentHash hashes the canonical (RFC 8785) JSON form of the entry body so
// the hash is independent of map iteration order.
func contentHash(seq uint64, kind string, data map[string]any, prevHash string) (string, error) {
	body := struct {
		Seq  uint64         `json:"seq"`
		Kind string         `json:"kind"`
		Data map[string]any `json:"data"`
		Prev string         `json:"prev"`
	}{seq, kind, data, prevHash}

	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("journal: marshal entry: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("journal: canonicalize entry: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
