// Package events carries marketplace events to off-chain consumers. Emission
// is fire-and-forget: a failing sink is logged and never fails the trade that
// produced the event.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Kind names a marketplace event.
type Kind string

const (
	OfferCreated    Kind = "offer_created"
	OfferAccepted   Kind = "offer_accepted"
	OfferRevoked    Kind = "offer_revoked"
	OfferDeclined   Kind = "offer_declined"
	ListingCreated  Kind = "listing_created"
	ListingUpdated  Kind = "listing_updated"
	ListingDelisted Kind = "listing_delisted"
	ItemPurchased   Kind = "item_purchased"
)

// Event is one marketplace occurrence with its full fee breakdown.
type Event struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	KioskID    string    `json:"kiosk_id"`
	RefID      string    `json:"ref_id"` // offer or listing id
	ItemID     string    `json:"item_id,omitempty"`
	ItemType   string    `json:"item_type"`
	Actor      string    `json:"actor"`
	Price      uint64    `json:"price"`
	MarketFee  uint64    `json:"market_fee"`
	RoyaltyFee uint64    `json:"royalty_fee"`
	Total      uint64    `json:"total"`
	At         time.Time `json:"at"`
}

// Emitter is what the trade engine publishes through.
type Emitter interface {
	Emit(ctx context.Context, e Event)
}

// Sink receives events from a Bus.
type Sink interface {
	Write(ctx context.Context, e Event) error
}

// Bus fans events out to its sinks. Sink errors are logged, not returned;
// the marketplace core never depends on event delivery.
type Bus struct {
	mu    sync.RWMutex
	sinks []Sink
	log   *slog.Logger
	clock func() time.Time
}

// NewBus creates a bus logging sink failures to log.
func NewBus(log *slog.Logger) *Bus {
	if log == nil {
		log = slog.Default()
	}
	return &Bus{log: log, clock: time.Now}
}

// WithClock overrides the clock for testing.
func (b *Bus) WithClock(clock func() time.Time) *Bus {
	b.clock = clock
	return b
}

// Attach adds a sink.
func (b *Bus) Attach(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Emit stamps and delivers the event to every sink.
func (b *Bus) Emit(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.At.IsZero() {
		e.At = b.clock()
	}

	b.mu.RLock()
	sinks := make([]Sink, len(b.sinks))
	copy(sinks, b.sinks)
	b.mu.RUnlock()

	for _, s := range sinks {
		if err := s.Write(ctx, e); err != nil {
			b.log.Warn("event sink failed",
				"kind", e.Kind, "event_id", e.ID, "err", err)
		}
	}
}

// Discard is an Emitter that drops everything. Useful default for callers
// that do not index events.
type Discard struct{}

// Emit implements Emitter.
func (Discard) Emit(context.Context, Event) {}

// SlogSink writes events to structured logs.
type SlogSink struct {
	Log *slog.Logger
}

// Write implements Sink.
func (s SlogSink) Write(ctx context.Context, e Event) error {
	s.Log.InfoContext(ctx, "marketplace event",
		"kind", e.Kind,
		"kiosk_id", e.KioskID,
		"ref_id", e.RefID,
		"item_id", e.ItemID,
		"item_type", e.ItemType,
		"actor", e.Actor,
		"price", e.Price,
		"market_fee", e.MarketFee,
		"royalty_fee", e.RoyaltyFee,
		"total", e.Total,
	)
	return nil
}
