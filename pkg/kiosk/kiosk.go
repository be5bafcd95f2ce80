// Package kiosk implements the container host primitives the marketplace
// core builds on: a shared, capability-gated storage location holding a
// party's items, with exclusive purchase rights and per-kiosk escrow storage.
package kiosk

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ledgerline/bazaar/pkg/coin"
	"github.com/ledgerline/bazaar/pkg/policy"
)

var (
	// ErrNoAccess is returned when an owner capability does not open this kiosk.
	ErrNoAccess = errors.New("kiosk: no access")
	// ErrItemNotFound is returned when the referenced item is not in the kiosk.
	ErrItemNotFound = errors.New("kiosk: item not found")
	// ErrItemLocked is returned when taking an item locked into the kiosk.
	ErrItemLocked = errors.New("kiosk: item locked")
	// ErrAlreadyListed is returned when an exclusive purchase right already
	// exists for the item.
	ErrAlreadyListed = errors.New("kiosk: purchase right already open")
	// ErrWrongKiosk is returned when a purchase capability targets a
	// different kiosk.
	ErrWrongKiosk = errors.New("kiosk: capability for different kiosk")
	// ErrUnderpaid is returned when a purchase payment is below the locked
	// minimum price.
	ErrUnderpaid = errors.New("kiosk: payment below minimum price")
	// ErrDuplicateItem is returned when placing an item whose id is already
	// in the kiosk.
	ErrDuplicateItem = errors.New("kiosk: item already present")
)

// Item is anything a kiosk can hold.
type Item interface {
	ItemID() string
}

// OwnerCap proves access to a kiosk. Minted once, by New.
type OwnerCap struct {
	id      string
	kioskID string
}

// KioskID returns the kiosk this capability opens.
func (c *OwnerCap) KioskID() string { return c.kioskID }

// PurchaseCap is an exclusive right to purchase one named item at a fixed
// minimum price. Valid only while its listing exists; consumed by
// PurchaseWithCap or surrendered via ReturnPurchaseCap.
type PurchaseCap struct {
	id       string
	kioskID  string
	itemID   string
	minPrice uint64
}

// ID returns the capability id.
func (c *PurchaseCap) ID() string { return c.id }

// KioskID returns the kiosk the right is scoped to.
func (c *PurchaseCap) KioskID() string { return c.kioskID }

// ItemID returns the item the right names.
func (c *PurchaseCap) ItemID() string { return c.itemID }

// MinPrice returns the locked minimum price.
func (c *PurchaseCap) MinPrice() uint64 { return c.minPrice }

// Kiosk is a capability-gated item container.
type Kiosk struct {
	mu      sync.Mutex
	id      string
	owner   string
	items   map[string]Item
	tags    map[string]string // item id -> type tag
	locked  map[string]bool
	rights  map[string]*PurchaseCap // item id -> open purchase right
	profits *coin.Coin
	escrow  *EscrowStore
}

// New creates a kiosk for owner and mints its owner capability.
func New(owner string) (*Kiosk, *OwnerCap) {
	k := &Kiosk{
		id:      uuid.New().String(),
		owner:   owner,
		items:   make(map[string]Item),
		tags:    make(map[string]string),
		locked:  make(map[string]bool),
		rights:  make(map[string]*PurchaseCap),
		profits: coin.Zero(),
	}
	return k, &OwnerCap{id: uuid.New().String(), kioskID: k.id}
}

// ID returns the kiosk id.
func (k *Kiosk) ID() string { return k.id }

// Owner returns the owner address.
func (k *Kiosk) Owner() string { return k.owner }

// HasAccess reports whether cap opens this kiosk.
func (k *Kiosk) HasAccess(cap *OwnerCap) bool {
	return cap != nil && cap.kioskID == k.id
}

// Place puts an item into the kiosk under the given type tag.
func (k *Kiosk) Place(cap *OwnerCap, item Item, typeTag string) error {
	if !k.HasAccess(cap) {
		return ErrNoAccess
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(item, typeTag, false)
}

// Lock puts an item into the kiosk permanently: a locked item can be sold
// through a purchase right but never taken back out.
func (k *Kiosk) Lock(cap *OwnerCap, item Item, typeTag string) error {
	if !k.HasAccess(cap) {
		return ErrNoAccess
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(item, typeTag, true)
}

// Receive delivers an item into the kiosk without an owner capability. Host
// primitive: the marketplace engine delivers purchased items this way, after
// funds have settled.
func (k *Kiosk) Receive(item Item, typeTag string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(item, typeTag, false)
}

// ReceiveLocked is Receive for policies that mandate custody locking.
func (k *Kiosk) ReceiveLocked(item Item, typeTag string) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.put(item, typeTag, true)
}

func (k *Kiosk) put(item Item, typeTag string, locked bool) error {
	id := item.ItemID()
	if _, ok := k.items[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateItem, id)
	}
	k.items[id] = item
	k.tags[id] = typeTag
	if locked {
		k.locked[id] = true
	}
	return nil
}

// HasItem reports whether the item is in the kiosk.
func (k *Kiosk) HasItem(itemID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	_, ok := k.items[itemID]
	return ok
}

// IsLocked reports whether an item is custody-locked into the kiosk.
func (k *Kiosk) IsLocked(itemID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.locked[itemID]
}

// ItemType returns the type tag an item was placed under.
func (k *Kiosk) ItemType(itemID string) (string, error) {
	k.mu.Lock()
	defer k.mu.Unlock()
	tag, ok := k.tags[itemID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	return tag, nil
}

// Take removes an unlocked, unlisted item from the kiosk.
func (k *Kiosk) Take(cap *OwnerCap, itemID string) (Item, error) {
	if !k.HasAccess(cap) {
		return nil, ErrNoAccess
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	item, ok := k.items[itemID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if k.locked[itemID] {
		return nil, fmt.Errorf("%w: %s", ErrItemLocked, itemID)
	}
	if _, listed := k.rights[itemID]; listed {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListed, itemID)
	}
	delete(k.items, itemID)
	delete(k.tags, itemID)
	return item, nil
}

// ListWithPurchaseCap opens the exclusive purchase right for an item at a
// locked minimum price.
func (k *Kiosk) ListWithPurchaseCap(cap *OwnerCap, itemID string, minPrice uint64) (*PurchaseCap, error) {
	if !k.HasAccess(cap) {
		return nil, ErrNoAccess
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	if _, ok := k.items[itemID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if _, ok := k.rights[itemID]; ok {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyListed, itemID)
	}
	right := &PurchaseCap{
		id:       uuid.New().String(),
		kioskID:  k.id,
		itemID:   itemID,
		minPrice: minPrice,
	}
	k.rights[itemID] = right
	return right, nil
}

// PurchaseWithCap consumes a purchase right: the payment (at least the locked
// minimum price) moves into the kiosk's profits, the item leaves the kiosk,
// and a transfer request is opened that the buyer must discharge against the
// item type's policy.
func (k *Kiosk) PurchaseWithCap(right *PurchaseCap, payment *coin.Coin) (Item, *policy.TransferRequest, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if right == nil || right.kioskID != k.id {
		return nil, nil, ErrWrongKiosk
	}
	current, ok := k.rights[right.itemID]
	if !ok || current.id != right.id {
		return nil, nil, fmt.Errorf("%w: right for %s not open", ErrItemNotFound, right.itemID)
	}
	if payment.Value() < right.minPrice {
		return nil, nil, fmt.Errorf("%w: paid %d, minimum %d", ErrUnderpaid, payment.Value(), right.minPrice)
	}
	item, ok := k.items[right.itemID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, right.itemID)
	}

	paid := payment.Value()
	if err := k.profits.Merge(payment); err != nil {
		return nil, nil, err
	}
	tag := k.tags[right.itemID]
	delete(k.items, right.itemID)
	delete(k.tags, right.itemID)
	delete(k.locked, right.itemID)
	delete(k.rights, right.itemID)

	return item, policy.NewRequest(item.ItemID(), tag, k.id, paid), nil
}

// UnwindPurchase reverses a consumed purchase right: the item returns to the
// kiosk in its prior lock state, the right reopens, and the paid amount is
// split back out of profits. Host primitive: the marketplace engine restores
// a purchase whose settlement failed after the item had already moved.
func (k *Kiosk) UnwindPurchase(right *PurchaseCap, item Item, typeTag string, locked bool, paid uint64) (*coin.Coin, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if right == nil || right.kioskID != k.id {
		return nil, ErrWrongKiosk
	}
	if err := k.put(item, typeTag, locked); err != nil {
		return nil, err
	}
	refund, err := k.profits.Split(paid)
	if err != nil {
		id := item.ItemID()
		delete(k.items, id)
		delete(k.tags, id)
		delete(k.locked, id)
		return nil, err
	}
	k.rights[right.itemID] = right
	return refund, nil
}

// ReturnPurchaseCap surrenders an unconsumed purchase right, restoring the
// item to its normal (unlisted) state.
func (k *Kiosk) ReturnPurchaseCap(right *PurchaseCap) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if right == nil || right.kioskID != k.id {
		return ErrWrongKiosk
	}
	current, ok := k.rights[right.itemID]
	if !ok || current.id != right.id {
		return fmt.Errorf("%w: right for %s not open", ErrItemNotFound, right.itemID)
	}
	delete(k.rights, right.itemID)
	return nil
}

// Deposit merges a payment into the kiosk's proceeds without an owner
// capability. Host primitive: the marketplace engine refunds declined offers
// this way.
func (k *Kiosk) Deposit(payment *coin.Coin) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.profits.Merge(payment)
}

// Profits returns the accumulated sale proceeds.
func (k *Kiosk) Profits() uint64 {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.profits.Value()
}

// WithdrawProfits moves amount out of the kiosk's proceeds.
func (k *Kiosk) WithdrawProfits(cap *OwnerCap, amount uint64) (*coin.Coin, error) {
	if !k.HasAccess(cap) {
		return nil, ErrNoAccess
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.profits.Split(amount)
}

// Escrow returns the kiosk's escrow storage, provisioning it on first use.
func (k *Kiosk) Escrow() *EscrowStore {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.escrow == nil {
		k.escrow = NewEscrowStore()
	}
	return k.escrow
}
