package trade

import (
	"errors"

	"github.com/ledgerline/bazaar/pkg/policy"
)

var (
	// ErrNotAuthorized is returned when a capability does not open the
	// kiosk an operation targets.
	ErrNotAuthorized = errors.New("trade: not authorized")
	// ErrInsufficientFunds is returned when an escrowed payment cannot
	// cover the fees computed for it.
	ErrInsufficientFunds = errors.New("trade: insufficient funds")
	// ErrItemNotFound is returned when the named item is not in the kiosk.
	ErrItemNotFound = errors.New("trade: item not found")
	// ErrCapabilityMismatch is returned when an offer capability does not
	// match the offer it is presented against.
	ErrCapabilityMismatch = errors.New("trade: capability mismatch")
	// ErrContainerMismatch is returned when a record belongs to a
	// different kiosk than the one presented.
	ErrContainerMismatch = errors.New("trade: wrong kiosk for record")
	// ErrTypeMismatch is returned when an item's type tag does not match
	// the offer, listing, or policy it is traded under.
	ErrTypeMismatch = errors.New("trade: item type mismatch")
	// ErrNotFound is returned when no offer or listing exists under a key.
	ErrNotFound = errors.New("trade: record not found")
	// ErrItemMismatch is returned when a listing names a different item
	// than the caller referenced.
	ErrItemMismatch = errors.New("trade: listing names a different item")

	// ErrPolicyNotSatisfied is the policy engine's rejection of a transfer
	// with undischarged obligations, re-exported so callers can match it
	// without importing the policy package.
	ErrPolicyNotSatisfied = policy.ErrNotSatisfied
)
