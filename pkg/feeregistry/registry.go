// Package feeregistry holds marketplace fee configuration and the fee
// balance: a base fee in basis points, optional per-address override fees,
// and the pot that market fees are paid into.
//
// Fee rule: a personal override never raises the fee above the base fee. The
// effective fee for an address is min(override, base).
package feeregistry

import (
	"context"
	"errors"
	"fmt"

	"github.com/ledgerline/bazaar/pkg/capability"
	"github.com/ledgerline/bazaar/pkg/coin"
)

// MaxFeeBps caps any configured fee at 100%.
const MaxFeeBps = 10_000

var (
	// ErrNotAuthorized is returned when a mutator is called without a valid
	// market admin capability.
	ErrNotAuthorized = errors.New("feeregistry: not authorized")
	// ErrFeeOutOfRange is returned for fees above MaxFeeBps.
	ErrFeeOutOfRange = errors.New("feeregistry: fee out of range")
	// ErrInsufficientBalance is returned when a withdrawal exceeds the pot.
	ErrInsufficientBalance = errors.New("feeregistry: insufficient balance")
)

// Storage persists fee configuration and the accumulated balance.
type Storage interface {
	BaseFee(ctx context.Context) (uint16, error)
	SetBaseFee(ctx context.Context, bps uint16) error
	Override(ctx context.Context, addr string) (bps uint16, ok bool, err error)
	SetOverride(ctx context.Context, addr string, bps uint16) error
	Credit(ctx context.Context, amount uint64) error
	Debit(ctx context.Context, amount uint64) error
	Balance(ctx context.Context) (uint64, error)
}

// Registry is the fee collaborator the offer engine talks to. Mutations are
// gated by a market admin role capability checked against the capability
// ledger.
type Registry struct {
	storage Storage
	caps    *capability.Ledger
}

// New creates a registry over the given storage backend.
func New(storage Storage, caps *capability.Ledger) *Registry {
	return &Registry{storage: storage, caps: caps}
}

// FeeBps returns the effective fee for addr in basis points. A personal
// override above the base fee is clamped to the base fee.
func (r *Registry) FeeBps(ctx context.Context, addr string) (uint16, error) {
	base, err := r.storage.BaseFee(ctx)
	if err != nil {
		return 0, fmt.Errorf("feeregistry: base fee: %w", err)
	}
	override, ok, err := r.storage.Override(ctx, addr)
	if err != nil {
		return 0, fmt.Errorf("feeregistry: override for %s: %w", addr, err)
	}
	if ok && override < base {
		return override, nil
	}
	return base, nil
}

// AddBalance pays a coin into the registry, consuming it.
func (r *Registry) AddBalance(ctx context.Context, c *coin.Coin) error {
	amount := c.Value()
	if amount == 0 {
		return nil
	}
	if err := r.storage.Credit(ctx, amount); err != nil {
		return fmt.Errorf("feeregistry: credit %d: %w", amount, err)
	}
	// consume the coin only once the credit has landed, so a failed deposit
	// leaves the caller holding the funds
	_, err := c.Split(amount)
	return err
}

// Balance returns the accumulated fee balance.
func (r *Registry) Balance(ctx context.Context) (uint64, error) {
	return r.storage.Balance(ctx)
}

// Withdraw pays amount out of the fee balance. Requires the treasury role.
func (r *Registry) Withdraw(ctx context.Context, treasury *capability.RoleCap, amount uint64) (*coin.Coin, error) {
	if !r.caps.HasAccess(treasury, capability.RoleTreasury) {
		return nil, ErrNotAuthorized
	}
	balance, err := r.storage.Balance(ctx)
	if err != nil {
		return nil, fmt.Errorf("feeregistry: balance: %w", err)
	}
	if amount > balance {
		return nil, fmt.Errorf("%w: balance %d, requested %d", ErrInsufficientBalance, balance, amount)
	}
	if err := r.storage.Debit(ctx, amount); err != nil {
		return nil, fmt.Errorf("feeregistry: debit %d: %w", amount, err)
	}
	return coin.New(amount), nil
}

// SetBaseFee updates the base fee. Requires the market admin role.
func (r *Registry) SetBaseFee(ctx context.Context, admin *capability.RoleCap, bps uint16) error {
	if !r.caps.HasAccess(admin, capability.RoleMarketAdmin) {
		return ErrNotAuthorized
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d bps", ErrFeeOutOfRange, bps)
	}
	return r.storage.SetBaseFee(ctx, bps)
}

// SetPersonalFee sets a per-address override. Requires the market admin role.
// The override is stored as given; clamping to the base fee happens at read
// time so later base-fee changes take effect retroactively.
func (r *Registry) SetPersonalFee(ctx context.Context, admin *capability.RoleCap, addr string, bps uint16) error {
	if !r.caps.HasAccess(admin, capability.RoleMarketAdmin) {
		return ErrNotAuthorized
	}
	if bps > MaxFeeBps {
		return fmt.Errorf("%w: %d bps", ErrFeeOutOfRange, bps)
	}
	return r.storage.SetOverride(ctx, addr, bps)
}
