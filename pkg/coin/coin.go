// Package coin provides the fungible funds value used throughout the
// marketplace. Amounts are unsigned integers in minor units; there is no
// floating point anywhere in fee or settlement arithmetic.
//
// A Coin behaves like a resource rather than a number: value moves between
// coins via Split and Merge, and a coin can only be destroyed once its value
// has been fully moved out.
package coin

import (
	"errors"
	"fmt"
)

var (
	// ErrInsufficient is returned when a split asks for more than the coin holds.
	ErrInsufficient = errors.New("coin: insufficient value")
	// ErrNonZero is returned when destroying a coin that still holds value.
	ErrNonZero = errors.New("coin: destroying non-zero coin")
	// ErrOverflow is returned when a merge would overflow uint64.
	ErrOverflow = errors.New("coin: value overflow")
)

// Coin holds an amount in minor units. The zero value is an empty coin.
type Coin struct {
	value uint64
}

// New creates a coin holding the given amount.
func New(value uint64) *Coin {
	return &Coin{value: value}
}

// Zero creates an empty coin.
func Zero() *Coin {
	return &Coin{}
}

// Value returns the amount currently held.
func (c *Coin) Value() uint64 {
	return c.value
}

// IsZero reports whether the coin holds no value.
func (c *Coin) IsZero() bool {
	return c.value == 0
}

// Split removes amount from c and returns it as a new coin.
func (c *Coin) Split(amount uint64) (*Coin, error) {
	if amount > c.value {
		return nil, fmt.Errorf("%w: have %d, want %d", ErrInsufficient, c.value, amount)
	}
	c.value -= amount
	return &Coin{value: amount}, nil
}

// Merge moves the entire value of other into c, leaving other empty.
func (c *Coin) Merge(other *Coin) error {
	if other == nil {
		return nil
	}
	if c.value > ^uint64(0)-other.value {
		return ErrOverflow
	}
	c.value += other.value
	other.value = 0
	return nil
}

// DestroyZero consumes an empty coin. Destroying a coin that still holds
// value is a settlement bug, not a recoverable condition.
func (c *Coin) DestroyZero() error {
	if c.value != 0 {
		return fmt.Errorf("%w: %d remaining", ErrNonZero, c.value)
	}
	return nil
}
