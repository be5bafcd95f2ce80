// Package policy implements the transfer policy engine: a pluggable rule set
// attached to an item type whose obligations must all be discharged on a
// transfer request before the transfer can be confirmed.
//
// Built-in rules are royalty, kiosk lock, and floor price; custom rules can
// be expressed in a deterministic CEL subset. Rule sets can also be loaded
// from versioned, schema-validated documents (see Load).
package policy

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ledgerline/bazaar/pkg/coin"
)

var (
	// ErrNotSatisfied is returned when a transfer request still has unproven
	// rule obligations at confirm time.
	ErrNotSatisfied = errors.New("policy: obligations not satisfied")
	// ErrAlreadyConfirmed is returned when a request is confirmed twice.
	ErrAlreadyConfirmed = errors.New("policy: request already confirmed")
	// ErrDuplicateRule is returned when attaching a rule kind twice.
	ErrDuplicateRule = errors.New("policy: duplicate rule")
	// ErrUnknownRule is returned when proving or removing an unattached rule.
	ErrUnknownRule = errors.New("policy: unknown rule")
	// ErrTypeMismatch is returned when a request's item type does not match
	// the policy's item type.
	ErrTypeMismatch = errors.New("policy: item type mismatch")
	// ErrUnderpaid is returned when a royalty payment is below the owed fee.
	ErrUnderpaid = errors.New("policy: royalty underpaid")
	// ErrPaymentDue is returned when Prove is called on a payment-bearing
	// rule; only Pay discharges those.
	ErrPaymentDue = errors.New("policy: rule discharged by payment")
	// ErrBelowFloor is returned when the realized price is below the floor.
	ErrBelowFloor = errors.New("policy: price below floor")
	// ErrNotRecipient is returned when withdrawing royalties for the wrong address.
	ErrNotRecipient = errors.New("policy: not the royalty recipient")
)

// Rule is an obligation attached to an item type.
type Rule interface {
	Name() string
}

// TransferPolicy is the rule set for one item type.
type TransferPolicy struct {
	mu        sync.Mutex
	itemType  string
	rules     map[string]Rule
	collected *coin.Coin // royalties paid in, owed to the royalty recipient
}

// New creates an empty policy for the given item type tag.
func New(itemType string) *TransferPolicy {
	return &TransferPolicy{
		itemType:  itemType,
		rules:     make(map[string]Rule),
		collected: coin.Zero(),
	}
}

// ItemType returns the item type tag this policy governs.
func (p *TransferPolicy) ItemType() string { return p.itemType }

// AddRule attaches a rule. At most one rule per kind.
func (p *TransferPolicy) AddRule(r Rule) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rules[r.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, r.Name())
	}
	p.rules[r.Name()] = r
	return nil
}

// RemoveRule detaches a rule by name.
func (p *TransferPolicy) RemoveRule(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.rules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}
	delete(p.rules, name)
	return nil
}

// HasRule reports whether a rule kind is attached.
func (p *TransferPolicy) HasRule(name string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.rules[name]
	return ok
}

// HasRuleOf reports whether a rule of type R is attached.
func HasRuleOf[R Rule](p *TransferPolicy) bool {
	var r R
	return p.HasRule(r.Name())
}

// RuleNames returns the attached rule kinds, sorted.
func (p *TransferPolicy) RuleNames() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, 0, len(p.rules))
	for name := range p.rules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Royalty returns the attached royalty rule, if any.
func (p *TransferPolicy) Royalty() (RoyaltyRule, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	r, ok := p.rules[RuleRoyalty].(RoyaltyRule)
	return r, ok
}

// FeeAmount returns the royalty owed on a price under this policy, zero when
// no royalty rule is attached.
func (p *TransferPolicy) FeeAmount(price uint64) uint64 {
	royalty, ok := p.Royalty()
	if !ok {
		return 0
	}
	return royalty.FeeAmount(price)
}

// Pay discharges the royalty obligation on req, consuming payment into the
// policy's collected balance. The payment must cover the royalty recomputed
// on the request's realized price.
func (p *TransferPolicy) Pay(req *TransferRequest, payment *coin.Coin) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.itemType != p.itemType {
		return fmt.Errorf("%w: request %s, policy %s", ErrTypeMismatch, req.itemType, p.itemType)
	}
	royalty, ok := p.rules[RuleRoyalty].(RoyaltyRule)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, RuleRoyalty)
	}
	owed := royalty.FeeAmount(req.paid)
	if payment.Value() < owed {
		return fmt.Errorf("%w: owed %d, paid %d", ErrUnderpaid, owed, payment.Value())
	}
	if err := p.collected.Merge(payment); err != nil {
		return err
	}
	req.discharge(RuleRoyalty)
	return nil
}

// Prove discharges a non-payment obligation on req. Floor-price proof checks
// the realized price against the floor; lock proof is asserted by the kiosk
// host after it has locked the item; CEL rules are evaluated against the
// request. Payment-bearing rules are rejected; the royalty obligation can
// only be discharged by Pay.
func (p *TransferPolicy) Prove(req *TransferRequest, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.itemType != p.itemType {
		return fmt.Errorf("%w: request %s, policy %s", ErrTypeMismatch, req.itemType, p.itemType)
	}
	rule, ok := p.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownRule, name)
	}

	switch r := rule.(type) {
	case RoyaltyRule:
		return fmt.Errorf("%w: %s", ErrPaymentDue, name)
	case FloorPriceRule:
		if req.paid < r.Floor {
			return fmt.Errorf("%w: price %d, floor %d", ErrBelowFloor, req.paid, r.Floor)
		}
	case *CELRule:
		ok, err := r.eval(req)
		if err != nil {
			return fmt.Errorf("policy: cel rule %s: %w", name, err)
		}
		if !ok {
			return fmt.Errorf("%w: cel rule %s", ErrNotSatisfied, name)
		}
	}
	req.discharge(name)
	return nil
}

// Confirm consumes the transfer request. It fails if any attached rule has
// not been discharged, or if the request was already confirmed. After Confirm
// the request is dead; this is the only legitimate way out of the hot-potato
// protocol.
func (p *TransferPolicy) Confirm(req *TransferRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if req.consumed {
		return ErrAlreadyConfirmed
	}
	if req.itemType != p.itemType {
		return fmt.Errorf("%w: request %s, policy %s", ErrTypeMismatch, req.itemType, p.itemType)
	}
	for name := range p.rules {
		if !req.proven(name) {
			return fmt.Errorf("%w: rule %s unproven", ErrNotSatisfied, name)
		}
	}
	req.consumed = true
	return nil
}

// Collected returns the royalty balance awaiting withdrawal.
func (p *TransferPolicy) Collected() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.collected.Value()
}

// WithdrawRoyalties pays out the collected royalties to the configured
// recipient address.
func (p *TransferPolicy) WithdrawRoyalties(addr string) (*coin.Coin, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	royalty, ok := p.rules[RuleRoyalty].(RoyaltyRule)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownRule, RuleRoyalty)
	}
	if royalty.Recipient != addr {
		return nil, fmt.Errorf("%w: %s", ErrNotRecipient, addr)
	}
	return p.collected.Split(p.collected.Value())
}
