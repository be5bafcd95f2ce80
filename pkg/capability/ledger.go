// Package capability implements unforgeable capability tokens for the
// marketplace: offer capabilities held by offer creators, receipts issued
// when an offer concludes, and role capabilities gating administrative
// surfaces.
//
// Possession is the proof. Tokens carry an unexported secret derived from the
// ledger's master key via HKDF, so they cannot be constructed outside this
// package, and the ledger verifies the derivation before honoring one.
package capability

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

var (
	// ErrMismatch is returned when a capability does not correspond to the
	// offer, receipt, or type tag it is presented against.
	ErrMismatch = errors.New("capability: mismatch")
	// ErrForged is returned when a token's secret fails verification.
	ErrForged = errors.New("capability: token failed verification")
	// ErrRevoked is returned when a capability is no longer live.
	ErrRevoked = errors.New("capability: revoked")
)

// OfferCap proves the right to revoke an offer or redeem its receipt.
// Exactly one exists per live offer. All fields are unexported; only the
// issuing ledger can mint one.
type OfferCap struct {
	id       string
	offerID  string
	itemType string
	secret   []byte
}

// ID returns the capability id.
func (c *OfferCap) ID() string { return c.id }

// OfferID returns the offer this capability was issued for.
func (c *OfferCap) OfferID() string { return c.offerID }

// ItemType returns the item type tag bound at issuance.
func (c *OfferCap) ItemType() string { return c.itemType }

// Receipt is issued to the original offer owner when an offer is accepted or
// declined. Pairing it with the matching OfferCap in Close is the explicit
// ritual proving the trade concluded.
type Receipt struct {
	id       string
	capID    string
	itemType string
	owner    string
	binding  []byte
}

// ID returns the receipt id.
func (r *Receipt) ID() string { return r.id }

// CapID returns the id of the offer capability this receipt redeems.
func (r *Receipt) CapID() string { return r.capID }

// ItemType returns the item type tag bound at issuance.
func (r *Receipt) ItemType() string { return r.itemType }

// Owner returns the address the receipt was issued to.
func (r *Receipt) Owner() string { return r.owner }

// Ledger issues, validates, and revokes capability tokens.
type Ledger struct {
	mu     sync.Mutex
	master []byte
	live   map[string]struct{} // live offer cap ids
}

// NewLedger creates a ledger with a fresh random master key.
func NewLedger() (*Ledger, error) {
	master := make([]byte, 32)
	if _, err := rand.Read(master); err != nil {
		return nil, fmt.Errorf("capability: master key: %w", err)
	}
	return &Ledger{master: master, live: make(map[string]struct{})}, nil
}

// derive produces the per-capability secret from the master key.
func (l *Ledger) derive(capID string) ([]byte, error) {
	r := hkdf.New(sha256.New, l.master, nil, []byte("offer-cap:"+capID))
	secret := make([]byte, 32)
	if _, err := io.ReadFull(r, secret); err != nil {
		return nil, fmt.Errorf("capability: derive: %w", err)
	}
	return secret, nil
}

func (l *Ledger) bind(secret []byte, receiptID, itemType string) []byte {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(receiptID))
	mac.Write([]byte{0})
	mac.Write([]byte(itemType))
	return mac.Sum(nil)
}

// IssueOfferCap mints the capability for a newly created offer.
func (l *Ledger) IssueOfferCap(offerID, itemType string) (*OfferCap, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id := uuid.New().String()
	secret, err := l.derive(id)
	if err != nil {
		return nil, err
	}
	l.live[id] = struct{}{}
	return &OfferCap{id: id, offerID: offerID, itemType: itemType, secret: secret}, nil
}

// AssertMatch verifies that cap is genuine, live, and was issued for the
// given offer and item type.
func (l *Ledger) AssertMatch(cap *OfferCap, offerID, itemType string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verify(cap); err != nil {
		return err
	}
	if cap.offerID != offerID {
		return fmt.Errorf("%w: capability is for offer %s, not %s", ErrMismatch, cap.offerID, offerID)
	}
	if cap.itemType != itemType {
		return fmt.Errorf("%w: capability type %s, want %s", ErrMismatch, cap.itemType, itemType)
	}
	return nil
}

// Revoke destroys a live capability. The caller surrenders the token.
func (l *Ledger) Revoke(cap *OfferCap) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verify(cap); err != nil {
		return err
	}
	delete(l.live, cap.id)
	cap.secret = nil
	return nil
}

// IssueReceipt mints the receipt redeeming capID, addressed to owner.
func (l *Ledger) IssueReceipt(capID, itemType, owner string) (*Receipt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	secret, err := l.derive(capID)
	if err != nil {
		return nil, err
	}
	id := uuid.New().String()
	return &Receipt{
		id:       id,
		capID:    capID,
		itemType: itemType,
		owner:    owner,
		binding:  l.bind(secret, id, itemType),
	}, nil
}

// Close jointly destroys a receipt and its matching offer capability. Both
// must carry the same capability id and item type tag, and the receipt's
// binding must verify against the capability's secret.
func (l *Ledger) Close(r *Receipt, cap *OfferCap) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.verify(cap); err != nil {
		return err
	}
	if r.capID != cap.id {
		return fmt.Errorf("%w: receipt redeems capability %s, holder presents %s", ErrMismatch, r.capID, cap.id)
	}
	if r.itemType != cap.itemType {
		return fmt.Errorf("%w: receipt type %s, capability type %s", ErrMismatch, r.itemType, cap.itemType)
	}
	if !hmac.Equal(r.binding, l.bind(cap.secret, r.id, r.itemType)) {
		return ErrForged
	}
	delete(l.live, cap.id)
	cap.secret = nil
	r.binding = nil
	return nil
}

// verify checks liveness and the HKDF derivation. Callers hold l.mu.
func (l *Ledger) verify(cap *OfferCap) error {
	if cap == nil || cap.secret == nil {
		return ErrRevoked
	}
	if _, ok := l.live[cap.id]; !ok {
		return ErrRevoked
	}
	want, err := l.derive(cap.id)
	if err != nil {
		return err
	}
	if !hmac.Equal(cap.secret, want) {
		return ErrForged
	}
	return nil
}
