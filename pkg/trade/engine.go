// Package trade implements the marketplace engine: direct and collection
// offers with escrowed funds, listings with locked purchase rights, fee and
// royalty settlement, and the receipt ritual that closes an offer's
// capability.
//
// Operations that depend on an item's Go type are package-level generic
// functions over an Engine; everything else is a method.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ledgerline/bazaar/pkg/capability"
	"github.com/ledgerline/bazaar/pkg/coin"
	"github.com/ledgerline/bazaar/pkg/discovery"
	"github.com/ledgerline/bazaar/pkg/events"
	"github.com/ledgerline/bazaar/pkg/kiosk"
	"github.com/ledgerline/bazaar/pkg/policy"
)

// Escrow record kinds.
const (
	KindOffer           = "offer"
	KindCollectionOffer = "collection_offer"
	KindListing         = "listing"
)

// FeeBank is the slice of the fee registry the engine needs: the fee rate
// for an address and a place to deposit collected fees.
type FeeBank interface {
	FeeBps(ctx context.Context, addr string) (uint16, error)
	AddBalance(ctx context.Context, c *coin.Coin) error
}

// OfferRecord is an escrowed offer. Direct offers bind one item; collection
// offers bind only a type and accept any item of it.
type OfferRecord struct {
	ID         string
	KioskID    string // kiosk whose escrow holds the record
	Owner      string
	ItemID     string // empty for collection offers
	ItemType   string
	Price      uint64 // gross escrowed payment
	MarketFee  uint64
	RoyaltyFee uint64 // reserved by convergence at creation
	CapID      string
	Escrowed   *coin.Coin
}

// OfferWrapper carries an accepted offer between AcceptOffer and
// ConfirmOfferAccepted. All fields are unexported; acceptance is the only
// constructor.
type OfferWrapper struct {
	offer  *OfferRecord
	itemID string
	seller string
}

// ItemID returns the item that satisfied the offer.
func (w *OfferWrapper) ItemID() string { return w.itemID }

// Seller returns the address that accepted the offer.
func (w *OfferWrapper) Seller() string { return w.seller }

// Engine orchestrates offers and listings over kiosks, policies, the fee
// registry, and the capability ledger.
type Engine struct {
	fees    FeeBank
	caps    *capability.Ledger
	emitter events.Emitter
	index   discovery.Index
	log     *slog.Logger
	tracer  trace.Tracer
	metrics engineMetrics
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter publishes marketplace events through em.
func WithEmitter(em events.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithDiscovery shares listings into idx for off-core browsing.
func WithDiscovery(idx discovery.Index) Option {
	return func(e *Engine) { e.index = idx }
}

// WithLogger sets the engine's logger.
func WithLogger(log *slog.Logger) Option {
	return func(e *Engine) { e.log = log }
}

// WithTracer sets the engine's tracer.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// NewEngine creates an engine over the given fee bank and capability ledger.
func NewEngine(fees FeeBank, caps *capability.Ledger, opts ...Option) *Engine {
	e := &Engine{
		fees:    fees,
		caps:    caps,
		emitter: events.Discard{},
		log:     slog.Default(),
		tracer:  otel.Tracer("bazaar/trade"),
		metrics: newEngineMetrics(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func offerKey(offerID, itemID, typeTag string) kiosk.Key {
	return kiosk.Key{Kind: KindOffer, ID: offerID, ItemID: itemID, TypeTag: typeTag}
}

func collectionKey(offerID, typeTag string) kiosk.Key {
	return kiosk.Key{Kind: KindCollectionOffer, ID: offerID, TypeTag: typeTag}
}

func listingKey(listingID, typeTag string) kiosk.Key {
	return kiosk.Key{Kind: KindListing, ID: listingID, TypeTag: typeTag}
}

// Offer escrows payment as an offer for one specific item of type T. The
// whole payment is consumed; the marketplace fee and a converged royalty
// reservation are carved out of it at settlement. Returns the capability
// that can later revoke the offer or close its receipt.
func Offer[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, itemID string, payment *coin.Coin, pol *policy.TransferPolicy) (string, *capability.OfferCap, error) {
	ctx, span := e.tracer.Start(ctx, "trade.offer")
	defer span.End()

	tag := kiosk.TagOf[T]()
	offerID := uuid.New().String()
	cap, err := e.createOffer(ctx, k, auth, pol, tag, offerID, itemID, payment)
	e.metrics.observe(ctx, "offer", err)
	if err != nil {
		return "", nil, err
	}
	span.SetAttributes(attribute.String("offer_id", offerID))
	return offerID, cap, nil
}

// CollectionOffer escrows payment as an offer for any item of type T.
func CollectionOffer[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, payment *coin.Coin, pol *policy.TransferPolicy) (string, *capability.OfferCap, error) {
	ctx, span := e.tracer.Start(ctx, "trade.collection_offer")
	defer span.End()

	tag := kiosk.TagOf[T]()
	offerID := uuid.New().String()
	cap, err := e.createOffer(ctx, k, auth, pol, tag, offerID, "", payment)
	e.metrics.observe(ctx, "collection_offer", err)
	if err != nil {
		return "", nil, err
	}
	span.SetAttributes(attribute.String("offer_id", offerID))
	return offerID, cap, nil
}

func (e *Engine) createOffer(ctx context.Context, k *kiosk.Kiosk, auth *kiosk.OwnerCap, pol *policy.TransferPolicy, tag, offerID, itemID string, payment *coin.Coin) (*capability.OfferCap, error) {
	if pol.ItemType() != tag {
		return nil, fmt.Errorf("%w: policy governs %s, offer is for %s", ErrTypeMismatch, pol.ItemType(), tag)
	}
	if !k.HasAccess(auth) {
		return nil, ErrNotAuthorized
	}

	bps, err := e.fees.FeeBps(ctx, k.Owner())
	if err != nil {
		return nil, fmt.Errorf("trade: fee lookup: %w", err)
	}
	price := payment.Value()
	market := marketFee(price, bps)
	royalty := convergedRoyalty(pol, price)
	if market+royalty > price {
		return nil, fmt.Errorf("%w: payment %d cannot cover fees %d", ErrInsufficientFunds, price, market+royalty)
	}

	cap, err := e.caps.IssueOfferCap(offerID, tag)
	if err != nil {
		return nil, err
	}
	escrowed := coin.Zero()
	if err := escrowed.Merge(payment); err != nil {
		return nil, err
	}
	offer := &OfferRecord{
		ID:         offerID,
		KioskID:    k.ID(),
		Owner:      k.Owner(),
		ItemID:     itemID,
		ItemType:   tag,
		Price:      price,
		MarketFee:  market,
		RoyaltyFee: royalty,
		CapID:      cap.ID(),
		Escrowed:   escrowed,
	}
	key := collectionKey(offerID, tag)
	if itemID != "" {
		key = offerKey(offerID, itemID, tag)
	}
	if err := k.Escrow().Put(key, offer); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "offer created",
		"offer_id", offerID, "kiosk_id", k.ID(), "item_id", itemID,
		"item_type", tag, "price", price, "market_fee", market, "royalty_fee", royalty)
	e.emitter.Emit(ctx, events.Event{
		Kind:       events.OfferCreated,
		KioskID:    k.ID(),
		RefID:      offerID,
		ItemID:     itemID,
		ItemType:   tag,
		Actor:      k.Owner(),
		Price:      price,
		MarketFee:  market,
		RoyaltyFee: royalty,
		Total:      price,
	})
	return cap, nil
}

// AcceptOffer settles a direct offer: the accepter's item moves into the
// offerer's kiosk, the marketplace fee moves to the fee bank, the net
// proceeds move into the accepter's kiosk profits, and the royalty
// recomputed on the realized price is paid from the escrowed reservation.
// The returned transfer request must still be carried through any custom
// rules and then to ConfirmOfferAccepted; abandoning it aborts nothing that
// has not already settled but leaves the offer unclosable.
func AcceptOffer[T kiosk.Item](ctx context.Context, e *Engine, offerer *kiosk.Kiosk, offerID string, accepter *kiosk.Kiosk, auth *kiosk.OwnerCap, itemID string, pol *policy.TransferPolicy) (*OfferWrapper, *policy.TransferRequest, error) {
	ctx, span := e.tracer.Start(ctx, "trade.accept_offer",
		trace.WithAttributes(attribute.String("offer_id", offerID)))
	defer span.End()

	tag := kiosk.TagOf[T]()
	w, req, err := e.settle(ctx, offerer, offerKey(offerID, itemID, tag), accepter, auth, itemID, pol)
	e.metrics.observe(ctx, "accept_offer", err)
	return w, req, err
}

// AcceptCollectionOffer settles a collection offer with any item of type T
// the accepter holds. The item's type tag is checked before any funds move.
func AcceptCollectionOffer[T kiosk.Item](ctx context.Context, e *Engine, offerer *kiosk.Kiosk, offerID string, accepter *kiosk.Kiosk, auth *kiosk.OwnerCap, itemID string, pol *policy.TransferPolicy) (*OfferWrapper, *policy.TransferRequest, error) {
	ctx, span := e.tracer.Start(ctx, "trade.accept_collection_offer",
		trace.WithAttributes(attribute.String("offer_id", offerID)))
	defer span.End()

	tag := kiosk.TagOf[T]()
	w, req, err := e.settle(ctx, offerer, collectionKey(offerID, tag), accepter, auth, itemID, pol)
	e.metrics.observe(ctx, "accept_collection_offer", err)
	return w, req, err
}

func (e *Engine) settle(ctx context.Context, offerer *kiosk.Kiosk, key kiosk.Key, accepter *kiosk.Kiosk, auth *kiosk.OwnerCap, itemID string, pol *policy.TransferPolicy) (*OfferWrapper, *policy.TransferRequest, error) {
	tag := key.TypeTag
	if pol.ItemType() != tag {
		return nil, nil, fmt.Errorf("%w: policy governs %s, offer is for %s", ErrTypeMismatch, pol.ItemType(), tag)
	}
	if !accepter.HasAccess(auth) {
		return nil, nil, ErrNotAuthorized
	}
	itemTag, err := accepter.ItemType(itemID)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	if itemTag != tag {
		return nil, nil, fmt.Errorf("%w: item %s is %s, offer wants %s", ErrTypeMismatch, itemID, itemTag, tag)
	}
	if offerer.HasItem(itemID) {
		return nil, nil, fmt.Errorf("%w: %s in offer kiosk %s", kiosk.ErrDuplicateItem, itemID, offerer.ID())
	}
	offer, err := kiosk.Get[*OfferRecord](offerer.Escrow(), key)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if offer.KioskID != offerer.ID() {
		return nil, nil, fmt.Errorf("%w: offer %s belongs to kiosk %s", ErrContainerMismatch, offer.ID, offer.KioskID)
	}

	net := offer.Price - offer.MarketFee - offer.RoyaltyFee

	// The royalty is recomputed on the realized price. A rule that grew past
	// the reservation fails here, before any funds or items move.
	var owed uint64
	if _, ok := pol.Royalty(); ok {
		owed = pol.FeeAmount(net)
		if owed > offer.RoyaltyFee {
			return nil, nil, fmt.Errorf("%w: royalty %d exceeds reserved %d", ErrInsufficientFunds, owed, offer.RoyaltyFee)
		}
	}

	// Check the non-payment, non-lock obligations against the realized
	// price before any funds move.
	probe := policy.NewRequest(itemID, tag, accepter.ID(), net)
	for _, name := range pol.RuleNames() {
		if name == policy.RuleRoyalty || name == policy.RuleLock {
			continue
		}
		if err := pol.Prove(probe, name); err != nil {
			return nil, nil, err
		}
	}

	wasLocked := accepter.IsLocked(itemID)
	right, err := accepter.ListWithPurchaseCap(auth, itemID, net)
	if err != nil {
		return nil, nil, err
	}
	if _, err := kiosk.Remove[*OfferRecord](offerer.Escrow(), key); err != nil {
		accepter.ReturnPurchaseCap(right)
		return nil, nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	// restore folds reserved coins back into the escrow, re-stores the offer,
	// and surrenders the purchase right.
	restore := func(coins ...*coin.Coin) {
		for _, c := range coins {
			if err := offer.Escrowed.Merge(c); err != nil {
				e.log.ErrorContext(ctx, "escrow restore failed", "offer_id", offer.ID, "err", err)
			}
		}
		if err := offerer.Escrow().Put(key, offer); err != nil {
			e.log.ErrorContext(ctx, "offer restore failed", "offer_id", offer.ID, "err", err)
		}
		if err := accepter.ReturnPurchaseCap(right); err != nil {
			e.log.ErrorContext(ctx, "purchase right restore failed", "offer_id", offer.ID, "err", err)
		}
	}

	// Reserve every outgoing amount before the purchase hop.
	feeCoin, err := offer.Escrowed.Split(offer.MarketFee)
	if err != nil {
		restore()
		return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	royaltyCoin, err := offer.Escrowed.Split(owed)
	if err != nil {
		restore(feeCoin)
		return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	pay, err := offer.Escrowed.Split(net)
	if err != nil {
		restore(feeCoin, royaltyCoin)
		return nil, nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	item, req, err := accepter.PurchaseWithCap(right, pay)
	if err != nil {
		restore(feeCoin, royaltyCoin, pay)
		return nil, nil, err
	}
	// unwind additionally reverses the purchase: item and right back into the
	// accepter's kiosk, net proceeds back out of its profits.
	unwind := func(coins ...*coin.Coin) {
		refund, uerr := accepter.UnwindPurchase(right, item, tag, wasLocked, net)
		if uerr != nil {
			e.log.ErrorContext(ctx, "purchase unwind failed", "offer_id", offer.ID, "err", uerr)
			restore(coins...)
			return
		}
		restore(append(coins, refund)...)
	}

	if !feeCoin.IsZero() {
		if err := e.fees.AddBalance(ctx, feeCoin); err != nil {
			unwind(feeCoin, royaltyCoin)
			return nil, nil, fmt.Errorf("trade: fee deposit: %w", err)
		}
		e.metrics.settled(ctx, "accept", offer.MarketFee)
	}
	if _, ok := pol.Royalty(); ok {
		if err := pol.Pay(req, royaltyCoin); err != nil {
			unwind(royaltyCoin)
			return nil, nil, err
		}
	} else if err := offer.Escrowed.Merge(royaltyCoin); err != nil {
		return nil, nil, err
	}

	if pol.HasRule(policy.RuleLock) {
		if err := offerer.ReceiveLocked(item, tag); err != nil {
			unwind()
			return nil, nil, err
		}
		if err := pol.Prove(req, policy.RuleLock); err != nil {
			return nil, nil, err
		}
	} else {
		if err := offerer.Receive(item, tag); err != nil {
			unwind()
			return nil, nil, err
		}
	}
	for _, name := range pol.RuleNames() {
		if name == policy.RuleRoyalty || name == policy.RuleLock {
			continue
		}
		if err := pol.Prove(req, name); err != nil {
			return nil, nil, err
		}
	}

	e.log.InfoContext(ctx, "offer accepted",
		"offer_id", offer.ID, "item_id", itemID, "seller", accepter.Owner(),
		"net", net, "market_fee", offer.MarketFee)
	return &OfferWrapper{offer: offer, itemID: itemID, seller: accepter.Owner()}, req, nil
}

// ConfirmOfferAccepted consumes the transfer request opened by acceptance,
// issues the receipt addressed to the offer's owner, and returns the
// residual escrow as a refund to the caller. Fails with the policy engine's
// error while any rule obligation is undischarged.
func (e *Engine) ConfirmOfferAccepted(ctx context.Context, w *OfferWrapper, req *policy.TransferRequest, pol *policy.TransferPolicy) (_ *capability.Receipt, _ *coin.Coin, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.confirm_offer")
	defer span.End()
	defer func() { e.metrics.observe(ctx, "confirm_offer", err) }()

	if err := pol.Confirm(req); err != nil {
		return nil, nil, err
	}
	receipt, err := e.caps.IssueReceipt(w.offer.CapID, w.offer.ItemType, w.offer.Owner)
	if err != nil {
		return nil, nil, err
	}
	refund, err := w.offer.Escrowed.Split(w.offer.Escrowed.Value())
	if err != nil {
		return nil, nil, err
	}

	e.emitter.Emit(ctx, events.Event{
		Kind:       events.OfferAccepted,
		KioskID:    w.offer.KioskID,
		RefID:      w.offer.ID,
		ItemID:     w.itemID,
		ItemType:   w.offer.ItemType,
		Actor:      w.seller,
		Price:      w.offer.Price,
		MarketFee:  w.offer.MarketFee,
		RoyaltyFee: w.offer.RoyaltyFee,
		Total:      w.offer.Price,
	})
	return receipt, refund, nil
}

// RevokeOffer withdraws a live offer. The presented capability must match
// the offer and its item type; it is destroyed and the full escrowed payment
// is returned.
func RevokeOffer[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, cap *capability.OfferCap, offerID, itemID string) (_ *coin.Coin, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.revoke_offer",
		trace.WithAttributes(attribute.String("offer_id", offerID)))
	defer span.End()
	defer func() { e.metrics.observe(ctx, "revoke_offer", err) }()

	tag := kiosk.TagOf[T]()
	if !k.HasAccess(auth) {
		return nil, ErrNotAuthorized
	}
	if err := e.caps.AssertMatch(cap, offerID, tag); err != nil {
		if errors.Is(err, capability.ErrMismatch) {
			return nil, fmt.Errorf("%w: %v", ErrCapabilityMismatch, err)
		}
		return nil, err
	}
	key := collectionKey(offerID, tag)
	if itemID != "" {
		key = offerKey(offerID, itemID, tag)
	}
	offer, err := kiosk.Remove[*OfferRecord](k.Escrow(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if offer.CapID != cap.ID() {
		k.Escrow().Put(key, offer)
		return nil, fmt.Errorf("%w: offer %s was issued capability %s", ErrCapabilityMismatch, offerID, offer.CapID)
	}
	if err := e.caps.Revoke(cap); err != nil {
		k.Escrow().Put(key, offer)
		return nil, err
	}
	refund, err := offer.Escrowed.Split(offer.Escrowed.Value())
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "offer revoked", "offer_id", offerID, "refund", refund.Value())
	e.emitter.Emit(ctx, events.Event{
		Kind:       events.OfferRevoked,
		KioskID:    k.ID(),
		RefID:      offerID,
		ItemID:     itemID,
		ItemType:   tag,
		Actor:      k.Owner(),
		Price:      offer.Price,
		MarketFee:  offer.MarketFee,
		RoyaltyFee: offer.RoyaltyFee,
		Total:      refund.Value(),
	})
	return refund, nil
}

// DeclineOffer rejects a direct offer on behalf of the party holding the
// wanted item. The escrowed payment is refunded into the offerer's kiosk
// profits and a receipt is issued to the offer's owner; closing it against
// the held capability concludes the offer.
func DeclineOffer[T kiosk.Item](ctx context.Context, e *Engine, offerer *kiosk.Kiosk, offerID string, holder *kiosk.Kiosk, holderAuth *kiosk.OwnerCap, itemID string) (_ *capability.Receipt, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.decline_offer",
		trace.WithAttributes(attribute.String("offer_id", offerID)))
	defer span.End()
	defer func() { e.metrics.observe(ctx, "decline_offer", err) }()

	tag := kiosk.TagOf[T]()
	if !holder.HasAccess(holderAuth) {
		return nil, ErrNotAuthorized
	}
	if !holder.HasItem(itemID) {
		return nil, fmt.Errorf("%w: %s", ErrItemNotFound, itemID)
	}
	key := offerKey(offerID, itemID, tag)
	offer, err := kiosk.Remove[*OfferRecord](offerer.Escrow(), key)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	refund, err := offer.Escrowed.Split(offer.Escrowed.Value())
	if err != nil {
		return nil, err
	}
	if err := offerer.Deposit(refund); err != nil {
		return nil, err
	}
	receipt, err := e.caps.IssueReceipt(offer.CapID, tag, offer.Owner)
	if err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "offer declined", "offer_id", offerID, "item_id", itemID)
	e.emitter.Emit(ctx, events.Event{
		Kind:       events.OfferDeclined,
		KioskID:    offerer.ID(),
		RefID:      offerID,
		ItemID:     itemID,
		ItemType:   tag,
		Actor:      holder.Owner(),
		Price:      offer.Price,
		MarketFee:  offer.MarketFee,
		RoyaltyFee: offer.RoyaltyFee,
		Total:      offer.Price,
	})
	return receipt, nil
}
