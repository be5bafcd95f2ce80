package trade

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ledgerline/bazaar/pkg/coin"
	"github.com/ledgerline/bazaar/pkg/discovery"
	"github.com/ledgerline/bazaar/pkg/events"
	"github.com/ledgerline/bazaar/pkg/kiosk"
	"github.com/ledgerline/bazaar/pkg/policy"
)

// Listing is an escrowed listing record. The purchase right's minimum price
// is locked at creation and deliberately not rewritten by UpdateListing;
// lowering the advertised price below it leaves the listing unpurchasable
// until delisted and relisted.
type Listing struct {
	ID         string
	KioskID    string
	ItemID     string
	ItemType   string
	Owner      string
	Price      uint64 // advertised price, seller's net target
	MarketFee  uint64
	RoyaltyFee uint64
	Right      *kiosk.PurchaseCap
}

// Total returns the amount a buyer pays: price plus both fees.
func (l *Listing) Total() uint64 {
	return l.Price + l.MarketFee + l.RoyaltyFee
}

// List places item into the kiosk (locking it when the policy mandates
// custody) and opens it for sale at price. The marketplace fee is computed
// at the seller's current rate and the royalty by a fresh lookup on the
// advertised price; both are charged to the buyer on top of it.
func List[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, item T, price uint64, pol *policy.TransferPolicy) (_ string, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.list")
	defer span.End()
	defer func() { e.metrics.observe(ctx, "list", err) }()

	tag := kiosk.TagOf[T]()
	if pol.ItemType() != tag {
		return "", fmt.Errorf("%w: policy governs %s, listing is for %s", ErrTypeMismatch, pol.ItemType(), tag)
	}
	if !k.HasAccess(auth) {
		return "", ErrNotAuthorized
	}
	bps, err := e.fees.FeeBps(ctx, k.Owner())
	if err != nil {
		return "", fmt.Errorf("trade: fee lookup: %w", err)
	}

	if pol.HasRule(policy.RuleLock) {
		err = k.Lock(auth, item, tag)
	} else {
		err = k.Place(auth, item, tag)
	}
	if err != nil {
		return "", err
	}
	right, err := k.ListWithPurchaseCap(auth, item.ItemID(), price)
	if err != nil {
		return "", err
	}

	listing := &Listing{
		ID:         uuid.New().String(),
		KioskID:    k.ID(),
		ItemID:     item.ItemID(),
		ItemType:   tag,
		Owner:      k.Owner(),
		Price:      price,
		MarketFee:  marketFee(price, bps),
		RoyaltyFee: pol.FeeAmount(price),
		Right:      right,
	}
	if err := k.Escrow().Put(listingKey(listing.ID, tag), listing); err != nil {
		k.ReturnPurchaseCap(right)
		return "", err
	}
	span.SetAttributes(attribute.String("listing_id", listing.ID))

	e.share(ctx, listing)
	e.log.InfoContext(ctx, "listing created",
		"listing_id", listing.ID, "kiosk_id", k.ID(), "item_id", listing.ItemID,
		"price", price, "total", listing.Total())
	e.emitListing(ctx, events.ListingCreated, listing, k.Owner())
	return listing.ID, nil
}

// UpdateListing reprices a listing and recomputes its fees. The purchase
// right keeps its original minimum price: repricing below it is flagged in
// the logs but preserved, and purchase attempts fail with the kiosk's
// underpayment error until the item is delisted and relisted.
func UpdateListing[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, listingID, itemID string, newPrice uint64, pol *policy.TransferPolicy) (err error) {
	ctx, span := e.tracer.Start(ctx, "trade.update_listing",
		trace.WithAttributes(attribute.String("listing_id", listingID)))
	defer span.End()
	defer func() { e.metrics.observe(ctx, "update_listing", err) }()

	tag := kiosk.TagOf[T]()
	if pol.ItemType() != tag {
		return fmt.Errorf("%w: policy governs %s, listing is for %s", ErrTypeMismatch, pol.ItemType(), tag)
	}
	if !k.HasAccess(auth) {
		return ErrNotAuthorized
	}
	listing, err := kiosk.Get[*Listing](k.Escrow(), listingKey(listingID, tag))
	if err != nil {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
	}
	if listing.ItemID != itemID {
		return fmt.Errorf("%w: listing %s names %s, caller referenced %s", ErrItemMismatch, listingID, listing.ItemID, itemID)
	}
	bps, err := e.fees.FeeBps(ctx, k.Owner())
	if err != nil {
		return fmt.Errorf("trade: fee lookup: %w", err)
	}

	listing.Price = newPrice
	listing.MarketFee = marketFee(newPrice, bps)
	listing.RoyaltyFee = pol.FeeAmount(newPrice)
	if newPrice < listing.Right.MinPrice() {
		e.log.WarnContext(ctx, "listing price below locked minimum",
			"listing_id", listingID, "price", newPrice, "min_price", listing.Right.MinPrice())
	}

	e.share(ctx, listing)
	e.emitListing(ctx, events.ListingUpdated, listing, k.Owner())
	return nil
}

// Delist closes a listing, surrendering its purchase right. The item stays
// in the kiosk in its normal state; a custody-locked item stays locked.
func Delist[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, auth *kiosk.OwnerCap, listingID, itemID string) (err error) {
	ctx, span := e.tracer.Start(ctx, "trade.delist",
		trace.WithAttributes(attribute.String("listing_id", listingID)))
	defer span.End()
	defer func() { e.metrics.observe(ctx, "delist", err) }()

	tag := kiosk.TagOf[T]()
	if !k.HasAccess(auth) {
		return ErrNotAuthorized
	}
	listing, err := kiosk.Get[*Listing](k.Escrow(), listingKey(listingID, tag))
	if err != nil {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
	}
	if listing.ItemID != itemID {
		return fmt.Errorf("%w: listing %s names %s, caller referenced %s", ErrItemMismatch, listingID, listing.ItemID, itemID)
	}
	if listing.KioskID != k.ID() {
		return fmt.Errorf("%w: listing %s belongs to kiosk %s", ErrContainerMismatch, listingID, listing.KioskID)
	}
	if err := k.ReturnPurchaseCap(listing.Right); err != nil {
		return err
	}
	if _, err := kiosk.Remove[*Listing](k.Escrow(), listingKey(listingID, tag)); err != nil {
		return fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
	}

	if e.index != nil {
		if err := e.index.Remove(ctx, listingID); err != nil {
			e.log.WarnContext(ctx, "discovery remove failed", "listing_id", listingID, "err", err)
		}
	}
	e.emitListing(ctx, events.ListingDelisted, listing, k.Owner())
	return nil
}

// Buy purchases a listed item, settling all fees from payment: the
// marketplace fee at the rate locked into the listing, the advertised price
// into the seller's kiosk profits, and the royalty recomputed on the
// realized price into the policy's collected balance. Any leftover stays in
// payment. When the policy carries a lock rule the item is locked into dest
// instead of being returned, and the zero value of T is returned.
func Buy[T kiosk.Item](ctx context.Context, e *Engine, k *kiosk.Kiosk, listingID string, payment *coin.Coin, pol *policy.TransferPolicy, dest *kiosk.Kiosk, buyer string) (_ T, err error) {
	ctx, span := e.tracer.Start(ctx, "trade.buy",
		trace.WithAttributes(attribute.String("listing_id", listingID)))
	defer span.End()
	defer func() { e.metrics.observe(ctx, "buy", err) }()

	var zero T
	tag := kiosk.TagOf[T]()
	if pol.ItemType() != tag {
		return zero, fmt.Errorf("%w: policy governs %s, purchase is for %s", ErrTypeMismatch, pol.ItemType(), tag)
	}
	listing, err := kiosk.Get[*Listing](k.Escrow(), listingKey(listingID, tag))
	if err != nil {
		return zero, fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
	}
	locked := pol.HasRule(policy.RuleLock)
	if locked && dest == nil {
		return zero, fmt.Errorf("%w: lock rule requires a destination kiosk", ErrPolicyNotSatisfied)
	}
	if locked && dest.HasItem(listing.ItemID) {
		return zero, fmt.Errorf("%w: %s in destination kiosk %s", kiosk.ErrDuplicateItem, listing.ItemID, dest.ID())
	}

	// The royalty is recomputed against the current rule set; a royalty that
	// grew since listing raises the amount due, so the funds check covers
	// both the advertised total and the recomputed one.
	owed := pol.FeeAmount(listing.Price)
	need := listing.Total()
	if n := listing.Price + listing.MarketFee + owed; n > need {
		need = n
	}
	if payment.Value() < need {
		return zero, fmt.Errorf("%w: need %d, payment holds %d", ErrInsufficientFunds, need, payment.Value())
	}

	// Check the non-payment, non-lock obligations before any funds move.
	probe := policy.NewRequest(listing.ItemID, tag, k.ID(), listing.Price)
	for _, name := range pol.RuleNames() {
		if name == policy.RuleRoyalty || name == policy.RuleLock {
			continue
		}
		if err := pol.Prove(probe, name); err != nil {
			return zero, err
		}
	}

	// Reserve every outgoing amount before the purchase hop.
	pay, err := payment.Split(listing.Price)
	if err != nil {
		return zero, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	feeCoin, err := payment.Split(listing.MarketFee)
	if err != nil {
		payment.Merge(pay)
		return zero, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	royaltyCoin, err := payment.Split(owed)
	if err != nil {
		payment.Merge(feeCoin)
		payment.Merge(pay)
		return zero, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}

	wasLocked := k.IsLocked(listing.ItemID)
	item, req, err := k.PurchaseWithCap(listing.Right, pay)
	if err != nil {
		payment.Merge(royaltyCoin)
		payment.Merge(feeCoin)
		payment.Merge(pay)
		return zero, err
	}
	// unwind reverses the purchase and returns every reserved coin still in
	// hand to the buyer's payment.
	unwind := func(coins ...*coin.Coin) {
		refund, uerr := k.UnwindPurchase(listing.Right, item, tag, wasLocked, listing.Price)
		if uerr != nil {
			e.log.ErrorContext(ctx, "purchase unwind failed", "listing_id", listingID, "err", uerr)
		} else {
			payment.Merge(refund)
		}
		for _, c := range coins {
			payment.Merge(c)
		}
	}

	typed, ok := item.(T)
	if !ok {
		unwind(royaltyCoin, feeCoin)
		return zero, fmt.Errorf("%w: listing %s holds %T", ErrTypeMismatch, listingID, item)
	}
	if !feeCoin.IsZero() {
		if err := e.fees.AddBalance(ctx, feeCoin); err != nil {
			unwind(royaltyCoin, feeCoin)
			return zero, fmt.Errorf("trade: fee deposit: %w", err)
		}
		e.metrics.settled(ctx, "buy", listing.MarketFee)
	}
	if _, ok := pol.Royalty(); ok {
		if err := pol.Pay(req, royaltyCoin); err != nil {
			unwind(royaltyCoin)
			return zero, err
		}
	} else {
		payment.Merge(royaltyCoin)
	}

	if locked {
		if err := dest.ReceiveLocked(typed, tag); err != nil {
			unwind()
			return zero, err
		}
		if err := pol.Prove(req, policy.RuleLock); err != nil {
			return zero, err
		}
	}
	for _, name := range pol.RuleNames() {
		if name == policy.RuleRoyalty || name == policy.RuleLock {
			continue
		}
		if err := pol.Prove(req, name); err != nil {
			if !locked {
				unwind()
			}
			return zero, err
		}
	}
	if err := pol.Confirm(req); err != nil {
		if !locked {
			unwind()
		}
		return zero, err
	}

	if _, err := kiosk.Remove[*Listing](k.Escrow(), listingKey(listingID, tag)); err != nil {
		return zero, fmt.Errorf("%w: listing %s", ErrNotFound, listingID)
	}
	if e.index != nil {
		if err := e.index.Remove(ctx, listingID); err != nil {
			e.log.WarnContext(ctx, "discovery remove failed", "listing_id", listingID, "err", err)
		}
	}

	e.log.InfoContext(ctx, "item purchased",
		"listing_id", listingID, "item_id", listing.ItemID, "buyer", buyer,
		"price", listing.Price, "market_fee", listing.MarketFee, "royalty_fee", listing.RoyaltyFee)
	e.emitter.Emit(ctx, events.Event{
		Kind:       events.ItemPurchased,
		KioskID:    k.ID(),
		RefID:      listingID,
		ItemID:     listing.ItemID,
		ItemType:   tag,
		Actor:      buyer,
		Price:      listing.Price,
		MarketFee:  listing.MarketFee,
		RoyaltyFee: listing.RoyaltyFee,
		Total:      listing.Total(),
	})
	if locked {
		return zero, nil
	}
	return typed, nil
}

func (e *Engine) share(ctx context.Context, l *Listing) {
	if e.index == nil {
		return
	}
	rec := discovery.Record{
		ListingID: l.ID,
		KioskID:   l.KioskID,
		ItemID:    l.ItemID,
		ItemType:  l.ItemType,
		Owner:     l.Owner,
		Price:     l.Price,
		Total:     l.Total(),
		UpdatedAt: time.Now().UTC(),
	}
	if err := e.index.Share(ctx, rec); err != nil {
		e.log.WarnContext(ctx, "discovery share failed", "listing_id", l.ID, "err", err)
	}
}

func (e *Engine) emitListing(ctx context.Context, kind events.Kind, l *Listing, actor string) {
	e.emitter.Emit(ctx, events.Event{
		Kind:       kind,
		KioskID:    l.KioskID,
		RefID:      l.ID,
		ItemID:     l.ItemID,
		ItemType:   l.ItemType,
		Actor:      actor,
		Price:      l.Price,
		MarketFee:  l.MarketFee,
		RoyaltyFee: l.RoyaltyFee,
		Total:      l.Total(),
	})
}
