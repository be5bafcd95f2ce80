package trade_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerline/bazaar/pkg/capability"
	"github.com/ledgerline/bazaar/pkg/coin"
	"github.com/ledgerline/bazaar/pkg/events"
	"github.com/ledgerline/bazaar/pkg/feeregistry"
	"github.com/ledgerline/bazaar/pkg/kiosk"
	"github.com/ledgerline/bazaar/pkg/policy"
	"github.com/ledgerline/bazaar/pkg/trade"
)

type artPiece struct {
	id string
}

func (a artPiece) ItemID() string { return a.id }

type gemstone struct {
	id string
}

func (g gemstone) ItemID() string { return g.id }

var (
	artTag = kiosk.TagOf[artPiece]()
	gemTag = kiosk.TagOf[gemstone]()
)

type captureEmitter struct {
	events []events.Event
}

func (c *captureEmitter) Emit(_ context.Context, e events.Event) {
	c.events = append(c.events, e)
}

func (c *captureEmitter) kinds() []events.Kind {
	kinds := make([]events.Kind, 0, len(c.events))
	for _, e := range c.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type harness struct {
	engine  *trade.Engine
	fees    *feeregistry.Registry
	caps    *capability.Ledger
	emitted *captureEmitter
}

func newHarness(t *testing.T, baseBps uint16, opts ...trade.Option) *harness {
	t.Helper()
	caps, err := capability.NewLedger()
	require.NoError(t, err)
	fees := feeregistry.New(feeregistry.NewMemoryStorage(baseBps), caps)
	emitted := &captureEmitter{}
	opts = append([]trade.Option{trade.WithEmitter(emitted)}, opts...)
	return &harness{
		engine:  trade.NewEngine(fees, caps, opts...),
		fees:    fees,
		caps:    caps,
		emitted: emitted,
	}
}

func (h *harness) balance(t *testing.T) uint64 {
	t.Helper()
	bal, err := h.fees.Balance(context.Background())
	require.NoError(t, err)
	return bal
}

func TestOfferAcceptConfirmSettlement(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	payment := coin.New(50_000)
	offerID, offerCap, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", payment, pol)
	require.NoError(t, err)
	assert.True(t, payment.IsZero(), "payment is consumed into escrow")

	w, req, err := trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.NoError(t, err)
	assert.Equal(t, uint64(49_000), sellerKiosk.Profits(), "seller nets price minus market fee")
	assert.Equal(t, uint64(1_000), h.balance(t))
	assert.False(t, sellerKiosk.HasItem("art-1"))
	assert.True(t, buyerKiosk.HasItem("art-1"))

	receipt, refund, err := h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), refund.Value(), "no royalty reserved, nothing left over")
	assert.Equal(t, "alice", receipt.Owner())

	require.NoError(t, h.caps.Close(receipt, offerCap))
	assert.Equal(t,
		[]events.Kind{events.OfferCreated, events.OfferAccepted},
		h.emitted.kinds())
}

func TestOfferAcceptPaysConvergedRoyalty(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)
	require.NoError(t, pol.AddRule(policy.RoyaltyRule{Recipient: "creator", Bps: 1_000}))

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(10_000), pol)
	require.NoError(t, err)

	w, req, err := trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.NoError(t, err)

	// market fee 200, reserved royalty 910, seller nets 8890, realized
	// royalty is recomputed on 8890 as 889 and the 21 difference refunds.
	assert.Equal(t, uint64(8_890), sellerKiosk.Profits())
	assert.Equal(t, uint64(200), h.balance(t))
	assert.Equal(t, uint64(889), pol.Collected())

	_, refund, err := h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	require.NoError(t, err)
	assert.Equal(t, uint64(21), refund.Value())

	payout, err := pol.WithdrawRoyalties("creator")
	require.NoError(t, err)
	assert.Equal(t, uint64(889), payout.Value())
}

func TestOfferRejectedWhenFeesExceedPayment(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)
	require.NoError(t, pol.AddRule(policy.RoyaltyRule{Recipient: "creator", Bps: 100, MinAmount: 5_000}))

	buyerKiosk, buyerCap := kiosk.New("alice")
	payment := coin.New(4_000)
	_, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", payment, pol)
	assert.ErrorIs(t, err, trade.ErrInsufficientFunds)
	assert.Equal(t, uint64(4_000), payment.Value(), "rejected offer leaves the payment untouched")
}

func TestAcceptFailsBeforeFundsMoveOnFloorBreach(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)
	require.NoError(t, pol.AddRule(policy.FloorPriceRule{Floor: 100_000}))

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(50_000), pol)
	require.NoError(t, err)

	_, _, err = trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	assert.ErrorIs(t, err, policy.ErrBelowFloor)

	assert.Equal(t, uint64(0), sellerKiosk.Profits())
	assert.Equal(t, uint64(0), h.balance(t))
	assert.True(t, sellerKiosk.HasItem("art-1"))
	assert.Equal(t, 1, buyerKiosk.Escrow().Len(), "offer stays escrowed")
}

func TestAcceptRequiresAccepterAuthorization(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	_, strangerCap := kiosk.New("mallory")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(1_000), pol)
	require.NoError(t, err)

	_, _, err = trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, strangerCap, "art-1", pol)
	assert.ErrorIs(t, err, trade.ErrNotAuthorized)
}

func TestRevokeOfferRequiresMatchingCapability(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	offerID1, cap1, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(5_000), pol)
	require.NoError(t, err)
	_, cap2, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-2", coin.New(7_000), pol)
	require.NoError(t, err)

	_, err = trade.RevokeOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, cap2, offerID1, "art-1")
	assert.ErrorIs(t, err, trade.ErrCapabilityMismatch)
	assert.Equal(t, 2, buyerKiosk.Escrow().Len())

	refund, err := trade.RevokeOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, cap1, offerID1, "art-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(5_000), refund.Value(), "full escrow returns, fees were never taken")
	assert.Equal(t, 1, buyerKiosk.Escrow().Len())

	// the capability died with the offer
	_, err = trade.RevokeOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, cap1, offerID1, "art-1")
	assert.ErrorIs(t, err, capability.ErrRevoked)
}

func TestDeclineOfferRefundsAndCloses(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, offerCap, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(9_000), pol)
	require.NoError(t, err)

	receipt, err := trade.DeclineOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(9_000), buyerKiosk.Profits(), "escrow refunds into the offerer's kiosk")
	assert.True(t, sellerKiosk.HasItem("art-1"), "the item never moves")
	assert.Equal(t, 0, buyerKiosk.Escrow().Len())
	assert.Equal(t, "alice", receipt.Owner())

	require.NoError(t, h.caps.Close(receipt, offerCap))
	assert.Contains(t, h.emitted.kinds(), events.OfferDeclined)
}

func TestCollectionOfferTypeCheckedBeforeFundsMove(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, gemstone{id: "gem-1"}, gemTag))
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-7"}, artTag))

	offerID, _, err := trade.CollectionOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, coin.New(20_000), pol)
	require.NoError(t, err)

	_, _, err = trade.AcceptCollectionOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "gem-1", pol)
	assert.ErrorIs(t, err, trade.ErrTypeMismatch)
	assert.Equal(t, uint64(0), sellerKiosk.Profits())
	assert.Equal(t, uint64(0), h.balance(t))
	assert.Equal(t, 1, buyerKiosk.Escrow().Len())

	// any item of the declared type satisfies the offer
	w, req, err := trade.AcceptCollectionOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-7", pol)
	require.NoError(t, err)
	assert.Equal(t, uint64(19_600), sellerKiosk.Profits())
	assert.True(t, buyerKiosk.HasItem("art-7"))

	_, _, err = h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	require.NoError(t, err)
}

func TestAcceptLocksItemUnderLockRule(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	pol := policy.New(artTag)
	require.NoError(t, pol.AddRule(policy.LockRule{}))

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(3_000), pol)
	require.NoError(t, err)

	w, req, err := trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.NoError(t, err)

	_, err = buyerKiosk.Take(buyerCap, "art-1")
	assert.ErrorIs(t, err, kiosk.ErrItemLocked)

	_, _, err = h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	require.NoError(t, err)
}

func TestConfirmTwiceFails(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(1_000), pol)
	require.NoError(t, err)
	w, req, err := trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.NoError(t, err)

	_, _, err = h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	require.NoError(t, err)
	_, _, err = h.engine.ConfirmOfferAccepted(ctx, w, req, pol)
	assert.ErrorIs(t, err, policy.ErrAlreadyConfirmed)
}

func TestAcceptUnknownOffer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 0)
	pol := policy.New(artTag)

	buyerKiosk, _ := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	_, _, err := trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, "no-such-offer", sellerKiosk, sellerCap, "art-1", pol)
	assert.ErrorIs(t, err, trade.ErrNotFound)
}

// failingBank quotes a fee rate but rejects every deposit.
type failingBank struct {
	bps uint16
}

func (f failingBank) FeeBps(context.Context, string) (uint16, error) { return f.bps, nil }
func (f failingBank) AddBalance(context.Context, *coin.Coin) error {
	return errors.New("fee store offline")
}

func TestOfferEscrowsRecordWithFeeBreakdown(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	payment := coin.New(50_000)
	offerID, _, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", payment, pol)
	require.NoError(t, err)

	key := kiosk.Key{Kind: trade.KindOffer, ID: offerID, ItemID: "art-1", TypeTag: artTag}
	rec, err := kiosk.Get[*trade.OfferRecord](buyerKiosk.Escrow(), key)
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Owner)
	assert.Equal(t, uint64(50_000), rec.Price)
	assert.Equal(t, uint64(1_000), rec.MarketFee)
	assert.Equal(t, uint64(0), rec.RoyaltyFee)
	assert.Equal(t, uint64(50_000), rec.Escrowed.Value())
}

func TestAcceptFailsWhenRoyaltyOutgrowsReservation(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, offerCap, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(10_000), pol)
	require.NoError(t, err)

	// royalty attached after the offer reserved nothing for it
	require.NoError(t, pol.AddRule(policy.RoyaltyRule{Recipient: "creator", Bps: 500}))

	_, _, err = trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.ErrorIs(t, err, trade.ErrInsufficientFunds)

	assert.True(t, sellerKiosk.HasItem("art-1"))
	assert.Equal(t, uint64(0), sellerKiosk.Profits())
	assert.Equal(t, uint64(0), h.balance(t))
	assert.Equal(t, uint64(0), pol.Collected())

	refund, err := trade.RevokeOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, offerCap, offerID, "art-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), refund.Value(), "escrow never touched")
}

func TestAcceptRejectsDuplicateItemInOfferKiosk(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 200)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, buyerKiosk.Place(buyerCap, artPiece{id: "art-1"}, artTag))
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, offerCap, err := trade.Offer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, "art-1", coin.New(10_000), pol)
	require.NoError(t, err)

	_, _, err = trade.AcceptOffer[artPiece](ctx, h.engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.ErrorIs(t, err, kiosk.ErrDuplicateItem)

	assert.True(t, sellerKiosk.HasItem("art-1"))
	assert.Equal(t, uint64(0), sellerKiosk.Profits())
	assert.Equal(t, uint64(0), h.balance(t))

	refund, err := trade.RevokeOffer[artPiece](ctx, h.engine, buyerKiosk, buyerCap, offerCap, offerID, "art-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), refund.Value())
}

func TestAcceptRollsBackWhenFeeDepositFails(t *testing.T) {
	ctx := context.Background()
	caps, err := capability.NewLedger()
	require.NoError(t, err)
	engine := trade.NewEngine(failingBank{bps: 200}, caps)
	pol := policy.New(artTag)

	buyerKiosk, buyerCap := kiosk.New("alice")
	sellerKiosk, sellerCap := kiosk.New("bob")
	require.NoError(t, sellerKiosk.Place(sellerCap, artPiece{id: "art-1"}, artTag))

	offerID, offerCap, err := trade.Offer[artPiece](ctx, engine, buyerKiosk, buyerCap, "art-1", coin.New(10_000), pol)
	require.NoError(t, err)

	_, _, err = trade.AcceptOffer[artPiece](ctx, engine, buyerKiosk, offerID, sellerKiosk, sellerCap, "art-1", pol)
	require.Error(t, err)

	assert.Equal(t, uint64(0), sellerKiosk.Profits(), "net proceeds returned to escrow")
	assert.False(t, buyerKiosk.HasItem("art-1"))

	// no purchase right left open, the seller can take the item back out
	taken, err := sellerKiosk.Take(sellerCap, "art-1")
	require.NoError(t, err)
	assert.Equal(t, "art-1", taken.ItemID())

	refund, err := trade.RevokeOffer[artPiece](ctx, engine, buyerKiosk, buyerCap, offerCap, offerID, "art-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000), refund.Value(), "full escrow restored")
}
