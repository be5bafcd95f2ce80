package policy

// TransferRequest is the hot-potato value opened by a kiosk purchase. It
// cannot be stored or silently dropped by well-typed code: all state is
// unexported, the only constructor is the kiosk host primitive, and the only
// way to finish with one is TransferPolicy.Confirm, which fails while any
// attached rule is undischarged. An operation that abandons a request has
// committed nothing, so abandonment aborts the whole operation rather than
// leaving a half-settled trade.
type TransferRequest struct {
	itemID   string
	itemType string
	from     string // kiosk the item was purchased out of
	paid     uint64 // realized price
	proofs   map[string]struct{}
	consumed bool
}

// NewRequest opens a transfer request. Host primitive: only kiosks should
// construct requests, as part of PurchaseWithCap.
func NewRequest(itemID, itemType, fromKiosk string, paid uint64) *TransferRequest {
	return &TransferRequest{
		itemID:   itemID,
		itemType: itemType,
		from:     fromKiosk,
		paid:     paid,
		proofs:   make(map[string]struct{}),
	}
}

// ItemID returns the purchased item's id.
func (r *TransferRequest) ItemID() string { return r.itemID }

// ItemType returns the purchased item's type tag.
func (r *TransferRequest) ItemType() string { return r.itemType }

// From returns the id of the kiosk the item left.
func (r *TransferRequest) From() string { return r.from }

// Paid returns the realized purchase price.
func (r *TransferRequest) Paid() uint64 { return r.paid }

// Consumed reports whether the request has been confirmed.
func (r *TransferRequest) Consumed() bool { return r.consumed }

func (r *TransferRequest) discharge(rule string) {
	r.proofs[rule] = struct{}{}
}

func (r *TransferRequest) proven(rule string) bool {
	_, ok := r.proofs[rule]
	return ok
}
