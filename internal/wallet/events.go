package wallet

// Event type tags, per spec.md §3.
const (
	EventWalletCreated  = "WalletCreated"
	EventWalletCredited = "WalletCredited"
	EventWalletDebited  = "WalletDebited"
)

// WalletCreated is emitted once, by Create.
type WalletCreated struct {
	OwnerID        string `json:"ownerId"`
	InitialBalance int64  `json:"initialBalance"`
}

// WalletCredited is emitted by Credit. AmountMinor is always > 0.
// RelatedWalletID is set only when the credit originates from a
// transfer, naming the wallet the funds moved from; the ledger
// projector uses its presence to distinguish TRANSFER_IN from a plain
// CREDIT entry (SPEC_FULL.md §9).
type WalletCredited struct {
	AmountMinor     int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	RelatedWalletID string `json:"relatedWalletId,omitempty"`
}

// WalletDebited is emitted by Debit. AmountMinor is always > 0.
// RelatedWalletID is set only when the debit originates from a
// transfer, naming the wallet the funds moved to; the ledger projector
// uses its presence to distinguish TRANSFER_OUT from a plain DEBIT
// entry (SPEC_FULL.md §9).
type WalletDebited struct {
	AmountMinor     int64  `json:"amount"`
	Description     string `json:"description,omitempty"`
	RelatedWalletID string `json:"relatedWalletId,omitempty"`
}

// PendingEvent pairs an event payload with its type tag, staged for
// append but not yet persisted.
type PendingEvent struct {
	EventType     string
	Payload       interface{}
	CorrelationID string
	CausationID   string
}
