package projector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/readmodel"
	"github.com/kmassidik/walletledger/internal/wallet"
)

const (
	EntryTypeCredit      = "CREDIT"
	EntryTypeDebit       = "DEBIT"
	EntryTypeTransferIn  = "TRANSFER_IN"
	EntryTypeTransferOut = "TRANSFER_OUT"
)

// NewLedgerApply builds the ledger projector: it inserts one entry per
// balance-changing event, with balanceBefore/balanceAfter computed
// from the latest existing entry plus the event's delta. A credit or
// debit carrying RelatedWalletID originated from Transfer and is
// recorded as TRANSFER_IN/TRANSFER_OUT rather than plain CREDIT/DEBIT,
// per the Open Question decision recorded in SPEC_FULL.md §9 — the
// transaction type is carried explicitly on the event, never inferred
// from the description field.
func NewLedgerApply(repo *readmodel.LedgerRepository, log *logger.Logger) Apply {
	return func(ctx context.Context, msg outbox.Message) error {
		switch msg.EventType {
		case wallet.EventWalletCreated:
			var ev wallet.WalletCreated
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletCreated: %w", err)
			}
			if ev.InitialBalance == 0 {
				return nil
			}
			return repo.Insert(ctx, &readmodel.LedgerEntry{
				WalletID:      msg.AggregateID,
				EntryType:     EntryTypeCredit,
				AmountMinor:   ev.InitialBalance,
				BalanceBefore: 0,
				BalanceAfter:  ev.InitialBalance,
				Description:   "initial balance",
				ReferenceID:   referenceID(msg),
				Metadata:      msg.Metadata,
			})

		case wallet.EventWalletCredited:
			var ev wallet.WalletCredited
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletCredited: %w", err)
			}
			before, _, err := repo.LatestBalance(ctx, msg.AggregateID)
			if err != nil {
				return err
			}
			entryType := EntryTypeCredit
			if ev.RelatedWalletID != "" {
				entryType = EntryTypeTransferIn
			}
			return repo.Insert(ctx, &readmodel.LedgerEntry{
				WalletID:        msg.AggregateID,
				EntryType:       entryType,
				AmountMinor:     ev.AmountMinor,
				BalanceBefore:   before,
				BalanceAfter:    before + ev.AmountMinor,
				Description:     ev.Description,
				ReferenceID:     referenceID(msg),
				RelatedWalletID: ev.RelatedWalletID,
				Metadata:        msg.Metadata,
			})

		case wallet.EventWalletDebited:
			var ev wallet.WalletDebited
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletDebited: %w", err)
			}
			before, _, err := repo.LatestBalance(ctx, msg.AggregateID)
			if err != nil {
				return err
			}
			entryType := EntryTypeDebit
			if ev.RelatedWalletID != "" {
				entryType = EntryTypeTransferOut
			}
			return repo.Insert(ctx, &readmodel.LedgerEntry{
				WalletID:        msg.AggregateID,
				EntryType:       entryType,
				AmountMinor:     ev.AmountMinor,
				BalanceBefore:   before,
				BalanceAfter:    before - ev.AmountMinor,
				Description:     ev.Description,
				ReferenceID:     referenceID(msg),
				RelatedWalletID: ev.RelatedWalletID,
				Metadata:        msg.Metadata,
			})

		default:
			log.Debugf("ledger projector: ignoring unknown event type %s", msg.EventType)
			return nil
		}
	}
}

// referenceID uses the outbox message's own unique id, falling back to
// a deterministic composite key if it is ever zero (defensive only;
// outbox ids are never zero in practice since the sequence starts at 1).
func referenceID(msg outbox.Message) string {
	if msg.ID != 0 {
		return fmt.Sprintf("outbox-%d", msg.ID)
	}
	return fmt.Sprintf("%s-%s-%d", msg.AggregateID, msg.EventType, msg.CreatedAt.UnixNano())
}
