package projector

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/readmodel"
	"github.com/kmassidik/walletledger/internal/wallet"
)

// NewWalletReadModelApply builds the read-model projector: it upserts
// a wallet row for WalletCreated and adjusts balance by +/-amount on
// Credited/Debited, per spec.md §4.7.
func NewWalletReadModelApply(repo *readmodel.WalletRepository, log *logger.Logger) Apply {
	return func(ctx context.Context, msg outbox.Message) error {
		switch msg.EventType {
		case wallet.EventWalletCreated:
			var ev wallet.WalletCreated
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletCreated: %w", err)
			}
			return repo.Create(ctx, msg.AggregateID, ev.OwnerID, ev.InitialBalance, msg.CreatedAt)

		case wallet.EventWalletCredited:
			var ev wallet.WalletCredited
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletCredited: %w", err)
			}
			err := repo.AdjustBalance(ctx, msg.AggregateID, ev.AmountMinor, msg.EventVersion+1, msg.CreatedAt)
			if err == sql.ErrNoRows {
				log.Warnf("read-model projector: wallet %s missing on credit, dropping update", msg.AggregateID)
				return nil
			}
			return err

		case wallet.EventWalletDebited:
			var ev wallet.WalletDebited
			if err := json.Unmarshal(msg.Payload, &ev); err != nil {
				return fmt.Errorf("failed to unmarshal WalletDebited: %w", err)
			}
			err := repo.AdjustBalance(ctx, msg.AggregateID, -ev.AmountMinor, msg.EventVersion+1, msg.CreatedAt)
			if err == sql.ErrNoRows {
				log.Warnf("read-model projector: wallet %s missing on debit, dropping update", msg.AggregateID)
				return nil
			}
			return err

		default:
			log.Debugf("read-model projector: ignoring unknown event type %s", msg.EventType)
			return nil
		}
	}
}
