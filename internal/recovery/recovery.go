// Package recovery implements C9: periodic and on-demand repair of
// drift between the event log, the outbox, and the read models it
// feeds. Grounded on the projector package's polling idiom (Runner)
// but self-guarded with a single in-flight flag rather than a
// checkpoint, since recovery's job is precisely to act when the
// checkpointed consumers have gotten stuck.
package recovery

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/eventlog"
	"github.com/kmassidik/walletledger/internal/outbox"
	"github.com/kmassidik/walletledger/internal/readmodel"
	"github.com/kmassidik/walletledger/internal/wallet"
	"github.com/kmassidik/walletledger/internal/writeside"
)

// staleAfter is the age at which an unprocessed outbox row is
// considered stuck, per spec.md §4.9.
const staleAfter = 5 * time.Minute

// driftTolerance is the maximum acceptable absolute difference between
// the write-side and read-model balances before a wallet is reported
// as drifted.
const driftTolerance = 1

// Stats is the snapshot returned by GetStats.
type Stats struct {
	StaleEvents         int
	OldestStaleEventAge time.Duration
	UnprocessedEvents   int
}

// RebuildResult tallies a rebuildAllReadModels pass.
type RebuildResult struct {
	Rebuilt int
	Failed  int
}

// DriftReport describes one wallet whose write-side and read-model
// balances have diverged, or that is entirely missing from the read
// model.
type DriftReport struct {
	WalletID      string
	WriteBalance  int64
	ReadBalance   int64
	ReadModelGone bool
}

// Service runs the recovery operations against the same stores the
// command and projector paths use.
type Service struct {
	outbox    *outbox.Store
	eventlog  *eventlog.Store
	wallets   *readmodel.WalletRepository
	writeSide *writeside.Repository
	logger    *logger.Logger
	running   atomic.Bool
}

func NewService(
	outboxStore *outbox.Store,
	eventlogStore *eventlog.Store,
	wallets *readmodel.WalletRepository,
	writeSide *writeside.Repository,
	log *logger.Logger,
) *Service {
	return &Service{
		outbox:    outboxStore,
		eventlog:  eventlogStore,
		wallets:   wallets,
		writeSide: writeSide,
		logger:    log,
	}
}

// Run polls every 5 minutes until ctx is cancelled, self-skipping a
// tick if the previous one is still in flight.
func (s *Service) Run(ctx context.Context) {
	s.logger.Infof("recovery service starting, interval=%s", staleAfter)
	ticker := time.NewTicker(staleAfter)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Infof("recovery service stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce executes one full recovery pass: retry stale events, then
// rebuild any wallet the drift check flags. It is a no-op, logged at
// Warn, if a previous pass is still running.
func (s *Service) RunOnce(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warnf("recovery pass skipped: previous pass still running")
		return
	}
	defer s.running.Store(false)

	reset, err := s.RetryStaleEvents(ctx)
	if err != nil {
		s.logger.Errorf("recovery: retry stale events failed: %v", err)
	} else if reset > 0 {
		s.logger.Infof("recovery: reset %d stale outbox rows for re-claim", reset)
	}

	drift, err := s.DetectDataDrift(ctx)
	if err != nil {
		s.logger.Errorf("recovery: drift detection failed: %v", err)
		return
	}
	if len(drift) == 0 {
		return
	}

	s.logger.Warnf("recovery: %d wallets drifted, rebuilding read models", len(drift))
	for _, d := range drift {
		if err := s.RebuildWalletReadModel(ctx, d.WalletID); err != nil {
			s.logger.Errorf("recovery: rebuild of wallet %s failed: %v", d.WalletID, err)
		}
	}
}

// RetryStaleEvents clears the consumer column on outbox rows that
// have sat unprocessed for longer than staleAfter, so any replica may
// re-claim them.
func (s *Service) RetryStaleEvents(ctx context.Context) (int64, error) {
	return s.outbox.ResetStale(ctx, staleAfter)
}

// ForceReprocessUnprocessed clears the consumer column on every
// unprocessed row, regardless of age. An on-demand operator action,
// not part of the scheduled pass.
func (s *Service) ForceReprocessUnprocessed(ctx context.Context) (int64, error) {
	return s.outbox.ResetStale(ctx, 0)
}

// RebuildWalletReadModel replays a wallet's stream from version 0 and
// upserts the resulting state directly into the read model, bypassing
// the projector/outbox path entirely.
func (s *Service) RebuildWalletReadModel(ctx context.Context, id string) error {
	events, err := s.eventlog.ReadStream(ctx, id)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}

	history := make([]wallet.HistoryEvent, len(events))
	for i, e := range events {
		history[i] = wallet.HistoryEvent{Version: e.Version, EventType: e.EventType, Payload: e.Payload}
	}
	w, err := wallet.Rehydrate(id, history)
	if err != nil {
		return err
	}

	snap := w.Snapshot()
	if err := s.wallets.Create(ctx, snap.ID, snap.OwnerID, 0, snap.CreatedAt); err != nil {
		return err
	}
	return s.wallets.AdjustBalance(ctx, snap.ID, snap.Balance, snap.Version, snap.UpdatedAt)
}

// RebuildAllReadModels iterates every wallet known to the write-side
// mirror and rebuilds each in turn, tolerating individual failures.
func (s *Service) RebuildAllReadModels(ctx context.Context) (RebuildResult, error) {
	ids, err := s.writeSide.ListIDs(ctx)
	if err != nil {
		return RebuildResult{}, err
	}

	var result RebuildResult
	for _, id := range ids {
		if err := s.RebuildWalletReadModel(ctx, id); err != nil {
			s.logger.Errorf("recovery: failed to rebuild wallet %s: %v", id, err)
			result.Failed++
			continue
		}
		result.Rebuilt++
	}
	return result, nil
}

// DetectDataDrift compares every write-side wallet against its
// read-model counterpart, reporting any whose balances differ by more
// than driftTolerance or that are absent from the read model
// entirely.
func (s *Service) DetectDataDrift(ctx context.Context) ([]DriftReport, error) {
	ids, err := s.writeSide.ListIDs(ctx)
	if err != nil {
		return nil, err
	}

	var reports []DriftReport
	for _, id := range ids {
		write, err := s.writeSide.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if write == nil {
			continue
		}

		read, err := s.wallets.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if read == nil {
			reports = append(reports, DriftReport{WalletID: id, WriteBalance: write.Balance, ReadModelGone: true})
			continue
		}

		diff := write.Balance - read.Balance
		if diff < 0 {
			diff = -diff
		}
		if diff > driftTolerance {
			reports = append(reports, DriftReport{WalletID: id, WriteBalance: write.Balance, ReadBalance: read.Balance})
		}
	}
	return reports, nil
}

// GetStats summarizes the outbox backlog for the recovery status
// endpoint.
func (s *Service) GetStats(ctx context.Context) (Stats, error) {
	unprocessed, err := s.outbox.GetUnprocessedCount(ctx, "")
	if err != nil {
		return Stats{}, err
	}
	lag, err := s.outbox.GetOutboxLag(ctx)
	if err != nil {
		return Stats{}, err
	}
	stale, err := s.outbox.GetStaleCount(ctx, staleAfter)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		StaleEvents:         stale,
		OldestStaleEventAge: lag,
		UnprocessedEvents:   unprocessed,
	}, nil
}
