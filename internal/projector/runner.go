// Package projector implements C7: the generic worker loop shared by
// every read-side consumer of the outbox, plus the checkpoint store
// that gives each projector a liveness marker and idempotency guard.
// Grounded on the teacher's background-worker idiom in
// cmd/transaction (a polling loop reading scheduled transactions) —
// generalized here into a reusable runner parameterized by an Apply
// function.
package projector

import (
	"context"
	"time"

	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/outbox"
)

// Apply projects a single outbox message into a read model. It must
// be safe to call more than once for the same message (the checkpoint
// and outbox claim both reduce, but never guarantee zero, duplicate
// delivery).
type Apply func(ctx context.Context, msg outbox.Message) error

// Options configures a projector's polling behavior, per spec.md §4.7.
type Options struct {
	Name           string
	BatchSize      int
	PollInterval   time.Duration
	ErrorBackoff   time.Duration
	MaxRetries     int
}

func DefaultOptions(name string) Options {
	return Options{
		Name:         name,
		BatchSize:    50,
		PollInterval: 500 * time.Millisecond,
		ErrorBackoff: 1 * time.Second,
		MaxRetries:   5,
	}
}

// Runner drives one projector's cooperative, single-threaded poll
// loop. The row locks taken by the outbox's SKIP LOCKED claim last
// only for the claim transaction, so Runner instances sharing the same
// Options.Name (same outbox consumer label) can be handed the same
// rows; the claim does not partition work between them.
type Runner struct {
	outbox      *outbox.Store
	checkpoints *CheckpointStore
	opts        Options
	apply       Apply
	logger      *logger.Logger

	consecutiveErrors int
}

func NewRunner(outboxStore *outbox.Store, checkpoints *CheckpointStore, opts Options, apply Apply, log *logger.Logger) *Runner {
	return &Runner{outbox: outboxStore, checkpoints: checkpoints, opts: opts, apply: apply, logger: log}
}

// Run blocks, polling until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Infof("projector %s starting", r.opts.Name)
	ticker := time.NewTicker(r.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("projector %s stopping", r.opts.Name)
			return
		case <-ticker.C:
			if err := r.tick(ctx); err != nil {
				r.consecutiveErrors++
				r.logger.Errorf("projector %s batch failed (consecutive=%d): %v", r.opts.Name, r.consecutiveErrors, err)
				if r.consecutiveErrors > r.opts.MaxRetries {
					backoff := time.Duration(r.consecutiveErrors) * r.opts.ErrorBackoff
					r.logger.Warnf("projector %s backing off for %s after %d consecutive errors", r.opts.Name, backoff, r.consecutiveErrors)
					select {
					case <-ctx.Done():
						return
					case <-time.After(backoff):
					}
				}
			} else {
				r.consecutiveErrors = 0
			}
		}
	}
}

// tick claims one batch and applies it: CLAIMED -> APPLIED ->
// CHECKPOINTED -> ACK, per the state machine in spec.md §4.7. A
// message that fails apply is neither checkpointed nor acked, so the
// outbox re-offers it on the next tick. Messages after it in the batch
// are applied and acked but do not advance the checkpoint, so the
// re-offered message is not taken for already processed.
func (r *Runner) tick(ctx context.Context) error {
	batch, err := r.outbox.ClaimBatch(ctx, r.opts.Name, r.opts.BatchSize, 0)
	if err != nil {
		return err
	}
	if len(batch) == 0 {
		return nil
	}

	checkpoint, err := r.checkpoints.Get(ctx, r.opts.Name)
	if err != nil {
		return err
	}

	var processedIDs []int64
	failed := false
	for _, msg := range batch {
		if checkpoint.AlreadyProcessed(msg.ID, msg.AggregateID, msg.EventVersion) {
			processedIDs = append(processedIDs, msg.ID)
			continue
		}

		if err := r.apply(ctx, msg); err != nil {
			r.logger.Errorf("projector %s failed to apply outbox id %d (aggregate=%s type=%s): %v",
				r.opts.Name, msg.ID, msg.AggregateID, msg.EventType, err)
			failed = true
			continue
		}

		if !failed {
			checkpoint.AggregateID = msg.AggregateID
			checkpoint.LastProcessedVersion = msg.EventVersion
			checkpoint.LastProcessedID = msg.ID
			if err := r.checkpoints.Save(ctx, checkpoint); err != nil {
				return err
			}
		}
		processedIDs = append(processedIDs, msg.ID)
	}

	if len(processedIDs) == 0 {
		return nil
	}
	return r.outbox.MarkBatchProcessed(ctx, processedIDs, r.opts.Name)
}
