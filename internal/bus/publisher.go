// Package bus implements C10: the scheduled worker that drains the
// outbox onto the Kafka event bus. Grounded on the projector package's
// Runner loop (same claim/process/mark shape), specialized here for a
// single fixed consumer name ("bus-publisher") and a publish step
// instead of a read-model apply.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/kmassidik/walletledger/internal/common/kafka"
	"github.com/kmassidik/walletledger/internal/common/logger"
	"github.com/kmassidik/walletledger/internal/outbox"
)

// ConsumerName is the outbox claim identity for this worker.
const ConsumerName = "bus-publisher"

// Topic is the primary event topic, per spec.md §4.10.
const Topic = "wallet-events"

// DLQTopic receives events the publisher gives up on (currently
// unused by the publish loop itself — reserved for a future explicit
// poison-message path — but provisioned up front per spec.md §4.10).
const DLQTopic = "wallet-events-dlq"

// Topics describes the provisioning spec EnsureTopics should apply at
// startup.
var Topics = []kafka.TopicSpec{
	{Name: Topic, NumPartitions: 10, RetentionMs: 7 * 24 * 60 * 60 * 1000, Compression: "gzip"},
	{Name: DLQTopic, NumPartitions: 5, RetentionMs: 30 * 24 * 60 * 60 * 1000, Compression: "gzip"},
}

const (
	batchSize    = 100
	pollInterval = 5 * time.Second
)

// Publisher drains the outbox onto Kafka, one batch per tick. It stops
// at the first publish failure so ordering per aggregate key is
// preserved: the messages published before the failure are marked
// processed, and the failed message and the rest of the batch are
// claimed again next tick.
type Publisher struct {
	outbox   *outbox.Store
	producer *kafka.Producer
	logger   *logger.Logger
	running  bool
}

func NewPublisher(outboxStore *outbox.Store, producer *kafka.Producer, log *logger.Logger) *Publisher {
	return &Publisher{outbox: outboxStore, producer: producer, logger: log}
}

// Run polls every 5 seconds until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	p.logger.Infof("bus publisher starting, interval=%s", pollInterval)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("bus publisher stopping")
			return
		case <-ticker.C:
			if err := p.tick(ctx); err != nil {
				p.logger.Errorf("bus publisher tick failed: %v", err)
			}
		}
	}
}

// tick self-guards against overlapping runs the same way recovery
// does, since a slow publish could otherwise overlap the next tick.
func (p *Publisher) tick(ctx context.Context) error {
	if p.running {
		p.logger.Warnf("bus publisher tick skipped: previous tick still running")
		return nil
	}
	p.running = true
	defer func() { p.running = false }()

	batch, err := p.outbox.ClaimBatch(ctx, ConsumerName, batchSize, 0)
	if err != nil {
		return fmt.Errorf("failed to claim outbox batch: %w", err)
	}
	if len(batch) == 0 {
		return nil
	}

	var processedIDs []int64
	for _, msg := range batch {
		headers := map[string]string{
			"event-type":     msg.EventType,
			"aggregate-id":   msg.AggregateID,
			"correlation-id": msg.CorrelationID,
			"causation-id":   msg.CausationID,
		}

		envelope := struct {
			ID            int64           `json:"id"`
			AggregateID   string          `json:"aggregateId"`
			EventType     string          `json:"eventType"`
			EventVersion  int             `json:"eventVersion"`
			Payload       json.RawMessage `json:"payload"`
			Metadata      json.RawMessage `json:"metadata,omitempty"`
			CorrelationID string          `json:"correlationId,omitempty"`
			CausationID   string          `json:"causationId,omitempty"`
			CreatedAt     time.Time       `json:"createdAt"`
		}{
			ID:            msg.ID,
			AggregateID:   msg.AggregateID,
			EventType:     msg.EventType,
			EventVersion:  msg.EventVersion,
			Payload:       msg.Payload,
			Metadata:      msg.Metadata,
			CorrelationID: msg.CorrelationID,
			CausationID:   msg.CausationID,
			CreatedAt:     msg.CreatedAt,
		}

		if err := p.producer.PublishWithHeaders(ctx, Topic, msg.AggregateID, envelope, headers); err != nil {
			p.logger.Errorf("bus publisher failed to publish outbox id %d (aggregate=%s): %v", msg.ID, msg.AggregateID, err)
			break
		}
		processedIDs = append(processedIDs, msg.ID)
	}

	if len(processedIDs) == 0 {
		return nil
	}
	return p.outbox.MarkBatchProcessed(ctx, processedIDs, ConsumerName)
}
