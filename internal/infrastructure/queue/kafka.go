package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/rail-service/settlement_service/internal/domain/entities"
)

const EventDepositRecorded = "deposit.recorded"

// KafkaConfig holds Kafka connection configuration
type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// DepositRecordedEvent is published once per newly recorded deposit
type DepositRecordedEvent struct {
	Type            string                  `json:"type"`
	RecordID        string                  `json:"record_id"`
	Outcome         entities.DepositOutcome `json:"outcome"`
	TransactionHash string                  `json:"transaction_hash"`
	UserAddress     string                  `json:"user_address"`
	Amount          string                  `json:"amount"`
	Chain           string                  `json:"chain"`
	Token           string                  `json:"token"`
	TrackingID      string                  `json:"tracking_id,omitempty"`
	BlockNumber     uint64                  `json:"block_number"`
	RecordedAt      time.Time               `json:"recorded_at"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DepositPublisher writes deposit events keyed by user address, so one user's
// deposits land on one partition in order.
type DepositPublisher struct {
	writer messageWriter
	logger *zap.Logger
	now    func() time.Time
}

func NewDepositPublisher(config KafkaConfig, logger *zap.Logger) *DepositPublisher {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(config.Brokers...),
		Topic:        config.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	return &DepositPublisher{writer: writer, logger: logger, now: time.Now}
}

// PublishDepositRecorded emits a deposit.recorded event for a newly created record
func (p *DepositPublisher) PublishDepositRecorded(ctx context.Context, result *entities.DepositResult) error {
	if result == nil || result.Record == nil || !result.Created() {
		return nil
	}
	record := result.Record

	event := DepositRecordedEvent{
		Type:            EventDepositRecorded,
		RecordID:        record.ID.String(),
		Outcome:         result.Outcome,
		TransactionHash: record.Hash(),
		UserAddress:     record.UserAddress,
		Amount:          record.AmountIn.String(),
		Chain:           record.Metadata.Chain,
		Token:           record.ToToken,
		TrackingID:      record.Metadata.TrackingID,
		BlockNumber:     record.Metadata.BlockNumber,
		RecordedAt:      p.now().UTC(),
	}
	if record.AmountOut.Valid {
		event.Amount = record.AmountOut.Decimal.String()
	}

	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(record.UserAddress),
		Value: value,
		Time:  event.RecordedAt,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(EventDepositRecorded)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write message to Kafka: %w", err)
	}

	p.logger.Debug("Published deposit event",
		zap.String("tx_hash", event.TransactionHash),
		zap.String("user_address", event.UserAddress))
	return nil
}

func (p *DepositPublisher) Close() error {
	return p.writer.Close()
}
