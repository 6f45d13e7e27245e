package publisher

import (
	"fmt"
	"sync"
	"time"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"upibridge/internal/repository"
)

// EventPublisher drains the payment event outbox into Kafka. Rows that fail
// to publish are returned to the queue and retried on the next pass.
type EventPublisher struct {
	logger        *zap.Logger
	kafkaProducer *kafka.Producer
	kafkaTopic    string
	outbox        *repository.OutboxRepository
	mu            sync.Mutex // Protects concurrent access to publishing operations
}

func NewEventPublisher(kafkaBroker, kafkaTopic string, logger *zap.Logger, outbox *repository.OutboxRepository) (*EventPublisher, error) {
	// Setup Kafka producer
	producer, err := kafka.NewProducer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"acks":              "all",
		"retries":           3,
		"retry.backoff.ms":  100,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka producer: %w", err)
	}

	return &EventPublisher{
		logger:        logger,
		kafkaProducer: producer,
		kafkaTopic:    kafkaTopic,
		outbox:        outbox,
	}, nil
}

func (ep *EventPublisher) StartPublishing() {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()

	for range ticker.C {
		if err := ep.publishUnsentEvents(); err != nil {
			ep.logger.Error("Error publishing events to Kafka", zap.Error(err))
		}
	}
}

func (ep *EventPublisher) publishUnsentEvents() error {
	// Use mutex to ensure only one publishing operation at a time per instance
	ep.mu.Lock()
	defer ep.mu.Unlock()

	rows, err := ep.outbox.GetUnsentEventsForProcessing(100)
	if err != nil {
		return err
	}

	successCount := 0
	for _, row := range rows {
		if err := ep.publishEventToKafka(row); err != nil {
			ep.logger.Error("Failed to publish event to Kafka",
				zap.Int64("outbox_id", row.ID),
				zap.String("order_id", row.OrderID),
				zap.String("event_type", row.EventType),
				zap.Error(err))
			if markErr := ep.outbox.MarkEventAsFailed(row.ID); markErr != nil {
				ep.logger.Error("Failed to mark event as failed", zap.Int64("outbox_id", row.ID), zap.Error(markErr))
			}
			continue
		}

		if err := ep.outbox.MarkEventAsSent(row.ID); err != nil {
			ep.logger.Error("Failed to mark event as sent", zap.Int64("outbox_id", row.ID), zap.Error(err))
			// Note: Event was successfully published but marking failed - this could lead to duplicate sends
		} else {
			successCount++
		}
	}

	if successCount > 0 {
		ep.logger.Info("Published events to Kafka", zap.Int("success_count", successCount), zap.Int("attempted", len(rows)))
	}

	return nil
}

func (ep *EventPublisher) publishEventToKafka(row repository.OutboxRow) error {
	// Publish to Kafka
	deliveryChan := make(chan kafka.Event)
	defer close(deliveryChan)

	err := ep.kafkaProducer.Produce(&kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &ep.kafkaTopic, Partition: kafka.PartitionAny},
		Key:            []byte(row.OrderID), // Order ID as key keeps a payment's events in one partition
		Value:          row.Payload,
	}, deliveryChan)

	if err != nil {
		return err
	}

	// Wait for delivery confirmation
	e := <-deliveryChan
	switch ev := e.(type) {
	case *kafka.Message:
		if ev.TopicPartition.Error != nil {
			return ev.TopicPartition.Error
		}
		return nil
	default:
		return fmt.Errorf("unexpected kafka event type: %T", e)
	}
}

func (ep *EventPublisher) Close() error {
	if ep.kafkaProducer != nil {
		ep.kafkaProducer.Close()
	}
	return nil
}
