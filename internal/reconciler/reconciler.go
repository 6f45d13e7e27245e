package reconciler

import (
	"encoding/json"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/kafka"
	"go.uber.org/zap"

	"upibridge/internal/events"
	"upibridge/internal/model"
	"upibridge/internal/repository"
)

// Reconciler consumes payment lifecycle events and materializes
// reconciliation entries: every confirmed deposit stays visible as
// payout_pending until its payment completes, and a failed payout is parked
// in manual_review with the matched transaction hash and amounts so an
// operator can settle it by hand.
type Reconciler struct {
	logger        *zap.Logger
	kafkaConsumer *kafka.Consumer
	entries       *repository.ReconciliationRepository
	kafkaTopic    string
}

func NewReconciler(kafkaBroker, kafkaTopic string, logger *zap.Logger, entries *repository.ReconciliationRepository) (*Reconciler, error) {
	// Setup Kafka consumer
	consumer, err := kafka.NewConsumer(&kafka.ConfigMap{
		"bootstrap.servers": kafkaBroker,
		"group.id":          "payment-reconciler",
		"auto.offset.reset": "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka consumer: %w", err)
	}

	return &Reconciler{
		logger:        logger,
		kafkaConsumer: consumer,
		entries:       entries,
		kafkaTopic:    kafkaTopic,
	}, nil
}

func (r *Reconciler) Start() error {
	r.logger.Info("Starting payment reconciler...")

	err := r.kafkaConsumer.Subscribe(r.kafkaTopic, nil)
	if err != nil {
		return fmt.Errorf("failed to subscribe to topic %s: %w", r.kafkaTopic, err)
	}

	for {
		msg, err := r.kafkaConsumer.ReadMessage(-1)
		if err != nil {
			r.logger.Error("Error reading message from Kafka", zap.Error(err))
			continue
		}

		if err := r.processMessage(msg); err != nil {
			r.logger.Error("Error processing message",
				zap.String("topic", *msg.TopicPartition.Topic),
				zap.Int32("partition", msg.TopicPartition.Partition),
				zap.String("key", string(msg.Key)),
				zap.Error(err))
		}
	}
}

func (r *Reconciler) processMessage(msg *kafka.Message) error {
	var event events.PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return fmt.Errorf("failed to unmarshal payment event: %w", err)
	}

	r.logger.Info("Processing payment event",
		zap.String("event_type", event.EventType),
		zap.String("order_id", event.OrderID),
		zap.String("status", event.Status))

	entry := repository.ReconciliationEntry{
		OrderID:       event.OrderID,
		DepositTxHash: event.DepositTxHash,
		DepositAmount: event.DepositAmount,
		FiatAmount:    event.FiatAmount,
		Currency:      event.Currency,
		RecipientVPA:  event.RecipientVPA,
		ProviderRef:   event.ProviderRef,
		ErrorReason:   event.ErrorReason,
	}

	switch event.EventType {
	case events.TypeDepositConfirmed:
		entry.State = repository.ReconStatePayoutPending
	case events.TypePaymentCompleted:
		entry.State = repository.ReconStateSettled
	case events.TypePaymentFailed:
		// Only a payout failure leaves a consumed deposit behind; other
		// failures never reached deposit confirmation.
		if event.ErrorKind != model.ErrKindPayoutGateway {
			return nil
		}
		entry.State = repository.ReconStateManualReview
	default:
		return nil
	}

	return r.entries.UpsertEntry(entry)
}

func (r *Reconciler) Close() error {
	if r.kafkaConsumer != nil {
		return r.kafkaConsumer.Close()
	}
	return nil
}
