package repository

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"upibridge/internal/events"
)

// OutboxRow is one queued lifecycle event awaiting publication.
type OutboxRow struct {
	ID        int64
	OrderID   string
	EventType string
	Payload   json.RawMessage
}

type OutboxRepository struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewOutboxRepository(db *sql.DB, logger *zap.Logger) *OutboxRepository {
	return &OutboxRepository{db: db, logger: logger}
}

func (r *OutboxRepository) EnqueueEvent(event events.PaymentEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = r.db.Exec(`
		INSERT INTO payment_event_outbox (order_id, event_type, status, payload)
		VALUES ($1, $2, 'unsent', $3)
	`, event.OrderID, event.EventType, payload)

	if err != nil {
		return fmt.Errorf("failed to enqueue event: %w", err)
	}

	r.logger.Info("Enqueued event",
		zap.String("order_id", event.OrderID),
		zap.String("event_type", event.EventType))
	return nil
}

// GetUnsentEventsForProcessing locks up to limit unsent rows and marks them
// as sending so concurrent publishers never pick up the same event.
func (r *OutboxRepository) GetUnsentEventsForProcessing(limit int) ([]OutboxRow, error) {
	tx, err := r.db.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() // Will be ignored if tx.Commit() succeeds

	rows, err := tx.Query(`
		SELECT id, order_id, event_type, payload
		FROM payment_event_outbox
		WHERE status = 'unsent'
		ORDER BY id
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query unsent events: %w", err)
	}
	defer rows.Close()

	var batch []OutboxRow
	for rows.Next() {
		var row OutboxRow
		if err := rows.Scan(&row.ID, &row.OrderID, &row.EventType, &row.Payload); err != nil {
			return nil, fmt.Errorf("failed to scan outbox row: %w", err)
		}
		batch = append(batch, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating outbox rows: %w", err)
	}

	for _, row := range batch {
		if _, err := tx.Exec(`UPDATE payment_event_outbox SET status = 'sending' WHERE id = $1`, row.ID); err != nil {
			return nil, fmt.Errorf("failed to mark event as sending: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit outbox batch: %w", err)
	}

	return batch, nil
}

func (r *OutboxRepository) MarkEventAsSent(id int64) error {
	_, err := r.db.Exec(`UPDATE payment_event_outbox SET status = 'sent' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as sent: %w", err)
	}
	return nil
}

// MarkEventAsFailed returns the row to 'unsent' so the next publishing pass
// retries it.
func (r *OutboxRepository) MarkEventAsFailed(id int64) error {
	_, err := r.db.Exec(`UPDATE payment_event_outbox SET status = 'unsent' WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark event as failed: %w", err)
	}
	return nil
}
