package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// WebhookRepository records processed provider deliveries so the
// at-least-once webhook channel can be deduplicated.
type WebhookRepository struct {
	db *pgxpool.Pool
}

// NewWebhookRepository constructs a WebhookRepository.
func NewWebhookRepository(db *pgxpool.Pool) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Seen reports whether a delivery id is already in the processed log.
func (r *WebhookRepository) Seen(ctx context.Context, deliveryID string) (bool, error) {
	var seen bool
	err := r.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM webhook_events WHERE delivery_id = $1)`,
		deliveryID,
	).Scan(&seen)
	if err != nil {
		return false, fmt.Errorf("check webhook delivery: %w", err)
	}
	return seen, nil
}

// MarkProcessed records a delivery id. Returns false when the delivery was
// seen before; the primary-key conflict is the dedup mechanism, so two
// concurrent deliveries of the same id resolve to exactly one true.
func (r *WebhookRepository) MarkProcessed(ctx context.Context, deliveryID, eventType string) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`INSERT INTO webhook_events (delivery_id, event_type, processed_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (delivery_id) DO NOTHING`,
		deliveryID, eventType,
	)
	if err != nil {
		return false, fmt.Errorf("record webhook delivery: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
