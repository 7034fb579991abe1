package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sanghaapp/sangha-events/internal/model"
)

const purchaseColumns = `id, workshop_id, user_id, payment_intent_id, status,
	purchased_at, expires_at, created_at`

// ArchiveRepository handles persistence for archive purchases.
type ArchiveRepository struct {
	db *pgxpool.Pool
}

// NewArchiveRepository constructs an ArchiveRepository.
func NewArchiveRepository(db *pgxpool.Pool) *ArchiveRepository {
	return &ArchiveRepository{db: db}
}

func scanPurchase(row pgx.Row) (*model.ArchivePurchase, error) {
	var p model.ArchivePurchase
	err := row.Scan(
		&p.ID, &p.WorkshopID, &p.UserID, &p.PaymentIntentID, &p.Status,
		&p.PurchasedAt, &p.ExpiresAt, &p.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan archive purchase: %w", err)
	}
	return &p, nil
}

// CreatePending records a purchase awaiting payment confirmation.
func (r *ArchiveRepository) CreatePending(ctx context.Context, workshopID, userID, intentID string) (*model.ArchivePurchase, error) {
	p := &model.ArchivePurchase{
		ID:              uuid.New().String(),
		WorkshopID:      workshopID,
		UserID:          userID,
		PaymentIntentID: intentID,
		Status:          model.ArchivePurchasePending,
		CreatedAt:       time.Now().UTC(),
	}
	_, err := r.db.Exec(ctx,
		`INSERT INTO archive_purchases (id, workshop_id, user_id, payment_intent_id, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		p.ID, p.WorkshopID, p.UserID, p.PaymentIntentID, p.Status, p.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert archive purchase: %w", err)
	}
	return p, nil
}

// GetByIntent returns the purchase holding a payment intent.
func (r *ArchiveRepository) GetByIntent(ctx context.Context, intentID string) (*model.ArchivePurchase, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+purchaseColumns+` FROM archive_purchases WHERE payment_intent_id = $1`,
		intentID,
	)
	return scanPurchase(row)
}

// Complete marks a pending purchase paid and freezes its expiry. The
// conditional state in the WHERE clause makes a replayed confirmation a
// no-op: the first completion's expiry is never overwritten.
func (r *ArchiveRepository) Complete(ctx context.Context, purchaseID string, expiresAt *time.Time) error {
	_, err := r.db.Exec(ctx,
		`UPDATE archive_purchases
		 SET status = 'completed', purchased_at = NOW(), expires_at = $2
		 WHERE id = $1 AND status = 'pending'`,
		purchaseID, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("complete archive purchase: %w", err)
	}
	return nil
}

// GetCompleted returns the user's completed purchase for a workshop.
func (r *ArchiveRepository) GetCompleted(ctx context.Context, workshopID, userID string) (*model.ArchivePurchase, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+purchaseColumns+`
		 FROM archive_purchases
		 WHERE workshop_id = $1 AND user_id = $2 AND status = 'completed'
		 ORDER BY purchased_at DESC
		 LIMIT 1`,
		workshopID, userID,
	)
	return scanPurchase(row)
}
