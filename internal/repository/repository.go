// Package repository implements all database queries for the participation
// core. It uses pgx directly (no ORM) for transparency and performance.
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

// ErrNotFound is returned when a requested resource does not exist.
var ErrNotFound = errors.New("not found")

// ErrCapacityExceeded is returned when an event has no remaining slots.
var ErrCapacityExceeded = errors.New("event is full")

// ErrAlreadyAttending is returned when the user already holds a slot.
var ErrAlreadyAttending = errors.New("already attending this event")

const eventColumns = `id, title, description, starts_at, ends_at, fee, currency,
	max_participants, created_by, cancelled, online, location,
	is_recorded, archive_expires_at, archive_price, created_at, updated_at`

// EventRepository handles persistence for events and workshops.
type EventRepository struct {
	db *pgxpool.Pool
}

// NewEventRepository constructs an EventRepository.
func NewEventRepository(db *pgxpool.Pool) *EventRepository {
	return &EventRepository{db: db}
}

// Create inserts a new event and returns it with a generated UUID.
func (r *EventRepository) Create(ctx context.Context, req model.CreateEventRequest, creatorID string) (*model.Event, error) {
	now := time.Now().UTC()
	event := &model.Event{
		ID:               uuid.New().String(),
		Title:            req.Title,
		Description:      req.Description,
		StartsAt:         req.StartsAt,
		EndsAt:           req.EndsAt,
		Fee:              req.Fee,
		Currency:         req.Currency,
		MaxParticipants:  req.MaxParticipants,
		CreatedBy:        creatorID,
		Online:           req.Online,
		Location:         req.Location,
		IsRecorded:       req.IsRecorded,
		ArchiveExpiresAt: req.ArchiveExpiry,
		ArchivePrice:     req.ArchivePrice,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	_, err := r.db.Exec(ctx,
		`INSERT INTO events (`+eventColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		event.ID, event.Title, event.Description, event.StartsAt, event.EndsAt,
		event.Fee, event.Currency, event.MaxParticipants, event.CreatedBy,
		event.Cancelled, event.Online, event.Location, event.IsRecorded,
		event.ArchiveExpiresAt, event.ArchivePrice, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return event, nil
}

func scanEvent(row pgx.Row) (*model.Event, error) {
	var e model.Event
	err := row.Scan(
		&e.ID, &e.Title, &e.Description, &e.StartsAt, &e.EndsAt, &e.Fee,
		&e.Currency, &e.MaxParticipants, &e.CreatedBy, &e.Cancelled,
		&e.Online, &e.Location, &e.IsRecorded, &e.ArchiveExpiresAt,
		&e.ArchivePrice, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan event: %w", err)
	}
	return &e, nil
}

// GetByID returns a single event or ErrNotFound.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*model.Event, error) {
	row := r.db.QueryRow(ctx, `SELECT `+eventColumns+` FROM events WHERE id = $1`, id)
	return scanEvent(row)
}

// ListUpcoming returns non-cancelled events that have not ended yet.
func (r *EventRepository) ListUpcoming(ctx context.Context) ([]model.Event, error) {
	rows, err := r.db.Query(ctx,
		`SELECT `+eventColumns+`
		 FROM events
		 WHERE cancelled = FALSE AND ends_at > NOW()
		 ORDER BY starts_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// MarkCancelled flags the event as cancelled.
func (r *EventRepository) MarkCancelled(ctx context.Context, id string) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE events SET cancelled = TRUE, updated_at = NOW() WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("cancel event: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
