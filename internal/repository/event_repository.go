package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/clinic-auth-api/internal/models"
)

// EventRepository persists the append-only auth event log.
type EventRepository struct {
	db *sqlx.DB
}

// NewEventRepository creates a new instance of EventRepository.
func NewEventRepository(db *sqlx.DB) *EventRepository {
	return &EventRepository{db: db}
}

// Append stores a new event.
func (r *EventRepository) Append(ctx context.Context, event *models.AuthEvent) error {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if event.Metadata == nil {
		event.Metadata = models.EventMetadata{}
	}
	const query = `INSERT INTO auth_events (id, user_id, kind, fingerprint, metadata, created_at) VALUES (:id, :user_id, :kind, :fingerprint, :metadata, :created_at)`
	if _, err := r.db.NamedExecContext(ctx, query, event); err != nil {
		return fmt.Errorf("append auth event: %w", err)
	}
	return nil
}

// ListByKindSince returns the user's events of the given kind created after
// since, oldest first. Events sharing a timestamp keep insertion order.
func (r *EventRepository) ListByKindSince(ctx context.Context, userID string, kind models.EventKind, since time.Time) ([]models.AuthEvent, error) {
	const query = `SELECT id, user_id, kind, fingerprint, metadata, created_at FROM auth_events WHERE user_id = $1 AND kind = $2 AND created_at > $3 ORDER BY created_at ASC, seq ASC`
	var events []models.AuthEvent
	if err := r.db.SelectContext(ctx, &events, query, userID, kind, since); err != nil {
		return nil, fmt.Errorf("list auth events: %w", err)
	}
	return events, nil
}

// TransitionKind flips one event from one kind to another. The write only
// happens when the event belongs to userID, currently has kind from and was
// created after since; it reports whether a row changed.
func (r *EventRepository) TransitionKind(ctx context.Context, id, userID string, from, to models.EventKind, since time.Time) (bool, error) {
	const query = `UPDATE auth_events SET kind = $4 WHERE id = $1 AND user_id = $2 AND kind = $3 AND created_at > $5`
	res, err := r.db.ExecContext(ctx, query, id, userID, from, to, since)
	if err != nil {
		return false, fmt.Errorf("transition auth event: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition auth event rows: %w", err)
	}
	return affected > 0, nil
}

// TransitionAll flips every matching event of the user and returns the count.
func (r *EventRepository) TransitionAll(ctx context.Context, userID string, from, to models.EventKind, since time.Time) (int64, error) {
	const query = `UPDATE auth_events SET kind = $3 WHERE user_id = $1 AND kind = $2 AND created_at > $4`
	res, err := r.db.ExecContext(ctx, query, userID, from, to, since)
	if err != nil {
		return 0, fmt.Errorf("transition user auth events: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("transition user auth events rows: %w", err)
	}
	return affected, nil
}

// MergeMetadata shallow-merges patch into the event's metadata document.
func (r *EventRepository) MergeMetadata(ctx context.Context, id string, patch models.EventMetadata) error {
	const query = `UPDATE auth_events SET metadata = metadata || $2::jsonb WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, patch); err != nil {
		return fmt.Errorf("merge auth event metadata: %w", err)
	}
	return nil
}
