package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventRepo appends to the user_events and knowledge_access_logs streams.
// Both are append-only; pruning is an operator concern.
type EventRepo struct {
	pool *pgxpool.Pool
}

func NewEventRepo(pool *pgxpool.Pool) *EventRepo {
	return &EventRepo{pool: pool}
}

// InsertUserEvent appends a user event. UserID may be nil (e.g. failed login
// against an unknown identifier).
func (r *EventRepo) InsertUserEvent(ctx context.Context, e *UserEvent) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_events (id, user_id, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		e.ID, e.UserID, e.Type, e.Payload, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert user event: %w", err)
	}
	return nil
}

// ListRecentUserEvents returns a user's events, most recent first.
func (r *EventRepo) ListRecentUserEvents(ctx context.Context, userID string, limit int) ([]*UserEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.pool.Query(ctx, `
		SELECT id, user_id, type, payload, created_at
		FROM user_events
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list user events: %w", err)
	}
	defer rows.Close()

	var out []*UserEvent
	for rows.Next() {
		var e UserEvent
		if err := rows.Scan(&e.ID, &e.UserID, &e.Type, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan user event: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

// InsertKnowledgeAccess records an authorization decision.
func (r *EventRepo) InsertKnowledgeAccess(ctx context.Context, l *KnowledgeAccessLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO knowledge_access_logs (id, user_id, resource_type, resource_id, action, allowed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		l.ID, l.UserID, l.ResourceType, l.ResourceID, l.Action, l.Allowed, l.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert knowledge access log: %w", err)
	}
	return nil
}
