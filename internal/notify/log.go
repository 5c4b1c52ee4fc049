package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresLog persists events to the training_events table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

// NewPostgresLog creates an event log writing to pool.
func NewPostgresLog(pool *pgxpool.Pool) *PostgresLog {
	return &PostgresLog{pool: pool}
}

func (l *PostgresLog) Handle(ctx context.Context, e Event) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("event log pool is nil")
	}
	if e.Type == "" {
		return fmt.Errorf("event type is required")
	}

	payload := e.Data
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	var courseID any
	if e.CourseID > 0 {
		courseID = e.CourseID
	}

	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	if _, err := l.pool.Exec(ctx,
		`INSERT INTO training_events (event_type, user_id, course_id, data, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		e.Type, e.UserID, courseID, string(data), createdAt,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	slog.Debug("event logged", "type", e.Type, "user_id", e.UserID, "course_id", e.CourseID)
	return nil
}
