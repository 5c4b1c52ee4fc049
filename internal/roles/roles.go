// Package roles grants roles in response to training events.
package roles

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/p-n-ai/pai-training/internal/notify"
)

const (
	// RoleTrained is granted once a user has completed every assigned course.
	RoleTrained = "trained"

	dbTimeout = 5 * time.Second
)

// Store persists user roles. Grant is idempotent.
type Store interface {
	Grant(ctx context.Context, userID int64, role string) (bool, error)
	Roles(ctx context.Context, userID int64) ([]string, error)
}

// Assigner is a notify.Subscriber granting a role on training completion.
type Assigner struct {
	store Store
	role  string
}

// NewAssigner creates an assigner granting role. An empty role uses RoleTrained.
func NewAssigner(store Store, role string) *Assigner {
	if role == "" {
		role = RoleTrained
	}
	return &Assigner{store: store, role: role}
}

func (a *Assigner) Handle(ctx context.Context, e notify.Event) error {
	if e.Type != notify.EventTrainingStatusChanged {
		return nil
	}
	if e.UserID <= 0 {
		return errors.New("event has no user")
	}
	granted, err := a.store.Grant(ctx, e.UserID, a.role)
	if err != nil {
		return fmt.Errorf("grant %s: %w", a.role, err)
	}
	if granted {
		slog.Info("role granted", "user_id", e.UserID, "role", a.role)
	}
	return nil
}

// MemoryStore is an in-memory role store.
type MemoryStore struct {
	mu    sync.Mutex
	roles map[int64]map[string]time.Time
}

// NewMemoryStore creates an empty in-memory role store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{roles: make(map[int64]map[string]time.Time)}
}

func (s *MemoryStore) Grant(_ context.Context, userID int64, role string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.roles[userID]
	if !ok {
		user = make(map[string]time.Time)
		s.roles[userID] = user
	}
	if _, exists := user[role]; exists {
		return false, nil
	}
	user[role] = time.Now()
	return true, nil
}

func (s *MemoryStore) Roles(_ context.Context, userID int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.roles[userID]))
	for role := range s.roles[userID] {
		out = append(out, role)
	}
	sort.Strings(out)
	return out, nil
}

// PostgresStore keeps roles in the user_roles table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a PostgreSQL-backed role store.
func NewPostgresStore(pool *pgxpool.Pool) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Grant(ctx context.Context, userID int64, role string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	cmd, err := s.pool.Exec(ctx,
		`INSERT INTO user_roles (user_id, role) VALUES ($1, $2)
		 ON CONFLICT (user_id, role) DO NOTHING`,
		userID, role,
	)
	if err != nil {
		return false, fmt.Errorf("insert role: %w", err)
	}
	return cmd.RowsAffected() > 0, nil
}

func (s *PostgresStore) Roles(ctx context.Context, userID int64) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := s.pool.Query(ctx,
		`SELECT role FROM user_roles WHERE user_id = $1 ORDER BY role`, userID)
	if err != nil {
		return nil, fmt.Errorf("query roles: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, fmt.Errorf("scan role: %w", err)
		}
		out = append(out, role)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate roles: %w", err)
	}
	return out, nil
}
