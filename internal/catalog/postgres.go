package catalog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const dbTimeout = 5 * time.Second

// PostgresCatalog reads the hierarchy from the forum's categories,
// subcategories and posts tables. It never writes to them.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog creates a catalog reader over the forum tables.
func NewPostgresCatalog(pool *pgxpool.Pool) (*PostgresCatalog, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is nil")
	}
	return &PostgresCatalog{pool: pool}, nil
}

func (c *PostgresCatalog) PostParent(ctx context.Context, postID int64) (int64, int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var sub, cat int64
	err := c.pool.QueryRow(ctx,
		`SELECT s.id, s.category_id
		 FROM posts p
		 JOIN subcategories s ON s.id = p.subcategory_id
		 WHERE p.id = $1`,
		postID,
	).Scan(&sub, &cat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, fmt.Errorf("post %d: %w", postID, ErrNotFound)
		}
		return 0, 0, fmt.Errorf("lookup post parent: %w", err)
	}
	return sub, cat, nil
}

func (c *PostgresCatalog) SubcategoryParent(ctx context.Context, subcategoryID int64) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var cat int64
	err := c.pool.QueryRow(ctx,
		`SELECT category_id FROM subcategories WHERE id = $1`,
		subcategoryID,
	).Scan(&cat)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("subcategory %d: %w", subcategoryID, ErrNotFound)
		}
		return 0, fmt.Errorf("lookup subcategory parent: %w", err)
	}
	return cat, nil
}

func (c *PostgresCatalog) CategoryExists(ctx context.Context, categoryID int64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	var exists bool
	if err := c.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM categories WHERE id = $1)`,
		categoryID,
	).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup category: %w", err)
	}
	return exists, nil
}

func (c *PostgresCatalog) SubcategoriesOf(ctx context.Context, categoryID int64) ([]int64, error) {
	exists, err := c.CategoryExists(ctx, categoryID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, fmt.Errorf("category %d: %w", categoryID, ErrNotFound)
	}
	return c.ids(ctx,
		`SELECT id FROM subcategories WHERE category_id = $1 ORDER BY id`,
		categoryID,
	)
}

func (c *PostgresCatalog) PostsOf(ctx context.Context, subcategoryID int64) ([]int64, error) {
	if _, err := c.SubcategoryParent(ctx, subcategoryID); err != nil {
		return nil, err
	}
	return c.ids(ctx,
		`SELECT id FROM posts WHERE subcategory_id = $1 ORDER BY id`,
		subcategoryID,
	)
}

func (c *PostgresCatalog) ids(ctx context.Context, query string, args ...any) ([]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, dbTimeout)
	defer cancel()

	rows, err := c.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query catalog: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan catalog ids: %w", err)
	}
	return ids, nil
}
