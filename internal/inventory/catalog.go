package inventory

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresCatalog answers catalog membership from store_products.
type PostgresCatalog struct {
	pool *pgxpool.Pool
}

// NewPostgresCatalog constructs PostgresCatalog.
func NewPostgresCatalog(pool *pgxpool.Pool) *PostgresCatalog {
	return &PostgresCatalog{pool: pool}
}

// IsActive reports whether the store currently sells the product.
func (c *PostgresCatalog) IsActive(ctx context.Context, storeID, productID string) (bool, error) {
	var active bool
	err := c.pool.QueryRow(ctx, `SELECT active FROM store_products WHERE store_id = $1 AND product_id = $2`, storeID, productID).Scan(&active)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	return active, err
}
