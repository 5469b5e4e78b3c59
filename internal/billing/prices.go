package billing

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// PriceRepository reads price lists and item prices
type PriceRepository struct {
	pool *pgxpool.Pool
}

// NewPriceRepository creates a price repository
func NewPriceRepository(pool *pgxpool.Pool) *PriceRepository {
	return &PriceRepository{pool: pool}
}

// PriceListExists reports whether a selling price list is defined
func (r *PriceRepository) PriceListExists(ctx context.Context, name string) (bool, error) {
	if name == "" {
		return false, nil
	}
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM price_lists WHERE name = $1 AND selling)`, name).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check price list: %w", err)
	}
	return exists, nil
}

// ItemRate returns the item's price on the list, zero when unpriced
func (r *PriceRepository) ItemRate(ctx context.Context, priceList, itemCode string) (decimal.Decimal, error) {
	var rate decimal.Decimal
	err := r.pool.QueryRow(ctx,
		`SELECT rate FROM item_prices WHERE price_list = $1 AND item_code = $2`, priceList, itemCode).Scan(&rate)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("get item rate: %w", err)
	}
	return rate, nil
}

// ItemName returns the item's display name, or "" when unknown
func (r *PriceRepository) ItemName(ctx context.Context, itemCode string) (string, error) {
	var name string
	err := r.pool.QueryRow(ctx, `SELECT item_name FROM items WHERE item_code = $1`, itemCode).Scan(&name)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get item name: %w", err)
	}
	return name, nil
}
