package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
)

type PostgresProductRepository struct {
	db *sql.DB
}

func NewPostgresProductRepository(db *sql.DB) *PostgresProductRepository {
	return &PostgresProductRepository{db: db}
}

func (r *PostgresProductRepository) GetByID(ctx context.Context, id int64) (product *models.Product, err error) {
	ctx, _, done := startOp(ctx, "product-repository", "GetProductByID")
	defer done(&err)

	query := `
			SELECT id, kind, name, price, coin_price, coins
			FROM products
			WHERE id = $1
`
	var p models.Product
	err = conn(ctx, r.db).QueryRowContext(ctx, query, id).Scan(
		&p.ID,
		&p.Kind,
		&p.Name,
		&p.Price,
		&p.CoinPrice,
		&p.Coins,
	)
	if errors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrProductNotFound
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return &p, nil
}

type PostgresAccessGrantRepository struct {
	db *sql.DB
}

func NewPostgresAccessGrantRepository(db *sql.DB) *PostgresAccessGrantRepository {
	return &PostgresAccessGrantRepository{db: db}
}

func (r *PostgresAccessGrantRepository) Grant(ctx context.Context, g models.AccessGrant) (created bool, err error) {
	ctx, _, done := startOp(ctx, "access-repository", "GrantAccess")
	defer done(&err)

	query := `
		INSERT INTO user_access (user_id, product_id, payment_id) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, product_id) DO NOTHING`
	res, err := conn(ctx, r.db).ExecContext(ctx, query, g.UserID, g.ProductID, nullInt64(g.PaymentID))
	if err != nil {
		return false, fmt.Errorf("failed to grant access: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to grant access: %w", err)
	}
	return n == 1, nil
}

func (r *PostgresAccessGrantRepository) Has(ctx context.Context, userID, productID int64) (has bool, err error) {
	ctx, _, done := startOp(ctx, "access-repository", "HasAccess")
	defer done(&err)

	query := `SELECT EXISTS(SELECT 1 FROM user_access WHERE user_id = $1 AND product_id = $2)`
	if err = conn(ctx, r.db).QueryRowContext(ctx, query, userID, productID).Scan(&has); err != nil {
		return false, fmt.Errorf("failed to check access: %w", err)
	}
	return has, nil
}
