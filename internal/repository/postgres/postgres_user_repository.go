package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/honeynil/ZenLearnPayments/internal/models"
	pkgerrors "github.com/honeynil/ZenLearnPayments/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
)

const userTracer = "user-repository"

type PostgresUserRepository struct {
	db *sql.DB
}

func NewPostgresUserRepository(db *sql.DB) *PostgresUserRepository {
	return &PostgresUserRepository{db: db}
}

// ChangeBalance applies delta only if the result stays non-negative. The row lock
// taken by UPDATE serialises concurrent changes for one user.
func (r *PostgresUserRepository) ChangeBalance(ctx context.Context, userID, delta int64) (newBalance int64, err error) {
	ctx, span, done := startOp(ctx, userTracer, "ChangeBalance")
	defer done(&err)
	span.SetAttributes(attribute.Int64("user_id", userID), attribute.Int64("delta", delta))

	query := `
		UPDATE users
		SET coin_balance = coin_balance + $1
		WHERE id = $2
		AND (coin_balance + $1) >= 0
		RETURNING coin_balance
		`
	db := conn(ctx, r.db)
	err = db.QueryRowContext(ctx, query, delta, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if existsErr := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM users WHERE id = $1)`, userID).Scan(&exists); existsErr != nil {
			err = fmt.Errorf("failed to check user: %w", existsErr)
			return 0, err
		}
		if !exists {
			err = pkgerrors.ErrUserNotFound
			return 0, err
		}
		err = fmt.Errorf("%w: user %d needs %d", pkgerrors.ErrInsufficientBalance, userID, -delta)
		return 0, err
	}
	if err != nil {
		slog.Error("failed to change balance", "method", "ChangeBalance", "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to change balance: %w", err)
	}
	return newBalance, nil
}

func (r *PostgresUserRepository) GetByID(ctx context.Context, id int64) (user *models.User, err error) {
	ctx, _, done := startOp(ctx, userTracer, "GetUserByID")
	defer done(&err)

	query := `SELECT id, username, coin_balance, created_at FROM users WHERE id = $1`
	var u models.User
	err = conn(ctx, r.db).QueryRowContext(ctx, query, id).Scan(&u.ID, &u.Username, &u.CoinBalance, &u.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		err = pkgerrors.ErrUserNotFound
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("failed to get user by id: %w", err)
	}
	return &u, nil
}

func (r *PostgresUserRepository) GetBalance(ctx context.Context, userID int64) (int64, error) {
	return r.balance(ctx, "GetBalance", `SELECT coin_balance FROM users WHERE id = $1`, userID)
}

func (r *PostgresUserRepository) GetBalanceForUpdate(ctx context.Context, userID int64) (int64, error) {
	return r.balance(ctx, "GetBalanceForUpdate", `SELECT coin_balance FROM users WHERE id = $1 FOR UPDATE`, userID)
}

func (r *PostgresUserRepository) balance(ctx context.Context, method, query string, userID int64) (balance int64, err error) {
	ctx, _, done := startOp(ctx, userTracer, method)
	defer done(&err)

	err = conn(ctx, r.db).QueryRowContext(ctx, query, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		err = pkgerrors.ErrUserNotFound
		return 0, err
	}
	if err != nil {
		slog.Error("failed to get balance", "method", method, "user_id", userID, "error", err)
		return 0, fmt.Errorf("failed to get balance: %w", err)
	}
	return balance, nil
}
